package instance

import (
	"time"

	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/definition"
)

// -----------------------------------------------------------------------------
// Workflow Type
// -----------------------------------------------------------------------------

// WorkflowType records why a workflow instance exists: the client-started
// run, or one of the synthesized recovery variants.
type WorkflowType string

const (
	WorkflowTypeWorkflow            WorkflowType = "WORKFLOW"
	WorkflowTypeCompensate          WorkflowType = "COMPENSATE_WORKFLOW"
	WorkflowTypeCompensateThenRetry WorkflowType = "COMPENSATE_THEN_RETRY_WORKFLOW"
	WorkflowTypeRetry               WorkflowType = "RETRY_WORKFLOW"
	WorkflowTypeRecovery            WorkflowType = "RECOVERY_WORKFLOW"
	WorkflowTypeSubWorkflow         WorkflowType = "SUB_WORKFLOW"
)

// IsCompensation reports whether the instance runs synthesized compensate
// tasks rather than the original definition.
func (t WorkflowType) IsCompensation() bool {
	return t == WorkflowTypeCompensate || t == WorkflowTypeCompensateThenRetry
}

// -----------------------------------------------------------------------------
// Transaction
// -----------------------------------------------------------------------------

// Transaction is the top-level unit of work, identified by a
// client-supplied id that also serves as the bus partition key.
type Transaction struct {
	TransactionID string            `json:"transactionId"`
	Status        TransactionStatus `json:"status"`
	Input         core.Input        `json:"input,omitempty"`
	Output        core.Output       `json:"output,omitempty"`
	WorkflowID    core.ID           `json:"workflowId,omitempty"`
	CreateTime    time.Time         `json:"createTime"`
	EndTime       *time.Time        `json:"endTime,omitempty"`
}

// -----------------------------------------------------------------------------
// Workflow Instance
// -----------------------------------------------------------------------------

// WorkflowInstance is a single run of a workflow definition. It snapshots
// the effective definition so traversal never re-reads the registry.
type WorkflowInstance struct {
	WorkflowID     core.ID                        `json:"workflowId"`
	TransactionID  string                         `json:"transactionId"`
	Type           WorkflowType                   `json:"type"`
	Status         WorkflowStatus                 `json:"status"`
	Definition     *definition.WorkflowDefinition `json:"workflowDefinition"`
	Input          core.Input                     `json:"input,omitempty"`
	Output         core.Output                    `json:"output,omitempty"`
	Retries        int                            `json:"retries"`
	CreateTime     time.Time                      `json:"createTime"`
	EndTime        *time.Time                     `json:"endTime,omitempty"`
	// ParentTaskID links a SUB_WORKFLOW instance back to the task that
	// spawned it in the parent workflow.
	ParentTaskID core.ID `json:"parentTaskId,omitempty"`
}

// -----------------------------------------------------------------------------
// Task Instance
// -----------------------------------------------------------------------------

// TaskInstance is one scheduled unit of work. Container nodes (Parallel,
// Decision, SubWorkflow) carry their definition payload so the system-task
// executor can act on them without a definition lookup.
type TaskInstance struct {
	TaskID            core.ID                       `json:"taskId"`
	WorkflowID        core.ID                       `json:"workflowId"`
	TransactionID     string                        `json:"transactionId"`
	TaskName          string                        `json:"taskName,omitempty"`
	TaskReferenceName string                        `json:"taskReferenceName"`
	Type              definition.TaskType           `json:"type"`
	Status            TaskStatus                    `json:"status"`
	Input             core.Input                    `json:"input,omitempty"`
	Output            core.Output                   `json:"output,omitempty"`
	Logs              []string                      `json:"logs,omitempty"`
	Retries           int                           `json:"retries"`
	IsRetried         bool                          `json:"isRetried"`
	RetryDelay        time.Duration                 `json:"retryDelay"`
	RetryLimit        int                           `json:"retryLimit"`
	AckTimeout        time.Duration                 `json:"ackTimeout"`
	Timeout           time.Duration                 `json:"timeout"`
	StartTime         time.Time                     `json:"startTime"`
	EndTime           *time.Time                    `json:"endTime,omitempty"`
	ParallelTasks     [][]definition.Task           `json:"parallelTasks,omitempty"`
	Decisions         map[string][]definition.Task  `json:"decisions,omitempty"`
	DefaultDecision   []definition.Task             `json:"defaultDecision,omitempty"`
	Workflow          *definition.WorkflowRef       `json:"workflow,omitempty"`
	// SubWorkflowID is set once a SUB_WORKFLOW task materializes its child
	// instance.
	SubWorkflowID core.ID `json:"subWorkflowId,omitempty"`
}

// CanRetry reports whether the task has retry budget left.
func (t *TaskInstance) CanRetry() bool {
	return t.Retries < t.RetryLimit
}

// -----------------------------------------------------------------------------
// Task Status Update
// -----------------------------------------------------------------------------

// TaskStatusUpdate is the wire-level update consumed from the task-update
// topic: worker acks/results, system-task results and synthetic timer
// failures all share this shape.
type TaskStatusUpdate struct {
	TransactionID string      `json:"transactionId"`
	TaskID        core.ID     `json:"taskId"`
	Status        TaskStatus  `json:"status"`
	Output        core.Output `json:"output,omitempty"`
	Logs          string      `json:"logs,omitempty"`
	IsSystem      bool        `json:"isSystem"`
}
