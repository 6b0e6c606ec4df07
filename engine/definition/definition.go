package definition

import (
	"fmt"

	"dario.cat/mergo"

	"github.com/sagaflow/sagaflow/engine/core"
)

// -----------------------------------------------------------------------------
// Task Types
// -----------------------------------------------------------------------------

type TaskType string

const (
	TaskTypeTask        TaskType = "TASK"
	TaskTypeParallel    TaskType = "PARALLEL"
	TaskTypeDecision    TaskType = "DECISION"
	TaskTypeSubWorkflow TaskType = "SUB_WORKFLOW"
	// Schedule and Compensate are synthesized internally and never appear in
	// user-supplied definitions.
	TaskTypeSchedule   TaskType = "SCHEDULE"
	TaskTypeCompensate TaskType = "COMPENSATE"
)

// IsSystem reports whether tasks of this type run in-process instead of
// being dispatched to external workers.
func (t TaskType) IsSystem() bool {
	switch t {
	case TaskTypeParallel, TaskTypeDecision, TaskTypeSubWorkflow, TaskTypeSchedule:
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------
// Failure Strategy
// -----------------------------------------------------------------------------

type FailureStrategy string

const (
	StrategyFailed              FailureStrategy = "FAILED"
	StrategyRetry               FailureStrategy = "RETRY"
	StrategyCompensate          FailureStrategy = "COMPENSATE"
	StrategyCompensateThenRetry FailureStrategy = "COMPENSATE_THEN_RETRY"
	StrategyRecoveryWorkflow    FailureStrategy = "RECOVERY_WORKFLOW"
)

func (s FailureStrategy) IsValid() bool {
	switch s {
	case StrategyFailed, StrategyRetry, StrategyCompensate,
		StrategyCompensateThenRetry, StrategyRecoveryWorkflow:
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------
// Definitions
// -----------------------------------------------------------------------------

// RetryPolicy caps how often a failed task or workflow is rescheduled and
// how long the engine waits between attempts.
type RetryPolicy struct {
	Limit       int `json:"limit"       yaml:"limit"`
	DelaySecond int `json:"delaySecond" yaml:"delaySecond"`
}

// WorkflowRef points at a workflow definition by name and revision.
type WorkflowRef struct {
	Name string `json:"name" yaml:"name"`
	Rev  string `json:"rev"  yaml:"rev"`
}

// Task is the sum-typed node of a workflow definition. The Type field
// discriminates which payload fields are meaningful:
//
//   - TASK: Name references a TaskDefinition, Inputs feed the worker
//   - PARALLEL: ParallelTasks holds independent lanes of nodes
//   - DECISION: Decisions maps case values to branches, DefaultDecision is
//     the mandatory fallback branch
//   - SUB_WORKFLOW: Workflow references another WorkflowDefinition
type Task struct {
	Name              string            `json:"name,omitempty"              yaml:"name,omitempty"`
	TaskReferenceName string            `json:"taskReferenceName"           yaml:"taskReferenceName"`
	Type              TaskType          `json:"type"                        yaml:"type"`
	Inputs            map[string]any    `json:"inputParameters,omitempty"   yaml:"inputParameters,omitempty"`
	Retry             *RetryPolicy      `json:"retry,omitempty"             yaml:"retry,omitempty"`
	AckTimeoutSecond  int               `json:"ackTimeoutSecond,omitempty"  yaml:"ackTimeoutSecond,omitempty"`
	TimeoutSecond     int               `json:"timeoutSecond,omitempty"     yaml:"timeoutSecond,omitempty"`
	ParallelTasks     [][]Task          `json:"parallelTasks,omitempty"     yaml:"parallelTasks,omitempty"`
	Decisions         map[string][]Task `json:"decisions,omitempty"         yaml:"decisions,omitempty"`
	DefaultDecision   []Task            `json:"defaultDecision,omitempty"   yaml:"defaultDecision,omitempty"`
	Workflow          *WorkflowRef      `json:"workflow,omitempty"          yaml:"workflow,omitempty"`
}

// WorkflowDefinition describes a workflow. Definitions are immutable once
// created; publishing a change bumps Rev and produces a new definition.
type WorkflowDefinition struct {
	Name             string          `json:"name"                       yaml:"name"`
	Rev              string          `json:"rev"                        yaml:"rev"`
	Description      string          `json:"description,omitempty"      yaml:"description,omitempty"`
	Tasks            []Task          `json:"tasks"                      yaml:"tasks"`
	FailureStrategy  FailureStrategy `json:"failureStrategy"            yaml:"failureStrategy"`
	Retry            *RetryPolicy    `json:"retry,omitempty"            yaml:"retry,omitempty"`
	RecoveryWorkflow *WorkflowRef    `json:"recoveryWorkflow,omitempty" yaml:"recoveryWorkflow,omitempty"`
	OutputParameters map[string]any  `json:"outputParameters,omitempty" yaml:"outputParameters,omitempty"`
}

// Key returns the composite identity of the definition.
func (d *WorkflowDefinition) Key() string {
	return d.Name + "." + d.Rev
}

// Clone returns a deep copy, used when snapshotting the effective
// definition into a workflow instance.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	return core.DeepCopy(d)
}

// TaskDefinition describes a unit of worker-executed work registered under
// a unique name.
type TaskDefinition struct {
	Name             string      `json:"name"                       yaml:"name"`
	Description      string      `json:"description,omitempty"      yaml:"description,omitempty"`
	Retry            RetryPolicy `json:"retry"                      yaml:"retry"`
	TimeoutSecond    int         `json:"timeoutSecond,omitempty"    yaml:"timeoutSecond,omitempty"`
	AckTimeoutSecond int         `json:"ackTimeoutSecond,omitempty" yaml:"ackTimeoutSecond,omitempty"`
}

// MergeOverrides layers task-node level overrides from a workflow
// definition on top of the registered task definition. The node wins where
// it sets a value.
func (d *TaskDefinition) MergeOverrides(node *Task) (*TaskDefinition, error) {
	merged := core.DeepCopy(d)
	override := &TaskDefinition{
		TimeoutSecond:    node.TimeoutSecond,
		AckTimeoutSecond: node.AckTimeoutSecond,
	}
	if node.Retry != nil {
		override.Retry = *node.Retry
	}
	if err := mergo.Merge(merged, override, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging task overrides for %q: %w", d.Name, err)
	}
	return merged, nil
}
