package definition

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sagaflow/sagaflow/engine/core"
)

var (
	nameRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	revRegexp  = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)
)

// ValidationError is a single path-qualified validation failure, e.g.
// `workflowDefinition.tasks[3].decisions["foo"].tasks[1].name`.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors aggregates every failure found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// AsError returns a domain error when any failure was collected, nil otherwise.
func (e ValidationErrors) AsError() error {
	if len(e) == 0 {
		return nil
	}
	return core.NewError(core.CodeInvalidDefinition, e.Error()).
		WithDetail("errors", []ValidationError(e))
}

// ValidateWorkflowDefinition performs structural and semantic validation of
// a workflow definition. It is pure: no I/O, no registry lookups (the
// task-definition registry may be eventually consistent, so referential
// integrity is checked at scheduling time instead).
func ValidateWorkflowDefinition(def *WorkflowDefinition) ValidationErrors {
	v := &validator{refNames: make(map[string]string)}
	if def == nil {
		v.addf("workflowDefinition", "definition is required")
		return v.errs
	}
	if !nameRegexp.MatchString(def.Name) {
		v.addf("workflowDefinition.name", "invalid name %q", def.Name)
	}
	if !revRegexp.MatchString(def.Rev) {
		v.addf("workflowDefinition.rev", "invalid rev %q", def.Rev)
	}
	v.validateStrategy(def)
	if len(def.Tasks) == 0 {
		v.addf("workflowDefinition.tasks", "at least one task is required")
	}
	v.validateTaskList(def.Tasks, "workflowDefinition.tasks")
	return v.errs
}

// ValidateTaskDefinition validates a registered task definition.
func ValidateTaskDefinition(def *TaskDefinition) ValidationErrors {
	v := &validator{}
	if def == nil {
		v.addf("taskDefinition", "definition is required")
		return v.errs
	}
	if !nameRegexp.MatchString(def.Name) {
		v.addf("taskDefinition.name", "invalid name %q", def.Name)
	}
	if def.Retry.Limit < 0 {
		v.addf("taskDefinition.retry.limit", "must be non-negative")
	}
	if def.Retry.DelaySecond < 0 {
		v.addf("taskDefinition.retry.delaySecond", "must be non-negative")
	}
	if def.TimeoutSecond < 0 {
		v.addf("taskDefinition.timeoutSecond", "must be non-negative")
	}
	if def.AckTimeoutSecond < 0 {
		v.addf("taskDefinition.ackTimeoutSecond", "must be non-negative")
	}
	return v.errs
}

type validator struct {
	errs ValidationErrors
	// refNames maps taskReferenceName to the path that first declared it;
	// reference names must be unique across the whole definition tree.
	refNames map[string]string
}

func (v *validator) addf(path, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) validateStrategy(def *WorkflowDefinition) {
	if !def.FailureStrategy.IsValid() {
		v.addf("workflowDefinition.failureStrategy", "invalid failure strategy %q", def.FailureStrategy)
		return
	}
	switch def.FailureStrategy {
	case StrategyRecoveryWorkflow:
		if def.RecoveryWorkflow == nil {
			v.addf("workflowDefinition.recoveryWorkflow", "required for RECOVERY_WORKFLOW strategy")
			return
		}
		if !nameRegexp.MatchString(def.RecoveryWorkflow.Name) {
			v.addf("workflowDefinition.recoveryWorkflow.name", "invalid name %q", def.RecoveryWorkflow.Name)
		}
		if !revRegexp.MatchString(def.RecoveryWorkflow.Rev) {
			v.addf("workflowDefinition.recoveryWorkflow.rev", "invalid rev %q", def.RecoveryWorkflow.Rev)
		}
	case StrategyRetry, StrategyCompensateThenRetry:
		if def.Retry == nil {
			return
		}
		if def.Retry.Limit < 0 {
			v.addf("workflowDefinition.retry.limit", "must be non-negative")
		}
		if def.Retry.DelaySecond < 0 {
			v.addf("workflowDefinition.retry.delaySecond", "must be non-negative")
		}
	}
}

func (v *validator) validateTaskList(tasks []Task, path string) {
	for i := range tasks {
		v.validateTask(&tasks[i], fmt.Sprintf("%s[%d]", path, i))
	}
}

func (v *validator) validateTask(task *Task, path string) {
	v.validateRefName(task, path)
	switch task.Type {
	case TaskTypeTask:
		if !nameRegexp.MatchString(task.Name) {
			v.addf(path+".name", "invalid task name %q", task.Name)
		}
	case TaskTypeParallel:
		for lane := range task.ParallelTasks {
			v.validateTaskList(task.ParallelTasks[lane], fmt.Sprintf("%s.parallelTasks[%d]", path, lane))
		}
	case TaskTypeDecision:
		if len(task.DefaultDecision) == 0 {
			v.addf(path+".defaultDecision", "at least one task is required")
		}
		for caseValue, branch := range task.Decisions {
			v.validateTaskList(branch, fmt.Sprintf("%s.decisions[%q]", path, caseValue))
		}
		v.validateTaskList(task.DefaultDecision, path+".defaultDecision")
	case TaskTypeSubWorkflow:
		if task.Workflow == nil {
			v.addf(path+".workflow", "required for SUB_WORKFLOW tasks")
			return
		}
		if !nameRegexp.MatchString(task.Workflow.Name) {
			v.addf(path+".workflow.name", "invalid name %q", task.Workflow.Name)
		}
		if !revRegexp.MatchString(task.Workflow.Rev) {
			v.addf(path+".workflow.rev", "invalid rev %q", task.Workflow.Rev)
		}
	default:
		v.addf(path+".type", "invalid task type %q", task.Type)
	}
	if task.Retry != nil {
		if task.Retry.Limit < 0 {
			v.addf(path+".retry.limit", "must be non-negative")
		}
		if task.Retry.DelaySecond < 0 {
			v.addf(path+".retry.delaySecond", "must be non-negative")
		}
	}
}

func (v *validator) validateRefName(task *Task, path string) {
	if !nameRegexp.MatchString(task.TaskReferenceName) {
		v.addf(path+".taskReferenceName", "invalid taskReferenceName %q", task.TaskReferenceName)
		return
	}
	if firstPath, exists := v.refNames[task.TaskReferenceName]; exists {
		v.addf(path+".taskReferenceName",
			"duplicate taskReferenceName %q (first declared at %s)", task.TaskReferenceName, firstPath)
		return
	}
	if v.refNames != nil {
		v.refNames[task.TaskReferenceName] = path
	}
}
