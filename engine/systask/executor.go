// Package systask executes system task types in-process. The pipeline routes
// IsSystem dispatches here instead of publishing them to worker topics; the
// executor answers with an immediate update or a timer.
package systask

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sagaflow/sagaflow/engine/bus"
	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/definition"
	"github.com/sagaflow/sagaflow/engine/instance"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

// Result is what executing a system task produced: an update to feed back
// into the pipeline, or a timer to arm, never both.
type Result struct {
	Update *instance.TaskStatusUpdate
	Timer  *bus.Timer
}

type Executor struct {
	now func() time.Time
}

type Option func(*Executor)

// WithClock overrides the wall clock for deterministic timer tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

func NewExecutor(opts ...Option) *Executor {
	e := &Executor{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one system task dispatch. Malformed tasks fail the task
// rather than erroring the pipeline.
func (e *Executor) Execute(ctx context.Context, dispatch *bus.Dispatch) (*Result, error) {
	task := dispatch.Task
	if task == nil {
		return nil, core.NewError(core.CodeInternal, "system dispatch has no task payload")
	}
	logger.FromContext(ctx).Debug("executing system task",
		"task_id", task.TaskID, "type", task.Type,
		"task_reference_name", task.TaskReferenceName)
	switch task.Type {
	case definition.TaskTypeDecision:
		return e.executeDecision(task), nil
	case definition.TaskTypeSchedule:
		return e.executeSchedule(task), nil
	default:
		return &Result{Update: failure(task,
			fmt.Sprintf("task type %s is not executable in-process", task.Type))}, nil
	}
}

// executeDecision evaluates the resolved case value and completes with the
// chosen key as output. Branch selection happens in the state engine when it
// advances past the Completed decision.
func (e *Executor) executeDecision(task *instance.TaskInstance) *Result {
	caseValue := ""
	if raw, ok := task.Input["case"]; ok && raw != nil {
		caseValue = fmt.Sprintf("%v", raw)
	}
	return &Result{Update: &instance.TaskStatusUpdate{
		TransactionID: task.TransactionID,
		TaskID:        task.TaskID,
		Status:        instance.TaskCompleted,
		Output:        core.Output{"case": caseValue},
		IsSystem:      true,
	}}
}

// executeSchedule arms a timer that completes the task at the requested
// moment: an absolute scheduledAt, a relative delaySecond, or the next fire
// time of a cron expression.
func (e *Executor) executeSchedule(task *instance.TaskInstance) *Result {
	fireAt, err := e.scheduleFireTime(task.Input)
	if err != nil {
		return &Result{Update: failure(task, err.Error())}
	}
	return &Result{Timer: &bus.Timer{
		ScheduledAt: fireAt,
		Update: &instance.TaskStatusUpdate{
			TransactionID: task.TransactionID,
			TaskID:        task.TaskID,
			Status:        instance.TaskCompleted,
			Output:        core.Output{"scheduledAt": fireAt.Format(time.RFC3339)},
			IsSystem:      true,
		},
	}}
}

func (e *Executor) scheduleFireTime(input core.Input) (time.Time, error) {
	if raw, ok := input["scheduledAt"]; ok && raw != nil {
		text := fmt.Sprintf("%v", raw)
		at, err := time.Parse(time.RFC3339, text)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing scheduledAt %q: %w", text, err)
		}
		return at, nil
	}
	if raw, ok := input["delaySecond"]; ok && raw != nil {
		seconds, err := toSeconds(raw)
		if err != nil {
			return time.Time{}, err
		}
		return e.now().Add(time.Duration(seconds * float64(time.Second))), nil
	}
	if raw, ok := input["cron"]; ok && raw != nil {
		expr := fmt.Sprintf("%v", raw)
		schedule, err := cron.ParseStandard(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing cron expression %q: %w", expr, err)
		}
		return schedule.Next(e.now()), nil
	}
	return time.Time{}, fmt.Errorf("schedule task needs scheduledAt, delaySecond or cron input")
}

func toSeconds(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("delaySecond must be a number, got %T", raw)
	}
}

func failure(task *instance.TaskInstance, reason string) *instance.TaskStatusUpdate {
	return &instance.TaskStatusUpdate{
		TransactionID: task.TransactionID,
		TaskID:        task.TaskID,
		Status:        instance.TaskFailed,
		Logs:          reason,
		IsSystem:      true,
	}
}
