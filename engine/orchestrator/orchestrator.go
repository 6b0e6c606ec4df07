// Package orchestrator implements the deterministic state engine: given the
// persisted instance state and one incoming update, it computes the store
// mutations, task dispatches, events and timers that follow. It holds no
// state between updates beyond what the store persists.
package orchestrator

import (
	"context"
	"reflect"
	"time"

	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/instance"
	"github.com/sagaflow/sagaflow/engine/store"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

type Orchestrator struct {
	store *store.Store
	clock *eventClock
	now   func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the wall clock, used by tests for deterministic
// timestamps and timer arming.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func New(st *store.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{store: st, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	o.clock = newEventClock(o.now)
	return o
}

// -----------------------------------------------------------------------------
// Transaction start
// -----------------------------------------------------------------------------

// StartRequest begins a transaction against a registered workflow
// definition revision.
type StartRequest struct {
	TransactionID string
	WorkflowName  string
	WorkflowRev   string
	Input         core.Input
}

// StartTransaction creates the transaction and its first workflow instance,
// schedules the entry task and returns the outbound effects.
func (o *Orchestrator) StartTransaction(ctx context.Context, req *StartRequest) (*Effects, error) {
	def, err := o.store.WorkflowDefs.Get(ctx, req.WorkflowName, req.WorkflowRev)
	if err != nil {
		return nil, err
	}
	effects := NewEffects()
	txn := &instance.Transaction{
		TransactionID: req.TransactionID,
		Status:        instance.TransactionRunning,
		Input:         req.Input,
		CreateTime:    o.now(),
	}
	if err := o.store.Transactions.Create(ctx, txn); err != nil {
		return nil, err
	}
	effects.AddEvent(o.transactionEvent(txn))
	if _, err := o.startWorkflow(ctx, effects, txn, &workflowSpawn{
		Type:       instance.WorkflowTypeWorkflow,
		Definition: def,
		Input:      req.Input,
	}); err != nil {
		return nil, err
	}
	return effects, nil
}

// -----------------------------------------------------------------------------
// Update application
// -----------------------------------------------------------------------------

// ApplyUpdates processes the ordered updates of one transaction partition.
// Domain failures (unknown task, illegal transition) drop the offending
// update with an error event and keep going; infrastructure failures abort
// the batch so the pipeline can retry it without committing offsets.
func (o *Orchestrator) ApplyUpdates(
	ctx context.Context,
	updates []*instance.TaskStatusUpdate,
) (*Effects, error) {
	effects := NewEffects()
	for _, update := range updates {
		if err := o.ApplyUpdate(ctx, effects, update); err != nil {
			return nil, err
		}
	}
	return effects, nil
}

// ApplyUpdate applies a single task status update into effects.
func (o *Orchestrator) ApplyUpdate(
	ctx context.Context,
	effects *Effects,
	update *instance.TaskStatusUpdate,
) error {
	log := logger.FromContext(ctx)
	task, err := o.store.Tasks.Get(ctx, update.TaskID)
	if err != nil || task.TransactionID != update.TransactionID {
		if update.Status == instance.TaskAckTimeOut || update.Status == instance.TaskTimeout {
			// Stale timer for a retried or finished task; the slot was
			// reloaded under a new taskId.
			log.Debug("dropping stale timer update", "task_id", update.TaskID)
			return nil
		}
		notFound := core.NewErrorf(core.CodeTaskNotFound,
			"task %s not found for transaction %q", update.TaskID, update.TransactionID)
		log.Warn("dropping update for unknown task",
			"task_id", update.TaskID, "transaction_id", update.TransactionID)
		effects.AddEvent(o.errorEvent(update.TransactionID, notFound, map[string]any{
			"taskId": update.TaskID,
			"status": update.Status,
		}))
		return nil
	}
	if task.Status == update.Status && reflect.DeepEqual(task.Output, update.Output) {
		// Idempotent resubmission: dropped silently, no error event.
		log.Debug("dropping idempotent update resubmission",
			"task_id", update.TaskID, "status", update.Status)
		return nil
	}
	// Workers may post a terminal result without a prior Inprogress ack; the
	// update counts as ack plus result in one hop.
	implicitAck := task.Status == instance.TaskScheduled &&
		update.Status.IsTerminal() && !update.IsSystem
	allowed := task.Status.CanTransitionTo(update.Status, update.IsSystem)
	if !allowed && implicitAck {
		allowed = instance.TaskInprogress.CanTransitionTo(update.Status, false)
	}
	if !allowed {
		if update.Status == instance.TaskAckTimeOut || update.Status == instance.TaskTimeout {
			// The task progressed before its timer fired.
			log.Debug("dropping stale timeout",
				"task_id", update.TaskID, "from", task.Status, "to", update.Status)
			return nil
		}
		invalid := core.NewErrorf(core.CodeInvalidTransition,
			"task %s cannot transition %s -> %s", task.TaskID, task.Status, update.Status)
		log.Warn("rejecting illegal task transition",
			"task_id", task.TaskID, "from", task.Status, "to", update.Status)
		effects.AddEvent(o.errorEvent(update.TransactionID, invalid, map[string]any{
			"taskId": task.TaskID,
			"from":   task.Status,
			"to":     update.Status,
		}))
		return nil
	}
	// Emit the implicit Inprogress first so the event trail stays monotone.
	if implicitAck {
		effects.AddEvent(o.taskEvent(task, instance.TaskInprogress))
	}
	task.Status = update.Status
	if update.Output != nil {
		task.Output = update.Output
	}
	if update.Logs != "" {
		task.Logs = append(task.Logs, update.Logs)
	}
	if update.Status.IsTerminal() {
		endTime := o.now()
		task.EndTime = &endTime
	}
	if err := o.store.Tasks.Update(ctx, task); err != nil {
		return err
	}
	effects.AddEvent(o.taskEvent(task, task.Status))
	if !task.Status.IsTerminal() {
		return nil
	}
	return o.handleTaskTerminal(ctx, effects, task)
}
