package orchestrator

import (
	"context"
	"sort"

	"github.com/sagaflow/sagaflow/engine/bus"
	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/instance"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

// HandleCommand applies one administrative command. Commands travel on the
// same partitioned input topic as task updates, so they serialize behind
// in-flight work for their transaction. Domain failures become error events
// and the command is dropped.
func (o *Orchestrator) HandleCommand(ctx context.Context, effects *Effects, cmd *bus.Command) error {
	switch cmd.Type {
	case bus.CommandStartTransaction:
		return o.handleStartCommand(ctx, effects, cmd)
	case bus.CommandCancel:
		return o.cancelTransaction(ctx, effects, cmd.TransactionID, cmd.Reason)
	case bus.CommandPause:
		return o.pauseTransaction(ctx, effects, cmd.TransactionID)
	case bus.CommandResume:
		return o.resumeTransaction(ctx, effects, cmd.TransactionID)
	default:
		effects.AddEvent(o.errorEvent(cmd.TransactionID,
			core.NewErrorf(core.CodeInternal, "unknown command type %q", cmd.Type),
			map[string]any{"command": cmd.Type}))
		return nil
	}
}

func (o *Orchestrator) handleStartCommand(ctx context.Context, effects *Effects, cmd *bus.Command) error {
	if cmd.Workflow == nil {
		effects.AddEvent(o.errorEvent(cmd.TransactionID,
			core.NewError(core.CodeInvalidDefinition, "start command has no workflow reference"),
			nil))
		return nil
	}
	if _, err := o.store.Transactions.Get(ctx, cmd.TransactionID); err == nil {
		effects.AddEvent(o.errorEvent(cmd.TransactionID,
			core.NewErrorf(core.CodeTransactionAlreadyExists,
				"transaction %q already exists", cmd.TransactionID),
			nil))
		return nil
	} else if !core.IsCode(err, core.CodeTransactionNotFound) {
		return err
	}
	started, err := o.StartTransaction(ctx, &StartRequest{
		TransactionID: cmd.TransactionID,
		WorkflowName:  cmd.Workflow.Name,
		WorkflowRev:   cmd.Workflow.Rev,
		Input:         cmd.Input,
	})
	if err != nil {
		if core.IsCode(err, core.CodeDefinitionNotFound) {
			effects.AddEvent(o.errorEvent(cmd.TransactionID, err, map[string]any{
				"workflow": cmd.Workflow,
			}))
			return nil
		}
		return err
	}
	effects.Merge(started)
	return nil
}

// -----------------------------------------------------------------------------
// Cancel
// -----------------------------------------------------------------------------

// cancelTransaction forces the transaction and every non-terminal workflow
// to Cancelled and fails their live tasks. No compensation is triggered, and
// a cancel arriving mid-compensation stops the remaining compensate steps.
func (o *Orchestrator) cancelTransaction(
	ctx context.Context,
	effects *Effects,
	transactionID, reason string,
) error {
	txn, err := o.loadTransaction(ctx, effects, transactionID)
	if txn == nil {
		return err
	}
	if txn.Status.IsTerminal() {
		logger.FromContext(ctx).Debug("ignoring cancel on terminal transaction",
			"transaction_id", transactionID, "status", txn.Status)
		return nil
	}
	workflows, err := o.store.Workflows.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return err
	}
	for _, wf := range workflows {
		if wf.Status.IsTerminal() {
			continue
		}
		if err := o.cancelWorkflowTasks(ctx, effects, wf, reason); err != nil {
			return err
		}
		wf.Status = instance.WorkflowCancelled
		endTime := o.now()
		wf.EndTime = &endTime
		if err := o.store.Workflows.Update(ctx, wf); err != nil {
			return err
		}
		effects.AddEvent(o.workflowEvent(wf))
	}
	txn.Status = instance.TransactionCancelled
	endTime := o.now()
	txn.EndTime = &endTime
	if err := o.store.Transactions.Update(ctx, txn); err != nil {
		return err
	}
	effects.AddEvent(o.transactionEvent(txn))
	o.clock.forget(transactionID)
	return nil
}

// cancelWorkflowTasks terminates the live tasks of a workflow being
// cancelled. Task status has no Cancelled member; Failed with a log note is
// the terminal form.
func (o *Orchestrator) cancelWorkflowTasks(
	ctx context.Context,
	effects *Effects,
	wf *instance.WorkflowInstance,
	reason string,
) error {
	tasks, err := o.store.Tasks.GetAll(ctx, wf.WorkflowID)
	if err != nil {
		return err
	}
	note := "transaction cancelled"
	if reason != "" {
		note += ": " + reason
	}
	for _, task := range tasks {
		if !task.Status.IsLive() {
			continue
		}
		task.Status = instance.TaskFailed
		task.Logs = append(task.Logs, note)
		endTime := o.now()
		task.EndTime = &endTime
		if err := o.store.Tasks.Update(ctx, task); err != nil {
			return err
		}
		effects.AddEvent(o.taskEvent(task, instance.TaskFailed))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Pause / Resume
// -----------------------------------------------------------------------------

func (o *Orchestrator) pauseTransaction(ctx context.Context, effects *Effects, transactionID string) error {
	txn, err := o.loadTransaction(ctx, effects, transactionID)
	if txn == nil {
		return err
	}
	if !txn.Status.CanTransitionTo(instance.TransactionPaused) {
		effects.AddEvent(o.errorEvent(transactionID,
			core.NewErrorf(core.CodeInvalidTransition,
				"transaction %q cannot pause from %s", transactionID, txn.Status),
			map[string]any{"status": txn.Status}))
		return nil
	}
	txn.Status = instance.TransactionPaused
	if err := o.store.Transactions.Update(ctx, txn); err != nil {
		return err
	}
	effects.AddEvent(o.transactionEvent(txn))
	return o.setWorkflowStatuses(ctx, effects, transactionID,
		instance.WorkflowRunning, instance.WorkflowPaused)
}

// resumeTransaction returns the transaction to Running and replays the
// advancement that was deferred while paused.
func (o *Orchestrator) resumeTransaction(ctx context.Context, effects *Effects, transactionID string) error {
	txn, err := o.loadTransaction(ctx, effects, transactionID)
	if txn == nil {
		return err
	}
	if !txn.Status.CanTransitionTo(instance.TransactionRunning) {
		effects.AddEvent(o.errorEvent(transactionID,
			core.NewErrorf(core.CodeInvalidTransition,
				"transaction %q cannot resume from %s", transactionID, txn.Status),
			map[string]any{"status": txn.Status}))
		return nil
	}
	txn.Status = instance.TransactionRunning
	if err := o.store.Transactions.Update(ctx, txn); err != nil {
		return err
	}
	effects.AddEvent(o.transactionEvent(txn))
	if err := o.setWorkflowStatuses(ctx, effects, transactionID,
		instance.WorkflowPaused, instance.WorkflowRunning); err != nil {
		return err
	}
	return o.replayDeferred(ctx, effects, transactionID)
}

func (o *Orchestrator) setWorkflowStatuses(
	ctx context.Context,
	effects *Effects,
	transactionID string,
	from, to instance.WorkflowStatus,
) error {
	workflows, err := o.store.Workflows.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return err
	}
	for _, wf := range workflows {
		if wf.Status != from {
			continue
		}
		wf.Status = to
		if err := o.store.Workflows.Update(ctx, wf); err != nil {
			return err
		}
		effects.AddEvent(o.workflowEvent(wf))
	}
	return nil
}

// replayDeferred re-runs terminal handling for every finished task of each
// running workflow, oldest first, so that tasks that terminated in separate
// parallel lanes during the pause all advance. Advancement that already
// happened before the pause is a no-op because the successor slots are
// occupied.
func (o *Orchestrator) replayDeferred(ctx context.Context, effects *Effects, transactionID string) error {
	workflows, err := o.store.Workflows.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return err
	}
	for _, wf := range workflows {
		if wf.Status != instance.WorkflowRunning {
			continue
		}
		tasks, err := o.store.Tasks.GetAll(ctx, wf.WorkflowID)
		if err != nil {
			return err
		}
		var finished []*instance.TaskInstance
		for _, task := range tasks {
			if task.Status.IsTerminal() && task.EndTime != nil {
				finished = append(finished, task)
			}
		}
		sort.SliceStable(finished, func(i, j int) bool {
			return finished[i].EndTime.Before(*finished[j].EndTime)
		})
		for _, task := range finished {
			if err := o.handleTaskTerminal(ctx, effects, task); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) loadTransaction(
	ctx context.Context,
	effects *Effects,
	transactionID string,
) (*instance.Transaction, error) {
	txn, err := o.store.Transactions.Get(ctx, transactionID)
	if err != nil {
		if core.IsCode(err, core.CodeTransactionNotFound) {
			effects.AddEvent(o.errorEvent(transactionID, err, nil))
			return nil, nil
		}
		return nil, err
	}
	return txn, nil
}
