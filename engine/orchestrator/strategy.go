package orchestrator

import (
	"context"
	"time"

	"github.com/sagaflow/sagaflow/engine/bus"
	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/definition"
	"github.com/sagaflow/sagaflow/engine/instance"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

// handleTaskFailure retries the task while budget remains, then fails the
// workflow and applies the definition's failure strategy.
func (o *Orchestrator) handleTaskFailure(
	ctx context.Context,
	effects *Effects,
	wf *instance.WorkflowInstance,
	task *instance.TaskInstance,
) error {
	if task.CanRetry() {
		return o.retryTask(ctx, effects, task)
	}
	if err := o.failEnclosingContainers(ctx, effects, wf, task); err != nil {
		return err
	}
	return o.failWorkflow(ctx, effects, wf, task)
}

// retryTask replaces the slot's live instance with a fresh Scheduled one via
// reload: same taskReferenceName, new taskId, bumped retries.
func (o *Orchestrator) retryTask(
	ctx context.Context,
	effects *Effects,
	task *instance.TaskInstance,
) error {
	reloaded := core.DeepCopy(task)
	reloaded.TaskID = core.MustNewID()
	reloaded.Status = instance.TaskScheduled
	reloaded.Retries = task.Retries + 1
	reloaded.IsRetried = true
	reloaded.Output = nil
	reloaded.StartTime = o.now()
	reloaded.EndTime = nil
	if err := o.store.Tasks.Reload(ctx, reloaded); err != nil {
		return err
	}
	logger.FromContext(ctx).Info("retrying task",
		"task_id", reloaded.TaskID,
		"task_reference_name", reloaded.TaskReferenceName,
		"retries", reloaded.Retries,
		"retry_limit", reloaded.RetryLimit)
	effects.AddEvent(o.taskEvent(reloaded, instance.TaskScheduled))
	if reloaded.Type.IsSystem() {
		effects.AddDispatch(&bus.Dispatch{
			Task:          reloaded,
			TransactionID: reloaded.TransactionID,
			IsSystem:      true,
		})
		return nil
	}
	o.dispatchWorkerTask(effects, reloaded, reloaded.RetryDelay)
	return nil
}

// failEnclosingContainers marks the live Parallel/Decision containers around
// a terminally failed task as Failed, innermost first.
func (o *Orchestrator) failEnclosingContainers(
	ctx context.Context,
	effects *Effects,
	wf *instance.WorkflowInstance,
	task *instance.TaskInstance,
) error {
	refs := instance.EnclosingContainers(wf.Definition, task.TaskReferenceName)
	if len(refs) == 0 {
		return nil
	}
	snap, err := o.snapshotTasks(ctx, wf.WorkflowID)
	if err != nil {
		return err
	}
	for i := len(refs) - 1; i >= 0; i-- {
		container, ok := snap.byRef[refs[i]]
		if !ok || container.Status.IsTerminal() {
			continue
		}
		container.Status = instance.TaskFailed
		endTime := o.now()
		container.EndTime = &endTime
		if err := o.store.Tasks.Update(ctx, container); err != nil {
			return err
		}
		effects.AddEvent(o.taskEvent(container, instance.TaskFailed))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Workflow failure
// -----------------------------------------------------------------------------

func (o *Orchestrator) failWorkflow(
	ctx context.Context,
	effects *Effects,
	wf *instance.WorkflowInstance,
	failed *instance.TaskInstance,
) error {
	wf.Status = instance.WorkflowFailed
	endTime := o.now()
	wf.EndTime = &endTime
	if err := o.store.Workflows.Update(ctx, wf); err != nil {
		return err
	}
	effects.AddEvent(o.workflowEvent(wf))

	if wf.ParentTaskID != "" {
		// The parent's SubWorkflow task fails, which routes the failure
		// through the parent's own strategy.
		effects.AddUpdate(&instance.TaskStatusUpdate{
			TransactionID: wf.TransactionID,
			TaskID:        wf.ParentTaskID,
			Status:        instance.TaskFailed,
			Logs:          "sub-workflow " + string(wf.WorkflowID) + " failed",
			IsSystem:      true,
		})
		return nil
	}
	switch wf.Type {
	case instance.WorkflowTypeCompensate,
		instance.WorkflowTypeCompensateThenRetry,
		instance.WorkflowTypeRecovery:
		// Synthesized recovery paths do not recover recursively.
		return o.finishTransaction(ctx, effects, wf.TransactionID, instance.TransactionFailed, nil)
	default:
		return o.applyFailureStrategy(ctx, effects, wf, failed)
	}
}

func (o *Orchestrator) applyFailureStrategy(
	ctx context.Context,
	effects *Effects,
	wf *instance.WorkflowInstance,
	failed *instance.TaskInstance,
) error {
	log := logger.FromContext(ctx)
	def := wf.Definition
	log.Info("applying failure strategy",
		"transaction_id", wf.TransactionID,
		"workflow_id", wf.WorkflowID,
		"strategy", def.FailureStrategy,
		"failed_task", failed.TaskReferenceName)
	switch def.FailureStrategy {
	case definition.StrategyRetry:
		return o.retryWorkflow(ctx, effects, wf)
	case definition.StrategyCompensate:
		return o.spawnCompensation(ctx, effects, wf, instance.WorkflowTypeCompensate)
	case definition.StrategyCompensateThenRetry:
		return o.spawnCompensation(ctx, effects, wf, instance.WorkflowTypeCompensateThenRetry)
	case definition.StrategyRecoveryWorkflow:
		return o.spawnRecovery(ctx, effects, wf)
	default:
		return o.finishTransaction(ctx, effects, wf.TransactionID, instance.TransactionFailed, nil)
	}
}

func (o *Orchestrator) retryWorkflow(
	ctx context.Context,
	effects *Effects,
	wf *instance.WorkflowInstance,
) error {
	var limit int
	var delay time.Duration
	if wf.Definition.Retry != nil {
		limit = wf.Definition.Retry.Limit
		delay = time.Duration(wf.Definition.Retry.DelaySecond) * time.Second
	}
	if wf.Retries >= limit {
		return o.finishTransaction(ctx, effects, wf.TransactionID, instance.TransactionFailed, nil)
	}
	txn, err := o.store.Transactions.Get(ctx, wf.TransactionID)
	if err != nil {
		return err
	}
	_, err = o.startWorkflow(ctx, effects, txn, &workflowSpawn{
		Type:          instance.WorkflowTypeRetry,
		Definition:    wf.Definition,
		Input:         wf.Input,
		Retries:       wf.Retries + 1,
		DispatchDelay: delay,
	})
	return err
}

// spawnCompensation synthesizes the undo workflow: one Compensate task per
// previously Completed worker task, in reverse completion order. Zero
// targets makes the instance complete on creation.
func (o *Orchestrator) spawnCompensation(
	ctx context.Context,
	effects *Effects,
	failedWf *instance.WorkflowInstance,
	wfType instance.WorkflowType,
) error {
	snap, err := o.snapshotTasks(ctx, failedWf.WorkflowID)
	if err != nil {
		return err
	}
	targets := instance.CompensationTargets(failedWf.Definition, snap)
	txn, err := o.store.Transactions.Get(ctx, failedWf.TransactionID)
	if err != nil {
		return err
	}
	_, err = o.startWorkflow(ctx, effects, txn, &workflowSpawn{
		Type:       wfType,
		Definition: compensationDefinition(failedWf.Definition, targets),
		Input:      failedWf.Input,
	})
	return err
}

func compensationDefinition(
	src *definition.WorkflowDefinition,
	targets []instance.CompensationTarget,
) *definition.WorkflowDefinition {
	tasks := make([]definition.Task, 0, len(targets))
	for _, target := range targets {
		tasks = append(tasks, definition.Task{
			Name:              target.TaskName,
			TaskReferenceName: target.TaskReferenceName,
			Type:              definition.TaskTypeCompensate,
			Inputs:            target.Output,
		})
	}
	return &definition.WorkflowDefinition{
		Name:            src.Name,
		Rev:             src.Rev,
		Tasks:           tasks,
		FailureStrategy: definition.StrategyFailed,
	}
}

func (o *Orchestrator) spawnRecovery(
	ctx context.Context,
	effects *Effects,
	wf *instance.WorkflowInstance,
) error {
	ref := wf.Definition.RecoveryWorkflow
	if ref == nil {
		effects.AddEvent(o.errorEvent(wf.TransactionID,
			core.NewErrorf(core.CodeInvalidDefinition,
				"workflow %s declares RECOVERY_WORKFLOW without a recoveryWorkflow reference",
				wf.Definition.Key()),
			map[string]any{"workflowId": wf.WorkflowID}))
		return o.finishTransaction(ctx, effects, wf.TransactionID, instance.TransactionFailed, nil)
	}
	recoveryDef, err := o.store.WorkflowDefs.Get(ctx, ref.Name, ref.Rev)
	if err != nil {
		if core.IsCode(err, core.CodeDefinitionNotFound) {
			effects.AddEvent(o.errorEvent(wf.TransactionID, err, map[string]any{
				"workflowId":       wf.WorkflowID,
				"recoveryWorkflow": ref,
			}))
			return o.finishTransaction(ctx, effects, wf.TransactionID, instance.TransactionFailed, nil)
		}
		return err
	}
	txn, err := o.store.Transactions.Get(ctx, wf.TransactionID)
	if err != nil {
		return err
	}
	_, err = o.startWorkflow(ctx, effects, txn, &workflowSpawn{
		Type:       instance.WorkflowTypeRecovery,
		Definition: recoveryDef,
		Input:      wf.Input,
	})
	return err
}

// restartOriginalWorkflow runs after a COMPENSATE_THEN_RETRY workflow
// completed: the original definition starts over with the original input.
func (o *Orchestrator) restartOriginalWorkflow(
	ctx context.Context,
	effects *Effects,
	compWf *instance.WorkflowInstance,
) error {
	def, err := o.store.WorkflowDefs.Get(ctx, compWf.Definition.Name, compWf.Definition.Rev)
	if err != nil {
		if core.IsCode(err, core.CodeDefinitionNotFound) {
			effects.AddEvent(o.errorEvent(compWf.TransactionID, err, map[string]any{
				"workflowId": compWf.WorkflowID,
			}))
			return o.finishTransaction(ctx, effects, compWf.TransactionID, instance.TransactionFailed, nil)
		}
		return err
	}
	txn, err := o.store.Transactions.Get(ctx, compWf.TransactionID)
	if err != nil {
		return err
	}
	_, err = o.startWorkflow(ctx, effects, txn, &workflowSpawn{
		Type:       instance.WorkflowTypeWorkflow,
		Definition: def,
		Input:      compWf.Input,
	})
	return err
}
