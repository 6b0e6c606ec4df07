package orchestrator

import (
	"context"
	"time"

	"github.com/sagaflow/sagaflow/engine/bus"
	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/definition"
	"github.com/sagaflow/sagaflow/engine/instance"
	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/refsolver"
)

// -----------------------------------------------------------------------------
// Task snapshot
// -----------------------------------------------------------------------------

// taskSnapshot indexes one workflow instance's tasks by taskReferenceName.
// The store keeps at most one instance per slot, so the index is total.
type taskSnapshot struct {
	byRef map[string]*instance.TaskInstance
}

func (o *Orchestrator) snapshotTasks(ctx context.Context, workflowID core.ID) (*taskSnapshot, error) {
	tasks, err := o.store.Tasks.GetAll(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	snap := &taskSnapshot{byRef: make(map[string]*instance.TaskInstance, len(tasks))}
	for _, task := range tasks {
		snap.byRef[task.TaskReferenceName] = task
	}
	return snap, nil
}

func (s *taskSnapshot) StatusOf(ref string) (instance.TaskStatus, bool) {
	task, ok := s.byRef[ref]
	if !ok {
		return "", false
	}
	return task.Status, true
}

func (s *taskSnapshot) OutputOf(ref string) core.Output {
	task, ok := s.byRef[ref]
	if !ok {
		return nil
	}
	return task.Output
}

// refContext assembles the resolution scope: workflow input/output plus
// every materialized task's input and output, keyed by taskReferenceName.
func (s *taskSnapshot) refContext(wf *instance.WorkflowInstance) (*refsolver.Context, error) {
	scope := make(map[string]any, len(s.byRef)+1)
	scope["workflow"] = map[string]any{
		"input":  wf.Input,
		"output": wf.Output,
	}
	for ref, task := range s.byRef {
		scope[ref] = map[string]any{
			"input":  task.Input,
			"output": task.Output,
		}
	}
	return refsolver.NewContext(scope)
}

// -----------------------------------------------------------------------------
// Workflow start
// -----------------------------------------------------------------------------

// workflowSpawn describes a workflow instance to materialize: the client
// start, or one of the synthesized retry/compensate/recovery variants.
type workflowSpawn struct {
	Type         instance.WorkflowType
	Definition   *definition.WorkflowDefinition
	Input        core.Input
	Retries      int
	ParentTaskID core.ID
	// DispatchDelay defers the entry-task dispatch, used by delayed
	// workflow retries.
	DispatchDelay time.Duration
}

func (o *Orchestrator) startWorkflow(
	ctx context.Context,
	effects *Effects,
	txn *instance.Transaction,
	spawn *workflowSpawn,
) (*instance.WorkflowInstance, error) {
	wf := &instance.WorkflowInstance{
		WorkflowID:    core.MustNewID(),
		TransactionID: txn.TransactionID,
		Type:          spawn.Type,
		Status:        instance.WorkflowRunning,
		Definition:    spawn.Definition.Clone(),
		Input:         spawn.Input.Clone(),
		Retries:       spawn.Retries,
		CreateTime:    o.now(),
		ParentTaskID:  spawn.ParentTaskID,
	}
	if err := o.store.Workflows.Create(ctx, wf); err != nil {
		return nil, err
	}
	if spawn.Type == instance.WorkflowTypeWorkflow && txn.WorkflowID == "" {
		txn.WorkflowID = wf.WorkflowID
		if err := o.store.Transactions.Update(ctx, txn); err != nil {
			return nil, err
		}
	}
	effects.AddEvent(o.workflowEvent(wf))
	entry := instance.EntryTasks(wf.Definition)
	if len(entry) == 0 {
		// Nothing to run; the instance completes on creation.
		return wf, o.completeWorkflow(ctx, effects, wf)
	}
	if err := o.scheduleTasks(ctx, effects, wf, entry, spawn.DispatchDelay); err != nil {
		return nil, err
	}
	return wf, nil
}

// -----------------------------------------------------------------------------
// Task scheduling
// -----------------------------------------------------------------------------

func (o *Orchestrator) scheduleTasks(
	ctx context.Context,
	effects *Effects,
	wf *instance.WorkflowInstance,
	nodes []definition.Task,
	dispatchDelay time.Duration,
) error {
	snap, err := o.snapshotTasks(ctx, wf.WorkflowID)
	if err != nil {
		return err
	}
	rctx, err := snap.refContext(wf)
	if err != nil {
		return err
	}
	for i := range nodes {
		node := &nodes[i]
		if _, exists := snap.byRef[node.TaskReferenceName]; exists {
			// Replayed advancement (resume after pause); the slot is already
			// occupied.
			continue
		}
		if err := o.scheduleNode(ctx, effects, wf, node, rctx, dispatchDelay); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) scheduleNode(
	ctx context.Context,
	effects *Effects,
	wf *instance.WorkflowInstance,
	node *definition.Task,
	rctx *refsolver.Context,
	dispatchDelay time.Duration,
) error {
	task := &instance.TaskInstance{
		TaskID:            core.MustNewID(),
		WorkflowID:        wf.WorkflowID,
		TransactionID:     wf.TransactionID,
		TaskName:          node.Name,
		TaskReferenceName: node.TaskReferenceName,
		Type:              node.Type,
		Status:            instance.TaskScheduled,
		StartTime:         o.now(),
	}
	switch node.Type {
	case definition.TaskTypeCompensate:
		// Synthesized undo node; its input is the original task's literal
		// output and must not go through reference resolution again.
		task.Input = core.Input(node.Inputs)
	default:
		task.Input = rctx.ResolveInput(node.Inputs)
	}
	switch node.Type {
	case definition.TaskTypeTask, definition.TaskTypeCompensate:
		if err := o.applyTaskDefinition(ctx, task, node); err != nil {
			return err
		}
	case definition.TaskTypeParallel:
		task.ParallelTasks = node.ParallelTasks
	case definition.TaskTypeDecision:
		task.Decisions = node.Decisions
		task.DefaultDecision = node.DefaultDecision
	case definition.TaskTypeSubWorkflow:
		task.Workflow = node.Workflow
	}
	if err := o.store.Tasks.Create(ctx, task); err != nil {
		return err
	}
	effects.AddEvent(o.taskEvent(task, instance.TaskScheduled))

	switch node.Type {
	case definition.TaskTypeParallel:
		return o.openParallel(ctx, effects, wf, task, dispatchDelay)
	case definition.TaskTypeSubWorkflow:
		return o.openSubWorkflow(ctx, effects, wf, task)
	case definition.TaskTypeDecision, definition.TaskTypeSchedule:
		effects.AddDispatch(&bus.Dispatch{
			Task:          task,
			TransactionID: task.TransactionID,
			IsSystem:      true,
		})
		return nil
	default:
		o.dispatchWorkerTask(effects, task, dispatchDelay)
		return nil
	}
}

// applyTaskDefinition layers the registered task definition, with node-level
// overrides, onto a worker task instance. An unregistered name falls back to
// the node's own settings.
func (o *Orchestrator) applyTaskDefinition(
	ctx context.Context,
	task *instance.TaskInstance,
	node *definition.Task,
) error {
	effective := &definition.TaskDefinition{
		Name:             node.Name,
		TimeoutSecond:    node.TimeoutSecond,
		AckTimeoutSecond: node.AckTimeoutSecond,
	}
	if node.Retry != nil {
		effective.Retry = *node.Retry
	}
	registered, err := o.store.TaskDefs.Get(ctx, node.Name)
	switch {
	case err == nil:
		if effective, err = registered.MergeOverrides(node); err != nil {
			return err
		}
	case core.IsCode(err, core.CodeDefinitionNotFound):
		logger.FromContext(ctx).Debug("task name not registered, using node settings",
			"task_name", node.Name)
	default:
		return err
	}
	task.RetryLimit = effective.Retry.Limit
	task.RetryDelay = time.Duration(effective.Retry.DelaySecond) * time.Second
	task.AckTimeout = time.Duration(effective.AckTimeoutSecond) * time.Second
	task.Timeout = time.Duration(effective.TimeoutSecond) * time.Second
	return nil
}

// dispatchWorkerTask emits the dispatch (deferred when delay > 0) and arms
// the ack and total timeout timers.
func (o *Orchestrator) dispatchWorkerTask(
	effects *Effects,
	task *instance.TaskInstance,
	delay time.Duration,
) {
	dispatch := &bus.Dispatch{Task: task, TransactionID: task.TransactionID}
	if delay > 0 {
		effects.AddTimer(&bus.Timer{
			ScheduledAt: o.now().Add(delay),
			Dispatch:    dispatch,
		})
	} else {
		effects.AddDispatch(dispatch)
	}
	if task.AckTimeout > 0 {
		effects.AddTimer(&bus.Timer{
			ScheduledAt: o.now().Add(delay + task.AckTimeout),
			Update: &instance.TaskStatusUpdate{
				TransactionID: task.TransactionID,
				TaskID:        task.TaskID,
				Status:        instance.TaskAckTimeOut,
				IsSystem:      true,
			},
		})
	}
	if task.Timeout > 0 {
		effects.AddTimer(&bus.Timer{
			ScheduledAt: o.now().Add(delay + task.Timeout),
			Update: &instance.TaskStatusUpdate{
				TransactionID: task.TransactionID,
				TaskID:        task.TaskID,
				Status:        instance.TaskTimeout,
				IsSystem:      true,
			},
		})
	}
}

// openParallel activates a Parallel container and schedules every lane
// head. A container with no lanes completes on creation.
func (o *Orchestrator) openParallel(
	ctx context.Context,
	effects *Effects,
	wf *instance.WorkflowInstance,
	task *instance.TaskInstance,
	dispatchDelay time.Duration,
) error {
	if err := o.markInprogress(ctx, effects, task); err != nil {
		return err
	}
	heads := instance.LaneHeads(task)
	if len(heads) == 0 {
		effects.AddUpdate(&instance.TaskStatusUpdate{
			TransactionID: task.TransactionID,
			TaskID:        task.TaskID,
			Status:        instance.TaskCompleted,
			IsSystem:      true,
		})
		return nil
	}
	return o.scheduleTasks(ctx, effects, wf, heads, dispatchDelay)
}

// openSubWorkflow activates a SubWorkflow container and materializes the
// child instance.
func (o *Orchestrator) openSubWorkflow(
	ctx context.Context,
	effects *Effects,
	wf *instance.WorkflowInstance,
	task *instance.TaskInstance,
) error {
	if err := o.markInprogress(ctx, effects, task); err != nil {
		return err
	}
	if task.Workflow == nil {
		effects.AddUpdate(o.systemFailure(task, "sub-workflow node has no workflow reference"))
		return nil
	}
	childDef, err := o.store.WorkflowDefs.Get(ctx, task.Workflow.Name, task.Workflow.Rev)
	if err != nil {
		if core.IsCode(err, core.CodeDefinitionNotFound) {
			effects.AddUpdate(o.systemFailure(task, err.Error()))
			return nil
		}
		return err
	}
	txn, err := o.store.Transactions.Get(ctx, wf.TransactionID)
	if err != nil {
		return err
	}
	child, err := o.startWorkflow(ctx, effects, txn, &workflowSpawn{
		Type:         instance.WorkflowTypeSubWorkflow,
		Definition:   childDef,
		Input:        task.Input,
		ParentTaskID: task.TaskID,
	})
	if err != nil {
		return err
	}
	task.SubWorkflowID = child.WorkflowID
	return o.store.Tasks.Update(ctx, task)
}

func (o *Orchestrator) markInprogress(
	ctx context.Context,
	effects *Effects,
	task *instance.TaskInstance,
) error {
	task.Status = instance.TaskInprogress
	if err := o.store.Tasks.Update(ctx, task); err != nil {
		return err
	}
	effects.AddEvent(o.taskEvent(task, instance.TaskInprogress))
	return nil
}

func (o *Orchestrator) systemFailure(task *instance.TaskInstance, reason string) *instance.TaskStatusUpdate {
	return &instance.TaskStatusUpdate{
		TransactionID: task.TransactionID,
		TaskID:        task.TaskID,
		Status:        instance.TaskFailed,
		Logs:          reason,
		IsSystem:      true,
	}
}

// -----------------------------------------------------------------------------
// Terminal handling
// -----------------------------------------------------------------------------

// handleTaskTerminal advances or fails the enclosing workflow after a task
// reached a terminal status. Updates landing on paused or already-terminal
// workflows defer or drop advancement respectively.
func (o *Orchestrator) handleTaskTerminal(
	ctx context.Context,
	effects *Effects,
	task *instance.TaskInstance,
) error {
	wf, err := o.store.Workflows.Get(ctx, task.WorkflowID)
	if err != nil {
		return err
	}
	if wf.Status == instance.WorkflowPaused {
		// Resume replays the advancement from the persisted task state.
		return nil
	}
	if wf.Status.IsTerminal() {
		logger.FromContext(ctx).Debug("ignoring late result on terminal workflow",
			"workflow_id", wf.WorkflowID, "task_id", task.TaskID, "status", task.Status)
		return nil
	}
	if task.Status.IsFailure() {
		return o.handleTaskFailure(ctx, effects, wf, task)
	}
	return o.advanceAfterCompleted(ctx, effects, wf, task)
}

func (o *Orchestrator) advanceAfterCompleted(
	ctx context.Context,
	effects *Effects,
	wf *instance.WorkflowInstance,
	task *instance.TaskInstance,
) error {
	snap, err := o.snapshotTasks(ctx, wf.WorkflowID)
	if err != nil {
		return err
	}
	adv, err := instance.NextAfter(wf.Definition, task.TaskReferenceName, snap)
	if err != nil {
		return err
	}
	switch adv.Kind {
	case instance.AdvanceSchedule:
		return o.scheduleTasks(ctx, effects, wf, adv.Tasks, 0)
	case instance.AdvanceCompleteContainer:
		container, ok := snap.byRef[adv.ContainerRef]
		if !ok {
			return core.NewErrorf(core.CodeInternal,
				"container instance %q missing in workflow %s", adv.ContainerRef, wf.WorkflowID)
		}
		effects.AddUpdate(&instance.TaskStatusUpdate{
			TransactionID: container.TransactionID,
			TaskID:        container.TaskID,
			Status:        instance.TaskCompleted,
			IsSystem:      true,
		})
		return nil
	case instance.AdvanceWorkflowComplete:
		return o.completeWorkflow(ctx, effects, wf)
	default:
		return nil
	}
}

// -----------------------------------------------------------------------------
// Workflow completion
// -----------------------------------------------------------------------------

func (o *Orchestrator) completeWorkflow(
	ctx context.Context,
	effects *Effects,
	wf *instance.WorkflowInstance,
) error {
	if len(wf.Definition.OutputParameters) > 0 {
		snap, err := o.snapshotTasks(ctx, wf.WorkflowID)
		if err != nil {
			return err
		}
		rctx, err := snap.refContext(wf)
		if err != nil {
			return err
		}
		wf.Output = rctx.ResolveOutput(wf.Definition.OutputParameters)
	}
	wf.Status = instance.WorkflowCompleted
	endTime := o.now()
	wf.EndTime = &endTime
	if err := o.store.Workflows.Update(ctx, wf); err != nil {
		return err
	}
	effects.AddEvent(o.workflowEvent(wf))

	if wf.ParentTaskID != "" {
		// Bubble the result up to the SubWorkflow task in the parent.
		effects.AddUpdate(&instance.TaskStatusUpdate{
			TransactionID: wf.TransactionID,
			TaskID:        wf.ParentTaskID,
			Status:        instance.TaskCompleted,
			Output:        wf.Output,
			IsSystem:      true,
		})
		return nil
	}
	switch wf.Type {
	case instance.WorkflowTypeCompensate:
		return o.finishTransaction(ctx, effects, wf.TransactionID, instance.TransactionCompensated, nil)
	case instance.WorkflowTypeCompensateThenRetry:
		return o.restartOriginalWorkflow(ctx, effects, wf)
	default:
		return o.finishTransaction(ctx, effects, wf.TransactionID, instance.TransactionCompleted, wf.Output)
	}
}

func (o *Orchestrator) finishTransaction(
	ctx context.Context,
	effects *Effects,
	transactionID string,
	status instance.TransactionStatus,
	output core.Output,
) error {
	txn, err := o.store.Transactions.Get(ctx, transactionID)
	if err != nil {
		return err
	}
	if txn.Status.IsTerminal() {
		return nil
	}
	txn.Status = status
	txn.Output = output
	endTime := o.now()
	txn.EndTime = &endTime
	if err := o.store.Transactions.Update(ctx, txn); err != nil {
		return err
	}
	effects.AddEvent(o.transactionEvent(txn))
	o.clock.forget(transactionID)
	return nil
}
