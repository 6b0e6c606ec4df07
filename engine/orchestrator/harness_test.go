package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sagaflow/sagaflow/engine/bus"
	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/definition"
	"github.com/sagaflow/sagaflow/engine/instance"
	"github.com/sagaflow/sagaflow/engine/store"
	"github.com/sagaflow/sagaflow/engine/systask"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

// harness drives the state engine the way the pipeline does: it reads the
// single input partition, applies records, executes system dispatches
// in-process and feeds results back, until the input drains. The clock is
// manual so timers and event ordering are deterministic.
type harness struct {
	t    *testing.T
	ctx  context.Context
	st   *store.Store
	bus  *bus.MemoryBus
	orch *Orchestrator
	exec *systask.Executor
	now  time.Time
	// seenDispatches tracks how many worker dispatches were already handed
	// out through takeDispatches.
	seenDispatches int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:   t,
		ctx: logger.ContextWithLogger(context.Background(), logger.NewForTests()),
		st:  store.NewMemoryStore(),
		bus: bus.NewMemoryBus(1),
		now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.orch = New(h.st, WithClock(clock))
	h.exec = systask.NewExecutor(systask.WithClock(clock))
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) register(defs ...*definition.WorkflowDefinition) {
	h.t.Helper()
	for _, def := range defs {
		require.NoError(h.t, h.st.WorkflowDefs.Create(h.ctx, def))
	}
}

func (h *harness) registerTasks(defs ...*definition.TaskDefinition) {
	h.t.Helper()
	for _, def := range defs {
		require.NoError(h.t, h.st.TaskDefs.Create(h.ctx, def))
	}
}

// start publishes a start command and drains, returning once the entry task
// is dispatched.
func (h *harness) start(transactionID, name, rev string, input core.Input) {
	h.t.Helper()
	require.NoError(h.t, h.bus.PublishCommand(h.ctx, &bus.Command{
		Type:          bus.CommandStartTransaction,
		TransactionID: transactionID,
		Workflow:      &definition.WorkflowRef{Name: name, Rev: rev},
		Input:         input,
	}))
	h.drain()
}

func (h *harness) command(cmd *bus.Command) {
	h.t.Helper()
	require.NoError(h.t, h.bus.PublishCommand(h.ctx, cmd))
	h.drain()
}

// drain applies input records and publishes their effects until the
// partition is empty, mirroring the pipeline loop.
func (h *harness) drain() {
	h.t.Helper()
	for {
		deliveries, err := h.bus.Read(h.ctx, 0, 100, 0)
		require.NoError(h.t, err)
		if len(deliveries) == 0 {
			return
		}
		effects := NewEffects()
		for _, delivery := range deliveries {
			if delivery.Command != nil {
				require.NoError(h.t, h.orch.HandleCommand(h.ctx, effects, delivery.Command))
			} else {
				require.NoError(h.t, h.orch.ApplyUpdate(h.ctx, effects, delivery.Update))
			}
		}
		h.publish(effects)
		require.NoError(h.t, h.bus.Ack(h.ctx, 0, deliveries...))
	}
}

func (h *harness) publish(effects *Effects) {
	h.t.Helper()
	for _, dispatch := range effects.Dispatches {
		if dispatch.IsSystem {
			result, err := h.exec.Execute(h.ctx, dispatch)
			require.NoError(h.t, err)
			if result.Timer != nil {
				require.NoError(h.t, h.bus.SendTimer(h.ctx, result.Timer))
			}
			if result.Update != nil {
				require.NoError(h.t, h.bus.PublishUpdate(h.ctx, result.Update))
			}
			continue
		}
		require.NoError(h.t, h.bus.Dispatch(h.ctx, dispatch))
	}
	for _, event := range effects.Events {
		require.NoError(h.t, h.bus.SendEvent(h.ctx, event))
	}
	for _, timer := range effects.Timers {
		require.NoError(h.t, h.bus.SendTimer(h.ctx, timer))
	}
	for _, update := range effects.Updates {
		require.NoError(h.t, h.bus.PublishUpdate(h.ctx, update))
	}
}

// fireTimers advances the clock and redelivers every timer now due.
func (h *harness) fireTimers(d time.Duration) {
	h.t.Helper()
	h.advance(d)
	require.NoError(h.t, h.bus.FireTimers(h.ctx, h.now))
	h.drain()
}

// takeDispatches returns the worker dispatches emitted since the last call.
func (h *harness) takeDispatches() []*bus.Dispatch {
	h.t.Helper()
	dispatches := h.bus.Dispatches[h.seenDispatches:]
	h.seenDispatches = len(h.bus.Dispatches)
	return dispatches
}

// takeDispatch asserts exactly one new worker dispatch and returns it.
func (h *harness) takeDispatch() *bus.Dispatch {
	h.t.Helper()
	dispatches := h.takeDispatches()
	require.Len(h.t, dispatches, 1)
	return dispatches[0]
}

// workerResult posts a worker update for a dispatched task and drains.
func (h *harness) workerResult(task *instance.TaskInstance, status instance.TaskStatus, output core.Output) {
	h.t.Helper()
	require.NoError(h.t, h.bus.PublishUpdate(h.ctx, &instance.TaskStatusUpdate{
		TransactionID: task.TransactionID,
		TaskID:        task.TaskID,
		Status:        status,
		Output:        output,
	}))
	h.drain()
}

func (h *harness) transaction(transactionID string) *instance.Transaction {
	h.t.Helper()
	txn, err := h.st.Transactions.Get(h.ctx, transactionID)
	require.NoError(h.t, err)
	return txn
}

func (h *harness) workflows(transactionID string) []*instance.WorkflowInstance {
	h.t.Helper()
	workflows, err := h.st.Workflows.GetByTransactionID(h.ctx, transactionID)
	require.NoError(h.t, err)
	return workflows
}

func (h *harness) workflowOfType(transactionID string, wfType instance.WorkflowType) *instance.WorkflowInstance {
	h.t.Helper()
	var found *instance.WorkflowInstance
	for _, wf := range h.workflows(transactionID) {
		if wf.Type != wfType {
			continue
		}
		if found == nil || wf.CreateTime.After(found.CreateTime) {
			found = wf
		}
	}
	require.NotNil(h.t, found, "no %s workflow in transaction %s", wfType, transactionID)
	return found
}

func (h *harness) tasks(workflowID core.ID) []*instance.TaskInstance {
	h.t.Helper()
	tasks, err := h.st.Tasks.GetAll(h.ctx, workflowID)
	require.NoError(h.t, err)
	return tasks
}

func (h *harness) taskByRef(workflowID core.ID, ref string) *instance.TaskInstance {
	h.t.Helper()
	for _, task := range h.tasks(workflowID) {
		if task.TaskReferenceName == ref {
			return task
		}
	}
	require.FailNow(h.t, "task not found", "ref %s in workflow %s", ref, workflowID)
	return nil
}

// events returns every event published for one transaction, in order.
func (h *harness) events(transactionID string) []*bus.Event {
	h.t.Helper()
	var events []*bus.Event
	for _, event := range h.bus.Events {
		if event.TransactionID == transactionID {
			events = append(events, event)
		}
	}
	return events
}

func (h *harness) errorEvents(transactionID string) []*bus.Event {
	h.t.Helper()
	var events []*bus.Event
	for _, event := range h.events(transactionID) {
		if event.IsError {
			events = append(events, event)
		}
	}
	return events
}

// -----------------------------------------------------------------------------
// Definition fixtures
// -----------------------------------------------------------------------------

func workerNode(ref string) definition.Task {
	return definition.Task{Name: ref, TaskReferenceName: ref, Type: definition.TaskTypeTask}
}

func linearWorkflow(name string, strategy definition.FailureStrategy, refs ...string) *definition.WorkflowDefinition {
	tasks := make([]definition.Task, 0, len(refs))
	for _, ref := range refs {
		tasks = append(tasks, workerNode(ref))
	}
	return &definition.WorkflowDefinition{
		Name:            name,
		Rev:             "1",
		FailureStrategy: strategy,
		Tasks:           tasks,
	}
}
