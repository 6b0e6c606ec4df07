package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/definition"
	"github.com/sagaflow/sagaflow/engine/instance"
)

func TestTaskRetry(t *testing.T) {
	t.Run("Should reload the slot with a fresh instance while budget remains", func(t *testing.T) {
		h := newHarness(t)
		h.registerTasks(&definition.TaskDefinition{
			Name:  "flaky",
			Retry: definition.RetryPolicy{Limit: 1},
		})
		h.register(linearWorkflow("order", definition.StrategyFailed, "flaky"))

		h.start("txn-1", "order", "1", nil)
		first := h.takeDispatch()
		h.advance(time.Second)
		h.workerResult(first.Task, instance.TaskFailed, core.Output{"err": "boom"})

		second := h.takeDispatch()
		assert.Equal(t, "flaky", second.Task.TaskReferenceName)
		assert.NotEqual(t, first.Task.TaskID, second.Task.TaskID)
		assert.Equal(t, 1, second.Task.Retries)
		assert.True(t, second.Task.IsRetried)
		assert.Nil(t, second.Task.Output)
		// The transaction is still running on the retry.
		assert.Equal(t, instance.TransactionRunning, h.transaction("txn-1").Status)

		h.advance(time.Second)
		h.workerResult(second.Task, instance.TaskCompleted, nil)
		assert.Equal(t, instance.TransactionCompleted, h.transaction("txn-1").Status)
	})
	t.Run("Should defer the retry dispatch by the retry delay", func(t *testing.T) {
		h := newHarness(t)
		h.registerTasks(&definition.TaskDefinition{
			Name:  "flaky",
			Retry: definition.RetryPolicy{Limit: 1, DelaySecond: 30},
		})
		h.register(linearWorkflow("order", definition.StrategyFailed, "flaky"))

		h.start("txn-1", "order", "1", nil)
		first := h.takeDispatch()
		h.workerResult(first.Task, instance.TaskFailed, nil)

		// No immediate dispatch; the retry sits behind a timer.
		assert.Empty(t, h.takeDispatches())
		h.fireTimers(31 * time.Second)
		retry := h.takeDispatch()
		assert.Equal(t, 1, retry.Task.Retries)
	})
	t.Run("Should fail the workflow once the retry budget is exhausted", func(t *testing.T) {
		h := newHarness(t)
		h.registerTasks(&definition.TaskDefinition{
			Name:  "flaky",
			Retry: definition.RetryPolicy{Limit: 1},
		})
		h.register(linearWorkflow("order", definition.StrategyFailed, "flaky"))

		h.start("txn-1", "order", "1", nil)
		h.advance(time.Second)
		h.workerResult(h.takeDispatch().Task, instance.TaskFailed, nil)
		h.advance(time.Second)
		h.workerResult(h.takeDispatch().Task, instance.TaskFailed, nil)

		assert.Empty(t, h.takeDispatches())
		assert.Equal(t, instance.TransactionFailed, h.transaction("txn-1").Status)
		wf := h.workflowOfType("txn-1", instance.WorkflowTypeWorkflow)
		assert.Equal(t, instance.WorkflowFailed, wf.Status)
	})
}

func TestWorkflowRetryStrategy(t *testing.T) {
	t.Run("Should start a retry instance with a delayed entry dispatch", func(t *testing.T) {
		h := newHarness(t)
		def := linearWorkflow("order", definition.StrategyRetry, "reserve")
		def.Retry = &definition.RetryPolicy{Limit: 1, DelaySecond: 60}
		h.register(def)

		h.start("txn-1", "order", "1", core.Input{"orderId": "o-42"})
		h.workerResult(h.takeDispatch().Task, instance.TaskFailed, nil)

		retryWf := h.workflowOfType("txn-1", instance.WorkflowTypeRetry)
		assert.Equal(t, 1, retryWf.Retries)
		assert.Equal(t, "o-42", retryWf.Input["orderId"])
		assert.Equal(t, instance.TransactionRunning, h.transaction("txn-1").Status)

		// Entry dispatch is deferred.
		assert.Empty(t, h.takeDispatches())
		h.fireTimers(61 * time.Second)
		h.workerResult(h.takeDispatch().Task, instance.TaskCompleted, nil)
		assert.Equal(t, instance.TransactionCompleted, h.transaction("txn-1").Status)
	})
	t.Run("Should fail the transaction once workflow retries are exhausted", func(t *testing.T) {
		h := newHarness(t)
		def := linearWorkflow("order", definition.StrategyRetry, "reserve")
		def.Retry = &definition.RetryPolicy{Limit: 1}
		h.register(def)

		h.start("txn-1", "order", "1", nil)
		h.advance(time.Second)
		h.workerResult(h.takeDispatch().Task, instance.TaskFailed, nil)
		h.advance(time.Second)
		h.workerResult(h.takeDispatch().Task, instance.TaskFailed, nil)

		assert.Equal(t, instance.TransactionFailed, h.transaction("txn-1").Status)
	})
	t.Run("Should fail immediately when no retry policy is declared", func(t *testing.T) {
		h := newHarness(t)
		h.register(linearWorkflow("order", definition.StrategyRetry, "reserve"))
		h.start("txn-1", "order", "1", nil)
		h.workerResult(h.takeDispatch().Task, instance.TaskFailed, nil)
		assert.Equal(t, instance.TransactionFailed, h.transaction("txn-1").Status)
	})
}

func TestCompensateStrategy(t *testing.T) {
	// runUntilFailure completes reserve and charge, then fails notify.
	runUntilFailure := func(h *harness, strategy definition.FailureStrategy) {
		h.register(linearWorkflow("order", strategy, "reserve", "charge", "notify"))
		h.start("txn-1", "order", "1", core.Input{"orderId": "o-42"})
		h.advance(time.Second)
		h.workerResult(h.takeDispatch().Task, instance.TaskCompleted, core.Output{"rid": "r-1"})
		h.advance(time.Second)
		h.workerResult(h.takeDispatch().Task, instance.TaskCompleted, core.Output{"cid": "c-1"})
		h.advance(time.Second)
		h.workerResult(h.takeDispatch().Task, instance.TaskFailed, core.Output{"err": "boom"})
	}

	t.Run("Should compensate completed tasks in reverse order", func(t *testing.T) {
		h := newHarness(t)
		runUntilFailure(h, definition.StrategyCompensate)

		compWf := h.workflowOfType("txn-1", instance.WorkflowTypeCompensate)
		assert.Equal(t, instance.WorkflowRunning, compWf.Status)

		// Reverse completion order: charge undone before reserve, each fed the
		// original output verbatim.
		undoCharge := h.takeDispatch()
		assert.Equal(t, "charge", undoCharge.Task.TaskReferenceName)
		assert.Equal(t, definition.TaskTypeCompensate, undoCharge.Task.Type)
		assert.Equal(t, "c-1", undoCharge.Task.Input["cid"])
		h.advance(time.Second)
		h.workerResult(undoCharge.Task, instance.TaskCompleted, nil)

		undoReserve := h.takeDispatch()
		assert.Equal(t, "reserve", undoReserve.Task.TaskReferenceName)
		assert.Equal(t, "r-1", undoReserve.Task.Input["rid"])
		h.advance(time.Second)
		h.workerResult(undoReserve.Task, instance.TaskCompleted, nil)

		assert.Equal(t, instance.TransactionCompensated, h.transaction("txn-1").Status)
	})
	t.Run("Should fail the transaction when a compensation step fails", func(t *testing.T) {
		h := newHarness(t)
		runUntilFailure(h, definition.StrategyCompensate)

		undoCharge := h.takeDispatch()
		h.advance(time.Second)
		h.workerResult(undoCharge.Task, instance.TaskFailed, nil)

		// No recursive recovery and no further undo steps.
		assert.Empty(t, h.takeDispatches())
		assert.Equal(t, instance.TransactionFailed, h.transaction("txn-1").Status)
	})
	t.Run("Should compensate to Compensated when nothing completed", func(t *testing.T) {
		h := newHarness(t)
		h.register(linearWorkflow("order", definition.StrategyCompensate, "reserve"))
		h.start("txn-1", "order", "1", nil)
		h.workerResult(h.takeDispatch().Task, instance.TaskFailed, nil)

		// Zero targets: the compensation instance completes on creation.
		assert.Empty(t, h.takeDispatches())
		assert.Equal(t, instance.TransactionCompensated, h.transaction("txn-1").Status)
	})
	t.Run("Should restart the original workflow after compensate-then-retry", func(t *testing.T) {
		h := newHarness(t)
		runUntilFailure(h, definition.StrategyCompensateThenRetry)

		h.advance(time.Second)
		h.workerResult(h.takeDispatch().Task, instance.TaskCompleted, nil) // undo charge
		h.advance(time.Second)
		h.workerResult(h.takeDispatch().Task, instance.TaskCompleted, nil) // undo reserve

		// The original definition starts over with the original input.
		assert.Equal(t, instance.TransactionRunning, h.transaction("txn-1").Status)
		restarted := h.takeDispatch()
		assert.Equal(t, "reserve", restarted.Task.TaskReferenceName)
		assert.Equal(t, definition.TaskTypeTask, restarted.Task.Type)

		for _, out := range []core.Output{{"rid": "r-2"}, {"cid": "c-2"}, nil} {
			h.advance(time.Second)
			h.workerResult(restarted.Task, instance.TaskCompleted, out)
			if dispatches := h.takeDispatches(); len(dispatches) == 1 {
				restarted = dispatches[0]
			}
		}
		assert.Equal(t, instance.TransactionCompleted, h.transaction("txn-1").Status)
	})
}

func TestRecoveryStrategy(t *testing.T) {
	t.Run("Should run the recovery workflow after a failure", func(t *testing.T) {
		h := newHarness(t)
		h.register(linearWorkflow("cleanup", definition.StrategyFailed, "release"))
		def := linearWorkflow("order", definition.StrategyRecoveryWorkflow, "reserve")
		def.RecoveryWorkflow = &definition.WorkflowRef{Name: "cleanup", Rev: "1"}
		h.register(def)

		h.start("txn-1", "order", "1", core.Input{"orderId": "o-42"})
		h.advance(time.Second)
		h.workerResult(h.takeDispatch().Task, instance.TaskFailed, nil)

		recovery := h.workflowOfType("txn-1", instance.WorkflowTypeRecovery)
		assert.Equal(t, "cleanup", recovery.Definition.Name)
		assert.Equal(t, "o-42", recovery.Input["orderId"])

		release := h.takeDispatch()
		assert.Equal(t, "release", release.Task.TaskReferenceName)
		h.advance(time.Second)
		h.workerResult(release.Task, instance.TaskCompleted, nil)
		assert.Equal(t, instance.TransactionCompleted, h.transaction("txn-1").Status)
	})
	t.Run("Should fail the transaction when the recovery workflow fails", func(t *testing.T) {
		h := newHarness(t)
		h.register(linearWorkflow("cleanup", definition.StrategyFailed, "release"))
		def := linearWorkflow("order", definition.StrategyRecoveryWorkflow, "reserve")
		def.RecoveryWorkflow = &definition.WorkflowRef{Name: "cleanup", Rev: "1"}
		h.register(def)

		h.start("txn-1", "order", "1", nil)
		h.advance(time.Second)
		h.workerResult(h.takeDispatch().Task, instance.TaskFailed, nil)
		h.advance(time.Second)
		h.workerResult(h.takeDispatch().Task, instance.TaskFailed, nil)

		// Recovery paths do not recover recursively.
		assert.Empty(t, h.takeDispatches())
		assert.Equal(t, instance.TransactionFailed, h.transaction("txn-1").Status)
	})
	t.Run("Should fail with an error event when the reference is missing", func(t *testing.T) {
		h := newHarness(t)
		// Bypasses definition validation on purpose to exercise the guard.
		h.register(linearWorkflow("order", definition.StrategyRecoveryWorkflow, "reserve"))
		h.start("txn-1", "order", "1", nil)
		h.workerResult(h.takeDispatch().Task, instance.TaskFailed, nil)

		require.NotEmpty(t, h.errorEvents("txn-1"))
		assert.Equal(t, instance.TransactionFailed, h.transaction("txn-1").Status)
	})
	t.Run("Should fail with an error event when the definition is unregistered", func(t *testing.T) {
		h := newHarness(t)
		def := linearWorkflow("order", definition.StrategyRecoveryWorkflow, "reserve")
		def.RecoveryWorkflow = &definition.WorkflowRef{Name: "ghost", Rev: "1"}
		h.register(def)
		h.start("txn-1", "order", "1", nil)
		h.workerResult(h.takeDispatch().Task, instance.TaskFailed, nil)

		require.NotEmpty(t, h.errorEvents("txn-1"))
		assert.Equal(t, instance.TransactionFailed, h.transaction("txn-1").Status)
	})
}

func TestTaskTimeouts(t *testing.T) {
	t.Run("Should fail an unacked task when the ack timer fires", func(t *testing.T) {
		h := newHarness(t)
		h.registerTasks(&definition.TaskDefinition{Name: "slow", AckTimeoutSecond: 30})
		h.register(linearWorkflow("order", definition.StrategyFailed, "slow"))

		h.start("txn-1", "order", "1", nil)
		h.takeDispatch()
		h.fireTimers(31 * time.Second)

		wf := h.workflowOfType("txn-1", instance.WorkflowTypeWorkflow)
		assert.Equal(t, instance.TaskAckTimeOut, h.taskByRef(wf.WorkflowID, "slow").Status)
		assert.Equal(t, instance.TransactionFailed, h.transaction("txn-1").Status)
	})
	t.Run("Should drop a stale ack timer after the worker acked", func(t *testing.T) {
		h := newHarness(t)
		h.registerTasks(&definition.TaskDefinition{Name: "slow", AckTimeoutSecond: 30})
		h.register(linearWorkflow("order", definition.StrategyFailed, "slow"))

		h.start("txn-1", "order", "1", nil)
		slow := h.takeDispatch()
		h.workerResult(slow.Task, instance.TaskInprogress, nil)
		h.fireTimers(31 * time.Second)

		assert.Empty(t, h.errorEvents("txn-1"))
		wf := h.workflowOfType("txn-1", instance.WorkflowTypeWorkflow)
		assert.Equal(t, instance.TaskInprogress, h.taskByRef(wf.WorkflowID, "slow").Status)
	})
	t.Run("Should time out an acked task when the total timer fires", func(t *testing.T) {
		h := newHarness(t)
		h.registerTasks(&definition.TaskDefinition{Name: "slow", TimeoutSecond: 120})
		h.register(linearWorkflow("order", definition.StrategyFailed, "slow"))

		h.start("txn-1", "order", "1", nil)
		slow := h.takeDispatch()
		h.workerResult(slow.Task, instance.TaskInprogress, nil)
		h.fireTimers(121 * time.Second)

		wf := h.workflowOfType("txn-1", instance.WorkflowTypeWorkflow)
		assert.Equal(t, instance.TaskTimeout, h.taskByRef(wf.WorkflowID, "slow").Status)
		assert.Equal(t, instance.TransactionFailed, h.transaction("txn-1").Status)
	})
	t.Run("Should drop a stale timeout aimed at a retried slot", func(t *testing.T) {
		h := newHarness(t)
		h.registerTasks(&definition.TaskDefinition{
			Name:             "slow",
			AckTimeoutSecond: 30,
			Retry:            definition.RetryPolicy{Limit: 1},
		})
		h.register(linearWorkflow("order", definition.StrategyFailed, "slow"))

		h.start("txn-1", "order", "1", nil)
		first := h.takeDispatch()
		h.advance(time.Second)
		h.workerResult(first.Task, instance.TaskFailed, nil)
		second := h.takeDispatch()
		require.NotEqual(t, first.Task.TaskID, second.Task.TaskID)

		// The first instance's ack timer fires against the reloaded slot.
		h.fireTimers(31 * time.Second)
		assert.Empty(t, h.errorEvents("txn-1"))
	})
}
