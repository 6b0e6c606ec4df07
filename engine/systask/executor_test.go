package systask

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagaflow/sagaflow/engine/bus"
	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/definition"
	"github.com/sagaflow/sagaflow/engine/instance"
)

var frozen = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testExecutor() *Executor {
	return NewExecutor(WithClock(func() time.Time { return frozen }))
}

func systemDispatch(taskType definition.TaskType, input core.Input) *bus.Dispatch {
	return &bus.Dispatch{
		TransactionID: "txn-1",
		IsSystem:      true,
		Task: &instance.TaskInstance{
			TaskID:            "t-1",
			TransactionID:     "txn-1",
			TaskReferenceName: "sys",
			Type:              taskType,
			Input:             input,
		},
	}
}

func TestExecutor_Decision(t *testing.T) {
	ctx := context.Background()
	t.Run("Should complete with the stringified case value", func(t *testing.T) {
		result, err := testExecutor().Execute(ctx, systemDispatch(
			definition.TaskTypeDecision, core.Input{"case": "fast"}))
		require.NoError(t, err)
		require.NotNil(t, result.Update)
		assert.Nil(t, result.Timer)
		assert.Equal(t, instance.TaskCompleted, result.Update.Status)
		assert.Equal(t, "fast", result.Update.Output["case"])
		assert.True(t, result.Update.IsSystem)
	})
	t.Run("Should stringify non-string case values", func(t *testing.T) {
		result, err := testExecutor().Execute(ctx, systemDispatch(
			definition.TaskTypeDecision, core.Input{"case": 7}))
		require.NoError(t, err)
		assert.Equal(t, "7", result.Update.Output["case"])
	})
	t.Run("Should complete with an empty case when the key is absent", func(t *testing.T) {
		result, err := testExecutor().Execute(ctx, systemDispatch(
			definition.TaskTypeDecision, core.Input{}))
		require.NoError(t, err)
		assert.Equal(t, instance.TaskCompleted, result.Update.Status)
		assert.Equal(t, "", result.Update.Output["case"])
	})
}

func TestExecutor_Schedule(t *testing.T) {
	ctx := context.Background()
	t.Run("Should arm a timer at an absolute scheduledAt", func(t *testing.T) {
		at := frozen.Add(30 * time.Minute)
		result, err := testExecutor().Execute(ctx, systemDispatch(
			definition.TaskTypeSchedule, core.Input{"scheduledAt": at.Format(time.RFC3339)}))
		require.NoError(t, err)
		require.NotNil(t, result.Timer)
		assert.Nil(t, result.Update)
		assert.True(t, result.Timer.ScheduledAt.Equal(at))
		assert.Equal(t, instance.TaskCompleted, result.Timer.Update.Status)
	})
	t.Run("Should arm a timer after a relative delaySecond", func(t *testing.T) {
		result, err := testExecutor().Execute(ctx, systemDispatch(
			definition.TaskTypeSchedule, core.Input{"delaySecond": float64(90)}))
		require.NoError(t, err)
		require.NotNil(t, result.Timer)
		assert.True(t, result.Timer.ScheduledAt.Equal(frozen.Add(90*time.Second)))
	})
	t.Run("Should arm a timer at the next cron fire time", func(t *testing.T) {
		result, err := testExecutor().Execute(ctx, systemDispatch(
			definition.TaskTypeSchedule, core.Input{"cron": "* * * * *"}))
		require.NoError(t, err)
		require.NotNil(t, result.Timer)
		assert.True(t, result.Timer.ScheduledAt.Equal(frozen.Add(time.Minute)))
	})
	t.Run("Should fail the task on a malformed cron expression", func(t *testing.T) {
		result, err := testExecutor().Execute(ctx, systemDispatch(
			definition.TaskTypeSchedule, core.Input{"cron": "not a cron"}))
		require.NoError(t, err)
		require.NotNil(t, result.Update)
		assert.Equal(t, instance.TaskFailed, result.Update.Status)
	})
	t.Run("Should fail the task when no schedule input is present", func(t *testing.T) {
		result, err := testExecutor().Execute(ctx, systemDispatch(
			definition.TaskTypeSchedule, core.Input{}))
		require.NoError(t, err)
		assert.Equal(t, instance.TaskFailed, result.Update.Status)
		assert.Contains(t, result.Update.Logs, "scheduledAt, delaySecond or cron")
	})
	t.Run("Should fail the task on a non-numeric delay", func(t *testing.T) {
		result, err := testExecutor().Execute(ctx, systemDispatch(
			definition.TaskTypeSchedule, core.Input{"delaySecond": "soon"}))
		require.NoError(t, err)
		assert.Equal(t, instance.TaskFailed, result.Update.Status)
	})
}

func TestExecutor_Misrouted(t *testing.T) {
	ctx := context.Background()
	t.Run("Should fail tasks that are not executable in-process", func(t *testing.T) {
		result, err := testExecutor().Execute(ctx, systemDispatch(
			definition.TaskTypeTask, nil))
		require.NoError(t, err)
		assert.Equal(t, instance.TaskFailed, result.Update.Status)
		assert.Contains(t, result.Update.Logs, "not executable in-process")
	})
	t.Run("Should error on a dispatch without a task payload", func(t *testing.T) {
		_, err := testExecutor().Execute(ctx, &bus.Dispatch{TransactionID: "txn-1", IsSystem: true})
		require.Error(t, err)
	})
}
