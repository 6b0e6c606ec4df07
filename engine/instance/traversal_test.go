package instance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/definition"
)

// mapLookup is a TaskLookup over literal status and output maps.
type mapLookup struct {
	statuses map[string]TaskStatus
	outputs  map[string]core.Output
}

func (l *mapLookup) StatusOf(ref string) (TaskStatus, bool) {
	status, ok := l.statuses[ref]
	return status, ok
}

func (l *mapLookup) OutputOf(ref string) core.Output {
	return l.outputs[ref]
}

func worker(ref string) definition.Task {
	return definition.Task{Name: ref, TaskReferenceName: ref, Type: definition.TaskTypeTask}
}

func linearDef() *definition.WorkflowDefinition {
	return &definition.WorkflowDefinition{
		Name: "linear", Rev: "1",
		Tasks: []definition.Task{worker("a"), worker("b"), worker("c")},
	}
}

func parallelDef() *definition.WorkflowDefinition {
	return &definition.WorkflowDefinition{
		Name: "fanout", Rev: "1",
		Tasks: []definition.Task{
			worker("a"),
			{
				TaskReferenceName: "par",
				Type:              definition.TaskTypeParallel,
				ParallelTasks: [][]definition.Task{
					{worker("l1a"), worker("l1b")},
					{worker("l2a")},
				},
			},
			worker("z"),
		},
	}
}

func decisionDef() *definition.WorkflowDefinition {
	return &definition.WorkflowDefinition{
		Name: "route", Rev: "1",
		Tasks: []definition.Task{
			{
				TaskReferenceName: "route",
				Type:              definition.TaskTypeDecision,
				Decisions: map[string][]definition.Task{
					"fast": {worker("express")},
				},
				DefaultDecision: []definition.Task{worker("standard")},
			},
			worker("notify"),
		},
	}
}

func TestEntryTasks(t *testing.T) {
	t.Run("Should return only the first root node", func(t *testing.T) {
		entry := EntryTasks(linearDef())
		require.Len(t, entry, 1)
		assert.Equal(t, "a", entry[0].TaskReferenceName)
	})
	t.Run("Should return nothing for an empty definition", func(t *testing.T) {
		assert.Empty(t, EntryTasks(&definition.WorkflowDefinition{}))
	})
}

func TestNextAfter_Sequence(t *testing.T) {
	t.Run("Should schedule the next sibling", func(t *testing.T) {
		adv, err := NextAfter(linearDef(), "a", &mapLookup{})
		require.NoError(t, err)
		assert.Equal(t, AdvanceSchedule, adv.Kind)
		require.Len(t, adv.Tasks, 1)
		assert.Equal(t, "b", adv.Tasks[0].TaskReferenceName)
	})
	t.Run("Should complete the workflow after the last sibling", func(t *testing.T) {
		adv, err := NextAfter(linearDef(), "c", &mapLookup{})
		require.NoError(t, err)
		assert.Equal(t, AdvanceWorkflowComplete, adv.Kind)
	})
	t.Run("Should error on an unknown reference", func(t *testing.T) {
		_, err := NextAfter(linearDef(), "ghost", &mapLookup{})
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeTaskNotFound))
	})
}

func TestNextAfter_Parallel(t *testing.T) {
	t.Run("Should advance within a lane", func(t *testing.T) {
		adv, err := NextAfter(parallelDef(), "l1a", &mapLookup{})
		require.NoError(t, err)
		assert.Equal(t, AdvanceSchedule, adv.Kind)
		assert.Equal(t, "l1b", adv.Tasks[0].TaskReferenceName)
	})
	t.Run("Should wait while sibling lanes run", func(t *testing.T) {
		lookup := &mapLookup{statuses: map[string]TaskStatus{
			"l2a": TaskCompleted,
			"l1a": TaskCompleted,
			"l1b": TaskInprogress,
		}}
		adv, err := NextAfter(parallelDef(), "l2a", lookup)
		require.NoError(t, err)
		assert.Equal(t, AdvanceWait, adv.Kind)
	})
	t.Run("Should complete the container once every lane finished", func(t *testing.T) {
		lookup := &mapLookup{statuses: map[string]TaskStatus{
			"l1a": TaskCompleted,
			"l1b": TaskCompleted,
			"l2a": TaskCompleted,
		}}
		adv, err := NextAfter(parallelDef(), "l1b", lookup)
		require.NoError(t, err)
		assert.Equal(t, AdvanceCompleteContainer, adv.Kind)
		assert.Equal(t, "par", adv.ContainerRef)
	})
	t.Run("Should continue after the completed container node", func(t *testing.T) {
		adv, err := NextAfter(parallelDef(), "par", &mapLookup{})
		require.NoError(t, err)
		assert.Equal(t, AdvanceSchedule, adv.Kind)
		assert.Equal(t, "z", adv.Tasks[0].TaskReferenceName)
	})
	t.Run("Should wait while a lane decision branch is still running", func(t *testing.T) {
		def := &definition.WorkflowDefinition{
			Name: "fanout", Rev: "1",
			Tasks: []definition.Task{{
				TaskReferenceName: "par",
				Type:              definition.TaskTypeParallel,
				ParallelTasks: [][]definition.Task{
					{{
						TaskReferenceName: "route",
						Type:              definition.TaskTypeDecision,
						Decisions: map[string][]definition.Task{
							"fast": {worker("express")},
						},
						DefaultDecision: []definition.Task{worker("standard")},
					}},
					{worker("audit")},
				},
			}},
		}
		// The decision node completed the moment its case resolved, but the
		// chosen branch has not finished yet.
		lookup := &mapLookup{
			statuses: map[string]TaskStatus{
				"route":   TaskCompleted,
				"express": TaskScheduled,
				"audit":   TaskCompleted,
			},
			outputs: map[string]core.Output{"route": {"case": "fast"}},
		}
		adv, err := NextAfter(def, "audit", lookup)
		require.NoError(t, err)
		assert.Equal(t, AdvanceWait, adv.Kind)

		// Once the branch tail completes, finishing either lane closes the
		// container.
		lookup.statuses["express"] = TaskCompleted
		adv, err = NextAfter(def, "express", lookup)
		require.NoError(t, err)
		assert.Equal(t, AdvanceCompleteContainer, adv.Kind)
		assert.Equal(t, "par", adv.ContainerRef)
	})
}

func TestNextAfter_Decision(t *testing.T) {
	t.Run("Should enter the branch matching the case output", func(t *testing.T) {
		lookup := &mapLookup{outputs: map[string]core.Output{
			"route": {"case": "fast"},
		}}
		adv, err := NextAfter(decisionDef(), "route", lookup)
		require.NoError(t, err)
		assert.Equal(t, AdvanceSchedule, adv.Kind)
		assert.Equal(t, "express", adv.Tasks[0].TaskReferenceName)
	})
	t.Run("Should fall back to the default branch", func(t *testing.T) {
		lookup := &mapLookup{outputs: map[string]core.Output{
			"route": {"case": "unmapped"},
		}}
		adv, err := NextAfter(decisionDef(), "route", lookup)
		require.NoError(t, err)
		assert.Equal(t, "standard", adv.Tasks[0].TaskReferenceName)
	})
	t.Run("Should use the default branch when the case key is absent", func(t *testing.T) {
		adv, err := NextAfter(decisionDef(), "route", &mapLookup{})
		require.NoError(t, err)
		assert.Equal(t, "standard", adv.Tasks[0].TaskReferenceName)
	})
	t.Run("Should continue past the decision after a branch finishes", func(t *testing.T) {
		adv, err := NextAfter(decisionDef(), "standard", &mapLookup{})
		require.NoError(t, err)
		assert.Equal(t, AdvanceSchedule, adv.Kind)
		assert.Equal(t, "notify", adv.Tasks[0].TaskReferenceName)
	})
}

func TestLaneHeads(t *testing.T) {
	t.Run("Should skip empty lanes", func(t *testing.T) {
		node := &TaskInstance{ParallelTasks: [][]definition.Task{
			{worker("x")},
			{},
			{worker("y"), worker("after")},
		}}
		heads := LaneHeads(node)
		require.Len(t, heads, 2)
		assert.Equal(t, "x", heads[0].TaskReferenceName)
		assert.Equal(t, "y", heads[1].TaskReferenceName)
	})
	t.Run("Should return nothing for zero lanes", func(t *testing.T) {
		assert.Empty(t, LaneHeads(&TaskInstance{}))
	})
}

func TestEnclosingContainers(t *testing.T) {
	t.Run("Should list containers outermost first", func(t *testing.T) {
		def := &definition.WorkflowDefinition{
			Name: "nested", Rev: "1",
			Tasks: []definition.Task{{
				TaskReferenceName: "outer",
				Type:              definition.TaskTypeParallel,
				ParallelTasks: [][]definition.Task{{
					{
						TaskReferenceName: "inner",
						Type:              definition.TaskTypeDecision,
						DefaultDecision:   []definition.Task{worker("leaf")},
					},
				}},
			}},
		}
		assert.Equal(t, []string{"outer", "inner"}, EnclosingContainers(def, "leaf"))
	})
	t.Run("Should be empty for root-level nodes", func(t *testing.T) {
		assert.Empty(t, EnclosingContainers(linearDef(), "b"))
	})
}

func TestCompensationTargets(t *testing.T) {
	t.Run("Should collect completed worker tasks in reverse order", func(t *testing.T) {
		lookup := &mapLookup{
			statuses: map[string]TaskStatus{
				"a": TaskCompleted,
				"b": TaskCompleted,
				"c": TaskFailed,
			},
			outputs: map[string]core.Output{
				"a": {"rid": "r-1"},
				"b": {"cid": "c-1"},
			},
		}
		targets := CompensationTargets(linearDef(), lookup)
		require.Len(t, targets, 2)
		assert.Equal(t, "b", targets[0].TaskReferenceName)
		assert.Equal(t, core.Output{"cid": "c-1"}, targets[0].Output)
		assert.Equal(t, "a", targets[1].TaskReferenceName)
	})
	t.Run("Should descend into containers but skip the container node", func(t *testing.T) {
		lookup := &mapLookup{statuses: map[string]TaskStatus{
			"a":   TaskCompleted,
			"l1a": TaskCompleted,
			"l2a": TaskFailed,
		}}
		targets := CompensationTargets(parallelDef(), lookup)
		require.Len(t, targets, 2)
		assert.Equal(t, "l1a", targets[0].TaskReferenceName)
		assert.Equal(t, "a", targets[1].TaskReferenceName)
	})
	t.Run("Should be empty when nothing completed", func(t *testing.T) {
		assert.Empty(t, CompensationTargets(linearDef(), &mapLookup{}))
	})
}
