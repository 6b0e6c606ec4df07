package instance

import (
	"fmt"

	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/definition"
)

// TaskLookup resolves instance state by taskReferenceName within one
// workflow instance. Traversal consults it instead of re-reading the store.
type TaskLookup interface {
	StatusOf(taskReferenceName string) (TaskStatus, bool)
	OutputOf(taskReferenceName string) core.Output
}

// AdvanceKind classifies the outcome of a next-runnable search.
type AdvanceKind int

const (
	// AdvanceSchedule means the returned task nodes should be scheduled.
	AdvanceSchedule AdvanceKind = iota
	// AdvanceCompleteContainer means a container task instance (Parallel)
	// has all children done and should receive a system Completed update.
	AdvanceCompleteContainer
	// AdvanceWorkflowComplete means the workflow has no runnable node left.
	AdvanceWorkflowComplete
	// AdvanceWait means siblings are still running (Parallel lane finished
	// while other lanes are live); nothing to do for this update.
	AdvanceWait
)

// Advance is the result of locating the next runnable node after a task
// terminates successfully.
type Advance struct {
	Kind         AdvanceKind
	Tasks        []definition.Task
	ContainerRef string
}

// EntryTasks returns the nodes to schedule when a workflow instance starts.
func EntryTasks(def *definition.WorkflowDefinition) []definition.Task {
	if len(def.Tasks) == 0 {
		return nil
	}
	return def.Tasks[:1]
}

// LaneHeads returns the first node of every non-empty lane of a Parallel
// node. An empty result means the node has nothing to run.
func LaneHeads(node *TaskInstance) []definition.Task {
	var heads []definition.Task
	for _, lane := range node.ParallelTasks {
		if len(lane) > 0 {
			heads = append(heads, lane[0])
		}
	}
	return heads
}

// DecisionBranch selects the branch for a resolved case value, falling back
// to the default branch when the value has no mapping.
func DecisionBranch(node *TaskInstance, caseValue string) []definition.Task {
	if branch, ok := node.Decisions[caseValue]; ok {
		return branch
	}
	return node.DefaultDecision
}

// NextAfter computes what to do after the task with completedRef reached
// Completed. Decision tasks continue into their chosen branch; sequence
// tasks continue to the next sibling; exhausted lists bubble up through
// enclosing containers.
func NextAfter(
	def *definition.WorkflowDefinition,
	completedRef string,
	lookup TaskLookup,
) (*Advance, error) {
	path := findPath(def.Tasks, completedRef)
	if path == nil {
		return nil, core.NewErrorf(core.CodeTaskNotFound,
			"taskReferenceName %q not found in workflow %s", completedRef, def.Key())
	}
	node := &path[len(path)-1].list[path[len(path)-1].index]
	if node.Type == definition.TaskTypeDecision {
		caseValue := decisionCase(lookup.OutputOf(completedRef))
		branch := node.Decisions[caseValue]
		if _, ok := node.Decisions[caseValue]; !ok {
			branch = node.DefaultDecision
		}
		if len(branch) > 0 {
			return &Advance{Kind: AdvanceSchedule, Tasks: branch[:1]}, nil
		}
	}
	return ascend(path, lookup), nil
}

// pathStep records one level of the route from the root task list down to a
// node: list[index] is the node on the path, container is the enclosing
// sum-typed node (nil at the root).
type pathStep struct {
	container *definition.Task
	list      []definition.Task
	index     int
}

func findPath(tasks []definition.Task, ref string) []pathStep {
	for i := range tasks {
		node := &tasks[i]
		step := pathStep{list: tasks, index: i}
		if node.TaskReferenceName == ref {
			return []pathStep{step}
		}
		for _, child := range childLists(node) {
			if sub := findPath(child, ref); sub != nil {
				sub[0].container = node
				return append([]pathStep{step}, sub...)
			}
		}
	}
	return nil
}

func childLists(node *definition.Task) [][]definition.Task {
	switch node.Type {
	case definition.TaskTypeParallel:
		return node.ParallelTasks
	case definition.TaskTypeDecision:
		lists := make([][]definition.Task, 0, len(node.Decisions)+1)
		for _, branch := range node.Decisions {
			lists = append(lists, branch)
		}
		return append(lists, node.DefaultDecision)
	default:
		return nil
	}
}

// ascend walks the path upward looking for the next runnable sibling.
func ascend(path []pathStep, lookup TaskLookup) *Advance {
	for i := len(path) - 1; i >= 0; i-- {
		step := path[i]
		if step.index+1 < len(step.list) {
			return &Advance{Kind: AdvanceSchedule, Tasks: step.list[step.index+1 : step.index+2]}
		}
		container := step.container
		if container == nil {
			return &Advance{Kind: AdvanceWorkflowComplete}
		}
		switch container.Type {
		case definition.TaskTypeParallel:
			if allLanesCompleted(container, lookup) {
				return &Advance{Kind: AdvanceCompleteContainer, ContainerRef: container.TaskReferenceName}
			}
			return &Advance{Kind: AdvanceWait}
		case definition.TaskTypeDecision:
			// A finished branch continues after the decision node, which is
			// the node at the next level up.
			continue
		}
	}
	return &Advance{Kind: AdvanceWorkflowComplete}
}

// allLanesCompleted reports whether every node of every lane of a Parallel
// container has reached Completed, descending into container children. Empty
// lanes count as complete.
func allLanesCompleted(container *definition.Task, lookup TaskLookup) bool {
	for _, lane := range container.ParallelTasks {
		if !allCompleted(lane, lookup) {
			return false
		}
	}
	return true
}

// allCompleted reports whether every node in the list reached Completed. A
// container counts only when its own instance is Completed and its children
// are too; for a Decision that means the taken branch, since the node itself
// completes the moment its case resolves.
func allCompleted(tasks []definition.Task, lookup TaskLookup) bool {
	for i := range tasks {
		node := &tasks[i]
		status, ok := lookup.StatusOf(node.TaskReferenceName)
		if !ok || status != TaskCompleted {
			return false
		}
		switch node.Type {
		case definition.TaskTypeParallel:
			for _, lane := range node.ParallelTasks {
				if !allCompleted(lane, lookup) {
					return false
				}
			}
		case definition.TaskTypeDecision:
			branch, hit := node.Decisions[decisionCase(lookup.OutputOf(node.TaskReferenceName))]
			if !hit {
				branch = node.DefaultDecision
			}
			if !allCompleted(branch, lookup) {
				return false
			}
		}
	}
	return true
}

func decisionCase(output core.Output) string {
	if output == nil {
		return ""
	}
	if v, ok := output["case"]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// EnclosingContainers returns the ref names of the container nodes wrapping
// ref, outermost first. Empty for a root-level node.
func EnclosingContainers(def *definition.WorkflowDefinition, ref string) []string {
	path := findPath(def.Tasks, ref)
	var refs []string
	for _, step := range path {
		if step.container != nil {
			refs = append(refs, step.container.TaskReferenceName)
		}
	}
	return refs
}

// -----------------------------------------------------------------------------
// Compensation
// -----------------------------------------------------------------------------

// CompensationTarget is a previously Completed worker task that needs an
// undo counterpart when the workflow compensates.
type CompensationTarget struct {
	TaskReferenceName string
	TaskName          string
	Output            core.Output
}

// CompensationTargets collects the Completed worker tasks of a failed
// workflow in reverse completion order. Container nodes are skipped but
// their completed children are descended into; tasks that never completed
// are skipped.
func CompensationTargets(def *definition.WorkflowDefinition, lookup TaskLookup) []CompensationTarget {
	forward := collectCompleted(def.Tasks, lookup)
	reversed := make([]CompensationTarget, 0, len(forward))
	for i := len(forward) - 1; i >= 0; i-- {
		reversed = append(reversed, forward[i])
	}
	return reversed
}

func collectCompleted(tasks []definition.Task, lookup TaskLookup) []CompensationTarget {
	var targets []CompensationTarget
	for i := range tasks {
		node := &tasks[i]
		if node.Type == definition.TaskTypeTask {
			if status, ok := lookup.StatusOf(node.TaskReferenceName); ok && status == TaskCompleted {
				targets = append(targets, CompensationTarget{
					TaskReferenceName: node.TaskReferenceName,
					TaskName:          node.Name,
					Output:            lookup.OutputOf(node.TaskReferenceName),
				})
			}
			continue
		}
		for _, child := range childLists(node) {
			targets = append(targets, collectCompleted(child, lookup)...)
		}
	}
	return targets
}
