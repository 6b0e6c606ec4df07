package core

import (
	"github.com/mohae/deepcopy"
)

// -----------------------------------------------------------------------------
// Input / Output
// -----------------------------------------------------------------------------

// Input carries the parameters handed to a transaction, workflow or task.
type Input map[string]any

// Output carries the result produced by a workflow or task.
type Output map[string]any

func (i Input) AsMap() map[string]any {
	return map[string]any(i)
}

func (o Output) AsMap() map[string]any {
	return map[string]any(o)
}

// Clone returns a deep copy so resolved inputs stay immutable once snapshotted.
func (i Input) Clone() Input {
	if i == nil {
		return nil
	}
	return Input(deepcopy.Copy(map[string]any(i)).(map[string]any))
}

func (o Output) Clone() Output {
	if o == nil {
		return nil
	}
	return Output(deepcopy.Copy(map[string]any(o)).(map[string]any))
}

// DeepCopy returns a deep copy of an arbitrary value tree. Used for
// definition snapshots embedded into workflow instances.
func DeepCopy[T any](v T) T {
	return deepcopy.Copy(v).(T)
}
