package orchestrator

import (
	"github.com/sagaflow/sagaflow/engine/bus"
	"github.com/sagaflow/sagaflow/engine/instance"
)

// Effects is the ordered buffer of outbound records produced while applying
// updates. Store mutations happen inline; effects are handed back to the
// pipeline, which publishes them only after every store write succeeded.
type Effects struct {
	Dispatches []*bus.Dispatch
	Events     []*bus.Event
	Timers     []*bus.Timer
	// Updates are fed back into the input topic: system-task completions,
	// container completions and sub-workflow propagation.
	Updates []*instance.TaskStatusUpdate
}

func NewEffects() *Effects {
	return &Effects{}
}

func (e *Effects) AddDispatch(d *bus.Dispatch) {
	e.Dispatches = append(e.Dispatches, d)
}

func (e *Effects) AddEvent(ev *bus.Event) {
	e.Events = append(e.Events, ev)
}

func (e *Effects) AddTimer(t *bus.Timer) {
	e.Timers = append(e.Timers, t)
}

func (e *Effects) AddUpdate(u *instance.TaskStatusUpdate) {
	e.Updates = append(e.Updates, u)
}

// Merge appends all of other's records preserving order.
func (e *Effects) Merge(other *Effects) {
	if other == nil {
		return
	}
	e.Dispatches = append(e.Dispatches, other.Dispatches...)
	e.Events = append(e.Events, other.Events...)
	e.Timers = append(e.Timers, other.Timers...)
	e.Updates = append(e.Updates, other.Updates...)
}

// IsEmpty reports whether nothing was buffered.
func (e *Effects) IsEmpty() bool {
	return len(e.Dispatches) == 0 && len(e.Events) == 0 &&
		len(e.Timers) == 0 && len(e.Updates) == 0
}
