package orchestrator

import (
	"sync"
	"time"

	"github.com/sagaflow/sagaflow/engine/bus"
	"github.com/sagaflow/sagaflow/engine/instance"
)

// eventClock hands out per-transaction monotonically non-decreasing
// timestamps so observers always see an ordered trail even when the wall
// clock stalls within one batch.
type eventClock struct {
	now  func() time.Time
	mu   sync.Mutex
	last map[string]time.Time
}

func newEventClock(now func() time.Time) *eventClock {
	if now == nil {
		now = time.Now
	}
	return &eventClock{now: now, last: make(map[string]time.Time)}
}

func (c *eventClock) next(transactionID string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now()
	if last, ok := c.last[transactionID]; ok && !ts.After(last) {
		ts = last.Add(time.Nanosecond)
	}
	c.last[transactionID] = ts
	return ts
}

// forget drops the watermark of a finished transaction.
func (c *eventClock) forget(transactionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, transactionID)
}

// -----------------------------------------------------------------------------
// Event construction
// -----------------------------------------------------------------------------

func (o *Orchestrator) transactionEvent(txn *instance.Transaction) *bus.Event {
	return &bus.Event{
		TransactionID: txn.TransactionID,
		Timestamp:     o.clock.next(txn.TransactionID),
		Type:          bus.EventTransaction,
		Details: map[string]any{
			"transactionId": txn.TransactionID,
			"status":        txn.Status,
		},
	}
}

func (o *Orchestrator) workflowEvent(wf *instance.WorkflowInstance) *bus.Event {
	return &bus.Event{
		TransactionID: wf.TransactionID,
		Timestamp:     o.clock.next(wf.TransactionID),
		Type:          bus.EventWorkflow,
		Details: map[string]any{
			"workflowId":   wf.WorkflowID,
			"type":         wf.Type,
			"status":       wf.Status,
			"workflowName": wf.Definition.Name,
			"workflowRev":  wf.Definition.Rev,
		},
	}
}

func (o *Orchestrator) taskEvent(task *instance.TaskInstance, status instance.TaskStatus) *bus.Event {
	details := map[string]any{
		"taskId":            task.TaskID,
		"workflowId":        task.WorkflowID,
		"taskReferenceName": task.TaskReferenceName,
		"type":              task.Type,
		"status":            status,
	}
	if task.TaskName != "" {
		details["taskName"] = task.TaskName
	}
	if status.IsTerminal() && task.Output != nil {
		details["output"] = task.Output
	}
	return &bus.Event{
		TransactionID: task.TransactionID,
		Timestamp:     o.clock.next(task.TransactionID),
		Type:          bus.EventTask,
		Details:       details,
	}
}

// ErrorEvent reports a failure on the event stream without mutating
// instance state. The pipeline uses it for panics caught during apply.
func (o *Orchestrator) ErrorEvent(transactionID string, err error, details map[string]any) *bus.Event {
	return o.errorEvent(transactionID, err, details)
}

// errorEvent reports a dropped update or an internal failure on the event
// stream without mutating instance state.
func (o *Orchestrator) errorEvent(transactionID string, err error, details map[string]any) *bus.Event {
	return &bus.Event{
		TransactionID: transactionID,
		Timestamp:     o.clock.next(transactionID),
		Type:          bus.EventSystem,
		IsError:       true,
		Details:       details,
		Error:         err.Error(),
	}
}
