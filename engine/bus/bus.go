// Package bus defines the message-bus contracts the engine produces to and
// consumes from: task dispatches to workers, domain events, delayed timers
// and the task-update input topic. Partitioning is by transactionId
// end-to-end so each transaction has a single writer.
package bus

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/definition"
	"github.com/sagaflow/sagaflow/engine/instance"
)

// -----------------------------------------------------------------------------
// Records
// -----------------------------------------------------------------------------

// Dispatch is an outbound unit of work for an external worker (or, when
// IsSystem is set, the in-process system-task executor). The payload is the
// full task instance, keyed by task name on the wire.
type Dispatch struct {
	Task          *instance.TaskInstance `json:"task"`
	TransactionID string                 `json:"transactionId"`
	IsSystem      bool                   `json:"isSystem"`
}

type EventType string

const (
	EventTransaction EventType = "TRANSACTION"
	EventWorkflow    EventType = "WORKFLOW"
	EventTask        EventType = "TASK"
	EventSystem      EventType = "SYSTEM"
)

// Event is an outbound domain event. Timestamps are monotonically
// non-decreasing per transactionId in dispatch order.
type Event struct {
	TransactionID string    `json:"transactionId"`
	Timestamp     time.Time `json:"timestamp"`
	Type          EventType `json:"type"`
	IsError       bool      `json:"isError"`
	Details       any       `json:"details,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Timer is a delayed message fired at ScheduledAt. Exactly one payload is
// set: Update redelivers a synthetic task update on the owning transaction's
// partition, Dispatch defers a task dispatch (delayed retries).
type Timer struct {
	ScheduledAt time.Time                  `json:"scheduledAt"`
	Update      *instance.TaskStatusUpdate `json:"update,omitempty"`
	Dispatch    *Dispatch                  `json:"dispatch,omitempty"`
}

// CommandType discriminates administrative commands.
type CommandType string

const (
	CommandStartTransaction CommandType = "START_TRANSACTION"
	CommandCancel           CommandType = "CANCEL"
	CommandPause            CommandType = "PAUSE"
	CommandResume           CommandType = "RESUME"
)

// Command is an administrative record published onto the owning
// transaction's input partition so it is totally ordered with task updates.
type Command struct {
	Type          CommandType             `json:"type"`
	TransactionID string                  `json:"transactionId"`
	Workflow      *definition.WorkflowRef `json:"workflow,omitempty"`
	Input         core.Input              `json:"input,omitempty"`
	Reason        string                  `json:"reason,omitempty"`
}

// Delivery is one consumed input record together with the backend handle
// needed to acknowledge it. Exactly one of Update or Command is set.
type Delivery struct {
	ID      string
	Update  *instance.TaskStatusUpdate
	Command *Command
}

// -----------------------------------------------------------------------------
// Contracts
// -----------------------------------------------------------------------------

type Dispatcher interface {
	Dispatch(ctx context.Context, dispatch *Dispatch) error
}

type EventSink interface {
	SendEvent(ctx context.Context, event *Event) error
}

type TimerScheduler interface {
	SendTimer(ctx context.Context, timer *Timer) error
}

// Producer is the outbound surface the state engine emits effects through.
type Producer interface {
	Dispatcher
	EventSink
	TimerScheduler
}

// UpdateConsumer reads the input topic of task updates and admin commands.
// One logical worker owns each partition; within a partition ordering is
// total.
type UpdateConsumer interface {
	// Read blocks up to the given duration waiting for at most max records
	// on one partition, in arrival order.
	Read(ctx context.Context, partition, max int, block time.Duration) ([]*Delivery, error)
	// Ack commits the given deliveries so they are not redelivered.
	Ack(ctx context.Context, partition int, deliveries ...*Delivery) error
	// Partitions reports the configured partition count.
	Partitions() int
}

// UpdatePublisher feeds updates into the input topic. Used by the
// system-task executor and timer redelivery.
type UpdatePublisher interface {
	PublishUpdate(ctx context.Context, update *instance.TaskStatusUpdate) error
}

// CommandPublisher feeds admin commands into the input topic. Used by the
// admin API so commands serialize behind in-flight updates.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, command *Command) error
}

// Bus is the full client surface a backend provides.
type Bus interface {
	Producer
	UpdateConsumer
	UpdatePublisher
	CommandPublisher
}

// PartitionFor maps a transactionId onto a partition index.
func PartitionFor(transactionID string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(transactionID))
	return int(h.Sum32() % uint32(partitions))
}
