package instance

// -----------------------------------------------------------------------------
// Transaction Status
// -----------------------------------------------------------------------------

type TransactionStatus string

const (
	TransactionRunning     TransactionStatus = "RUNNING"
	TransactionPaused      TransactionStatus = "PAUSED"
	TransactionCompleted   TransactionStatus = "COMPLETED"
	TransactionFailed      TransactionStatus = "FAILED"
	TransactionCancelled   TransactionStatus = "CANCELLED"
	TransactionCompensated TransactionStatus = "COMPENSATED"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionRunning: {
		TransactionPaused, TransactionCompleted, TransactionFailed,
		TransactionCancelled, TransactionCompensated,
	},
	TransactionPaused: {TransactionRunning, TransactionCancelled},
}

func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TransactionCompleted, TransactionFailed, TransactionCancelled, TransactionCompensated:
		return true
	default:
		return false
	}
}

func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Workflow Status
// -----------------------------------------------------------------------------

type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowPaused    WorkflowStatus = "PAUSED"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
	WorkflowTimeout   WorkflowStatus = "TIMEOUT"
)

var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowRunning: {
		WorkflowPaused, WorkflowCompleted, WorkflowFailed,
		WorkflowCancelled, WorkflowTimeout,
	},
	WorkflowPaused: {WorkflowRunning, WorkflowCancelled},
}

func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled, WorkflowTimeout:
		return true
	default:
		return false
	}
}

func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	for _, allowed := range workflowTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Task Status
// -----------------------------------------------------------------------------

type TaskStatus string

const (
	TaskScheduled  TaskStatus = "SCHEDULED"
	TaskInprogress TaskStatus = "INPROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskAckTimeOut TaskStatus = "ACK_TIMEOUT"
	TaskTimeout    TaskStatus = "TIMEOUT"
)

// Scheduled -> Completed is only legal for system tasks, which complete
// in-process without an Inprogress ack from a worker.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskScheduled:  {TaskInprogress, TaskCompleted, TaskFailed, TaskAckTimeOut, TaskTimeout},
	TaskInprogress: {TaskCompleted, TaskFailed, TaskTimeout},
}

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskAckTimeOut, TaskTimeout:
		return true
	default:
		return false
	}
}

// IsFailure reports whether the status counts as a failure for retry and
// failure-strategy purposes. Timeouts are treated identically to Failed.
func (s TaskStatus) IsFailure() bool {
	switch s {
	case TaskFailed, TaskAckTimeOut, TaskTimeout:
		return true
	default:
		return false
	}
}

// IsLive reports whether a task instance still occupies its
// taskReferenceName slot (at most one live instance per ref name).
func (s TaskStatus) IsLive() bool {
	return s == TaskScheduled || s == TaskInprogress
}

func (s TaskStatus) CanTransitionTo(next TaskStatus, isSystem bool) bool {
	if s == TaskScheduled && next == TaskCompleted && !isSystem {
		return false
	}
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
