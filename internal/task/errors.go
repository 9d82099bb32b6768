package task

import "errors"

// ErrorKind classifies task failures for the wire and for callers deciding
// retry policy. The pool never retries on the caller's behalf.
type ErrorKind string

const (
	// KindWorkerCrashed: the worker process died or stopped responding while
	// the task was in flight. The pool restarts the slot and surfaces this.
	KindWorkerCrashed ErrorKind = "worker_crashed"
	// KindQueueTimeout: the task's deadline passed before a slot freed up.
	KindQueueTimeout ErrorKind = "queue_timeout"
	// KindExecutionTimeout: the task ran past its deadline; the slot is
	// treated as crashed and restarted.
	KindExecutionTimeout ErrorKind = "execution_timeout"
	// KindUnknownTaskType: no pool registered for the type. Startup
	// configuration error; callers should not see this in steady state.
	KindUnknownTaskType ErrorKind = "unknown_task_type"
	// KindPoolShuttingDown: submission rejected or pending task dropped
	// because the pool is draining.
	KindPoolShuttingDown ErrorKind = "pool_shutting_down"
	// KindWorkerFailed: the worker executed the task and reported a fault.
	KindWorkerFailed ErrorKind = "worker_failed"
)

// Error is a typed task failure. It crosses the worker IPC boundary and the
// websocket error frame unchanged.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// KindOf extracts the error kind, or "" if err is not a task error.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
