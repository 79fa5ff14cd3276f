// Package taskqueue implements the generic task engine the HTTP/1.1
// client drives: N worker queues, each running user-supplied state
// callbacks against one socket per task, with tasks assigned to the
// shortest-running queue.
//
// net.Conn already integrates with the runtime's netpoller, so the
// queue keeps only the decision logic — which task runs next,
// re-arming, cancellation, reaping — while the blocking wait for a
// task's current I/O is a deadline-bounded Read/Write inside that
// task's goroutine.
package taskqueue

import (
	"sync"
	"time"
)

// State is the event a Task's callback reacts to.
type State int

const (
	StateInit State = iota
	StateWrite
	StateRead
	StateTimeout
	StateExit
	StateCancel
	StateDone
	StateNone
	StateAgain
	StateException
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWrite:
		return "write"
	case StateRead:
		return "read"
	case StateTimeout:
		return "timeout"
	case StateExit:
		return "exit"
	case StateCancel:
		return "cancel"
	case StateDone:
		return "done"
	case StateNone:
		return "none"
	case StateAgain:
		return "again"
	case StateException:
		return "exception"
	default:
		return "unknown"
	}
}

// Callback is the user-supplied state machine body. It is invoked with
// the task's current state and must return the next wait mask
// (io.read/io.write as caller-defined bits aren't modeled here; the
// callback instead returns the next State to re-arm under and an
// absolute deadline) or StateDone/StateCancel to terminate.
type Callback func(t *Task, s State) (next State, deadline time.Time)

// Task is an opaque unit of work bound to one socket/FD-like resource,
// driven by its owning Queue through Callback invocations.
type Task struct {
	id       uint64
	cb       Callback
	deadline time.Time

	mu        sync.Mutex // protects fields below, readable by producers
	err       error
	errString string
	state     State // last-observed state, for producers/diagnostics
	armState  State // state the callback is next invoked with
	done      bool
	cancelled bool

	doneCh     chan struct{}
	doneOnce   sync.Once
	cancelCh   chan struct{}
	cancelOnce sync.Once

	onDone func(t *Task) // optional done-callback, run by the queue goroutine
}

// ID returns the task's process-unique sequential ID.
func (t *Task) ID() uint64 { return t.id }

// SetError records a terminal error string; never retried by the queue.
func (t *Task) SetError(err error) {
	t.mu.Lock()
	t.err = err
	if err != nil {
		t.errString = err.Error()
	}
	t.mu.Unlock()
}

// Err returns the task's terminal error, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// State returns the task's last-observed state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Task) markDone() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
	t.doneOnce.Do(func() { close(t.doneCh) })
}

var idCounter uint64

// idMu guards idCounter; a single process-wide sequence, deliberately
// not partitioned per server.
var idMu sync.Mutex

func nextID() uint64 {
	idMu.Lock()
	defer idMu.Unlock()
	idCounter++
	return idCounter
}

// NewTask builds a task around cb. onDone, if non-nil, is invoked by
// the owning queue's goroutine once the task reaches a terminal
// state. Exactly one of the owner-wait or done-callback paths settles
// a task.
func NewTask(cb Callback, onDone func(*Task)) *Task {
	return &Task{
		id:       nextID(),
		cb:       cb,
		doneCh:   make(chan struct{}),
		cancelCh: make(chan struct{}),
		onDone:   onDone,
	}
}

// Cancel sets the cancel flag and wakes anything blocked waiting for
// a re-arm deadline; the owning queue delivers one final StateCancel
// callback invocation and reaps the task.
func (t *Task) Cancel() {
	t.mu.Lock()
	already := t.cancelled
	t.cancelled = true
	t.mu.Unlock()
	if !already {
		t.cancelOnce.Do(func() { close(t.cancelCh) })
	}
}

// WaitResult is returned by Wait.
type WaitResult int

const (
	WaitOK WaitResult = iota
	WaitTimeout
	WaitError
)

// Wait blocks until the task reaches a terminal state or deadline
// passes, whichever is first.
func (t *Task) Wait(deadline time.Time) WaitResult {
	if deadline.IsZero() {
		<-t.doneCh
		return t.waitOutcome()
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-t.doneCh:
		return t.waitOutcome()
	case <-timer.C:
		return WaitTimeout
	}
}

func (t *Task) waitOutcome() WaitResult {
	if t.Err() != nil {
		return WaitError
	}
	return WaitOK
}
