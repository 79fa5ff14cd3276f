package taskqueue

import (
	"strconv"
	"sync"
	"time"

	"github.com/naviserver/httpengine/internal/metrics"
)

// Queue is one of the HTTP/1.1 client's N worker queues. Socket
// readiness for task A must never block task B; the runtime's
// netpoller already gives every blocking net.Conn call that property,
// so the Queue keeps the bookkeeping — task membership,
// shortest-queue selection, cancellation, reaping — while each task's
// state machine runs on its own goroutine. Re-arming with a new
// absolute deadline is that goroutine sleeping until the deadline or
// a cancellation signal.
type Queue struct {
	name string

	mu      sync.Mutex
	running map[*Task]struct{}

	wg sync.WaitGroup
}

// NewQueue creates a queue ready to accept tasks. There is no
// dedicated worker thread to start: Enqueue itself spawns the
// goroutine that drives the task.
func NewQueue(name string) *Queue {
	return &Queue{name: name, running: make(map[*Task]struct{})}
}

// Name returns the queue's configured name.
func (q *Queue) Name() string { return q.name }

// Len returns the current task count, used by Pool for shortest-queue
// tie-breaking.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// Enqueue admits t to the queue and starts driving its callback
// through STATE_INIT, then whatever states the callback re-arms
// itself under, until it returns StateDone or StateCancel.
func (q *Queue) Enqueue(t *Task) {
	q.mu.Lock()
	q.running[t] = struct{}{}
	q.mu.Unlock()
	metrics.TaskQueueDepth.WithLabelValues(q.name).Inc()

	q.wg.Add(1)
	go q.drive(t)
}

func (q *Queue) drive(t *Task) {
	defer q.wg.Done()
	state := StateInit
	for {
		if t.Cancelled() {
			t.cb(t, StateCancel)
			q.reap(t, StateCancel)
			return
		}

		next, deadline := t.cb(t, state)
		t.setState(next)

		if next == StateDone || next == StateCancel {
			q.reap(t, next)
			return
		}

		if !q.waitForRearm(t, deadline) {
			// The wait ended on a cancellation (a passed deadline
			// returns true); the next iteration delivers StateCancel.
			if t.Cancelled() {
				continue
			}
			state = StateTimeout
			continue
		}
		state = next
	}
}

// waitForRearm blocks until deadline (if non-zero) or cancellation,
// returning true if it woke because the deadline passed (the normal
// case for a task with no pending cancellation) and false if a
// cancellation was observed first.
func (q *Queue) waitForRearm(t *Task, deadline time.Time) bool {
	if deadline.IsZero() {
		// No deadline: callback re-arms immediately (e.g. it has more
		// buffered work ready right now, like AGAIN).
		return !t.Cancelled()
	}
	d := time.Until(deadline)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.cancelCh:
		return false
	}
}

func (q *Queue) reap(t *Task, finalState State) {
	q.mu.Lock()
	delete(q.running, t)
	q.mu.Unlock()
	metrics.TaskQueueDepth.WithLabelValues(q.name).Dec()

	outcome := "done"
	if finalState == StateCancel {
		outcome = "cancelled"
	} else if t.Err() != nil {
		outcome = "error"
	}
	metrics.TasksCompletedTotal.WithLabelValues(outcome).Inc()

	// onDone runs before waiters are released so that a Wait caller
	// observes the fully-settled task (result built, log written).
	if t.onDone != nil {
		t.onDone(t)
	}
	t.markDone()
}

// Close waits for every currently-running task to reach a terminal
// state. It does not cancel them; callers that want an immediate
// shutdown should Cancel each task first.
func (q *Queue) Close() {
	q.wg.Wait()
}

// Pool is a fixed collection of Queues; SelectQueue picks by smallest
// running length, first zero-length wins (stable order).
type Pool struct {
	queues []*Queue
}

// NewPool creates n queues named "<prefix>-<i>", n clamped to [1, 64].
func NewPool(prefix string, n int) *Pool {
	if n < 1 {
		n = 1
	}
	if n > 64 {
		n = 64
	}
	p := &Pool{queues: make([]*Queue, n)}
	for i := range p.queues {
		p.queues[i] = NewQueue(prefixedName(prefix, i))
	}
	return p
}

func prefixedName(prefix string, i int) string {
	return prefix + "-" + strconv.Itoa(i)
}

// SelectQueue picks the queue with the smallest running length; ties
// favor the lowest index (stable order).
func (p *Pool) SelectQueue() *Queue {
	best := p.queues[0]
	bestLen := best.Len()
	for _, q := range p.queues[1:] {
		if l := q.Len(); l < bestLen {
			best, bestLen = q, l
		}
	}
	return best
}

// Close stops every queue in the pool.
func (p *Pool) Close() {
	for _, q := range p.queues {
		q.Close()
	}
}
