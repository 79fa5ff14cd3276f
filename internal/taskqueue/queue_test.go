package taskqueue

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTaskRunsToDone(t *testing.T) {
	var states []State
	task := NewTask(func(tk *Task, s State) (State, time.Time) {
		states = append(states, s)
		switch s {
		case StateInit:
			return StateWrite, time.Time{}
		case StateWrite:
			return StateRead, time.Time{}
		default:
			return StateDone, time.Time{}
		}
	}, nil)

	q := NewQueue("test-0")
	q.Enqueue(task)
	if task.Wait(time.Now().Add(2*time.Second)) != WaitOK {
		t.Fatal("task did not complete")
	}
	want := []State{StateInit, StateWrite, StateRead}
	if len(states) != len(want) {
		t.Fatalf("states = %v", states)
	}
	for i, s := range want {
		if states[i] != s {
			t.Errorf("state %d = %v, want %v", i, states[i], s)
		}
	}
}

func TestTaskError(t *testing.T) {
	boom := errors.New("boom")
	task := NewTask(func(tk *Task, s State) (State, time.Time) {
		tk.SetError(boom)
		return StateDone, time.Time{}
	}, nil)

	q := NewQueue("test-0")
	q.Enqueue(task)
	if task.Wait(time.Now().Add(2*time.Second)) != WaitError {
		t.Fatal("expected WaitError")
	}
	if !errors.Is(task.Err(), boom) {
		t.Errorf("Err = %v", task.Err())
	}
}

func TestCancelDeliversTerminalCallback(t *testing.T) {
	sawCancel := make(chan struct{}, 1)
	task := NewTask(func(tk *Task, s State) (State, time.Time) {
		if s == StateCancel {
			select {
			case sawCancel <- struct{}{}:
			default:
			}
			return StateCancel, time.Time{}
		}
		// Re-arm far in the future; cancellation must interrupt the wait.
		return StateRead, time.Now().Add(time.Hour)
	}, nil)

	q := NewQueue("test-0")
	q.Enqueue(task)
	time.Sleep(20 * time.Millisecond)
	task.Cancel()

	if task.Wait(time.Now().Add(2*time.Second)) == WaitTimeout {
		t.Fatal("wait timed out after cancel")
	}
	select {
	case <-sawCancel:
	case <-time.After(time.Second):
		t.Fatal("no CANCEL callback delivered")
	}
}

func TestWaitTimeout(t *testing.T) {
	task := NewTask(func(tk *Task, s State) (State, time.Time) {
		return StateRead, time.Now().Add(time.Hour)
	}, nil)
	q := NewQueue("test-0")
	q.Enqueue(task)
	defer task.Cancel()

	if got := task.Wait(time.Now().Add(50 * time.Millisecond)); got != WaitTimeout {
		t.Errorf("Wait = %v, want WaitTimeout", got)
	}
}

func TestDoneCallbackRunsExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	task := NewTask(func(tk *Task, s State) (State, time.Time) {
		return StateDone, time.Time{}
	}, func(tk *Task) {
		calls.Add(1)
		close(done)
	})
	q := NewQueue("test-0")
	q.Enqueue(task)
	<-done
	task.Wait(time.Time{})
	if calls.Load() != 1 {
		t.Errorf("done callback ran %d times", calls.Load())
	}
}

func TestPoolSelectShortestQueue(t *testing.T) {
	p := NewPool("sel", 3)

	// Park one long-running task on queue 0 and one on queue 1.
	release := make(chan struct{})
	block := func(tk *Task, s State) (State, time.Time) {
		if s == StateInit {
			<-release
		}
		return StateDone, time.Time{}
	}
	p.queues[0].Enqueue(NewTask(block, nil))
	p.queues[1].Enqueue(NewTask(block, nil))
	time.Sleep(10 * time.Millisecond)

	if got := p.SelectQueue(); got != p.queues[2] {
		t.Errorf("SelectQueue picked %s, want the empty queue", got.Name())
	}
	close(release)
	p.Close()
}

func TestPoolClampsSize(t *testing.T) {
	if n := len(NewPool("x", 0).queues); n != 1 {
		t.Errorf("pool size %d, want 1", n)
	}
	if n := len(NewPool("x", 100).queues); n != 64 {
		t.Errorf("pool size %d, want 64", n)
	}
}

func TestTaskIDsAreProcessUnique(t *testing.T) {
	a := NewTask(nil, nil)
	b := NewTask(nil, nil)
	if a.ID() == b.ID() {
		t.Errorf("duplicate task IDs %d", a.ID())
	}
	if b.ID() <= a.ID() {
		t.Errorf("IDs not increasing: %d then %d", a.ID(), b.ID())
	}
}
