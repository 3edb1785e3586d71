package motion

import (
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	deverrors "stagectl/errors"
	"stagectl/logging"
)

// State of a Future. Transitions only move forward:
// Pending -> Running -> {Finished, Cancelled}, or Pending -> Cancelled.
type State int

const (
	StatePending State = iota
	StateRunning
	StateFinished
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateFinished:
		return "FINISHED"
	case StateCancelled:
		return "CANCELLED"
	}
	return "INVALID"
}

func (s State) terminal() bool {
	return s == StateFinished || s == StateCancelled
}

var futureLog = logging.GetLogger("future")

// Future is the externally observable handle for a submitted action.
// Waiters block on the done channel; state and callbacks are guarded by
// the mutex. Callbacks never run while the mutex is held.
type Future struct {
	ID string

	mu        sync.Mutex
	state     State
	err       error
	deadline  time.Time
	canceller func()
	callbacks []func(*Future)

	done     chan struct{}
	mustStop chan struct{}
	stopOnce sync.Once
}

func newFuture() *Future {
	return &Future{
		ID:       uuid.NewV4().String(),
		done:     make(chan struct{}),
		mustStop: make(chan struct{}),
	}
}

// newFinishedFuture backs the documented no-op fast path for empty moves.
func newFinishedFuture() *Future {
	f := newFuture()
	f.state = StateFinished
	close(f.done)
	return f
}

func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Future) Done() bool {
	return f.State().terminal()
}

func (f *Future) Running() bool {
	return f.State() == StateRunning
}

func (f *Future) Cancelled() bool {
	return f.State() == StateCancelled
}

// Cancel requests cancellation. It returns true if the future is (now)
// cancelled and false if the action already finished. Safe to call any
// number of times from any goroutine.
//
// A pending future is cancelled in a single critical section, so a
// concurrent start can never slip in between the decision and the state
// flip. For a running future the must-stop flag is raised and the
// hardware stopped before the final flip, so a concurrently polling
// worker observes either the flag or a stopped controller on its next
// iteration.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	switch f.state {
	case StateCancelled:
		f.mu.Unlock()
		return true
	case StateFinished:
		f.mu.Unlock()
		return false
	case StatePending:
		callbacks := f.commitLocked(StateCancelled, deverrors.CancelledError{ID: f.ID})
		f.mu.Unlock()
		f.requestStop()
		f.runCallbacks(callbacks)
		return true
	}
	canceller := f.canceller
	f.mu.Unlock()

	f.requestStop()
	if canceller != nil {
		canceller()
	}
	return f.finalize(StateCancelled, deverrors.CancelledError{ID: f.ID}) == StateCancelled
}

// Result blocks until the future reaches a terminal state or the timeout
// expires. A timeout of zero or less waits forever. Returns nil for a
// clean finish, the attached execution error otherwise, and
// CancelledError for a cancelled future.
func (f *Future) Result(timeout time.Duration) error {
	if timeout > 0 {
		select {
		case <-f.done:
		case <-time.After(timeout):
			return deverrors.TimeoutError{Op: "wait for motion end", Timeout: timeout}
		}
	} else {
		<-f.done
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// AddDoneCallback registers fn to run exactly once when the future
// reaches a terminal state. If it already has, fn runs immediately on the
// calling goroutine.
func (f *Future) AddDoneCallback(fn func(*Future)) {
	f.mu.Lock()
	if f.state.terminal() {
		f.mu.Unlock()
		f.invoke(fn)
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// start moves Pending to Running and registers the hardware canceller for
// this task. Returns false if the future was cancelled before execution
// began, in which case no hardware must be touched.
func (f *Future) start(canceller func(), deadline time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StatePending {
		return false
	}
	f.state = StateRunning
	f.canceller = canceller
	f.deadline = deadline
	return true
}

func (f *Future) expiry() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deadline
}

func (f *Future) requestStop() {
	f.stopOnce.Do(func() { close(f.mustStop) })
}

func (f *Future) stopRequested() bool {
	select {
	case <-f.mustStop:
		return true
	default:
		return false
	}
}

// commitLocked flips to a terminal state and detaches the registered
// callbacks. Callers must hold f.mu, have checked the state is not
// already terminal, and run the returned callbacks after releasing.
func (f *Future) commitLocked(state State, err error) []func(*Future) {
	f.state = state
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	return callbacks
}

func (f *Future) runCallbacks(callbacks []func(*Future)) {
	for _, fn := range callbacks {
		f.invoke(fn)
	}
}

// finalize commits a terminal state exactly once and returns whichever
// state actually got committed. The loser of a finalize race is a no-op.
func (f *Future) finalize(state State, err error) State {
	f.mu.Lock()
	if f.state.terminal() {
		committed := f.state
		f.mu.Unlock()
		return committed
	}
	callbacks := f.commitLocked(state, err)
	f.mu.Unlock()

	f.runCallbacks(callbacks)
	return state
}

// finish is the worker-side finalisation. The cancel flag takes priority:
// the worker never flips a cancel-requested future to Finished.
func (f *Future) finish(err error) State {
	if f.stopRequested() {
		return f.finalize(StateCancelled, deverrors.CancelledError{ID: f.ID})
	}
	return f.finalize(StateFinished, err)
}

func (f *Future) invoke(fn func(*Future)) {
	defer func() {
		if r := recover(); r != nil {
			futureLog.Error("done callback panicked", "future", f.ID, "panic", r)
		}
	}()
	fn(f)
}
