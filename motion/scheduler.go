package motion

import (
	"fmt"
	"sync"
	"time"

	"stagectl/bus"
	deverrors "stagectl/errors"
	"stagectl/logging"
)

const (
	defaultPollInterval = 20 * time.Millisecond

	// Hard cap on how long a single action may stay in flight, bounding
	// pathological duration estimates.
	maxActionWait = 60 * time.Second
)

type action struct {
	task   *ActionTask
	future *Future
	wait   time.Duration
}

// Scheduler serialises execution of actions against one bus. A single
// worker goroutine consumes a FIFO queue, drives each future through its
// state machine and triggers a position refresh on the owning actuator
// after every action. The worker only terminates on the poison pill; bus
// errors degrade the single action, never the worker.
type Scheduler struct {
	bus   bus.MotorBus
	guard *bus.Guard
	log   *logging.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*action // a nil entry is the poison pill
	current *action
	closed  bool

	wg sync.WaitGroup

	pollInterval time.Duration
	estimate     func(*ActionTask) time.Duration
	afterAction  func(*ActionTask)
}

func newScheduler(name string, b bus.MotorBus, g *bus.Guard,
	estimate func(*ActionTask) time.Duration, afterAction func(*ActionTask)) *Scheduler {

	s := &Scheduler{
		bus:          b,
		guard:        g,
		log:          logging.GetLogger("scheduler." + name),
		pollInterval: defaultPollInterval,
		estimate:     estimate,
		afterAction:  afterAction,
	}
	s.cond = sync.NewCond(&s.mu)

	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Scheduler) submit(t *ActionTask, f *Future) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("scheduler is closed")
	}
	s.queue = append(s.queue, &action{task: t, future: f})
	s.cond.Signal()
	return nil
}

// close enqueues the poison pill and waits for the worker to drain.
func (s *Scheduler) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = append(s.queue, nil)
	s.cond.Signal()
	s.mu.Unlock()

	s.wg.Wait()
}

// drainPending removes every queued (not yet started) action and returns
// its futures so the caller can cancel them without the worker ever
// touching hardware for them.
func (s *Scheduler) drainPending() []*Future {
	s.mu.Lock()
	defer s.mu.Unlock()

	var futures []*Future
	remaining := s.queue[:0]
	for _, act := range s.queue {
		if act == nil {
			remaining = append(remaining, act) // keep the poison pill
			continue
		}
		futures = append(futures, act.future)
	}
	s.queue = remaining
	return futures
}

func (s *Scheduler) currentFuture() *Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.future
}

func (s *Scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, act := range s.queue {
		if act != nil {
			n++
		}
	}
	return n
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		act := s.next()
		if act == nil {
			s.log.Info("worker terminating")
			return
		}

		s.execute(act)

		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
	}
}

// next blocks until an action (or the poison pill) is available. The pop
// and the current-action marker are updated under one lock so Stop always
// observes an action as either queued or current.
func (s *Scheduler) next() *action {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 {
		s.cond.Wait()
	}
	act := s.queue[0]
	s.queue = s.queue[1:]
	s.current = act
	return act
}

func (s *Scheduler) execute(act *action) {
	f := act.future

	// Cancelled while pending: never touch hardware.
	if f.Done() {
		s.log.Debug("skipping cancelled action", "future", f.ID)
		return
	}

	touched, err := s.start(act)
	switch {
	case err != nil:
		s.log.Error("action failed to start", "future", f.ID, "kind", act.task.Kind.String(), "error", err)
		if touched {
			s.stopControllers(act.task)
		}
		f.finish(err)
	case f.Running():
		s.waitMotionEnd(act)
	}

	if touched {
		s.afterAction(act.task)
	}
}

// start issues the per-controller commands under the bus guard and flips
// the future to Running with its timeout deadline. Returns whether any
// hardware command was sent.
func (s *Scheduler) start(act *action) (touched bool, err error) {
	t := act.task

	wait := s.estimate(t)
	if wait > maxActionWait {
		wait = maxActionWait
	}
	act.wait = wait

	canceller := func() { s.stopControllers(t) }
	if !act.future.start(canceller, time.Now().Add(wait)) {
		// Lost the race with a cancel; nothing was sent.
		return false, nil
	}
	s.log.Debug("action started", "future", act.future.ID, "kind", t.Kind.String(), "wait", wait)

	s.guard.Lock()
	defer s.guard.Unlock()

	for _, ctrl := range t.Controllers() {
		for _, mv := range t.PerController[ctrl] {
			switch t.Kind {
			case KindMoveRel:
				_, err = s.bus.SendRelativeMove(ctrl, mv.Channel, mv.Distance)
			case KindReference:
				err = s.bus.Reference(ctrl, mv.Channel)
			case KindSelfTest:
				// Liveness probe only; the controller must answer a
				// status query.
				_, err = s.bus.IsMoving(ctrl, nil)
			}
			if err != nil {
				return touched, err
			}
			touched = true
		}
	}
	return touched, nil
}

// waitMotionEnd polls the involved controllers until motion stops, the
// cancel flag is raised or the deadline passes, then commits the terminal
// state.
func (s *Scheduler) waitMotionEnd(act *action) {
	f := act.future
	deadline := f.expiry()

	for {
		if f.stopRequested() || f.Done() {
			f.finish(nil)
			return
		}

		if time.Now().After(deadline) {
			s.log.Warn("action exceeded expected duration, stopping",
				"future", f.ID, "wait", act.wait)
			s.stopControllers(act.task)
			f.finalize(StateCancelled,
				deverrors.TimeoutError{Op: act.task.Kind.String(), Timeout: act.wait})
			return
		}

		moving, err := s.anyMoving(act.task)
		if err != nil {
			// Degrade to "stopped"; the position refresh that follows is
			// best effort anyway.
			s.log.Error("status poll failed", "future", f.ID, "error", err)
			moving = false
		}
		if !moving {
			f.finish(nil)
			return
		}

		time.Sleep(s.pollInterval)
	}
}

func (s *Scheduler) anyMoving(t *ActionTask) (bool, error) {
	s.guard.Lock()
	defer s.guard.Unlock()

	var lastErr error
	for ctrl, moves := range t.PerController {
		channels := make([]int, len(moves))
		for i, mv := range moves {
			channels[i] = mv.Channel
		}
		moving, err := s.bus.IsMoving(ctrl, channels)
		if err != nil {
			lastErr = err
			continue
		}
		if moving {
			return true, nil
		}
	}
	return false, lastErr
}

// stopControllers halts every controller involved in the task. Errors are
// logged per controller; stopping always proceeds to the next one.
func (s *Scheduler) stopControllers(t *ActionTask) {
	s.guard.Do(func() {
		for _, ctrl := range t.Controllers() {
			if err := s.bus.StopMotion(ctrl); err != nil {
				s.log.Error("stop failed", "controller", string(ctrl), "error", err)
			}
		}
	})
}
