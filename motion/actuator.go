package motion

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"stagectl/bus"
	deverrors "stagectl/errors"
	"stagectl/logging"
)

const (
	defaultStopTimeout = 5 * time.Second

	// Fallback axis speed when the configuration declares none, in axis
	// units per second.
	defaultAxisSpeed = 1e-3

	selfTestWait = time.Second
)

// Actuator exposes a set of named axes driven by controller channels on a
// shared bus. Moves are asynchronous: MoveRel/MoveAbs validate, enqueue
// and return a Future immediately. Stop is the one synchronous call; it
// cancels everything and blocks until the bus confirms zero motion.
type Actuator struct {
	name  string
	bus   bus.MotorBus
	guard *bus.Guard
	log   *logging.Logger

	axes     map[string]Axis
	bindings map[string]Binding
	order    []string           // axis names, sorted, for stable command order
	byChan   map[Binding]string // reverse lookup for speed estimation

	sched *Scheduler

	mu    sync.RWMutex
	pos   map[string]float64
	speed map[string]float64

	stopTimeout time.Duration
}

// NewActuator builds an actuator over the given bus. Every axis must have
// exactly one binding; the guard must be the one shared by everything on
// the same physical line.
func NewActuator(name string, b bus.MotorBus, g *bus.Guard, axes []Axis, bindings map[string]Binding) (*Actuator, error) {
	a := &Actuator{
		name:        name,
		bus:         b,
		guard:       g,
		log:         logging.GetLogger("actuator." + name),
		axes:        make(map[string]Axis, len(axes)),
		bindings:    make(map[string]Binding, len(bindings)),
		byChan:      make(map[Binding]string, len(bindings)),
		pos:         make(map[string]float64, len(axes)),
		speed:       make(map[string]float64, len(axes)),
		stopTimeout: defaultStopTimeout,
	}

	for _, ax := range axes {
		if _, dup := a.axes[ax.Name]; dup {
			return nil, fmt.Errorf("duplicate axis %s", ax.Name)
		}
		if ax.Min >= ax.Max {
			return nil, fmt.Errorf("axis %s: invalid range [%g, %g]", ax.Name, ax.Min, ax.Max)
		}
		binding, ok := bindings[ax.Name]
		if !ok {
			return nil, fmt.Errorf("axis %s has no controller binding", ax.Name)
		}
		if _, dup := a.byChan[binding]; dup {
			return nil, fmt.Errorf("axis %s: channel %d of controller %s already bound",
				ax.Name, binding.Channel, binding.Controller)
		}

		a.axes[ax.Name] = ax
		a.bindings[ax.Name] = binding
		a.byChan[binding] = ax.Name
		a.order = append(a.order, ax.Name)

		sp := ax.MaxSpeed
		if sp <= 0 {
			sp = defaultAxisSpeed
		}
		a.speed[ax.Name] = sp
	}
	sort.Strings(a.order)

	a.refreshPositions(a.order)
	a.sched = newScheduler(name, b, g, a.estimateDuration, a.onActionDone)
	return a, nil
}

// MoveRel requests a relative move of the given axes. Validation happens
// before anything is enqueued; on success the returned future tracks the
// move. Non-blocking.
func (a *Actuator) MoveRel(shift map[string]float64) (*Future, error) {
	if len(shift) == 0 {
		return newFinishedFuture(), nil
	}

	current := a.Position()
	deltas := make(map[string]float64, len(shift))
	for name, d := range shift {
		ax, ok := a.axes[name]
		if !ok {
			return nil, deverrors.UnknownAxisError{Axis: name}
		}
		target := current[name] + d
		if !ax.contains(target) {
			return nil, deverrors.OutOfRangeError{Axis: name, Value: target, Min: ax.Min, Max: ax.Max}
		}
		deltas[name] = d
	}

	return a.submit(a.buildMoveTask(deltas))
}

// MoveAbs requests a move to absolute targets. The underlying controllers
// are driven with relative commands computed from the cached position, so
// the result is approximate for open-loop hardware.
func (a *Actuator) MoveAbs(target map[string]float64) (*Future, error) {
	if len(target) == 0 {
		return newFinishedFuture(), nil
	}

	current := a.Position()
	deltas := make(map[string]float64, len(target))
	for name, t := range target {
		ax, ok := a.axes[name]
		if !ok {
			return nil, deverrors.UnknownAxisError{Axis: name}
		}
		if !ax.contains(t) {
			return nil, deverrors.OutOfRangeError{Axis: name, Value: t, Min: ax.Min, Max: ax.Max}
		}
		if d := t - current[name]; d != 0 {
			deltas[name] = d
		}
	}
	if len(deltas) == 0 {
		return newFinishedFuture(), nil
	}

	return a.submit(a.buildMoveTask(deltas))
}

// Reference homes every axis. Routed through the scheduler like any other
// action, so it queues and cancels the same way moves do.
func (a *Actuator) Reference() (*Future, error) {
	return a.submit(a.buildAllAxesTask(KindReference))
}

// SelfTest verifies every owned controller answers a status query.
func (a *Actuator) SelfTest() (*Future, error) {
	return a.submit(a.buildAllAxesTask(KindSelfTest))
}

// Stop cancels all queued and in-flight actions, halts every controller
// this actuator owns and blocks until the bus confirms no residual
// motion. Per-controller errors are logged, never raised: Stop always
// attempts to stop everything.
func (a *Actuator) Stop() {
	a.log.Info("stop requested")

	for _, f := range a.sched.drainPending() {
		f.Cancel()
	}
	if f := a.sched.currentFuture(); f != nil {
		f.Cancel()
	}

	// Stop every owned controller outright: channels on one board can be
	// physically coupled, so an axis filter would be unsafe here.
	ctrls := a.controllers()
	a.guard.Do(func() {
		for _, id := range ctrls {
			if err := a.bus.StopMotion(id); err != nil {
				a.log.Error("stop failed", "controller", string(id), "error", err)
			}
		}
	})

	for _, id := range ctrls {
		if err := a.bus.WaitEndMotion(id, a.stopTimeout); err != nil {
			a.log.Error("controller still moving after stop", "controller", string(id), "error", err)
		}
	}

	a.refreshPositions(a.order)
}

// Position returns a snapshot of the cached per-axis positions. The cache
// is updated by the worker after each action and by Stop.
func (a *Actuator) Position() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]float64, len(a.pos))
	for name, v := range a.pos {
		out[name] = v
	}
	return out
}

func (a *Actuator) Speed(axis string) (float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	v, ok := a.speed[axis]
	if !ok {
		return 0, deverrors.UnknownAxisError{Axis: axis}
	}
	return v, nil
}

// SetSpeed updates the speed used for an axis, clamped to the axis's
// declared speed range. Affects the duration estimate of subsequent
// actions.
func (a *Actuator) SetSpeed(axis string, v float64) error {
	ax, ok := a.axes[axis]
	if !ok {
		return deverrors.UnknownAxisError{Axis: axis}
	}
	if v <= 0 {
		return deverrors.OutOfRangeError{Axis: axis, Value: v, Min: ax.MinSpeed, Max: ax.MaxSpeed}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.speed[axis] = ax.clampSpeed(v)
	return nil
}

// AxisNames returns the axis names in sorted order.
func (a *Actuator) AxisNames() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

func (a *Actuator) Name() string {
	return a.name
}

// Close terminates the worker once the queue drains. The bus itself stays
// open; its owner closes it.
func (a *Actuator) Close() {
	a.sched.close()
}

func (a *Actuator) submit(t *ActionTask) (*Future, error) {
	f := newFuture()
	if err := a.sched.submit(t, f); err != nil {
		return nil, err
	}
	a.log.Debug("action submitted", "future", f.ID, "kind", t.Kind.String())
	return f, nil
}

// buildMoveTask groups per-axis deltas into per-controller command lists,
// in sorted axis order so hardware command order is deterministic.
func (a *Actuator) buildMoveTask(deltas map[string]float64) *ActionTask {
	per := make(map[bus.ControllerID][]ChannelMove)
	for _, name := range a.order {
		d, ok := deltas[name]
		if !ok {
			continue
		}
		b := a.bindings[name]
		per[b.Controller] = append(per[b.Controller], ChannelMove{Channel: b.Channel, Distance: d})
	}
	return &ActionTask{Kind: KindMoveRel, PerController: per}
}

func (a *Actuator) buildAllAxesTask(kind ActionKind) *ActionTask {
	per := make(map[bus.ControllerID][]ChannelMove)
	for _, name := range a.order {
		b := a.bindings[name]
		per[b.Controller] = append(per[b.Controller], ChannelMove{Channel: b.Channel})
	}
	return &ActionTask{Kind: kind, PerController: per}
}

// estimateDuration computes the expected wall time of a task from the
// current speed settings: the slowest channel dominates, plus a margin
// for command latency.
func (a *Actuator) estimateDuration(t *ActionTask) time.Duration {
	switch t.Kind {
	case KindSelfTest:
		return selfTestWait
	case KindReference:
		var worst time.Duration
		for name, ax := range a.axes {
			sp := a.currentSpeed(name)
			if d := durationFor(ax.Max-ax.Min, sp); d > worst {
				worst = d
			}
		}
		return worst + worst/2 + 100*time.Millisecond
	}

	var worst time.Duration
	for ctrl, moves := range t.PerController {
		for _, mv := range moves {
			name, ok := a.byChan[Binding{Controller: ctrl, Channel: mv.Channel}]
			if !ok {
				continue
			}
			if d := durationFor(mv.Distance, a.currentSpeed(name)); d > worst {
				worst = d
			}
		}
	}
	return worst + worst/2 + 100*time.Millisecond
}

func (a *Actuator) currentSpeed(axis string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	sp := a.speed[axis]
	if sp <= 0 {
		sp = defaultAxisSpeed
	}
	return sp
}

func durationFor(distance, speed float64) time.Duration {
	if distance < 0 {
		distance = -distance
	}
	return time.Duration(distance / speed * float64(time.Second))
}

// onActionDone runs on the worker after every executed action.
func (a *Actuator) onActionDone(t *ActionTask) {
	names := make([]string, 0, len(a.order))
	for ctrl, moves := range t.PerController {
		for _, mv := range moves {
			if name, ok := a.byChan[Binding{Controller: ctrl, Channel: mv.Channel}]; ok {
				names = append(names, name)
			}
		}
	}
	a.refreshPositions(names)
}

// refreshPositions reads the involved channels back from hardware and
// updates the cache. Failures leave the previous cached value in place.
func (a *Actuator) refreshPositions(names []string) {
	vals := make(map[string]float64, len(names))

	a.guard.Do(func() {
		for _, name := range names {
			b := a.bindings[name]
			p, err := a.bus.Position(b.Controller, b.Channel)
			if err != nil {
				a.log.Error("position read failed", "axis", name, "error", err)
				continue
			}
			vals[name] = p
		}
	})

	a.mu.Lock()
	for name, v := range vals {
		a.pos[name] = v
	}
	a.mu.Unlock()
}

// controllers returns the distinct controller ids this actuator owns.
func (a *Actuator) controllers() []bus.ControllerID {
	seen := make(map[bus.ControllerID]bool)
	var out []bus.ControllerID
	for _, name := range a.order {
		id := a.bindings[name].Controller
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
