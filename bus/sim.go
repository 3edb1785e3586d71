package bus

import (
	"fmt"
	"sync"
	"time"

	deverrors "stagectl/errors"
)

// SimMove records one relative move command accepted by the simulated bus.
type SimMove struct {
	Controller ControllerID
	Channel    int
	Distance   float64
}

type simChannel struct {
	origin float64
	target float64
	start  time.Time
	end    time.Time
}

func (c *simChannel) positionAt(now time.Time) float64 {
	if !now.Before(c.end) {
		return c.target
	}
	if !now.After(c.start) {
		return c.origin
	}
	frac := float64(now.Sub(c.start)) / float64(c.end.Sub(c.start))
	return c.origin + (c.target-c.origin)*frac
}

func (c *simChannel) moving(now time.Time) bool {
	return now.Before(c.end)
}

type simController struct {
	channels map[int]*simChannel
}

// Simulated is an in-process MotorBus double. Channels move at a constant
// configurable speed, so a submitted distance translates into a realistic
// motion duration. All commands are recorded for inspection by tests.
type Simulated struct {
	mu    sync.Mutex
	speed float64
	ctrls map[ControllerID]*simController

	moveCalls []SimMove
	stopCalls map[ControllerID]int
	refCalls  map[ControllerID]int

	failMove   error
	failStatus error
}

// NewSimulated creates a simulated bus with the given controller/channel
// topology. Speed is in metres per second and applies to every channel.
func NewSimulated(topology map[ControllerID][]int, speed float64) *Simulated {
	if speed <= 0 {
		speed = 1e-3
	}
	s := &Simulated{
		speed:     speed,
		ctrls:     make(map[ControllerID]*simController, len(topology)),
		stopCalls: make(map[ControllerID]int),
		refCalls:  make(map[ControllerID]int),
	}
	for id, channels := range topology {
		ctrl := &simController{channels: make(map[int]*simChannel, len(channels))}
		for _, ch := range channels {
			ctrl.channels[ch] = new(simChannel)
		}
		s.ctrls[id] = ctrl
	}
	return s
}

func (s *Simulated) channel(ctrl ControllerID, channel int) (*simChannel, error) {
	c, ok := s.ctrls[ctrl]
	if !ok {
		return nil, deverrors.CommunicationError{Controller: string(ctrl), Op: "lookup",
			Err: fmt.Errorf("unknown controller")}
	}
	ch, ok := c.channels[channel]
	if !ok {
		return nil, deverrors.CommunicationError{Controller: string(ctrl), Op: "lookup",
			Err: fmt.Errorf("unknown channel %d", channel)}
	}
	return ch, nil
}

func (s *Simulated) SendRelativeMove(ctrl ControllerID, channel int, distance float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failMove != nil {
		return 0, s.failMove
	}

	ch, err := s.channel(ctrl, channel)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	cur := ch.positionAt(now)
	ch.origin = cur
	ch.target = cur + distance
	ch.start = now
	ch.end = now.Add(time.Duration(abs(distance) / s.speed * float64(time.Second)))

	s.moveCalls = append(s.moveCalls, SimMove{ctrl, channel, distance})
	return distance, nil
}

func (s *Simulated) IsMoving(ctrl ControllerID, channels []int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failStatus != nil {
		return false, s.failStatus
	}

	c, ok := s.ctrls[ctrl]
	if !ok {
		return false, deverrors.CommunicationError{Controller: string(ctrl), Op: "status",
			Err: fmt.Errorf("unknown controller")}
	}

	now := time.Now()
	if channels == nil {
		for _, ch := range c.channels {
			if ch.moving(now) {
				return true, nil
			}
		}
		return false, nil
	}
	for _, n := range channels {
		if ch, ok := c.channels[n]; ok && ch.moving(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Simulated) StopMotion(ctrl ControllerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.ctrls[ctrl]
	if !ok {
		return deverrors.CommunicationError{Controller: string(ctrl), Op: "stop",
			Err: fmt.Errorf("unknown controller")}
	}

	now := time.Now()
	for _, ch := range c.channels {
		pos := ch.positionAt(now)
		ch.origin = pos
		ch.target = pos
		ch.end = now
	}
	s.stopCalls[ctrl]++
	return nil
}

func (s *Simulated) WaitEndMotion(ctrl ControllerID, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		moving, err := s.IsMoving(ctrl, nil)
		if err != nil {
			return err
		}
		if !moving {
			return nil
		}
		if time.Now().After(deadline) {
			return deverrors.TimeoutError{Op: "wait end of motion", Timeout: timeout}
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *Simulated) Position(ctrl ControllerID, channel int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.channel(ctrl, channel)
	if err != nil {
		return 0, err
	}
	return ch.positionAt(time.Now()), nil
}

func (s *Simulated) Reference(ctrl ControllerID, channel int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.channel(ctrl, channel)
	if err != nil {
		return err
	}

	now := time.Now()
	cur := ch.positionAt(now)
	ch.origin = cur
	ch.target = 0
	ch.start = now
	ch.end = now.Add(time.Duration(abs(cur) / s.speed * float64(time.Second)))
	s.refCalls[ctrl]++
	return nil
}

func (s *Simulated) Close() error {
	return nil
}

// FailMoves makes every subsequent SendRelativeMove return err. Passing
// nil restores normal behaviour.
func (s *Simulated) FailMoves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failMove = err
}

// FailStatus makes every subsequent IsMoving return err.
func (s *Simulated) FailStatus(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = err
}

// MoveCalls returns a copy of every move command accepted so far, in the
// order the bus received them.
func (s *Simulated) MoveCalls() []SimMove {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimMove, len(s.moveCalls))
	copy(out, s.moveCalls)
	return out
}

func (s *Simulated) StopCalls(ctrl ControllerID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls[ctrl]
}

func (s *Simulated) ReferenceCalls(ctrl ControllerID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCalls[ctrl]
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
