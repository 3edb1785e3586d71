// Package serbus drives piezo motor controllers daisy-chained on one
// RS-232 line. Commands are short checksummed frames preceded by an
// address select code; moves are open loop, so positions are accumulated
// from the applied pulse counts.
package serbus

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Masterminds/semver"
	"github.com/tarm/serial"

	"stagectl/bus"
	deverrors "stagectl/errors"
	"stagectl/logging"
	"stagectl/motion"
)

const (
	defaultBaud = 9600

	maxRetries = 3
	pollDelay  = 10 * time.Millisecond

	// Firmware releases the driver is known to work with.
	versionConstraint = "~1.0"
)

func init() {
	motion.RegisterBusType("serial", Open)
}

type chanKey struct {
	ctrl    bus.ControllerID
	channel int
}

type Bus struct {
	mu       sync.Mutex
	port     io.ReadWriteCloser
	addrs    map[bus.ControllerID]int
	selected int
	pos      map[chanKey]float64
	log      *logging.Logger
}

// Open connects to the serial line and verifies the firmware of every
// controller before returning.
func Open(portName string, baud int, addrs map[bus.ControllerID]int) (bus.MotorBus, error) {
	if baud == 0 {
		baud = defaultBaud
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        portName,
		Baud:        baud,
		ReadTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open serial port %s: %v", portName, err)
	}
	return newBus(p, addrs)
}

func newBus(port io.ReadWriteCloser, addrs map[bus.ControllerID]int) (*Bus, error) {
	b := &Bus{
		port:     port,
		addrs:    addrs,
		selected: -1,
		pos:      make(map[chanKey]float64),
		log:      logging.GetLogger("serbus"),
	}

	for ctrl := range addrs {
		version, err := b.firmwareVersion(ctrl)
		if err != nil {
			port.Close()
			return nil, err
		}
		if err = checkVersion(ctrl, version); err != nil {
			port.Close()
			return nil, err
		}
		b.log.Info("controller online", "controller", string(ctrl), "firmware", version)
	}
	return b, nil
}

func checkVersion(ctrl bus.ControllerID, version string) error {
	if version == "DEV" {
		// Bench firmware built straight from a working tree.
		return nil
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("controller %s reports unparseable firmware %q: %v", ctrl, version, err)
	}
	constraint, err := semver.NewConstraint(versionConstraint)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return fmt.Errorf("unable to use controller %s: firmware %s, require %s", ctrl, version, versionConstraint)
	}
	return nil
}

func (b *Bus) SendRelativeMove(ctrl bus.ControllerID, channel int, distance float64) (float64, error) {
	pulses := distanceToPulses(distance)
	if pulses == 0 {
		// Below one pulse of travel; the controller would ignore it.
		return 0, nil
	}

	reply, err := b.transact(ctrl, "move", moveFrame(channel, pulses), 1)
	if err != nil {
		return 0, err
	}
	if reply[0] != statusOK {
		return 0, deverrors.CommunicationError{Controller: string(ctrl), Op: "move",
			Err: fmt.Errorf("controller status 0x%02x", reply[0])}
	}

	applied := pulsesToDistance(pulses)
	b.mu.Lock()
	b.pos[chanKey{ctrl, channel}] += applied
	b.mu.Unlock()
	return applied, nil
}

func (b *Bus) IsMoving(ctrl bus.ControllerID, channels []int) (bool, error) {
	reply, err := b.transact(ctrl, "status", buildFrame(cmdGetMoving), 1)
	if err != nil {
		return false, err
	}

	mask := reply[0]
	if channels == nil {
		return mask != 0, nil
	}
	for _, ch := range channels {
		if mask&(1<<uint(ch)) != 0 {
			return true, nil
		}
	}
	return false, nil
}

func (b *Bus) StopMotion(ctrl bus.ControllerID) error {
	reply, err := b.transact(ctrl, "stop", buildFrame(cmdAllStop), 1)
	if err != nil {
		return err
	}
	if reply[0] != statusOK {
		return deverrors.CommunicationError{Controller: string(ctrl), Op: "stop",
			Err: fmt.Errorf("controller status 0x%02x", reply[0])}
	}
	return nil
}

func (b *Bus) WaitEndMotion(ctrl bus.ControllerID, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		moving, err := b.IsMoving(ctrl, nil)
		if err != nil {
			return err
		}
		if !moving {
			return nil
		}
		if time.Now().After(deadline) {
			return deverrors.TimeoutError{Op: "wait end of motion", Timeout: timeout}
		}
		time.Sleep(pollDelay)
	}
}

// Position reports the accumulated open-loop estimate for a channel.
func (b *Bus) Position(ctrl bus.ControllerID, channel int) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pos[chanKey{ctrl, channel}], nil
}

func (b *Bus) Reference(ctrl bus.ControllerID, channel int) error {
	reply, err := b.transact(ctrl, "reference", buildFrame(cmdReference, byte(channel)), 1)
	if err != nil {
		return err
	}
	if reply[0] != statusOK {
		return deverrors.CommunicationError{Controller: string(ctrl), Op: "reference",
			Err: fmt.Errorf("controller status 0x%02x", reply[0])}
	}

	b.mu.Lock()
	b.pos[chanKey{ctrl, channel}] = 0
	b.mu.Unlock()
	return nil
}

func (b *Bus) Close() error {
	return b.port.Close()
}

func (b *Bus) firmwareVersion(ctrl bus.ControllerID) (string, error) {
	reply, err := b.transact(ctrl, "version", buildFrame(cmdVersion), versionReplyLen)
	if err != nil {
		return "", err
	}

	end := len(reply)
	for end > 0 && (reply[end-1] == 0 || reply[end-1] == ' ') {
		end--
	}
	return string(reply[:end]), nil
}

// transact performs one select+command+reply exchange. On a garbled or
// missing reply it probes the controller and retries a bounded number of
// times; the outcome is always either a verified reply or a
// CommunicationError.
func (b *Bus) transact(ctrl bus.ControllerID, op string, frame []byte, replyLen int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	addr, ok := b.addrs[ctrl]
	if !ok {
		return nil, deverrors.CommunicationError{Controller: string(ctrl), Op: op,
			Err: fmt.Errorf("controller not on this bus")}
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if lastErr = b.selectController(addr); lastErr != nil {
			continue
		}
		if _, lastErr = b.port.Write(frame); lastErr != nil {
			continue
		}

		reply, err := b.readReply(replyLen)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		b.log.Warn("command failed, probing controller", "controller", string(ctrl),
			"op", op, "attempt", attempt+1, "error", err)

		if recovered := b.recover(addr); !recovered {
			break
		}
	}
	return nil, deverrors.CommunicationError{Controller: string(ctrl), Op: op, Err: lastErr}
}

func (b *Bus) selectController(addr int) error {
	if b.selected == addr {
		return nil
	}
	if _, err := b.port.Write([]byte{cmdSelect, byte(addr)}); err != nil {
		b.selected = -1
		return err
	}
	b.selected = addr
	return nil
}

// readReply accumulates replyLen bytes plus the trailing checksum. The
// port read timeout paces the loop; a bounded number of empty reads means
// the controller went quiet.
func (b *Bus) readReply(replyLen int) ([]byte, error) {
	buf := make([]byte, replyLen+1)
	got := 0
	for empty := 0; got < len(buf) && empty < 5; {
		n, err := b.port.Read(buf[got:])
		if err != nil && err != io.EOF {
			return nil, err
		}
		if n == 0 {
			empty++
			continue
		}
		got += n
	}
	if got < len(buf) {
		return nil, fmt.Errorf("short reply: %d of %d bytes", got, len(buf))
	}
	if checksum(buf[:replyLen]) != buf[replyLen] {
		return nil, fmt.Errorf("bad reply checksum")
	}
	return buf[:replyLen], nil
}

// recover re-addresses the controller after a failed exchange and checks
// it still answers. Reports whether a retry is worthwhile.
func (b *Bus) recover(addr int) bool {
	b.drain()
	b.selected = -1

	if err := b.selectController(addr); err != nil {
		return false
	}
	if _, err := b.port.Write(buildFrame(cmdGetError)); err != nil {
		return false
	}
	if _, err := b.readReply(2); err != nil {
		return false
	}
	return true
}

// drain discards whatever is left in the receive buffer.
func (b *Bus) drain() {
	buf := make([]byte, 64)
	for {
		n, err := b.port.Read(buf)
		if n == 0 || err != nil {
			return
		}
	}
}
