// Package mbus drives stepper motor controllers speaking Modbus RTU over
// a shared RS-485 line. Distances travel as signed nanometre counts in
// holding registers; motion status and stop/homing controls live in input
// registers and coils.
package mbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"stagectl/bus"
	deverrors "stagectl/errors"
	"stagectl/logging"
	"stagectl/motion"
)

const (
	defaultBaud = 19200

	// Register map of the controller family.
	regStatus   = 0x0001 // input: bitmask of moving channels
	regMoveBase = 0x0010 // holding: int32 relative target, nm, 2 regs/chan
	regPosBase  = 0x0020 // holding: int32 position, nm, 2 regs/chan

	coilStop    = 0x0001
	coilRefBase = 0x0010 // one homing coil per channel

	coilOn = 0xFF00

	pollDelay = 10 * time.Millisecond
)

func init() {
	motion.RegisterBusType("modbus", Open)
}

type Bus struct {
	mu      sync.Mutex
	handler *modbus.RTUClientHandler
	client  modbus.Client
	slaves  map[bus.ControllerID]int
	log     *logging.Logger
}

// Open connects to the RS-485 line. Each controller is a modbus slave.
func Open(device string, baud int, slaves map[bus.ControllerID]int) (bus.MotorBus, error) {
	if baud == 0 {
		baud = defaultBaud
	}

	handler := modbus.NewRTUClientHandler(device)
	handler.BaudRate = baud
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = 500 * time.Millisecond

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("unable to open modbus line %s: %v", device, err)
	}

	return &Bus{
		handler: handler,
		client:  modbus.NewClient(handler),
		slaves:  slaves,
		log:     logging.GetLogger("mbus"),
	}, nil
}

// address switches the handler to the given controller. Callers must hold
// b.mu for the duration of the exchange.
func (b *Bus) address(ctrl bus.ControllerID, op string) error {
	slave, ok := b.slaves[ctrl]
	if !ok {
		return deverrors.CommunicationError{Controller: string(ctrl), Op: op,
			Err: fmt.Errorf("controller not on this bus")}
	}
	b.handler.SlaveId = byte(slave)
	return nil
}

func (b *Bus) SendRelativeMove(ctrl bus.ControllerID, channel int, distance float64) (float64, error) {
	nm := int64(math.Round(distance * 1e9))
	if nm > math.MaxInt32 || nm < math.MinInt32 {
		return 0, deverrors.OutOfRangeError{Axis: fmt.Sprintf("%s/%d", ctrl, channel),
			Value: distance, Min: math.MinInt32 * 1e-9, Max: math.MaxInt32 * 1e-9}
	}
	if nm == 0 {
		return 0, nil
	}

	value := make([]byte, 4)
	binary.BigEndian.PutUint32(value, uint32(int32(nm)))

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.address(ctrl, "move"); err != nil {
		return 0, err
	}
	if _, err := b.client.WriteMultipleRegisters(uint16(regMoveBase+2*channel), 2, value); err != nil {
		return 0, deverrors.CommunicationError{Controller: string(ctrl), Op: "move", Err: err}
	}
	return float64(nm) * 1e-9, nil
}

func (b *Bus) IsMoving(ctrl bus.ControllerID, channels []int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.address(ctrl, "status"); err != nil {
		return false, err
	}

	raw, err := b.client.ReadInputRegisters(regStatus, 1)
	if err != nil {
		return false, deverrors.CommunicationError{Controller: string(ctrl), Op: "status", Err: err}
	}
	mask := binary.BigEndian.Uint16(raw)

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
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.address(ctrl, "stop"); err != nil {
		return err
	}
	if _, err := b.client.WriteSingleCoil(coilStop, coilOn); err != nil {
		return deverrors.CommunicationError{Controller: string(ctrl), Op: "stop", Err: err}
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

func (b *Bus) Position(ctrl bus.ControllerID, channel int) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.address(ctrl, "position"); err != nil {
		return 0, err
	}

	raw, err := b.client.ReadHoldingRegisters(uint16(regPosBase+2*channel), 2)
	if err != nil {
		return 0, deverrors.CommunicationError{Controller: string(ctrl), Op: "position", Err: err}
	}
	nm := int32(binary.BigEndian.Uint32(raw))
	return float64(nm) * 1e-9, nil
}

func (b *Bus) Reference(ctrl bus.ControllerID, channel int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.address(ctrl, "reference"); err != nil {
		return err
	}
	if _, err := b.client.WriteSingleCoil(uint16(coilRefBase+channel), coilOn); err != nil {
		return deverrors.CommunicationError{Controller: string(ctrl), Op: "reference", Err: err}
	}
	return nil
}

func (b *Bus) Close() error {
	return b.handler.Close()
}
