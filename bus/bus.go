// Package bus defines the capability interface a motor controller bus has
// to provide for the motion core, along with the access guard shared by
// everything on one physical line. Concrete drivers live in their own
// packages (serbus, mbus) and a simulated bus is provided here for tests
// and bench work.
package bus

import "time"

// ControllerID identifies a single motor driver board on a bus. It is
// opaque to the motion core; drivers map it to a physical address.
type ControllerID string

// MotorBus is the hardware capability consumed by the motion core. Every
// call is synchronous and may block for the duration of the underlying
// I/O; concurrency control is layered on top via Guard.
type MotorBus interface {
	// SendRelativeMove fires a relative move on one channel and returns
	// once the controller acknowledges the command, not once motion
	// finishes. The returned distance is what the controller actually
	// accepted (quantised to its step resolution).
	SendRelativeMove(ctrl ControllerID, channel int, distance float64) (float64, error)

	// IsMoving reports whether any of the given channels is still in
	// motion. A nil channel list means "any channel on the controller".
	IsMoving(ctrl ControllerID, channels []int) (bool, error)

	// StopMotion halts all channels on the controller immediately.
	StopMotion(ctrl ControllerID) error

	// WaitEndMotion blocks until the controller reports no motion or the
	// timeout expires.
	WaitEndMotion(ctrl ControllerID, timeout time.Duration) error

	// Position returns the current position of one channel in metres.
	// Open-loop controllers report their internally accumulated estimate.
	Position(ctrl ControllerID, channel int) (float64, error)

	// Reference starts a reference (homing) move on one channel.
	Reference(ctrl ControllerID, channel int) error

	Close() error
}
