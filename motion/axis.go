// Package motion implements the asynchronous multi-axis actuator engine:
// a future-based move API backed by a single worker goroutine per
// actuator, FIFO execution against shared bus hardware and cooperative
// cancellation.
package motion

import "stagectl/bus"

// Axis describes one logical degree of freedom. Immutable after
// construction.
type Axis struct {
	Name string
	Unit string

	// Reachable position range in axis units.
	Min, Max float64

	// Allowed speed range. Zero values mean the controller default is
	// used and speed is not settable for this axis.
	MinSpeed, MaxSpeed float64
}

func (a Axis) contains(v float64) bool {
	return v >= a.Min && v <= a.Max
}

func (a Axis) clampSpeed(v float64) float64 {
	if a.MaxSpeed <= 0 {
		return v
	}
	if v < a.MinSpeed {
		return a.MinSpeed
	}
	if v > a.MaxSpeed {
		return a.MaxSpeed
	}
	return v
}

// Binding maps an axis to the controller channel that drives it. Built
// once at construction, read-only afterwards.
type Binding struct {
	Controller bus.ControllerID
	Channel    int
}
