// Package errors defines the error types surfaced by the motion control
// core and its bus drivers.
package errors

import (
	"fmt"
	"time"
)

type UnknownAxisError struct {
	Axis string
}

func (err UnknownAxisError) Error() string {
	return fmt.Sprintf("no such axis %s", err.Axis)
}

type OutOfRangeError struct {
	Axis     string
	Value    float64
	Min, Max float64
}

func (err OutOfRangeError) Error() string {
	return fmt.Sprintf("axis %s: value %g outside range [%g, %g]", err.Axis, err.Value, err.Min, err.Max)
}

// CommunicationError wraps an I/O failure talking to a motor controller.
type CommunicationError struct {
	Controller string
	Op         string
	Err        error
}

func (err CommunicationError) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("controller %s: %s failed", err.Controller, err.Op)
	}
	return fmt.Sprintf("controller %s: %s failed: %v", err.Controller, err.Op, err.Err)
}

func (err CommunicationError) Unwrap() error {
	return err.Err
}

// CancelledError is returned from Future.Result for any future that ended
// in the cancelled state.
type CancelledError struct {
	ID string
}

func (err CancelledError) Error() string {
	if len(err.ID) == 0 {
		return "move cancelled"
	}
	return fmt.Sprintf("move %s cancelled", err.ID)
}

type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (err TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", err.Op, err.Timeout)
}
