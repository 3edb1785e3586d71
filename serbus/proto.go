package serbus

import "math"

// Command bytes for the piezo driver family. One controller at a time is
// addressed with a select code; every other command goes to whichever
// controller was selected last.
const (
	cmdSelect    = 0x01
	cmdMoveRel   = 0x84
	cmdAllStop   = 0x86
	cmdGetMoving = 0x93
	cmdGetError  = 0xA1
	cmdReference = 0xA2
	cmdVersion   = 0xAE
)

const (
	statusOK = 0x00

	// Version replies are fixed width, NUL padded.
	versionReplyLen = 8

	// Largest pulse count a single move command accepts.
	maxPulses = 65000
)

// buildFrame assembles [cmd, payload..., checksum].
func buildFrame(cmd byte, payload ...byte) []byte {
	f := make([]byte, 0, len(payload)+2)
	f = append(f, cmd)
	f = append(f, payload...)
	return append(f, checksum(f))
}

// checksum is the XOR of all frame bytes.
func checksum(p []byte) byte {
	var c byte
	for _, b := range p {
		c ^= b
	}
	return c
}

func moveFrame(channel int, pulses int32) []byte {
	u := uint32(pulses)
	return buildFrame(cmdMoveRel, byte(channel),
		byte(u), byte(u>>8), byte(u>>16), byte(u>>24))
}

// Calibration fit parameters for the pulse-to-travel response of this
// driver family. Quadratic in the pulse count; measured per device
// family, not derived.
const (
	calQuad = 1.2e-12 // m / pulse^2
	calLin  = 9.4e-8  // m / pulse
)

// pulsesToDistance returns the travel produced by a pulse burst. Odd
// symmetric: negative counts move backwards by the same amount.
func pulsesToDistance(n int32) float64 {
	f := math.Abs(float64(n))
	d := calQuad*f*f + calLin*f
	if n < 0 {
		return -d
	}
	return d
}

// distanceToPulses inverts the calibration curve, rounding to the nearest
// whole pulse and saturating at the controller's burst limit. Requests
// below one pulse of travel come back as zero.
func distanceToPulses(d float64) int32 {
	neg := d < 0
	if neg {
		d = -d
	}

	n := (-calLin + math.Sqrt(calLin*calLin+4*calQuad*d)) / (2 * calQuad)
	p := int32(math.Round(n))
	if p > maxPulses {
		p = maxPulses
	}
	if neg {
		return -p
	}
	return p
}
