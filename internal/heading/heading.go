package heading

import (
	"fmt"
	"math"
)

// DefaultTiltThresholdDeg is the beta/gamma magnitude above which the device
// is considered too far from level for a reliable heading.
const DefaultTiltThresholdDeg = 30.0

// TiltMessage is shown while the tilt warning is raised.
const TiltMessage = "keep the device level"

// Sample is one orientation reading as delivered by the platform.
//
// All fields are optional: nil means the platform had no value this tick.
// CompassHeading is the vendor absolute bearing (clockwise from north) that
// some platforms attach to orientation events.
type Sample struct {
	Alpha          *float64 `json:"alpha"`
	Beta           *float64 `json:"beta"`
	Gamma          *float64 `json:"gamma"`
	CompassHeading *float64 `json:"compass_heading,omitempty"`
}

// Mode is the computation selected for a single sample.
type Mode int

const (
	ModeNone Mode = iota
	ModeDirectCompassHeading
	ModeTrigonometricCorrection
	ModeRawAlpha
)

func (m Mode) String() string {
	switch m {
	case ModeDirectCompassHeading:
		return "direct_compass_heading"
	case ModeTrigonometricCorrection:
		return "trigonometric_correction"
	case ModeRawAlpha:
		return "raw_alpha"
	default:
		return "none"
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Strategy is the configured way of turning samples into a heading.
type Strategy int

const (
	// StrategyCorrected prefers the vendor compass heading and falls back
	// to the tilt-corrected alpha.
	StrategyCorrected Strategy = iota
	// StrategyRawAlpha passes alpha through unchanged. It ignores the vendor
	// heading and applies no tilt correction.
	StrategyRawAlpha
)

func (s Strategy) String() string {
	if s == StrategyRawAlpha {
		return "raw_alpha"
	}
	return "corrected"
}

func ParseStrategy(v string) (Strategy, error) {
	switch v {
	case "", "corrected":
		return StrategyCorrected, nil
	case "raw_alpha":
		return StrategyRawAlpha, nil
	default:
		return StrategyCorrected, fmt.Errorf("heading: unknown strategy %q", v)
	}
}

// Normalize maps any angle in degrees into [0, 360). It is the
// ((x mod 360) + 360) mod 360 transform, with the shift applied only to
// negative remainders so values already in range come back bit-identical.
func Normalize(deg float64) float64 {
	v := math.Mod(deg, 360)
	if v < 0 {
		v += 360
	}
	if v >= 360 {
		return 0
	}
	return v
}

// FromCompassHeading converts a clockwise vendor bearing into the display
// convention.
func FromCompassHeading(h float64) float64 {
	return Normalize(360 - h)
}

// Corrected returns alpha compensated for roll about the gamma axis.
func Corrected(alphaDeg, gammaDeg float64) float64 {
	a := alphaDeg * math.Pi / 180
	g := gammaDeg * math.Pi / 180
	rad := math.Atan2(math.Sin(a)*math.Cos(g), math.Cos(a))
	return Normalize(rad * 180 / math.Pi)
}

// TiltExceeded reports whether either tilt angle is strictly beyond threshold.
func TiltExceeded(betaDeg, gammaDeg, thresholdDeg float64) bool {
	return math.Abs(betaDeg) > thresholdDeg || math.Abs(gammaDeg) > thresholdDeg
}

// SelectMode resolves the computation for one sample by field presence.
func SelectMode(s Sample, strategy Strategy) Mode {
	if strategy == StrategyRawAlpha {
		return ModeRawAlpha
	}
	if valid(s.CompassHeading) {
		return ModeDirectCompassHeading
	}
	return ModeTrigonometricCorrection
}

// Bearing turns a heading (the dial rotation, which grows counter-clockwise
// like alpha) into a clockwise bearing from north: Normalize(360 - h).
func Bearing(headingDeg float64) float64 {
	return Normalize(360 - headingDeg)
}

var cardinals = [...]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// Cardinal returns the nearest 8-point compass label for a clockwise bearing.
func Cardinal(deg float64) string {
	idx := int(math.Floor(Normalize(deg)/45+0.5)) % len(cardinals)
	return cardinals[idx]
}

func valid(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}
