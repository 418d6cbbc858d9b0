package heading

// Reading is the normalizer output after one sample.
type Reading struct {
	// HeadingDeg is the latest heading in [0, 360). It is only meaningful
	// when HeadingValid is set.
	HeadingDeg   float64
	HeadingValid bool
	// Updated is false when the sample could not produce a heading and the
	// previous value was retained.
	Updated bool
	Mode    Mode

	Tilt bool
}

// Normalizer turns a stream of samples into a heading.
//
// It is not safe for concurrent use; callers deliver samples one at a time.
type Normalizer struct {
	strategy  Strategy
	threshold float64

	heading      float64
	headingValid bool
	mode         Mode
	tilt         bool
}

func NewNormalizer(strategy Strategy, tiltThresholdDeg float64) *Normalizer {
	if tiltThresholdDeg <= 0 {
		tiltThresholdDeg = DefaultTiltThresholdDeg
	}
	return &Normalizer{strategy: strategy, threshold: tiltThresholdDeg}
}

func (n *Normalizer) Strategy() Strategy {
	return n.strategy
}

// Update consumes one sample. An incomplete sample keeps the previous heading.
func (n *Normalizer) Update(s Sample) Reading {
	mode := SelectMode(s, n.strategy)
	updated := false

	switch mode {
	case ModeDirectCompassHeading:
		n.heading = FromCompassHeading(*s.CompassHeading)
		updated = true
	case ModeTrigonometricCorrection:
		if valid(s.Alpha) && valid(s.Beta) && valid(s.Gamma) {
			n.heading = Corrected(*s.Alpha, *s.Gamma)
			updated = true
		}
	case ModeRawAlpha:
		if valid(s.Alpha) {
			n.heading = Normalize(*s.Alpha)
			updated = true
		}
	}
	if updated {
		n.headingValid = true
		n.mode = mode
	}

	if valid(s.Beta) && valid(s.Gamma) {
		n.tilt = TiltExceeded(*s.Beta, *s.Gamma, n.threshold)
	}

	return Reading{
		HeadingDeg:   n.heading,
		HeadingValid: n.headingValid,
		Updated:      updated,
		Mode:         n.mode,
		Tilt:         n.tilt,
	}
}
