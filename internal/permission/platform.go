package permission

import (
	"context"
	"fmt"

	"compass-ng/internal/heading"
)

// Capability is a sensor family that may sit behind its own consent prompt.
type Capability int

const (
	Motion Capability = iota
	Orientation
)

func (c Capability) String() string {
	switch c {
	case Motion:
		return "motion"
	case Orientation:
		return "orientation"
	default:
		return fmt.Sprintf("capability(%d)", int(c))
	}
}

// Decision is the answer a platform consent API resolves with.
type Decision string

const (
	DecisionGranted Decision = "granted"
	DecisionDenied  Decision = "denied"
)

// Probe is the result of checking the orientation event type for a
// consent-request capability.
type Probe int

const (
	ProbeAbsent Probe = iota
	ProbePresent
	// ProbeUnknown means the platform could not tell; callers fall back to
	// matching the platform identifier.
	ProbeUnknown
)

// Requester asks the platform for consent to one capability. It blocks until
// the platform resolves or rejects, or ctx is done.
type Requester interface {
	RequestPermission(ctx context.Context) (Decision, error)
}

// Platform is the host environment that owns the orientation event source.
//
// Listen attaches fn to the process-wide orientation event source and returns
// the function that detaches it. fn must not be invoked after stop returns.
type Platform interface {
	OrientationSupported() bool
	ConsentProbe() Probe
	// Requester returns nil when the capability has no consent API.
	Requester(c Capability) Requester
	Identifier() string
	Listen(fn func(heading.Sample)) (stop func())
}
