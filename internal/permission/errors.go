package permission

import (
	"errors"
	"fmt"
)

var (
	ErrSensorUnavailable    = errors.New("permission: orientation sensor unavailable")
	ErrConsentDenied        = errors.New("permission: consent denied")
	ErrConsentRequestFailed = errors.New("permission: consent request failed")

	// ErrNoUserGesture is wrapped by a failed request that was not started
	// from a user gesture on a platform that requires one.
	ErrNoUserGesture = errors.New("permission: consent must be requested from a user gesture")
	ErrNotGranted    = errors.New("permission: not granted")
	ErrClosed        = errors.New("permission: manager closed")
	ErrReleased      = errors.New("permission: subscription already released")
)

// Kind classifies why the sensor stream is not available.
type Kind int

const (
	KindNone Kind = iota
	KindSensorUnavailable
	KindConsentDenied
	KindConsentRequestFailed
)

func (k Kind) String() string {
	switch k {
	case KindSensorUnavailable:
		return "sensor_unavailable"
	case KindConsentDenied:
		return "consent_denied"
	case KindConsentRequestFailed:
		return "consent_request_failed"
	default:
		return "none"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k Kind) sentinel() error {
	switch k {
	case KindSensorUnavailable:
		return ErrSensorUnavailable
	case KindConsentDenied:
		return ErrConsentDenied
	case KindConsentRequestFailed:
		return ErrConsentRequestFailed
	default:
		return nil
	}
}

// Failure records the step that stopped the consent pipeline.
type Failure struct {
	Kind       Kind
	Capability Capability
	// Err is the platform error for KindConsentRequestFailed.
	Err error
}

func (f *Failure) Error() string {
	switch f.Kind {
	case KindSensorUnavailable:
		return ErrSensorUnavailable.Error()
	case KindConsentDenied:
		return fmt.Sprintf("%v (%s)", ErrConsentDenied, f.Capability)
	case KindConsentRequestFailed:
		if f.Err != nil {
			return fmt.Sprintf("%v (%s): %v", ErrConsentRequestFailed, f.Capability, f.Err)
		}
		return fmt.Sprintf("%v (%s)", ErrConsentRequestFailed, f.Capability)
	default:
		return "permission: failure"
	}
}

// Is matches the sentinel for the failure kind.
func (f *Failure) Is(target error) bool {
	s := f.Kind.sentinel()
	return s != nil && target == s
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// NeedsGesture reports whether retrying requires a direct user action
// rather than simply asking again.
func (f *Failure) NeedsGesture() bool {
	return f != nil && errors.Is(f.Err, ErrNoUserGesture)
}
