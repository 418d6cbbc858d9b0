package permission

import (
	"context"
	"regexp"
)

// Identifiers of browsers known to gate orientation events behind a
// gesture-triggered prompt. iPadOS desktop mode reports as Macintosh but
// keeps the Mobile/ token.
var consentGatedIdentifier = regexp.MustCompile(`iPhone|iPad|iPod|Macintosh.*Mobile/`)

// DetectRequiresExplicitConsent reports whether p needs a consent request
// before orientation events are delivered.
func DetectRequiresExplicitConsent(p Platform) bool {
	if p == nil {
		return false
	}
	switch p.ConsentProbe() {
	case ProbePresent:
		return true
	case ProbeAbsent:
		return false
	}
	return consentGatedIdentifier.MatchString(p.Identifier())
}

type gestureKey struct{}

// WithUserGesture marks ctx as running on behalf of a direct user action.
func WithUserGesture(ctx context.Context) context.Context {
	return context.WithValue(ctx, gestureKey{}, true)
}

// UserGesture reports whether ctx was marked by WithUserGesture.
func UserGesture(ctx context.Context) bool {
	v, _ := ctx.Value(gestureKey{}).(bool)
	return v
}
