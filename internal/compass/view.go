package compass

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"compass-ng/internal/heading"
	"compass-ng/internal/permission"
)

const (
	msgSensorUnavailable = "the orientation sensor is not available on this device"
	msgConsentDenied     = "motion and orientation access was denied; allow access and try again, or reload"
	msgConsentFailed     = "sensor access request failed; try again, or reload"
	msgNeedsGesture      = "tap Enable compass to allow motion and orientation access"
)

type Config struct {
	Strategy         heading.Strategy
	TiltThresholdDeg float64
}

// Reading is the presentation view of one mounted compass.
//
// Angles are in degrees and omitted (null) when unknown.
type Reading struct {
	ViewID          string           `json:"view_id"`
	Permission      permission.State `json:"permission"`
	RequiresConsent bool             `json:"requires_consent"`
	Subscribed      bool             `json:"subscribed"`

	// HeadingDeg is the dial rotation; BearingDeg is clockwise from north.
	HeadingDeg *float64     `json:"heading_deg,omitempty"`
	BearingDeg *float64     `json:"bearing_deg,omitempty"`
	Cardinal   string       `json:"cardinal,omitempty"`
	Mode       heading.Mode `json:"mode"`
	Strategy   string       `json:"strategy"`

	TiltWarning bool   `json:"tilt_warning"`
	TiltMessage string `json:"tilt_message,omitempty"`

	AlphaDeg          *float64 `json:"alpha_deg,omitempty"`
	BetaDeg           *float64 `json:"beta_deg,omitempty"`
	GammaDeg          *float64 `json:"gamma_deg,omitempty"`
	CompassHeadingDeg *float64 `json:"compass_heading_deg,omitempty"`

	ErrorKind permission.Kind `json:"error_kind"`
	Error     string          `json:"error,omitempty"`

	Samples       uint64 `json:"samples"`
	LastUpdateUTC string `json:"last_update_utc,omitempty"`
}

// Sink receives every reading a view produces. Publish is called on the
// sample delivery path and must not block.
type Sink interface {
	Publish(r Reading)
}

// View is one mounted compass: a permission manager feeding a normalizer.
type View struct {
	id    string
	cfg   Config
	sinks []Sink
	mgr   *permission.Manager

	mu   sync.Mutex
	norm *heading.Normalizer
	snap Reading

	closeOnce sync.Once
}

func NewView(p permission.Platform, cfg Config, sinks ...Sink) *View {
	v := &View{
		id:    uuid.NewString(),
		cfg:   cfg,
		sinks: sinks,
		norm:  heading.NewNormalizer(cfg.Strategy, cfg.TiltThresholdDeg),
	}
	v.snap = Reading{ViewID: v.id, Strategy: cfg.Strategy.String()}
	v.mgr = permission.New(p, v.handleSample)
	return v
}

func (v *View) ID() string {
	return v.id
}

// Mount probes the platform and subscribes when no consent is needed.
// A failure is recorded in the reading; the returned error is informational.
func (v *View) Mount() error {
	if v == nil {
		return errors.New("compass: view is nil")
	}
	err := v.mgr.Init()
	v.refresh(err)
	snap := v.Snapshot()
	log.Printf("compass view=%s mounted permission=%s requires_consent=%t", v.id, snap.Permission, snap.RequiresConsent)
	if err != nil {
		log.Printf("compass view=%s init failed: %v", v.id, err)
	}
	return err
}

// RequestConsent is the enable/retry action. ctx should carry
// permission.WithUserGesture when triggered by the user.
func (v *View) RequestConsent(ctx context.Context) (permission.State, error) {
	if v == nil {
		return permission.Unrequested, errors.New("compass: view is nil")
	}
	st, err := v.mgr.RequestConsent(ctx)
	v.refresh(err)
	if err != nil {
		log.Printf("compass view=%s consent state=%s: %v", v.id, st, err)
	} else {
		log.Printf("compass view=%s consent state=%s", v.id, st)
	}
	return st, err
}

// Close releases the sensor subscription. Safe to call more than once.
func (v *View) Close() {
	if v == nil {
		return
	}
	v.closeOnce.Do(func() {
		v.mgr.Close()
		v.mu.Lock()
		v.snap.Subscribed = false
		snap := v.snap
		v.mu.Unlock()
		v.publish(snap)
		log.Printf("compass view=%s closed", v.id)
	})
}

func (v *View) Snapshot() Reading {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snap
}

// refresh copies permission state into the reading and publishes it.
func (v *View) refresh(err error) {
	f := v.mgr.Failure()
	v.mu.Lock()
	v.snap.Permission = v.mgr.State()
	v.snap.RequiresConsent = v.mgr.RequiresExplicitConsent()
	v.snap.Subscribed = v.mgr.Subscribed()
	v.snap.ErrorKind, v.snap.Error = describeFailure(f)
	if f == nil && err != nil && !errors.Is(err, permission.ErrClosed) {
		v.snap.Error = err.Error()
	}
	snap := v.snap
	v.mu.Unlock()
	v.publish(snap)
}

func describeFailure(f *permission.Failure) (permission.Kind, string) {
	if f == nil {
		return permission.KindNone, ""
	}
	switch f.Kind {
	case permission.KindSensorUnavailable:
		return f.Kind, msgSensorUnavailable
	case permission.KindConsentDenied:
		return f.Kind, msgConsentDenied
	case permission.KindConsentRequestFailed:
		if f.NeedsGesture() {
			return f.Kind, msgNeedsGesture
		}
		return f.Kind, msgConsentFailed
	}
	return f.Kind, f.Error()
}

// handleSample runs on the platform's delivery path.
func (v *View) handleSample(s heading.Sample) {
	v.mu.Lock()
	r := v.norm.Update(s)
	v.snap.Subscribed = true
	v.snap.Samples++
	v.snap.AlphaDeg = copyFloat(s.Alpha)
	v.snap.BetaDeg = copyFloat(s.Beta)
	v.snap.GammaDeg = copyFloat(s.Gamma)
	v.snap.CompassHeadingDeg = copyFloat(s.CompassHeading)
	if r.HeadingValid {
		h := r.HeadingDeg
		b := heading.Bearing(h)
		v.snap.HeadingDeg = &h
		v.snap.BearingDeg = &b
		v.snap.Cardinal = heading.Cardinal(b)
		v.snap.Mode = r.Mode
	}
	v.snap.TiltWarning = r.Tilt
	v.snap.TiltMessage = ""
	if r.Tilt {
		v.snap.TiltMessage = heading.TiltMessage
	}
	v.snap.LastUpdateUTC = time.Now().UTC().Format(time.RFC3339Nano)
	snap := v.snap
	v.mu.Unlock()
	v.publish(snap)
}

func (v *View) publish(r Reading) {
	for _, s := range v.sinks {
		if s != nil {
			s.Publish(r)
		}
	}
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	x := *p
	return &x
}
