package permission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"compass-ng/internal/heading"
)

// State is the consent lifecycle of one manager.
type State int

const (
	Unrequested State = iota
	Pending
	Granted
	Denied
)

func (s State) String() string {
	switch s {
	case Unrequested:
		return "unrequested"
	case Pending:
		return "pending"
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// consentOrder is the request order. Motion goes first.
var consentOrder = [...]Capability{Motion, Orientation}

// Manager mediates access to a platform's orientation stream.
//
// The subscription exists only while the state is Granted. It is created at
// most once per Granted transition and released exactly once by Unsubscribe
// or Close.
type Manager struct {
	platform Platform
	sink     func(heading.Sample)

	flight singleflight.Group

	mu          sync.Mutex
	state       State
	failure     *Failure
	explicit    bool
	stop        func()
	subscribing bool
	released    bool
	closed      bool
}

// New returns a manager that delivers samples from p to sink once granted.
func New(p Platform, sink func(heading.Sample)) *Manager {
	return &Manager{platform: p, sink: sink}
}

// Init probes the platform. Platforms without a consent API are granted and
// subscribed immediately.
func (m *Manager) Init() error {
	if m == nil {
		return fmt.Errorf("permission: manager is nil")
	}
	if m.platform == nil || !m.platform.OrientationSupported() {
		f := &Failure{Kind: KindSensorUnavailable, Capability: Orientation}
		m.mu.Lock()
		m.failure = f
		m.mu.Unlock()
		return f
	}
	explicit := DetectRequiresExplicitConsent(m.platform)
	m.mu.Lock()
	m.explicit = explicit
	m.mu.Unlock()
	if !explicit {
		return m.grant()
	}
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Failure returns the reason the stream is unavailable, or nil.
func (m *Manager) Failure() *Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

// RequiresExplicitConsent reports the result of the probe made by Init.
func (m *Manager) RequiresExplicitConsent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.explicit
}

func (m *Manager) Subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

// RequestConsent runs the consent pipeline. It is a no-op once Granted, and
// concurrent calls share the request already in flight.
//
// A call without a user gesture on a consent-gated platform fails on its own
// and never joins a shared request. The shared request runs with the values
// and deadline of the caller that started it but not its cancellation, so a
// caller going away does not fail the others; every caller returns when the
// shared request settles.
func (m *Manager) RequestConsent(ctx context.Context) (State, error) {
	if m == nil {
		return Unrequested, fmt.Errorf("permission: manager is nil")
	}
	if ctx == nil {
		return Unrequested, fmt.Errorf("permission: ctx is nil")
	}
	m.mu.Lock()
	state, failure, closed := m.state, m.failure, m.closed
	explicit := m.explicit
	m.mu.Unlock()
	if closed {
		return state, ErrClosed
	}
	if state == Granted {
		return Granted, nil
	}
	if failure != nil && failure.Kind == KindSensorUnavailable {
		return state, failure
	}
	if (explicit || DetectRequiresExplicitConsent(m.platform)) && !UserGesture(ctx) {
		return m.rejectWithoutGesture()
	}

	v, err, _ := m.flight.Do("consent", func() (any, error) {
		fctx, cancel := detach(ctx)
		defer cancel()
		return m.runConsent(fctx)
	})
	st, _ := v.(State)
	return st, err
}

// detach keeps ctx's values and deadline but drops its cancellation.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	d := context.WithoutCancel(ctx)
	if dl, ok := ctx.Deadline(); ok {
		return context.WithDeadline(d, dl)
	}
	return context.WithCancel(d)
}

// rejectWithoutGesture denies a gestureless request. A request already
// pending is left alone.
func (m *Manager) rejectWithoutGesture() (State, error) {
	f := &Failure{Kind: KindConsentRequestFailed, Capability: consentOrder[0], Err: ErrNoUserGesture}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Pending || m.state == Granted {
		return m.state, f
	}
	m.state = Denied
	m.failure = f
	return Denied, f
}

func (m *Manager) runConsent(ctx context.Context) (State, error) {
	m.mu.Lock()
	if m.state == Granted {
		m.mu.Unlock()
		return Granted, nil
	}
	m.state = Pending
	m.failure = nil
	m.mu.Unlock()

	for _, c := range consentOrder {
		if f := requestOne(ctx, c, m.platform.Requester(c)); f != nil {
			return m.deny(f)
		}
	}
	if err := m.grant(); err != nil {
		return m.State(), err
	}
	return Granted, nil
}

// requestOne is one pipeline step; nil means continue.
func requestOne(ctx context.Context, c Capability, r Requester) *Failure {
	if r == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &Failure{Kind: KindConsentRequestFailed, Capability: c, Err: err}
	}
	d, err := r.RequestPermission(ctx)
	if err != nil {
		return &Failure{Kind: KindConsentRequestFailed, Capability: c, Err: err}
	}
	switch d {
	case DecisionGranted:
		return nil
	case DecisionDenied:
		return &Failure{Kind: KindConsentDenied, Capability: c}
	default:
		return &Failure{Kind: KindConsentRequestFailed, Capability: c, Err: fmt.Errorf("unexpected decision %q", d)}
	}
}

func (m *Manager) deny(f *Failure) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Denied
	m.failure = f
	return Denied, f
}

func (m *Manager) grant() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.state = Granted
	m.failure = nil
	m.mu.Unlock()
	return m.Subscribe()
}

// Subscribe attaches the sink to the platform's orientation events. It is a
// no-op when already subscribed.
func (m *Manager) Subscribe() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != Granted {
		m.mu.Unlock()
		return ErrNotGranted
	}
	if m.stop != nil || m.subscribing {
		m.mu.Unlock()
		return nil
	}
	if m.released {
		m.mu.Unlock()
		return ErrReleased
	}
	m.subscribing = true
	m.mu.Unlock()

	// Listen runs unlocked: platforms may deliver a first sample before
	// returning, and the sink is free to query the manager.
	stop := m.platform.Listen(m.deliver)

	m.mu.Lock()
	m.subscribing = false
	if m.closed {
		m.mu.Unlock()
		stop()
		return ErrClosed
	}
	m.stop = stop
	m.mu.Unlock()
	return nil
}

// Unsubscribe detaches the sink. Only the first call after a Subscribe
// reaches the platform, and the grant cannot be subscribed again.
func (m *Manager) Unsubscribe() {
	if m == nil {
		return
	}
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	if stop != nil {
		m.released = true
	}
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Close releases the subscription. The manager cannot be granted again;
// a reload builds a new one.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Unsubscribe()
}

func (m *Manager) deliver(s heading.Sample) {
	if m.sink != nil {
		m.sink(s)
	}
}

// Retryable reports whether err from RequestConsent can be retried with
// another RequestConsent call.
func Retryable(err error) bool {
	return errors.Is(err, ErrConsentDenied) || errors.Is(err, ErrConsentRequestFailed)
}
