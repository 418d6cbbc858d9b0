package permission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"compass-ng/internal/heading"
)

type fakeRequester struct {
	mu        sync.Mutex
	calls     int
	decisions []Decision
	err       error
	block     chan struct{}
}

func (r *fakeRequester) RequestPermission(ctx context.Context) (Decision, error) {
	r.mu.Lock()
	r.calls++
	idx := r.calls - 1
	block := r.block
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.err != nil {
		return "", r.err
	}
	if idx < len(r.decisions) {
		return r.decisions[idx], nil
	}
	return r.decisions[len(r.decisions)-1], nil
}

func (r *fakeRequester) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakePlatform struct {
	supported  bool
	probe      Probe
	identifier string
	motion     *fakeRequester
	orient     *fakeRequester

	mu      sync.Mutex
	listens int
	stops   int
	fn      func(heading.Sample)
	order   []Capability
}

func (p *fakePlatform) OrientationSupported() bool { return p.supported }
func (p *fakePlatform) ConsentProbe() Probe        { return p.probe }
func (p *fakePlatform) Identifier() string         { return p.identifier }

func (p *fakePlatform) Requester(c Capability) Requester {
	var r *fakeRequester
	switch c {
	case Motion:
		r = p.motion
	case Orientation:
		r = p.orient
	}
	if r == nil {
		return nil
	}
	return orderedRequester{p: p, c: c, r: r}
}

type orderedRequester struct {
	p *fakePlatform
	c Capability
	r *fakeRequester
}

func (o orderedRequester) RequestPermission(ctx context.Context) (Decision, error) {
	o.p.mu.Lock()
	o.p.order = append(o.p.order, o.c)
	o.p.mu.Unlock()
	return o.r.RequestPermission(ctx)
}

func (p *fakePlatform) Listen(fn func(heading.Sample)) func() {
	p.mu.Lock()
	p.listens++
	p.fn = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.stops++
		p.fn = nil
		p.mu.Unlock()
	}
}

func (p *fakePlatform) emit(s heading.Sample) bool {
	p.mu.Lock()
	fn := p.fn
	p.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(s)
	return true
}

func (p *fakePlatform) counts() (listens, stops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listens, p.stops
}

func gestureCtx() context.Context {
	return WithUserGesture(context.Background())
}

func TestInit_NoConsentCapabilityGrantsImmediately(t *testing.T) {
	p := &fakePlatform{supported: true, probe: ProbeAbsent, identifier: "Mozilla/5.0 (Linux; Android 14)"}
	var got []heading.Sample
	m := New(p, func(s heading.Sample) { got = append(got, s) })
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if m.State() != Granted {
		t.Fatalf("state=%v want granted", m.State())
	}
	if !m.Subscribed() {
		t.Fatalf("expected subscription")
	}
	if listens, _ := p.counts(); listens != 1 {
		t.Fatalf("listens=%d want=1", listens)
	}
	if !p.emit(heading.Sample{}) || len(got) != 1 {
		t.Fatalf("sample not delivered")
	}
}

func TestInit_SensorUnavailable(t *testing.T) {
	p := &fakePlatform{supported: false}
	m := New(p, nil)
	err := m.Init()
	if !errors.Is(err, ErrSensorUnavailable) {
		t.Fatalf("err=%v want sensor unavailable", err)
	}
	if m.Subscribed() {
		t.Fatalf("unexpected subscription")
	}
	if _, err := m.RequestConsent(gestureCtx()); !errors.Is(err, ErrSensorUnavailable) {
		t.Fatalf("RequestConsent err=%v", err)
	}
	if Retryable(err) {
		t.Fatalf("sensor unavailable must not be retryable")
	}
}

func TestRequestConsent_DenyThenGrant(t *testing.T) {
	motion := &fakeRequester{decisions: []Decision{DecisionGranted}}
	orient := &fakeRequester{decisions: []Decision{DecisionDenied, DecisionGranted}}
	p := &fakePlatform{supported: true, probe: ProbePresent, motion: motion, orient: orient}
	m := New(p, nil)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if m.State() != Unrequested {
		t.Fatalf("state=%v want unrequested", m.State())
	}

	st, err := m.RequestConsent(gestureCtx())
	if st != Denied || !errors.Is(err, ErrConsentDenied) {
		t.Fatalf("first request st=%v err=%v", st, err)
	}
	if f := m.Failure(); f == nil || f.Kind != KindConsentDenied || f.Capability != Orientation {
		t.Fatalf("failure=%+v", f)
	}
	if m.Subscribed() {
		t.Fatalf("denied manager must not be subscribed")
	}

	st, err = m.RequestConsent(gestureCtx())
	if err != nil || st != Granted {
		t.Fatalf("retry st=%v err=%v", st, err)
	}
	if !m.Subscribed() {
		t.Fatalf("expected subscription after grant")
	}

	motionCalls, orientCalls := motion.Calls(), orient.Calls()
	st, err = m.RequestConsent(gestureCtx())
	if err != nil || st != Granted {
		t.Fatalf("granted no-op st=%v err=%v", st, err)
	}
	if motion.Calls() != motionCalls || orient.Calls() != orientCalls {
		t.Fatalf("granted request re-invoked the platform")
	}
	if listens, _ := p.counts(); listens != 1 {
		t.Fatalf("listens=%d want=1", listens)
	}
}

func TestRequestConsent_MotionBeforeOrientationAndShortCircuit(t *testing.T) {
	motion := &fakeRequester{decisions: []Decision{DecisionDenied}}
	orient := &fakeRequester{decisions: []Decision{DecisionGranted}}
	p := &fakePlatform{supported: true, probe: ProbePresent, motion: motion, orient: orient}
	m := New(p, nil)
	_ = m.Init()

	if _, err := m.RequestConsent(gestureCtx()); !errors.Is(err, ErrConsentDenied) {
		t.Fatalf("err=%v", err)
	}
	if orient.Calls() != 0 {
		t.Fatalf("orientation requested after motion denial")
	}

	motion.mu.Lock()
	motion.decisions = []Decision{DecisionGranted}
	motion.mu.Unlock()
	if _, err := m.RequestConsent(gestureCtx()); err != nil {
		t.Fatalf("err=%v", err)
	}
	p.mu.Lock()
	order := append([]Capability(nil), p.order...)
	p.mu.Unlock()
	want := []Capability{Motion, Motion, Orientation}
	if len(order) != len(want) {
		t.Fatalf("order=%v want=%v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order=%v want=%v", order, want)
		}
	}
}

func TestRequestConsent_PlatformErrorIsRequestFailed(t *testing.T) {
	boom := errors.New("NotAllowedError")
	p := &fakePlatform{supported: true, probe: ProbePresent, orient: &fakeRequester{err: boom}}
	m := New(p, nil)
	_ = m.Init()

	st, err := m.RequestConsent(gestureCtx())
	if st != Denied {
		t.Fatalf("state=%v want denied", st)
	}
	if !errors.Is(err, ErrConsentRequestFailed) || errors.Is(err, ErrConsentDenied) {
		t.Fatalf("err=%v want request failed only", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v should wrap platform error", err)
	}
	if !Retryable(err) {
		t.Fatalf("request failure should be retryable")
	}
}

func TestRequestConsent_WithoutGestureFailsFast(t *testing.T) {
	orient := &fakeRequester{decisions: []Decision{DecisionGranted}, block: make(chan struct{})}
	p := &fakePlatform{supported: true, probe: ProbePresent, orient: orient}
	m := New(p, nil)
	_ = m.Init()

	st, err := m.RequestConsent(context.Background())
	if st != Denied || !errors.Is(err, ErrNoUserGesture) {
		t.Fatalf("st=%v err=%v", st, err)
	}
	if !m.Failure().NeedsGesture() {
		t.Fatalf("expected NeedsGesture")
	}
	if orient.Calls() != 0 {
		t.Fatalf("platform invoked without gesture")
	}
}

func TestRequestConsent_PendingIsNotDuplicated(t *testing.T) {
	orient := &fakeRequester{decisions: []Decision{DecisionGranted}, block: make(chan struct{})}
	p := &fakePlatform{supported: true, probe: ProbePresent, orient: orient}
	m := New(p, nil)
	_ = m.Init()

	const n = 4
	var wg sync.WaitGroup
	results := make(chan State, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, _ := m.RequestConsent(gestureCtx())
			results <- st
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.State() != Pending || orient.Calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("request never became pending")
		}
		time.Sleep(time.Millisecond)
	}
	// Give the remaining callers time to join the in-flight request.
	time.Sleep(20 * time.Millisecond)
	close(orient.block)
	wg.Wait()
	close(results)

	for st := range results {
		if st != Granted {
			t.Fatalf("state=%v want granted", st)
		}
	}
	if orient.Calls() != 1 {
		t.Fatalf("calls=%d want=1", orient.Calls())
	}
	if listens, _ := p.counts(); listens != 1 {
		t.Fatalf("listens=%d want=1", listens)
	}
}

func waitPending(t *testing.T, m *Manager, r *fakeRequester) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.State() != Pending || r.Calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("request never became pending")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRequestConsent_GesturelessCallDoesNotJoinPending(t *testing.T) {
	orient := &fakeRequester{decisions: []Decision{DecisionGranted}, block: make(chan struct{})}
	p := &fakePlatform{supported: true, probe: ProbePresent, orient: orient}
	m := New(p, nil)
	_ = m.Init()

	done := make(chan State, 1)
	go func() {
		st, _ := m.RequestConsent(gestureCtx())
		done <- st
	}()
	waitPending(t, m, orient)

	st, err := m.RequestConsent(context.Background())
	if st != Pending || !errors.Is(err, ErrNoUserGesture) {
		t.Fatalf("gestureless st=%v err=%v", st, err)
	}
	if m.State() != Pending {
		t.Fatalf("pending request disturbed: state=%v", m.State())
	}

	close(orient.block)
	if st := <-done; st != Granted {
		t.Fatalf("gesture request st=%v want granted", st)
	}
	if orient.Calls() != 1 {
		t.Fatalf("calls=%d want=1", orient.Calls())
	}
}

func TestRequestConsent_StarterCancelDoesNotFailJoined(t *testing.T) {
	orient := &fakeRequester{decisions: []Decision{DecisionGranted}, block: make(chan struct{})}
	p := &fakePlatform{supported: true, probe: ProbePresent, orient: orient}
	m := New(p, nil)
	_ = m.Init()

	ctx, cancel := context.WithCancel(gestureCtx())
	defer cancel()
	results := make(chan error, 2)
	go func() {
		_, err := m.RequestConsent(ctx)
		results <- err
	}()
	waitPending(t, m, orient)
	go func() {
		_, err := m.RequestConsent(gestureCtx())
		results <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// The starting client disconnects; the prompt is still answered.
	cancel()
	time.Sleep(10 * time.Millisecond)
	close(orient.block)

	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("caller %d err=%v", i, err)
		}
	}
	if m.State() != Granted || orient.Calls() != 1 {
		t.Fatalf("state=%v calls=%d", m.State(), orient.Calls())
	}
}

func TestRequestConsent_ContextCanceled(t *testing.T) {
	orient := &fakeRequester{decisions: []Decision{DecisionGranted}, block: make(chan struct{})}
	p := &fakePlatform{supported: true, probe: ProbePresent, orient: orient}
	m := New(p, nil)
	_ = m.Init()

	ctx, cancel := context.WithTimeout(gestureCtx(), 10*time.Millisecond)
	defer cancel()
	st, err := m.RequestConsent(ctx)
	if st != Denied || !errors.Is(err, ErrConsentRequestFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("st=%v err=%v", st, err)
	}
}

func TestClose_UnsubscribesExactlyOnce(t *testing.T) {
	p := &fakePlatform{supported: true, probe: ProbeAbsent}
	m := New(p, func(heading.Sample) {})
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	m.Close()
	m.Close()
	m.Unsubscribe()
	if _, stops := p.counts(); stops != 1 {
		t.Fatalf("stops=%d want=1", stops)
	}
	if m.Subscribed() {
		t.Fatalf("still subscribed after Close")
	}
	if err := m.Subscribe(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe after Close err=%v", err)
	}
	if _, err := m.RequestConsent(gestureCtx()); !errors.Is(err, ErrClosed) {
		t.Fatalf("RequestConsent after Close err=%v", err)
	}
}

func TestSubscribe_RequiresGrantAndIsIdempotent(t *testing.T) {
	p := &fakePlatform{supported: true, probe: ProbePresent, orient: &fakeRequester{decisions: []Decision{DecisionGranted}}}
	m := New(p, nil)
	_ = m.Init()
	if err := m.Subscribe(); !errors.Is(err, ErrNotGranted) {
		t.Fatalf("err=%v want not granted", err)
	}
	if _, err := m.RequestConsent(gestureCtx()); err != nil {
		t.Fatalf("RequestConsent: %v", err)
	}
	if err := m.Subscribe(); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if listens, _ := p.counts(); listens != 1 {
		t.Fatalf("listens=%d want=1", listens)
	}
	m.Unsubscribe()
	if err := m.Subscribe(); !errors.Is(err, ErrReleased) {
		t.Fatalf("resubscribe err=%v want released", err)
	}
}
