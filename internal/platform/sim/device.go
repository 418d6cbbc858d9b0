package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"compass-ng/internal/heading"
	"compass-ng/internal/permission"
)

const (
	VariantIOS         = "ios"
	VariantIPadOS      = "ipados"
	VariantAndroid     = "android"
	VariantUnavailable = "unavailable"

	ConsentGrant     = "grant"
	ConsentDeny      = "deny"
	ConsentDenyFirst = "deny_first"
	ConsentError     = "error"
)

var identifiers = map[string]string{
	VariantIOS:     "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
	VariantIPadOS:  "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
	VariantAndroid: "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Mobile Safari/537.36",
}

type Config struct {
	Variant string
	Consent string
	// Rate is the sample interval.
	Rate time.Duration
	// Period is the time for one full turn of the simulated device.
	Period time.Duration
	// TiltDeg is the amplitude of the simulated beta/gamma wobble.
	TiltDeg float64
}

// Device is a deterministic simulated handset. The device turns through
// 360 degrees every Period while wobbling about both tilt axes.
type Device struct {
	cfg   Config
	clock clock.Clock
	start time.Time

	mu       sync.Mutex
	requests int
}

func New(cfg Config, c clock.Clock) (*Device, error) {
	if c == nil {
		c = clock.New()
	}
	switch cfg.Variant {
	case "":
		cfg.Variant = VariantIOS
	case VariantIOS, VariantIPadOS, VariantAndroid, VariantUnavailable:
	default:
		return nil, fmt.Errorf("sim: unknown variant %q", cfg.Variant)
	}
	switch cfg.Consent {
	case "":
		cfg.Consent = ConsentGrant
	case ConsentGrant, ConsentDeny, ConsentDenyFirst, ConsentError:
	default:
		return nil, fmt.Errorf("sim: unknown consent %q", cfg.Consent)
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 50 * time.Millisecond
	}
	if cfg.Period <= 0 {
		cfg.Period = 60 * time.Second
	}
	return &Device{cfg: cfg, clock: c, start: c.Now()}, nil
}

func (d *Device) Variant() string {
	return d.cfg.Variant
}

func (d *Device) OrientationSupported() bool {
	return d.cfg.Variant != VariantUnavailable
}

func (d *Device) ConsentProbe() permission.Probe {
	switch d.cfg.Variant {
	case VariantIOS:
		return permission.ProbePresent
	case VariantIPadOS:
		return permission.ProbeUnknown
	default:
		return permission.ProbeAbsent
	}
}

func (d *Device) Identifier() string {
	return identifiers[d.cfg.Variant]
}

func (d *Device) Requester(c permission.Capability) permission.Requester {
	switch d.cfg.Variant {
	case VariantIOS, VariantIPadOS:
		return requester{d: d, c: c}
	}
	return nil
}

// ConsentRequests counts consent prompts shown so far.
func (d *Device) ConsentRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests
}

type requester struct {
	d *Device
	c permission.Capability
}

func (r requester) RequestPermission(ctx context.Context) (permission.Decision, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.d.mu.Lock()
	r.d.requests++
	n := r.d.requests
	r.d.mu.Unlock()

	switch r.d.cfg.Consent {
	case ConsentDeny:
		return permission.DecisionDenied, nil
	case ConsentDenyFirst:
		if n == 1 {
			return permission.DecisionDenied, nil
		}
		return permission.DecisionGranted, nil
	case ConsentError:
		return "", fmt.Errorf("sim: %s permission request rejected", r.c)
	default:
		return permission.DecisionGranted, nil
	}
}

// SampleAt returns the deterministic reading for now.
func (d *Device) SampleAt(now time.Time) heading.Sample {
	elapsed := now.Sub(d.start)
	if elapsed < 0 {
		elapsed = 0
	}
	phase := float64(elapsed%d.cfg.Period) / float64(d.cfg.Period)
	w := 2 * math.Pi * phase

	h := heading.Normalize(phase * 360)
	beta := d.cfg.TiltDeg * math.Sin(2*w)
	gamma := d.cfg.TiltDeg * math.Cos(3*w)

	s := heading.Sample{Alpha: &h, Beta: &beta, Gamma: &gamma}
	if d.cfg.Variant == VariantIOS || d.cfg.Variant == VariantIPadOS {
		// Vendor bearing runs clockwise.
		ch := heading.Normalize(360 - h)
		s.CompassHeading = &ch
	}
	return s
}

// Listen emits a sample every Rate until stop is called. stop waits for the
// emitting goroutine, so fn is never called after it returns.
func (d *Device) Listen(fn func(heading.Sample)) (stop func()) {
	if fn == nil || !d.OrientationSupported() {
		return func() {}
	}
	t := d.clock.Ticker(d.cfg.Rate)
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				select {
				case <-done:
					return
				default:
				}
				fn(d.SampleAt(d.clock.Now()))
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}
