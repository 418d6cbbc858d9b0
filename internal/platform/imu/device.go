// Package imu is a compass platform backed by an ICM-20948 on a Linux I2C
// bus. A wired sensor needs no consent, so the stream is granted at mount.
package imu

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"compass-ng/internal/heading"
	"compass-ng/internal/i2c"
	"compass-ng/internal/permission"
	"compass-ng/internal/sensors/icm20948"
)

type Config struct {
	I2CBus int
	Addr   uint16
	Rate   time.Duration
	// DeclinationDeg is added to the magnetic heading, east positive.
	DeclinationDeg float64
}

type reader interface {
	Read() (icm20948.Sample, error)
}

// Device is a platform reading the attached sensor. When the sensor could
// not be opened it reports orientation as unsupported.
type Device struct {
	cfg   Config
	clock clock.Clock
	r     reader
	bus   *i2c.Bus
	id    string

	// mu serializes sensor reads between listeners.
	mu sync.Mutex
}

// Open probes the sensor. On failure the returned device is still usable as
// a platform, reporting orientation as unsupported, alongside the cause.
func Open(cfg Config, c clock.Clock) (*Device, error) {
	if cfg.I2CBus <= 0 {
		cfg.I2CBus = 1
	}
	if cfg.Addr == 0 {
		cfg.Addr = icm20948.DefaultAddress()
	}
	id := fmt.Sprintf("icm20948 i2c-%d@0x%02X", cfg.I2CBus, cfg.Addr)

	bus, err := i2c.OpenNumber(cfg.I2CBus)
	if err != nil {
		log.Printf("imu %s unavailable: %v", id, err)
		return newDevice(cfg, nil, c, id), err
	}
	sensor, err := icm20948.New(bus, cfg.Addr)
	if err != nil {
		_ = bus.Close()
		log.Printf("imu %s unavailable: %v", id, err)
		return newDevice(cfg, nil, c, id), err
	}
	d := newDevice(cfg, sensor, c, id)
	d.bus = bus
	log.Printf("imu %s ready rate=%s declination=%.1f", id, d.cfg.Rate, cfg.DeclinationDeg)
	return d, nil
}

func newDevice(cfg Config, r reader, c clock.Clock, id string) *Device {
	if c == nil {
		c = clock.New()
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 50 * time.Millisecond
	}
	return &Device{cfg: cfg, clock: c, r: r, id: id}
}

func (d *Device) OrientationSupported() bool {
	return d != nil && d.r != nil
}

func (d *Device) ConsentProbe() permission.Probe {
	return permission.ProbeAbsent
}

func (d *Device) Requester(permission.Capability) permission.Requester {
	return nil
}

func (d *Device) Identifier() string {
	return d.id
}

// Listen polls the sensor every Rate. Read errors are logged once per streak
// and skipped. stop waits for the polling goroutine.
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
		failing := false
		for {
			select {
			case <-done:
				return
			case <-t.C:
			}
			d.mu.Lock()
			raw, err := d.r.Read()
			d.mu.Unlock()
			if err != nil {
				if !failing {
					log.Printf("imu %s read failed: %v", d.id, err)
				}
				failing = true
				continue
			}
			if failing {
				log.Printf("imu %s read recovered", d.id)
				failing = false
			}
			select {
			case <-done:
				return
			default:
			}
			fn(SampleFrom(raw, d.cfg.DeclinationDeg))
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

// Close releases the bus.
func (d *Device) Close() error {
	if d == nil || d.bus == nil {
		return nil
	}
	return d.bus.Close()
}

// SampleFrom converts a sensor reading into handset orientation angles.
// Beta is the front-back tilt about the board's X axis and gamma the
// left-right tilt in [-90, 90], both from gravity. The tilt-compensated
// magnetic bearing (plus declination) is the vendor compass field, running
// clockwise; alpha is its counter-clockwise mirror. Both are absent without a
// magnetometer measurement.
func SampleFrom(s icm20948.Sample, declinationDeg float64) heading.Sample {
	roll := math.Atan2(s.Ay, s.Az)
	pitch := math.Atan2(-s.Ax, math.Sqrt(s.Ay*s.Ay+s.Az*s.Az))
	beta := roll * 180 / math.Pi
	gamma := pitch * 180 / math.Pi
	out := heading.Sample{Beta: &beta, Gamma: &gamma}
	if !s.MagValid {
		return out
	}

	sr, cr := math.Sincos(roll)
	sp, cp := math.Sincos(pitch)
	xh := s.Mx*cp + s.My*sr*sp + s.Mz*cr*sp
	yh := s.My*cr - s.Mz*sr
	if xh == 0 && yh == 0 {
		return out
	}
	bearing := heading.Normalize(math.Atan2(-yh, xh)*180/math.Pi + declinationDeg)
	alpha := heading.Normalize(360 - bearing)
	out.Alpha = &alpha
	out.CompassHeading = &bearing
	return out
}
