package main

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"compass-ng/internal/compass"
	"compass-ng/internal/config"
	"compass-ng/internal/heading"
	"compass-ng/internal/nmea"
	"compass-ng/internal/permission"
	"compass-ng/internal/platform/imu"
	"compass-ng/internal/platform/remote"
	"compass-ng/internal/platform/sim"
	"compass-ng/internal/udp"
	"compass-ng/internal/web"
)

type app struct {
	cfg    config.Config
	status *web.Status
	stream *web.HeadingBroadcaster
	host   *compass.Host
	simDev *sim.Device
	imuDev *imu.Device
	hub    *remote.Hub

	nmeaOut *nmea.Output
	nmeaUDP *udp.Broadcaster

	// platformErr is why the configured sensor could not be opened.
	platformErr string

	consentTimeout atomic.Int64
}

func compassConfig(c config.CompassConfig) (compass.Config, error) {
	strategy, err := heading.ParseStrategy(c.Strategy)
	if err != nil {
		return compass.Config{}, err
	}
	return compass.Config{Strategy: strategy, TiltThresholdDeg: c.TiltThresholdDeg}, nil
}

func newApp(cfg config.Config, clk clock.Clock) (*app, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	cc, err := compassConfig(c.Compass)
	if err != nil {
		return nil, err
	}

	simDev, err := sim.New(sim.Config{
		Variant: c.Platform.Sim.Variant,
		Consent: c.Platform.Sim.Consent,
		Rate:    c.Platform.Sim.Rate,
		Period:  c.Platform.Sim.Period,
		TiltDeg: c.Platform.Sim.TiltDeg,
	}, clk)
	if err != nil {
		return nil, err
	}

	r := &app{
		cfg:    c,
		status: web.NewStatus(),
		stream: web.NewHeadingBroadcaster(),
		simDev: simDev,
	}
	r.consentTimeout.Store(int64(c.Compass.ConsentTimeout))

	sinks := []compass.Sink{r.stream, r.status}
	if c.Output.NMEA.Enable {
		b, err := udp.NewBroadcaster(c.Output.NMEA.Dest)
		if err != nil {
			return nil, fmt.Errorf("nmea output: %w", err)
		}
		r.nmeaUDP = b
		r.nmeaOut = nmea.NewOutput(c.Output.NMEA.Talker)
		sinks = append(sinks, r.nmeaOut)
	}

	var platform permission.Platform = simDev
	switch c.Platform.Kind {
	case "remote":
		// The simulator stands in until a phone connects.
		r.hub = remote.NewHub(r.attach, simDev)
	case "imu":
		// A missing sensor still mounts; the view reports it unavailable.
		dev, err := imu.Open(imu.Config{
			I2CBus:         c.Platform.IMU.I2CBus,
			Addr:           c.Platform.IMU.Addr,
			Rate:           c.Platform.IMU.Rate,
			DeclinationDeg: c.Platform.IMU.DeclinationDeg,
		}, clk)
		if err != nil {
			r.platformErr = err.Error()
		}
		r.imuDev = dev
		platform = dev
	}
	r.host = compass.NewHost(platform, cc, sinks...)

	r.status.SetStatic(c.Platform.Kind, c.Output.NMEA.Dest, r.statusInfo(c))
	return r, nil
}

func (r *app) statusInfo(cfg config.Config) map[string]any {
	info := map[string]any{
		"sim_variant":        cfg.Platform.Sim.Variant,
		"strategy":           cfg.Compass.Strategy,
		"tilt_threshold_deg": cfg.Compass.TiltThresholdDeg,
	}
	if r.platformErr != "" {
		info["platform_error"] = r.platformErr
	}
	return info
}

func (r *app) attach(p permission.Platform) {
	if _, err := r.host.SetPlatform(p); err != nil {
		log.Printf("compass platform switch failed: %v", err)
	}
}

func (r *app) Start() {
	r.host.Start()
}

// ApplySettings makes a saved settings change effective. Compass settings
// reach the next mounted view; the consent timeout applies immediately.
func (r *app) ApplySettings(cfg config.Config) error {
	cc, err := compassConfig(cfg.Compass)
	if err != nil {
		return err
	}
	r.host.Reconfigure(cc)
	r.consentTimeout.Store(int64(cfg.Compass.ConsentTimeout))
	r.status.SetStatic("", "", r.statusInfo(cfg))
	log.Printf("settings applied strategy=%s tilt_threshold_deg=%.1f consent_timeout=%s (effective on reload)",
		cfg.Compass.Strategy, cfg.Compass.TiltThresholdDeg, cfg.Compass.ConsentTimeout)
	return nil
}

func (r *app) WebOptions(configPath string, logs *web.LogBuffer) web.Options {
	opts := web.Options{
		Status:  r.status,
		Compass: r.host,
		Stream:  r.stream,
		Settings: web.SettingsStore{
			ConfigPath: configPath,
			Apply:      r.ApplySettings,
		},
		Logs: logs,
		ConsentTimeout: func() time.Duration {
			return time.Duration(r.consentTimeout.Load())
		},
	}
	if r.hub != nil {
		opts.Device = r.hub
	}
	return opts
}

// RunNMEA sends the latest heading until ctx is done.
func (r *app) RunNMEA(ctx context.Context) error {
	if r.nmeaUDP == nil {
		return nil
	}
	return r.nmeaUDP.Run(ctx, r.cfg.Output.NMEA.Interval, func() []byte {
		b := r.nmeaOut.Next()
		if b != nil {
			r.status.MarkSent(time.Now().UTC(), 1)
		}
		return b
	})
}

func (r *app) Close() {
	r.host.Close()
	if r.imuDev != nil {
		_ = r.imuDev.Close()
	}
	if r.nmeaUDP != nil {
		_ = r.nmeaUDP.Close()
	}
}
