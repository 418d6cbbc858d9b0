package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Web      WebConfig      `yaml:"web"`
	Compass  CompassConfig  `yaml:"compass"`
	Platform PlatformConfig `yaml:"platform"`
	Output   OutputConfig   `yaml:"output"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type CompassConfig struct {
	// Strategy is "corrected" or "raw_alpha".
	Strategy         string  `yaml:"strategy"`
	TiltThresholdDeg float64 `yaml:"tilt_threshold_deg"`
	// ConsentTimeout bounds a consent request made through the web API.
	ConsentTimeout time.Duration `yaml:"consent_timeout"`
}

type PlatformConfig struct {
	// Kind is "sim", "remote" or "imu".
	Kind string            `yaml:"kind"`
	Sim  SimPlatformConfig `yaml:"sim"`
	IMU  IMUPlatformConfig `yaml:"imu"`
}

type SimPlatformConfig struct {
	Variant string        `yaml:"variant"`
	Consent string        `yaml:"consent"`
	Rate    time.Duration `yaml:"rate"`
	Period  time.Duration `yaml:"period"`
	TiltDeg float64       `yaml:"tilt_deg"`
}

// IMUPlatformConfig selects an ICM-20948 on a Linux I2C bus.
type IMUPlatformConfig struct {
	I2CBus         int           `yaml:"i2c_bus"`
	Addr           uint16        `yaml:"addr"`
	Rate           time.Duration `yaml:"rate"`
	DeclinationDeg float64       `yaml:"declination_deg"`
}

type OutputConfig struct {
	NMEA NMEAOutputConfig `yaml:"nmea"`
}

type NMEAOutputConfig struct {
	Enable   bool          `yaml:"enable"`
	Dest     string        `yaml:"dest"`
	Talker   string        `yaml:"talker"`
	Interval time.Duration `yaml:"interval"`
}

var yamlLinePrefix = regexp.MustCompile(`^line \d+: `)

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			label := "config has invalid values"
			msgs := make([]string, 0, len(te.Errors))
			for _, m := range te.Errors {
				if strings.Contains(m, "not found in type") {
					label = "config contains unknown fields"
				}
				msgs = append(msgs, yamlLinePrefix.ReplaceAllString(m, ""))
			}
			return Config{}, fmt.Errorf("%s: %s", label, strings.Join(msgs, "; "))
		}
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills defaults in place and rejects invalid values.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if strings.TrimSpace(cfg.Web.Listen) == "" {
		cfg.Web.Listen = ":8080"
	}
	if _, _, err := net.SplitHostPort(cfg.Web.Listen); err != nil {
		return fmt.Errorf("web.listen invalid: %v", err)
	}

	switch cfg.Compass.Strategy {
	case "":
		cfg.Compass.Strategy = "corrected"
	case "corrected", "raw_alpha":
	default:
		return fmt.Errorf("compass.strategy must be corrected or raw_alpha")
	}
	if cfg.Compass.TiltThresholdDeg == 0 {
		cfg.Compass.TiltThresholdDeg = 30
	}
	if cfg.Compass.TiltThresholdDeg < 0 || cfg.Compass.TiltThresholdDeg > 90 {
		return fmt.Errorf("compass.tilt_threshold_deg must be in (0,90]")
	}
	if cfg.Compass.ConsentTimeout == 0 {
		cfg.Compass.ConsentTimeout = 60 * time.Second
	}
	if cfg.Compass.ConsentTimeout < 0 {
		return fmt.Errorf("compass.consent_timeout must be > 0")
	}

	switch cfg.Platform.Kind {
	case "":
		cfg.Platform.Kind = "sim"
	case "sim", "remote", "imu":
	default:
		return fmt.Errorf("platform.kind must be sim, remote or imu")
	}

	// Simulator defaults (safe even when the remote platform is selected;
	// the simulator is the fallback while no device is connected).
	sim := &cfg.Platform.Sim
	switch sim.Variant {
	case "":
		sim.Variant = "ios"
	case "ios", "ipados", "android", "unavailable":
	default:
		return fmt.Errorf("platform.sim.variant must be ios, ipados, android or unavailable")
	}
	switch sim.Consent {
	case "":
		sim.Consent = "grant"
	case "grant", "deny", "deny_first", "error":
	default:
		return fmt.Errorf("platform.sim.consent must be grant, deny, deny_first or error")
	}
	if sim.Rate <= 0 {
		sim.Rate = 50 * time.Millisecond
	}
	if sim.Period <= 0 {
		sim.Period = 60 * time.Second
	}
	if sim.TiltDeg == 0 {
		sim.TiltDeg = 10
	}
	if sim.TiltDeg < 0 || sim.TiltDeg > 90 {
		return fmt.Errorf("platform.sim.tilt_deg must be in [0,90]")
	}

	imu := &cfg.Platform.IMU
	if imu.I2CBus == 0 {
		imu.I2CBus = 1
	}
	if imu.I2CBus < 0 {
		return fmt.Errorf("platform.imu.i2c_bus must be >= 0")
	}
	if imu.Addr == 0 {
		imu.Addr = 0x68
	}
	if imu.Addr > 0x7F {
		return fmt.Errorf("platform.imu.addr must be a 7-bit address")
	}
	if imu.Rate <= 0 {
		imu.Rate = 50 * time.Millisecond
	}
	if imu.DeclinationDeg < -180 || imu.DeclinationDeg > 180 {
		return fmt.Errorf("platform.imu.declination_deg must be in [-180,180]")
	}

	nmea := &cfg.Output.NMEA
	if nmea.Interval <= 0 {
		nmea.Interval = 1 * time.Second
	}
	if nmea.Talker == "" {
		nmea.Talker = "HC"
	}
	if len(nmea.Talker) != 2 {
		return fmt.Errorf("output.nmea.talker must be 2 characters")
	}
	if nmea.Enable && strings.TrimSpace(nmea.Dest) == "" {
		return fmt.Errorf("output.nmea.dest is required when output.nmea.enable is true")
	}

	return nil
}
