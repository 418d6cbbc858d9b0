package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"compass-ng/internal/config"
	"compass-ng/internal/heading"
)

type SettingsPayload struct {
	Strategy         string  `json:"strategy"`
	TiltThresholdDeg float64 `json:"tilt_threshold_deg"`
	ConsentTimeout   string  `json:"consent_timeout"`
}

// SettingsPayloadIn is the strict POST schema. Every field is required.
type SettingsPayloadIn struct {
	Strategy         *string  `json:"strategy"`
	TiltThresholdDeg *float64 `json:"tilt_threshold_deg"`
	ConsentTimeout   *string  `json:"consent_timeout"`
}

var settingsPostKeys = []string{
	"strategy",
	"tilt_threshold_deg",
	"consent_timeout",
}

func decodeSettingsPayloadInStrict(body []byte) (SettingsPayloadIn, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	allowed := make(map[string]struct{}, len(settingsPostKeys))
	for _, k := range settingsPostKeys {
		allowed[k] = struct{}{}
	}
	seen := make(map[string]struct{}, len(settingsPostKeys))

	tok, err := dec.Token()
	if err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return SettingsPayloadIn{}, errors.New("invalid json: expected object")
	}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return SettingsPayloadIn{}, errors.New("invalid json: expected string key")
		}
		if _, ok := allowed[key]; !ok {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: unknown key %q", key)
		}
		if _, dup := seen[key]; dup {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: duplicate key %q", key)
		}
		seen[key] = struct{}{}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		if strings.TrimSpace(string(raw)) == "null" {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %q cannot be null", key)
		}
	}
	if _, err := dec.Token(); err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return SettingsPayloadIn{}, errors.New("invalid json: trailing data")
	}
	for _, k := range settingsPostKeys {
		if _, ok := seen[k]; !ok {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: missing required key %q", k)
		}
	}

	var out SettingsPayloadIn
	dec2 := json.NewDecoder(bytes.NewReader(body))
	dec2.DisallowUnknownFields()
	if err := dec2.Decode(&out); err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	return out, nil
}

func configToSettingsPayload(cfg config.Config) SettingsPayload {
	return SettingsPayload{
		Strategy:         cfg.Compass.Strategy,
		TiltThresholdDeg: cfg.Compass.TiltThresholdDeg,
		ConsentTimeout:   cfg.Compass.ConsentTimeout.String(),
	}
}

func applySettingsPayload(cfg *config.Config, p SettingsPayloadIn) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if p.Strategy == nil || p.TiltThresholdDeg == nil || p.ConsentTimeout == nil {
		return errors.New("strategy, tilt_threshold_deg and consent_timeout are required")
	}
	strategy := strings.TrimSpace(*p.Strategy)
	if _, err := heading.ParseStrategy(strategy); err != nil {
		return err
	}
	if *p.TiltThresholdDeg <= 0 {
		return errors.New("tilt_threshold_deg must be > 0")
	}
	timeoutStr := strings.TrimSpace(*p.ConsentTimeout)
	d, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return fmt.Errorf("invalid consent_timeout %q: %w", timeoutStr, err)
	}
	if d <= 0 {
		return errors.New("consent_timeout must be > 0")
	}

	cfg.Compass.Strategy = strategy
	cfg.Compass.TiltThresholdDeg = *p.TiltThresholdDeg
	cfg.Compass.ConsentTimeout = d
	return nil
}

type SettingsStore struct {
	ConfigPath string
	// Apply, when set, is called after validation and before saving.
	// If Apply returns an error, the config is not saved.
	Apply func(cfg config.Config) error
}

func (s SettingsStore) load() (config.Config, error) {
	return config.Load(s.ConfigPath)
}

// save writes the config via a temp file in the same directory and renames
// it into place.
func (s SettingsStore) save(cfg config.Config) error {
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return err
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.ConfigPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.ConfigPath)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.ConfigPath)
}

func (s SettingsStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(s.ConfigPath) == "" {
		http.Error(w, "settings not available (no config path)", http.StatusNotImplemented)
		return
	}

	switch r.Method {
	case http.MethodGet:
		cfg, err := s.load()
		if err != nil {
			http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, configToSettingsPayload(cfg))

	case http.MethodPost:
		if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "application/json" {
			http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
			return
		}
		p, err := decodeSettingsPayloadInStrict(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		oldCfg, err := s.load()
		if err != nil {
			http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
			return
		}
		cfg := oldCfg
		if err := applySettingsPayload(&cfg, p); err != nil {
			http.Error(w, fmt.Sprintf("invalid settings: %v", err), http.StatusBadRequest)
			return
		}
		if err := config.DefaultAndValidate(&cfg); err != nil {
			http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
			return
		}
		if s.Apply != nil {
			if err := s.Apply(cfg); err != nil {
				http.Error(w, fmt.Sprintf("apply failed: %v", err), http.StatusBadRequest)
				return
			}
		}
		if err := s.save(cfg); err != nil {
			// Roll back so the runtime matches what is on disk.
			if s.Apply != nil {
				_ = s.Apply(oldCfg)
			}
			http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, configToSettingsPayload(cfg))

	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
