package compass

import (
	"context"
	"errors"
	"log"
	"sync"

	"compass-ng/internal/permission"
)

// Host owns the currently mounted view. Reload is the full-restart path:
// it tears the view down and mounts a fresh one with all state reset, which
// is the only way out of Granted and the remedy for platforms that cache a
// denial for the session.
type Host struct {
	mu       sync.Mutex
	platform permission.Platform
	cfg      Config
	sinks    []Sink
	view     *View
	reloads  uint64
	closed   bool
}

func NewHost(p permission.Platform, cfg Config, sinks ...Sink) *Host {
	return &Host{platform: p, cfg: cfg, sinks: sinks}
}

// Start mounts the first view.
func (h *Host) Start() *View {
	v, _ := h.remount(nil)
	return v
}

// View returns the mounted view, or nil before Start.
func (h *Host) View() *View {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.view
}

func (h *Host) Config() Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

func (h *Host) Reloads() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reloads
}

// Reconfigure stores cfg for the next mounted view.
func (h *Host) Reconfigure(cfg Config) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

// Reload closes the current view and mounts a new one.
func (h *Host) Reload(ctx context.Context) (*View, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return h.View(), err
		}
	}
	return h.remount(nil)
}

// SetPlatform swaps the platform and reloads. Used when a remote device
// connects or goes away.
func (h *Host) SetPlatform(p permission.Platform) (*View, error) {
	return h.remount(&p)
}

// RequestConsent forwards to the mounted view.
func (h *Host) RequestConsent(ctx context.Context) (permission.State, error) {
	v := h.View()
	if v == nil {
		return permission.Unrequested, errors.New("compass: no view mounted")
	}
	return v.RequestConsent(ctx)
}

// Close tears down the mounted view. The host cannot be reused.
func (h *Host) Close() {
	h.mu.Lock()
	v := h.view
	h.view = nil
	h.closed = true
	h.mu.Unlock()
	v.Close()
}

func (h *Host) remount(p *permission.Platform) (*View, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.New("compass: host closed")
	}
	old := h.view
	if p != nil {
		h.platform = *p
	}
	next := NewView(h.platform, h.cfg, h.sinks...)
	h.view = next
	if old != nil {
		h.reloads++
	}
	h.mu.Unlock()

	// Release the old listener before attaching the new one.
	if old != nil {
		old.Close()
		log.Printf("compass reload old_view=%s new_view=%s", old.ID(), next.ID())
	}
	_ = next.Mount()
	return next, nil
}
