package compass

import (
	"context"
	"testing"

	"compass-ng/internal/heading"
	"compass-ng/internal/permission"
)

func TestHost_ReloadResetsState(t *testing.T) {
	p := newStub(true, true)
	p.orient = &stubRequester{decision: permission.DecisionGranted}
	h := NewHost(p, Config{})
	first := h.Start()
	defer h.Close()

	ctx := permission.WithUserGesture(context.Background())
	if st, err := h.RequestConsent(ctx); err != nil || st != permission.Granted {
		t.Fatalf("st=%v err=%v", st, err)
	}
	p.emit(heading.Sample{Alpha: fp(90), Beta: fp(0), Gamma: fp(0)})
	if first.Snapshot().HeadingDeg == nil {
		t.Fatalf("expected heading before reload")
	}

	second, err := h.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if second == first || second.ID() == first.ID() {
		t.Fatalf("reload did not mount a new view")
	}
	snap := second.Snapshot()
	if snap.Permission != permission.Unrequested || snap.HeadingDeg != nil || snap.Samples != 0 {
		t.Fatalf("reloaded view kept state: %+v", snap)
	}
	if p.listeners() != 0 {
		t.Fatalf("listeners=%d want=0 after reload", p.listeners())
	}
	if h.Reloads() != 1 {
		t.Fatalf("reloads=%d", h.Reloads())
	}
}

func TestHost_ReconfigureAppliesOnReload(t *testing.T) {
	p := newStub(true, false)
	h := NewHost(p, Config{})
	h.Start()
	defer h.Close()

	h.Reconfigure(Config{Strategy: heading.StrategyRawAlpha})
	if got := h.View().Snapshot().Strategy; got != "corrected" {
		t.Fatalf("strategy changed before reload: %q", got)
	}
	v, _ := h.Reload(context.Background())
	if got := v.Snapshot().Strategy; got != "raw_alpha" {
		t.Fatalf("strategy=%q want raw_alpha", got)
	}
	if p.listeners() != 1 {
		t.Fatalf("listeners=%d want=1", p.listeners())
	}
}

func TestHost_SetPlatformMovesListener(t *testing.T) {
	a := newStub(true, false)
	b := newStub(true, false)
	h := NewHost(a, Config{})
	h.Start()
	if _, err := h.SetPlatform(b); err != nil {
		t.Fatalf("SetPlatform: %v", err)
	}
	if a.listeners() != 0 || b.listeners() != 1 {
		t.Fatalf("a=%d b=%d", a.listeners(), b.listeners())
	}
	h.Close()
	if b.listeners() != 0 {
		t.Fatalf("listener leaked after Close")
	}
	if _, err := h.Reload(context.Background()); err == nil {
		t.Fatalf("expected error reloading a closed host")
	}
}
