package remote

import (
	"log"
	"net/http"
	"sync"

	"compass-ng/internal/permission"
)

// Hub accepts device connections and attaches the newest one as the active
// platform. When it disconnects the fallback platform is restored.
type Hub struct {
	attach   func(permission.Platform)
	fallback permission.Platform

	mu      sync.Mutex
	current *Device
}

func NewHub(attach func(permission.Platform), fallback permission.Platform) *Hub {
	return &Hub{attach: attach, fallback: fallback}
}

// Current returns the attached device, or nil.
func (h *Hub) Current() *Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d, err := Accept(w, r)
	if err != nil {
		log.Printf("remote device rejected: %v", err)
		return
	}

	h.mu.Lock()
	prev := h.current
	h.current = d
	h.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	log.Printf("remote device=%s connected ua=%q", d.ID(), d.Identifier())
	if h.attach != nil {
		h.attach(d)
	}

	err = d.Run(r.Context())

	h.mu.Lock()
	stillCurrent := h.current == d
	if stillCurrent {
		h.current = nil
	}
	h.mu.Unlock()
	if err != nil {
		log.Printf("remote device=%s disconnected: %v", d.ID(), err)
	} else {
		log.Printf("remote device=%s disconnected", d.ID())
	}
	if stillCurrent && h.attach != nil {
		h.attach(h.fallback)
	}
}
