package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"compass-ng/internal/heading"
	"compass-ng/internal/permission"
)

// Frame types exchanged with the device page.
const (
	FrameHello          = "hello"
	FrameOrientation    = "orientation"
	FrameConsentRequest = "consent_request"
	FrameConsentResult  = "consent_result"
)

const (
	socketBufferSize  = 1024
	sendBufferSize    = 16
	helloTimeout      = 5 * time.Second
	writeTimeout      = 5 * time.Second
	maxFrameSizeBytes = 4096
)

var ErrDisconnected = errors.New("remote: device disconnected")

// Frame is one JSON websocket message. Orientation frames carry the sample
// fields inline.
type Frame struct {
	Type string `json:"type"`

	// hello
	UserAgent            string `json:"user_agent,omitempty"`
	OrientationSupported *bool  `json:"orientation_supported,omitempty"`
	// ConsentAPI is whether DeviceOrientationEvent.requestPermission exists;
	// omitted when the page could not tell.
	ConsentAPI *bool `json:"consent_api,omitempty"`

	// consent_request / consent_result
	ID         string `json:"id,omitempty"`
	Capability string `json:"capability,omitempty"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`

	*heading.Sample
}

var upgrader = &websocket.Upgrader{ReadBufferSize: socketBufferSize, WriteBufferSize: socketBufferSize}

// Device is a phone connected over a websocket, acting as the platform.
type Device struct {
	id    string
	conn  *websocket.Conn
	hello Frame

	send chan Frame
	done chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string]chan Frame

	// lmu is held while listeners run so stop can wait them out.
	lmu       sync.Mutex
	listeners map[int]func(heading.Sample)
	nextID    int
}

// Accept upgrades the request and waits for the device hello.
func Accept(w http.ResponseWriter, r *http.Request) (*Device, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: upgrade: %w", err)
	}
	conn.SetReadLimit(maxFrameSizeBytes)
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("remote: read hello: %w", err)
	}
	if hello.Type != FrameHello {
		_ = conn.Close()
		return nil, fmt.Errorf("remote: expected hello, got %q", hello.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	d := &Device{
		id:        uuid.NewString(),
		conn:      conn,
		hello:     hello,
		send:      make(chan Frame, sendBufferSize),
		done:      make(chan struct{}),
		pending:   make(map[string]chan Frame),
		listeners: make(map[int]func(heading.Sample)),
	}
	go d.write()
	return d, nil
}

func (d *Device) ID() string {
	return d.id
}

func (d *Device) OrientationSupported() bool {
	return d.hello.OrientationSupported == nil || *d.hello.OrientationSupported
}

func (d *Device) ConsentProbe() permission.Probe {
	if d.hello.ConsentAPI == nil {
		return permission.ProbeUnknown
	}
	if *d.hello.ConsentAPI {
		return permission.ProbePresent
	}
	return permission.ProbeAbsent
}

func (d *Device) Identifier() string {
	return d.hello.UserAgent
}

func (d *Device) Requester(c permission.Capability) permission.Requester {
	if d.hello.ConsentAPI != nil && !*d.hello.ConsentAPI {
		return nil
	}
	return requester{d: d, c: c}
}

func (d *Device) Listen(fn func(heading.Sample)) (stop func()) {
	if fn == nil {
		return func() {}
	}
	d.lmu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.lmu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.lmu.Lock()
			delete(d.listeners, id)
			d.lmu.Unlock()
		})
	}
}

// Done is closed once the connection is gone.
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// Run reads frames until the connection drops or ctx is done.
func (d *Device) Run(ctx context.Context) error {
	defer d.Close()
	go func() {
		select {
		case <-ctx.Done():
			d.Close()
		case <-d.done:
		}
	}()
	for {
		var f Frame
		if err := d.conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("remote: read: %w", err)
		}
		switch f.Type {
		case FrameOrientation:
			if f.Sample != nil {
				d.dispatch(*f.Sample)
			}
		case FrameConsentResult:
			d.mu.Lock()
			ch, ok := d.pending[f.ID]
			delete(d.pending, f.ID)
			d.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

func (d *Device) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		_ = d.conn.Close()
	})
}

func (d *Device) dispatch(s heading.Sample) {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	for _, fn := range d.listeners {
		fn(s)
	}
}

func (d *Device) write() {
	for {
		select {
		case <-d.done:
			return
		case f := <-d.send:
			_ = d.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := d.conn.WriteJSON(f); err != nil {
				d.Close()
				return
			}
		}
	}
}

type requester struct {
	d *Device
	c permission.Capability
}

// RequestPermission asks the device page to show the consent prompt and
// waits for its answer.
func (r requester) RequestPermission(ctx context.Context) (permission.Decision, error) {
	d := r.d
	id := uuid.NewString()
	ch := make(chan Frame, 1)
	d.mu.Lock()
	d.pending[id] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}()

	req := Frame{Type: FrameConsentRequest, ID: id, Capability: r.c.String()}
	select {
	case d.send <- req:
	case <-d.done:
		return "", ErrDisconnected
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case f := <-ch:
		if f.Error != "" {
			return "", fmt.Errorf("remote: %s", f.Error)
		}
		return permission.Decision(f.Result), nil
	case <-d.done:
		return "", ErrDisconnected
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
