package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"compass-ng/internal/compass"
	"compass-ng/internal/permission"
)

//go:embed assets/*
var embeddedAssets embed.FS

const (
	streamKeepAlive       = 15 * time.Second
	defaultConsentTimeout = 60 * time.Second
)

// CompassController is the compass host as seen by the HTTP layer.
type CompassController interface {
	View() *compass.View
	RequestConsent(ctx context.Context) (permission.State, error)
	Reload(ctx context.Context) (*compass.View, error)
}

type Options struct {
	Status   *Status
	Compass  CompassController
	Stream   *HeadingBroadcaster
	Settings SettingsStore
	Logs     *LogBuffer
	// Device, when set, serves the phone bridge websocket.
	Device http.Handler
	// ConsentTimeout bounds each consent request. Nil means 60s.
	ConsentTimeout func() time.Duration
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func methodNotAllowed(allow string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", allow)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})
}

func Handler(opts Options) http.Handler {
	if opts.Status == nil {
		opts.Status = NewStatus()
	}
	s := &server{opts: opts}

	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.Handle("/status", methodNotAllowed(http.MethodGet))

	api.HandleFunc("/compass", s.handleCompass).Methods(http.MethodGet)
	api.Handle("/compass", methodNotAllowed(http.MethodGet))
	api.HandleFunc("/compass/consent", s.handleConsent).Methods(http.MethodPost)
	api.Handle("/compass/consent", methodNotAllowed(http.MethodPost))
	api.HandleFunc("/compass/reload", s.handleReload).Methods(http.MethodPost)
	api.Handle("/compass/reload", methodNotAllowed(http.MethodPost))
	api.HandleFunc("/compass/stream", s.handleStream).Methods(http.MethodGet)
	api.Handle("/compass/stream", methodNotAllowed(http.MethodGet))

	if opts.Device != nil {
		api.Handle("/device/ws", opts.Device).Methods(http.MethodGet)
	}
	api.Handle("/settings", opts.Settings)
	if opts.Logs != nil {
		api.Handle("/logs", opts.Logs.Handler())
	}
	api.Handle("/about", AboutHandler())
	api.NotFoundHandler = http.NotFoundHandler()

	assetsFS, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		assetsFS = nil
	}
	if assetsFS != nil {
		fileServer := http.FileServer(http.FS(assetsFS))
		r.PathPrefix("/assets/").Handler(http.StripPrefix("/assets/", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			fileServer.ServeHTTP(w, req)
		})))
	}

	// SPA shell for / and any unknown non-API path.
	r.PathPrefix("/").Methods(http.MethodGet).HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if assetsFS == nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>Compass</title></head><body>")
			_, _ = fmt.Fprintf(w, "<h1>Compass</h1><p>Web UI is unavailable. Use <a href=\"/api/compass\">/api/compass</a>.</p>")
			_, _ = fmt.Fprintf(w, "</body></html>")
			return
		}
		b, err := fs.ReadFile(assetsFS, "index.html")
		if err != nil {
			http.Error(w, "ui unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	})

	return r
}

type server struct {
	opts Options
}

func (s *server) consentTimeout() time.Duration {
	if s.opts.ConsentTimeout == nil {
		return defaultConsentTimeout
	}
	if d := s.opts.ConsentTimeout(); d > 0 {
		return d
	}
	return defaultConsentTimeout
}

func (s *server) view() *compass.View {
	if s.opts.Compass == nil {
		return nil
	}
	return s.opts.Compass.View()
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Status.Snapshot(time.Now().UTC()))
}

func (s *server) handleCompass(w http.ResponseWriter, r *http.Request) {
	v := s.view()
	if v == nil {
		http.Error(w, "compass unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, v.Snapshot())
}

// handleConsent is the user's enable/retry action. The POST itself counts as
// the user gesture the platform requires.
func (s *server) handleConsent(w http.ResponseWriter, r *http.Request) {
	if s.view() == nil {
		http.Error(w, "compass unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(permission.WithUserGesture(r.Context()), s.consentTimeout())
	defer cancel()

	_, err := s.opts.Compass.RequestConsent(ctx)
	if errors.Is(err, permission.ErrClosed) {
		http.Error(w, "compass is reloading", http.StatusConflict)
		return
	}
	// Denials and failures are part of the reading.
	v := s.view()
	if v == nil {
		http.Error(w, "compass unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, v.Snapshot())
}

func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.opts.Compass == nil {
		http.Error(w, "compass unavailable", http.StatusServiceUnavailable)
		return
	}
	v, err := s.opts.Compass.Reload(r.Context())
	if err != nil || v == nil {
		msg := "reload failed"
		if err != nil {
			msg = fmt.Sprintf("reload failed: %v", err)
		}
		http.Error(w, msg, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, v.Snapshot())
}

// handleStream serves readings as server-sent events.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Stream == nil {
		http.Error(w, "stream unavailable", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, ch := s.opts.Stream.Subscribe(8)
	defer s.opts.Stream.Unsubscribe(id)

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case reading, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(reading)
			if err != nil {
				log.Printf("web stream marshal failed: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: reading\ndata: %s\n\n", b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// withAccessLog writes an Apache combined line per request to the process log
// (and so to /api/logs) and turns handler panics into 500s.
func withAccessLog(h http.Handler) http.Handler {
	logged := handlers.CombinedLoggingHandler(log.Writer(), h)
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(logged)
}

func Serve(ctx context.Context, listenAddr string, opts Options) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           withAccessLog(Handler(opts)),
		ReadHeaderTimeout: 5 * time.Second,
		// No ReadTimeout or WriteTimeout: the event stream, the device
		// socket and consent requests are long-lived.
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
