package display

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/andresmejia3/facewatch/internal/alert"
	"github.com/andresmejia3/facewatch/internal/types"
)

const boundary = "facewatchframe"

// Preview serves the annotated feed and session controls over HTTP.
//
//	GET  /stream.mjpg               multipart MJPEG of annotated frames
//	GET  /snapshot.jpg              latest annotated frame
//	GET  /api/status                session status and open alert
//	POST /api/session/start         start recognition
//	POST /api/session/stop          stop recognition
//	POST /api/alerts/{id}/dismiss   close an alert popup
type Preview struct {
	ctrl   Controller
	logger *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	latest  []byte
	subs    map[chan []byte]struct{}
	status  types.SessionStatus
	open    *alert.Alert
}

// NewPreview creates a preview. ctrl may be nil, in which case the control
// endpoints answer 503.
func NewPreview(ctrl Controller, logger *slog.Logger) *Preview {
	if logger == nil {
		logger = slog.Default()
	}
	return &Preview{
		ctrl:    ctrl,
		logger:  logger,
		baseCtx: context.Background(),
		subs:    make(map[chan []byte]struct{}),
		status:  types.SessionStatus{State: "idle"},
	}
}

// Attach sets the controller driven by the control endpoints.
func (p *Preview) Attach(ctrl Controller) {
	p.mu.Lock()
	p.ctrl = ctrl
	p.mu.Unlock()
}

func (p *Preview) controller() Controller {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctrl
}

// Handler returns the router.
func (p *Preview) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/stream.mjpg", p.handleStream)
	r.Get("/snapshot.jpg", p.handleSnapshot)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", p.handleStatus)
		r.Post("/session/start", p.handleStart)
		r.Post("/session/stop", p.handleStop)
		r.Post("/alerts/{id}/dismiss", p.handleDismiss)
	})
	return r
}

// Serve listens on addr until ctx is done. Sessions started from the API
// run under ctx, not under the request that started them.
func (p *Preview) Serve(ctx context.Context, addr string) error {
	p.mu.Lock()
	p.baseCtx = ctx
	p.mu.Unlock()

	srv := &http.Server{
		Addr:              addr,
		Handler:           p.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (p *Preview) ShowFrame(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = frame
	for ch := range p.subs {
		select {
		case ch <- frame:
		default: // slow client, drop
		}
	}
	return nil
}

func (p *Preview) ShowAlert(a alert.Alert) {
	p.mu.Lock()
	p.open = &a
	p.mu.Unlock()
}

func (p *Preview) DismissAlert(id string) {
	p.mu.Lock()
	if p.open != nil && p.open.ID == id {
		p.open = nil
	}
	p.mu.Unlock()
}

func (p *Preview) Status(s types.SessionStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *Preview) subscribe() (chan []byte, []byte) {
	ch := make(chan []byte, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[ch] = struct{}{}
	return ch, p.latest
}

func (p *Preview) unsubscribe(ch chan []byte) {
	p.mu.Lock()
	delete(p.subs, ch)
	p.mu.Unlock()
}

func (p *Preview) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, first := p.subscribe()
	defer p.unsubscribe(ch)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	write := func(frame []byte) error {
		if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(frame)); err != nil {
			return err
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if first != nil {
		if err := write(first); err != nil {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-ch:
			if err := write(frame); err != nil {
				p.logger.Debug("preview client gone", "err", err)
				return
			}
		}
	}
}

func (p *Preview) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	frame := p.latest
	p.mu.Unlock()
	if frame == nil {
		respondError(w, http.StatusNotFound, "no frame yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(frame)
}

type statusResponse struct {
	types.SessionStatus
	Alert *alert.Alert `json:"alert,omitempty"`
}

func (p *Preview) handleStatus(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	resp := statusResponse{SessionStatus: p.status}
	if p.open != nil {
		a := *p.open
		resp.Alert = &a
	}
	p.mu.Unlock()
	respondJSON(w, http.StatusOK, resp)
}

func (p *Preview) handleStart(w http.ResponseWriter, r *http.Request) {
	ctrl := p.controller()
	if ctrl == nil {
		respondError(w, http.StatusServiceUnavailable, "no session attached")
		return
	}
	p.mu.Lock()
	ctx := p.baseCtx
	p.mu.Unlock()
	if err := ctrl.Start(ctx); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

func (p *Preview) handleStop(w http.ResponseWriter, r *http.Request) {
	ctrl := p.controller()
	if ctrl == nil {
		respondError(w, http.StatusServiceUnavailable, "no session attached")
		return
	}
	ctrl.Stop()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (p *Preview) handleDismiss(w http.ResponseWriter, r *http.Request) {
	ctrl := p.controller()
	if ctrl == nil {
		respondError(w, http.StatusServiceUnavailable, "no session attached")
		return
	}
	ctrl.Dismiss(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
