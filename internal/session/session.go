// Package session runs the live recognition loop: read a frame, find faces,
// match them against the gallery, raise debounced alerts, draw the result.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/facewatch/internal/alert"
	"github.com/andresmejia3/facewatch/internal/capture"
	"github.com/andresmejia3/facewatch/internal/display"
	"github.com/andresmejia3/facewatch/internal/gallery"
	"github.com/andresmejia3/facewatch/internal/match"
	"github.com/andresmejia3/facewatch/internal/render"
	"github.com/andresmejia3/facewatch/internal/types"
)

// DefaultPollInterval caps the loop rate between frames.
const DefaultPollInterval = 10 * time.Millisecond

// State of a session.
type State string

const (
	StateIdle        State = "idle"
	StateLoading     State = "loading"
	StateReady       State = "ready"
	StateUnavailable State = "unavailable"
	StateRunning     State = "running"
)

var (
	// ErrUnavailable means the gallery could not be loaded, so no session can start.
	ErrUnavailable = errors.New("session: gallery unavailable")
	// ErrRunning means the operation needs the loop to be stopped first.
	ErrRunning = errors.New("session: already running")
	// ErrNotLoaded means Run was called before Load.
	ErrNotLoaded = errors.New("session: gallery not loaded")
)

// Detector is the two-call engine contract: boxes first, then one embedding per box.
type Detector interface {
	Detect(ctx context.Context, frame []byte) ([]types.BoundingBox, error)
	Embed(ctx context.Context, frame []byte, boxes []types.BoundingBox) ([]types.Embedding, error)
}

// Config wires a session to its collaborators.
type Config struct {
	Opener   capture.Opener
	Detector Detector
	Display  display.Display

	// LoadGallery defaults to nothing; Load fails with ErrUnavailable without it.
	LoadGallery func(ctx context.Context) (*gallery.Gallery, error)
	// NewMatcher defaults to first-hit Euclidean at match.DefaultTolerance.
	NewMatcher func(g *gallery.Gallery) (match.Matcher, error)
	// Render defaults to render.Annotate.
	Render func(frame []byte, anns []render.Annotation) ([]byte, error)

	Cooldown     time.Duration
	AutoDismiss  time.Duration
	PollInterval time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

// FaceResult is the outcome for one detected box. Err is set when the box
// could not be embedded or matched; such a face counts as unmatched.
type FaceResult struct {
	Box      types.BoundingBox
	Label    string
	Distance float64
	Matched  bool
	Err      error
}

// FrameResult is what Step did with one frame.
type FrameResult struct {
	Index     int
	Faces     []FaceResult
	DetectErr error
	Alert     *alert.Alert
}

// Session owns one capture device at a time and the gallery for the process.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	gallery   *gallery.Gallery
	matcher   match.Matcher
	debouncer *alert.Debouncer
	cancel    context.CancelFunc
	timers    []*time.Timer
	status    types.SessionStatus

	qmu    sync.Mutex
	events []string // alert IDs to dismiss
}

// New creates an idle session.
func New(cfg Config) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.AutoDismiss <= 0 {
		cfg.AutoDismiss = alert.DefaultAutoDismiss
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = alert.DefaultCooldown
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Render == nil {
		cfg.Render = render.Annotate
	}
	if cfg.NewMatcher == nil {
		cfg.NewMatcher = func(g *gallery.Gallery) (match.Matcher, error) {
			return match.NewFirstHit(g, match.DefaultTolerance, nil), nil
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		logger: logger,
		state:  StateIdle,
		status: types.SessionStatus{State: string(StateIdle)},
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the session counters.
func (s *Session) Status() types.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Gallery returns the loaded gallery, or nil.
func (s *Session) Gallery() *gallery.Gallery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gallery
}

// setState must be called with mu held. It returns the status to publish.
func (s *Session) setState(st State) types.SessionStatus {
	s.state = st
	s.status.State = string(st)
	return s.status
}

func (s *Session) publish(st types.SessionStatus) {
	if s.cfg.Display != nil {
		s.cfg.Display.Status(st)
	}
}

// Load reads the gallery and builds the matcher. On failure the session is
// Unavailable and the error wraps ErrUnavailable as well as the cause.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning || s.state == StateLoading {
		s.mu.Unlock()
		return ErrRunning
	}
	st := s.setState(StateLoading)
	s.mu.Unlock()
	s.publish(st)

	g, m, err := s.load(ctx)

	s.mu.Lock()
	if err != nil {
		s.status.LastError = err.Error()
		st = s.setState(StateUnavailable)
		s.mu.Unlock()
		s.publish(st)
		s.logger.Error("gallery unavailable", "err", err)
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	s.gallery, s.matcher = g, m
	s.status.LastError = ""
	st = s.setState(StateReady)
	s.mu.Unlock()
	s.publish(st)
	s.logger.Info("gallery loaded", "entries", g.Len(), "dim", g.Dim())
	return nil
}

func (s *Session) load(ctx context.Context) (*gallery.Gallery, match.Matcher, error) {
	if s.cfg.LoadGallery == nil {
		return nil, nil, fmt.Errorf("%w: no gallery source configured", gallery.ErrLoad)
	}
	g, err := s.cfg.LoadGallery(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, nil, err
	}
	m, err := s.cfg.NewMatcher(g)
	if err != nil {
		return nil, nil, err
	}
	return g, m, nil
}

// Run opens the capture device and loops until Stop, ctx cancellation or a
// device failure. It returns nil on a requested stop and an error wrapping
// capture.ErrDevice when the device fails. Either way the device is released
// and the session is Ready again with the same gallery.
func (s *Session) Run(ctx context.Context) error {
	runCtx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	return s.run(runCtx)
}

// Start is Run in the background. Errors that prevent entering Running are
// returned; later ones show up in Status.
func (s *Session) Start(ctx context.Context) error {
	runCtx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	go func() {
		if err := s.run(runCtx); err != nil {
			s.logger.Warn("session ended", "err", err)
		}
	}()
	return nil
}

// Stop ends the running loop. It is safe to call at any time and more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Dismiss closes the alert popup with the given ID (empty closes any). It may
// be called from any goroutine; the loop applies it before its next frame.
func (s *Session) Dismiss(id string) {
	s.qmu.Lock()
	s.events = append(s.events, id)
	s.qmu.Unlock()
}

func (s *Session) begin(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateRunning:
		return nil, ErrRunning
	case StateUnavailable:
		return nil, ErrUnavailable
	case StateReady:
	default:
		return nil, ErrNotLoaded
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.debouncer = alert.NewDebouncer(s.cfg.Cooldown, alert.WithClock(s.cfg.Clock))
	s.status = types.SessionStatus{
		SessionID: uuid.NewString(),
		StartedAt: s.cfg.Clock(),
	}
	s.setState(StateRunning)

	s.qmu.Lock()
	s.events = nil
	s.qmu.Unlock()
	return runCtx, nil
}

func (s *Session) run(ctx context.Context) error {
	st := s.Status()
	logger := s.logger.With("session", st.SessionID)
	s.publish(st)

	dev, err := s.cfg.Opener.Open(ctx)
	if err != nil {
		if !errors.Is(err, capture.ErrDevice) {
			err = fmt.Errorf("%w: %w", capture.ErrDevice, err)
		}
		logger.Error("failed to open capture device", "err", err)
		s.finish(nil, err.Error())
		return err
	}
	logger.Info("session started")

	// A blocked Read returns once the device is released.
	stopRelease := context.AfterFunc(ctx, func() { dev.Release() })

	for {
		s.drainEvents()

		if ctx.Err() != nil {
			stopRelease()
			s.finish(dev, "")
			logger.Info("session stopped")
			return nil
		}

		frame, err := dev.Read(ctx)
		if err != nil {
			stopRelease()
			if ctx.Err() != nil {
				s.finish(dev, "")
				logger.Info("session stopped")
				return nil
			}
			if !errors.Is(err, capture.ErrDevice) {
				err = fmt.Errorf("%w: %w", capture.ErrDevice, err)
			}
			logger.Error("device disconnected", "err", err)
			s.finish(dev, "device disconnected")
			return fmt.Errorf("device disconnected: %w", err)
		}

		s.Step(ctx, frame)

		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// finish releases the device, stops pending timers and reports Idle, then
// Ready since the gallery is kept.
func (s *Session) finish(dev capture.Device, reason string) {
	if dev != nil {
		if err := dev.Release(); err != nil {
			s.logger.Warn("device release failed", "err", err)
		}
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	open := ""
	if s.debouncer != nil {
		open = s.debouncer.State().OpenID
	}
	if reason != "" {
		s.status.LastError = reason
	}
	idle := s.setState(StateIdle)
	ready := s.setState(StateReady)
	s.mu.Unlock()

	if open != "" && s.cfg.Display != nil {
		s.cfg.Display.DismissAlert(open)
	}
	s.publish(idle)
	s.publish(ready)
}

func (s *Session) drainEvents() {
	s.qmu.Lock()
	ids := s.events
	s.events = nil
	s.qmu.Unlock()

	s.mu.Lock()
	deb := s.debouncer
	s.mu.Unlock()
	if deb == nil {
		return
	}
	for _, id := range ids {
		openID := deb.State().OpenID
		if deb.Dismiss(id) && s.cfg.Display != nil {
			s.cfg.Display.DismissAlert(openID)
		}
	}
}

// Step processes one frame: match, alert, render, display.
func (s *Session) Step(ctx context.Context, frame types.Frame) FrameResult {
	s.mu.Lock()
	m := s.matcher
	if s.debouncer == nil {
		s.debouncer = alert.NewDebouncer(s.cfg.Cooldown, alert.WithClock(s.cfg.Clock))
	}
	deb := s.debouncer
	s.mu.Unlock()

	res := FrameResult{Index: frame.Index}
	res.Faces, res.DetectErr = Analyze(ctx, s.cfg.Detector, m, frame.Data)
	if res.DetectErr != nil {
		s.logger.Warn("detection failed", "frame", frame.Index, "err", res.DetectErr)
	}

	anns := make([]render.Annotation, len(res.Faces))
	var hit *FaceResult
	for i := range res.Faces {
		f := &res.Faces[i]
		anns[i] = render.Annotation{Box: f.Box, Label: f.Label}
		if f.Err != nil {
			s.logger.Warn("face treated as unmatched", "frame", frame.Index, "box", f.Box, "err", f.Err)
		}
		if f.Matched && hit == nil {
			hit = f
		}
	}

	if hit != nil {
		if a, ok := deb.Request(hit.Label); ok {
			res.Alert = &a
			s.armAutoDismiss(a.ID)
			if s.cfg.Display != nil {
				s.cfg.Display.ShowAlert(a)
			}
			s.logger.Info("alert", "label", a.Label, "distance", hit.Distance, "id", a.ID)
		}
	}

	out, err := s.cfg.Render(frame.Data, anns)
	if err != nil {
		s.logger.Debug("render failed, showing raw frame", "frame", frame.Index, "err", err)
		out = frame.Data
	}

	s.mu.Lock()
	s.status.Frames++
	s.status.Faces += len(res.Faces)
	if hit != nil {
		s.status.Matches++
		s.status.LastLabel = hit.Label
	}
	if res.Alert != nil {
		s.status.Alerts++
	}
	st := s.status
	s.mu.Unlock()

	if s.cfg.Display != nil {
		if err := s.cfg.Display.ShowFrame(out); err != nil {
			s.logger.Warn("display failed", "err", err)
		}
		s.cfg.Display.Status(st)
	}
	return res
}

func (s *Session) armAutoDismiss(id string) {
	t := time.AfterFunc(s.cfg.AutoDismiss, func() { s.Dismiss(id) })
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
}

// Analyze detects faces and matches them in detection order. Once a face
// matches, the remaining ones are returned unmatched without being embedded.
// A detection failure yields no faces; per-face failures stay on the face.
func Analyze(ctx context.Context, det Detector, m match.Matcher, frame []byte) ([]FaceResult, error) {
	boxes, err := det.Detect(ctx, frame)
	if err != nil {
		return nil, err
	}

	faces := make([]FaceResult, len(boxes))
	matched := false
	for i, box := range boxes {
		faces[i] = FaceResult{Box: box}
		if matched {
			continue
		}
		faces[i] = matchBox(ctx, det, m, frame, box)
		matched = faces[i].Matched
	}
	return faces, nil
}

func matchBox(ctx context.Context, det Detector, m match.Matcher, frame []byte, box types.BoundingBox) (fr FaceResult) {
	fr.Box = box
	defer func() {
		if r := recover(); r != nil {
			fr = FaceResult{Box: box, Err: fmt.Errorf("panic while matching face: %v", r)}
		}
	}()

	vecs, err := det.Embed(ctx, frame, []types.BoundingBox{box})
	if err != nil {
		fr.Err = err
		return fr
	}
	if len(vecs) != 1 {
		fr.Err = fmt.Errorf("expected 1 embedding, got %d", len(vecs))
		return fr
	}
	if m == nil {
		return fr
	}
	r, err := m.Match(vecs[0])
	if err != nil {
		fr.Err = err
		return fr
	}
	if r.Matched() {
		fr.Label, fr.Distance, fr.Matched = r.Label, r.Distance, true
	}
	return fr
}
