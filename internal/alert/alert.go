// Package alert debounces match alerts so a face that stays in view does not
// raise a popup on every frame.
package alert

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultCooldown    = 2000 * time.Millisecond
	DefaultAutoDismiss = 5000 * time.Millisecond
)

// Alert is a popup that has been approved for display.
type Alert struct {
	ID      string    `json:"id"`
	Label   string    `json:"label"`
	Message string    `json:"message"`
	ShownAt time.Time `json:"shown_at"`
}

// State is a snapshot of the debouncer.
type State struct {
	Open      bool
	OpenID    string
	LastShown time.Time
}

// Debouncer gates alert popups: one may be shown only when none is open and
// the cooldown has elapsed since the previous one. open/last are read and
// written under one lock, so concurrent requests cannot both pass the check.
type Debouncer struct {
	mu       sync.Mutex
	cooldown time.Duration
	open     bool
	openID   string
	last     time.Time
	now      func() time.Time
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Debouncer) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDebouncer creates a Debouncer. A non-positive cooldown uses DefaultCooldown.
func NewDebouncer(cooldown time.Duration, opts ...Option) *Debouncer {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	d := &Debouncer{cooldown: cooldown, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Request asks to show an alert for label at the current time.
func (d *Debouncer) Request(label string) (Alert, bool) {
	return d.RequestAt(label, d.now())
}

// RequestAt asks to show an alert for label at the given instant. When it
// returns true the alert is considered open until Dismiss is called with its ID.
func (d *Debouncer) RequestAt(label string, now time.Time) (Alert, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open {
		return Alert{}, false
	}
	if !d.last.IsZero() && now.Sub(d.last) < d.cooldown {
		return Alert{}, false
	}

	a := Alert{
		ID:      uuid.NewString(),
		Label:   label,
		Message: fmt.Sprintf("Face detected: %s", label),
		ShownAt: now,
	}
	d.open = true
	d.openID = a.ID
	d.last = now
	return a, true
}

// Dismiss closes the open alert. An empty id closes whatever is open.
// It reports whether an alert was actually closed.
func (d *Debouncer) Dismiss(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open || (id != "" && id != d.openID) {
		return false
	}
	d.open = false
	d.openID = ""
	return true
}

// State returns a snapshot.
func (d *Debouncer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{Open: d.open, OpenID: d.openID, LastShown: d.last}
}
