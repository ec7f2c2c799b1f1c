// Package display is where a session sends annotated frames, alert popups
// and status changes.
package display

import (
	"context"
	"errors"

	"github.com/andresmejia3/facewatch/internal/alert"
	"github.com/andresmejia3/facewatch/internal/types"
)

// Display receives session output. Implementations must be safe for use
// from the loop goroutine and from auto-dismiss timers at the same time.
type Display interface {
	ShowFrame(frame []byte) error
	ShowAlert(a alert.Alert)
	DismissAlert(id string)
	Status(s types.SessionStatus)
}

// Controller is the part of a session a user-facing display can drive.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Dismiss(id string)
}

// Multi fans every call out to each display in order.
type Multi []Display

func (m Multi) ShowFrame(frame []byte) error {
	var errs []error
	for _, d := range m {
		if err := d.ShowFrame(frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) ShowAlert(a alert.Alert) {
	for _, d := range m {
		d.ShowAlert(a)
	}
}

func (m Multi) DismissAlert(id string) {
	for _, d := range m {
		d.DismissAlert(id)
	}
}

func (m Multi) Status(s types.SessionStatus) {
	for _, d := range m {
		d.Status(s)
	}
}
