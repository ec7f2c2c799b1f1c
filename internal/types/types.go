package types

import (
	"image"
	"time"
)

// Embedding is the fingerprint of one face as produced by an engine.
type Embedding []float32

// BoundingBox locates a face in pixel coordinates of the frame it was found in.
// Field order follows the engines: top, right, bottom, left.
type BoundingBox struct {
	Top    int `json:"top" msgpack:"top"`
	Right  int `json:"right" msgpack:"right"`
	Bottom int `json:"bottom" msgpack:"bottom"`
	Left   int `json:"left" msgpack:"left"`
}

// BoxFromRect converts an image.Rectangle into a BoundingBox.
func BoxFromRect(r image.Rectangle) BoundingBox {
	return BoundingBox{Top: r.Min.Y, Right: r.Max.X, Bottom: r.Max.Y, Left: r.Min.X}
}

// Rect returns the box as an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// Area is the pixel area of the box (0 for degenerate boxes).
func (b BoundingBox) Area() int {
	w, h := b.Right-b.Left, b.Bottom-b.Top
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Face is a single detection with its embedding, as returned by one engine pass.
type Face struct {
	Box BoundingBox
	Vec Embedding
}

// Frame is one JPEG-encoded frame pulled from a capture device.
type Frame struct {
	Index int
	Data  []byte
}

// SessionStatus is a point-in-time view of a recognition session.
type SessionStatus struct {
	State     string    `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Frames    int       `json:"frames"`
	Faces     int       `json:"faces"`
	Matches   int       `json:"matches"`
	Alerts    int       `json:"alerts"`
	LastLabel string    `json:"last_label,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}
