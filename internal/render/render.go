// Package render draws recognition results onto frames.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/andresmejia3/facewatch/internal/types"
)

// Unidentified is drawn under faces that matched nobody.
const Unidentified = "Unidentified"

const (
	lineWidth   = 2
	jpegQuality = 80
)

var (
	boxColor   = color.RGBA{R: 255, A: 255}
	labelColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Annotation is one face to draw. An empty Label renders as Unidentified.
type Annotation struct {
	Box   types.BoundingBox
	Label string
}

// Annotate decodes a JPEG frame, draws every annotation and re-encodes it.
func Annotate(frame []byte, anns []Annotation) ([]byte, error) {
	if len(anns) == 0 {
		return frame, nil
	}
	src, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	img := ToRGBA(src)
	Draw(img, anns)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// ToRGBA returns src as *image.RGBA, copying only when needed.
func ToRGBA(src image.Image) *image.RGBA {
	if m, ok := src.(*image.RGBA); ok {
		return m
	}
	b := src.Bounds()
	m := image.NewRGBA(b)
	draw.Draw(m, b, src, b.Min, draw.Src)
	return m
}

// Draw paints boxes and labels in place.
func Draw(img *image.RGBA, anns []Annotation) {
	for _, a := range anns {
		label := a.Label
		if label == "" {
			label = Unidentified
		}
		r := a.Box.Rect()
		strokeRect(img, r, boxColor)
		drawLabel(img, r, label)
	}
}

func strokeRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	fillRect(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+lineWidth), c) // top
	fillRect(img, image.Rect(r.Min.X, r.Max.Y-lineWidth, r.Max.X, r.Max.Y), c) // bottom
	fillRect(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+lineWidth, r.Max.Y), c) // left
	fillRect(img, image.Rect(r.Max.X-lineWidth, r.Min.Y, r.Max.X, r.Max.Y), c) // right
}

func fillRect(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	// Clip rect to image bounds to prevent panics
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		rowStart := (y-imgMinY)*stride + (rect.Min.X-imgMinX)*4
		for x := 0; x < rect.Dx(); x++ {
			off := rowStart + x*4
			pix[off] = c.R
			pix[off+1] = c.G
			pix[off+2] = c.B
			pix[off+3] = c.A
		}
	}
}

// drawLabel writes text on a filled strip along the bottom edge of the box.
func drawLabel(img *image.RGBA, box image.Rectangle, label string) {
	face := basicfont.Face7x13
	height := face.Height + 4
	strip := image.Rect(box.Min.X, box.Max.Y-height, box.Max.X, box.Max.Y)
	fillRect(img, strip, boxColor)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(box.Min.X+6, box.Max.Y-4),
	}
	d.DrawString(label)
}
