package gallery

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/andresmejia3/facewatch/internal/types"
)

// widthFinder is a fake engine keyed on image width:
// 20px wide images have no face, 30px wide images make the engine fail,
// anything else yields two faces whose first embedding is {width, height}.
type widthFinder struct {
	calls atomic.Int32
}

func (f *widthFinder) Find(_ context.Context, data []byte) ([]types.Face, error) {
	f.calls.Add(1)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	switch cfg.Width {
	case 20:
		return nil, nil
	case 30:
		return nil, errors.New("engine exploded")
	}
	return []types.Face{
		{Box: types.BoundingBox{Top: 0, Right: 5, Bottom: 5, Left: 0}, Vec: types.Embedding{float32(cfg.Width), float32(cfg.Height)}},
		{Box: types.BoundingBox{Top: 1, Right: 6, Bottom: 6, Left: 1}, Vec: types.Embedding{-1, -1}},
	}, nil
}

func writeImage(t *testing.T, path string, w, h int, asPNG bool) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 120, B: 90, A: 255})
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if asPNG {
		err = png.Encode(f, img)
	} else {
		err = jpeg.Encode(f, img, nil)
	}
	if err != nil {
		t.Fatal(err)
	}
}

func buildCorpus(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "bob", "b1.jpg"), 10, 11, false)
	writeImage(t, filepath.Join(root, "bob", "b2.PNG"), 12, 13, true)
	writeImage(t, filepath.Join(root, "alice", "a1.jpeg"), 14, 15, false)
	writeImage(t, filepath.Join(root, "alice", "blank.jpg"), 20, 20, false)
	writeImage(t, filepath.Join(root, "carol", "boom.png"), 30, 30, true)
	if err := os.WriteFile(filepath.Join(root, "carol", "corrupt.jpg"), []byte("not an image at all"), 0644); err != nil {
		t.Fatal(err)
	}
	writeImage(t, filepath.Join(root, "carol", "c1.jpg"), 16, 17, false)
	// Ignored: wrong extension and a loose file at the root.
	if err := os.WriteFile(filepath.Join(root, "carol", "notes.txt"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	writeImage(t, filepath.Join(root, "loose.jpg"), 18, 18, false)
	return root
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildFaultIsolation(t *testing.T) {
	root := buildCorpus(t)
	finder := &widthFinder{}
	b := &Builder{Finders: []Finder{finder}, Logger: quietLogger()}

	g, report, err := b.Build(context.Background(), root)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	wantLabels := []string{"alice", "bob", "bob", "carol"}
	if !reflect.DeepEqual(g.Labels, wantLabels) {
		t.Errorf("Labels = %v, want %v", g.Labels, wantLabels)
	}
	// Only the first face of each image is kept.
	wantVecs := []types.Embedding{{14, 15}, {10, 11}, {12, 13}, {16, 17}}
	if !reflect.DeepEqual(g.Embeddings, wantVecs) {
		t.Errorf("Embeddings = %v, want %v", g.Embeddings, wantVecs)
	}

	if report.Scanned != 7 || report.Encoded != 4 {
		t.Errorf("Expected 7 scanned / 4 encoded, got %+v", report)
	}
	if len(report.NoFace) != 1 || filepath.Base(report.NoFace[0]) != "blank.jpg" {
		t.Errorf("Unexpected no-face list %v", report.NoFace)
	}
	if len(report.Failed) != 2 {
		t.Fatalf("Expected 2 failures, got %v", report.Failed)
	}
	if filepath.Base(report.Failed[0].Path) != "boom.png" || filepath.Base(report.Failed[1].Path) != "corrupt.jpg" {
		t.Errorf("Unexpected failures %v", report.Failed)
	}
	// The corrupt file never reaches the engine.
	if got := finder.calls.Load(); got != 6 {
		t.Errorf("Expected 6 engine calls, got %d", got)
	}
}

func TestBuildDeterministic(t *testing.T) {
	root := buildCorpus(t)

	build := func(workers int) *Gallery {
		finders := make([]Finder, workers)
		for i := range finders {
			finders[i] = &widthFinder{}
		}
		b := &Builder{Finders: finders, Logger: quietLogger()}
		g, _, err := b.Build(context.Background(), root)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		return g
	}

	first := build(1)
	second := build(1)
	parallel := build(4)

	var a, b, c bytes.Buffer
	for _, pair := range []struct {
		buf *bytes.Buffer
		g   *Gallery
	}{{&a, first}, {&b, second}, {&c, parallel}} {
		if err := Encode(pair.buf, pair.g); err != nil {
			t.Fatal(err)
		}
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("Two builds over the same corpus differ")
	}
	if !bytes.Equal(a.Bytes(), c.Bytes()) {
		t.Error("Parallel build differs from sequential build")
	}
}

func TestBuildProgressAndCancel(t *testing.T) {
	root := buildCorpus(t)

	var seen int
	b := &Builder{
		Finders:    []Finder{&widthFinder{}},
		Logger:     quietLogger(),
		OnProgress: func(Sample, error) { seen++ },
	}
	if _, _, err := b.Build(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	if seen != 7 {
		t.Errorf("Expected 7 progress callbacks, got %d", seen)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := b.Build(ctx, root); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestBuildMissingRoot(t *testing.T) {
	b := &Builder{Finders: []Finder{&widthFinder{}}, Logger: quietLogger()}
	if _, _, err := b.Build(context.Background(), filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("Expected error for missing root")
	}
}

func TestSamplesFollowsSymlinkedPersonDir(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(t.TempDir(), "alice-photos")
	writeImage(t, filepath.Join(target, "a.jpg"), 10, 10, false)
	if err := os.Symlink(target, filepath.Join(root, "alice")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	writeImage(t, filepath.Join(root, "bob", "b.jpg"), 10, 10, false)

	samples, err := Samples(root)
	if err != nil {
		t.Fatalf("Samples failed: %v", err)
	}
	want := []Sample{
		{Label: "alice", Path: filepath.Join(root, "alice", "a.jpg")},
		{Label: "bob", Path: filepath.Join(root, "bob", "b.jpg")},
	}
	if !reflect.DeepEqual(samples, want) {
		t.Errorf("Samples = %v, want %v", samples, want)
	}
}

func TestBuildSkipsUnreadablePersonDir(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "alice", "a1.jpg"), 10, 11, false)
	locked := filepath.Join(root, "bob")
	writeImage(t, filepath.Join(locked, "b1.jpg"), 12, 13, false)
	if err := os.Chmod(locked, 0); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(locked, 0755)
	if _, err := os.ReadDir(locked); err == nil {
		t.Skip("directory permissions are not enforced for this user")
	}

	b := &Builder{Finders: []Finder{&widthFinder{}}, Logger: quietLogger()}
	g, report, err := b.Build(context.Background(), root)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !reflect.DeepEqual(g.Labels, []string{"alice"}) {
		t.Errorf("Labels = %v, want [alice]", g.Labels)
	}
	if len(report.Failed) != 1 || report.Failed[0].Path != locked {
		t.Errorf("Expected bob to be reported as failed, got %v", report.Failed)
	}
}
