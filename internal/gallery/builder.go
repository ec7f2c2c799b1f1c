package gallery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andresmejia3/facewatch/internal/types"
)

// Finder runs detection and embedding over one encoded image.
type Finder interface {
	Find(ctx context.Context, img []byte) ([]types.Face, error)
}

// Sample is one labeled image discovered under the corpus root.
type Sample struct {
	Label string
	Path  string
}

// Failure records why a sample was skipped.
type Failure struct {
	Path string
	Err  error
}

// Report summarizes a build run.
type Report struct {
	Scanned int
	Encoded int
	NoFace  []string
	Failed  []Failure
}

// Builder turns a labeled image corpus into a Gallery.
type Builder struct {
	// Finders are used one per worker. At least one is required.
	Finders []Finder
	Logger  *slog.Logger
	// OnProgress, if set, is called once per sample after it has been processed.
	OnProgress func(s Sample, err error)
}

var sampleExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Samples lists the corpus: each immediate subdirectory of root is a label and
// every image inside it a sample. Order is lexicographic at both levels.
func Samples(root string) ([]Sample, error) {
	samples, skipped, err := scanSamples(root)
	for _, f := range skipped {
		slog.Warn("skipping unreadable person directory", "path", f.Path, "error", f.Err)
	}
	return samples, err
}

// scanSamples is Samples without logging. Person directories that cannot be
// read are returned as failures instead of aborting the scan.
func scanSamples(root string) ([]Sample, []Failure, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read corpus root: %w", err)
	}

	var samples []Sample
	var skipped []Failure
	for _, d := range dirs {
		personDir := filepath.Join(root, d.Name())
		if !isDir(personDir, d) {
			continue
		}
		files, err := os.ReadDir(personDir)
		if err != nil {
			skipped = append(skipped, Failure{Path: personDir, Err: err})
			continue
		}
		for _, f := range files {
			if f.IsDir() || !sampleExts[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			samples = append(samples, Sample{Label: d.Name(), Path: filepath.Join(personDir, f.Name())})
		}
	}
	return samples, skipped, nil
}

// isDir follows symlinks, which DirEntry.IsDir does not.
func isDir(path string, d fs.DirEntry) bool {
	if d.Type()&fs.ModeSymlink == 0 {
		return d.IsDir()
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

type buildResult struct {
	vec types.Embedding
	err error
}

// Build scans root and embeds every sample. Bad samples are reported and
// skipped; only an unreadable root or a cancelled context abort the run.
func (b *Builder) Build(ctx context.Context, root string) (*Gallery, *Report, error) {
	if len(b.Finders) == 0 {
		return nil, nil, fmt.Errorf("gallery builder needs at least one engine")
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	samples, skipped, err := scanSamples(root)
	if err != nil {
		return nil, nil, err
	}
	for _, f := range skipped {
		logger.Error("skipping unreadable person directory", "path", f.Path, "error", f.Err)
	}

	// Results land in their input slot so completion order does not matter.
	results := make([]buildResult, len(samples))
	tasks := make(chan int)
	var wg sync.WaitGroup
	var progressMu sync.Mutex

	for _, finder := range b.Finders {
		wg.Add(1)
		go func(f Finder) {
			defer wg.Done()
			for idx := range tasks {
				vec, err := embedSample(ctx, f, samples[idx].Path)
				results[idx] = buildResult{vec: vec, err: err}
				if b.OnProgress != nil {
					progressMu.Lock()
					b.OnProgress(samples[idx], err)
					progressMu.Unlock()
				}
			}
		}(finder)
	}

dispatch:
	for i := range samples {
		select {
		case tasks <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(tasks)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	g := &Gallery{Labels: []string{}, Embeddings: []types.Embedding{}}
	report := &Report{Scanned: len(samples), Failed: skipped}
	for i, res := range results {
		s := samples[i]
		switch {
		case res.err == nil:
			if g.Len() > 0 && len(res.vec) != g.Dim() {
				err := fmt.Errorf("embedding dimension %d does not match gallery dimension %d", len(res.vec), g.Dim())
				logger.Error("error processing sample", "path", s.Path, "error", err)
				report.Failed = append(report.Failed, Failure{Path: s.Path, Err: err})
				continue
			}
			g.Add(s.Label, res.vec)
			report.Encoded++
		case isNoFace(res.err):
			logger.Warn("no face detected", "path", s.Path)
			report.NoFace = append(report.NoFace, s.Path)
		default:
			logger.Error("error processing sample", "path", s.Path, "error", res.err)
			report.Failed = append(report.Failed, Failure{Path: s.Path, Err: res.err})
		}
	}
	return g, report, nil
}

func isNoFace(err error) bool {
	return errors.Is(err, ErrNoFace)
}

// embedSample returns the embedding of the first face in the image at path.
func embedSample(ctx context.Context, f Finder, path string) (types.Embedding, error) {
	data, err := ReadImage(path)
	if err != nil {
		return nil, err
	}
	faces, err := f.Find(ctx, data)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 || len(faces[0].Vec) == 0 {
		return nil, ErrNoFace
	}
	return faces[0].Vec, nil
}

// ReadImage loads an image file as JPEG bytes, transcoding PNG input.
// Files that do not decode are rejected here rather than by the engine.
func ReadImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unreadable image: %w", err)
	}
	if format == "jpeg" {
		return data, nil
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unreadable image: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to transcode %s: %w", path, err)
	}
	return buf.Bytes(), nil
}
