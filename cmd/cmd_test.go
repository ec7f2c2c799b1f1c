package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/gallery"
	"github.com/andresmejia3/facewatch/internal/types"
)

func TestLargestFace(t *testing.T) {
	small := types.Face{Box: types.BoundingBox{Top: 0, Right: 10, Bottom: 10, Left: 0}, Vec: types.Embedding{1}}
	big := types.Face{Box: types.BoundingBox{Top: 0, Right: 50, Bottom: 40, Left: 10}, Vec: types.Embedding{2}}
	sameAsBig := types.Face{Box: types.BoundingBox{Top: 100, Right: 140, Bottom: 140, Left: 100}, Vec: types.Embedding{3}}

	tests := []struct {
		name  string
		faces []types.Face
		want  float32
	}{
		{"single", []types.Face{small}, 1},
		{"largest wins", []types.Face{small, big}, 2},
		{"tie keeps first", []types.Face{big, sameAsBig}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := largestFace(tt.faces).Vec[0]; got != tt.want {
				t.Errorf("got face %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got := confirm(bufio.NewReader(strings.NewReader(tt.input)), &out, "Drop?")
		if got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "Drop? [y/N]") {
			t.Errorf("prompt not shown: %q", out.String())
		}
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, &gallery.Report{
		Scanned: 3,
		Encoded: 1,
		NoFace:  []string{"alice/blank.jpg"},
		Failed:  []gallery.Failure{{Path: "bob/broken.jpg", Err: errors.New("corrupt")}},
	})
	out := buf.String()
	for _, want := range []string{"3 images scanned, 1 encoded", "no face: alice/blank.jpg", "bob/broken.jpg: corrupt"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestSaveEncoded_EmptyGalleryReplacesOld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_faces.msgpack")
	old := gallery.New([]gallery.Entry{{Label: "alice", Embedding: types.Embedding{1, 2}}})
	if err := gallery.Save(path, old); err != nil {
		t.Fatal(err)
	}

	// Every sample was faceless.
	report := &gallery.Report{Scanned: 2, NoFace: []string{"alice/blank.jpg", "bob/wall.png"}}
	var buf bytes.Buffer
	if err := saveEncoded(context.Background(), &buf, path, gallery.New(nil), report); err != nil {
		t.Fatalf("saveEncoded: %v", err)
	}
	if !strings.Contains(buf.String(), "empty gallery") {
		t.Errorf("expected an empty gallery warning:\n%s", buf.String())
	}

	loaded, err := gallery.Load(path)
	if err != nil {
		t.Fatalf("empty gallery should load: %v", err)
	}
	if loaded.Len() != 0 {
		t.Errorf("expected empty gallery, got %d entries", loaded.Len())
	}
}

func TestApplyFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "x"}
	var o Options
	cmd.Flags().Float64Var(&o.Tolerance, "tolerance", 0.6, "")
	cmd.Flags().StringVar(&o.Strategy, "strategy", "first", "")
	cmd.Flags().IntVar(&o.NumEngines, "engines", 1, "")
	if err := cmd.ParseFlags([]string{"--tolerance", "0.4", "--engines", "3"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Strategy = "nearest" // from a config file
	applyFlags(cmd, cfg, o)

	if cfg.Tolerance != 0.4 || cfg.Engine.Workers != 3 {
		t.Errorf("set flags not applied: %+v", cfg)
	}
	if cfg.Strategy != "nearest" {
		t.Errorf("unset flag overrode config: %q", cfg.Strategy)
	}
}

func TestDatabaseURL(t *testing.T) {
	cfg := config.Default()
	cfg.Database.URL = "postgres://explicit"
	if got := databaseURL(cfg); got != "postgres://explicit" {
		t.Errorf("got %q", got)
	}

	cfg.Database.URL = ""
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "faces")
	t.Setenv("POSTGRES_PORT", "")
	if got := databaseURL(cfg); got != "postgres://u:p@db:5432/faces" {
		t.Errorf("got %q", got)
	}
}

func TestGalleryLoaderFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_faces.msgpack")
	g := gallery.New([]gallery.Entry{{Label: "alice", Embedding: types.Embedding{1, 2}}})
	if err := gallery.Save(path, g); err != nil {
		t.Fatal(err)
	}

	Cfg = config.Default()
	Cfg.Gallery = path
	defer func() { Cfg = nil }()

	loaded, err := galleryLoader(false)(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Len() != 1 || loaded.Labels[0] != "alice" {
		t.Errorf("unexpected gallery %+v", loaded)
	}

	Cfg.Gallery = filepath.Join(t.TempDir(), "missing.msgpack")
	if _, err := galleryLoader(false)(context.Background()); !errors.Is(err, gallery.ErrLoad) {
		t.Errorf("expected ErrLoad, got %v", err)
	}
}
