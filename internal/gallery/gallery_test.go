package gallery

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/andresmejia3/facewatch/internal/types"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
	}{
		{name: "empty gallery", entries: nil},
		{
			name: "repeated labels keep order",
			entries: []Entry{
				{Label: "bob", Embedding: types.Embedding{0.25, -1.5, 3.0000002}},
				{Label: "alice", Embedding: types.Embedding{1e-7, 0, -0}},
				{Label: "bob", Embedding: types.Embedding{0.1, 0.2, 0.3}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "known.msgpack")
			g := New(tt.entries)
			if err := Save(path, g); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if got.Len() != g.Len() {
				t.Fatalf("Expected %d entries, got %d", g.Len(), got.Len())
			}
			for i := range g.Labels {
				if got.Labels[i] != g.Labels[i] {
					t.Errorf("label %d: got %q, want %q", i, got.Labels[i], g.Labels[i])
				}
				if !reflect.DeepEqual(got.Embeddings[i], g.Embeddings[i]) {
					t.Errorf("embedding %d: got %v, want %v", i, got.Embeddings[i], g.Embeddings[i])
				}
			}
		})
	}
}

func TestSaveIsByteStable(t *testing.T) {
	g := New([]Entry{{Label: "a", Embedding: types.Embedding{1, 2}}, {Label: "b", Embedding: types.Embedding{3, 4}}})
	var first, second bytes.Buffer
	if err := Encode(&first, g); err != nil {
		t.Fatal(err)
	}
	if err := Encode(&second, g); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("Encoding the same gallery twice produced different bytes")
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	corrupt := filepath.Join(dir, "corrupt.msgpack")
	if err := os.WriteFile(corrupt, []byte("definitely not msgpack"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
	}{
		{name: "missing file", path: filepath.Join(dir, "missing.msgpack")},
		{name: "corrupt file", path: corrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			if !errors.Is(err, ErrLoad) {
				t.Errorf("Expected ErrLoad, got %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		g       *Gallery
		wantErr bool
	}{
		{name: "empty", g: &Gallery{}, wantErr: false},
		{name: "misaligned", g: &Gallery{Labels: []string{"a", "b"}, Embeddings: []types.Embedding{{1}}}, wantErr: true},
		{name: "mixed dimensions", g: &Gallery{Labels: []string{"a", "b"}, Embeddings: []types.Embedding{{1, 2}, {1}}}, wantErr: true},
		{name: "empty embedding", g: &Gallery{Labels: []string{"a"}, Embeddings: []types.Embedding{{}}}, wantErr: true},
		{name: "valid", g: &Gallery{Labels: []string{"a", "a"}, Embeddings: []types.Embedding{{1, 2}, {3, 4}}}, wantErr: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.g.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrLoad) {
				t.Errorf("Expected ErrLoad wrapping, got %v", err)
			}
		})
	}
}

func TestRelabelAndIdentities(t *testing.T) {
	g := New([]Entry{
		{Label: "Identity 1", Embedding: types.Embedding{1}},
		{Label: "carol", Embedding: types.Embedding{2}},
		{Label: "Identity 1", Embedding: types.Embedding{3}},
	})
	if n := g.Relabel("Identity 1", "dave"); n != 2 {
		t.Errorf("Expected 2 relabeled entries, got %d", n)
	}
	order, counts := g.Identities()
	if !reflect.DeepEqual(order, []string{"dave", "carol"}) {
		t.Errorf("Unexpected identity order %v", order)
	}
	if counts["dave"] != 2 || counts["carol"] != 1 {
		t.Errorf("Unexpected counts %v", counts)
	}
}
