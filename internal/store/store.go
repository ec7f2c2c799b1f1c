package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/andresmejia3/facewatch/internal/gallery"
	"github.com/andresmejia3/facewatch/internal/types"
)

// undefinedTable is the PostgreSQL error code for a missing relation.
const undefinedTable = "42P01"

// Store mirrors galleries into PostgreSQL with pgvector.
type Store struct {
	conn *pgx.Conn
}

// Push is one recorded gallery upload.
type Push struct {
	ID       int
	Entries  int
	Dim      int
	PushedAt time.Time
}

// LabelCount is how many gallery samples carry a label.
type LabelCount struct {
	Label string
	Count int
}

// Hit is the closest stored entry to a probe.
type Hit struct {
	Position int
	Label    string
	Distance float64
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the vector extension and the push log. The entries table
// is created by SaveGallery since its column width is the gallery dimension.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS gallery_pushes (
			id SERIAL PRIMARY KEY,
			entries INT NOT NULL,
			dim INT NOT NULL,
			pushed_at TIMESTAMPTZ DEFAULT NOW()
		);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// SaveGallery replaces the stored gallery with g in one transaction.
func (s *Store) SaveGallery(ctx context.Context, g *gallery.Gallery) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if g.Len() == 0 {
		return fmt.Errorf("refusing to store an empty gallery")
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// The width is an int from a validated gallery, so formatting it into DDL is safe.
	ddl := fmt.Sprintf(`
		DROP TABLE IF EXISTS gallery_entries;
		CREATE TABLE gallery_entries (
			position INT PRIMARY KEY,
			label TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL
		);
		CREATE INDEX gallery_entries_label_idx ON gallery_entries (label);
	`, g.Dim())
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for i, e := range g.Entries() {
		batch.Queue("INSERT INTO gallery_entries (position, label, embedding) VALUES ($1, $2, $3::vector)",
			i, e.Label, pgvector.NewVector(e.Embedding).String())
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert entries: %w", err)
	}

	if _, err := tx.Exec(ctx, "INSERT INTO gallery_pushes (entries, dim) VALUES ($1, $2)", g.Len(), g.Dim()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LoadGallery reads the stored gallery in its original order. A database
// without a pushed gallery yields an error wrapping gallery.ErrLoad.
func (s *Store) LoadGallery(ctx context.Context) (*gallery.Gallery, error) {
	rows, err := s.conn.Query(ctx, "SELECT label, embedding::text FROM gallery_entries ORDER BY position")
	if err != nil {
		return nil, wrapMissing(err)
	}
	defer rows.Close()

	g := &gallery.Gallery{}
	for rows.Next() {
		var label string
		var vec pgvector.Vector
		if err := rows.Scan(&label, &vec); err != nil {
			return nil, err
		}
		g.Add(label, types.Embedding(vec.Slice()))
	}
	if err := rows.Err(); err != nil {
		return nil, wrapMissing(err)
	}
	if g.Len() == 0 {
		return nil, fmt.Errorf("%w: database holds no gallery entries", gallery.ErrLoad)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// FindClosest returns the nearest stored entry by L2 distance, or ok=false
// when none lies within tolerance.
func (s *Store) FindClosest(ctx context.Context, vec types.Embedding, tolerance float64) (Hit, bool, error) {
	// <-> is the Euclidean distance operator in pgvector
	query := `
		SELECT position, label, embedding <-> $1::vector AS distance
		FROM gallery_entries
		ORDER BY embedding <-> $1::vector ASC
		LIMIT 1`

	var h Hit
	err := s.conn.QueryRow(ctx, query, pgvector.NewVector(vec).String()).Scan(&h.Position, &h.Label, &h.Distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return Hit{}, false, nil
	}
	if err != nil {
		return Hit{}, false, wrapMissing(err)
	}
	return h, h.Distance <= tolerance, nil
}

// ListLabels counts samples per label, alphabetically.
func (s *Store) ListLabels(ctx context.Context) ([]LabelCount, error) {
	rows, err := s.conn.Query(ctx, "SELECT label, COUNT(*) FROM gallery_entries GROUP BY label ORDER BY label")
	if err != nil {
		return nil, wrapMissing(err)
	}
	defer rows.Close()

	var out []LabelCount
	for rows.Next() {
		var lc LabelCount
		if err := rows.Scan(&lc.Label, &lc.Count); err != nil {
			return nil, err
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}

// LastPush returns the most recent push, or ok=false if there was none.
func (s *Store) LastPush(ctx context.Context) (Push, bool, error) {
	var p Push
	err := s.conn.QueryRow(ctx, "SELECT id, entries, dim, pushed_at FROM gallery_pushes ORDER BY id DESC LIMIT 1").
		Scan(&p.ID, &p.Entries, &p.Dim, &p.PushedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Push{}, false, nil
	}
	return p, err == nil, err
}

// RenameLabel renames every sample labeled old and returns how many changed.
func (s *Store) RenameLabel(ctx context.Context, old, name string) (int, error) {
	tag, err := s.conn.Exec(ctx, "UPDATE gallery_entries SET label = $1 WHERE label = $2", name, old)
	if err != nil {
		return 0, wrapMissing(err)
	}
	return int(tag.RowsAffected()), nil
}

// Reset drops all application tables to clear the database state.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS gallery_entries CASCADE;
		DROP TABLE IF EXISTS gallery_pushes CASCADE;
	`)
	if err != nil {
		return err
	}
	// Recreate the push log so the store stays usable.
	return initSchema(ctx, s.conn)
}

func wrapMissing(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
		return fmt.Errorf("%w: no gallery has been pushed to the database", gallery.ErrLoad)
	}
	return err
}
