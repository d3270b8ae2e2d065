// Package levels resolves level IDs to their backing archive metadata.
package levels

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a level has no backing archive on record.
var ErrNotFound = errors.New("levels: not found")

// ArchiveRef describes the backing archive of one level.
type ArchiveRef struct {
	LevelID  int
	FileName string
	// ObjectKey is set when the archive lives in our storage backend.
	ObjectKey string
	// ExternalURL is set when the archive lives behind a third-party
	// download link.
	ExternalURL string
	// SizeBytes is 0 when the stored size is unknown (external links).
	SizeBytes int64
}

// Store looks up level archive metadata in PostgreSQL.
type Store struct {
	db *sql.DB
}

// New connects to PostgreSQL and returns a Store.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an existing connection. Used by tests.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection pool.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Resolve returns the backing archive for a level.
func (s *Store) Resolve(ctx context.Context, levelID int) (*ArchiveRef, error) {
	ref := &ArchiveRef{LevelID: levelID}
	var fileName, objectKey, dlLink sql.NullString
	var size sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		`SELECT file_name, file_key, dl_link, file_size
		 FROM levels WHERE id = $1 AND is_deleted = FALSE`, levelID).
		Scan(&fileName, &objectKey, &dlLink, &size)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve level %d: %w", levelID, err)
	}

	ref.FileName = fileName.String
	ref.ObjectKey = objectKey.String
	ref.ExternalURL = dlLink.String
	ref.SizeBytes = size.Int64

	if ref.ObjectKey == "" && ref.ExternalURL == "" {
		return nil, ErrNotFound
	}
	return ref, nil
}

// SizeOf returns the stored archive size for a level, or ok=false when the
// size is not on record.
func (s *Store) SizeOf(ctx context.Context, levelID int) (int64, bool, error) {
	ref, err := s.Resolve(ctx, levelID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if ref.SizeBytes <= 0 {
		return 0, false, nil
	}
	return ref.SizeBytes, true, nil
}
