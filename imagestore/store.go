// Package imagestore keeps encoded images in a SQLite database.
package imagestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	"github.com/zeebo/xxh3"
	_ "modernc.org/sqlite"

	"github.com/chazu/mint/metadata"
)

var log = commonlog.GetLogger("mint.imagestore")

// ErrImageNotFound indicates the requested image isn't stored.
var ErrImageNotFound = errors.New("image not found")

const schema = `CREATE TABLE IF NOT EXISTS images (
	name        TEXT PRIMARY KEY,
	entry       TEXT NOT NULL,
	fingerprint INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	stored_at   INTEGER NOT NULL,
	data        BLOB NOT NULL
)`

// Info describes a stored image.
type Info struct {
	Name        string
	Entry       string
	Size        int
	Fingerprint uint64
	StoredAt    time.Time
}

// Store is a SQLite-backed image store. It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex // serializes writers
}

// Open opens or creates the store at path. ":memory:" gives a private
// in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database the store was opened on.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put encodes img and stores it under its name, replacing any previous
// image of that name.
func (s *Store) Put(ctx context.Context, img *metadata.Image, entry string) (Info, error) {
	data, err := metadata.EncodeImage(img, entry)
	if err != nil {
		return Info{}, fmt.Errorf("encoding image %s: %w", img.Name(), err)
	}
	info := Info{
		Name:        img.Name(),
		Entry:       entry,
		Size:        len(data),
		Fingerprint: xxh3.Hash(data),
		StoredAt:    time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO images (name, entry, fingerprint, size, stored_at, data) VALUES (?, ?, ?, ?, ?, ?)",
		info.Name, info.Entry, int64(info.Fingerprint), info.Size, info.StoredAt.UnixNano(), data,
	)
	if err != nil {
		return Info{}, fmt.Errorf("saving image %s: %w", info.Name, err)
	}
	log.Debugf("stored image %s (%d bytes, %016x)", info.Name, info.Size, info.Fingerprint)
	return info, nil
}

// Get returns the encoded bytes of the named image.
func (s *Store) Get(ctx context.Context, name string) ([]byte, Info, error) {
	var (
		data []byte
		fp   int64
		at   int64
	)
	info := Info{Name: name}
	err := s.db.QueryRowContext(ctx,
		"SELECT entry, fingerprint, size, stored_at, data FROM images WHERE name = ?", name,
	).Scan(&info.Entry, &fp, &info.Size, &at, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, Info{}, fmt.Errorf("%w: %s", ErrImageNotFound, name)
		}
		return nil, Info{}, fmt.Errorf("querying image %s: %w", name, err)
	}
	info.Fingerprint = uint64(fp)
	info.StoredAt = time.Unix(0, at).UTC()
	if got := xxh3.Hash(data); got != info.Fingerprint {
		return nil, Info{}, fmt.Errorf("image %s is corrupt: fingerprint %016x, stored %016x", name, got, info.Fingerprint)
	}
	return data, info, nil
}

// Load decodes the named image into loader. Images it refers to must
// already be known to the loader.
func (s *Store) Load(ctx context.Context, loader *metadata.Loader, name string) (*metadata.Image, error) {
	data, _, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return loader.Decode(data)
}

// List returns every stored image, ordered by name.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, entry, fingerprint, size, stored_at FROM images ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var (
			info   Info
			fp, at int64
		)
		if err := rows.Scan(&info.Name, &info.Entry, &fp, &info.Size, &at); err != nil {
			return nil, fmt.Errorf("scanning image row: %w", err)
		}
		info.Fingerprint = uint64(fp)
		info.StoredAt = time.Unix(0, at).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes the named image.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM images WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting image %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrImageNotFound, name)
	}
	return nil
}
