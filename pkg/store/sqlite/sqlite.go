// Package sqlite implements the durable side of pkg/sigcache.Store
// against a pure-Go SQLite database (spec §6.4's signature_cache
// table). modernc.org/sqlite avoids a cgo dependency, matching the
// teacher's preference for statically-linkable binaries.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/antigravity-proxy/gateway/pkg/sigcache"
)

// Store is a SQLite-backed sigcache.Store.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) the signature_cache table at path and
// returns a ready Store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create signature_cache schema: %w", err)
	}
	return &Store{db: db}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS signature_cache (
	kind TEXT NOT NULL,
	cache_key TEXT NOT NULL,
	signature TEXT NOT NULL,
	saved_at INTEGER NOT NULL,
	PRIMARY KEY (kind, cache_key)
);
`

func (s *Store) Upsert(kind sigcache.Kind, cacheKey, signature string, savedAtMs int64) error {
	_, err := s.db.Exec(
		`INSERT INTO signature_cache (kind, cache_key, signature, saved_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(kind, cache_key) DO UPDATE SET signature = excluded.signature, saved_at = excluded.saved_at`,
		string(kind), cacheKey, signature, savedAtMs,
	)
	return err
}

func (s *Store) Get(kind sigcache.Kind, cacheKey string) (string, int64, bool, error) {
	var sig string
	var savedAt int64
	err := s.db.QueryRow(
		`SELECT signature, saved_at FROM signature_cache WHERE kind = ? AND cache_key = ?`,
		string(kind), cacheKey,
	).Scan(&sig, &savedAt)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return sig, savedAt, true, nil
}

func (s *Store) DeleteOlderThan(kind sigcache.Kind, cutoffMs int64) error {
	_, err := s.db.Exec(`DELETE FROM signature_cache WHERE kind = ? AND saved_at < ?`, string(kind), cutoffMs)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
