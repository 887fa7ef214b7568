// Package cache stores clip results on disk keyed by dataset id and AOI, so
// repeated queries over the same area skip the geometric work.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/coverage-cli/internal/clip"
)

// Key builds the composite cache key. The AOI is rounded to stable precision
// (4 decimal degrees for the center, 2 decimals for the radius) so equivalent
// requests hit the same entry; any other AOI or dataset yields a new key.
func Key(fileID int64, aoi clip.AOI) string {
	return fmt.Sprintf("%d_%.4f_%.4f_%.2f", fileID, aoi.Lat, aoi.Lon, aoi.RadiusMiles)
}

// Store is a SQLite-backed clip result cache. Entries are write-once per key;
// concurrent writers for the same key are idempotent, so no locking beyond
// SQLite's own is needed.
type Store struct {
	db *sql.DB
}

const migration = `
CREATE TABLE IF NOT EXISTS clip_cache (
	cache_key TEXT PRIMARY KEY,
	file_id   INTEGER NOT NULL,
	result    TEXT NOT NULL,
	cached_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

// Open opens (creating if needed) the cache database at path and configures
// WAL mode.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "cache: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "cache: exec %s", pragma)
		}
	}
	if _, err := db.Exec(migration); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "cache: migrate")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cached result for the key, or nil on a miss. The returned
// result is tagged as cache-derived.
func (s *Store) Get(ctx context.Context, key string) (*clip.Result, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM clip_cache WHERE cache_key = ?`, key,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "cache: get")
	}

	var result clip.Result
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, eris.Wrap(err, "cache: decode entry")
	}
	result.Cached = true
	return &result, nil
}

// Put stores a result under the key. Existing entries are left untouched:
// cache entries are immutable once written.
func (s *Store) Put(ctx context.Context, key string, fileID int64, result *clip.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "cache: encode entry")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO clip_cache (cache_key, file_id, result) VALUES (?, ?, ?)`,
		key, fileID, string(payload),
	)
	if err != nil {
		return eris.Wrap(err, "cache: put")
	}
	return nil
}

// Cached wraps a clip function with this store. On a hit the stored result is
// returned tagged as cached; on a miss the wrapped function runs and its
// result is persisted best-effort. A write failure degrades to "computed but
// uncached" with a warning, never to a request failure.
func (s *Store) Cached(fn clip.Func) clip.Func {
	return func(ctx context.Context, req clip.Request) (*clip.Result, error) {
		key := Key(req.DatasetID, req.AOI)

		hit, err := s.Get(ctx, key)
		if err != nil {
			zap.L().Warn("cache read failed, recomputing",
				zap.String("key", key),
				zap.Error(err),
			)
		} else if hit != nil {
			zap.L().Debug("cache hit", zap.String("key", key))
			return hit, nil
		}

		result, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}

		if err := s.Put(ctx, key, req.DatasetID, result); err != nil {
			zap.L().Warn("cache write failed, result not cached",
				zap.String("key", key),
				zap.Error(err),
			)
		}
		return result, nil
	}
}
