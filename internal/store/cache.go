package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nvandessel/acoupipe/internal/errdefs"
	"github.com/nvandessel/acoupipe/internal/features"
)

// Cache is a features.Cache backed by a SQLite file. Values are stored CBOR
// encoded; a later Put for the same key replaces the earlier one.
type Cache struct {
	db   *sql.DB
	path string

	hits   atomic.Int64
	misses atomic.Int64
}

var _ features.Cache = (*Cache)(nil)

// Open opens or creates the cache database at path.
func Open(ctx context.Context, path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer

	if err := InitSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Cache{db: db, path: path}, nil
}

// Path returns the database file path.
func (c *Cache) Path() string { return c.path }

// Close closes the database.
func (c *Cache) Close() error { return c.db.Close() }

func fingerprintKey(key features.Fingerprint) string {
	return key.String()
}

func (c *Cache) Get(ctx context.Context, feature string, key features.Fingerprint) (features.Value, bool, error) {
	var blob []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM feature_cache WHERE feature = ? AND fingerprint = ?`,
		feature, fingerprintKey(key)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		c.misses.Add(1)
		return features.Value{}, false, nil
	}
	if err != nil {
		return features.Value{}, false, classify(fmt.Errorf("failed to read cache entry: %w", err))
	}

	var v features.Value
	if err := cbor.Unmarshal(blob, &v); err != nil {
		return features.Value{}, false, fmt.Errorf("failed to decode cache entry %s/%s: %w", feature, key, err)
	}
	c.hits.Add(1)
	return v, true, nil
}

func (c *Cache) Put(ctx context.Context, feature string, key features.Fingerprint, v features.Value) error {
	blob, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO feature_cache (feature, fingerprint, value, signature, created_at)
		 VALUES (?, ?, ?, ?, datetime('now'))`,
		feature, fingerprintKey(key), blob, v.Signature())
	if err != nil {
		return classify(fmt.Errorf("failed to write cache entry: %w", err))
	}
	return nil
}

// Stats returns hit and miss counters for this handle.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Entry summarises the cached values of one feature.
type Entry struct {
	Feature    string `json:"feature"`
	Signatures string `json:"signatures"`
	Count      int    `json:"count"`
	Bytes      int64  `json:"bytes"`
}

// Summary returns one Entry per cached feature, ordered by name.
func (c *Cache) Summary(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT feature, GROUP_CONCAT(DISTINCT signature), COUNT(*), SUM(LENGTH(value))
		 FROM feature_cache GROUP BY feature ORDER BY feature`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise cache: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Feature, &e.Signatures, &e.Count, &e.Bytes); err != nil {
			return nil, fmt.Errorf("failed to scan cache summary: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Purge deletes the entries of one feature, or every entry when feature is
// empty, and returns the number removed.
func (c *Cache) Purge(ctx context.Context, feature string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if feature == "" {
		res, err = c.db.ExecContext(ctx, `DELETE FROM feature_cache`)
	} else {
		res, err = c.db.ExecContext(ctx, `DELETE FROM feature_cache WHERE feature = ?`, feature)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache: %w", err)
	}
	return res.RowsAffected()
}

// RecordRun notes that a run populated the cache.
func (c *Cache) RecordRun(ctx context.Context, id, split string, base uint64, numSamples int) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, split, base_seed, num_samples, started_at)
		 VALUES (?, ?, ?, ?, datetime('now'))`,
		id, split, strconv.FormatUint(base, 10), numSamples)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// Runs returns the number of recorded runs.
func (c *Cache) Runs(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}

// classify marks lock contention from another process as transient so the
// pipeline retries the sample.
func classify(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return errdefs.Transient(err)
	}
	return err
}
