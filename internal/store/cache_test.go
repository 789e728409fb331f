package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nvandessel/acoupipe/internal/features"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(context.Background(), filepath.Join(t.TempDir(), "cache", "features.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCacheRoundTrip(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	key := features.NewHasher().String("mics").Float(0.001).Sum()

	if _, ok, err := c.Get(ctx, "csm", key); err != nil || ok {
		t.Fatalf("expected miss on empty cache, got ok=%v err=%v", ok, err)
	}

	want := features.Array([]float64{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	if err := c.Put(ctx, "csm", key, want); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, ok, err := c.Get(ctx, "csm", key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if !want.Equal(got) {
		t.Errorf("expected %+v, got %+v", want, got)
	}

	// Same fingerprint, different feature.
	if _, ok, _ := c.Get(ctx, "p2", key); ok {
		t.Error("expected features to be keyed separately")
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 2 {
		t.Errorf("expected 1 hit 2 misses, got %d/%d", hits, misses)
	}
}

func TestCacheHighFingerprint(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	key := features.Fingerprint(1<<63 | 7)
	if err := c.Put(ctx, "nsources", key, features.Int(3)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, ok, err := c.Get(ctx, "nsources", key)
	if err != nil || !ok || got.Int != 3 {
		t.Errorf("expected 3, got %+v ok=%v err=%v", got, ok, err)
	}
}

func TestCacheLastWriterWins(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	if err := c.Put(ctx, "f", 1, features.Float(1)); err != nil {
		t.Fatal(err)
	}
	if err := c.Put(ctx, "f", 1, features.Float(2)); err != nil {
		t.Fatal(err)
	}
	got, _, _ := c.Get(ctx, "f", 1)
	if got.Float != 2 {
		t.Errorf("expected 2, got %v", got.Float)
	}
}

func TestCacheConcurrentWorkers(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 4*50)
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				key := features.Fingerprint(i % 5)
				if _, ok, err := c.Get(ctx, "p2", key); err != nil {
					errs <- err
				} else if !ok {
					errs <- c.Put(ctx, "p2", key, features.Floats([]float64{float64(i % 5), float64(w)}))
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("worker error: %v", err)
		}
	}

	summary, err := c.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if len(summary) != 1 || summary[0].Count != 5 || summary[0].Signatures != "floats" {
		t.Errorf("unexpected summary %+v", summary)
	}
}

func TestCachePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.db")
	ctx := context.Background()

	c, err := Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put(ctx, "loc", 9, features.Floats([]float64{0.1, -0.2, 0.5})); err != nil {
		t.Fatal(err)
	}
	if err := c.RecordRun(ctx, "run-1", "training", 1<<63, 10); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer c.Close()
	got, ok, err := c.Get(ctx, "loc", 9)
	if err != nil || !ok || got.Floats[1] != -0.2 {
		t.Errorf("expected persisted value, got %+v ok=%v err=%v", got, ok, err)
	}
	if n, err := c.Runs(ctx); err != nil || n != 1 {
		t.Errorf("expected 1 run, got %d err=%v", n, err)
	}
}

func TestPurge(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	for i := range 3 {
		_ = c.Put(ctx, "a", features.Fingerprint(i), features.Int(1))
		_ = c.Put(ctx, "b", features.Fingerprint(i), features.Int(1))
	}
	n, err := c.Purge(ctx, "a")
	if err != nil || n != 3 {
		t.Errorf("expected 3 purged, got %d err=%v", n, err)
	}
	n, err = c.Purge(ctx, "")
	if err != nil || n != 3 {
		t.Errorf("expected 3 purged, got %d err=%v", n, err)
	}
}

func TestMigrateFromV1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	ctx := context.Background()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, schemaV1); err != nil {
		t.Fatalf("failed to create v1 schema: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (1, datetime('now'))`); err != nil {
		t.Fatal(err)
	}
	db.Close()

	c, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() on v1 database error = %v", err)
	}
	defer c.Close()

	version, err := getSchemaVersion(ctx, c.db)
	if err != nil || version != SchemaVersion {
		t.Errorf("expected version %d, got %d err=%v", SchemaVersion, version, err)
	}
	if err := c.Put(ctx, "f", 1, features.Float(1)); err != nil {
		t.Errorf("Put() after migration error = %v", err)
	}
}

func TestValidateIntegrity(t *testing.T) {
	c := openTestCache(t)
	if err := ValidateIntegrity(context.Background(), c.db); err != nil {
		t.Errorf("expected healthy database, got %v", err)
	}
}

func TestCacheWithCollection(t *testing.T) {
	c := openTestCache(t)
	type backend struct{ x float64 }
	calls := 0
	coll := features.NewCollection[*backend]()
	err := coll.Add("sq", func(_ context.Context, b *backend) (features.Value, error) {
		calls++
		return features.Float(b.x * b.x), nil
	}, features.WithCache[*backend](c, func(b *backend) (features.Fingerprint, error) {
		return features.NewHasher().Float(b.x).Sum(), nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i, x := range []float64{2, 3, 2, 2} {
		rec, err := coll.Evaluate(ctx, &backend{x: x}, i, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got := rec.Values["sq"].Float; got != x*x {
			t.Errorf("sample %d: expected %v, got %v", i, x*x, got)
		}
	}
	if calls != 2 {
		t.Errorf("expected 2 computations, got %d", calls)
	}
}
