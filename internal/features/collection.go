package features

import (
	"context"
	"fmt"
	"sync"

	"github.com/nvandessel/acoupipe/internal/errdefs"
)

// Func extracts one feature from a backend.
type Func[B any] func(ctx context.Context, b B) (Value, error)

// FingerprintFunc derives the cache key of a backend's current inputs.
type FingerprintFunc[B any] func(b B) (Fingerprint, error)

// Option configures a feature at registration.
type Option[B any] func(*feature[B])

// WithCache routes the feature through cache, keyed by fingerprint.
func WithCache[B any](cache Cache, fingerprint FingerprintFunc[B]) Option[B] {
	return func(f *feature[B]) {
		f.cache = cache
		f.fingerprint = fingerprint
	}
}

type feature[B any] struct {
	name        string
	fn          Func[B]
	cache       Cache
	fingerprint FingerprintFunc[B]
}

// Collection is an ordered set of named feature extractors. It is safe for
// concurrent Evaluate calls as long as each call receives its own backend.
type Collection[B any] struct {
	features []feature[B]
	index    map[string]int
	prepare  func(ctx context.Context, b B) error

	mu     sync.Mutex
	shapes map[string]string
}

// NewCollection returns an empty collection.
func NewCollection[B any]() *Collection[B] {
	return &Collection[B]{
		index:  make(map[string]int),
		shapes: make(map[string]string),
	}
}

// Add registers a feature. Reserved and duplicate names are rejected.
func (c *Collection[B]) Add(name string, fn Func[B], opts ...Option[B]) error {
	if name == "" {
		return errdefs.Configf("features", "empty feature name")
	}
	if IsReserved(name) {
		return errdefs.Configf("features", "feature name %q is reserved", name)
	}
	if _, ok := c.index[name]; ok {
		return errdefs.Configf("features", "duplicate feature %q", name)
	}
	if fn == nil {
		return errdefs.Configf("features", "feature %q has no function", name)
	}
	f := feature[B]{name: name, fn: fn}
	for _, opt := range opts {
		opt(&f)
	}
	if (f.cache == nil) != (f.fingerprint == nil) {
		return errdefs.Configf("features", "feature %q: cache needs both a store and a fingerprint", name)
	}
	c.index[name] = len(c.features)
	c.features = append(c.features, f)
	return nil
}

// SetPrepare installs a hook that runs before the features of every sample.
func (c *Collection[B]) SetPrepare(fn func(ctx context.Context, b B) error) {
	c.prepare = fn
}

// Names returns feature names in registration order.
func (c *Collection[B]) Names() []string {
	names := make([]string, len(c.features))
	for i, f := range c.features {
		names[i] = f.name
	}
	return names
}

// Len returns the number of registered features.
func (c *Collection[B]) Len() int { return len(c.features) }

// Select returns a new collection holding only the named features, in the
// order given. The prepare hook carries over; the shape registry does not.
func (c *Collection[B]) Select(names ...string) (*Collection[B], error) {
	out := NewCollection[B]()
	out.prepare = c.prepare
	for _, name := range names {
		i, ok := c.index[name]
		if !ok {
			return nil, errdefs.Configf("features", "unknown feature %q", name)
		}
		if _, dup := out.index[name]; dup {
			return nil, errdefs.Configf("features", "duplicate feature %q", name)
		}
		out.index[name] = len(out.features)
		out.features = append(out.features, c.features[i])
	}
	return out, nil
}

// Evaluate runs the prepare hook and every feature against b and returns the
// record for sample idx.
func (c *Collection[B]) Evaluate(ctx context.Context, b B, idx int, seeds []uint64) (Record, error) {
	if c.prepare != nil {
		if err := c.prepare(ctx, b); err != nil {
			return Record{}, fmt.Errorf("prepare: %w", err)
		}
	}
	rec := NewRecord(idx, seeds)
	for _, f := range c.features {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		v, err := c.extract(ctx, f, b)
		if err != nil {
			return Record{}, fmt.Errorf("feature %q: %w", f.name, err)
		}
		if err := c.checkShape(f.name, v); err != nil {
			return Record{}, err
		}
		rec.Set(f.name, v)
	}
	return rec, nil
}

func (c *Collection[B]) extract(ctx context.Context, f feature[B], b B) (Value, error) {
	if f.cache == nil {
		return f.fn(ctx, b)
	}
	key, err := f.fingerprint(b)
	if err != nil {
		return Value{}, fmt.Errorf("fingerprint: %w", err)
	}
	v, ok, err := f.cache.Get(ctx, f.name, key)
	if err != nil {
		return Value{}, fmt.Errorf("cache get: %w", err)
	}
	if ok {
		return v.Clone(), nil
	}
	v, err = f.fn(ctx, b)
	if err != nil {
		return Value{}, err
	}
	if err := f.cache.Put(ctx, f.name, key, v); err != nil {
		return Value{}, fmt.Errorf("cache put: %w", err)
	}
	return v, nil
}

func (c *Collection[B]) checkShape(name string, v Value) error {
	sig := v.Signature()
	c.mu.Lock()
	defer c.mu.Unlock()
	want, ok := c.shapes[name]
	if !ok {
		c.shapes[name] = sig
		return nil
	}
	if want != sig {
		return &errdefs.ShapeError{Feature: name, Want: want, Got: sig}
	}
	return nil
}

// Shapes returns the signature fixed for each feature seen so far.
func (c *Collection[B]) Shapes() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.shapes))
	for k, v := range c.shapes {
		out[k] = v
	}
	return out
}
