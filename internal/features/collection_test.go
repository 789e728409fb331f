package features

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvandessel/acoupipe/internal/errdefs"
)

type fakeBackend struct {
	x     float64
	n     int
	calls int
}

func constant(v Value) Func[*fakeBackend] {
	return func(context.Context, *fakeBackend) (Value, error) { return v, nil }
}

func TestAddRejectsReservedAndDuplicate(t *testing.T) {
	c := NewCollection[*fakeBackend]()
	require.NoError(t, c.Add("p2", constant(Float(1))))

	for _, name := range []string{"idx", "seeds", "p2", ""} {
		err := c.Add(name, constant(Float(1)))
		require.ErrorIs(t, err, errdefs.ErrConfig, name)
	}
	require.ErrorIs(t, c.Add("nofn", nil), errdefs.ErrConfig)
	assert.Equal(t, []string{"p2"}, c.Names())
}

func TestEvaluateOrderAndReserved(t *testing.T) {
	c := NewCollection[*fakeBackend]()
	require.NoError(t, c.Add("b", func(_ context.Context, b *fakeBackend) (Value, error) {
		return Float(b.x), nil
	}))
	require.NoError(t, c.Add("a", constant(Ints([]int64{1, 2}))))

	rec, err := c.Evaluate(context.Background(), &fakeBackend{x: 2.5}, 7, []uint64{10, 20})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, rec.Names)
	assert.Equal(t, 7, rec.Idx)

	v, ok := rec.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2.5, v.Float)

	idx, _ := rec.Get(IdxName)
	assert.Equal(t, int64(7), idx.Int)
	seeds, _ := rec.Get(SeedsName)
	assert.Equal(t, []int64{10, 20}, seeds.Ints)
}

func TestPrepareRunsFirst(t *testing.T) {
	c := NewCollection[*fakeBackend]()
	c.SetPrepare(func(_ context.Context, b *fakeBackend) error {
		b.x = 42
		return nil
	})
	require.NoError(t, c.Add("x", func(_ context.Context, b *fakeBackend) (Value, error) {
		return Float(b.x), nil
	}))
	rec, err := c.Evaluate(context.Background(), &fakeBackend{}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 42.0, rec.Values["x"].Float)

	boom := errors.New("boom")
	c.SetPrepare(func(context.Context, *fakeBackend) error { return boom })
	_, err = c.Evaluate(context.Background(), &fakeBackend{}, 0, nil)
	require.ErrorIs(t, err, boom)
}

func TestShapeStability(t *testing.T) {
	c := NewCollection[*fakeBackend]()
	require.NoError(t, c.Add("loc", func(_ context.Context, b *fakeBackend) (Value, error) {
		return Array(make([]float64, 3*b.n), 3, b.n), nil
	}))

	ctx := context.Background()
	_, err := c.Evaluate(ctx, &fakeBackend{n: 4}, 0, nil)
	require.NoError(t, err)
	_, err = c.Evaluate(ctx, &fakeBackend{n: 4}, 1, nil)
	require.NoError(t, err)

	_, err = c.Evaluate(ctx, &fakeBackend{n: 5}, 2, nil)
	var se *errdefs.ShapeError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "loc", se.Feature)
	assert.Equal(t, "floats[3x4]", se.Want)
	assert.Equal(t, "floats[3x5]", se.Got)
	assert.Equal(t, map[string]string{"loc": "floats[3x4]"}, c.Shapes())
}

func TestVariableLengthVectors(t *testing.T) {
	c := NewCollection[*fakeBackend]()
	require.NoError(t, c.Add("members", func(_ context.Context, b *fakeBackend) (Value, error) {
		out := make([]int64, b.n)
		for i := range out {
			out[i] = int64(i)
		}
		return Ints(out), nil
	}))
	require.NoError(t, c.Add("f", func(_ context.Context, b *fakeBackend) (Value, error) {
		return Floats(make([]float64, b.n+1)), nil
	}))

	ctx := context.Background()
	for idx, n := range []int{2, 5, 0, 1} {
		rec, err := c.Evaluate(ctx, &fakeBackend{n: n}, idx, nil)
		require.NoError(t, err, "idx %d", idx)
		assert.Len(t, rec.Values["members"].Ints, n)
		assert.Len(t, rec.Values["f"].Floats, n+1)
	}
	assert.Equal(t, map[string]string{"members": "ints", "f": "floats"}, c.Shapes())

	// A kind change is still a shape error.
	require.NoError(t, c.Add("mixed", func(_ context.Context, b *fakeBackend) (Value, error) {
		if b.n > 2 {
			return Floats([]float64{1}), nil
		}
		return Ints([]int64{1}), nil
	}))
	_, err := c.Evaluate(ctx, &fakeBackend{n: 1}, 4, nil)
	require.NoError(t, err)
	_, err = c.Evaluate(ctx, &fakeBackend{n: 3}, 5, nil)
	var se *errdefs.ShapeError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "mixed", se.Feature)
}

func TestFeatureErrorKeepsTransientMark(t *testing.T) {
	c := NewCollection[*fakeBackend]()
	require.NoError(t, c.Add("p2", func(context.Context, *fakeBackend) (Value, error) {
		return Value{}, errdefs.Transient(errors.New("solver diverged"))
	}))
	_, err := c.Evaluate(context.Background(), &fakeBackend{}, 0, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))
	assert.Contains(t, err.Error(), `feature "p2"`)
}

func TestSelect(t *testing.T) {
	c := NewCollection[*fakeBackend]()
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, c.Add(n, constant(Float(1))))
	}
	sub, err := c.Select("c", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, sub.Names())

	_, err = c.Select("zz")
	require.ErrorIs(t, err, errdefs.ErrConfig)
	_, err = c.Select("a", "a")
	require.ErrorIs(t, err, errdefs.ErrConfig)
}

func TestCacheTransparency(t *testing.T) {
	cache := NewMemoryCache()
	fp := func(b *fakeBackend) (Fingerprint, error) {
		return NewHasher().Float(b.x).Sum(), nil
	}
	expensive := func(_ context.Context, b *fakeBackend) (Value, error) {
		b.calls++
		return Floats([]float64{b.x, b.x * 2}), nil
	}

	plain := NewCollection[*fakeBackend]()
	require.NoError(t, plain.Add("f", expensive))
	cached := NewCollection[*fakeBackend]()
	require.NoError(t, cached.Add("f", expensive, WithCache[*fakeBackend](cache, fp)))

	ctx := context.Background()
	inputs := []float64{1, 2, 1, 3, 2, 1}
	backend := &fakeBackend{}
	for i, x := range inputs {
		want, err := plain.Evaluate(ctx, &fakeBackend{x: x}, i, nil)
		require.NoError(t, err)
		backend.x = x
		got, err := cached.Evaluate(ctx, backend, i, nil)
		require.NoError(t, err)
		assert.True(t, want.Equal(got), "sample %d", i)

		// Mutating a returned value must not poison the cache.
		got.Values["f"].Floats[0] = -1
	}
	assert.Equal(t, 3, backend.calls)
	assert.Equal(t, 3, cache.Len())
	hits, misses := cache.Stats()
	assert.Equal(t, int64(3), hits)
	assert.Equal(t, int64(3), misses)
}

func TestWithCacheNeedsFingerprint(t *testing.T) {
	c := NewCollection[*fakeBackend]()
	err := c.Add("f", constant(Float(1)), WithCache[*fakeBackend](NewMemoryCache(), nil))
	require.ErrorIs(t, err, errdefs.ErrConfig)
}

func TestMemoryCacheConcurrent(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				key := Fingerprint(i % 10)
				if _, ok, _ := cache.Get(ctx, "f", key); !ok {
					_ = cache.Put(ctx, "f", key, Int(int64(i%10)))
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, cache.Len())
	v, ok, err := cache.Get(ctx, "f", 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), v.Int)
}

func TestHasherDistinguishesFields(t *testing.T) {
	a := NewHasher().String("ab").String("c").Sum()
	b := NewHasher().String("a").String("bc").Sum()
	assert.NotEqual(t, a, b)

	c := NewHasher().Int(1).Sum()
	d := NewHasher().Uint(1).Sum()
	assert.NotEqual(t, c, d)

	e := NewHasher().Floats([]float64{1, 2}).Sum()
	f := NewHasher().Floats([]float64{1, 2}).Sum()
	assert.Equal(t, e, f)
	assert.Len(t, e.String(), 16)
}
