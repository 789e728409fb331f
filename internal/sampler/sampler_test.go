package sampler

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvandessel/acoupipe/internal/errdefs"
	"github.com/nvandessel/acoupipe/internal/scene"
)

type fixture struct {
	g          *scene.Graph
	mixer      scene.Handle
	candidates []scene.Handle
}

func newFixture(t *testing.T, n int) fixture {
	t.Helper()
	g := scene.NewGraph()
	f := fixture{g: g}
	for i := range n {
		h := g.MustAdd(string(rune('a'+i)), "source", map[string][]float64{
			"loc": {0, 0, 0.5},
			"rms": {1},
		})
		f.candidates = append(f.candidates, h)
	}
	f.mixer = g.MustAdd("mixer", "mixer", map[string][]float64{CountAttr: {0}})
	return f
}

func TestSubsetWithoutReplacement(t *testing.T) {
	f := newFixture(t, 8)
	s := &SubsetSampler{ID: 1, Target: f.mixer, Candidates: f.candidates, Count: 5}
	require.NoError(t, ValidateSet(f.g, []Sampler{s}))

	for seed := range uint64(500) {
		require.NoError(t, s.Sample(f.g, seed))
		members := f.g.Members(f.mixer)
		require.Len(t, members, 5)
		seen := map[scene.Handle]bool{}
		for _, m := range members {
			assert.False(t, seen[m], "seed %d: duplicate member %d", seed, m)
			seen[m] = true
		}
	}
}

func TestSubsetDeterministic(t *testing.T) {
	f := newFixture(t, 6)
	s := &SubsetSampler{ID: 1, Target: f.mixer, Candidates: f.candidates, Count: 3}
	require.NoError(t, s.Sample(f.g, 77))
	first := append([]scene.Handle(nil), f.g.Members(f.mixer)...)
	require.NoError(t, s.Sample(f.g, 77))
	assert.Equal(t, first, f.g.Members(f.mixer))
}

func TestSubsetRejectsOversizedCount(t *testing.T) {
	f := newFixture(t, 3)
	s := &SubsetSampler{ID: 1, Target: f.mixer, Candidates: f.candidates, Count: 4}
	err := ValidateSet(f.g, []Sampler{s})
	require.ErrorIs(t, err, errdefs.ErrConfig)
}

func TestLinkedSubsetNeedsPrecedingCount(t *testing.T) {
	f := newFixture(t, 5)
	sub := &SubsetSampler{ID: 1, Target: f.mixer, Candidates: f.candidates, Linked: true}

	tests := []struct {
		name  string
		count *CountSampler
	}{
		{"missing", nil},
		{"after subset", &CountSampler{ID: 2, Dist: Constant{3}, Target: f.mixer, Min: 1, Max: 5}},
		{"range exceeds candidates", &CountSampler{ID: 0, Dist: Constant{3}, Target: f.mixer, Min: 1, Max: 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := []Sampler{sub}
			if tt.count != nil {
				list = append(list, tt.count)
			}
			require.ErrorIs(t, ValidateSet(f.g, list), errdefs.ErrConfig)
		})
	}

	ok := &CountSampler{ID: 0, Dist: Constant{3}, Target: f.mixer, Min: 1, Max: 5}
	require.NoError(t, ValidateSet(f.g, []Sampler{sub, ok}))
	for _, s := range Sorted([]Sampler{sub, ok}) {
		require.NoError(t, s.Sample(f.g, 9))
	}
	assert.Len(t, f.g.Members(f.mixer), 3)
}

func TestValidateSetRejectsSlotCollision(t *testing.T) {
	f := newFixture(t, 2)
	a := &AttributeSampler{ID: 3, Dist: Normal{0, 1}, Targets: f.candidates, Attr: "rms"}
	b := &SubsetSampler{ID: 3, Target: f.mixer, Candidates: f.candidates, Count: 1}
	require.ErrorIs(t, ValidateSet(f.g, []Sampler{a, b}), errdefs.ErrConfig)
	require.ErrorIs(t, ValidateSet(f.g, nil), errdefs.ErrConfig)
}

func TestAttributeMissingIsConfigError(t *testing.T) {
	f := newFixture(t, 2)
	s := &AttributeSampler{ID: 0, Dist: Normal{0, 1}, Targets: f.candidates, Attr: "gain"}
	var ce *errdefs.ConfigError
	require.ErrorAs(t, s.Validate(f.g), &ce)
}

func TestBoundsInvariant(t *testing.T) {
	f := newFixture(t, 4)
	s := &AttributeSampler{
		ID:      2,
		Dist:    Normal{Mu: 0, Sigma: 0.1688},
		Targets: f.candidates,
		Attr:    "loc",
		Mask:    []bool{true, true, false},
		Bounds:  []Interval{{-0.5, 0.5}, {-0.5, 0.5}, Unbounded()},
	}
	require.NoError(t, s.Validate(f.g))

	for seed := range uint64(300) {
		require.NoError(t, s.Sample(f.g, seed))
		for _, h := range f.candidates {
			loc, _ := f.g.Attr(h, "loc")
			assert.True(t, loc[0] >= -0.5 && loc[0] <= 0.5, "x=%v", loc[0])
			assert.True(t, loc[1] >= -0.5 && loc[1] <= 0.5, "y=%v", loc[1])
			assert.Equal(t, 0.5, loc[2], "masked-out z must not change")
		}
	}
}

func TestUnsatisfiableBoundsExhaust(t *testing.T) {
	f := newFixture(t, 1)
	s := &AttributeSampler{
		ID:         4,
		Dist:       Uniform{0, 1},
		Targets:    f.candidates,
		Attr:       "rms",
		Bounds:     []Interval{{Low: 1, High: -1}},
		MaxRetries: 25,
	}
	require.NoError(t, s.Validate(f.g))

	err := s.Sample(f.g, 11)
	var be *errdefs.BoundsExhaustedError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 4, be.Slot)
	assert.Equal(t, 25, be.Attempts)
	assert.Equal(t, uint64(11), be.Seed)

	rms, _ := f.g.Scalar(f.candidates[0], "rms")
	assert.Equal(t, 1.0, rms, "failed draw must not write")
}

func TestClipPolicy(t *testing.T) {
	f := newFixture(t, 1)
	s := &AttributeSampler{
		ID:         0,
		Dist:       Constant{5},
		Targets:    f.candidates,
		Attr:       "rms",
		Bounds:     []Interval{{0, 2}},
		Clip:       true,
		MaxRetries: 3,
	}
	require.NoError(t, s.Sample(f.g, 1))
	rms, _ := f.g.Scalar(f.candidates[0], "rms")
	assert.Equal(t, 2.0, rms)
}

func TestOffsetJittersAroundReference(t *testing.T) {
	g := scene.NewGraph()
	mics := g.MustAdd("mics", "array", map[string][]float64{"mpos": {0, 0, 0, 1, 1, 0}})
	s := &AttributeSampler{
		ID:      0,
		Dist:    Constant{0.01},
		Targets: []scene.Handle{mics},
		Attr:    "mpos",
		Mask:    []bool{true, true, false},
		Offset:  true,
	}
	require.NoError(t, s.Validate(g))

	// Applying twice must not accumulate.
	require.NoError(t, s.Sample(g, 1))
	require.NoError(t, s.Sample(g, 2))
	got, _ := g.Attr(mics, "mpos")
	assert.InDeltaSlice(t, []float64{0.01, 0.01, 0, 1.01, 1.01, 0}, got, 1e-12)
}

func TestCountSamplerBounds(t *testing.T) {
	f := newFixture(t, 3)
	c := &CountSampler{ID: 0, Dist: Constant{7}, Target: f.mixer, Min: 1, Max: 3, MaxRetries: 5}
	require.NoError(t, c.Validate(f.g))
	require.ErrorIs(t, c.Sample(f.g, 0), errdefs.ErrBoundsExhausted)

	c.Dist = Poisson{Mu: 1, Loc: 1}
	for seed := range uint64(100) {
		require.NoError(t, c.Sample(f.g, seed))
		n, _ := f.g.Scalar(f.mixer, CountAttr)
		assert.True(t, n >= 1 && n <= 3)
	}
}

func TestCountSamplerOpenRange(t *testing.T) {
	f := newFixture(t, 3)

	open := &CountSampler{ID: 0, Dist: Constant{7}, Target: f.mixer}
	require.NoError(t, open.Validate(f.g))
	require.NoError(t, open.Sample(f.g, 0))
	n, _ := f.g.Scalar(f.mixer, CountAttr)
	assert.Equal(t, 7.0, n)

	count := &CountSampler{ID: 0, Dist: Poisson{Mu: 3, Loc: 1}, Target: f.mixer, Min: 1}
	subset := &SubsetSampler{ID: 1, Target: f.mixer, Candidates: f.candidates, Linked: true}
	list := Resolve([]Sampler{count, subset})
	require.NoError(t, ValidateSet(f.g, list))
	assert.Equal(t, 0, count.Max, "Resolve must not modify its input")
	assert.Equal(t, 3, list[0].(*CountSampler).Max)
	assert.Same(t, subset, list[1])

	for seed := range uint64(200) {
		for _, s := range list {
			require.NoError(t, s.Sample(f.g, seed), "seed %d", seed)
		}
		n, _ := f.g.Scalar(f.mixer, CountAttr)
		assert.True(t, n >= 1 && n <= 3, "seed %d drew %v", seed, n)
		assert.Len(t, f.g.Members(f.mixer), int(n))
	}
}

func TestCustomSampler(t *testing.T) {
	f := newFixture(t, 3)
	boom := errors.New("boom")
	s := &CustomSampler{ID: 5, Name: "rms", Fn: func(r *rand.Rand, g *scene.Graph) error {
		for _, h := range f.candidates {
			if err := g.SetScalar(h, "rms", r.Float64()); err != nil {
				return err
			}
		}
		return nil
	}}
	require.NoError(t, s.Validate(f.g))
	require.NoError(t, s.Sample(f.g, 3))
	a, _ := f.g.Scalar(f.candidates[0], "rms")
	require.NoError(t, s.Sample(f.g, 3))
	b, _ := f.g.Scalar(f.candidates[0], "rms")
	assert.Equal(t, a, b)

	s.Fn = func(*rand.Rand, *scene.Graph) error { return boom }
	require.ErrorIs(t, s.Sample(f.g, 3), boom)

	require.ErrorIs(t, (&CustomSampler{ID: 1}).Validate(f.g), errdefs.ErrConfig)
}

func TestSortedBySlot(t *testing.T) {
	f := newFixture(t, 2)
	list := []Sampler{
		&SubsetSampler{ID: 4, Target: f.mixer, Candidates: f.candidates, Count: 1},
		&CountSampler{ID: 1, Dist: Constant{1}, Target: f.mixer, Min: 1, Max: 2},
		&CustomSampler{ID: 2, Fn: func(*rand.Rand, *scene.Graph) error { return nil }},
	}
	assert.Equal(t, []int{1, 2, 4}, Slots(Sorted(list)))
}
