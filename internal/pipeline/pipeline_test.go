package pipeline

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvandessel/acoupipe/internal/errdefs"
	"github.com/nvandessel/acoupipe/internal/features"
	"github.com/nvandessel/acoupipe/internal/logging"
	"github.com/nvandessel/acoupipe/internal/sampler"
	"github.com/nvandessel/acoupipe/internal/scene"
	"github.com/nvandessel/acoupipe/internal/seeds"
)

// stage is a small backend: a mixer selecting from point sources.
type stage struct {
	g       *scene.Graph
	mixer   scene.Handle
	sources []scene.Handle
}

func (s *stage) Graph() *scene.Graph { return s.g }

func newStage(n int) *stage {
	g := scene.NewGraph()
	s := &stage{g: g}
	for i := range n {
		s.sources = append(s.sources, g.MustAdd(string(rune('a'+i)), "source", map[string][]float64{
			"loc": {0, 0, 0.5},
			"rms": {1},
		}))
	}
	s.mixer = g.MustAdd("mixer", "mixer", map[string][]float64{sampler.CountAttr: {0}})
	return s
}

func stageFactory(n int) Factory[*stage] {
	return func(int) (*stage, error) { return newStage(n), nil }
}

// template holds handles valid for every stage built with the same n.
var template = newStage(5)

func stageSamplers(count sampler.Distribution) []sampler.Sampler {
	return []sampler.Sampler{
		&sampler.SubsetSampler{ID: 1, Target: template.mixer, Candidates: template.sources, Linked: true},
		&sampler.CountSampler{ID: 0, Dist: count, Target: template.mixer, Min: 1, Max: 5},
		&sampler.AttributeSampler{ID: 2, Dist: sampler.Uniform{Low: 0, High: 1}, Targets: template.sources, Attr: "rms"},
		&sampler.AttributeSampler{
			ID:      3,
			Dist:    sampler.Normal{Mu: 0, Sigma: 0.1688},
			Targets: template.sources,
			Attr:    "loc",
			Mask:    []bool{true, true, false},
			Bounds:  []sampler.Interval{{Low: -0.5, High: 0.5}, {Low: -0.5, High: 0.5}, sampler.Unbounded()},
		},
	}
}

func stageFeatures(t *testing.T) *features.Collection[*stage] {
	t.Helper()
	c := features.NewCollection[*stage]()
	require.NoError(t, c.Add("nsources", func(_ context.Context, s *stage) (features.Value, error) {
		return features.Int(int64(len(s.g.Members(s.mixer)))), nil
	}))
	require.NoError(t, c.Add("members", func(_ context.Context, s *stage) (features.Value, error) {
		var out []int64
		for _, h := range s.g.Members(s.mixer) {
			out = append(out, int64(h))
		}
		return features.Ints(out), nil
	}))
	require.NoError(t, c.Add("loc", func(_ context.Context, s *stage) (features.Value, error) {
		var out []float64
		for _, h := range s.sources {
			v, _ := s.g.Attr(h, "loc")
			out = append(out, v...)
		}
		return features.Array(out, len(s.sources), 3), nil
	}))
	require.NoError(t, c.Add("rms", func(_ context.Context, s *stage) (features.Value, error) {
		var out []float64
		for _, h := range s.sources {
			v, _ := s.g.Scalar(h, "rms")
			out = append(out, v)
		}
		return features.Floats(out), nil
	}))
	return c
}

func newTestPipeline(t *testing.T, base uint64, coll *features.Collection[*stage], count sampler.Distribution) *Pipeline[*stage] {
	t.Helper()
	p, err := New(Config{Schedule: seeds.New(base), Samplers: stageSamplers(count)}, coll)
	require.NoError(t, err)
	return p
}

func collect(t *testing.T, p *Pipeline[*stage], run Run) ([]features.Record, Stats, error) {
	t.Helper()
	var (
		mu   sync.Mutex
		recs []features.Record
	)
	stats, err := p.Run(context.Background(), run, stageFactory(5), func(r features.Record) error {
		mu.Lock()
		defer mu.Unlock()
		recs = append(recs, r)
		return nil
	})
	return recs, stats, err
}

func byIdx(recs []features.Record) []features.Record {
	out := slices.Clone(recs)
	slices.SortFunc(out, func(a, b features.Record) int { return a.Idx - b.Idx })
	return out
}

func TestModeEquivalence(t *testing.T) {
	p := newTestPipeline(t, 42, stageFeatures(t), sampler.Poisson{Mu: 3, Loc: 1})

	seq, stats, err := collect(t, p, Run{Split: seeds.Training, NumSamples: 50})
	require.NoError(t, err)
	assert.Equal(t, 50, stats.Emitted)
	for i, r := range seq {
		require.Equal(t, i, r.Idx, "sequential mode must emit in idx order")
	}

	dist, stats, err := collect(t, p, Run{Split: seeds.Training, NumSamples: 50, Workers: 4})
	require.NoError(t, err)
	assert.Equal(t, 50, stats.Emitted)

	dist = byIdx(dist)
	require.Len(t, dist, 50)
	for i := range seq {
		assert.True(t, seq[i].Equal(dist[i]), "idx %d differs between modes", i)
	}

	// The same holds for a different worker count.
	dist8, _, err := collect(t, p, Run{Split: seeds.Training, NumSamples: 50, Workers: 8})
	require.NoError(t, err)
	dist8 = byIdx(dist8)
	for i := range seq {
		assert.True(t, seq[i].Equal(dist8[i]), "idx %d differs with 8 workers", i)
	}
}

func TestOrderedDistributedRun(t *testing.T) {
	p := newTestPipeline(t, 7, stageFeatures(t), sampler.Poisson{Mu: 3, Loc: 1})
	recs, _, err := collect(t, p, Run{Split: seeds.Validation, NumSamples: 40, Workers: 4, Ordered: true})
	require.NoError(t, err)
	require.Len(t, recs, 40)
	for i, r := range recs {
		assert.Equal(t, i, r.Idx)
	}
}

func TestFixedCountScenario(t *testing.T) {
	three := sampler.Discrete{Values: []float64{3}, Weights: []float64{1}}
	run := Run{Split: seeds.Training, NumSamples: 2}

	first, _, err := collect(t, newTestPipeline(t, 1, stageFeatures(t), three), run)
	require.NoError(t, err)
	require.Len(t, first, 2)
	for _, r := range first {
		assert.Equal(t, int64(3), r.Values["nsources"].Int)
		assert.Len(t, r.Values["members"].Ints, 3)
	}
	assert.NotEqual(t, first[0].Seeds, first[1].Seeds)

	again, _, err := collect(t, newTestPipeline(t, 1, stageFeatures(t), three), run)
	require.NoError(t, err)
	for i := range first {
		assert.Equal(t, first[i].Idx, again[i].Idx)
		assert.Equal(t, first[i].Seeds, again[i].Seeds)
		assert.Equal(t, first[i].Values["members"].Ints, again[i].Values["members"].Ints)
	}
}

func TestSeedsRecordedInSlotOrder(t *testing.T) {
	p := newTestPipeline(t, 1, stageFeatures(t), sampler.Constant{Value: 2})
	assert.Equal(t, []int{0, 1, 2, 3}, p.Slots())

	recs, _, err := collect(t, p, Run{Split: seeds.Validation, NumSamples: 3})
	require.NoError(t, err)
	want, err := seeds.New(1).Seeds(seeds.Validation, 2, []int{0, 1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, want, recs[2].Seeds)
}

// flaky fails with a transient error on its first n invocations.
func flaky(n int32) (features.Func[*stage], *atomic.Int32) {
	var calls atomic.Int32
	return func(context.Context, *stage) (features.Value, error) {
		if calls.Add(1) <= n {
			return features.Value{}, errdefs.Transient(errors.New("solver did not converge"))
		}
		return features.Float(1), nil
	}, &calls
}

func TestTransientRetry(t *testing.T) {
	t.Run("budget 3 succeeds", func(t *testing.T) {
		fn, calls := flaky(2)
		coll := features.NewCollection[*stage]()
		require.NoError(t, coll.Add("p2", fn))
		p := newTestPipeline(t, 1, coll, sampler.Constant{Value: 2})

		recs, stats, err := collect(t, p, Run{Split: seeds.Training, NumSamples: 1, MaxAttempts: 3})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, 1.0, recs[0].Values["p2"].Float)
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, 2, stats.Retries)
	})

	t.Run("budget 1 aborts", func(t *testing.T) {
		fn, calls := flaky(2)
		coll := features.NewCollection[*stage]()
		require.NoError(t, coll.Add("p2", fn))
		p := newTestPipeline(t, 1, coll, sampler.Constant{Value: 2})

		recs, _, err := collect(t, p, Run{Split: seeds.Training, NumSamples: 1, MaxAttempts: 1})
		require.Error(t, err)
		assert.Empty(t, recs)
		assert.Equal(t, int32(1), calls.Load())

		var ce *errdefs.ComputeError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 0, ce.Idx)
		assert.Equal(t, 1, ce.Attempts)
		assert.True(t, errdefs.IsTransient(err))

		var te *errdefs.TaskError
		require.ErrorAs(t, err, &te)
		assert.Len(t, te.Seeds, 4)
	})
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	coll := features.NewCollection[*stage]()
	require.NoError(t, coll.Add("bad", func(context.Context, *stage) (features.Value, error) {
		calls.Add(1)
		return features.Value{}, errors.New("singular matrix")
	}))
	p := newTestPipeline(t, 1, coll, sampler.Constant{Value: 2})
	_, _, err := collect(t, p, Run{Split: seeds.Training, NumSamples: 5, MaxAttempts: 5})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	var ce *errdefs.ComputeError
	assert.False(t, errors.As(err, &ce))
}

func TestSkipAndContinue(t *testing.T) {
	var calls atomic.Int32
	coll := stageFeatures(t)
	require.NoError(t, coll.Add("fragile", func(context.Context, *stage) (features.Value, error) {
		n := calls.Add(1)
		if n == 4 || n == 8 {
			return features.Value{}, errors.New("boom")
		}
		return features.Int(1), nil
	}))

	var journal bytes.Buffer
	p, err := New(Config{
		Schedule: seeds.New(3),
		Samplers: stageSamplers(sampler.Constant{Value: 2}),
		Journal:  logging.NewJournalWriter(&journal, "test-run"),
	}, coll)
	require.NoError(t, err)

	recs, stats, err := collect(t, p, Run{Split: seeds.Training, NumSamples: 10, Policy: SkipAndContinue})
	require.NoError(t, err)
	assert.Equal(t, 8, stats.Emitted)
	require.Len(t, stats.Failures, 2)
	assert.Equal(t, 3, stats.Failures[0].Idx)
	assert.Equal(t, 7, stats.Failures[1].Idx)
	assert.Len(t, stats.Failures[0].Seeds, 4)

	var idx []int
	for _, r := range recs {
		idx = append(idx, r.Idx)
	}
	assert.Equal(t, []int{0, 1, 2, 4, 5, 6, 8, 9}, idx)
	assert.Equal(t, 2, strings.Count(journal.String(), `"event":"sample_skipped"`))
	assert.Contains(t, journal.String(), `"event":"run_end"`)
}

// pickyFeature fails whenever the first source is selected, which depends
// only on the sampled parameters and is therefore the same in every mode.
func pickyFeature(_ context.Context, s *stage) (features.Value, error) {
	if slices.Contains(s.g.Members(s.mixer), s.sources[0]) {
		return features.Value{}, errors.New("source a selected")
	}
	return features.Int(0), nil
}

func TestSkipPolicyModeEquivalence(t *testing.T) {
	coll := stageFeatures(t)
	require.NoError(t, coll.Add("picky", pickyFeature))
	p := newTestPipeline(t, 11, coll, sampler.Poisson{Mu: 2, Loc: 1})

	failed := func(stats Stats) []int {
		var out []int
		for _, f := range stats.Failures {
			out = append(out, f.Idx)
		}
		slices.Sort(out)
		return out
	}

	seqRecs, seqStats, err := collect(t, p, Run{Split: seeds.Training, NumSamples: 30, Policy: SkipAndContinue})
	require.NoError(t, err)
	distRecs, distStats, err := collect(t, p, Run{Split: seeds.Training, NumSamples: 30, Workers: 3, Policy: SkipAndContinue})
	require.NoError(t, err)

	require.NotEmpty(t, seqStats.Failures, "fixture should produce some failures")
	assert.Equal(t, failed(seqStats), failed(distStats))
	assert.Equal(t, len(seqRecs), len(distRecs))
}

func TestAbortStopsAtFirstFailure(t *testing.T) {
	coll := stageFeatures(t)
	require.NoError(t, coll.Add("picky", pickyFeature))
	p := newTestPipeline(t, 11, coll, sampler.Poisson{Mu: 2, Loc: 1})

	seqRecs, _, err := collect(t, p, Run{Split: seeds.Training, NumSamples: 30})
	var te *errdefs.TaskError
	require.ErrorAs(t, err, &te)
	k := te.Idx
	assert.Len(t, seqRecs, k)

	ordered, _, err := collect(t, p, Run{Split: seeds.Training, NumSamples: 30, Workers: 4, Ordered: true})
	require.ErrorAs(t, err, &te)
	assert.Equal(t, k, te.Idx)
	require.Len(t, ordered, k)
	for i, r := range ordered {
		assert.Equal(t, i, r.Idx)
	}

	unordered, _, err := collect(t, p, Run{Split: seeds.Training, NumSamples: 30, Workers: 4})
	require.Error(t, err)
	assert.Less(t, len(unordered), 30)
}

func TestBoundsExhaustionNamesIdx(t *testing.T) {
	samplers := []sampler.Sampler{
		&sampler.AttributeSampler{
			ID: 0, Dist: sampler.Uniform{Low: 0, High: 1}, Targets: template.sources, Attr: "rms",
			Bounds: []sampler.Interval{{Low: 2, High: 3}}, MaxRetries: 10,
		},
	}
	p, err := New(Config{Schedule: seeds.New(5), Samplers: samplers}, stageFeatures(t))
	require.NoError(t, err)

	_, err = p.Run(context.Background(), Run{Split: seeds.Test, NumSamples: 3}, stageFactory(5),
		func(features.Record) error { return nil })
	var be *errdefs.BoundsExhaustedError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 0, be.Idx)
	assert.Equal(t, 0, be.Slot)
	assert.Equal(t, 10, be.Attempts)
}

func TestSetupErrorsBeforeSampling(t *testing.T) {
	t.Run("bad config", func(t *testing.T) {
		_, err := New(Config{Schedule: seeds.New(1)}, stageFeatures(t))
		require.ErrorIs(t, err, errdefs.ErrConfig)

		dup := []sampler.Sampler{
			&sampler.CountSampler{ID: 1, Dist: sampler.Constant{Value: 1}, Target: template.mixer, Min: 1, Max: 5},
			&sampler.CustomSampler{ID: 1, Fn: nil},
		}
		_, err = New(Config{Schedule: seeds.New(1), Samplers: dup}, stageFeatures(t))
		require.ErrorIs(t, err, errdefs.ErrConfig)

		_, err = New[*stage](Config{Schedule: seeds.New(1), Samplers: stageSamplers(sampler.Constant{Value: 1})}, nil)
		require.ErrorIs(t, err, errdefs.ErrConfig)
	})

	t.Run("subset larger than candidates", func(t *testing.T) {
		samplers := []sampler.Sampler{
			&sampler.SubsetSampler{ID: 0, Target: template.mixer, Candidates: template.sources, Count: 6},
		}
		p, err := New(Config{Schedule: seeds.New(1), Samplers: samplers}, stageFeatures(t))
		require.NoError(t, err)
		emitted := 0
		_, err = p.Run(context.Background(), Run{Split: seeds.Training, NumSamples: 5, Workers: 2}, stageFactory(5),
			func(features.Record) error { emitted++; return nil })
		require.ErrorIs(t, err, errdefs.ErrConfig)
		assert.Zero(t, emitted)
	})

	t.Run("bad run", func(t *testing.T) {
		p := newTestPipeline(t, 1, stageFeatures(t), sampler.Constant{Value: 1})
		for _, run := range []Run{
			{Split: seeds.Training, NumSamples: 0},
			{Split: "holdout", NumSamples: 1},
			{Split: seeds.Training, NumSamples: 1, Policy: Policy(9)},
		} {
			_, err := p.Run(context.Background(), run, stageFactory(5), func(features.Record) error { return nil })
			require.ErrorIs(t, err, errdefs.ErrConfig, "%+v", run)
		}
	})

	t.Run("factory error", func(t *testing.T) {
		p := newTestPipeline(t, 1, stageFeatures(t), sampler.Constant{Value: 1})
		boom := errors.New("no license")
		factory := func(w int) (*stage, error) {
			if w == 2 {
				return nil, boom
			}
			return newStage(5), nil
		}
		_, err := p.Run(context.Background(), Run{Split: seeds.Training, NumSamples: 4, Workers: 3}, factory,
			func(features.Record) error { return nil })
		require.ErrorIs(t, err, boom)
	})
}

func TestEmitErrorAborts(t *testing.T) {
	p := newTestPipeline(t, 1, stageFeatures(t), sampler.Constant{Value: 1})
	sinkErr := &errdefs.SinkError{Op: "append", Err: errors.New("disk full")}
	for _, workers := range []int{1, 4} {
		n := 0
		_, err := p.Run(context.Background(), Run{Split: seeds.Training, NumSamples: 20, Workers: workers}, stageFactory(5),
			func(features.Record) error {
				n++
				if n == 3 {
					return sinkErr
				}
				return nil
			})
		require.ErrorIs(t, err, errdefs.ErrSink)
		assert.Equal(t, 3, n, "no record may reach emit after a fatal error (workers=%d)", workers)
	}
}

func TestCancellation(t *testing.T) {
	p := newTestPipeline(t, 1, stageFeatures(t), sampler.Constant{Value: 1})
	for _, workers := range []int{1, 4} {
		ctx, cancel := context.WithCancel(context.Background())
		n := 0
		_, err := p.Run(ctx, Run{Split: seeds.Training, NumSamples: 1000, Workers: workers}, stageFactory(5),
			func(features.Record) error {
				n++
				if n == 5 {
					cancel()
				}
				return nil
			})
		cancel()
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 5, n, "workers=%d", workers)
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("skip")
	require.NoError(t, err)
	assert.Equal(t, SkipAndContinue, p)
	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, AbortAll, p)
	_, err = ParsePolicy("retry")
	require.ErrorIs(t, err, errdefs.ErrConfig)
	assert.Equal(t, "skip", SkipAndContinue.String())
}

func TestBoundRun(t *testing.T) {
	p := newTestPipeline(t, 1, stageFeatures(t), sampler.Constant{Value: 1})
	src := p.Bind(Run{Split: seeds.Training, NumSamples: 3}, stageFactory(5))
	n := 0
	stats, err := src.Run(context.Background(), func(features.Record) error { n++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, stats.Emitted)
}

func TestProgressLogging(t *testing.T) {
	var logs bytes.Buffer
	p, err := New(Config{
		Schedule:      seeds.New(3),
		Samplers:      stageSamplers(sampler.Poisson{Mu: 3, Loc: 1}),
		Logger:        logging.NewLogger("info", &logs),
		ProgressEvery: time.Hour,
	}, stageFeatures(t))
	require.NoError(t, err)

	for range 2 {
		_, _, err = collect(t, p, Run{Split: seeds.Training, NumSamples: 5})
		require.NoError(t, err)
	}
	// One line per run: the first record, then throttled.
	assert.Equal(t, 2, strings.Count(logs.String(), "msg=progress"))
	assert.Contains(t, logs.String(), "emitted=1 of=5")

	logs.Reset()
	quiet := newTestPipeline(t, 3, stageFeatures(t), sampler.Poisson{Mu: 3, Loc: 1})
	quiet.logger = logging.NewLogger("info", &logs)
	_, _, err = collect(t, quiet, Run{Split: seeds.Training, NumSamples: 5})
	require.NoError(t, err)
	assert.NotContains(t, logs.String(), "msg=progress")
}

func TestOrderedRunBoundsReorderBuffer(t *testing.T) {
	var (
		calls   atomic.Int32
		emitted atomic.Int32
		seen    atomic.Int32
	)
	coll := stageFeatures(t)
	require.NoError(t, coll.Add("slow", func(context.Context, *stage) (features.Value, error) {
		if calls.Add(1) == 1 {
			// Hold the first task until the rest of the run had every
			// chance to finish around it.
			time.Sleep(300 * time.Millisecond)
			seen.Store(emitted.Load())
		}
		return features.Int(1), nil
	}))
	p := newTestPipeline(t, 5, coll, sampler.Poisson{Mu: 3, Loc: 1})

	run := Run{Split: seeds.Training, NumSamples: 200, Workers: 4, MaxAttempts: 1, Ordered: true}
	col := newCollector(p, run, func(features.Record) error {
		emitted.Add(1)
		return nil
	})
	require.NoError(t, p.runDistributed(context.Background(), run, stageFactory(5), col))
	require.NoError(t, col.finish())

	window := reorderWindow * run.Workers
	assert.Equal(t, 200, col.stats.Emitted)
	assert.Less(t, col.peak, window, "reorder buffer outgrew the dispatch window")
	assert.Less(t, int(seen.Load()), window, "records emitted while the first task was held")
}
