// Package pipeline drives samplers and feature extraction over a range of
// sample indices, either sequentially on one backend or across a pool of
// workers that each own a backend.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nvandessel/acoupipe/internal/errdefs"
	"github.com/nvandessel/acoupipe/internal/features"
	"github.com/nvandessel/acoupipe/internal/logging"
	"github.com/nvandessel/acoupipe/internal/ratelimit"
	"github.com/nvandessel/acoupipe/internal/sampler"
	"github.com/nvandessel/acoupipe/internal/scene"
	"github.com/nvandessel/acoupipe/internal/seeds"
)

// DefaultMaxAttempts is the attempt budget for a sample whose errors are
// marked transient.
const DefaultMaxAttempts = 3

const tracerName = "github.com/nvandessel/acoupipe/internal/pipeline"

// Backend is the simulation state samplers write into and features read.
type Backend interface {
	Graph() *scene.Graph
}

// Factory builds the backend for one worker. Worker 0 is also the backend
// of a sequential run. Each call must return an independent backend.
type Factory[B Backend] func(worker int) (B, error)

// EmitFunc receives each finished record.
type EmitFunc func(features.Record) error

// Policy decides what a failed sample does to the run.
type Policy int

const (
	// AbortAll stops the run at the first failed sample.
	AbortAll Policy = iota
	// SkipAndContinue omits failed samples and records them in Stats.
	SkipAndContinue
)

func (p Policy) String() string {
	switch p {
	case AbortAll:
		return "abort"
	case SkipAndContinue:
		return "skip"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps "abort" or "skip" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "abort", "abort-all":
		return AbortAll, nil
	case "skip", "skip-and-continue":
		return SkipAndContinue, nil
	default:
		return AbortAll, errdefs.Configf("pipeline", "unknown failure policy %q", s)
	}
}

// Config holds the parts of a pipeline fixed across runs.
type Config struct {
	Schedule seeds.Schedule
	Samplers []sampler.Sampler
	Logger   *slog.Logger
	Journal  *logging.Journal
	Tracer   trace.Tracer
	// ProgressEvery is the interval between progress log lines of a run;
	// zero disables them.
	ProgressEvery time.Duration
}

// Run describes one pass over a split.
type Run struct {
	Split       string
	NumSamples  int
	Workers     int
	MaxAttempts int
	Policy      Policy
	// Ordered makes a distributed run emit in idx order.
	Ordered bool
}

// Failure is a sample omitted under SkipAndContinue.
type Failure struct {
	Idx   int
	Seeds []uint64
	Err   error
}

// Stats summarises a finished run.
type Stats struct {
	Emitted  int
	Failures []Failure
	Retries  int
	Elapsed  time.Duration
}

// Pipeline applies samplers in slot order and evaluates features for each
// sample index.
type Pipeline[B Backend] struct {
	schedule seeds.Schedule
	samplers []sampler.Sampler
	slots    []int
	features *features.Collection[B]
	logger   *slog.Logger
	journal  *logging.Journal
	tracer   trace.Tracer
	progress *ratelimit.Limiter
}

// New checks the static configuration and returns a pipeline. Samplers are
// validated against a backend at the start of every run.
func New[B Backend](cfg Config, coll *features.Collection[B]) (*Pipeline[B], error) {
	if coll == nil {
		return nil, errdefs.Configf("pipeline", "no feature collection")
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Samplers) == 0 {
		return nil, errdefs.Configf("pipeline", "no samplers configured")
	}
	sorted := sampler.Sorted(sampler.Resolve(cfg.Samplers))
	slots := sampler.Slots(sorted)
	for i, slot := range slots {
		if slot < 0 || slot >= seeds.MaxSlots {
			return nil, errdefs.Configf("pipeline", "sampler slot %d outside [0, %d)", slot, seeds.MaxSlots)
		}
		if i > 0 && slots[i-1] == slot {
			return nil, errdefs.Configf("pipeline", "duplicate sampler slot %d", slot)
		}
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Pipeline[B]{
		schedule: cfg.Schedule,
		samplers: sorted,
		slots:    slots,
		features: coll,
		logger:   logging.OrDiscard(cfg.Logger),
		journal:  cfg.Journal,
		tracer:   tracer,
		progress: ratelimit.Every(cfg.ProgressEvery),
	}, nil
}

// Slots returns the sampler slots in execution order.
func (p *Pipeline[B]) Slots() []int { return p.slots }

// Features returns the feature collection.
func (p *Pipeline[B]) Features() *features.Collection[B] { return p.features }

// Seeds returns the seed list recorded for one sample.
func (p *Pipeline[B]) Seeds(split string, idx int) ([]uint64, error) {
	return p.schedule.Seeds(split, idx, p.slots)
}

// Bound is a pipeline with fixed run parameters, ready to be drained by a
// writer.
type Bound[B Backend] struct {
	p       *Pipeline[B]
	run     Run
	factory Factory[B]
}

// Bind fixes the run parameters and backend factory.
func (p *Pipeline[B]) Bind(run Run, factory Factory[B]) *Bound[B] {
	return &Bound[B]{p: p, run: run, factory: factory}
}

// Run executes the bound run.
func (s *Bound[B]) Run(ctx context.Context, emit EmitFunc) (Stats, error) {
	return s.p.Run(ctx, s.run, s.factory, emit)
}

func (p *Pipeline[B]) normalize(run Run) (Run, error) {
	if err := seeds.CheckCapacity(run.NumSamples); err != nil {
		return run, err
	}
	if _, err := p.schedule.SplitIndex(run.Split); err != nil {
		return run, err
	}
	if run.Workers < 1 {
		run.Workers = 1
	}
	if run.MaxAttempts <= 0 {
		run.MaxAttempts = DefaultMaxAttempts
	}
	if run.Policy != AbortAll && run.Policy != SkipAndContinue {
		return run, errdefs.Configf("pipeline", "unknown failure policy %d", int(run.Policy))
	}
	return run, nil
}

// setup builds and validates one backend.
func (p *Pipeline[B]) setup(factory Factory[B], worker int) (B, error) {
	b, err := factory(worker)
	if err != nil {
		var zero B
		return zero, fmt.Errorf("worker %d: failed to build backend: %w", worker, err)
	}
	if err := sampler.ValidateSet(b.Graph(), p.samplers); err != nil {
		var zero B
		return zero, err
	}
	return b, nil
}

// Run draws and extracts run.NumSamples samples and passes each record to
// emit. With one worker, records arrive in idx order from a single backend.
// With more, each worker owns a backend built by factory and records arrive
// in completion order unless run.Ordered is set.
func (p *Pipeline[B]) Run(ctx context.Context, run Run, factory Factory[B], emit EmitFunc) (Stats, error) {
	run, err := p.normalize(run)
	if err != nil {
		return Stats{}, err
	}

	start := time.Now()
	col := newCollector(p, run, emit)
	p.progress.Reset(run.Split)
	p.logger.Info("run started",
		"split", run.Split, "numsamples", run.NumSamples, "workers", run.Workers, "policy", run.Policy.String())
	p.journal.Log("run_start", map[string]any{
		"split":      run.Split,
		"numsamples": run.NumSamples,
		"workers":    run.Workers,
		"base_seed":  p.schedule.Base,
		"policy":     run.Policy.String(),
	})

	if run.Workers == 1 {
		err = p.runSequential(ctx, run, factory, col)
	} else {
		err = p.runDistributed(ctx, run, factory, col)
	}

	col.stats.Elapsed = time.Since(start)
	fields := map[string]any{
		"emitted":    col.stats.Emitted,
		"skipped":    len(col.stats.Failures),
		"retries":    col.stats.Retries,
		"elapsed_ms": col.stats.Elapsed.Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		p.logger.Error("run aborted", "split", run.Split, "emitted", col.stats.Emitted, "error", err)
	} else {
		p.logger.Info("run finished", "split", run.Split, "emitted", col.stats.Emitted,
			"skipped", len(col.stats.Failures), "elapsed", col.stats.Elapsed)
	}
	p.journal.Log("run_end", fields)
	return col.stats, err
}

func (p *Pipeline[B]) runSequential(ctx context.Context, run Run, factory Factory[B], col *collector[B]) error {
	b, err := p.setup(factory, 0)
	if err != nil {
		return err
	}
	for idx := range run.NumSamples {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := col.accept(p.task(ctx, b, run, 0, idx)); err != nil {
			return err
		}
	}
	return nil
}

// result is one finished task.
type result struct {
	idx     int
	seeds   []uint64
	rec     features.Record
	err     error
	retries int
}

// task runs the full draw and extract sequence for idx on b, retrying the
// whole sequence while the error is transient.
func (p *Pipeline[B]) task(ctx context.Context, b B, run Run, worker, idx int) result {
	ctx, span := p.tracer.Start(ctx, "pipeline.sample", trace.WithAttributes(
		attribute.String("split", run.Split),
		attribute.Int("idx", idx),
		attribute.Int("worker", worker),
	))
	defer span.End()

	res := result{idx: idx}
	res.seeds, res.err = p.Seeds(run.Split, idx)
	if res.err != nil {
		return res
	}

	attempts := 0
	rec, err := backoff.Retry(ctx, func() (features.Record, error) {
		attempts++
		rec, err := p.draw(ctx, b, idx, res.seeds)
		if err != nil && !errdefs.IsTransient(err) {
			return rec, backoff.Permanent(err)
		}
		return rec, err
	},
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(uint(run.MaxAttempts)),
		backoff.WithNotify(func(err error, _ time.Duration) {
			p.logger.Debug("retrying sample", "idx", idx, "worker", worker, "error", err)
		}),
	)
	res.retries = attempts - 1
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		if errdefs.IsTransient(err) {
			err = &errdefs.ComputeError{Idx: idx, Attempts: attempts, Err: err}
		}
		res.err = &errdefs.TaskError{Idx: idx, Seeds: res.seeds, Err: err}
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		return res
	}
	res.rec = rec
	return res
}

// draw applies every sampler in slot order, then evaluates the features.
func (p *Pipeline[B]) draw(ctx context.Context, b B, idx int, seedList []uint64) (features.Record, error) {
	g := b.Graph()
	for i, s := range p.samplers {
		if err := s.Sample(g, seedList[i]); err != nil {
			var be *errdefs.BoundsExhaustedError
			if errors.As(err, &be) {
				be.Idx = idx
			}
			return features.Record{}, err
		}
	}
	p.logger.Log(ctx, logging.LevelTrace, "sample drawn", "idx", idx)
	return p.features.Evaluate(ctx, b, idx, seedList)
}
