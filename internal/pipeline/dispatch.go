package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// runDistributed fans idx values out to run.Workers workers over a bounded
// jobs queue and collects their results on the calling goroutine. Each
// worker takes jobs in submission order, so its own results keep that
// order. On abort the feeder stops, queued jobs are not started, and results
// of in-flight tasks are drained and dropped. An ordered run also holds the
// feeder back while reorderWindow*Workers samples are dispatched but not yet
// emitted, which bounds the reorder buffer.
func (p *Pipeline[B]) runDistributed(ctx context.Context, run Run, factory Factory[B], col *collector[B]) error {
	// Every backend is built and validated before the first task so that
	// setup errors surface before any sample is drawn.
	backends := make([]B, run.Workers)
	for w := range backends {
		b, err := p.setup(factory, w)
		if err != nil {
			return err
		}
		backends[w] = b
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(dispatchCtx)

	jobs := make(chan int, run.Workers*2)
	results := make(chan result, run.Workers*2)

	g.Go(func() error {
		defer close(jobs)
		for idx := range run.NumSamples {
			if !col.acquire(gctx) {
				return nil
			}
			select {
			case <-gctx.Done():
				return nil
			case jobs <- idx:
			}
		}
		return nil
	})

	for w, b := range backends {
		g.Go(func() error {
			for idx := range jobs {
				if gctx.Err() != nil {
					return nil
				}
				// Tasks run on the caller's context: once started, a task
				// finishes even if the run is being aborted.
				res := p.task(ctx, b, run, w, idx)
				select {
				case results <- res:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}

	var gerr error
	go func() {
		gerr = g.Wait()
		close(results)
	}()

	var cerr error
	for res := range results {
		if cerr != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			cerr = err
			cancel()
			continue
		}
		if err := col.accept(res); err != nil {
			cerr = err
			cancel()
		}
	}
	switch {
	case cerr != nil:
		return cerr
	case gerr != nil:
		return gerr
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return col.finish()
	}
}
