package pipeline

import (
	"context"
	"fmt"
)

// reorderWindow bounds, in multiples of the worker count, how far dispatch
// may run ahead of the lowest idx an ordered run has not handled yet.
const reorderWindow = 4

// collector applies the failure policy to finished tasks and forwards
// records to emit. With Ordered set it holds results until every lower idx
// has been handled.
type collector[B Backend] struct {
	p     *Pipeline[B]
	run   Run
	emit  EmitFunc
	stats Stats

	next    int
	pending map[int]result
	peak    int
	// credits holds one token per dispatched idx not yet handled. Nil
	// unless the run is ordered and distributed.
	credits chan struct{}
}

func newCollector[B Backend](p *Pipeline[B], run Run, emit EmitFunc) *collector[B] {
	c := &collector[B]{p: p, run: run, emit: emit, pending: make(map[int]result)}
	if run.Ordered && run.Workers > 1 {
		c.credits = make(chan struct{}, reorderWindow*run.Workers)
	}
	return c
}

// acquire blocks until idx may be dispatched. It returns false when ctx is
// done first.
func (c *collector[B]) acquire(ctx context.Context) bool {
	if c.credits == nil {
		return true
	}
	select {
	case c.credits <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *collector[B]) accept(res result) error {
	c.stats.Retries += res.retries
	if !c.run.Ordered || c.run.Workers == 1 {
		return c.handle(res)
	}

	c.pending[res.idx] = res
	c.peak = max(c.peak, len(c.pending))
	for {
		r, ok := c.pending[c.next]
		if !ok {
			return nil
		}
		delete(c.pending, c.next)
		c.next++
		if c.credits != nil {
			<-c.credits
		}
		if err := c.handle(r); err != nil {
			return err
		}
	}
}

func (c *collector[B]) handle(res result) error {
	if res.err != nil {
		if c.run.Policy != SkipAndContinue {
			return res.err
		}
		c.stats.Failures = append(c.stats.Failures, Failure{Idx: res.idx, Seeds: res.seeds, Err: res.err})
		c.p.logger.Warn("sample skipped", "split", c.run.Split, "idx", res.idx, "seeds", res.seeds, "error", res.err)
		c.p.journal.Log("sample_skipped", map[string]any{
			"split": c.run.Split,
			"idx":   res.idx,
			"seeds": res.seeds,
			"error": res.err.Error(),
		})
		return nil
	}

	if err := c.emit(res.rec); err != nil {
		return err
	}
	c.stats.Emitted++
	if c.p.progress.Allow(c.run.Split) {
		c.p.logger.Info("progress", "split", c.run.Split, "emitted", c.stats.Emitted,
			"of", c.run.NumSamples, "skipped", len(c.stats.Failures))
	}
	return nil
}

// finish reports results still held by the reorder buffer.
func (c *collector[B]) finish() error {
	if len(c.pending) > 0 {
		return fmt.Errorf("pipeline: %d samples after idx %d never completed", len(c.pending), c.next)
	}
	return nil
}
