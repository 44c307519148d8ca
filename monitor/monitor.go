// Package monitor feeds the trigger snapshot with environmental
// observations: satellite geometry, weather, terminal telemetry. Each
// source runs on its own cadence; a failing source keeps its last known
// value in the snapshot rather than erasing it.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/leoscope/leotest/core"
	"github.com/leoscope/leotest/trigger"
)

// Source produces one batch of named observations per sample.
type Source interface {
	Name() string
	Interval() time.Duration
	Sample(ctx context.Context) (map[string]interface{}, error)
}

// Runner drives a set of sources and writes their samples into the
// shared snapshot.
type Runner struct {
	snap    *trigger.Snapshot
	logger  core.Logger
	clock   core.Clock
	sources []Source

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewRunner(snap *trigger.Snapshot, logger core.Logger, clock core.Clock, sources ...Source) *Runner {
	if logger == nil {
		logger = &core.SimpleLogger{}
	}
	if clock == nil {
		clock = core.NewRealClock()
	}
	return &Runner{
		snap:    snap,
		logger:  logger,
		clock:   clock,
		sources: sources,
		stop:    make(chan struct{}),
	}
}

// Start samples every source once, then launches one sampling loop per
// source.
func (r *Runner) Start(ctx context.Context) {
	for _, src := range r.sources {
		r.sampleOnce(ctx, src)
		r.wg.Add(1)
		go r.loop(ctx, src)
	}
	r.logger.Noticef("monitor runner started with %d sources", len(r.sources))
}

// Shutdown stops all sampling loops and waits for them.
func (r *Runner) Shutdown() {
	close(r.stop)
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, src Source) {
	defer r.wg.Done()
	ticker := time.NewTicker(src.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sampleOnce(ctx, src)
		}
	}
}

// sampleOnce takes one sample and merges it into the snapshot. A panic
// or error in the source leaves the previous values untouched.
func (r *Runner) sampleOnce(ctx context.Context, src Source) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorf("monitor %q panicked: %v", src.Name(), rec)
		}
	}()
	vals, err := src.Sample(ctx)
	if err != nil {
		r.logger.Warningf("monitor %q: %v", src.Name(), err)
		return
	}
	r.snap.SetAll(vals, r.clock.Now())
}
