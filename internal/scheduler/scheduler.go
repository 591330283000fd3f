// Package scheduler owns every timer Apollo arms: one per CheckSpec plus the
// heal loop, each single-flight, dispatching into the pure tick/decision
// functions. This is consul-replicate's Runner.Start/Stop event-loop shape
// (internal timers, an ErrCh/DoneCh pair, a Stop that tears everything down)
// generalized from one watch-driven loop to N independent interval timers.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// initialDelay is the delay before every check's first firing, letting
// registration settle before the first real tick.
const initialDelay = 10 * time.Second

// healInitialDelay is the heal loop's first-firing delay.
const healInitialDelay = 100 * time.Millisecond

// HealFunc is invoked on every heal timer firing (or on a fast-heal
// request). fast is true iff this invocation bypassed the heal timer.
type HealFunc func(fast bool)

// Scheduler runs one goroutine per CheckSpec plus the heal loop.
type Scheduler struct {
	log  hclog.Logger
	deps func(CheckSpec) TickDeps

	healFrequency time.Duration
	heal          HealFunc

	wg     sync.WaitGroup
	cancel context.CancelFunc

	// healBusy and the per-check busy flags enforce invariants 1 and 2:
	// at most one in-flight invocation per check, and at most one in-flight
	// heal, at any time.
	healBusy int32
}

// New builds a Scheduler. depsFor returns the TickDeps for a given
// CheckSpec; it is called fresh on every firing so ledgers/env builders
// never go stale.
func New(log hclog.Logger, depsFor func(CheckSpec) TickDeps, healFrequency time.Duration, heal HealFunc) *Scheduler {
	return &Scheduler{log: log, deps: depsFor, healFrequency: healFrequency, heal: heal}
}

// Start arms every check's timer plus the heal loop and returns
// immediately; call Stop to tear them down.
func (s *Scheduler) Start(specs []CheckSpec) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, spec := range specs {
		spec := spec
		s.wg.Add(1)
		go s.runCheckLoop(ctx, spec)
	}

	s.wg.Add(1)
	go s.runHealLoop(ctx)
}

// Stop cancels every timer goroutine and waits for in-flight ticks to
// finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) runCheckLoop(ctx context.Context, spec CheckSpec) {
	defer s.wg.Done()

	var busy int32
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.fireCheck(ctx, spec, &busy)
			timer.Reset(time.Duration(spec.FrequencySeconds) * time.Second)
		}
	}
}

func (s *Scheduler) fireCheck(ctx context.Context, spec CheckSpec, busy *int32) {
	if !atomic.CompareAndSwapInt32(busy, 0, 1) {
		s.log.Warn("dropping tick, previous invocation still in flight", "check", spec.ID)
		return
	}
	defer atomic.StoreInt32(busy, 0)

	select {
	case <-time.After(spec.StartJitter):
	case <-ctx.Done():
		return
	}

	RunTick(ctx, spec, s.deps(spec))
}

func (s *Scheduler) runHealLoop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(healInitialDelay)
	defer timer.Stop()

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if first {
				// The first heal firing is always skipped, to let the
				// first round of checks publish status.
				first = false
			} else {
				s.fireHeal(false)
			}
			timer.Reset(s.healFrequency)
		}
	}
}

// FastHeal is wired as TickDeps.OnFastHeal: it invokes the heal orchestrator
// immediately, single-flight with the regular heal loop.
func (s *Scheduler) FastHeal() {
	s.fireHeal(true)
}

func (s *Scheduler) fireHeal(fast bool) {
	if !atomic.CompareAndSwapInt32(&s.healBusy, 0, 1) {
		s.log.Warn("dropping heal tick, previous invocation still in flight", "fast", fast)
		return
	}
	defer atomic.StoreInt32(&s.healBusy, 0)

	s.heal(fast)
}
