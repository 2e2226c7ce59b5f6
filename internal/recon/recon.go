// Package recon keeps derived interval tables consistent with live system
// state. Each job diffs a live-truth set against the open intervals it has
// logged and emits minimal corrective writes: open a row for every newly
// live pair, close the row for every pair no longer live. All writes are
// conditional, so passes are idempotent and safe to run concurrently.
package recon

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Pair identifies one interval: an entity using a resource.
type Pair struct {
	Entity   string
	Resource string
}

func (p Pair) String() string { return p.Entity + "/" + p.Resource }

// Truth is one job's view of the world at pass time. Live holds the pairs
// currently true. Visible holds the entities the live query could see at
// all: entities outside the job's recency window are excluded from both
// sets, so their intervals are left untouched until next touched. That is a
// documented approximation, not a defect.
type Truth struct {
	Live    map[Pair]bool
	Visible map[string]bool
}

// Job is one reconciliation concern: a live-truth query, a logged-state
// query, and the two conditional writes a pass may emit.
type Job interface {
	Name() string
	LiveTruth(ctx context.Context, now time.Time) (Truth, error)
	OpenIntervals(ctx context.Context) (map[Pair]bool, error)

	// OpenInterval inserts an open row for the pair unless one already
	// exists. Reports whether a row was written.
	OpenInterval(ctx context.Context, p Pair, now time.Time) (bool, error)

	// CloseInterval stamps stop=now on the pair's open rows and reports
	// how many rows it closed.
	CloseInterval(ctx context.Context, p Pair, now time.Time) (int, error)
}

// PassStats summarizes one job pass.
type PassStats struct {
	Live   int
	Open   int
	Opened int
	Closed int
}

type Scheduler struct {
	jobs     []Job
	interval time.Duration
	now      func() time.Time
}

func NewScheduler(interval time.Duration, jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs, interval: interval, now: time.Now}
}

// Run executes one pass immediately, then one per tick until ctx ends. A
// failed pass is logged and retried on the next tick; partial progress is
// safe because every write is independently idempotent.
func (s *Scheduler) Run(ctx context.Context) {
	s.runAll(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Scheduler) runAll(ctx context.Context) {
	for _, job := range s.jobs {
		stats, err := s.RunPass(ctx, job)
		if err != nil {
			log.Printf("recon: job %s failed: %v", job.Name(), err)
			continue
		}
		if stats.Opened > 0 || stats.Closed > 0 {
			log.Printf("recon: job %s: live=%d open=%d opened=%d closed=%d",
				job.Name(), stats.Live, stats.Open, stats.Opened, stats.Closed)
		}
	}
}

// RunPass executes one pass of one job. The two write phases touch disjoint
// pairs by construction: a pair in the live set is never closed, a pair
// with an open row is never opened again.
func (s *Scheduler) RunPass(ctx context.Context, job Job) (PassStats, error) {
	now := s.now()

	truth, err := job.LiveTruth(ctx, now)
	if err != nil {
		return PassStats{}, fmt.Errorf("live truth: %w", err)
	}
	open, err := job.OpenIntervals(ctx)
	if err != nil {
		return PassStats{}, fmt.Errorf("open intervals: %w", err)
	}
	stats := PassStats{Live: len(truth.Live), Open: len(open)}

	for p := range truth.Live {
		if open[p] {
			continue
		}
		inserted, err := job.OpenInterval(ctx, p, now)
		if err != nil {
			return stats, fmt.Errorf("open %s: %w", p, err)
		}
		if inserted {
			stats.Opened++
		}
	}

	for p := range open {
		if truth.Live[p] || !truth.Visible[p.Entity] {
			continue
		}
		n, err := job.CloseInterval(ctx, p, now)
		if err != nil {
			return stats, fmt.Errorf("close %s: %w", p, err)
		}
		stats.Closed += n
	}
	return stats, nil
}
