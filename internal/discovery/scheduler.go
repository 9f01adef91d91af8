package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dropwatch/dropwatch/internal/config"
	"github.com/dropwatch/dropwatch/internal/model"
	"github.com/dropwatch/dropwatch/internal/store"
)

// Scheduler owns the per-bucket cooldown state and dispatches ready buckets
// to a bounded worker pool on each tick. All scheduling state is
// process-local; cross-process safety comes from the per-bucket advisory
// lock inside the worker.
type Scheduler struct {
	db        DB
	worker    *Worker
	heartbeat *Heartbeat
	cfg       config.DiscoveryConfig
	loc       *time.Location
	logger    *slog.Logger

	mu           sync.Mutex
	nextRunAfter map[string]time.Time
	inFlight     map[string]struct{}
	tickCount    int

	sem chan struct{}

	running bool
	runMu   sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a dispatch scheduler.
func NewScheduler(db DB, worker *Worker, heartbeat *Heartbeat, cfg config.DiscoveryConfig, logger *slog.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.DateTimezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", cfg.DateTimezone, err)
	}
	return &Scheduler{
		db:           db,
		worker:       worker,
		heartbeat:    heartbeat,
		cfg:          cfg,
		loc:          loc,
		logger:       logger.With("component", "scheduler"),
		nextRunAfter: make(map[string]time.Time),
		inFlight:     make(map[string]struct{}),
		sem:          make(chan struct{}, cfg.MaxConcurrentBuckets),
		done:         make(chan struct{}),
	}, nil
}

// Run starts the tick loop and blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.runMu.Unlock()

	s.logger.Info("starting scheduler",
		"tick", s.cfg.GetTick(),
		"cooldown", s.cfg.GetCooldown(),
		"max_concurrent", s.cfg.MaxConcurrentBuckets,
		"window_days", s.cfg.WindowDays,
		"time_slots", s.cfg.TimeSlots,
	)

	ticker := time.NewTicker(s.cfg.GetTick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler context cancelled, shutting down")
			s.shutdown()
			return ctx.Err()
		case <-s.done:
			s.shutdown()
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop signals the run loop to exit.
func (s *Scheduler) Stop() {
	close(s.done)
}

// IsRunning reports whether the run loop is active.
func (s *Scheduler) IsRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// tick runs one scheduling round: ensure window buckets exist, reconcile
// scheduler state against the window, run throttled prunes, and dispatch
// ready buckets up to the pool limit.
func (s *Scheduler) tick(ctx context.Context) {
	s.heartbeat.Tick()
	now := time.Now()

	windowStart := WindowStart(now, s.loc)
	buckets := WindowBuckets(windowStart, s.cfg.WindowDays, s.cfg.TimeSlots)
	if created, err := s.db.EnsureBuckets(ctx, buckets); err != nil {
		s.logger.Warn("failed to ensure window buckets", "error", err)
	} else if created > 0 {
		s.logger.Info("window buckets created", "count", created, "window_start", windowStart)
	}

	s.runThrottledPrunes(ctx, windowStart)

	ready := s.selectReady(buckets, now)
	for _, bucketID := range ready {
		s.dispatch(ctx, bucketID)
	}
}

// runThrottledPrunes runs the lightweight prune paths at staggered tick
// intervals. The heavy daily prune belongs to the retention job.
func (s *Scheduler) runThrottledPrunes(ctx context.Context, windowStart string) {
	s.mu.Lock()
	s.tickCount++
	tick := s.tickCount
	s.mu.Unlock()

	if tick%2 == 0 {
		if _, err := s.db.DeleteAggregatedStates(ctx); err != nil {
			s.logger.Warn("failed to prune aggregated sessions", "error", err)
		}
	}
	if tick%s.cfg.PruneEveryNTicks == 0 {
		minBucket := MinWindowBucketID(windowStart, s.cfg.TimeSlots)
		if n, err := s.db.DeleteProjectionsBefore(ctx, minBucket); err != nil {
			s.logger.Warn("failed to prune projections", "error", err)
		} else if n > 0 {
			s.logger.Info("pruned out-of-window projections", "count", n)
		}
		if n, err := s.db.PruneDropEventsBeforeBucket(ctx, minBucket); err != nil {
			s.logger.Warn("failed to prune drop events", "error", err)
		} else if n > 0 {
			s.logger.Info("pruned out-of-window drop events", "count", n)
		}
	}
}

// selectReady reconciles scheduler state with the current window and returns
// up to the available pool capacity of due bucket ids, oldest deadline first.
func (s *Scheduler) selectReady(buckets []model.Bucket, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	inWindow := make(map[string]struct{}, len(buckets))
	for _, b := range buckets {
		inWindow[b.BucketID] = struct{}{}
		if _, known := s.nextRunAfter[b.BucketID]; !known {
			// New buckets run immediately.
			s.nextRunAfter[b.BucketID] = time.Time{}
		}
	}
	for id := range s.nextRunAfter {
		if _, ok := inWindow[id]; !ok {
			delete(s.nextRunAfter, id)
			delete(s.inFlight, id)
		}
	}

	capacity := s.cfg.MaxConcurrentBuckets - len(s.inFlight)
	if capacity <= 0 {
		return nil
	}

	var ready []string
	for id, after := range s.nextRunAfter {
		if _, busy := s.inFlight[id]; busy {
			continue
		}
		if after.After(now) {
			continue
		}
		ready = append(ready, id)
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := s.nextRunAfter[ready[i]], s.nextRunAfter[ready[j]]
		if a.Equal(b) {
			return ready[i] < ready[j]
		}
		return a.Before(b)
	})
	if len(ready) > capacity {
		ready = ready[:capacity]
	}
	for _, id := range ready {
		s.inFlight[id] = struct{}{}
	}
	return ready
}

// dispatch hands one bucket to the worker pool. Completion, success or not,
// re-enqueues the bucket after the cooldown.
func (s *Scheduler) dispatch(ctx context.Context, bucketID string) {
	s.wg.Add(1)
	s.heartbeat.PollStarted(bucketID)
	go func() {
		defer s.wg.Done()

		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			s.complete(bucketID, true)
			return
		}

		_, err := s.worker.PollBucket(ctx, bucketID)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrLockBusy):
			// Another process owns the bucket this round.
		default:
			s.logger.Warn("bucket poll failed", "bucket_id", bucketID, "error", err)
		}
		s.complete(bucketID, err != nil)
	}()
}

func (s *Scheduler) complete(bucketID string, failed bool) {
	s.mu.Lock()
	s.nextRunAfter[bucketID] = time.Now().Add(s.cfg.GetCooldown())
	delete(s.inFlight, bucketID)
	s.mu.Unlock()
	s.heartbeat.PollFinished(failed)
}

// shutdown waits for in-flight polls to drain.
func (s *Scheduler) shutdown() {
	s.logger.Info("waiting for in-flight polls to complete")
	s.wg.Wait()

	s.runMu.Lock()
	s.running = false
	s.runMu.Unlock()

	s.logger.Info("scheduler shutdown complete")
}
