package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dropwatch/dropwatch/internal/aggregation"
	"github.com/dropwatch/dropwatch/internal/config"
)

// Retention advances the sliding window once a day: prune everything that
// fell out of the window, age out old events and metrics, then create and
// baseline the new day's buckets. Each step is wrapped individually so one
// failure never blocks the rest.
type Retention struct {
	db        DB
	worker    *Worker
	agg       *aggregation.Aggregator
	discovery config.DiscoveryConfig
	retention config.RetentionConfig
	loc       *time.Location
	logger    *slog.Logger
}

// NewRetention creates the daily retention job.
func NewRetention(db DB, worker *Worker, agg *aggregation.Aggregator, discovery config.DiscoveryConfig, retention config.RetentionConfig, logger *slog.Logger) (*Retention, error) {
	loc, err := time.LoadLocation(discovery.DateTimezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", discovery.DateTimezone, err)
	}
	return &Retention{
		db:        db,
		worker:    worker,
		agg:       agg,
		discovery: discovery,
		retention: retention,
		loc:       loc,
		logger:    logger.With("component", "retention"),
	}, nil
}

// Run blocks until the context is cancelled, executing RunOnce at the
// configured UTC hour each day.
func (r *Retention) Run(ctx context.Context) error {
	r.logger.Info("starting retention job", "daily_run_hour_utc", r.retention.DailyRunHourUTC)
	for {
		wait := time.Until(r.nextRunAt(time.Now().UTC()))
		select {
		case <-ctx.Done():
			r.logger.Info("retention job stopped")
			return ctx.Err()
		case <-time.After(wait):
			r.RunOnce(ctx)
		}
	}
}

func (r *Retention) nextRunAt(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), r.retention.DailyRunHourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunOnce executes one full retention pass.
func (r *Retention) RunOnce(ctx context.Context) {
	now := time.Now().UTC()
	windowStart := WindowStart(now, r.loc)
	minBucket := MinWindowBucketID(windowStart, r.discovery.TimeSlots)
	r.logger.Info("retention pass starting", "window_start", windowStart)

	r.step("buckets", func() (int64, error) {
		return r.db.DeleteBucketsBefore(ctx, windowStart)
	})
	r.step("projections", func() (int64, error) {
		return r.db.DeleteProjectionsBefore(ctx, minBucket)
	})
	r.step("sessions", func() (int64, error) {
		return r.db.DeleteStatesBeforeBucket(ctx, minBucket)
	})
	r.step("drop_events_window", func() (int64, error) {
		return r.db.PruneDropEventsBeforeBucket(ctx, minBucket)
	})
	r.step("drop_events_age", func() (int64, error) {
		cutoff := now.AddDate(0, 0, -r.retention.DropEventsDays)
		return r.db.PruneDropEventsByAge(ctx, cutoff)
	})
	r.step("venue_metrics", func() (int64, error) {
		cutoff := now.AddDate(0, 0, -r.retention.MetricsDays).Format("2006-01-02")
		return r.db.PruneVenueMetricsBefore(ctx, cutoff)
	})
	r.step("market_metrics", func() (int64, error) {
		cutoff := now.AddDate(0, 0, -r.retention.MetricsDays).Format("2006-01-02")
		return r.db.PruneMarketMetricsBefore(ctx, cutoff)
	})
	r.step("rolling_metrics", func() (int64, error) {
		cutoff := now.AddDate(0, 0, -r.retention.RollingDays).Format("2006-01-02")
		return r.db.PruneRollingMetricsBefore(ctx, cutoff)
	})
	r.step("venues", func() (int64, error) {
		cutoff := now.AddDate(0, 0, -r.retention.MetricsDays)
		return r.db.PruneVenuesUnseenSince(ctx, cutoff)
	})

	r.advanceWindow(ctx, windowStart)

	if err := r.agg.RebuildRolling(ctx, now.In(r.loc).Format("2006-01-02")); err != nil {
		r.logger.Warn("failed to rebuild rolling metrics", "error", err)
	}

	r.logger.Info("retention pass complete", "window_start", windowStart)
}

// RefreshBaselines ensures the current window's buckets exist and baselines
// any bucket that has never been polled. Exposed to the admin endpoint.
func (r *Retention) RefreshBaselines(ctx context.Context) {
	r.advanceWindow(ctx, WindowStart(time.Now().UTC(), r.loc))
}

func (r *Retention) step(name string, fn func() (int64, error)) {
	n, err := fn()
	if err != nil {
		r.logger.Warn("retention step failed", "step", name, "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("retention step pruned rows", "step", name, "count", n)
	}
}

// advanceWindow ensures the advanced window's buckets exist, then baselines
// any bucket that has never been polled so the new day's first scheduled
// poll can already diff.
func (r *Retention) advanceWindow(ctx context.Context, windowStart string) {
	buckets := WindowBuckets(windowStart, r.discovery.WindowDays, r.discovery.TimeSlots)
	if created, err := r.db.EnsureBuckets(ctx, buckets); err != nil {
		r.logger.Warn("failed to ensure window buckets", "error", err)
		return
	} else if created > 0 {
		r.logger.Info("window advanced", "buckets_created", created)
	}

	ids := make([]string, 0, len(buckets))
	for _, b := range buckets {
		ids = append(ids, b.BucketID)
	}
	stored, err := r.db.ListBuckets(ctx, ids)
	if err != nil {
		r.logger.Warn("failed to list window buckets", "error", err)
		return
	}
	for _, b := range stored {
		if b.BaselineSet {
			continue
		}
		if _, err := r.worker.PollBucket(ctx, b.BucketID); err != nil {
			r.logger.Warn("failed to baseline new bucket", "bucket_id", b.BucketID, "error", err)
		}
	}
}
