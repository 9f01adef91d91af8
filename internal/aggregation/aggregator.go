// Package aggregation maintains the venue and market summaries derived from
// drop events and closed availability sessions. Counters update incrementally
// as slots open and close; the trailing-window rollup rebuilds daily.
package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/dropwatch/dropwatch/internal/model"
	"github.com/dropwatch/dropwatch/internal/store"
)

// DB is the store surface the aggregator needs.
type DB interface {
	store.Querier
	RunTxn(ctx context.Context, fn func(q store.Querier) error) error
}

// Aggregator folds drop and closure observations into venue_metrics,
// market_metrics, and venue_rolling_metrics.
type Aggregator struct {
	db     DB
	logger *slog.Logger
}

// New creates an Aggregator.
func New(db DB, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		db:     db,
		logger: logger.With("component", "aggregation"),
	}
}

// RecordDrops applies freshly-emitted drop events to the per-venue daily
// counters and the market daily totals. Grouping is by the reservation date
// the slot belongs to, not the detection date.
func (a *Aggregator) RecordDrops(ctx context.Context, events []model.DropEvent) error {
	if len(events) == 0 {
		return nil
	}
	byDate := make(map[string][]model.DropEvent)
	for _, ev := range events {
		date := ev.SlotDate
		if date == "" {
			date, _ = model.SplitBucketID(ev.BucketID)
		}
		byDate[date] = append(byDate[date], ev)
	}

	for date, dateEvents := range byDate {
		date, dateEvents := date, dateEvents
		err := a.db.RunTxn(ctx, func(q store.Querier) error {
			for _, ev := range dateEvents {
				if ev.VenueID == "" {
					continue
				}
				prime := ev.TimeBucket == model.TimeBucketPrime
				if _, err := q.ApplyVenueDrop(ctx, ev.VenueID, ev.VenueName, date, prime); err != nil {
					return err
				}
			}

			totals, err := q.GetMarketDailyTotalsForUpdate(ctx, date)
			if err != nil {
				return err
			}
			if totals == nil {
				totals = &model.MarketDailyTotals{ByHour: make(map[string]int)}
			}
			if totals.ByHour == nil {
				totals.ByHour = make(map[string]int)
			}
			if d, err := time.Parse("2006-01-02", date); err == nil {
				totals.Weekday = int(d.Weekday())
			}
			for _, ev := range dateEvents {
				totals.TotalNewDrops++
				totals.EventCount++
				totals.ByHour[ev.OpenedAt.UTC().Format("15")]++
			}
			return q.UpsertMarketDailyTotals(ctx, date, *totals)
		})
		if err != nil {
			return fmt.Errorf("failed to record drops for %s: %w", date, err)
		}
	}
	return nil
}

// aggregateBatchSize bounds one AggregateClosed pass.
const aggregateBatchSize = 500

// AggregateClosed claims closed, not-yet-aggregated availability sessions and
// folds their durations into venue and market metrics, then deletes fully
// processed rows. Claiming skips rows locked by a concurrent worker, so the
// pass is safe to run from every poll.
func (a *Aggregator) AggregateClosed(ctx context.Context) (int, error) {
	var processed int
	err := a.db.RunTxn(ctx, func(q store.Querier) error {
		states, err := q.ClaimStagedStates(ctx, aggregateBatchSize)
		if err != nil {
			return err
		}
		if len(states) == 0 {
			return nil
		}

		now := time.Now().UTC()
		ids := make([]int64, 0, len(states))
		closedByDate := make(map[string][]int)
		for _, st := range states {
			ids = append(ids, st.ID)
			date := st.SlotDate
			if date == "" {
				date, _ = model.SplitBucketID(st.BucketID)
			}
			dur := 0
			if st.DurationSeconds != nil {
				dur = *st.DurationSeconds
			}
			closedByDate[date] = append(closedByDate[date], dur)

			if st.VenueID == "" {
				continue
			}
			vm, err := q.ApplyVenueClosure(ctx, st.VenueID, st.VenueName, date, dur)
			if err != nil {
				return err
			}
			if err := q.SetVenueScarcity(ctx, st.VenueID, date, ScarcityScore(vm)); err != nil {
				return err
			}
		}

		for date, durations := range closedByDate {
			totals, err := q.GetMarketDailyTotalsForUpdate(ctx, date)
			if err != nil {
				return err
			}
			if totals == nil {
				totals = &model.MarketDailyTotals{ByHour: make(map[string]int)}
			}
			for _, dur := range durations {
				oldAvg := 0.0
				if totals.AvgDropDurationSec != nil {
					oldAvg = *totals.AvgDropDurationSec
				}
				avg := (oldAvg*float64(totals.TotalClosed) + float64(dur)) / float64(totals.TotalClosed+1)
				totals.AvgDropDurationSec = &avg
				totals.TotalClosed++
			}
			if err := q.UpsertMarketDailyTotals(ctx, date, *totals); err != nil {
				return err
			}
		}

		if err := q.MarkStatesAggregated(ctx, ids, now); err != nil {
			return err
		}
		processed = len(states)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate closed sessions: %w", err)
	}

	if processed > 0 {
		deleted, err := a.db.DeleteAggregatedStates(ctx)
		if err != nil {
			a.logger.Warn("failed to delete aggregated sessions", "error", err)
		} else {
			a.logger.Debug("aggregated closed sessions", "processed", processed, "deleted", deleted)
		}
	}
	return processed, nil
}

// ScarcityScore computes the 0-100 scarcity score for one venue-day row.
// Shorter average session durations, more closures, and fewer distinct drops
// all push the score up.
func ScarcityScore(vm *model.VenueMetrics) float64 {
	avg := 0.0
	if vm.AvgDropDurationSec != nil {
		avg = *vm.AvgDropDurationSec
	}
	durationPart := 0.33 * 100 / (1 + avg/60)
	churnPart := 0.66 * 50 * math.Min(float64(vm.ClosedCount)/10, 1)
	rarityPart := 34 / (1 + float64(vm.NewDropCount))
	return round2(math.Min(100, durationPart+churnPart+rarityPart))
}

// rollingWindowDays is the trailing window for the daily rollup.
const rollingWindowDays = 14

// RebuildRolling recomputes venue_rolling_metrics as of the given date from
// the trailing 14 days of venue_metrics rows.
func (a *Aggregator) RebuildRolling(ctx context.Context, asOfDate string) error {
	asOf, err := time.Parse("2006-01-02", asOfDate)
	if err != nil {
		return fmt.Errorf("failed to parse as-of date %q: %w", asOfDate, err)
	}
	since := asOf.AddDate(0, 0, -(rollingWindowDays - 1)).Format("2006-01-02")
	last7Start := asOf.AddDate(0, 0, -6).Format("2006-01-02")

	daily, err := a.db.VenueMetricsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to load venue metrics since %s: %w", since, err)
	}

	type acc struct {
		name          string
		total         int
		daysWithDrops int
		last7         int
		prev7         int
	}
	byVenue := make(map[string]*acc)
	order := make([]string, 0)
	for _, vm := range daily {
		v, ok := byVenue[vm.VenueID]
		if !ok {
			v = &acc{}
			byVenue[vm.VenueID] = v
			order = append(order, vm.VenueID)
		}
		if vm.VenueName != "" {
			v.name = vm.VenueName
		}
		v.total += vm.NewDropCount
		if vm.NewDropCount > 0 {
			v.daysWithDrops++
		}
		if vm.WindowDate >= last7Start {
			v.last7 += vm.NewDropCount
		} else {
			v.prev7 += vm.NewDropCount
		}
	}

	rows := make([]model.VenueRollingMetrics, 0, len(order))
	for _, venueID := range order {
		v := byVenue[venueID]
		freq := float64(v.total) / rollingWindowDays
		row := model.VenueRollingMetrics{
			VenueID:             venueID,
			VenueName:           v.name,
			AsOfDate:            asOfDate,
			WindowDays:          rollingWindowDays,
			TotalNewDrops:       v.total,
			DaysWithDrops:       v.daysWithDrops,
			DropFrequencyPerDay: round2(freq),
			RarityScore:         round2(100 / (1 + freq)),
			TotalLast7d:         v.last7,
			TotalPrev7d:         v.prev7,
			AvailabilityRate:    round4(float64(v.daysWithDrops) / rollingWindowDays),
		}
		if v.prev7 > 0 {
			trend := round4(float64(v.last7-v.prev7) / float64(v.prev7))
			row.TrendPct = &trend
		}
		rows = append(rows, row)
	}

	if err := a.db.UpsertVenueRollingMetrics(ctx, rows); err != nil {
		return fmt.Errorf("failed to write rolling metrics for %s: %w", asOfDate, err)
	}
	a.logger.Info("rolling metrics rebuilt", "as_of", asOfDate, "venues", len(rows))
	return nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
