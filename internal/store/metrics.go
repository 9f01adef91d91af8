package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dropwatch/dropwatch/internal/model"
)

const venueMetricsColumns = `venue_id, venue_name, window_date, computed_at,
	new_drop_count, closed_count, prime_time_drops, off_peak_drops,
	avg_drop_duration_seconds, scarcity_score`

// ApplyVenueDrop increments the per-venue daily drop counters and returns
// the updated row.
func (q *Queries) ApplyVenueDrop(ctx context.Context, venueID, venueName, windowDate string, prime bool) (*model.VenueMetrics, error) {
	primeInc, offPeakInc := 0, 1
	if prime {
		primeInc, offPeakInc = 1, 0
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO venue_metrics (venue_id, venue_name, window_date, new_drop_count, prime_time_drops, off_peak_drops, computed_at)
		VALUES ($1, $2, $3, 1, $4, $5, now())
		ON CONFLICT (venue_id, window_date) DO UPDATE SET
			venue_name = COALESCE(NULLIF(EXCLUDED.venue_name, ''), venue_metrics.venue_name),
			new_drop_count = venue_metrics.new_drop_count + 1,
			prime_time_drops = venue_metrics.prime_time_drops + EXCLUDED.prime_time_drops,
			off_peak_drops = venue_metrics.off_peak_drops + EXCLUDED.off_peak_drops,
			computed_at = now()
		RETURNING `+venueMetricsColumns,
		venueID, venueName, windowDate, primeInc, offPeakInc)
	return scanVenueMetrics(row)
}

// ApplyVenueClosure increments closed_count and folds the session duration
// into the running average (closed_count is the sample count), returning
// the updated row.
func (q *Queries) ApplyVenueClosure(ctx context.Context, venueID, venueName, windowDate string, durationSec int) (*model.VenueMetrics, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO venue_metrics (venue_id, venue_name, window_date, closed_count, avg_drop_duration_seconds, computed_at)
		VALUES ($1, $2, $3, 1, $4, now())
		ON CONFLICT (venue_id, window_date) DO UPDATE SET
			venue_name = COALESCE(NULLIF(EXCLUDED.venue_name, ''), venue_metrics.venue_name),
			avg_drop_duration_seconds =
				(COALESCE(venue_metrics.avg_drop_duration_seconds, 0) * venue_metrics.closed_count + $4)
					/ (venue_metrics.closed_count + 1),
			closed_count = venue_metrics.closed_count + 1,
			computed_at = now()
		RETURNING `+venueMetricsColumns,
		venueID, venueName, windowDate, durationSec)
	return scanVenueMetrics(row)
}

// SetVenueScarcity writes the recomputed scarcity score for a venue-day.
func (q *Queries) SetVenueScarcity(ctx context.Context, venueID, windowDate string, score float64) error {
	_, err := q.db.Exec(ctx, `
		UPDATE venue_metrics SET scarcity_score = $3
		WHERE venue_id = $1 AND window_date = $2`, venueID, windowDate, score)
	if err != nil {
		return fmt.Errorf("failed to set scarcity for %s/%s: %w", venueID, windowDate, err)
	}
	return nil
}

func scanVenueMetrics(row pgx.Row) (*model.VenueMetrics, error) {
	var m model.VenueMetrics
	var windowDate time.Time
	var venueName *string
	err := row.Scan(&m.VenueID, &venueName, &windowDate, &m.ComputedAt,
		&m.NewDropCount, &m.ClosedCount, &m.PrimeTimeDrops, &m.OffPeakDrops,
		&m.AvgDropDurationSec, &m.ScarcityScore)
	if err != nil {
		return nil, fmt.Errorf("failed to scan venue metrics: %w", err)
	}
	m.VenueName = deref(venueName)
	m.WindowDate = windowDate.Format("2006-01-02")
	return &m, nil
}

// GetMarketDailyTotalsForUpdate loads the daily_totals document for a date
// with a row lock, or (nil, nil) when absent. Call inside a transaction.
func (q *Queries) GetMarketDailyTotalsForUpdate(ctx context.Context, windowDate string) (*model.MarketDailyTotals, error) {
	var raw *string
	err := q.db.QueryRow(ctx, `
		SELECT value_json FROM market_metrics
		WHERE window_date = $1 AND metric_type = $2
		FOR UPDATE`, windowDate, model.MetricTypeDailyTotals).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get market totals for %s: %w", windowDate, err)
	}
	var totals model.MarketDailyTotals
	if raw != nil && *raw != "" {
		if err := json.Unmarshal([]byte(*raw), &totals); err != nil {
			return nil, fmt.Errorf("failed to decode market totals for %s: %w", windowDate, err)
		}
	}
	return &totals, nil
}

// UpsertMarketDailyTotals writes the daily_totals document for a date.
func (q *Queries) UpsertMarketDailyTotals(ctx context.Context, windowDate string, totals model.MarketDailyTotals) error {
	raw, err := json.Marshal(totals)
	if err != nil {
		return fmt.Errorf("failed to encode market totals: %w", err)
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO market_metrics (window_date, metric_type, value_json, computed_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (window_date, metric_type) DO UPDATE SET
			value_json = EXCLUDED.value_json,
			computed_at = now()`,
		windowDate, model.MetricTypeDailyTotals, string(raw))
	if err != nil {
		return fmt.Errorf("failed to upsert market totals for %s: %w", windowDate, err)
	}
	return nil
}

// VenueMetricsSince returns all per-venue daily rows with window_date on or
// after sinceDate. Input to the rolling rebuild.
func (q *Queries) VenueMetricsSince(ctx context.Context, sinceDate string) ([]model.VenueMetrics, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+venueMetricsColumns+`
		FROM venue_metrics
		WHERE window_date >= $1
		ORDER BY venue_id, window_date`, sinceDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query venue metrics since %s: %w", sinceDate, err)
	}
	defer rows.Close()

	var out []model.VenueMetrics
	for rows.Next() {
		m, err := scanVenueMetrics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// UpsertVenueRollingMetrics replaces the trailing-window summary rows for a
// given as-of date.
func (q *Queries) UpsertVenueRollingMetrics(ctx context.Context, rows []model.VenueRollingMetrics) error {
	for _, r := range rows {
		_, err := q.db.Exec(ctx, `
			INSERT INTO venue_rolling_metrics (venue_id, venue_name, as_of_date, window_days, computed_at,
				total_new_drops, days_with_drops, drop_frequency_per_day, rarity_score,
				total_last_7d, total_prev_7d, trend_pct, availability_rate_14d)
			VALUES ($1, $2, $3, $4, now(), $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (venue_id, as_of_date) DO UPDATE SET
				venue_name = EXCLUDED.venue_name,
				window_days = EXCLUDED.window_days,
				computed_at = now(),
				total_new_drops = EXCLUDED.total_new_drops,
				days_with_drops = EXCLUDED.days_with_drops,
				drop_frequency_per_day = EXCLUDED.drop_frequency_per_day,
				rarity_score = EXCLUDED.rarity_score,
				total_last_7d = EXCLUDED.total_last_7d,
				total_prev_7d = EXCLUDED.total_prev_7d,
				trend_pct = EXCLUDED.trend_pct,
				availability_rate_14d = EXCLUDED.availability_rate_14d`,
			r.VenueID, r.VenueName, r.AsOfDate, r.WindowDays,
			r.TotalNewDrops, r.DaysWithDrops, r.DropFrequencyPerDay, r.RarityScore,
			r.TotalLast7d, r.TotalPrev7d, r.TrendPct, r.AvailabilityRate)
		if err != nil {
			return fmt.Errorf("failed to upsert rolling metrics for %s: %w", r.VenueID, err)
		}
	}
	return nil
}

// PruneVenueMetricsBefore deletes per-venue daily rows older than dateStr.
func (q *Queries) PruneVenueMetricsBefore(ctx context.Context, dateStr string) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM venue_metrics WHERE window_date < $1`, dateStr)
	if err != nil {
		return 0, fmt.Errorf("failed to prune venue metrics: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneMarketMetricsBefore deletes market rows older than dateStr.
func (q *Queries) PruneMarketMetricsBefore(ctx context.Context, dateStr string) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM market_metrics WHERE window_date < $1`, dateStr)
	if err != nil {
		return 0, fmt.Errorf("failed to prune market metrics: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneRollingMetricsBefore deletes rolling summaries older than dateStr.
func (q *Queries) PruneRollingMetricsBefore(ctx context.Context, dateStr string) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM venue_rolling_metrics WHERE as_of_date < $1`, dateStr)
	if err != nil {
		return 0, fmt.Errorf("failed to prune rolling metrics: %w", err)
	}
	return tag.RowsAffected(), nil
}
