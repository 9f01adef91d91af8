package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dropwatch/dropwatch/internal/model"
)

// InsertOpenStates starts an availability session per newly-opened slot.
// If an open session already exists for the (bucket, slot) it is left
// untouched; a closed session is never reopened in place, the new row is
// its successor.
func (q *Queries) InsertOpenStates(ctx context.Context, states []model.AvailabilityState) error {
	for _, s := range states {
		_, err := q.db.Exec(ctx, `
			INSERT INTO availability_state (bucket_id, slot_id, opened_at, venue_id, venue_name, slot_date, provider)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (bucket_id, slot_id) WHERE closed_at IS NULL DO NOTHING`,
			s.BucketID, s.SlotID, s.OpenedAt, s.VenueID, s.VenueName, s.SlotDate, s.Provider)
		if err != nil {
			return fmt.Errorf("failed to insert state %s/%s: %w", s.BucketID, s.SlotID, err)
		}
	}
	return nil
}

// CloseStates stamps closed_at and duration_seconds on the open sessions of
// the given slots, staging them for aggregation.
func (q *Queries) CloseStates(ctx context.Context, bucketID string, slotIDs []string, closedAt time.Time) (int64, error) {
	if len(slotIDs) == 0 {
		return 0, nil
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE availability_state
		SET closed_at = $3,
			duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($3 - opened_at)))::int
		WHERE bucket_id = $1 AND slot_id = ANY($2) AND closed_at IS NULL`,
		bucketID, slotIDs, closedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to close states for %s: %w", bucketID, err)
	}
	return tag.RowsAffected(), nil
}

// ClaimStagedStates locks up to limit closed-but-unaggregated sessions for
// this transaction. SKIP LOCKED keeps concurrent aggregators from blocking
// each other.
func (q *Queries) ClaimStagedStates(ctx context.Context, limit int) ([]model.AvailabilityState, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, bucket_id, slot_id, opened_at, closed_at, duration_seconds,
			COALESCE(venue_id, ''), COALESCE(venue_name, ''), COALESCE(slot_date, ''), COALESCE(provider, ''), aggregated_at
		FROM availability_state
		WHERE closed_at IS NOT NULL AND aggregated_at IS NULL
		ORDER BY closed_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim staged states: %w", err)
	}
	defer rows.Close()

	var out []model.AvailabilityState
	for rows.Next() {
		var s model.AvailabilityState
		err := rows.Scan(&s.ID, &s.BucketID, &s.SlotID, &s.OpenedAt, &s.ClosedAt, &s.DurationSeconds,
			&s.VenueID, &s.VenueName, &s.SlotDate, &s.Provider, &s.AggregatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staged state: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkStatesAggregated stamps aggregated_at on the given session rows.
func (q *Queries) MarkStatesAggregated(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.db.Exec(ctx, `
		UPDATE availability_state SET aggregated_at = $2 WHERE id = ANY($1)`, ids, at)
	if err != nil {
		return fmt.Errorf("failed to mark states aggregated: %w", err)
	}
	return nil
}

// DeleteAggregatedStates removes sessions that are both closed and
// aggregated.
func (q *Queries) DeleteAggregatedStates(ctx context.Context) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM availability_state
		WHERE closed_at IS NOT NULL AND aggregated_at IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete aggregated states: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteStatesBeforeBucket prunes sessions whose bucket fell out of the
// window.
func (q *Queries) DeleteStatesBeforeBucket(ctx context.Context, minBucketID string) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM availability_state WHERE bucket_id < $1`, minBucketID)
	if err != nil {
		return 0, fmt.Errorf("failed to prune states before %s: %w", minBucketID, err)
	}
	return tag.RowsAffected(), nil
}
