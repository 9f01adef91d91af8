package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dropwatch/dropwatch/internal/model"
)

// ClosedSlot identifies a projection row just transitioned to closed.
type ClosedSlot struct {
	SlotID    string
	VenueID   string
	VenueName string
	SlotDate  string
}

const projectionColumns = `bucket_id, slot_id, state, opened_at, closed_at, last_seen_at,
	venue_id, venue_name, payload_json, run_id, updated_at,
	time_bucket, slot_date, slot_time, provider, neighborhood, price_range`

// UpsertProjections writes open projection rows for newly-observed slots.
// Last-writer-wins on updated_at; a re-open clears closed_at and takes the
// incoming opened_at, while an already-open row keeps its original opened_at.
func (q *Queries) UpsertProjections(ctx context.Context, rows []model.SlotProjection) error {
	for _, r := range rows {
		_, err := q.db.Exec(ctx, `
			INSERT INTO slot_availability (`+projectionColumns+`)
			VALUES ($1, $2, 'open', $3, NULL, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (bucket_id, slot_id) DO UPDATE SET
				state = 'open',
				opened_at = CASE WHEN slot_availability.state = 'closed'
					THEN EXCLUDED.opened_at ELSE slot_availability.opened_at END,
				closed_at = NULL,
				last_seen_at = EXCLUDED.last_seen_at,
				venue_id = EXCLUDED.venue_id,
				venue_name = EXCLUDED.venue_name,
				payload_json = EXCLUDED.payload_json,
				run_id = EXCLUDED.run_id,
				updated_at = EXCLUDED.updated_at,
				time_bucket = EXCLUDED.time_bucket,
				slot_date = EXCLUDED.slot_date,
				slot_time = EXCLUDED.slot_time,
				provider = EXCLUDED.provider,
				neighborhood = EXCLUDED.neighborhood,
				price_range = EXCLUDED.price_range
			WHERE EXCLUDED.updated_at > slot_availability.updated_at`,
			r.BucketID, r.SlotID, r.OpenedAt, r.LastSeenAt,
			r.VenueID, r.VenueName, r.PayloadJSON, r.RunID, r.UpdatedAt,
			r.TimeBucket, r.SlotDate, r.SlotTime, r.Provider, r.Neighborhood, r.PriceRange)
		if err != nil {
			return fmt.Errorf("failed to upsert projection %s/%s: %w", r.BucketID, r.SlotID, err)
		}
	}
	return nil
}

// OpenVenueIDs returns the venues with at least one open slot in the bucket.
func (q *Queries) OpenVenueIDs(ctx context.Context, bucketID string) ([]string, error) {
	rows, err := q.db.Query(ctx, `
		SELECT DISTINCT venue_id FROM slot_availability
		WHERE bucket_id = $1 AND state = 'open' AND venue_id IS NOT NULL AND venue_id <> ''`,
		bucketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open venues for %s: %w", bucketID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan venue id: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CloseVanishedSlots closes every open projection row of the bucket whose
// slot_id is not in currSlotIDs, returning the closed slots for state
// staging and drop-event cleanup.
func (q *Queries) CloseVanishedSlots(ctx context.Context, bucketID string, currSlotIDs []string, runID string, now time.Time) ([]ClosedSlot, error) {
	if currSlotIDs == nil {
		currSlotIDs = []string{}
	}
	rows, err := q.db.Query(ctx, `
		UPDATE slot_availability
		SET state = 'closed', closed_at = $3, last_seen_at = $3, run_id = $4, updated_at = $3
		WHERE bucket_id = $1 AND state = 'open' AND NOT (slot_id = ANY($2))
		RETURNING slot_id, COALESCE(venue_id, ''), COALESCE(venue_name, ''), COALESCE(slot_date, '')`,
		bucketID, currSlotIDs, now, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to close vanished slots for %s: %w", bucketID, err)
	}
	defer rows.Close()

	var out []ClosedSlot
	for rows.Next() {
		var c ClosedSlot
		if err := rows.Scan(&c.SlotID, &c.VenueID, &c.VenueName, &c.SlotDate); err != nil {
			return nil, fmt.Errorf("failed to scan closed slot: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// OpenProjections returns open rows across the given buckets, newest first,
// capped at limit. Used by the still-open feed.
func (q *Queries) OpenProjections(ctx context.Context, bucketIDs []string, limit int) ([]model.SlotProjection, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+projectionColumns+`
		FROM slot_availability
		WHERE bucket_id = ANY($1) AND state = 'open'
		ORDER BY opened_at DESC
		LIMIT $2`, bucketIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query open projections: %w", err)
	}
	defer rows.Close()

	var out []model.SlotProjection
	for rows.Next() {
		var p model.SlotProjection
		var venueID, venueName, payload, runID, timeBucket, slotDate, slotTime, provider, neighborhood, priceRange *string
		err := rows.Scan(&p.BucketID, &p.SlotID, &p.State, &p.OpenedAt, &p.ClosedAt, &p.LastSeenAt,
			&venueID, &venueName, &payload, &runID, &p.UpdatedAt,
			&timeBucket, &slotDate, &slotTime, &provider, &neighborhood, &priceRange)
		if err != nil {
			return nil, fmt.Errorf("failed to scan projection: %w", err)
		}
		p.VenueID = deref(venueID)
		p.VenueName = deref(venueName)
		p.PayloadJSON = deref(payload)
		p.RunID = deref(runID)
		p.TimeBucket = deref(timeBucket)
		p.SlotDate = deref(slotDate)
		p.SlotTime = deref(slotTime)
		p.Provider = deref(provider)
		p.Neighborhood = deref(neighborhood)
		p.PriceRange = deref(priceRange)
		out = append(out, p)
	}
	return out, rows.Err()
}

// OpenSlotIDs returns the slot ids of open projection rows for the given
// (bucket, slot) membership test in the just-opened feed.
func (q *Queries) OpenSlotIDs(ctx context.Context, bucketIDs []string) (map[string]map[string]struct{}, error) {
	rows, err := q.db.Query(ctx, `
		SELECT bucket_id, slot_id FROM slot_availability
		WHERE bucket_id = ANY($1) AND state = 'open'`, bucketIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query open slot ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]struct{})
	for rows.Next() {
		var bucketID, slotID string
		if err := rows.Scan(&bucketID, &slotID); err != nil {
			return nil, fmt.Errorf("failed to scan open slot id: %w", err)
		}
		if out[bucketID] == nil {
			out[bucketID] = make(map[string]struct{})
		}
		out[bucketID][slotID] = struct{}{}
	}
	return out, rows.Err()
}

// DeleteProjectionsBefore prunes projection rows whose bucket id sorts
// before minBucketID (bucket ids order lexicographically by date).
func (q *Queries) DeleteProjectionsBefore(ctx context.Context, minBucketID string) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM slot_availability WHERE bucket_id < $1`, minBucketID)
	if err != nil {
		return 0, fmt.Errorf("failed to prune projections before %s: %w", minBucketID, err)
	}
	return tag.RowsAffected(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
