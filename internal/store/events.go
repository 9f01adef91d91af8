package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dropwatch/dropwatch/internal/model"
)

const dropEventColumns = `id, bucket_id, slot_id, opened_at, venue_id, venue_name, payload_json,
	dedupe_key, push_sent_at, time_bucket, slot_date, slot_time, provider, neighborhood, price_range`

// RecentDropSlotIDs returns slot ids of drop events in the bucket with
// opened_at on or after since. This is the TTL-dedupe read.
func (q *Queries) RecentDropSlotIDs(ctx context.Context, bucketID string, since time.Time) ([]string, error) {
	rows, err := q.db.Query(ctx, `
		SELECT slot_id FROM drop_events
		WHERE bucket_id = $1 AND opened_at >= $2`, bucketID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent drops for %s: %w", bucketID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, fmt.Errorf("failed to scan drop slot id: %w", err)
		}
		out = append(out, sid)
	}
	return out, rows.Err()
}

// InsertDropEvents appends drop events. Conflicts on dedupe_key (or the
// per-minute flap index) are silently skipped; the return value is the
// dedupe keys of the rows actually inserted, so callers can tell which
// candidates survived the conflict checks.
func (q *Queries) InsertDropEvents(ctx context.Context, events []model.DropEvent) ([]string, error) {
	var inserted []string
	for _, e := range events {
		tag, err := q.db.Exec(ctx, `
			INSERT INTO drop_events (bucket_id, slot_id, opened_at, venue_id, venue_name, payload_json,
				dedupe_key, time_bucket, slot_date, slot_time, provider, neighborhood, price_range)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT DO NOTHING`,
			e.BucketID, e.SlotID, e.OpenedAt, e.VenueID, e.VenueName, e.PayloadJSON,
			e.DedupeKey, e.TimeBucket, e.SlotDate, e.SlotTime, e.Provider, e.Neighborhood, e.PriceRange)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert drop event %s: %w", e.DedupeKey, err)
		}
		if tag.RowsAffected() > 0 {
			inserted = append(inserted, e.DedupeKey)
		}
	}
	return inserted, nil
}

// UnsentDropEvents selects up to limit drop events awaiting notification,
// oldest first, no older than since.
func (q *Queries) UnsentDropEvents(ctx context.Context, since time.Time, limit int) ([]model.DropEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+dropEventColumns+`
		FROM drop_events
		WHERE push_sent_at IS NULL AND opened_at >= $1
		ORDER BY opened_at ASC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsent drop events: %w", err)
	}
	defer rows.Close()
	return collectDropEvents(rows)
}

// MarkDropEventsPushed stamps push_sent_at on the given event ids.
func (q *Queries) MarkDropEventsPushed(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.db.Exec(ctx, `
		UPDATE drop_events SET push_sent_at = $2 WHERE id = ANY($1)`, ids, at)
	if err != nil {
		return fmt.Errorf("failed to mark drop events pushed: %w", err)
	}
	return nil
}

// DeletePushedDropEvents removes already-notified events for slots that just
// closed, bounding table growth.
func (q *Queries) DeletePushedDropEvents(ctx context.Context, bucketID string, slotIDs []string) (int64, error) {
	if len(slotIDs) == 0 {
		return 0, nil
	}
	tag, err := q.db.Exec(ctx, `
		DELETE FROM drop_events
		WHERE bucket_id = $1 AND slot_id = ANY($2) AND push_sent_at IS NOT NULL`,
		bucketID, slotIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete pushed drop events for %s: %w", bucketID, err)
	}
	return tag.RowsAffected(), nil
}

// RecentDropEvents returns events in the given buckets newest first, capped
// at limit. Used by the feed.
func (q *Queries) RecentDropEvents(ctx context.Context, bucketIDs []string, limit int) ([]model.DropEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+dropEventColumns+`
		FROM drop_events
		WHERE bucket_id = ANY($1)
		ORDER BY opened_at DESC
		LIMIT $2`, bucketIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent drop events: %w", err)
	}
	defer rows.Close()
	return collectDropEvents(rows)
}

// PruneDropEventsByAge deletes already-notified events older than cutoff.
func (q *Queries) PruneDropEventsByAge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM drop_events
		WHERE opened_at < $1 AND push_sent_at IS NOT NULL`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune drop events by age: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneDropEventsBeforeBucket deletes events whose bucket fell out of the
// window.
func (q *Queries) PruneDropEventsBeforeBucket(ctx context.Context, minBucketID string) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM drop_events WHERE bucket_id < $1`, minBucketID)
	if err != nil {
		return 0, fmt.Errorf("failed to prune drop events before %s: %w", minBucketID, err)
	}
	return tag.RowsAffected(), nil
}

func collectDropEvents(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]model.DropEvent, error) {
	var out []model.DropEvent
	for rows.Next() {
		var e model.DropEvent
		var venueID, venueName, payload, timeBucket, slotDate, slotTime, provider, neighborhood, priceRange *string
		err := rows.Scan(&e.ID, &e.BucketID, &e.SlotID, &e.OpenedAt, &venueID, &venueName, &payload,
			&e.DedupeKey, &e.PushSentAt, &timeBucket, &slotDate, &slotTime, &provider, &neighborhood, &priceRange)
		if err != nil {
			return nil, fmt.Errorf("failed to scan drop event: %w", err)
		}
		e.VenueID = deref(venueID)
		e.VenueName = deref(venueName)
		e.PayloadJSON = deref(payload)
		e.TimeBucket = deref(timeBucket)
		e.SlotDate = deref(slotDate)
		e.SlotTime = deref(slotTime)
		e.Provider = deref(provider)
		e.Neighborhood = deref(neighborhood)
		e.PriceRange = deref(priceRange)
		out = append(out, e)
	}
	return out, rows.Err()
}
