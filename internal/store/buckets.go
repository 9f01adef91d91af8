package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dropwatch/dropwatch/internal/model"
)

// encodeSlotIDs stores slot-id sets as sorted JSON arrays so bucket rows
// diff cleanly. A nil input encodes as "[]", never as SQL NULL.
func encodeSlotIDs(ids []string) (string, error) {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	b, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("failed to encode slot ids: %w", err)
	}
	return string(b), nil
}

func decodeSlotIDs(raw *string) ([]string, bool, error) {
	if raw == nil {
		return nil, false, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(*raw), &ids); err != nil {
		return nil, false, fmt.Errorf("failed to decode slot ids: %w", err)
	}
	return ids, true, nil
}

// GetBucket loads one bucket row; a missing row returns (nil, nil).
func (q *Queries) GetBucket(ctx context.Context, bucketID string) (*model.Bucket, error) {
	row := q.db.QueryRow(ctx, `
		SELECT bucket_id, date_str, time_slot, baseline_slot_ids, prev_slot_ids, scanned_at
		FROM discovery_buckets WHERE bucket_id = $1`, bucketID)

	b, err := scanBucket(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket %s: %w", bucketID, err)
	}
	return b, nil
}

func scanBucket(row pgx.Row) (*model.Bucket, error) {
	var b model.Bucket
	var baselineRaw, prevRaw *string
	if err := row.Scan(&b.BucketID, &b.DateStr, &b.TimeSlot, &baselineRaw, &prevRaw, &b.ScannedAt); err != nil {
		return nil, err
	}
	var err error
	if b.BaselineSlotIDs, b.BaselineSet, err = decodeSlotIDs(baselineRaw); err != nil {
		return nil, err
	}
	if b.PrevSlotIDs, _, err = decodeSlotIDs(prevRaw); err != nil {
		return nil, err
	}
	return &b, nil
}

// EnsureBuckets idempotently inserts any missing bucket rows. Baselines stay
// NULL so the first poll bootstraps them. Returns the number created.
func (q *Queries) EnsureBuckets(ctx context.Context, buckets []model.Bucket) (int64, error) {
	var created int64
	for _, b := range buckets {
		tag, err := q.db.Exec(ctx, `
			INSERT INTO discovery_buckets (bucket_id, date_str, time_slot)
			VALUES ($1, $2, $3)
			ON CONFLICT (bucket_id) DO NOTHING`,
			b.BucketID, b.DateStr, b.TimeSlot)
		if err != nil {
			return created, fmt.Errorf("failed to ensure bucket %s: %w", b.BucketID, err)
		}
		created += tag.RowsAffected()
	}
	return created, nil
}

// InitBucketBaseline sets baseline = prev = slotIDs, creating the row if
// needed. Used for bootstrap polls and baseline refreshes.
func (q *Queries) InitBucketBaseline(ctx context.Context, bucketID string, slotIDs []string, scannedAt time.Time) error {
	encoded, err := encodeSlotIDs(slotIDs)
	if err != nil {
		return err
	}
	dateStr, timeSlot := model.SplitBucketID(bucketID)
	_, err = q.db.Exec(ctx, `
		INSERT INTO discovery_buckets (bucket_id, date_str, time_slot, baseline_slot_ids, prev_slot_ids, scanned_at)
		VALUES ($1, $2, $3, $4, $4, $5)
		ON CONFLICT (bucket_id) DO UPDATE SET
			baseline_slot_ids = EXCLUDED.baseline_slot_ids,
			prev_slot_ids = EXCLUDED.prev_slot_ids,
			scanned_at = EXCLUDED.scanned_at`,
		bucketID, dateStr, timeSlot, encoded, scannedAt)
	if err != nil {
		return fmt.Errorf("failed to init baseline for bucket %s: %w", bucketID, err)
	}
	return nil
}

// UpdateBucketScan persists prev_slot_ids (sorted) and scanned_at after a
// normal poll.
func (q *Queries) UpdateBucketScan(ctx context.Context, bucketID string, prevSlotIDs []string, scannedAt time.Time) error {
	encoded, err := encodeSlotIDs(prevSlotIDs)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `
		UPDATE discovery_buckets SET prev_slot_ids = $2, scanned_at = $3
		WHERE bucket_id = $1`,
		bucketID, encoded, scannedAt)
	if err != nil {
		return fmt.Errorf("failed to update scan for bucket %s: %w", bucketID, err)
	}
	return nil
}

// ListBuckets returns the rows for the given bucket ids (missing ids are
// simply absent from the result).
func (q *Queries) ListBuckets(ctx context.Context, bucketIDs []string) ([]model.Bucket, error) {
	rows, err := q.db.Query(ctx, `
		SELECT bucket_id, date_str, time_slot, baseline_slot_ids, prev_slot_ids, scanned_at
		FROM discovery_buckets WHERE bucket_id = ANY($1)
		ORDER BY bucket_id`, bucketIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	defer rows.Close()

	var out []model.Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// MaxScannedAtByDate returns the freshest scanned_at per date_str.
func (q *Queries) MaxScannedAtByDate(ctx context.Context, dates []string) (map[string]time.Time, error) {
	rows, err := q.db.Query(ctx, `
		SELECT date_str, MAX(scanned_at) FROM discovery_buckets
		WHERE date_str = ANY($1) AND scanned_at IS NOT NULL
		GROUP BY date_str`, dates)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan times: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var d string
		var at time.Time
		if err := rows.Scan(&d, &at); err != nil {
			return nil, fmt.Errorf("failed to scan scan time: %w", err)
		}
		out[d] = at
	}
	return out, rows.Err()
}

// DeleteBucketsBefore removes buckets whose date fell out of the window.
func (q *Queries) DeleteBucketsBefore(ctx context.Context, dateStr string) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM discovery_buckets WHERE date_str < $1`, dateStr)
	if err != nil {
		return 0, fmt.Errorf("failed to prune buckets before %s: %w", dateStr, err)
	}
	return tag.RowsAffected(), nil
}
