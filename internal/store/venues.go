package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dropwatch/dropwatch/internal/model"
)

// UpsertVenues records venue sightings: first_seen_at sticks, last_seen_at
// advances, an empty incoming name never blanks a stored one.
func (q *Queries) UpsertVenues(ctx context.Context, venues []model.Venue) error {
	for _, v := range venues {
		if v.VenueID == "" {
			continue
		}
		_, err := q.db.Exec(ctx, `
			INSERT INTO venues (venue_id, venue_name, first_seen_at, last_seen_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (venue_id) DO UPDATE SET
				venue_name = COALESCE(NULLIF(EXCLUDED.venue_name, ''), venues.venue_name),
				last_seen_at = EXCLUDED.last_seen_at`,
			v.VenueID, v.VenueName, v.LastSeenAt)
		if err != nil {
			return fmt.Errorf("failed to upsert venue %s: %w", v.VenueID, err)
		}
	}
	return nil
}

// PruneVenuesUnseenSince deletes venues not observed since cutoff.
func (q *Queries) PruneVenuesUnseenSince(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM venues WHERE last_seen_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune venues: %w", err)
	}
	return tag.RowsAffected(), nil
}
