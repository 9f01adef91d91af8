package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dropwatch/dropwatch/internal/model"
)

// ListPushTokens returns all registered device tokens.
func (q *Queries) ListPushTokens(ctx context.Context) ([]model.PushToken, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, device_token, platform, created_at, updated_at
		FROM push_tokens ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list push tokens: %w", err)
	}
	defer rows.Close()

	var out []model.PushToken
	for rows.Next() {
		var t model.PushToken
		if err := rows.Scan(&t.ID, &t.DeviceToken, &t.Platform, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan push token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertPushToken registers a device token, refreshing updated_at on
// re-registration.
func (q *Queries) UpsertPushToken(ctx context.Context, deviceToken, platform string) error {
	if platform == "" {
		platform = "ios"
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO push_tokens (device_token, platform)
		VALUES ($1, $2)
		ON CONFLICT (device_token) DO UPDATE SET
			platform = EXCLUDED.platform,
			updated_at = now()`, deviceToken, platform)
	if err != nil {
		return fmt.Errorf("failed to upsert push token: %w", err)
	}
	return nil
}

// DeletePushToken removes a device token (unregister, or APNs said the
// token is gone).
func (q *Queries) DeletePushToken(ctx context.Context, deviceToken string) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM push_tokens WHERE device_token = $1`, deviceToken)
	if err != nil {
		return 0, fmt.Errorf("failed to delete push token: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListNotifyPreferences returns a recipient's include/exclude rows.
func (q *Queries) ListNotifyPreferences(ctx context.Context, recipientID string) ([]model.NotifyPreference, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, recipient_id, venue_name_normalized, preference
		FROM notify_preferences
		WHERE recipient_id = $1
		ORDER BY venue_name_normalized`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notify preferences: %w", err)
	}
	defer rows.Close()

	var out []model.NotifyPreference
	for rows.Next() {
		var p model.NotifyPreference
		if err := rows.Scan(&p.ID, &p.RecipientID, &p.VenueNameNormalized, &p.Preference); err != nil {
			return nil, fmt.Errorf("failed to scan notify preference: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertNotifyPreference sets include/exclude for a normalized venue name.
func (q *Queries) UpsertNotifyPreference(ctx context.Context, recipientID, venueNameNormalized, preference string) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO notify_preferences (recipient_id, venue_name_normalized, preference)
		VALUES ($1, $2, $3)
		ON CONFLICT (recipient_id, venue_name_normalized) DO UPDATE SET
			preference = EXCLUDED.preference`,
		recipientID, venueNameNormalized, preference)
	if err != nil {
		return fmt.Errorf("failed to upsert notify preference: %w", err)
	}
	return nil
}

// DeleteNotifyPreference removes one preference row.
func (q *Queries) DeleteNotifyPreference(ctx context.Context, recipientID, venueNameNormalized string) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM notify_preferences
		WHERE recipient_id = $1 AND venue_name_normalized = $2`,
		recipientID, venueNameNormalized)
	if err != nil {
		return 0, fmt.Errorf("failed to delete notify preference: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertUserNotification logs one delivered digest.
func (q *Queries) InsertUserNotification(ctx context.Context, n model.UserNotification) error {
	venueIDs, err := json.Marshal(n.VenueIDs)
	if err != nil {
		return fmt.Errorf("failed to encode venue ids: %w", err)
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO user_notifications (title, body, venue_ids)
		VALUES ($1, $2, $3)`, n.Title, n.Body, string(venueIDs))
	if err != nil {
		return fmt.Errorf("failed to insert user notification: %w", err)
	}
	return nil
}
