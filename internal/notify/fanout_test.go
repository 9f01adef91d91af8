package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropwatch/dropwatch/internal/config"
	"github.com/dropwatch/dropwatch/internal/model"
	"github.com/dropwatch/dropwatch/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPusher struct {
	sent     []string
	failWith error
	badToken string
}

func (p *recordingPusher) Push(_ context.Context, token, title, _ string) error {
	if token == p.badToken {
		return fmt.Errorf("gone: %w", ErrBadToken)
	}
	if p.failWith != nil {
		return p.failWith
	}
	p.sent = append(p.sent, token+"|"+title)
	return nil
}

type recordingMailer struct {
	digests  [][]model.DropEvent
	failWith error
}

func (m *recordingMailer) SendDigest(_ context.Context, events []model.DropEvent) error {
	if m.failWith != nil {
		return m.failWith
	}
	m.digests = append(m.digests, events)
	return nil
}

func notifyCfg() config.NotifyConfig {
	return config.NotifyConfig{IntervalSeconds: 60, PushWindowMinutes: 15}
}

func seedEvent(t *testing.T, db *store.MockStore, slotID, venueID, venueName string, openedAt time.Time) {
	t.Helper()
	_, err := db.InsertDropEvents(context.Background(), []model.DropEvent{{
		BucketID:  "2026-02-14_20:30",
		SlotID:    slotID,
		VenueID:   venueID,
		VenueName: venueName,
		SlotDate:  "2026-02-14",
		SlotTime:  "20:30:00",
		OpenedAt:  openedAt,
		DedupeKey: "2026-02-14_20:30|" + slotID,
	}})
	require.NoError(t, err)
}

func TestRunOnceNotifiesHotlistMatches(t *testing.T) {
	db := store.NewMockStore()
	pusher := &recordingPusher{}
	mailer := &recordingMailer{}
	f := NewFanout(db, pusher, mailer, notifyCfg(), testLogger())
	ctx := context.Background()

	require.NoError(t, db.UpsertPushToken(ctx, "tok1", "ios"))
	now := time.Now().UTC()
	seedEvent(t, db, "s1", "v1", "Carbone", now.Add(-time.Minute))
	seedEvent(t, db, "s2", "v2", "Unknown Diner", now.Add(-time.Minute))

	require.NoError(t, f.RunOnce(ctx))

	// only the hotlist venue went out
	require.Len(t, mailer.digests, 1)
	require.Len(t, mailer.digests[0], 1)
	assert.Equal(t, "Carbone", mailer.digests[0][0].VenueName)
	require.Len(t, pusher.sent, 1)
	assert.Equal(t, "tok1|Carbone just dropped", pusher.sent[0])

	// matched row stamped, unmatched row left alone
	for _, e := range db.DropEvents {
		if e.SlotID == "s1" {
			assert.NotNil(t, e.PushSentAt)
		} else {
			assert.Nil(t, e.PushSentAt)
		}
	}
	require.Len(t, db.UserNotices, 1)
	assert.Equal(t, []string{"v1"}, db.UserNotices[0].VenueIDs)
}

func TestRunOncePreferencesOverrideHotlist(t *testing.T) {
	db := store.NewMockStore()
	mailer := &recordingMailer{}
	f := NewFanout(db, nil, mailer, notifyCfg(), testLogger())
	ctx := context.Background()

	require.NoError(t, db.UpsertNotifyPreference(ctx, DefaultRecipient, "unknown diner", model.PreferenceInclude))
	require.NoError(t, db.UpsertNotifyPreference(ctx, DefaultRecipient, "carbone", model.PreferenceExclude))

	now := time.Now().UTC()
	seedEvent(t, db, "s1", "v1", "Carbone", now.Add(-time.Minute))
	seedEvent(t, db, "s2", "v2", "Unknown Diner", now.Add(-time.Minute))

	require.NoError(t, f.RunOnce(ctx))

	require.Len(t, mailer.digests, 1)
	require.Len(t, mailer.digests[0], 1)
	assert.Equal(t, "Unknown Diner", mailer.digests[0][0].VenueName)
}

func TestRunOnceStampsWithoutTransports(t *testing.T) {
	db := store.NewMockStore()
	f := NewFanout(db, nil, nil, notifyCfg(), testLogger())
	ctx := context.Background()

	seedEvent(t, db, "s1", "v1", "Carbone", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, f.RunOnce(ctx))

	// queue drains even with nothing configured
	assert.NotNil(t, db.DropEvents[0].PushSentAt)
}

func TestRunOnceSkipsStaleEvents(t *testing.T) {
	db := store.NewMockStore()
	mailer := &recordingMailer{}
	f := NewFanout(db, nil, mailer, notifyCfg(), testLogger())
	ctx := context.Background()

	seedEvent(t, db, "s1", "v1", "Carbone", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, f.RunOnce(ctx))

	assert.Empty(t, mailer.digests)
	assert.Nil(t, db.DropEvents[0].PushSentAt)
}

func TestRunOnceAllTransportsFailLeavesUnstamped(t *testing.T) {
	db := store.NewMockStore()
	pusher := &recordingPusher{failWith: fmt.Errorf("apns down")}
	mailer := &recordingMailer{failWith: fmt.Errorf("smtp down")}
	f := NewFanout(db, pusher, mailer, notifyCfg(), testLogger())
	ctx := context.Background()

	require.NoError(t, db.UpsertPushToken(ctx, "tok1", "ios"))
	seedEvent(t, db, "s1", "v1", "Carbone", time.Now().UTC().Add(-time.Minute))

	require.Error(t, f.RunOnce(ctx))
	assert.Nil(t, db.DropEvents[0].PushSentAt)
}

func TestRunOncePrunesDeadTokens(t *testing.T) {
	db := store.NewMockStore()
	pusher := &recordingPusher{badToken: "dead"}
	f := NewFanout(db, pusher, nil, notifyCfg(), testLogger())
	ctx := context.Background()

	require.NoError(t, db.UpsertPushToken(ctx, "dead", "ios"))
	require.NoError(t, db.UpsertPushToken(ctx, "alive", "ios"))
	seedEvent(t, db, "s1", "v1", "Carbone", time.Now().UTC().Add(-time.Minute))

	require.NoError(t, f.RunOnce(ctx))

	tokens, err := db.ListPushTokens(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "alive", tokens[0].DeviceToken)
	require.Len(t, pusher.sent, 1)
}
