package feed

import (
	"context"
	"encoding/json"
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

func feedCfg() config.DiscoveryConfig {
	return config.DiscoveryConfig{
		WindowDays:       3,
		TimeSlots:        []string{"20:30"},
		DateTimezone:     "UTC",
		StaleBucketHours: 4,
	}
}

type fixture struct {
	svc *Service
	db  *store.MockStore
	// first fully-scanned window bucket
	bucketID string
	date     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := store.NewMockStore()
	svc, err := NewService(db, feedCfg(), testLogger())
	require.NoError(t, err)

	date := time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02")
	bucketID := model.BucketID(date, "20:30")
	seedBucket(t, db, bucketID, time.Now().UTC())
	return &fixture{svc: svc, db: db, bucketID: bucketID, date: date}
}

func seedBucket(t *testing.T, db *store.MockStore, bucketID string, scannedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	date, slot := model.SplitBucketID(bucketID)
	_, err := db.EnsureBuckets(ctx, []model.Bucket{{BucketID: bucketID, DateStr: date, TimeSlot: slot}})
	require.NoError(t, err)
	require.NoError(t, db.InitBucketBaseline(ctx, bucketID, nil, scannedAt))
}

func payloadJSON(t *testing.T, p model.SlotPayload) string {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return string(raw)
}

func (f *fixture) seedOpenSlot(t *testing.T, slotID, venueID, venueName string, payload model.SlotPayload, openedAt time.Time, withEvent bool) {
	t.Helper()
	ctx := context.Background()
	raw := payloadJSON(t, payload)
	require.NoError(t, f.db.UpsertProjections(ctx, []model.SlotProjection{{
		BucketID: f.bucketID, SlotID: slotID, State: model.StateOpen,
		OpenedAt: openedAt, LastSeenAt: openedAt, UpdatedAt: openedAt,
		VenueID: venueID, VenueName: venueName, PayloadJSON: raw,
	}}))
	if withEvent {
		_, err := f.db.InsertDropEvents(ctx, []model.DropEvent{{
			BucketID: f.bucketID, SlotID: slotID, OpenedAt: openedAt,
			VenueID: venueID, VenueName: venueName, PayloadJSON: raw,
			DedupeKey: f.bucketID + "|" + slotID,
		}})
		require.NoError(t, err)
	}
}

func TestJustOpenedReturnsRecentOpenDrops(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.seedOpenSlot(t, "s1", "v1", "Carbone",
		model.SlotPayload{AvailabilityTimes: []string{f.date + " 20:30:00"}}, now.Add(-time.Minute), true)

	res := f.svc.JustOpened(context.Background(), Query{WindowMinutes: 15})
	require.Empty(t, res.Error)
	require.Len(t, res.Dates, 1)
	assert.Equal(t, f.date, res.Dates[0].Date)
	require.Len(t, res.Dates[0].Venues, 1)
	v := res.Dates[0].Venues[0]
	assert.Equal(t, "Carbone", v.Name)
	assert.Equal(t, "s1", v.SlotID)
	assert.NotEmpty(t, v.DetectedAt)
	assert.False(t, v.StillOpen)
	require.NotNil(t, res.Dates[0].ScannedAt)
}

func TestJustOpenedExcludesClosedAndOldDrops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// drop outside the recency window
	f.seedOpenSlot(t, "old", "v1", "Carbone", model.SlotPayload{}, now.Add(-time.Hour), true)
	// recent drop whose slot already closed again
	f.seedOpenSlot(t, "gone", "v2", "Lilia", model.SlotPayload{}, now.Add(-time.Minute), true)
	_, err := f.db.CloseVanishedSlots(ctx, f.bucketID, []string{"old"}, "run", now)
	require.NoError(t, err)

	res := f.svc.JustOpened(ctx, Query{WindowMinutes: 15})
	require.Empty(t, res.Error)
	assert.Empty(t, res.Dates)
}

func TestJustOpenedDedupesVenuePerDate(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.seedOpenSlot(t, "s1", "v1", "Carbone", model.SlotPayload{}, now.Add(-2*time.Minute), true)
	f.seedOpenSlot(t, "s2", "v1", "Carbone", model.SlotPayload{}, now.Add(-time.Minute), true)

	res := f.svc.JustOpened(context.Background(), Query{WindowMinutes: 15})
	require.Len(t, res.Dates, 1)
	assert.Len(t, res.Dates[0].Venues, 1)
}

func TestJustOpenedSkipsStaleBuckets(t *testing.T) {
	db := store.NewMockStore()
	svc, err := NewService(db, feedCfg(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	date := time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02")
	bucketID := model.BucketID(date, "20:30")
	// scanned five hours ago: past the stale horizon
	seedBucket(t, db, bucketID, time.Now().UTC().Add(-5*time.Hour))
	_, err = db.InsertDropEvents(ctx, []model.DropEvent{{
		BucketID: bucketID, SlotID: "s1", OpenedAt: time.Now().UTC(),
		VenueID: "v1", VenueName: "Carbone", DedupeKey: "k",
	}})
	require.NoError(t, err)

	res := svc.JustOpened(ctx, Query{WindowMinutes: 15})
	require.Empty(t, res.Error)
	assert.Empty(t, res.Dates)
}

func TestJustOpenedPartySizeFilter(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.seedOpenSlot(t, "s1", "v1", "Carbone",
		model.SlotPayload{PartySizesAvailable: []int{2, 4}}, now.Add(-time.Minute), true)
	f.seedOpenSlot(t, "s2", "v2", "Lilia",
		model.SlotPayload{PartySizesAvailable: []int{6}}, now.Add(-time.Minute), true)
	// no party size data matches any request
	f.seedOpenSlot(t, "s3", "v3", "Don Angie", model.SlotPayload{}, now.Add(-time.Minute), true)

	res := f.svc.JustOpened(context.Background(), Query{WindowMinutes: 15, PartySize: 2})
	require.Len(t, res.Dates, 1)
	names := make([]string, 0)
	for _, v := range res.Dates[0].Venues {
		names = append(names, v.Name)
	}
	assert.ElementsMatch(t, []string{"Carbone", "Don Angie"}, names)
}

func TestJustOpenedTimeRangeFilter(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.seedOpenSlot(t, "s1", "v1", "Carbone",
		model.SlotPayload{AvailabilityTimes: []string{f.date + " 20:30:00"}}, now.Add(-time.Minute), true)
	f.seedOpenSlot(t, "s2", "v2", "Lilia",
		model.SlotPayload{AvailabilityTimes: []string{f.date + " 14:00:00"}}, now.Add(-time.Minute), true)

	res := f.svc.JustOpened(context.Background(),
		Query{WindowMinutes: 15, TimeFrom: "19:00", TimeTo: "22:00"})
	require.Len(t, res.Dates, 1)
	require.Len(t, res.Dates[0].Venues, 1)
	assert.Equal(t, "Carbone", res.Dates[0].Venues[0].Name)
}

func TestStillOpenExcludesJustDropped(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	// dropped recently: belongs to just-opened, not still-open
	f.seedOpenSlot(t, "s1", "v1", "Carbone", model.SlotPayload{}, now.Add(-time.Minute), true)
	// open for a while with no recent event
	f.seedOpenSlot(t, "s2", "v2", "Lilia", model.SlotPayload{}, now.Add(-2*time.Hour), false)

	res := f.svc.StillOpen(context.Background(), Query{WindowMinutes: 15})
	require.Empty(t, res.Error)
	require.Len(t, res.Dates, 1)
	require.Len(t, res.Dates[0].Venues, 1)
	v := res.Dates[0].Venues[0]
	assert.Equal(t, "Lilia", v.Name)
	assert.True(t, v.StillOpen)
	assert.NotEmpty(t, v.DetectedAt, "falls back to the date's scan time")
}

func TestCalendarCountsUniqueVenues(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.seedOpenSlot(t, "s1", "v1", "Carbone", model.SlotPayload{}, now.Add(-time.Minute), true)
	f.seedOpenSlot(t, "s2", "v2", "Lilia", model.SlotPayload{}, now.Add(-2*time.Hour), false)
	// same venue in both shapes counts once
	f.seedOpenSlot(t, "s3", "v1", "Carbone", model.SlotPayload{}, now.Add(-2*time.Hour), false)

	entries, err := f.svc.Calendar(context.Background(), Query{WindowMinutes: 15})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, f.date, entries[0].Date)
	assert.Equal(t, 2, entries[0].VenueCount)
}

func TestLastScan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.UpdateBucketScan(ctx, f.bucketID, []string{"a", "b", "c"}, time.Now().UTC()))

	info, err := f.svc.LastScan(ctx)
	require.NoError(t, err)
	require.NotNil(t, info.LastScanAt)
	assert.Equal(t, 3, info.TrackedSlots)
	assert.Equal(t, 1, info.BucketsScanned)
}

func TestQueryMatchesTimeParsing(t *testing.T) {
	q := Query{TimeFrom: "19:00", TimeTo: "21:00"}
	assert.True(t, q.matches(model.SlotPayload{AvailabilityTimes: []string{"2026-02-14 20:30:00"}}))
	assert.True(t, q.matches(model.SlotPayload{AvailabilityTimes: []string{"2026-02-14T19:00:00"}}))
	assert.False(t, q.matches(model.SlotPayload{AvailabilityTimes: []string{"2026-02-14 14:00:00"}}))
	assert.False(t, q.matches(model.SlotPayload{AvailabilityTimes: []string{"garbage"}}))
}

func TestBucketHealthListsWindowBuckets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.UpdateBucketScan(ctx, f.bucketID, []string{"a", "b"}, time.Now().UTC()))

	statuses, err := f.svc.BucketHealth(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, f.bucketID, statuses[0].BucketID)
	assert.Equal(t, f.date, statuses[0].Date)
	assert.True(t, statuses[0].BaselineSet)
	assert.Equal(t, 2, statuses[0].TrackedSlots)
	require.NotNil(t, statuses[0].ScannedAt)
}
