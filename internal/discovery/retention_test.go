package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropwatch/dropwatch/internal/aggregation"
	"github.com/dropwatch/dropwatch/internal/config"
	"github.com/dropwatch/dropwatch/internal/model"
	"github.com/dropwatch/dropwatch/internal/provider"
	"github.com/dropwatch/dropwatch/internal/store"
)

func newTestRetention(t *testing.T) (*Retention, *stubProvider, *store.MockStore) {
	t.Helper()
	db := store.NewMockStore()
	prov := &stubProvider{}
	registry := provider.NewRegistry("stub", testLogger())
	registry.Register(prov)
	agg := aggregation.New(db, testLogger())
	worker := NewWorker(db, registry, agg, []int{2}, 30*time.Minute, testLogger())

	discovery := config.DiscoveryConfig{
		WindowDays:       2,
		TimeSlots:        []string{"20:30"},
		PartySizes:       []int{2},
		CooldownSeconds:  10,
		DedupeMinutes:    30,
		PruneEveryNTicks: 30,
		DateTimezone:     "UTC",
	}
	retention := config.RetentionConfig{
		DropEventsDays:  7,
		MetricsDays:     90,
		RollingDays:     60,
		DailyRunHourUTC: 9,
	}
	r, err := NewRetention(db, worker, agg, discovery, retention, testLogger())
	require.NoError(t, err)
	return r, prov, db
}

func TestRetentionPrunesOutOfWindowRows(t *testing.T) {
	r, prov, db := newTestRetention(t)
	ctx := context.Background()
	prov.set(slot("sA", "vA", "Carbone"))

	old := "2020-01-01_20:30"
	longAgo := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := db.EnsureBuckets(ctx, []model.Bucket{{BucketID: old, DateStr: "2020-01-01", TimeSlot: "20:30"}})
	require.NoError(t, err)
	require.NoError(t, db.UpsertProjections(ctx, []model.SlotProjection{{
		BucketID: old, SlotID: "stale", State: model.StateOpen, OpenedAt: longAgo, UpdatedAt: longAgo,
	}}))
	_, err = db.InsertDropEvents(ctx, []model.DropEvent{{
		BucketID: old, SlotID: "stale", OpenedAt: longAgo, DedupeKey: "stale-key",
	}})
	require.NoError(t, err)
	require.NoError(t, db.InsertOpenStates(ctx, []model.AvailabilityState{{
		BucketID: old, SlotID: "stale", OpenedAt: longAgo, VenueID: "vX", SlotDate: "2020-01-01",
	}}))
	_, err = db.ApplyVenueDrop(ctx, "vX", "Old Venue", "2020-01-01", true)
	require.NoError(t, err)

	r.RunOnce(ctx)

	_, stillThere := db.Buckets[old]
	assert.False(t, stillThere)
	for _, p := range db.Projections {
		assert.NotEqual(t, old, p.BucketID)
	}
	for _, e := range db.DropEvents {
		assert.NotEqual(t, old, e.BucketID)
	}
	for _, s := range db.States {
		assert.NotEqual(t, old, s.BucketID)
	}
	_, metricKept := db.VenueMetrics["vX|2020-01-01"]
	assert.False(t, metricKept)
}

func TestRetentionBaselinesNewWindowBuckets(t *testing.T) {
	r, prov, db := newTestRetention(t)
	ctx := context.Background()
	prov.set(slot("sA", "vA", "Carbone"))

	r.RunOnce(ctx)

	// window is 2 days x 1 anchor; both buckets exist and carry a baseline
	assert.Len(t, db.Buckets, 2)
	for id, b := range db.Buckets {
		assert.True(t, b.BaselineSet, "bucket %s not baselined", id)
		assert.ElementsMatch(t, []string{"sA"}, b.BaselineSlotIDs)
	}
}

func TestRetentionAgesOutPushedDropEvents(t *testing.T) {
	r, prov, db := newTestRetention(t)
	ctx := context.Background()
	prov.set()

	// event inside the window by bucket id but older than the age cutoff,
	// already pushed
	now := time.Now().UTC()
	futureBucket := model.BucketID(now.AddDate(0, 0, 1).Format("2006-01-02"), "20:30")
	_, err := db.InsertDropEvents(ctx, []model.DropEvent{
		{BucketID: futureBucket, SlotID: "s1", OpenedAt: now.AddDate(0, 0, -8), DedupeKey: "aged-pushed"},
		{BucketID: futureBucket, SlotID: "s2", OpenedAt: now.AddDate(0, 0, -8), DedupeKey: "aged-unpushed"},
	})
	require.NoError(t, err)
	require.NoError(t, db.MarkDropEventsPushed(ctx, []int64{db.DropEvents[0].ID}, now))

	r.RunOnce(ctx)

	// only the pushed one is aged out
	require.Len(t, db.DropEvents, 1)
	assert.Equal(t, "aged-unpushed", db.DropEvents[0].DedupeKey)
}

func TestNextRunAt(t *testing.T) {
	r, _, _ := newTestRetention(t)

	before := time.Date(2026, 2, 14, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC), r.nextRunAt(before))

	after := time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC), r.nextRunAt(after))
}
