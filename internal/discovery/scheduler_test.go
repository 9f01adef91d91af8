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

func newTestScheduler(t *testing.T, maxConcurrent int) (*Scheduler, *stubProvider, *store.MockStore) {
	t.Helper()
	db := store.NewMockStore()
	prov := &stubProvider{}
	registry := provider.NewRegistry("stub", testLogger())
	registry.Register(prov)
	agg := aggregation.New(db, testLogger())
	worker := NewWorker(db, registry, agg, []int{2}, 30*time.Minute, testLogger())

	cfg := config.DiscoveryConfig{
		WindowDays:           2,
		TimeSlots:            []string{"15:00", "20:30"},
		PartySizes:           []int{2},
		MaxConcurrentBuckets: maxConcurrent,
		CooldownSeconds:      10,
		TickSeconds:          2,
		DedupeMinutes:        30,
		PruneEveryNTicks:     30,
		DateTimezone:         "UTC",
		StaleBucketHours:     4,
	}
	s, err := NewScheduler(db, worker, NewHeartbeat(), cfg, testLogger())
	require.NoError(t, err)
	return s, prov, db
}

func TestTickDispatchesReadyBuckets(t *testing.T) {
	s, prov, db := newTestScheduler(t, 8)
	prov.set(slot("sA", "vA", "Carbone"))

	s.tick(context.Background())
	s.wg.Wait()

	// window is 2 days x 2 anchors; every bucket was new and ran immediately
	assert.Len(t, db.Buckets, 4)
	for id, b := range db.Buckets {
		assert.True(t, b.BaselineSet, "bucket %s not baselined", id)
	}

	// all completions pushed next_run_after into the future
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.inFlight)
	for id, after := range s.nextRunAfter {
		assert.True(t, after.After(time.Now()), "bucket %s not on cooldown", id)
	}
}

func TestTickRespectsConcurrencyLimit(t *testing.T) {
	s, prov, _ := newTestScheduler(t, 2)
	prov.set(slot("sA", "vA", "Carbone"))

	now := time.Now()
	buckets := WindowBuckets(WindowStart(now, time.UTC), 2, []string{"15:00", "20:30"})
	ready := s.selectReady(buckets, now)
	assert.Len(t, ready, 2)

	// the two selected buckets are now in flight; nothing else fits
	assert.Empty(t, s.selectReady(buckets, now))

	s.complete(ready[0], false)
	s.complete(ready[1], false)

	// both are on cooldown, so still nothing is ready
	assert.Empty(t, s.selectReady(buckets, time.Now()))

	// after the cooldown elapses they become ready again
	later := time.Now().Add(s.cfg.GetCooldown() + time.Second)
	assert.Len(t, s.selectReady(buckets, later), 2)
}

func TestSelectReadyDropsOutOfWindowBuckets(t *testing.T) {
	s, _, _ := newTestScheduler(t, 4)

	stale := "2020-01-01_20:30"
	s.mu.Lock()
	s.nextRunAfter[stale] = time.Time{}
	s.inFlight[stale] = struct{}{}
	s.mu.Unlock()

	buckets := WindowBuckets("2026-02-14", 1, []string{"20:30"})
	ready := s.selectReady(buckets, time.Now())
	assert.NotContains(t, ready, stale)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, tracked := s.nextRunAfter[stale]
	assert.False(t, tracked)
	_, busy := s.inFlight[stale]
	assert.False(t, busy)
}

func TestSelectReadyPrefersOldestDeadline(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1)

	buckets := []model.Bucket{
		{BucketID: "2026-02-14_15:00"},
		{BucketID: "2026-02-14_20:30"},
	}
	now := time.Now()
	s.mu.Lock()
	s.nextRunAfter["2026-02-14_15:00"] = now.Add(-time.Second)
	s.nextRunAfter["2026-02-14_20:30"] = now.Add(-time.Minute)
	s.mu.Unlock()

	ready := s.selectReady(buckets, now)
	require.Len(t, ready, 1)
	assert.Equal(t, "2026-02-14_20:30", ready[0])
}

func TestSchedulerRunStops(t *testing.T) {
	s, prov, _ := newTestScheduler(t, 2)
	prov.set(slot("sA", "vA", "Carbone"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	assert.True(t, s.IsRunning())
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, s.IsRunning())
}

func TestHeartbeatCounts(t *testing.T) {
	h := NewHeartbeat()
	h.Tick()
	h.PollStarted("2026-02-14_20:30")
	st := h.Snapshot()
	assert.Equal(t, 1, st.InFlight)
	assert.Equal(t, "2026-02-14_20:30", st.LastBucketID)

	h.PollFinished(true)
	st = h.Snapshot()
	assert.Zero(t, st.InFlight)
	assert.Equal(t, int64(1), st.Polls)
	assert.Equal(t, int64(1), st.Failures)
}
