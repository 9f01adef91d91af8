package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dropwatch/dropwatch/internal/model"
)

// MockQuerier is an in-memory Querier used by package tests across the
// repo. Semantics mirror the SQL implementation closely enough to exercise
// the worker state machine: dedupe-key conflicts, last-writer-wins
// projection upserts, open-session uniqueness.
type MockQuerier struct {
	mu sync.Mutex

	Buckets      map[string]*model.Bucket
	Projections  map[string]*model.SlotProjection
	DropEvents   []*model.DropEvent
	States       []*model.AvailabilityState
	Venues       map[string]*model.Venue
	VenueMetrics map[string]*model.VenueMetrics
	MarketTotals map[string]*model.MarketDailyTotals
	Rolling      map[string]*model.VenueRollingMetrics
	PushTokens   []model.PushToken
	Preferences  []model.NotifyPreference
	UserNotices  []model.UserNotification

	nextEventID int64
	nextStateID int64
	nextTokenID int64
	nextPrefID  int64
}

// NewMockQuerier creates an empty in-memory querier.
func NewMockQuerier() *MockQuerier {
	return &MockQuerier{
		Buckets:      make(map[string]*model.Bucket),
		Projections:  make(map[string]*model.SlotProjection),
		Venues:       make(map[string]*model.Venue),
		VenueMetrics: make(map[string]*model.VenueMetrics),
		MarketTotals: make(map[string]*model.MarketDailyTotals),
		Rolling:      make(map[string]*model.VenueRollingMetrics),
	}
}

var _ Querier = (*MockQuerier)(nil)

func projectionKey(bucketID, slotID string) string { return bucketID + "|" + slotID }

func (m *MockQuerier) GetBucket(_ context.Context, bucketID string) (*model.Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Buckets[bucketID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *MockQuerier) EnsureBuckets(_ context.Context, buckets []model.Bucket) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var created int64
	for _, b := range buckets {
		if _, ok := m.Buckets[b.BucketID]; ok {
			continue
		}
		cp := b
		cp.BaselineSlotIDs, cp.BaselineSet, cp.PrevSlotIDs, cp.ScannedAt = nil, false, nil, nil
		m.Buckets[b.BucketID] = &cp
		created++
	}
	return created, nil
}

func (m *MockQuerier) InitBucketBaseline(_ context.Context, bucketID string, slotIDs []string, scannedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := append([]string(nil), slotIDs...)
	sort.Strings(sorted)
	b, ok := m.Buckets[bucketID]
	if !ok {
		dateStr, timeSlot := model.SplitBucketID(bucketID)
		b = &model.Bucket{BucketID: bucketID, DateStr: dateStr, TimeSlot: timeSlot}
		m.Buckets[bucketID] = b
	}
	b.BaselineSlotIDs = sorted
	b.BaselineSet = true
	b.PrevSlotIDs = append([]string(nil), sorted...)
	at := scannedAt
	b.ScannedAt = &at
	return nil
}

func (m *MockQuerier) UpdateBucketScan(_ context.Context, bucketID string, prevSlotIDs []string, scannedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Buckets[bucketID]
	if !ok {
		return nil
	}
	sorted := append([]string(nil), prevSlotIDs...)
	sort.Strings(sorted)
	b.PrevSlotIDs = sorted
	at := scannedAt
	b.ScannedAt = &at
	return nil
}

func (m *MockQuerier) ListBuckets(_ context.Context, bucketIDs []string) ([]model.Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Bucket
	for _, id := range bucketIDs {
		if b, ok := m.Buckets[id]; ok {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketID < out[j].BucketID })
	return out, nil
}

func (m *MockQuerier) MaxScannedAtByDate(_ context.Context, dates []string) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		want[d] = struct{}{}
	}
	out := make(map[string]time.Time)
	for _, b := range m.Buckets {
		if _, ok := want[b.DateStr]; !ok || b.ScannedAt == nil {
			continue
		}
		if cur, ok := out[b.DateStr]; !ok || b.ScannedAt.After(cur) {
			out[b.DateStr] = *b.ScannedAt
		}
	}
	return out, nil
}

func (m *MockQuerier) DeleteBucketsBefore(_ context.Context, dateStr string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, b := range m.Buckets {
		if b.DateStr < dateStr {
			delete(m.Buckets, id)
			n++
		}
	}
	return n, nil
}

func (m *MockQuerier) UpsertProjections(_ context.Context, rows []model.SlotProjection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		key := projectionKey(r.BucketID, r.SlotID)
		existing, ok := m.Projections[key]
		if !ok {
			cp := r
			cp.State = model.StateOpen
			cp.ClosedAt = nil
			m.Projections[key] = &cp
			continue
		}
		if !r.UpdatedAt.After(existing.UpdatedAt) {
			continue
		}
		reopened := existing.State == model.StateClosed
		openedAt := existing.OpenedAt
		if reopened {
			openedAt = r.OpenedAt
		}
		cp := r
		cp.State = model.StateOpen
		cp.ClosedAt = nil
		cp.OpenedAt = openedAt
		m.Projections[key] = &cp
	}
	return nil
}

func (m *MockQuerier) OpenVenueIDs(_ context.Context, bucketID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for _, p := range m.Projections {
		if p.BucketID == bucketID && p.State == model.StateOpen && p.VenueID != "" {
			seen[p.VenueID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MockQuerier) CloseVanishedSlots(_ context.Context, bucketID string, currSlotIDs []string, runID string, now time.Time) ([]ClosedSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	curr := make(map[string]struct{}, len(currSlotIDs))
	for _, s := range currSlotIDs {
		curr[s] = struct{}{}
	}
	var out []ClosedSlot
	for _, p := range m.Projections {
		if p.BucketID != bucketID || p.State != model.StateOpen {
			continue
		}
		if _, open := curr[p.SlotID]; open {
			continue
		}
		p.State = model.StateClosed
		at := now
		p.ClosedAt = &at
		p.LastSeenAt = now
		p.RunID = runID
		p.UpdatedAt = now
		out = append(out, ClosedSlot{SlotID: p.SlotID, VenueID: p.VenueID, VenueName: p.VenueName, SlotDate: p.SlotDate})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotID < out[j].SlotID })
	return out, nil
}

func (m *MockQuerier) OpenProjections(_ context.Context, bucketIDs []string, limit int) ([]model.SlotProjection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(bucketIDs))
	for _, id := range bucketIDs {
		want[id] = struct{}{}
	}
	var out []model.SlotProjection
	for _, p := range m.Projections {
		if _, ok := want[p.BucketID]; ok && p.State == model.StateOpen {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockQuerier) OpenSlotIDs(_ context.Context, bucketIDs []string) (map[string]map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(bucketIDs))
	for _, id := range bucketIDs {
		want[id] = struct{}{}
	}
	out := make(map[string]map[string]struct{})
	for _, p := range m.Projections {
		if _, ok := want[p.BucketID]; !ok || p.State != model.StateOpen {
			continue
		}
		if out[p.BucketID] == nil {
			out[p.BucketID] = make(map[string]struct{})
		}
		out[p.BucketID][p.SlotID] = struct{}{}
	}
	return out, nil
}

func (m *MockQuerier) DeleteProjectionsBefore(_ context.Context, minBucketID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, p := range m.Projections {
		if p.BucketID < minBucketID {
			delete(m.Projections, key)
			n++
		}
	}
	return n, nil
}

func (m *MockQuerier) RecentDropSlotIDs(_ context.Context, bucketID string, since time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.DropEvents {
		if e.BucketID == bucketID && !e.OpenedAt.Before(since) {
			out = append(out, e.SlotID)
		}
	}
	return out, nil
}

func (m *MockQuerier) InsertDropEvents(_ context.Context, events []model.DropEvent) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var inserted []string
	for _, e := range events {
		conflict := false
		for _, have := range m.DropEvents {
			if have.DedupeKey == e.DedupeKey {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		m.nextEventID++
		cp := e
		cp.ID = m.nextEventID
		m.DropEvents = append(m.DropEvents, &cp)
		inserted = append(inserted, e.DedupeKey)
	}
	return inserted, nil
}

func (m *MockQuerier) UnsentDropEvents(_ context.Context, since time.Time, limit int) ([]model.DropEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DropEvent
	for _, e := range m.DropEvents {
		if e.PushSentAt == nil && !e.OpenedAt.Before(since) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockQuerier) MarkDropEventsPushed(_ context.Context, ids []int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for _, e := range m.DropEvents {
		if _, ok := want[e.ID]; ok {
			t := at
			e.PushSentAt = &t
		}
	}
	return nil
}

func (m *MockQuerier) DeletePushedDropEvents(_ context.Context, bucketID string, slotIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(slotIDs))
	for _, s := range slotIDs {
		want[s] = struct{}{}
	}
	var kept []*model.DropEvent
	var n int64
	for _, e := range m.DropEvents {
		_, match := want[e.SlotID]
		if e.BucketID == bucketID && match && e.PushSentAt != nil {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.DropEvents = kept
	return n, nil
}

func (m *MockQuerier) RecentDropEvents(_ context.Context, bucketIDs []string, limit int) ([]model.DropEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(bucketIDs))
	for _, id := range bucketIDs {
		want[id] = struct{}{}
	}
	var out []model.DropEvent
	for _, e := range m.DropEvents {
		if _, ok := want[e.BucketID]; ok {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockQuerier) PruneDropEventsByAge(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*model.DropEvent
	var n int64
	for _, e := range m.DropEvents {
		if e.OpenedAt.Before(cutoff) && e.PushSentAt != nil {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.DropEvents = kept
	return n, nil
}

func (m *MockQuerier) PruneDropEventsBeforeBucket(_ context.Context, minBucketID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*model.DropEvent
	var n int64
	for _, e := range m.DropEvents {
		if e.BucketID < minBucketID {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.DropEvents = kept
	return n, nil
}

func (m *MockQuerier) InsertOpenStates(_ context.Context, states []model.AvailabilityState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range states {
		open := false
		for _, have := range m.States {
			if have.BucketID == s.BucketID && have.SlotID == s.SlotID && have.ClosedAt == nil {
				open = true
				break
			}
		}
		if open {
			continue
		}
		m.nextStateID++
		cp := s
		cp.ID = m.nextStateID
		cp.ClosedAt = nil
		cp.DurationSeconds = nil
		cp.AggregatedAt = nil
		m.States = append(m.States, &cp)
	}
	return nil
}

func (m *MockQuerier) CloseStates(_ context.Context, bucketID string, slotIDs []string, closedAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(slotIDs))
	for _, s := range slotIDs {
		want[s] = struct{}{}
	}
	var n int64
	for _, s := range m.States {
		if s.BucketID != bucketID || s.ClosedAt != nil {
			continue
		}
		if _, ok := want[s.SlotID]; !ok {
			continue
		}
		at := closedAt
		s.ClosedAt = &at
		dur := int(closedAt.Sub(s.OpenedAt).Seconds())
		if dur < 0 {
			dur = 0
		}
		s.DurationSeconds = &dur
		n++
	}
	return n, nil
}

func (m *MockQuerier) ClaimStagedStates(_ context.Context, limit int) ([]model.AvailabilityState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AvailabilityState
	for _, s := range m.States {
		if s.ClosedAt != nil && s.AggregatedAt == nil {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockQuerier) MarkStatesAggregated(_ context.Context, ids []int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for _, s := range m.States {
		if _, ok := want[s.ID]; ok {
			t := at
			s.AggregatedAt = &t
		}
	}
	return nil
}

func (m *MockQuerier) DeleteAggregatedStates(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*model.AvailabilityState
	var n int64
	for _, s := range m.States {
		if s.ClosedAt != nil && s.AggregatedAt != nil {
			n++
			continue
		}
		kept = append(kept, s)
	}
	m.States = kept
	return n, nil
}

func (m *MockQuerier) DeleteStatesBeforeBucket(_ context.Context, minBucketID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*model.AvailabilityState
	var n int64
	for _, s := range m.States {
		if s.BucketID < minBucketID {
			n++
			continue
		}
		kept = append(kept, s)
	}
	m.States = kept
	return n, nil
}

func (m *MockQuerier) UpsertVenues(_ context.Context, venues []model.Venue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range venues {
		if v.VenueID == "" {
			continue
		}
		have, ok := m.Venues[v.VenueID]
		if !ok {
			cp := v
			cp.FirstSeenAt = v.LastSeenAt
			m.Venues[v.VenueID] = &cp
			continue
		}
		if v.VenueName != "" {
			have.VenueName = v.VenueName
		}
		have.LastSeenAt = v.LastSeenAt
	}
	return nil
}

func (m *MockQuerier) PruneVenuesUnseenSince(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, v := range m.Venues {
		if v.LastSeenAt.Before(cutoff) {
			delete(m.Venues, id)
			n++
		}
	}
	return n, nil
}

func metricsKey(venueID, windowDate string) string { return venueID + "|" + windowDate }

func (m *MockQuerier) ApplyVenueDrop(_ context.Context, venueID, venueName, windowDate string, prime bool) (*model.VenueMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := metricsKey(venueID, windowDate)
	vm, ok := m.VenueMetrics[key]
	if !ok {
		vm = &model.VenueMetrics{VenueID: venueID, VenueName: venueName, WindowDate: windowDate}
		m.VenueMetrics[key] = vm
	}
	if venueName != "" {
		vm.VenueName = venueName
	}
	vm.NewDropCount++
	if prime {
		vm.PrimeTimeDrops++
	} else {
		vm.OffPeakDrops++
	}
	vm.ComputedAt = time.Now()
	cp := *vm
	return &cp, nil
}

func (m *MockQuerier) ApplyVenueClosure(_ context.Context, venueID, venueName, windowDate string, durationSec int) (*model.VenueMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := metricsKey(venueID, windowDate)
	vm, ok := m.VenueMetrics[key]
	if !ok {
		vm = &model.VenueMetrics{VenueID: venueID, VenueName: venueName, WindowDate: windowDate}
		m.VenueMetrics[key] = vm
	}
	if venueName != "" {
		vm.VenueName = venueName
	}
	oldAvg := 0.0
	if vm.AvgDropDurationSec != nil {
		oldAvg = *vm.AvgDropDurationSec
	}
	avg := (oldAvg*float64(vm.ClosedCount) + float64(durationSec)) / float64(vm.ClosedCount+1)
	vm.AvgDropDurationSec = &avg
	vm.ClosedCount++
	vm.ComputedAt = time.Now()
	cp := *vm
	return &cp, nil
}

func (m *MockQuerier) SetVenueScarcity(_ context.Context, venueID, windowDate string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vm, ok := m.VenueMetrics[metricsKey(venueID, windowDate)]; ok {
		vm.ScarcityScore = &score
	}
	return nil
}

func (m *MockQuerier) GetMarketDailyTotalsForUpdate(_ context.Context, windowDate string) (*model.MarketDailyTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.MarketTotals[windowDate]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *MockQuerier) UpsertMarketDailyTotals(_ context.Context, windowDate string, totals model.MarketDailyTotals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := totals
	m.MarketTotals[windowDate] = &cp
	return nil
}

func (m *MockQuerier) VenueMetricsSince(_ context.Context, sinceDate string) ([]model.VenueMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.VenueMetrics
	for _, vm := range m.VenueMetrics {
		if vm.WindowDate >= sinceDate {
			out = append(out, *vm)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VenueID != out[j].VenueID {
			return out[i].VenueID < out[j].VenueID
		}
		return out[i].WindowDate < out[j].WindowDate
	})
	return out, nil
}

func (m *MockQuerier) UpsertVenueRollingMetrics(_ context.Context, rows []model.VenueRollingMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		cp := r
		m.Rolling[metricsKey(r.VenueID, r.AsOfDate)] = &cp
	}
	return nil
}

func (m *MockQuerier) PruneVenueMetricsBefore(_ context.Context, dateStr string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, vm := range m.VenueMetrics {
		if vm.WindowDate < dateStr {
			delete(m.VenueMetrics, key)
			n++
		}
	}
	return n, nil
}

func (m *MockQuerier) PruneMarketMetricsBefore(_ context.Context, dateStr string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for d := range m.MarketTotals {
		if d < dateStr {
			delete(m.MarketTotals, d)
			n++
		}
	}
	return n, nil
}

func (m *MockQuerier) PruneRollingMetricsBefore(_ context.Context, dateStr string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, r := range m.Rolling {
		if r.AsOfDate < dateStr {
			delete(m.Rolling, key)
			n++
		}
	}
	return n, nil
}

func (m *MockQuerier) ListPushTokens(_ context.Context) ([]model.PushToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.PushToken(nil), m.PushTokens...), nil
}

func (m *MockQuerier) UpsertPushToken(_ context.Context, deviceToken, platform string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if platform == "" {
		platform = "ios"
	}
	for i := range m.PushTokens {
		if m.PushTokens[i].DeviceToken == deviceToken {
			m.PushTokens[i].Platform = platform
			m.PushTokens[i].UpdatedAt = time.Now()
			return nil
		}
	}
	m.nextTokenID++
	m.PushTokens = append(m.PushTokens, model.PushToken{
		ID: m.nextTokenID, DeviceToken: deviceToken, Platform: platform,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	return nil
}

func (m *MockQuerier) DeletePushToken(_ context.Context, deviceToken string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []model.PushToken
	var n int64
	for _, t := range m.PushTokens {
		if t.DeviceToken == deviceToken {
			n++
			continue
		}
		kept = append(kept, t)
	}
	m.PushTokens = kept
	return n, nil
}

func (m *MockQuerier) ListNotifyPreferences(_ context.Context, recipientID string) ([]model.NotifyPreference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.NotifyPreference
	for _, p := range m.Preferences {
		if p.RecipientID == recipientID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].VenueNameNormalized, out[j].VenueNameNormalized) < 0
	})
	return out, nil
}

func (m *MockQuerier) UpsertNotifyPreference(_ context.Context, recipientID, venueNameNormalized, preference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.Preferences {
		if m.Preferences[i].RecipientID == recipientID && m.Preferences[i].VenueNameNormalized == venueNameNormalized {
			m.Preferences[i].Preference = preference
			return nil
		}
	}
	m.nextPrefID++
	m.Preferences = append(m.Preferences, model.NotifyPreference{
		ID: m.nextPrefID, RecipientID: recipientID,
		VenueNameNormalized: venueNameNormalized, Preference: preference,
	})
	return nil
}

func (m *MockQuerier) DeleteNotifyPreference(_ context.Context, recipientID, venueNameNormalized string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []model.NotifyPreference
	var n int64
	for _, p := range m.Preferences {
		if p.RecipientID == recipientID && p.VenueNameNormalized == venueNameNormalized {
			n++
			continue
		}
		kept = append(kept, p)
	}
	m.Preferences = kept
	return n, nil
}

func (m *MockQuerier) InsertUserNotification(_ context.Context, n model.UserNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = int64(len(m.UserNotices) + 1)
	n.CreatedAt = time.Now()
	m.UserNotices = append(m.UserNotices, n)
	return nil
}

// MockStore pairs a MockQuerier with non-transactional RunBucketTxn/RunTxn
// implementations. The advisory lock is emulated with a per-bucket held set
// so contention tests behave like the real store.
type MockStore struct {
	*MockQuerier

	lockMu sync.Mutex
	held   map[string]bool
}

// NewMockStore creates a mock store over a fresh MockQuerier.
func NewMockStore() *MockStore {
	return &MockStore{MockQuerier: NewMockQuerier(), held: make(map[string]bool)}
}

func (s *MockStore) RunBucketTxn(_ context.Context, bucketID string, fn func(q Querier) error) error {
	s.lockMu.Lock()
	if s.held[bucketID] {
		s.lockMu.Unlock()
		return ErrLockBusy
	}
	s.held[bucketID] = true
	s.lockMu.Unlock()

	defer func() {
		s.lockMu.Lock()
		delete(s.held, bucketID)
		s.lockMu.Unlock()
	}()
	return fn(s.MockQuerier)
}

func (s *MockStore) RunTxn(_ context.Context, fn func(q Querier) error) error {
	return fn(s.MockQuerier)
}
