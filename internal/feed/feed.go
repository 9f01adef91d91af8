// Package feed builds the read shapes served by the HTTP API: just-opened
// drops, still-open availability, per-date calendar counts, and scan
// freshness. Results are cached briefly and degrade to an empty result with
// a diagnostic instead of failing the request.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dropwatch/dropwatch/internal/config"
	"github.com/dropwatch/dropwatch/internal/model"
	"github.com/dropwatch/dropwatch/internal/store"
)

// Hard server-side caps.
const (
	maxEventScan     = 3000
	maxVenuesPerDate = 500
)

const cacheTTL = 30 * time.Second

// Query filters a feed read.
type Query struct {
	WindowMinutes int    // recency horizon for "just opened", minutes
	PartySize     int    // 0 means any
	TimeFrom      string // "HH:MM", empty means unbounded
	TimeTo        string
}

// VenueSlot is one venue entry in a date group.
type VenueSlot struct {
	model.SlotPayload
	SlotID string `json:"slot_id"`
}

// DateGroup is the per-calendar-date slice of a feed result.
type DateGroup struct {
	Date      string      `json:"date"`
	ScannedAt *time.Time  `json:"scanned_at,omitempty"`
	Venues    []VenueSlot `json:"venues"`
}

// Result is a feed response. Error carries the diagnostic when a read
// degraded to empty.
type Result struct {
	Dates []DateGroup `json:"dates"`
	Error string      `json:"error,omitempty"`
}

// CalendarEntry is one date's venue count.
type CalendarEntry struct {
	Date       string `json:"date"`
	VenueCount int    `json:"venue_count"`
}

// ScanInfo reports scan freshness for the health and feed endpoints.
type ScanInfo struct {
	LastScanAt     *time.Time `json:"last_scan_at,omitempty"`
	TrackedSlots   int        `json:"tracked_slots"`
	WindowStart    string     `json:"window_start"`
	BucketsScanned int        `json:"buckets_scanned"`
}

// BucketStatus is one bucket's scan state in the health listing.
type BucketStatus struct {
	BucketID     string     `json:"bucket_id"`
	Date         string     `json:"date"`
	TimeSlot     string     `json:"time_slot"`
	BaselineSet  bool       `json:"baseline_set"`
	TrackedSlots int        `json:"tracked_slots"`
	ScannedAt    *time.Time `json:"scanned_at,omitempty"`
}

// Service reads projections and drop events into feed shapes.
type Service struct {
	db     store.Querier
	cfg    config.DiscoveryConfig
	loc    *time.Location
	cache  *gocache.Cache
	logger *slog.Logger
}

// NewService creates a feed service.
func NewService(db store.Querier, cfg config.DiscoveryConfig, logger *slog.Logger) (*Service, error) {
	loc, err := time.LoadLocation(cfg.DateTimezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", cfg.DateTimezone, err)
	}
	return &Service{
		db:     db,
		cfg:    cfg,
		loc:    loc,
		cache:  gocache.New(cacheTTL, 2*cacheTTL),
		logger: logger.With("component", "feed"),
	}, nil
}

// JustOpened returns recently-dropped slots that are still open, grouped by
// reservation date and deduped per venue.
func (s *Service) JustOpened(ctx context.Context, q Query) *Result {
	key := "just-opened|" + q.cacheKey()
	if cached, ok := s.cache.Get(key); ok {
		return cached.(*Result)
	}
	res, err := s.justOpened(ctx, q)
	if err != nil {
		s.logger.Warn("just-opened read degraded", "error", err)
		return &Result{Dates: []DateGroup{}, Error: "feed temporarily unavailable"}
	}
	s.cache.Set(key, res, cacheTTL)
	return res
}

// StillOpen returns open slots that did NOT just drop, same shape as
// JustOpened with still_open marked on each entry.
func (s *Service) StillOpen(ctx context.Context, q Query) *Result {
	key := "still-open|" + q.cacheKey()
	if cached, ok := s.cache.Get(key); ok {
		return cached.(*Result)
	}
	res, err := s.stillOpen(ctx, q)
	if err != nil {
		s.logger.Warn("still-open read degraded", "error", err)
		return &Result{Dates: []DateGroup{}, Error: "feed temporarily unavailable"}
	}
	s.cache.Set(key, res, cacheTTL)
	return res
}

// Calendar returns the unique venue count per date across just-opened and
// still-open.
func (s *Service) Calendar(ctx context.Context, q Query) ([]CalendarEntry, error) {
	justOpened, err := s.justOpened(ctx, q)
	if err != nil {
		return nil, err
	}
	stillOpen, err := s.stillOpen(ctx, q)
	if err != nil {
		return nil, err
	}

	byDate := make(map[string]map[string]struct{})
	addAll := func(res *Result) {
		for _, g := range res.Dates {
			if byDate[g.Date] == nil {
				byDate[g.Date] = make(map[string]struct{})
			}
			for _, v := range g.Venues {
				byDate[g.Date][venueKeyOf(v.VenueID, v.Name)] = struct{}{}
			}
		}
	}
	addAll(justOpened)
	addAll(stillOpen)

	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	out := make([]CalendarEntry, 0, len(dates))
	for _, d := range dates {
		out = append(out, CalendarEntry{Date: d, VenueCount: len(byDate[d])})
	}
	return out, nil
}

// LastScan reports the freshest scan timestamp in the window and the total
// number of tracked slots.
func (s *Service) LastScan(ctx context.Context) (*ScanInfo, error) {
	windowStart := WindowStartNow(s.loc)
	bucketIDs := s.windowBucketIDs(windowStart)

	buckets, err := s.db.ListBuckets(ctx, bucketIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list window buckets: %w", err)
	}
	info := &ScanInfo{WindowStart: windowStart}
	for _, b := range buckets {
		info.TrackedSlots += len(b.PrevSlotIDs)
		if b.ScannedAt == nil {
			continue
		}
		info.BucketsScanned++
		if info.LastScanAt == nil || b.ScannedAt.After(*info.LastScanAt) {
			info.LastScanAt = b.ScannedAt
		}
	}
	return info, nil
}

// BucketHealth lists every window bucket's scan state, ordered by bucket id.
func (s *Service) BucketHealth(ctx context.Context) ([]BucketStatus, error) {
	windowStart := WindowStartNow(s.loc)
	buckets, err := s.db.ListBuckets(ctx, s.windowBucketIDs(windowStart))
	if err != nil {
		return nil, fmt.Errorf("failed to list window buckets: %w", err)
	}
	out := make([]BucketStatus, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, BucketStatus{
			BucketID:     b.BucketID,
			Date:         b.DateStr,
			TimeSlot:     b.TimeSlot,
			BaselineSet:  b.BaselineSet,
			TrackedSlots: len(b.PrevSlotIDs),
			ScannedAt:    b.ScannedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketID < out[j].BucketID })
	return out, nil
}

func (s *Service) justOpened(ctx context.Context, q Query) (*Result, error) {
	fresh, scannedByDate, err := s.freshBuckets(ctx)
	if err != nil {
		return nil, err
	}
	if len(fresh) == 0 {
		return &Result{Dates: []DateGroup{}}, nil
	}

	events, err := s.db.RecentDropEvents(ctx, fresh, maxEventScan)
	if err != nil {
		return nil, fmt.Errorf("failed to load drop events: %w", err)
	}
	since := time.Now().UTC().Add(-q.window())
	openBySlot, err := s.db.OpenSlotIDs(ctx, fresh)
	if err != nil {
		return nil, fmt.Errorf("failed to load open slots: %w", err)
	}

	groups := newGrouper(scannedByDate)
	for _, ev := range events {
		if ev.OpenedAt.Before(since) {
			continue
		}
		if _, open := openBySlot[ev.BucketID][ev.SlotID]; !open {
			continue
		}
		payload, ok := decodePayload(ev.PayloadJSON, ev.VenueName)
		if !ok || !q.matches(payload) {
			continue
		}
		date, _ := model.SplitBucketID(ev.BucketID)
		payload.DetectedAt = ev.OpenedAt.UTC().Format(time.RFC3339)
		groups.add(date, ev.VenueID, VenueSlot{SlotPayload: payload, SlotID: ev.SlotID})
	}
	return groups.result(), nil
}

func (s *Service) stillOpen(ctx context.Context, q Query) (*Result, error) {
	fresh, scannedByDate, err := s.freshBuckets(ctx)
	if err != nil {
		return nil, err
	}
	if len(fresh) == 0 {
		return &Result{Dates: []DateGroup{}}, nil
	}

	projections, err := s.db.OpenProjections(ctx, fresh, maxEventScan)
	if err != nil {
		return nil, fmt.Errorf("failed to load open projections: %w", err)
	}
	events, err := s.db.RecentDropEvents(ctx, fresh, maxEventScan)
	if err != nil {
		return nil, fmt.Errorf("failed to load drop events: %w", err)
	}
	since := time.Now().UTC().Add(-q.window())
	recent := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if ev.OpenedAt.Before(since) {
			continue
		}
		recent[ev.BucketID+"|"+ev.SlotID] = struct{}{}
	}

	groups := newGrouper(scannedByDate)
	for _, p := range projections {
		if _, justDropped := recent[p.BucketID+"|"+p.SlotID]; justDropped {
			continue
		}
		payload, ok := decodePayload(p.PayloadJSON, p.VenueName)
		if !ok || !q.matches(payload) {
			continue
		}
		date, _ := model.SplitBucketID(p.BucketID)
		payload.StillOpen = true
		if payload.DetectedAt == "" {
			if at, ok := scannedByDate[date]; ok {
				payload.DetectedAt = at.UTC().Format(time.RFC3339)
			}
		}
		groups.add(date, p.VenueID, VenueSlot{SlotPayload: payload, SlotID: p.SlotID})
	}
	return groups.result(), nil
}

// freshBuckets returns the window's bucket ids whose last scan is recent
// enough to serve, plus the max scan time per date. Buckets that have gone
// stale are excluded rather than served as ghost availability.
func (s *Service) freshBuckets(ctx context.Context) ([]string, map[string]time.Time, error) {
	windowStart := WindowStartNow(s.loc)
	buckets, err := s.db.ListBuckets(ctx, s.windowBucketIDs(windowStart))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list window buckets: %w", err)
	}

	staleBefore := time.Now().UTC().Add(-time.Duration(s.cfg.StaleBucketHours) * time.Hour)
	var fresh []string
	scannedByDate := make(map[string]time.Time)
	for _, b := range buckets {
		if b.ScannedAt == nil || b.ScannedAt.Before(staleBefore) {
			continue
		}
		fresh = append(fresh, b.BucketID)
		if cur, ok := scannedByDate[b.DateStr]; !ok || b.ScannedAt.After(cur) {
			scannedByDate[b.DateStr] = *b.ScannedAt
		}
	}
	return fresh, scannedByDate, nil
}

func (s *Service) windowBucketIDs(windowStart string) []string {
	start, err := time.Parse("2006-01-02", windowStart)
	if err != nil {
		return nil
	}
	ids := make([]string, 0, s.cfg.WindowDays*len(s.cfg.TimeSlots))
	for i := 0; i < s.cfg.WindowDays; i++ {
		date := start.AddDate(0, 0, i).Format("2006-01-02")
		for _, slot := range s.cfg.TimeSlots {
			ids = append(ids, model.BucketID(date, slot))
		}
	}
	return ids
}

// WindowStartNow is the feed's view of the window start date.
func WindowStartNow(loc *time.Location) string {
	return time.Now().In(loc).AddDate(0, 0, -1).Format("2006-01-02")
}

func (q Query) window() time.Duration {
	if q.WindowMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(q.WindowMinutes) * time.Minute
}

func (q Query) cacheKey() string {
	return strconv.Itoa(q.WindowMinutes) + "|" + strconv.Itoa(q.PartySize) + "|" + q.TimeFrom + "|" + q.TimeTo
}

// matches applies the party-size and time-range filters. A payload without
// party size data matches any size.
func (q Query) matches(p model.SlotPayload) bool {
	if q.PartySize > 0 && len(p.PartySizesAvailable) > 0 {
		found := false
		for _, size := range p.PartySizesAvailable {
			if size == q.PartySize {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.TimeFrom == "" && q.TimeTo == "" {
		return true
	}
	from := minutesOfDay(q.TimeFrom, 0)
	to := minutesOfDay(q.TimeTo, 24*60)
	for _, t := range p.AvailabilityTimes {
		m := slotMinutes(t)
		if m >= from && m <= to {
			return true
		}
	}
	return false
}

// minutesOfDay parses "HH:MM" into minutes since midnight, with a fallback.
func minutesOfDay(s string, fallback int) int {
	if len(s) < 5 {
		return fallback
	}
	h, err1 := strconv.Atoi(s[:2])
	m, err2 := strconv.Atoi(s[3:5])
	if err1 != nil || err2 != nil {
		return fallback
	}
	return h*60 + m
}

// slotMinutes extracts minutes since midnight from an availability time like
// "2026-02-14 20:30:00" or a bare "20:30".
func slotMinutes(t string) int {
	t = strings.TrimSpace(t)
	if i := strings.IndexAny(t, " T"); i >= 0 && len(t) > i+1 {
		t = t[i+1:]
	}
	return minutesOfDay(t, -1)
}

func decodePayload(raw, venueName string) (model.SlotPayload, bool) {
	var p model.SlotPayload
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return p, false
		}
	}
	if venueName != "" {
		p.Name = venueName
	}
	return p, true
}

func venueKeyOf(venueID, name string) string {
	if venueID != "" {
		return venueID
	}
	return "name:" + name
}

// grouper accumulates per-date venue entries with per-date venue dedupe and
// the venues-per-date cap.
type grouper struct {
	scannedByDate map[string]time.Time
	seen          map[string]map[string]struct{}
	venues        map[string][]VenueSlot
}

func newGrouper(scannedByDate map[string]time.Time) *grouper {
	return &grouper{
		scannedByDate: scannedByDate,
		seen:          make(map[string]map[string]struct{}),
		venues:        make(map[string][]VenueSlot),
	}
}

func (g *grouper) add(date, venueID string, slot VenueSlot) {
	if g.seen[date] == nil {
		g.seen[date] = make(map[string]struct{})
	}
	key := venueKeyOf(venueID, slot.Name)
	if _, dup := g.seen[date][key]; dup {
		return
	}
	if len(g.venues[date]) >= maxVenuesPerDate {
		return
	}
	g.seen[date][key] = struct{}{}
	g.venues[date] = append(g.venues[date], slot)
}

func (g *grouper) result() *Result {
	dates := make([]string, 0, len(g.venues))
	for d := range g.venues {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	out := &Result{Dates: make([]DateGroup, 0, len(dates))}
	for _, d := range dates {
		group := DateGroup{Date: d, Venues: g.venues[d]}
		if at, ok := g.scannedByDate[d]; ok {
			t := at
			group.ScannedAt = &t
		}
		out.Dates = append(out.Dates, group)
	}
	return out
}
