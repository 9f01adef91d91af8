package store

import (
	"context"
	"time"

	"github.com/dropwatch/dropwatch/internal/model"
)

// Querier is the full query surface, implemented by Queries against either
// the pool or a transaction. Consumers mock this interface in tests.
type Querier interface {
	// Buckets
	GetBucket(ctx context.Context, bucketID string) (*model.Bucket, error)
	EnsureBuckets(ctx context.Context, buckets []model.Bucket) (int64, error)
	InitBucketBaseline(ctx context.Context, bucketID string, slotIDs []string, scannedAt time.Time) error
	UpdateBucketScan(ctx context.Context, bucketID string, prevSlotIDs []string, scannedAt time.Time) error
	ListBuckets(ctx context.Context, bucketIDs []string) ([]model.Bucket, error)
	MaxScannedAtByDate(ctx context.Context, dates []string) (map[string]time.Time, error)
	DeleteBucketsBefore(ctx context.Context, dateStr string) (int64, error)

	// Slot projection
	UpsertProjections(ctx context.Context, rows []model.SlotProjection) error
	OpenVenueIDs(ctx context.Context, bucketID string) ([]string, error)
	CloseVanishedSlots(ctx context.Context, bucketID string, currSlotIDs []string, runID string, now time.Time) ([]ClosedSlot, error)
	OpenProjections(ctx context.Context, bucketIDs []string, limit int) ([]model.SlotProjection, error)
	OpenSlotIDs(ctx context.Context, bucketIDs []string) (map[string]map[string]struct{}, error)
	DeleteProjectionsBefore(ctx context.Context, minBucketID string) (int64, error)

	// Drop events
	RecentDropSlotIDs(ctx context.Context, bucketID string, since time.Time) ([]string, error)
	InsertDropEvents(ctx context.Context, events []model.DropEvent) ([]string, error)
	UnsentDropEvents(ctx context.Context, since time.Time, limit int) ([]model.DropEvent, error)
	MarkDropEventsPushed(ctx context.Context, ids []int64, at time.Time) error
	DeletePushedDropEvents(ctx context.Context, bucketID string, slotIDs []string) (int64, error)
	RecentDropEvents(ctx context.Context, bucketIDs []string, limit int) ([]model.DropEvent, error)
	PruneDropEventsByAge(ctx context.Context, cutoff time.Time) (int64, error)
	PruneDropEventsBeforeBucket(ctx context.Context, minBucketID string) (int64, error)

	// Availability sessions
	InsertOpenStates(ctx context.Context, states []model.AvailabilityState) error
	CloseStates(ctx context.Context, bucketID string, slotIDs []string, closedAt time.Time) (int64, error)
	ClaimStagedStates(ctx context.Context, limit int) ([]model.AvailabilityState, error)
	MarkStatesAggregated(ctx context.Context, ids []int64, at time.Time) error
	DeleteAggregatedStates(ctx context.Context) (int64, error)
	DeleteStatesBeforeBucket(ctx context.Context, minBucketID string) (int64, error)

	// Venues
	UpsertVenues(ctx context.Context, venues []model.Venue) error
	PruneVenuesUnseenSince(ctx context.Context, cutoff time.Time) (int64, error)

	// Metrics
	ApplyVenueDrop(ctx context.Context, venueID, venueName, windowDate string, prime bool) (*model.VenueMetrics, error)
	ApplyVenueClosure(ctx context.Context, venueID, venueName, windowDate string, durationSec int) (*model.VenueMetrics, error)
	SetVenueScarcity(ctx context.Context, venueID, windowDate string, score float64) error
	GetMarketDailyTotalsForUpdate(ctx context.Context, windowDate string) (*model.MarketDailyTotals, error)
	UpsertMarketDailyTotals(ctx context.Context, windowDate string, totals model.MarketDailyTotals) error
	VenueMetricsSince(ctx context.Context, sinceDate string) ([]model.VenueMetrics, error)
	UpsertVenueRollingMetrics(ctx context.Context, rows []model.VenueRollingMetrics) error
	PruneVenueMetricsBefore(ctx context.Context, dateStr string) (int64, error)
	PruneMarketMetricsBefore(ctx context.Context, dateStr string) (int64, error)
	PruneRollingMetricsBefore(ctx context.Context, dateStr string) (int64, error)

	// Notifications
	ListPushTokens(ctx context.Context) ([]model.PushToken, error)
	UpsertPushToken(ctx context.Context, deviceToken, platform string) error
	DeletePushToken(ctx context.Context, deviceToken string) (int64, error)
	ListNotifyPreferences(ctx context.Context, recipientID string) ([]model.NotifyPreference, error)
	UpsertNotifyPreference(ctx context.Context, recipientID, venueNameNormalized, preference string) error
	DeleteNotifyPreference(ctx context.Context, recipientID, venueNameNormalized string) (int64, error)
	InsertUserNotification(ctx context.Context, n model.UserNotification) error
}

var _ Querier = (*Queries)(nil)
