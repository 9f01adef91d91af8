// Package model defines the row types shared by the store, discovery engine,
// aggregation, and notification components.
package model

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// Slot availability states for the projection table.
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// Time buckets derived from the anchor time slot.
const (
	TimeBucketPrime   = "prime"
	TimeBucketOffPeak = "off_peak"
)

// SlotPayload is the typed projection of a provider availability payload.
// It is serialized with stable key order (struct order) so payload_json
// diffs stay reviewable.
type SlotPayload struct {
	Name                string   `json:"name,omitempty"`
	VenueID             string   `json:"venue_id,omitempty"`
	AvailabilityTimes   []string `json:"availability_times"`
	PartySizesAvailable []int    `json:"party_sizes_available,omitempty"`
	BookURL             string   `json:"book_url,omitempty"`
	ResyURL             string   `json:"resy_url,omitempty"`
	Neighborhood        string   `json:"neighborhood,omitempty"`
	PriceRange          string   `json:"price_range,omitempty"`
	ImageURL            string   `json:"image_url,omitempty"`
	Rating              float64  `json:"rating,omitempty"`
	RatingCount         int      `json:"rating_count,omitempty"`
	Collections         []string `json:"collections,omitempty"`
	DetectedAt          string   `json:"detected_at,omitempty"`
	StillOpen           bool     `json:"still_open,omitempty"`
}

// BookingURL returns the booking link, preferring resy_url over book_url.
func (p *SlotPayload) BookingURL() string {
	if p.ResyURL != "" {
		return p.ResyURL
	}
	return p.BookURL
}

// NormalizedSlot is one (venue, reservation time) row returned by any
// provider. slot_id is computed by the adapter, never by the provider API.
type NormalizedSlot struct {
	SlotID    string
	VenueID   string
	VenueName string
	Payload   SlotPayload
}

// Bucket is the unit of scheduling: one (date, anchor time) pair.
// BaselineSlotIDs == nil means the bucket has never been polled successfully.
type Bucket struct {
	BucketID        string
	DateStr         string
	TimeSlot        string
	BaselineSlotIDs []string
	BaselineSet     bool
	PrevSlotIDs     []string
	ScannedAt       *time.Time
}

// BucketID builds the stable bucket key, e.g. "2026-02-14_20:30".
func BucketID(dateStr, timeSlot string) string {
	return dateStr + "_" + timeSlot
}

// SplitBucketID returns the date and time-slot halves of a bucket id.
func SplitBucketID(bucketID string) (dateStr, timeSlot string) {
	if i := strings.IndexByte(bucketID, '_'); i >= 0 {
		return bucketID[:i], bucketID[i+1:]
	}
	return bucketID, ""
}

// TimeBucketFor maps an anchor time slot to a coarse demand bucket.
// Evening anchors (17:00 and later) are prime time.
func TimeBucketFor(timeSlot string) string {
	if timeSlot >= "17:00" {
		return TimeBucketPrime
	}
	return TimeBucketOffPeak
}

// SlotProjection is the soft-state row of current open/closed availability
// per (bucket_id, slot_id). Last-writer-wins on UpdatedAt.
type SlotProjection struct {
	BucketID     string
	SlotID       string
	State        string
	OpenedAt     time.Time
	ClosedAt     *time.Time
	LastSeenAt   time.Time
	VenueID      string
	VenueName    string
	PayloadJSON  string
	RunID        string
	UpdatedAt    time.Time
	TimeBucket   string
	SlotDate     string
	SlotTime     string
	Provider     string
	Neighborhood string
	PriceRange   string
}

// DropEvent is the immutable record of a newly-detected slot. Append-only
// until retention prune; PushSentAt is stamped by the notification fan-out.
type DropEvent struct {
	ID           int64
	BucketID     string
	SlotID       string
	OpenedAt     time.Time
	VenueID      string
	VenueName    string
	PayloadJSON  string
	DedupeKey    string
	PushSentAt   *time.Time
	TimeBucket   string
	SlotDate     string
	SlotTime     string
	Provider     string
	Neighborhood string
	PriceRange   string
}

// DedupeKey builds the unique drop-event key: bucket|slot|minute-floored
// open time in UTC.
func DedupeKey(bucketID, slotID string, openedAt time.Time) string {
	return fmt.Sprintf("%s|%s|%s", bucketID, slotID,
		openedAt.UTC().Truncate(time.Minute).Format("2006-01-02T15:04"))
}

// AvailabilityState tracks one open-close session per (bucket, slot).
// Rows with both ClosedAt and AggregatedAt set are eligible for deletion.
type AvailabilityState struct {
	ID              int64
	BucketID        string
	SlotID          string
	OpenedAt        time.Time
	ClosedAt        *time.Time
	DurationSeconds *int
	VenueID         string
	VenueName       string
	SlotDate        string
	Provider        string
	AggregatedAt    *time.Time
}

// Venue is the canonical venue record, upserted on every drop.
type Venue struct {
	VenueID     string
	VenueName   string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// VenueMetrics is the per-venue, per-reservation-day aggregate, updated
// incrementally on slot closure. ClosedCount doubles as the sample count for
// the running average duration.
type VenueMetrics struct {
	VenueID             string
	VenueName           string
	WindowDate          string
	ComputedAt          time.Time
	NewDropCount        int
	ClosedCount         int
	PrimeTimeDrops      int
	OffPeakDrops        int
	AvgDropDurationSec  *float64
	ScarcityScore       *float64
}

// MarketDailyTotals is the value_json document for the daily_totals market
// metric row.
type MarketDailyTotals struct {
	TotalNewDrops      int            `json:"total_new_drops"`
	TotalClosed        int            `json:"total_closed"`
	AvgDropDurationSec *float64       `json:"avg_drop_duration_seconds"`
	EventCount         int            `json:"event_count"`
	Weekday            int            `json:"weekday"`
	ByHour             map[string]int `json:"by_hour"`
}

// MetricTypeDailyTotals is the market_metrics metric_type for daily counts.
const MetricTypeDailyTotals = "daily_totals"

// VenueRollingMetrics summarizes a venue over a trailing window (14 days):
// how often it drops at all, and whether it is trending easier or harder.
type VenueRollingMetrics struct {
	VenueID             string
	VenueName           string
	AsOfDate            string
	WindowDays          int
	ComputedAt          time.Time
	TotalNewDrops       int
	DaysWithDrops       int
	DropFrequencyPerDay float64
	RarityScore         float64
	TotalLast7d         int
	TotalPrev7d         int
	TrendPct            *float64
	AvailabilityRate    float64
}

// PushToken is a registered device token for APNs delivery.
type PushToken struct {
	ID          int64
	DeviceToken string
	Platform    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Notify preference values.
const (
	PreferenceInclude = "include"
	PreferenceExclude = "exclude"
)

// NotifyPreference adds or removes a venue name from a recipient's effective
// notify list: (hotlist ∪ includes) − excludes.
type NotifyPreference struct {
	ID                  int64
	RecipientID         string
	VenueNameNormalized string
	Preference          string
}

// UserNotification is the log row written for each delivered digest.
type UserNotification struct {
	ID        int64
	Title     string
	Body      string
	VenueIDs  []string
	CreatedAt time.Time
}

// AdvisoryLockKey derives the per-bucket advisory lock key: the first 8 bytes
// of SHA-256(bucket_id), big-endian, masked to 63 bits so it fits a Postgres
// bigint.
func AdvisoryLockKey(bucketID string) int64 {
	sum := sha256.Sum256([]byte(bucketID))
	var k uint64
	for i := 0; i < 8; i++ {
		k = k<<8 | uint64(sum[i])
	}
	return int64(k & (1<<63 - 1))
}

// SlotDateTime extracts (slot_date, slot_time) from the first availability
// time in the payload, falling back to the bucket date. Accepts
// "2026-02-18 20:30:00", ISO "T" form, or a bare time.
func SlotDateTime(p *SlotPayload, bucketDate string) (slotDate, slotTime string) {
	slotDate = bucketDate
	if p == nil || len(p.AvailabilityTimes) == 0 {
		return slotDate, ""
	}
	first := strings.TrimSpace(p.AvailabilityTimes[0])
	if first == "" {
		return slotDate, ""
	}
	sep := " "
	if strings.Contains(first, "T") {
		sep = "T"
	}
	if strings.Contains(first, sep) && len(first) > 10 {
		parts := strings.SplitN(first, sep, 2)
		if len(parts) == 2 && parts[0] != "" {
			slotDate = parts[0]
			slotTime = parts[1]
			if len(slotTime) > 8 {
				slotTime = slotTime[:8]
			}
			return slotDate, slotTime
		}
	}
	if len(first) >= 5 && strings.Contains(first, ":") {
		slotTime = first
		if len(slotTime) > 8 {
			slotTime = slotTime[:8]
		}
	}
	return slotDate, slotTime
}
