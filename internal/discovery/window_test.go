package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowStartUsesCalendarTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 03:00 UTC on Feb 15 is still Feb 14 in New York, so the window starts
	// on Feb 13 there
	now := time.Date(2026, 2, 15, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-02-13", WindowStart(now, ny))
	assert.Equal(t, "2026-02-14", WindowStart(now, time.UTC))
}

func TestWindowBuckets(t *testing.T) {
	buckets := WindowBuckets("2026-02-14", 3, []string{"15:00", "20:30"})
	require.Len(t, buckets, 6)
	assert.Equal(t, "2026-02-14_15:00", buckets[0].BucketID)
	assert.Equal(t, "2026-02-14", buckets[0].DateStr)
	assert.Equal(t, "15:00", buckets[0].TimeSlot)
	assert.Equal(t, "2026-02-16_20:30", buckets[5].BucketID)
}

func TestWindowBucketsCrossesMonthBoundary(t *testing.T) {
	buckets := WindowBuckets("2026-02-28", 2, []string{"20:30"})
	require.Len(t, buckets, 2)
	assert.Equal(t, "2026-03-01_20:30", buckets[1].BucketID)
}

func TestMinWindowBucketID(t *testing.T) {
	assert.Equal(t, "2026-02-14_15:00", MinWindowBucketID("2026-02-14", []string{"20:30", "15:00"}))
	assert.Equal(t, "2026-02-14_", MinWindowBucketID("2026-02-14", nil))
}

func TestWindowDatesBadStart(t *testing.T) {
	assert.Nil(t, WindowDates("not-a-date", 3))
}
