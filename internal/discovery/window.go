// Package discovery implements the drop-discovery engine: the rolling bucket
// window, the per-bucket poll worker, the cooldown dispatch scheduler, and
// the daily retention job.
package discovery

import (
	"sort"
	"time"

	"github.com/dropwatch/dropwatch/internal/model"
)

// WindowStart returns the first date of the active window: yesterday in the
// configured calendar timezone, so users west of the server still see "today"
// on their local calendar.
func WindowStart(now time.Time, loc *time.Location) string {
	return now.In(loc).AddDate(0, 0, -1).Format("2006-01-02")
}

// WindowDates enumerates the window's calendar dates, startDate first.
func WindowDates(startDate string, days int) []string {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return nil
	}
	dates := make([]string, 0, days)
	for i := 0; i < days; i++ {
		dates = append(dates, start.AddDate(0, 0, i).Format("2006-01-02"))
	}
	return dates
}

// WindowBuckets enumerates every (date, anchor) bucket in the window.
func WindowBuckets(startDate string, days int, timeSlots []string) []model.Bucket {
	dates := WindowDates(startDate, days)
	buckets := make([]model.Bucket, 0, len(dates)*len(timeSlots))
	for _, date := range dates {
		for _, slot := range timeSlots {
			buckets = append(buckets, model.Bucket{
				BucketID: model.BucketID(date, slot),
				DateStr:  date,
				TimeSlot: slot,
			})
		}
	}
	return buckets
}

// MinWindowBucketID returns the lexicographically smallest bucket id in the
// window. Prunes keyed on bucket_id < this value remove everything that has
// slid out of the window.
func MinWindowBucketID(startDate string, timeSlots []string) string {
	if len(timeSlots) == 0 {
		return startDate + "_"
	}
	slots := append([]string(nil), timeSlots...)
	sort.Strings(slots)
	return model.BucketID(startDate, slots[0])
}
