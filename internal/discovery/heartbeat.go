package discovery

import (
	"sync"
	"time"
)

// Heartbeat is the process-local observability state shared by the scheduler
// and the health endpoint.
type Heartbeat struct {
	mu           sync.Mutex
	startedAt    time.Time
	lastTickAt   time.Time
	lastPollAt   time.Time
	lastBucketID string
	inFlight     int
	polls        int64
	failures     int64
}

// HeartbeatStatus is a point-in-time snapshot for the health endpoint.
type HeartbeatStatus struct {
	StartedAt    time.Time `json:"started_at"`
	LastTickAt   time.Time `json:"last_tick_at"`
	LastPollAt   time.Time `json:"last_poll_at"`
	LastBucketID string    `json:"last_bucket_id"`
	InFlight     int       `json:"in_flight"`
	Polls        int64     `json:"polls"`
	Failures     int64     `json:"failures"`
}

// NewHeartbeat creates a heartbeat stamped with the current time.
func NewHeartbeat() *Heartbeat {
	return &Heartbeat{startedAt: time.Now()}
}

// Tick records one scheduler tick.
func (h *Heartbeat) Tick() {
	h.mu.Lock()
	h.lastTickAt = time.Now()
	h.mu.Unlock()
}

// PollStarted records a bucket dispatch.
func (h *Heartbeat) PollStarted(bucketID string) {
	h.mu.Lock()
	h.inFlight++
	h.lastBucketID = bucketID
	h.mu.Unlock()
}

// PollFinished records a poll completion.
func (h *Heartbeat) PollFinished(failed bool) {
	h.mu.Lock()
	h.inFlight--
	h.lastPollAt = time.Now()
	h.polls++
	if failed {
		h.failures++
	}
	h.mu.Unlock()
}

// Snapshot returns the current status.
func (h *Heartbeat) Snapshot() HeartbeatStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HeartbeatStatus{
		StartedAt:    h.startedAt,
		LastTickAt:   h.lastTickAt,
		LastPollAt:   h.lastPollAt,
		LastBucketID: h.lastBucketID,
		InFlight:     h.inFlight,
		Polls:        h.polls,
		Failures:     h.failures,
	}
}
