// Package handler exposes the HTTP API: feed reads over the projection,
// push-token and notify-preference CRUD, discovery health, and admin
// baseline refresh.
package handler

import (
	"net/http"

	"github.com/dropwatch/dropwatch/internal/discovery"
	"github.com/dropwatch/dropwatch/internal/feed"
)

// HealthHandler serves liveness and discovery health.
type HealthHandler struct {
	heartbeat *discovery.Heartbeat
	feed      *feed.Service
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(heartbeat *discovery.Heartbeat, feedSvc *feed.Service) *HealthHandler {
	return &HealthHandler{heartbeat: heartbeat, feed: feedSvc}
}

// HealthCheck returns basic service liveness.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "dropwatch",
	})
}

// DiscoveryHealth returns scheduler heartbeat and scan freshness.
func (h *HealthHandler) DiscoveryHealth(w http.ResponseWriter, r *http.Request) {
	status := h.heartbeat.Snapshot()
	data := map[string]interface{}{
		"heartbeat": status,
	}
	if scan, err := h.feed.LastScan(r.Context()); err == nil {
		data["scan"] = scan
	} else {
		data["scan_error"] = err.Error()
	}
	if buckets, err := h.feed.BucketHealth(r.Context()); err == nil {
		data["buckets"] = buckets
	}
	respondSuccess(w, http.StatusOK, data)
}
