package handler

import (
	"net/http"
	"strconv"

	"github.com/dropwatch/dropwatch/internal/feed"
)

// FeedHandler serves the cached read shapes.
type FeedHandler struct {
	feed *feed.Service
}

// NewFeedHandler creates a feed handler.
func NewFeedHandler(feedSvc *feed.Service) *FeedHandler {
	return &FeedHandler{feed: feedSvc}
}

// queryFromRequest parses the shared feed filters: window_minutes,
// party_size, time_from, time_to.
func queryFromRequest(r *http.Request) feed.Query {
	q := feed.Query{}
	if v, err := strconv.Atoi(r.URL.Query().Get("window_minutes")); err == nil && v > 0 {
		q.WindowMinutes = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("party_size")); err == nil && v > 0 {
		q.PartySize = v
	}
	q.TimeFrom = r.URL.Query().Get("time_from")
	q.TimeTo = r.URL.Query().Get("time_to")
	return q
}

// JustOpened returns recently-dropped, still-open slots grouped by date.
func (h *FeedHandler) JustOpened(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, h.feed.JustOpened(r.Context(), queryFromRequest(r)))
}

// StillOpen returns open slots that did not just drop.
func (h *FeedHandler) StillOpen(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, h.feed.StillOpen(r.Context(), queryFromRequest(r)))
}

// Calendar returns the unique venue count per date.
func (h *FeedHandler) Calendar(w http.ResponseWriter, r *http.Request) {
	entries, err := h.feed.Calendar(r.Context(), queryFromRequest(r))
	if err != nil {
		// reads degrade rather than 5xx
		respondSuccess(w, http.StatusOK, map[string]interface{}{
			"dates": []interface{}{},
			"error": "calendar temporarily unavailable",
		})
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{"dates": entries})
}
