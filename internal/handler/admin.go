package handler

import (
	"context"
	"net/http"
)

// BaselineRefresher re-baselines never-polled buckets in the active window.
type BaselineRefresher interface {
	RefreshBaselines(ctx context.Context)
}

// AdminHandler serves operational endpoints.
type AdminHandler struct {
	refresher BaselineRefresher
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(refresher BaselineRefresher) *AdminHandler {
	return &AdminHandler{refresher: refresher}
}

// RefreshBaselines ensures window buckets exist and baselines any bucket
// that has never been polled. Synchronous; intended for operators.
func (h *AdminHandler) RefreshBaselines(w http.ResponseWriter, r *http.Request) {
	h.refresher.RefreshBaselines(r.Context())
	respondSuccess(w, http.StatusOK, map[string]interface{}{"refreshed": true})
}
