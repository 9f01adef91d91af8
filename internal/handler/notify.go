package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/dropwatch/dropwatch/internal/notify"
	"github.com/dropwatch/dropwatch/internal/store"
)

// NotifyHandler serves push-token registration and notify-preference CRUD.
type NotifyHandler struct {
	db       store.Querier
	validate *validator.Validate
}

// NewNotifyHandler creates a notify handler.
func NewNotifyHandler(db store.Querier) *NotifyHandler {
	return &NotifyHandler{db: db, validate: validator.New()}
}

type registerTokenRequest struct {
	DeviceToken string `json:"device_token" validate:"required,min=16"`
	Platform    string `json:"platform" validate:"omitempty,oneof=ios android"`
}

// RegisterToken upserts a device token.
func (h *NotifyHandler) RegisterToken(w http.ResponseWriter, r *http.Request) {
	var req registerTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}
	if err := h.db.UpsertPushToken(r.Context(), req.DeviceToken, req.Platform); err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to register token")
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{"registered": true})
}

// UnregisterToken deletes a device token.
func (h *NotifyHandler) UnregisterToken(w http.ResponseWriter, r *http.Request) {
	var req registerTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceToken == "" {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "device_token is required")
		return
	}
	n, err := h.db.DeletePushToken(r.Context(), req.DeviceToken)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to delete token")
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{"deleted": n > 0})
}

type preferenceRequest struct {
	VenueName  string `json:"venue_name" validate:"required,min=1,max=200"`
	Preference string `json:"preference" validate:"required,oneof=include exclude"`
}

// ListPreferences returns the recipient's include/exclude rows.
func (h *NotifyHandler) ListPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.db.ListNotifyPreferences(r.Context(), notify.DefaultRecipient)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to load preferences")
		return
	}
	out := make([]map[string]string, 0, len(prefs))
	for _, p := range prefs {
		out = append(out, map[string]string{
			"venue_name": p.VenueNameNormalized,
			"preference": p.Preference,
		})
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{"preferences": out})
}

// PutPreference sets include/exclude for a venue name.
func (h *NotifyHandler) PutPreference(w http.ResponseWriter, r *http.Request) {
	var req preferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}
	normalized := notify.NormalizeVenueName(req.VenueName)
	if normalized == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_FAILED", "venue_name normalizes to empty")
		return
	}
	err := h.db.UpsertNotifyPreference(r.Context(), notify.DefaultRecipient, normalized, req.Preference)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to save preference")
		return
	}
	respondSuccess(w, http.StatusOK, map[string]string{
		"venue_name": normalized,
		"preference": req.Preference,
	})
}

// DeletePreference removes one preference row.
func (h *NotifyHandler) DeletePreference(w http.ResponseWriter, r *http.Request) {
	var req preferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VenueName == "" {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "venue_name is required")
		return
	}
	normalized := notify.NormalizeVenueName(req.VenueName)
	n, err := h.db.DeleteNotifyPreference(r.Context(), notify.DefaultRecipient, normalized)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to delete preference")
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{"deleted": n > 0})
}
