package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropwatch/dropwatch/internal/config"
	"github.com/dropwatch/dropwatch/internal/discovery"
	"github.com/dropwatch/dropwatch/internal/feed"
	"github.com/dropwatch/dropwatch/internal/model"
	"github.com/dropwatch/dropwatch/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFeedService(t *testing.T, db store.Querier) *feed.Service {
	t.Helper()
	svc, err := feed.NewService(db, config.DiscoveryConfig{
		WindowDays:       3,
		TimeSlots:        []string{"20:30"},
		DateTimezone:     "UTC",
		StaleBucketHours: 4,
	}, testLogger())
	require.NoError(t, err)
	return svc
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) apiEnvelope {
	t.Helper()
	var env apiEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestHealthCheck(t *testing.T) {
	mock := store.NewMockStore()
	h := NewHealthHandler(discovery.NewHeartbeat(), testFeedService(t, mock.MockQuerier))

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
	assert.Contains(t, string(env.Data), `"service":"dropwatch"`)
}

func TestDiscoveryHealthReportsHeartbeat(t *testing.T) {
	mock := store.NewMockStore()
	hb := discovery.NewHeartbeat()
	hb.Tick()
	hb.PollStarted("2026-02-14_20:30")
	hb.PollFinished(false)
	h := NewHealthHandler(hb, testFeedService(t, mock.MockQuerier))

	rec := httptest.NewRecorder()
	h.DiscoveryHealth(rec, httptest.NewRequest(http.MethodGet, "/api/v1/discovery/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)

	var data struct {
		Heartbeat struct {
			Polls    int64 `json:"polls"`
			InFlight int   `json:"in_flight"`
		} `json:"heartbeat"`
		Scan *feed.ScanInfo `json:"scan"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, int64(1), data.Heartbeat.Polls)
	assert.Equal(t, 0, data.Heartbeat.InFlight)
	require.NotNil(t, data.Scan)
	assert.Equal(t, 0, data.Scan.TrackedSlots)
}

func TestRegisterTokenValidation(t *testing.T) {
	mock := store.NewMockStore()
	h := NewNotifyHandler(mock.MockQuerier)

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"device_token":"short","platform":"ios"}`)
	h.RegisterToken(rec, httptest.NewRequest(http.MethodPost, "/api/v1/push/tokens", body))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_FAILED", env.Error.Code)
}

func TestRegisterAndUnregisterToken(t *testing.T) {
	mock := store.NewMockStore()
	h := NewNotifyHandler(mock.MockQuerier)
	token := "aaaabbbbccccddddeeee"

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"device_token":"` + token + `","platform":"ios"}`)
	h.RegisterToken(rec, httptest.NewRequest(http.MethodPost, "/api/v1/push/tokens", body))
	require.Equal(t, http.StatusOK, rec.Code)

	tokens, err := mock.ListPushTokens(context.Background())
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, token, tokens[0].DeviceToken)

	rec = httptest.NewRecorder()
	body = strings.NewReader(`{"device_token":"` + token + `"}`)
	h.UnregisterToken(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/push/tokens", body))
	require.Equal(t, http.StatusOK, rec.Code)

	tokens, err = mock.ListPushTokens(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestPutPreferenceNormalizesName(t *testing.T) {
	mock := store.NewMockStore()
	h := NewNotifyHandler(mock.MockQuerier)

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"venue_name":"  Café  Boulud ","preference":"include"}`)
	h.PutPreference(rec, httptest.NewRequest(http.MethodPut, "/api/v1/notify/preferences", body))

	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	var data map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "cafe boulud", data["venue_name"])

	prefs, err := mock.ListNotifyPreferences(context.Background(), "default")
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.Equal(t, "cafe boulud", prefs[0].VenueNameNormalized)
	assert.Equal(t, "include", prefs[0].Preference)
}

func TestPutPreferenceRejectsBadValues(t *testing.T) {
	mock := store.NewMockStore()
	h := NewNotifyHandler(mock.MockQuerier)

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"venue_name":"somewhere","preference":"maybe"}`)
	h.PutPreference(rec, httptest.NewRequest(http.MethodPut, "/api/v1/notify/preferences", body))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.PutPreference(rec, httptest.NewRequest(http.MethodPut, "/api/v1/notify/preferences", strings.NewReader("{not json")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAndDeletePreferences(t *testing.T) {
	mock := store.NewMockStore()
	require.NoError(t, mock.UpsertNotifyPreference(context.Background(), "default", "carbone", "exclude"))
	h := NewNotifyHandler(mock.MockQuerier)

	rec := httptest.NewRecorder()
	h.ListPreferences(rec, httptest.NewRequest(http.MethodGet, "/api/v1/notify/preferences", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Contains(t, string(env.Data), "carbone")

	rec = httptest.NewRecorder()
	body := strings.NewReader(`{"venue_name":"Carbone","preference":"exclude"}`)
	h.DeletePreference(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/notify/preferences", body))
	require.Equal(t, http.StatusOK, rec.Code)

	prefs, err := mock.ListNotifyPreferences(context.Background(), "default")
	require.NoError(t, err)
	assert.Empty(t, prefs)
}

func TestFeedEndpointsReturnEmptyWindow(t *testing.T) {
	mock := store.NewMockStore()
	h := NewFeedHandler(testFeedService(t, mock.MockQuerier))

	rec := httptest.NewRecorder()
	h.JustOpened(rec, httptest.NewRequest(http.MethodGet, "/api/v1/feed/just-opened?window_minutes=30", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	var res feed.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Empty(t, res.Dates)
	assert.Empty(t, res.Error)

	rec = httptest.NewRecorder()
	h.Calendar(rec, httptest.NewRequest(http.MethodGet, "/api/v1/feed/calendar", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestJustOpenedServesSeededDrop(t *testing.T) {
	mock := store.NewMockStore()
	ctx := context.Background()
	now := time.Now().UTC()
	date := now.AddDate(0, 0, 1).Format("2006-01-02")
	bucketID := model.BucketID(date, "20:30")

	_, err := mock.EnsureBuckets(ctx, []model.Bucket{{BucketID: bucketID, DateStr: date, TimeSlot: "20:30"}})
	require.NoError(t, err)
	require.NoError(t, mock.UpdateBucketScan(ctx, bucketID, []string{"slot-1"}, now))

	payload, _ := json.Marshal(model.SlotPayload{
		Name: "Lilia", VenueID: "v1",
		AvailabilityTimes: []string{date + " 20:30:00"},
	})
	require.NoError(t, mock.UpsertProjections(ctx, []model.SlotProjection{{
		BucketID: bucketID, SlotID: "slot-1", VenueID: "v1", VenueName: "Lilia",
		PayloadJSON: string(payload), OpenedAt: now, LastSeenAt: now, UpdatedAt: now,
	}}))
	_, err = mock.InsertDropEvents(ctx, []model.DropEvent{{
		BucketID: bucketID, SlotID: "slot-1", VenueID: "v1", VenueName: "Lilia",
		DedupeKey: model.DedupeKey(bucketID, "slot-1", now),
		PayloadJSON: string(payload), OpenedAt: now,
	}})
	require.NoError(t, err)

	h := NewFeedHandler(testFeedService(t, mock.MockQuerier))
	rec := httptest.NewRecorder()
	h.JustOpened(rec, httptest.NewRequest(http.MethodGet, "/api/v1/feed/just-opened", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	var res feed.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.Len(t, res.Dates, 1)
	assert.Equal(t, date, res.Dates[0].Date)
	require.Len(t, res.Dates[0].Venues, 1)
	assert.Equal(t, "Lilia", res.Dates[0].Venues[0].Name)
}

type stubRefresher struct {
	calls int
}

func (s *stubRefresher) RefreshBaselines(ctx context.Context) { s.calls++ }

func TestAdminRefreshBaselines(t *testing.T) {
	refresher := &stubRefresher{}
	h := NewAdminHandler(refresher)

	rec := httptest.NewRecorder()
	h.RefreshBaselines(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/baselines/refresh", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, refresher.calls)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
}
