package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropwatch/dropwatch/internal/config"
	"github.com/dropwatch/dropwatch/internal/discovery"
	"github.com/dropwatch/dropwatch/internal/feed"
	"github.com/dropwatch/dropwatch/internal/handler"
	"github.com/dropwatch/dropwatch/internal/store"
)

type noopRefresher struct{}

func (noopRefresher) RefreshBaselines(ctx context.Context) {}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mock := store.NewMockStore()
	feedSvc, err := feed.NewService(mock.MockQuerier, config.DiscoveryConfig{
		WindowDays:       3,
		TimeSlots:        []string{"20:30"},
		DateTimezone:     "UTC",
		StaleBucketHours: 4,
	}, logger)
	require.NoError(t, err)

	return New(config.Default(), Handlers{
		Health: handler.NewHealthHandler(discovery.NewHeartbeat(), feedSvc),
		Feed:   handler.NewFeedHandler(feedSvc),
		Notify: handler.NewNotifyHandler(mock.MockQuerier),
		Admin:  handler.NewAdminHandler(noopRefresher{}),
	}, logger)
}

func TestRoutesAreMounted(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/api/v1/feed/just-opened", http.StatusOK},
		{http.MethodGet, "/api/v1/feed/still-open", http.StatusOK},
		{http.MethodGet, "/api/v1/feed/calendar", http.StatusOK},
		{http.MethodGet, "/api/v1/discovery/health", http.StatusOK},
		{http.MethodGet, "/api/v1/notify/preferences", http.StatusOK},
		{http.MethodPost, "/api/v1/admin/baselines/refresh", http.StatusOK},
		{http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, tc.status, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestRequestIDHeaderIsSet(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/feed/just-opened", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
