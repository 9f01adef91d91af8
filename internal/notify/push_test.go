package notify

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropwatch/dropwatch/internal/config"
)

func testP8Base64(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	raw := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return base64.StdEncoding.EncodeToString(raw)
}

func testAPNsConfig(t *testing.T) config.NotifyConfig {
	return config.NotifyConfig{
		APNsKeyID:     "KEY123",
		APNsTeamID:    "TEAM456",
		APNsBundleID:  "com.example.dropwatch",
		APNsKeyBase64: testP8Base64(t),
		APNsSandbox:   true,
	}
}

func TestNewAPNsPusherRequiresKeyMaterial(t *testing.T) {
	_, err := NewAPNsPusher(config.NotifyConfig{}, testLogger())
	require.Error(t, err)

	cfg := testAPNsConfig(t)
	cfg.APNsKeyBase64 = ""
	_, err = NewAPNsPusher(cfg, testLogger())
	require.Error(t, err)

	cfg = testAPNsConfig(t)
	cfg.APNsKeyBase64 = "not base64!!"
	_, err = NewAPNsPusher(cfg, testLogger())
	require.Error(t, err)
}

func TestNewAPNsPusherSelectsHost(t *testing.T) {
	p, err := NewAPNsPusher(testAPNsConfig(t), testLogger())
	require.NoError(t, err)
	assert.Equal(t, apnsHostSandbox, p.host)

	cfg := testAPNsConfig(t)
	cfg.APNsSandbox = false
	p, err = NewAPNsPusher(cfg, testLogger())
	require.NoError(t, err)
	assert.Equal(t, apnsHostProduction, p.host)
}

func TestBearerCachesUntilRefresh(t *testing.T) {
	p, err := NewAPNsPusher(testAPNsConfig(t), testLogger())
	require.NoError(t, err)

	first, err := p.bearer()
	require.NoError(t, err)
	second, err := p.bearer()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// age the cached token past the refresh horizon
	p.mu.Lock()
	p.issuedAt = time.Now().Add(-apnsTokenMaxAge - time.Minute)
	p.mu.Unlock()
	third, err := p.bearer()
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func newHTTPTestPusher(t *testing.T, handler http.HandlerFunc) (*APNsPusher, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewAPNsPusher(testAPNsConfig(t), testLogger())
	require.NoError(t, err)
	p.host = srv.URL
	p.client = srv.Client()
	return p, srv
}

func TestPushSetsHeaders(t *testing.T) {
	var gotPath, gotTopic, gotAuth string
	p, _ := newHTTPTestPusher(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTopic = r.Header.Get("apns-topic")
		gotAuth = r.Header.Get("authorization")
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, p.Push(context.Background(), "devtoken", "Carbone just dropped", "Table available"))
	assert.Equal(t, "/3/device/devtoken", gotPath)
	assert.Equal(t, "com.example.dropwatch", gotTopic)
	assert.Contains(t, gotAuth, "bearer ")
}

func TestPushBadTokenIsSentinel(t *testing.T) {
	p, _ := newHTTPTestPusher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		w.Write([]byte(`{"reason":"Unregistered"}`))
	})
	err := p.Push(context.Background(), "devtoken", "t", "b")
	assert.ErrorIs(t, err, ErrBadToken)

	p2, _ := newHTTPTestPusher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"reason":"BadDeviceToken"}`))
	})
	err = p2.Push(context.Background(), "devtoken", "t", "b")
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestPushServerErrorIsNotSentinel(t *testing.T) {
	p, _ := newHTTPTestPusher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"reason":"InternalServerError"}`))
	})
	err := p.Push(context.Background(), "devtoken", "t", "b")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBadToken)
}
