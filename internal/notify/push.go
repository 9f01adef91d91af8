package notify

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/http2"

	"github.com/dropwatch/dropwatch/internal/config"
)

// APNs hosts.
const (
	apnsHostProduction = "https://api.push.apple.com"
	apnsHostSandbox    = "https://api.sandbox.push.apple.com"
)

// Provider tokens are valid for an hour; refresh a little early.
const apnsTokenMaxAge = 55 * time.Minute

// ErrBadToken marks a device token APNs reported as gone. The fan-out prunes
// the token and keeps going.
var ErrBadToken = errors.New("device token rejected")

// APNsPusher sends alert pushes over APNs HTTP/2 with an ES256 provider
// token, cached and refreshed before expiry.
type APNsPusher struct {
	key      *ecdsa.PrivateKey
	keyID    string
	teamID   string
	bundleID string
	host     string
	client   *http.Client
	logger   *slog.Logger

	mu       sync.Mutex
	jwt      string
	issuedAt time.Time
}

// NewAPNsPusher builds a pusher from config, loading the .p8 signing key from
// base64 or a file path. Returns an error when the key material is missing
// or malformed.
func NewAPNsPusher(cfg config.NotifyConfig, logger *slog.Logger) (*APNsPusher, error) {
	if cfg.APNsKeyID == "" || cfg.APNsTeamID == "" || cfg.APNsBundleID == "" {
		return nil, fmt.Errorf("apns key id, team id, and bundle id are required")
	}
	raw, err := loadKeyMaterial(cfg)
	if err != nil {
		return nil, err
	}
	key, err := parseP8Key(raw)
	if err != nil {
		return nil, err
	}

	host := apnsHostProduction
	if cfg.APNsSandbox {
		host = apnsHostSandbox
	}
	return &APNsPusher{
		key:      key,
		keyID:    cfg.APNsKeyID,
		teamID:   cfg.APNsTeamID,
		bundleID: cfg.APNsBundleID,
		host:     host,
		client: &http.Client{
			Transport: &http2.Transport{},
			Timeout:   10 * time.Second,
		},
		logger: logger.With("component", "apns"),
	}, nil
}

func loadKeyMaterial(cfg config.NotifyConfig) ([]byte, error) {
	if cfg.APNsKeyBase64 != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.APNsKeyBase64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode apns key: %w", err)
		}
		return raw, nil
	}
	if cfg.APNsKeyPath != "" {
		raw, err := os.ReadFile(cfg.APNsKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read apns key file: %w", err)
		}
		return raw, nil
	}
	return nil, fmt.Errorf("no apns signing key configured")
}

func parseP8Key(raw []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("apns key is not PEM encoded")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse apns key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("apns key is not an EC key")
	}
	return key, nil
}

// bearer returns a provider token, minting a fresh one when the cached token
// is near expiry.
func (p *APNsPusher) bearer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.jwt != "" && time.Since(p.issuedAt) < apnsTokenMaxAge {
		return p.jwt, nil
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": p.teamID,
		"iat": now.Unix(),
	})
	token.Header["kid"] = p.keyID
	signed, err := token.SignedString(p.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign apns token: %w", err)
	}
	p.jwt = signed
	p.issuedAt = now
	return signed, nil
}

type apnsPayload struct {
	Aps apnsAps `json:"aps"`
}

type apnsAps struct {
	Alert apnsAlert `json:"alert"`
	Sound string    `json:"sound"`
}

type apnsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type apnsErrorResponse struct {
	Reason string `json:"reason"`
}

// Push delivers one alert to a device token. ErrBadToken means the token
// should be removed.
func (p *APNsPusher) Push(ctx context.Context, deviceToken, title, body string) error {
	bearer, err := p.bearer()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(apnsPayload{Aps: apnsAps{
		Alert: apnsAlert{Title: title, Body: body},
		Sound: "default",
	}})
	if err != nil {
		return fmt.Errorf("failed to encode apns payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.host+"/3/device/"+deviceToken, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build apns request: %w", err)
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", p.bundleID)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("apns-priority", "10")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("apns request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apnsErr apnsErrorResponse
	_ = json.Unmarshal(raw, &apnsErr)

	if resp.StatusCode == http.StatusGone || apnsErr.Reason == "BadDeviceToken" || apnsErr.Reason == "Unregistered" {
		return fmt.Errorf("apns rejected token (%s): %w", apnsErr.Reason, ErrBadToken)
	}
	return fmt.Errorf("apns returned %d: %s", resp.StatusCode, apnsErr.Reason)
}
