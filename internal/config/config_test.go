package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClampBoundsNotifyTimers(t *testing.T) {
	cfg := Default()
	cfg.Notify.IntervalSeconds = 0
	cfg.Notify.PushWindowMinutes = 0
	cfg.clamp()

	// A zero interval would panic time.NewTicker in the fan-out loop.
	assert.Equal(t, 10, cfg.Notify.IntervalSeconds)
	assert.Equal(t, 1, cfg.Notify.PushWindowMinutes)
	assert.Equal(t, 10*time.Second, cfg.Notify.GetInterval())
	assert.Equal(t, time.Minute, cfg.Notify.GetPushWindow())

	cfg.Notify.IntervalSeconds = 100000
	cfg.Notify.PushWindowMinutes = 100000
	cfg.clamp()
	assert.Equal(t, 3600, cfg.Notify.IntervalSeconds)
	assert.Equal(t, 120, cfg.Notify.PushWindowMinutes)
}

func TestClampBoundsDiscovery(t *testing.T) {
	cfg := Default()
	cfg.Discovery.WindowDays = 99
	cfg.Discovery.CooldownSeconds = 1
	cfg.Discovery.TickSeconds = 0
	cfg.Discovery.MaxConcurrentBuckets = -1
	cfg.clamp()

	assert.Equal(t, 14, cfg.Discovery.WindowDays)
	assert.Equal(t, 5, cfg.Discovery.CooldownSeconds)
	assert.Equal(t, 1, cfg.Discovery.TickSeconds)
	assert.Equal(t, 1, cfg.Discovery.MaxConcurrentBuckets)
}

func TestClampKeepsDedupeAboveCooldown(t *testing.T) {
	cfg := Default()
	cfg.Discovery.CooldownSeconds = 300
	cfg.Discovery.DedupeMinutes = 5
	cfg.clamp()

	// TTL must cover at least two cooldown periods.
	assert.GreaterOrEqual(t, cfg.Discovery.DedupeMinutes, 10)
}
