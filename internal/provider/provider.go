// Package provider normalizes third-party booking availability into
// (slot_id, venue, payload) rows. Adapters never touch the database.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dropwatch/dropwatch/internal/model"
)

// ErrUnavailable is returned when every fetch for a search failed. Callers
// must treat it as "unknown", never as an empty availability set.
var ErrUnavailable = errors.New("provider unavailable")

// Provider is one booking source. SearchAvailability returns one normalized
// slot per (venue, concrete start time), merged across party sizes.
type Provider interface {
	ID() string
	SearchAvailability(ctx context.Context, dateStr, timeSlot string, partySizes []int) ([]model.NormalizedSlot, error)
}

// SlotID is the canonical slot key shared by all providers: first 32 hex
// chars of SHA-256("provider|venue_id|actual_time").
func SlotID(providerID, venueID, actualTime string) string {
	sum := sha256.Sum256([]byte(providerID + "|" + venueID + "|" + actualTime))
	return hex.EncodeToString(sum[:])[:32]
}

// Registry maps provider ids to adapters and holds the default selection.
type Registry struct {
	providers map[string]Provider
	defaultID string
	mu        sync.RWMutex
	logger    *slog.Logger
}

// NewRegistry creates an empty registry with the given default provider id.
func NewRegistry(defaultID string, logger *slog.Logger) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		defaultID: defaultID,
		logger:    logger.With("component", "provider_registry"),
	}
}

// Register adds or replaces a provider by its id.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[p.ID()] = p
	r.logger.Info("provider registered", "provider", p.ID())
}

// Get returns the provider for id, or the default when id is empty.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == "" {
		id = r.defaultID
	}
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", id)
	}
	return p, nil
}

// List returns the ids of all registered providers.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}
