package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dropwatch/dropwatch/internal/aggregation"
	"github.com/dropwatch/dropwatch/internal/model"
	"github.com/dropwatch/dropwatch/internal/provider"
	"github.com/dropwatch/dropwatch/internal/store"
)

// DB is the store surface the engine needs: the query methods plus the two
// transaction runners.
type DB interface {
	store.Querier
	RunBucketTxn(ctx context.Context, bucketID string, fn func(q store.Querier) error) error
	RunTxn(ctx context.Context, fn func(q store.Querier) error) error
}

// PollStats summarizes one bucket poll for logging and tests.
type PollStats struct {
	Bootstrapped   bool
	Curr           int
	Prev           int
	Added          int
	VenueZero      int
	Deduped        int
	Emitted        int
	Closed         int
	BaselineEchoes int
}

// Worker runs one bucket poll end-to-end: fetch, diff against the previous
// observation, apply projection and session changes in a single locked
// transaction, then aggregate closures.
type Worker struct {
	db         DB
	registry   *provider.Registry
	agg        *aggregation.Aggregator
	partySizes []int
	dedupeTTL  time.Duration
	logger     *slog.Logger
}

// NewWorker creates a poll worker.
func NewWorker(db DB, registry *provider.Registry, agg *aggregation.Aggregator, partySizes []int, dedupeTTL time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		db:         db,
		registry:   registry,
		agg:        agg,
		partySizes: partySizes,
		dedupeTTL:  dedupeTTL,
		logger:     logger.With("component", "worker"),
	}
}

// PollBucket polls one bucket. A provider error aborts before any DB write so
// a flaky upstream is never mistaken for a mass closure. Lock contention
// returns store.ErrLockBusy with no writes.
func (w *Worker) PollBucket(ctx context.Context, bucketID string) (PollStats, error) {
	var stats PollStats
	dateStr, timeSlot := model.SplitBucketID(bucketID)
	logger := w.logger.With("bucket_id", bucketID)

	prov, err := w.registry.Get("")
	if err != nil {
		return stats, fmt.Errorf("failed to resolve provider: %w", err)
	}

	// Network I/O happens before the transaction opens.
	slots, err := prov.SearchAvailability(ctx, dateStr, timeSlot, w.partySizes)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch availability for %s: %w", bucketID, err)
	}

	currSet := make(map[string]model.NormalizedSlot, len(slots))
	currIDs := make([]string, 0, len(slots))
	for _, s := range slots {
		if _, dup := currSet[s.SlotID]; dup {
			continue
		}
		currSet[s.SlotID] = s
		currIDs = append(currIDs, s.SlotID)
	}
	stats.Curr = len(currIDs)

	now := time.Now().UTC()
	runID := uuid.New().String()
	var emitted []model.DropEvent

	err = w.db.RunBucketTxn(ctx, bucketID, func(q store.Querier) error {
		bucket, err := q.GetBucket(ctx, bucketID)
		if err != nil {
			return err
		}

		if bucket == nil || !bucket.BaselineSet {
			stats.Bootstrapped = true
			return w.bootstrap(ctx, q, bucketID, dateStr, timeSlot, prov.ID(), currSet, currIDs, runID, now)
		}

		prevSet := make(map[string]struct{}, len(bucket.PrevSlotIDs))
		for _, id := range bucket.PrevSlotIDs {
			prevSet[id] = struct{}{}
		}
		stats.Prev = len(prevSet)

		baselineSet := make(map[string]struct{}, len(bucket.BaselineSlotIDs))
		for _, id := range bucket.BaselineSlotIDs {
			baselineSet[id] = struct{}{}
		}

		var added []model.NormalizedSlot
		for _, id := range currIDs {
			if _, seen := prevSet[id]; !seen {
				added = append(added, currSet[id])
				if _, echo := baselineSet[id]; echo {
					stats.BaselineEchoes++
				}
			}
		}
		stats.Added = len(added)
		if stats.BaselineEchoes > 0 {
			logger.Error("baseline echo detected",
				"echoes", stats.BaselineEchoes,
				"added", stats.Added,
				"prev", stats.Prev,
			)
		}

		// Venues open before this poll's writes. A slot only counts as a
		// drop when its venue had nothing open in the last observation.
		prevVenues, err := q.OpenVenueIDs(ctx, bucketID)
		if err != nil {
			return err
		}
		prevVenueSet := make(map[string]struct{}, len(prevVenues))
		for _, v := range prevVenues {
			prevVenueSet[v] = struct{}{}
		}

		var dropsVenueZero []model.NormalizedSlot
		for _, s := range added {
			if _, had := prevVenueSet[s.VenueID]; !had {
				dropsVenueZero = append(dropsVenueZero, s)
			}
		}
		stats.VenueZero = len(dropsVenueZero)

		recent, err := q.RecentDropSlotIDs(ctx, bucketID, now.Add(-w.dedupeTTL))
		if err != nil {
			return err
		}
		recentSet := make(map[string]struct{}, len(recent))
		for _, id := range recent {
			recentSet[id] = struct{}{}
		}
		var toEmit []model.NormalizedSlot
		for _, s := range dropsVenueZero {
			if _, dup := recentSet[s.SlotID]; dup {
				stats.Deduped++
				continue
			}
			toEmit = append(toEmit, s)
		}

		if len(added) > 0 {
			projections := make([]model.SlotProjection, 0, len(added))
			venues := make([]model.Venue, 0, len(added))
			states := make([]model.AvailabilityState, 0, len(added))
			for _, s := range added {
				p, err := buildProjection(bucketID, dateStr, timeSlot, prov.ID(), s, runID, now)
				if err != nil {
					return err
				}
				projections = append(projections, p)
				venues = append(venues, model.Venue{VenueID: s.VenueID, VenueName: s.VenueName, LastSeenAt: now})
				states = append(states, model.AvailabilityState{
					BucketID:  bucketID,
					SlotID:    s.SlotID,
					OpenedAt:  now,
					VenueID:   s.VenueID,
					VenueName: s.VenueName,
					SlotDate:  p.SlotDate,
					Provider:  prov.ID(),
				})
			}
			if err := q.UpsertProjections(ctx, projections); err != nil {
				return err
			}
			if err := q.UpsertVenues(ctx, venues); err != nil {
				return err
			}
			if err := q.InsertOpenStates(ctx, states); err != nil {
				return err
			}
		}

		if len(toEmit) > 0 {
			events := make([]model.DropEvent, 0, len(toEmit))
			for _, s := range toEmit {
				ev, err := buildDropEvent(bucketID, dateStr, timeSlot, prov.ID(), s, now)
				if err != nil {
					return err
				}
				events = append(events, ev)
			}
			insertedKeys, err := q.InsertDropEvents(ctx, events)
			if err != nil {
				return err
			}
			stats.Emitted = len(insertedKeys)
			// Only rows that survived the conflict checks feed the drop
			// counters; flap-suppressed candidates must not be aggregated.
			keySet := make(map[string]struct{}, len(insertedKeys))
			for _, k := range insertedKeys {
				keySet[k] = struct{}{}
			}
			for _, ev := range events {
				if _, ok := keySet[ev.DedupeKey]; ok {
					emitted = append(emitted, ev)
				}
			}
		}

		closed, err := q.CloseVanishedSlots(ctx, bucketID, currIDs, runID, now)
		if err != nil {
			return err
		}
		stats.Closed = len(closed)
		if len(closed) > 0 {
			closedIDs := make([]string, 0, len(closed))
			for _, c := range closed {
				closedIDs = append(closedIDs, c.SlotID)
			}
			if _, err := q.CloseStates(ctx, bucketID, closedIDs, now); err != nil {
				return err
			}
			if _, err := q.DeletePushedDropEvents(ctx, bucketID, closedIDs); err != nil {
				return err
			}
		}

		return q.UpdateBucketScan(ctx, bucketID, currIDs, now)
	})
	if err != nil {
		if errors.Is(err, store.ErrLockBusy) {
			logger.Debug("bucket locked by another worker")
			return stats, err
		}
		return stats, fmt.Errorf("failed to poll bucket %s: %w", bucketID, err)
	}

	// Aggregation runs after the lock transaction commits. Failures here log
	// and skip; the poll itself already succeeded.
	if !stats.Bootstrapped {
		if stats.Emitted > 0 {
			if err := w.agg.RecordDrops(ctx, emitted); err != nil {
				logger.Warn("failed to record drop metrics", "error", err)
			}
		}
		if _, err := w.agg.AggregateClosed(ctx); err != nil {
			logger.Warn("failed to aggregate closed sessions", "error", err)
		}
	}

	logger.Info("bucket polled",
		"curr", stats.Curr,
		"prev", stats.Prev,
		"added", stats.Added,
		"emitted", stats.Emitted,
		"closed", stats.Closed,
		"deduped", stats.Deduped,
		"bootstrap", stats.Bootstrapped,
	)
	return stats, nil
}

// bootstrap handles the first successful observation of a bucket: baseline,
// prev, and the projection are all seeded from curr, and no drop events or
// session rows are created.
func (w *Worker) bootstrap(ctx context.Context, q store.Querier, bucketID, dateStr, timeSlot, providerID string, currSet map[string]model.NormalizedSlot, currIDs []string, runID string, now time.Time) error {
	if err := q.InitBucketBaseline(ctx, bucketID, currIDs, now); err != nil {
		return err
	}
	if len(currIDs) == 0 {
		return nil
	}
	projections := make([]model.SlotProjection, 0, len(currIDs))
	venues := make([]model.Venue, 0, len(currIDs))
	for _, id := range currIDs {
		s := currSet[id]
		p, err := buildProjection(bucketID, dateStr, timeSlot, providerID, s, runID, now)
		if err != nil {
			return err
		}
		projections = append(projections, p)
		venues = append(venues, model.Venue{VenueID: s.VenueID, VenueName: s.VenueName, LastSeenAt: now})
	}
	if err := q.UpsertProjections(ctx, projections); err != nil {
		return err
	}
	return q.UpsertVenues(ctx, venues)
}

func buildProjection(bucketID, dateStr, timeSlot, providerID string, s model.NormalizedSlot, runID string, now time.Time) (model.SlotProjection, error) {
	raw, err := json.Marshal(s.Payload)
	if err != nil {
		return model.SlotProjection{}, fmt.Errorf("failed to encode payload for %s: %w", s.SlotID, err)
	}
	slotDate, slotTime := model.SlotDateTime(&s.Payload, dateStr)
	return model.SlotProjection{
		BucketID:     bucketID,
		SlotID:       s.SlotID,
		State:        model.StateOpen,
		OpenedAt:     now,
		LastSeenAt:   now,
		VenueID:      s.VenueID,
		VenueName:    s.VenueName,
		PayloadJSON:  string(raw),
		RunID:        runID,
		UpdatedAt:    now,
		TimeBucket:   model.TimeBucketFor(timeSlot),
		SlotDate:     slotDate,
		SlotTime:     slotTime,
		Provider:     providerID,
		Neighborhood: s.Payload.Neighborhood,
		PriceRange:   s.Payload.PriceRange,
	}, nil
}

func buildDropEvent(bucketID, dateStr, timeSlot, providerID string, s model.NormalizedSlot, now time.Time) (model.DropEvent, error) {
	raw, err := json.Marshal(s.Payload)
	if err != nil {
		return model.DropEvent{}, fmt.Errorf("failed to encode payload for %s: %w", s.SlotID, err)
	}
	slotDate, slotTime := model.SlotDateTime(&s.Payload, dateStr)
	return model.DropEvent{
		BucketID:     bucketID,
		SlotID:       s.SlotID,
		OpenedAt:     now,
		VenueID:      s.VenueID,
		VenueName:    s.VenueName,
		PayloadJSON:  string(raw),
		DedupeKey:    model.DedupeKey(bucketID, s.SlotID, now),
		TimeBucket:   model.TimeBucketFor(timeSlot),
		SlotDate:     slotDate,
		SlotTime:     slotTime,
		Provider:     providerID,
		Neighborhood: s.Payload.Neighborhood,
		PriceRange:   s.Payload.PriceRange,
	}, nil
}
