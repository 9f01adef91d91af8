package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/dropwatch/dropwatch/internal/config"
	"github.com/dropwatch/dropwatch/internal/model"
	"github.com/dropwatch/dropwatch/internal/store"
)

// DefaultRecipient keys the single-recipient preference rows.
const DefaultRecipient = "default"

// batchLimit bounds one fan-out pass.
const batchLimit = 100

// Pusher delivers one alert to one device token.
type Pusher interface {
	Push(ctx context.Context, deviceToken, title, body string) error
}

// Mailer delivers one digest for a batch of drop events.
type Mailer interface {
	SendDigest(ctx context.Context, events []model.DropEvent) error
}

// DB is the store surface the fan-out needs.
type DB interface {
	store.Querier
	RunTxn(ctx context.Context, fn func(q store.Querier) error) error
}

// Fanout periodically drains unsent drop events: filter by the effective
// notify-list, deliver over the configured transports, then stamp
// push_sent_at. Transports are best-effort; a row is stamped once any
// transport succeeded, or immediately when none is configured so the queue
// always drains.
type Fanout struct {
	db         DB
	pusher     Pusher
	mailer     Mailer
	interval   time.Duration
	pushWindow time.Duration
	logger     *slog.Logger
}

// NewFanout creates the notification job. pusher and mailer may be nil when
// the corresponding transport is not configured.
func NewFanout(db DB, pusher Pusher, mailer Mailer, cfg config.NotifyConfig, logger *slog.Logger) *Fanout {
	return &Fanout{
		db:         db,
		pusher:     pusher,
		mailer:     mailer,
		interval:   cfg.GetInterval(),
		pushWindow: cfg.GetPushWindow(),
		logger:     logger.With("component", "notify"),
	}
}

// Run blocks until the context is cancelled, executing RunOnce on the
// configured interval.
func (f *Fanout) Run(ctx context.Context) error {
	f.logger.Info("starting notification fan-out",
		"interval", f.interval,
		"push_window", f.pushWindow,
		"push_configured", f.pusher != nil,
		"email_configured", f.mailer != nil,
	)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("notification fan-out stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := f.RunOnce(ctx); err != nil {
				f.logger.Warn("fan-out pass failed", "error", err)
			}
		}
	}
}

// RunOnce executes one fan-out pass.
func (f *Fanout) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()
	events, err := f.db.UnsentDropEvents(ctx, now.Add(-f.pushWindow), batchLimit)
	if err != nil {
		return fmt.Errorf("failed to load unsent drop events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	notifySet, err := f.notifySet(ctx)
	if err != nil {
		return err
	}
	matched := lo.Filter(events, func(ev model.DropEvent, _ int) bool {
		return MatchesAny(NormalizeVenueName(ev.VenueName), notifySet)
	})
	if len(matched) == 0 {
		return nil
	}

	// Transport sends happen outside any transaction.
	delivered := f.deliver(ctx, matched)
	if !delivered {
		return fmt.Errorf("all notification transports failed for %d events", len(matched))
	}

	ids := lo.Map(matched, func(ev model.DropEvent, _ int) int64 { return ev.ID })
	venueIDs := lo.Uniq(lo.FilterMap(matched, func(ev model.DropEvent, _ int) (string, bool) {
		return ev.VenueID, ev.VenueID != ""
	}))
	err = f.db.RunTxn(ctx, func(q store.Querier) error {
		if err := q.MarkDropEventsPushed(ctx, ids, now); err != nil {
			return err
		}
		return q.InsertUserNotification(ctx, model.UserNotification{
			Title:    fmt.Sprintf("%d drop(s) notified", len(matched)),
			Body:     digestSummary(matched),
			VenueIDs: venueIDs,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to stamp notified events: %w", err)
	}

	f.logger.Info("drop events notified",
		"selected", len(events),
		"matched", len(matched),
		"venues", len(venueIDs),
	)
	return nil
}

// notifySet computes (hotlist ∪ includes) − excludes for the recipient.
func (f *Fanout) notifySet(ctx context.Context) (map[string]struct{}, error) {
	set := Hotlist()
	prefs, err := f.db.ListNotifyPreferences(ctx, DefaultRecipient)
	if err != nil {
		return nil, fmt.Errorf("failed to load notify preferences: %w", err)
	}
	for _, p := range prefs {
		name := NormalizeVenueName(p.VenueNameNormalized)
		switch p.Preference {
		case model.PreferenceInclude:
			set[name] = struct{}{}
		case model.PreferenceExclude:
			delete(set, name)
		}
	}
	return set, nil
}

// deliver sends the batch over every configured transport. Returns true when
// at least one transport succeeded, or when none is configured.
func (f *Fanout) deliver(ctx context.Context, events []model.DropEvent) bool {
	if f.pusher == nil && f.mailer == nil {
		return true
	}

	ok := false
	if f.mailer != nil {
		if err := f.mailer.SendDigest(ctx, events); err != nil {
			f.logger.Warn("email delivery failed", "error", err)
		} else {
			ok = true
		}
	}
	if f.pusher != nil {
		if f.pushAll(ctx, events) {
			ok = true
		}
	}
	return ok
}

// pushAll sends one alert per event to every registered token, pruning
// tokens APNs reports as gone.
func (f *Fanout) pushAll(ctx context.Context, events []model.DropEvent) bool {
	tokens, err := f.db.ListPushTokens(ctx)
	if err != nil {
		f.logger.Warn("failed to list push tokens", "error", err)
		return false
	}
	if len(tokens) == 0 {
		return false
	}

	anySent := false
	for _, ev := range events {
		title := ev.VenueName + " just dropped"
		body := pushBody(ev)
		for _, tok := range tokens {
			err := f.pusher.Push(ctx, tok.DeviceToken, title, body)
			if err == nil {
				anySent = true
				continue
			}
			if errors.Is(err, ErrBadToken) {
				f.logger.Info("pruning dead device token", "token_id", tok.ID)
				if _, delErr := f.db.DeletePushToken(ctx, tok.DeviceToken); delErr != nil {
					f.logger.Warn("failed to delete device token", "error", delErr)
				}
				continue
			}
			f.logger.Warn("push delivery failed", "token_id", tok.ID, "error", err)
		}
	}
	return anySent
}

func pushBody(ev model.DropEvent) string {
	if ev.SlotTime != "" {
		return fmt.Sprintf("Table available %s at %s", ev.SlotDate, ev.SlotTime)
	}
	return fmt.Sprintf("Table available %s", ev.SlotDate)
}

func digestSummary(events []model.DropEvent) string {
	names := lo.Uniq(lo.Map(events, func(ev model.DropEvent, _ int) string { return ev.VenueName }))
	if len(names) > 5 {
		names = names[:5]
	}
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

func unmarshalPayload(raw string, dst *model.SlotPayload) error {
	if raw == "" {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal([]byte(raw), dst)
}
