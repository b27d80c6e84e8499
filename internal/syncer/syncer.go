// Package syncer drives the two recurring background activities: the
// short-interval new-message watch per user, and the long-interval
// body backfill sweep shared across all users.
package syncer

import (
	"context"
	"time"

	"github.com/ivmosin/dnevnik/internal/message"
	"github.com/ivmosin/dnevnik/internal/session"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Notifier receives newly observed inbox previews.  The chat transport
// implements it; delivery is at-least-once.
type Notifier interface {
	NotifyNewMessages(ctx context.Context, userID int64, msgs []*message.Message)
}

// LogNotifier is a Notifier that only logs; the binary installs it
// when no chat transport is wired up.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) NotifyNewMessages(ctx context.Context, userID int64, msgs []*message.Message) {
	n.Log.Info().Int64("user", userID).Int("count", len(msgs)).Msg("new inbox messages")
}

// Watcher runs the short-interval new-message check for every active
// session.
type Watcher struct {
	registry *session.Registry
	notifier Notifier
	interval time.Duration

	// pageLimit is the preview count requested on new-only
	// sweeps; much smaller than a cold-start sweep.
	pageLimit int

	log zerolog.Logger
}

// NewWatcher wires a watcher; it does nothing until Run.
func NewWatcher(registry *session.Registry, notifier Notifier, interval time.Duration, pageLimit int, log zerolog.Logger) *Watcher {
	return &Watcher{
		registry:  registry,
		notifier:  notifier,
		interval:  interval,
		pageLimit: pageLimit,
		log:       log.With().Str("component", "watcher").Logger(),
	}
}

// Run loops until ctx is canceled, sweeping once per interval.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep checks every active session for new inbox messages.  One
// user's failure never blocks another's check.
func (w *Watcher) Sweep(ctx context.Context) {
	for _, userID := range w.registry.Active() {
		sess, err := w.registry.Get(ctx, userID)
		if err != nil {
			w.log.Error().Err(err).Int64("user", userID).Msg("session lookup failed")
			continue
		}
		if !sess.Token().Valid() {
			// Every remote call would bounce; wait for the
			// user to reauthenticate.
			w.log.Debug().Int64("user", userID).Msg("token missing or expired; sweep skipped")
			continue
		}
		msgs, err := sess.SyncPreviews(ctx, true, message.Inbox, w.pageLimit)
		if err != nil {
			w.log.Warn().Err(err).Int64("user", userID).Msg("new-message sweep failed")
			continue
		}
		if len(msgs) > 0 {
			w.notifier.NotifyNewMessages(ctx, userID, msgs)
		}
	}
}

// Backfiller runs the long-interval body backfill across all active
// sessions, draining each session's pending backlog with bounded
// concurrency.
type Backfiller struct {
	registry    *session.Registry
	interval    time.Duration
	concurrency int
	log         zerolog.Logger
}

// NewBackfiller wires a backfiller; it does nothing until Run.
func NewBackfiller(registry *session.Registry, interval time.Duration, concurrency int, log zerolog.Logger) *Backfiller {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Backfiller{
		registry:    registry,
		interval:    interval,
		concurrency: concurrency,
		log:         log.With().Str("component", "backfiller").Logger(),
	}
}

// Run loops until ctx is canceled, sweeping once per interval.
func (b *Backfiller) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Sweep(ctx)
		}
	}
}

// Sweep drains each active session's backlog.  Per-user failures are
// isolated; a failed entry stays queued for the next sweep.
func (b *Backfiller) Sweep(ctx context.Context) {
	for _, userID := range b.registry.Active() {
		sess, err := b.registry.Get(ctx, userID)
		if err != nil {
			b.log.Error().Err(err).Int64("user", userID).Msg("session lookup failed")
			continue
		}
		began := time.Now()
		b.drain(ctx, sess)
		b.log.Debug().Int64("user", userID).
			Dur("took", time.Since(began)).Msg("backfill pass done")
	}
}

func (b *Backfiller) drain(ctx context.Context, sess *session.Session) {
	backlog := sess.PendingBodies()
	if len(backlog) == 0 {
		return
	}
	b.log.Info().Int64("user", sess.UserID()).
		Int("backlog", len(backlog)).Msg("draining pending bodies")

	grp, ctx := errgroup.WithContext(ctx)
	grp.SetLimit(b.concurrency)
	for _, pb := range backlog {
		pb := pb
		grp.Go(func() error {
			if err := sess.FetchPendingBody(ctx, pb); err != nil {
				// Left queued; the next sweep retries it.
				b.log.Warn().Err(err).Str("msg", pb.ID).
					Str("folder", string(pb.Folder)).Msg("body fetch failed")
			}
			return nil
		})
	}
	// Individual failures are logged above and never propagate.
	_ = grp.Wait()
}
