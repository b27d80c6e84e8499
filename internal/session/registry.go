package session

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/ivmosin/dnevnik/internal/persist"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Registry is the process-wide map from user identity to live
// session.  Sessions are constructed lazily on first access and live
// until explicit eviction or process exit; state is durable, so a
// restart just means reconstruction on next access.
type Registry struct {
	remote Remote
	store  *persist.DB
	opts   Options
	log    zerolog.Logger

	mu       sync.RWMutex
	sessions map[int64]*Session

	// group serializes construction per key so two concurrent
	// lookups of a missing user build one session, not two.
	group singleflight.Group
}

// NewRegistry returns an empty registry wired to its collaborators.
func NewRegistry(remote Remote, store *persist.DB, opts Options, log zerolog.Logger) *Registry {
	return &Registry{
		remote:   remote,
		store:    store,
		opts:     opts,
		log:      log.With().Str("component", "registry").Logger(),
		sessions: map[int64]*Session{},
	}
}

// Get returns the user's session, constructing it (and warming its
// caches from the durable store) on first access.
func (r *Registry) Get(ctx context.Context, userID int64) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	v, err, _ := r.group.Do(strconv.FormatInt(userID, 10), func() (any, error) {
		r.mu.RLock()
		s, ok := r.sessions[userID]
		r.mu.RUnlock()
		if ok {
			return s, nil
		}
		s, err := New(ctx, userID, r.remote, r.store, r.opts, r.log)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.sessions[userID] = s
		r.mu.Unlock()
		r.log.Info().Int64("user", userID).Msg("session constructed")
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Evict drops the session and purges every durable row the user owns:
// messages, pending bodies, homework and credentials.
func (r *Registry) Evict(ctx context.Context, userID int64) error {
	r.mu.Lock()
	delete(r.sessions, userID)
	r.mu.Unlock()
	if err := r.store.PurgeUser(ctx, userID); err != nil {
		return err
	}
	r.log.Info().Int64("user", userID).Msg("session evicted and purged")
	return nil
}

// Active returns the ids of every user with a live session, sorted
// for stable iteration.
func (r *Registry) Active() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
