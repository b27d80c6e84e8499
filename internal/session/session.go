// Package session holds the per-user working set over the durable
// mirror: a bounded in-memory preview window per folder, the
// pending-body backlog, and the sync machinery that keeps both fresh
// against the remote journal.
package session

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ivmosin/dnevnik/internal/eljur"
	"github.com/ivmosin/dnevnik/internal/message"
	"github.com/ivmosin/dnevnik/internal/persist"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrBodyNotCached means the message exists in the mirror but its body
// is withheld: the message is unread, and fetching the body would mark
// it read on the remote side.  Callers retry after the user actually
// opens it.
var ErrBodyNotCached = errors.New("session: message body not cached yet")

// Options tunes the per-session cache behavior.
type Options struct {
	// LoadLimit is the initial in-memory preview window per
	// folder.  It only ever grows during a session's lifetime.
	LoadLimit int

	// MaxCachePages bounds how many remote pages a cold full
	// sweep will walk per folder.
	MaxCachePages int

	// PageLimit is the preview count requested per remote page on
	// full sweeps.
	PageLimit int

	// HomeworkTTL is how long a cached homework payload stays
	// fresh.
	HomeworkTTL time.Duration
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		LoadLimit:     20,
		MaxCachePages: 5,
		PageLimit:     1000,
		HomeworkTTL:   time.Minute,
	}
}

// Session is one user's live view of the mirror.  All methods are safe
// for concurrent use.
type Session struct {
	userID int64
	remote Remote
	store  *persist.DB
	opts   Options
	log    zerolog.Logger

	// syncing is the downloadInProgress guard: a sweep that finds
	// it set returns empty immediately instead of queueing.
	syncing atomic.Bool

	mu        sync.Mutex
	msgCache  map[message.Folder][]*message.Message
	loadLimit int

	pmu     sync.Mutex
	pending []message.PendingBody

	amu     sync.Mutex
	profile *message.Profile
	token   message.Token
}

// New constructs a session, loading durable state: token, profile,
// pending-body backlog and the preview window for each folder.  A
// folder with nothing stored triggers a cold preview sweep.  Remote
// failures during warm-up are logged, not fatal: the session must
// exist so the user can reauthenticate through it.
func New(ctx context.Context, userID int64, remote Remote, store *persist.DB, opts Options, log zerolog.Logger) (*Session, error) {
	s := &Session{
		userID:    userID,
		remote:    remote,
		store:     store,
		opts:      opts,
		log:       log.With().Int64("user", userID).Logger(),
		msgCache:  map[message.Folder][]*message.Message{},
		loadLimit: opts.LoadLimit,
	}
	token, err := store.GetToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.token = token
	profile, found, err := store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if found {
		s.profile = profile
	}
	pending, err := store.ListPendingBodies(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.pending = pending

	for _, folder := range message.Folders {
		s.mu.Lock()
		msgs, err := s.loadMessagesLocked(ctx, folder)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			if _, err := s.SyncPreviews(ctx, false, folder, opts.PageLimit); err != nil {
				s.log.Warn().Err(err).Str("folder", string(folder)).
					Msg("cold preview sweep failed during session warm-up")
			}
		}
	}
	return s, nil
}

// UserID returns the user this session belongs to.
func (s *Session) UserID() int64 { return s.userID }

// Profile returns the profile loaded at construction (or refreshed by
// Authenticate), nil when the user has never authenticated.
func (s *Session) Profile() *message.Profile {
	s.amu.Lock()
	defer s.amu.Unlock()
	return s.profile
}

// Token returns the current access token.
func (s *Session) Token() message.Token {
	s.amu.Lock()
	defer s.amu.Unlock()
	return s.token
}

func (s *Session) auth() eljur.Auth {
	s.amu.Lock()
	defer s.amu.Unlock()
	a := eljur.Auth{Token: s.token.Value}
	if s.profile != nil {
		a.Vendor = s.profile.Vendor
	}
	return a
}

// Authenticate exchanges credentials for a token and persists the
// refreshed token and profile.
func (s *Session) Authenticate(ctx context.Context, login, password, vendor string) error {
	token, profile, err := s.remote.Authenticate(ctx, login, password, vendor)
	if err != nil {
		return err
	}
	profile.UserID = s.userID
	if err := s.store.SetToken(ctx, s.userID, *token); err != nil {
		return err
	}
	if err := s.store.SaveProfile(ctx, profile); err != nil {
		return err
	}
	s.amu.Lock()
	s.token = *token
	s.profile = profile
	s.amu.Unlock()
	return nil
}

// loadMessagesLocked refills the folder's preview window from the
// durable store when it is smaller than the load limit, and records
// any read, body-less rows it sees as pending-body work.  Caller holds
// s.mu.
func (s *Session) loadMessagesLocked(ctx context.Context, folder message.Folder) ([]*message.Message, error) {
	if len(s.msgCache[folder]) >= s.loadLimit && len(s.msgCache[folder]) > 0 {
		return s.msgCache[folder], nil
	}
	msgs, err := s.store.ListMessages(ctx, s.userID, folder, s.loadLimit)
	if err != nil {
		return nil, err
	}
	s.msgCache[folder] = msgs

	var discovered []message.PendingBody
	for _, msg := range msgs {
		if !msg.Unread && !msg.HasBody() {
			discovered = append(discovered, message.PendingBody{
				UserID: s.userID, Folder: folder, ID: msg.ID})
		}
	}
	if len(discovered) > 0 {
		if err := s.store.EnqueueBodies(ctx, discovered); err != nil {
			return nil, err
		}
		s.mergePending(discovered)
	}
	return msgs, nil
}

// mergePending adds entries to the in-memory backlog, skipping ones
// already queued.
func (s *Session) mergePending(pbs []message.PendingBody) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	for _, pb := range pbs {
		known := false
		for _, have := range s.pending {
			if have == pb {
				known = true
				break
			}
		}
		if !known {
			s.pending = append(s.pending, pb)
		}
	}
}

func (s *Session) removePending(pb message.PendingBody) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	for i, have := range s.pending {
		if have == pb {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// PendingBodies returns a snapshot of the backfill backlog.
func (s *Session) PendingBodies() []message.PendingBody {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	out := make([]message.PendingBody, len(s.pending))
	copy(out, s.pending)
	return out
}

// messagesCount returns the remote message total for the folder,
// cached in the durable store and refreshed only when absent.  The
// cached value is best-effort display data and is allowed to go stale;
// it is never used for correctness decisions.
func (s *Session) messagesCount(ctx context.Context, folder message.Folder) (int, error) {
	n, found, err := s.store.MessageCount(ctx, s.userID, folder)
	if err != nil {
		return 0, err
	}
	if found {
		return n, nil
	}
	page, err := s.remote.ListMessages(ctx, s.auth(), folder, 1, 1, false)
	if err != nil {
		return 0, err
	}
	total := int(page.Total)
	if err := s.store.SetMessageCount(ctx, s.userID, folder, total); err != nil {
		return 0, err
	}
	return total, nil
}

// SetMessagesCount overwrites the cached remote total for the folder.
func (s *Session) SetMessagesCount(ctx context.Context, folder message.Folder, n int) error {
	return s.store.SetMessageCount(ctx, s.userID, folder, n)
}

// GetMessages serves one page of previews from the local cache in the
// remote API's response shape.  A request past the current window
// raises the load limit to offset+limit+1 (never lowering it) and
// refills the window from the durable store before slicing.  Returned
// messages are copies; callers may mutate them freely.
func (s *Session) GetMessages(ctx context.Context, folder message.Folder, page, limit int, unreadOnly bool) (*message.Page, error) {
	if page < 1 {
		page = 1
	}
	offset := limit * (page - 1)

	s.mu.Lock()
	if len(s.msgCache[folder]) < offset+limit {
		// The window only ever grows; a short page near the end
		// of a small mailbox must not shrink it.
		if want := offset + limit + 1; want > s.loadLimit {
			s.loadLimit = want
			s.log.Debug().Int("limit", s.loadLimit).Msg("preview window expanded")
		}
		if _, err := s.loadMessagesLocked(ctx, folder); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	// Per-message copies: MarkAsRead mutates cached messages in
	// place, so handing out cache pointers would race with it.
	msgs := make([]*message.Message, 0, len(s.msgCache[folder]))
	for _, msg := range s.msgCache[folder] {
		if unreadOnly && !msg.Unread {
			continue
		}
		copied := *msg
		msgs = append(msgs, &copied)
	}
	s.mu.Unlock()

	total, err := s.messagesCount(ctx, folder)
	if err != nil {
		return nil, err
	}
	if offset > len(msgs) {
		offset = len(msgs)
	}
	end := offset + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	slice := msgs[offset:end]
	return &message.Page{
		Total:    message.Count(total),
		Count:    message.Count(len(slice)),
		Messages: slice,
	}, nil
}

// GetOptions controls a GetMessage lookup.
type GetOptions struct {
	// Folder forces the lookup (and the body write) into one
	// folder.  Empty means "inbox first, cache under both".
	Folder message.Folder

	// OnlyCache allows remote fetches only for messages the
	// remote side already considers read; an unread cache miss
	// yields ErrBodyNotCached instead of a fetch that would flip
	// the remote read state.
	OnlyCache bool

	// NoRemote forbids any remote call; the stored row (possibly
	// body-less, possibly nil) is returned as-is.
	NoRemote bool
}

// GetMessage returns the full message, consulting the mirror first and
// falling through to the remote API per opts.  A nil result with a nil
// error means the message is not known anywhere yet.
func (s *Session) GetMessage(ctx context.Context, id string, opts GetOptions) (*message.Message, error) {
	lookup := opts.Folder
	if lookup == "" {
		lookup = message.Inbox
	}
	stored, err := s.store.GetMessage(ctx, s.userID, lookup, id)
	if err != nil {
		return nil, err
	}
	if stored == nil && opts.Folder == "" {
		// Unforced lookups cover both sides of a conversation; a
		// sent-only message lives under the opposite folder.
		if stored, err = s.store.GetMessage(ctx, s.userID, lookup.Opposite(), id); err != nil {
			return nil, err
		}
		if stored != nil {
			lookup = lookup.Opposite()
		}
	}
	if stored != nil && stored.HasBody() {
		if !opts.OnlyCache && !opts.NoRemote && stored.Unread {
			// The user is viewing an unread message whose
			// body we already have; let the remote side
			// learn the read state in the background.
			go s.touchRemoteReadState(id)
		}
		return stored, nil
	}
	if opts.OnlyCache && stored != nil && stored.Unread {
		s.log.Debug().Str("msg", id).Msg("unread message left for on-demand fetch")
		return nil, errors.Wrapf(ErrBodyNotCached, "message %v", id)
	}
	if opts.NoRemote {
		return stored, nil
	}

	full, err := s.remote.GetMessage(ctx, s.auth(), id)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching message %v", id)
	}
	if opts.Folder != "" {
		s.cacheFullMessage(ctx, opts.Folder, full)
	} else {
		// Unforced fetches may be addressed from either side of
		// a conversation; store the body under both folders and
		// let the row that exists win.
		s.cacheFullMessage(ctx, message.Inbox, full)
		s.cacheFullMessage(ctx, message.Sent, full)
	}
	return s.store.GetMessage(ctx, s.userID, lookup, id)
}

// touchRemoteReadState fetches the message detail solely for its
// mark-read side effect.  Runs detached from the request.
func (s *Session) touchRemoteReadState(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.remote.GetMessage(ctx, s.auth(), id); err != nil {
		s.log.Warn().Err(err).Str("msg", id).Msg("remote read-state touch failed")
	}
}

// cacheFullMessage commits a fetched body into the stored preview row
// for the folder and retires the matching pending entry.  A missing
// row is logged and skipped: the body has no preview to attach to.
func (s *Session) cacheFullMessage(ctx context.Context, folder message.Folder, msg *message.Message) {
	updated, err := s.store.SetBody(ctx, s.userID, folder, msg)
	if err != nil {
		s.log.Error().Err(err).Str("msg", msg.ID).Msg("storing message body failed")
		return
	}
	if !updated {
		s.log.Debug().Str("msg", msg.ID).Str("folder", string(folder)).
			Msg("fetched body has no stored preview; skipped")
		return
	}
	pb := message.PendingBody{UserID: s.userID, Folder: folder, ID: msg.ID}
	if err := s.store.DeletePendingBody(ctx, pb); err != nil {
		s.log.Error().Err(err).Str("msg", msg.ID).Msg("retiring pending body failed")
		return
	}
	s.removePending(pb)
}

// FetchPendingBody resolves one backlog entry: fetches the body (the
// message is already read remotely, so the fetch is side-effect free)
// and commits it.  On failure the entry stays queued for the next
// sweep.
func (s *Session) FetchPendingBody(ctx context.Context, pb message.PendingBody) error {
	_, err := s.GetMessage(ctx, pb.ID, GetOptions{Folder: pb.Folder, OnlyCache: true})
	return err
}

// SyncPreviews brings the mirror up to date with the remote preview
// lists.  It pages each target folder (all of them when folder is
// empty), keeps only previews absent from the store, prepends them to
// the in-memory windows, queues backfill work for the read ones, and
// persists everything best-effort.  The new INBOX previews are
// returned so callers can notify the user.
//
// A sweep already in flight for this session makes this call return
// empty immediately.  Remote failures abort the affected folder only;
// previews collected from completed pages are still persisted.
func (s *Session) SyncPreviews(ctx context.Context, newOnly bool, folder message.Folder, limit int) ([]*message.Message, error) {
	if !s.syncing.CompareAndSwap(false, true) {
		s.log.Debug().Msg("preview sweep already in progress; skipping")
		return nil, nil
	}
	defer s.syncing.Store(false)

	if limit <= 0 {
		limit = s.opts.PageLimit
	}
	pageTo := s.opts.MaxCachePages
	if newOnly {
		pageTo = 1
	}
	folders := message.Folders
	if folder != "" {
		folders = []message.Folder{folder}
	}

	var (
		recs    []persist.Record
		authErr error
	)
	for _, f := range folders {
		for page := 1; page <= pageTo; page++ {
			pg, err := s.remote.ListMessages(ctx, s.auth(), f, page, limit, false)
			if err != nil {
				if eljur.IsAuthExpired(err) {
					authErr = err
				}
				s.log.Warn().Err(err).Str("folder", string(f)).Int("page", page).
					Msg("preview page fetch failed; folder sweep aborted")
				break
			}
			if len(pg.Messages) == 0 {
				break
			}
			for _, msg := range pg.Messages {
				have, err := s.store.HaveMessage(ctx, s.userID, f, msg.ID)
				if err != nil {
					return nil, err
				}
				if !have {
					recs = append(recs, persist.Record{UserID: s.userID, Folder: f, Msg: msg})
				}
			}
		}
	}

	if len(recs) > 0 {
		perFolder := map[message.Folder][]*message.Message{}
		var discovered []message.PendingBody
		for _, rec := range recs {
			perFolder[rec.Folder] = append(perFolder[rec.Folder], rec.Msg)
			if !rec.Msg.Unread && !rec.Msg.HasBody() {
				discovered = append(discovered, message.PendingBody{
					UserID: s.userID, Folder: rec.Folder, ID: rec.Msg.ID})
			}
		}
		s.mu.Lock()
		for f, msgs := range perFolder {
			s.msgCache[f] = append(msgs, s.msgCache[f]...)
		}
		s.mu.Unlock()

		// Best-effort persistence: a duplicate-key race with
		// another sweep loses the duplicate insert, nothing
		// else.
		if err := s.store.EnqueueBodies(ctx, discovered); err != nil {
			s.log.Error().Err(err).Msg("queueing pending bodies failed")
		} else {
			s.mergePending(discovered)
		}
		if n, err := s.store.InsertPreviews(ctx, recs); err != nil {
			s.log.Error().Err(err).Msg("persisting previews failed")
		} else {
			s.log.Info().Int("new", n).Msg("preview sweep stored new messages")
		}
	}

	var inbox []*message.Message
	for _, rec := range recs {
		if rec.Folder == message.Inbox {
			inbox = append(inbox, rec.Msg)
		}
	}
	return inbox, authErr
}

// MarkAsRead flips the unread flag locally, in the preview window and
// the durable store.  No remote call: the remote read state is touched
// lazily when the user views the message.
func (s *Session) MarkAsRead(ctx context.Context, folder message.Folder, id string) error {
	s.mu.Lock()
	for _, msg := range s.msgCache[folder] {
		if msg.ID == id {
			msg.Unread = false
			break
		}
	}
	s.mu.Unlock()
	return s.store.MarkRead(ctx, s.userID, id)
}

// RefreshReadState reconciles the folder's unread flags with the
// remote journal: reset everything to read, reapply exactly the ids
// the remote side still reports unread, then reload the preview
// window.
func (s *Session) RefreshReadState(ctx context.Context, folder message.Folder) error {
	pg, err := s.remote.ListMessages(ctx, s.auth(), folder, 1, s.opts.PageLimit, true)
	if err != nil {
		return errors.Wrap(err, "listing remote unread set")
	}
	if err := s.store.MarkAllRead(ctx, s.userID, folder); err != nil {
		return err
	}
	ids := make([]string, 0, len(pg.Messages))
	for _, msg := range pg.Messages {
		ids = append(ids, msg.ID)
	}
	if err := s.store.MarkUnread(ctx, s.userID, folder, ids); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgCache[folder] = nil
	_, err = s.loadMessagesLocked(ctx, folder)
	return err
}

// UnreadCount returns the stored unread count for the folder.
func (s *Session) UnreadCount(ctx context.Context, folder message.Folder) (int, error) {
	return s.store.UnreadCount(ctx, s.userID, folder)
}

// MessageThread reconstructs the conversation containing the message,
// newest first.  Threads are matched by subject (with and without the
// "Re: " prefix) restricted to the counterpart participant, the same
// heuristic the journal's own UI uses.
func (s *Session) MessageThread(ctx context.Context, id string, folder message.Folder) ([]persist.Record, error) {
	src, err := s.GetMessage(ctx, id, GetOptions{Folder: folder, NoRemote: true})
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, nil
	}
	subject := src.Subject
	reply := strings.HasPrefix(subject, "Re: ")
	if reply {
		subject = strings.TrimPrefix(subject, "Re: ")
	} else if folder == message.Sent {
		// An original (non-reply) sent message starts its own
		// thread.
		return []persist.Record{{UserID: s.userID, Folder: folder, Msg: src}}, nil
	}

	counterpart := src.From
	if folder == message.Sent && len(src.To) > 0 {
		counterpart = src.To[0]
	}

	recs, err := s.store.MessagesBySubject(ctx, s.userID, []string{subject, "Re: " + subject})
	if err != nil {
		return nil, err
	}
	var chain []persist.Record
	for _, rec := range recs {
		from := rec.Msg.From.ID == counterpart.ID
		to := len(rec.Msg.To) == 1 && rec.Msg.To[0].ID == counterpart.ID
		if from || to {
			chain = append(chain, rec)
		}
	}
	sort.SliceStable(chain, func(i, j int) bool {
		return chain[i].Msg.Date.After(chain[j].Msg.Date.Time)
	})
	return chain, nil
}

// SendMessage sends a new message through the remote journal.
func (s *Session) SendMessage(ctx context.Context, usersTo, subject, text string) error {
	return s.remote.SendMessage(ctx, s.auth(), usersTo, subject, text)
}

// ReplyMessage sends a reply and runs a one-page sweep so the sent
// copy shows up in the mirror promptly.
func (s *Session) ReplyMessage(ctx context.Context, replyTo, text string) error {
	if err := s.remote.ReplyMessage(ctx, s.auth(), replyTo, text); err != nil {
		return err
	}
	if _, err := s.SyncPreviews(ctx, true, message.Sent, 1); err != nil {
		s.log.Warn().Err(err).Msg("post-reply sweep failed")
	}
	return nil
}

// Homework returns the homework assignments, served from the durable
// cache while fresh and refetched from the remote journal after the
// TTL.
func (s *Session) Homework(ctx context.Context) (eljur.DayMap, error) {
	payload, fetchedAt, err := s.store.GetHomework(ctx, s.userID)
	if err != nil {
		return nil, err
	}
	if payload != nil && time.Since(fetchedAt) < s.opts.HomeworkTTL {
		var cached eljur.DayMap
		if err := json.Unmarshal(payload, &cached); err != nil {
			return nil, errors.Wrap(err, "decoding cached homework")
		}
		return cached, nil
	}
	hw, err := s.remote.Homework(ctx, s.auth())
	if err != nil {
		return nil, err
	}
	fresh, err := json.Marshal(hw)
	if err != nil {
		return nil, errors.Wrap(err, "encoding homework")
	}
	if err := s.store.PutHomework(ctx, s.userID, fresh); err != nil {
		return nil, err
	}
	return hw, nil
}

// Schedule returns the lesson schedule straight from the remote
// journal.
func (s *Session) Schedule(ctx context.Context) (eljur.DayMap, error) {
	return s.remote.Schedule(ctx, s.auth())
}

// Marks returns the grade report straight from the remote journal.
func (s *Session) Marks(ctx context.Context, lastPeriod bool) (json.RawMessage, error) {
	return s.remote.Marks(ctx, s.auth(), lastPeriod)
}
