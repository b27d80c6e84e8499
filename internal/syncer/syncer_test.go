package syncer

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ivmosin/dnevnik/internal/eljur"
	"github.com/ivmosin/dnevnik/internal/message"
	"github.com/ivmosin/dnevnik/internal/persist"
	"github.com/ivmosin/dnevnik/internal/session"

	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"
)

// fakeRemote serves scripted previews to every user; errOnce fails the
// first list call only.
type fakeRemote struct {
	mu      sync.Mutex
	inbox   []*message.Message
	errOnce error
	getErr  map[string]error

	listCalls int32
}

func (f *fakeRemote) ListMessages(ctx context.Context, auth eljur.Auth, folder message.Folder, page, limit int, unreadOnly bool) (*message.Page, error) {
	atomic.AddInt32(&f.listCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errOnce != nil {
		err := f.errOnce
		f.errOnce = nil
		return nil, err
	}
	var msgs []*message.Message
	if folder == message.Inbox && page == 1 {
		for _, msg := range f.inbox {
			copied := *msg
			msgs = append(msgs, &copied)
		}
	}
	return &message.Page{
		Total:    message.Count(len(f.inbox)),
		Count:    message.Count(len(msgs)),
		Messages: msgs,
	}, nil
}

func (f *fakeRemote) GetMessage(ctx context.Context, auth eljur.Auth, id string) (*message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.getErr[id]; ok {
		return nil, err
	}
	return &message.Message{
		Preview: message.Preview{ID: id, Date: message.Time{Time: time.Now()}},
		Text:    "body of " + id,
	}, nil
}

func (f *fakeRemote) SendMessage(ctx context.Context, auth eljur.Auth, usersTo, subject, text string) error {
	return nil
}

func (f *fakeRemote) ReplyMessage(ctx context.Context, auth eljur.Auth, replyTo, text string) error {
	return nil
}

func (f *fakeRemote) Homework(ctx context.Context, auth eljur.Auth) (eljur.DayMap, error) {
	return eljur.DayMap{}, nil
}

func (f *fakeRemote) Schedule(ctx context.Context, auth eljur.Auth) (eljur.DayMap, error) {
	return eljur.DayMap{}, nil
}

func (f *fakeRemote) Marks(ctx context.Context, auth eljur.Auth, lastPeriod bool) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeRemote) Authenticate(ctx context.Context, login, password, vendor string) (*message.Token, *message.Profile, error) {
	return &message.Token{Value: "tok", Expiry: time.Now().Add(time.Hour)},
		&message.Profile{Login: login, Vendor: vendor}, nil
}

// recordingNotifier remembers every notification, keyed by user.
type recordingNotifier struct {
	mu    sync.Mutex
	calls map[int64][]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{calls: map[int64][]string{}}
}

func (n *recordingNotifier) NotifyNewMessages(ctx context.Context, userID int64, msgs []*message.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, msg := range msgs {
		n.calls[userID] = append(n.calls[userID], msg.ID)
	}
}

func testRegistry(t *testing.T, fake *fakeRemote) (*session.Registry, *persist.DB) {
	t.Helper()
	db, err := persist.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("persist.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return session.NewRegistry(fake, db, session.DefaultOptions(), zerolog.Nop()), db
}

func mkUnread(id string, date time.Time) *message.Message {
	return &message.Message{Preview: message.Preview{
		ID: id, Subject: "s", Date: message.Time{Time: date}, Unread: true,
	}}
}

func TestWatcherSweepNotifies(t *testing.T) {
	fake := &fakeRemote{getErr: map[string]error{}}
	registry, _ := testRegistry(t, fake)
	sess, err := registry.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := sess.Authenticate(context.Background(), "student", "pw", "school"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	// A message lands on the remote side after warm-up.
	fake.mu.Lock()
	fake.inbox = []*message.Message{mkUnread("new1", time.Now())}
	fake.mu.Unlock()

	notifier := newRecordingNotifier()
	watcher := NewWatcher(registry, notifier, time.Minute, 100, zerolog.Nop())
	watcher.Sweep(context.Background())

	if got := notifier.calls[1]; len(got) != 1 || got[0] != "new1" {
		t.Errorf("notifications for user 1 = %v, want [new1]", got)
	}

	// The same message never notifies twice.
	watcher.Sweep(context.Background())
	if got := notifier.calls[1]; len(got) != 1 {
		t.Errorf("repeat sweep re-notified: %v", got)
	}
}

func TestWatcherSweepIsolatesFailures(t *testing.T) {
	fake := &fakeRemote{getErr: map[string]error{}}
	registry, _ := testRegistry(t, fake)
	for _, id := range []int64{1, 2} {
		sess, err := registry.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%d) failed: %v", id, err)
		}
		if err := sess.Authenticate(context.Background(), "student", "pw", "school"); err != nil {
			t.Fatalf("Authenticate(%d) failed: %v", id, err)
		}
	}

	fake.mu.Lock()
	fake.inbox = []*message.Message{mkUnread("new1", time.Now())}
	fake.errOnce = eljur.ErrUnavailable
	fake.mu.Unlock()

	notifier := newRecordingNotifier()
	watcher := NewWatcher(registry, notifier, time.Minute, 100, zerolog.Nop())
	watcher.Sweep(context.Background())

	// User 1's sweep failed; user 2 was still checked and
	// notified.
	if got := notifier.calls[2]; len(got) != 1 || got[0] != "new1" {
		t.Errorf("notifications for user 2 = %v, want [new1]", got)
	}
}

func TestWatcherSkipsUnauthenticated(t *testing.T) {
	fake := &fakeRemote{getErr: map[string]error{}}
	registry, _ := testRegistry(t, fake)
	if _, err := registry.Get(context.Background(), 1); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	fake.mu.Lock()
	fake.inbox = []*message.Message{mkUnread("new1", time.Now())}
	fake.mu.Unlock()

	notifier := newRecordingNotifier()
	watcher := NewWatcher(registry, notifier, time.Minute, 100, zerolog.Nop())
	before := atomic.LoadInt32(&fake.listCalls)
	watcher.Sweep(context.Background())

	// No token, no sweep: the user never authenticated, so every
	// remote call would bounce.
	if got := atomic.LoadInt32(&fake.listCalls); got != before {
		t.Errorf("sweep issued %d remote calls for an unauthenticated user", got-before)
	}
	if got := notifier.calls[1]; len(got) != 0 {
		t.Errorf("notifications = %v, want none", got)
	}
}

func TestBackfillerSweepDrains(t *testing.T) {
	fake := &fakeRemote{getErr: map[string]error{}}
	registry, db := testRegistry(t, fake)

	base := time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)
	var recs []persist.Record
	for _, id := range []string{"m1", "m2", "m3"} {
		recs = append(recs, persist.Record{UserID: 1, Folder: message.Inbox,
			Msg: &message.Message{Preview: message.Preview{
				ID: id, Subject: "s", Date: message.Time{Time: base},
			}}})
	}
	if _, err := db.InsertPreviews(context.Background(), recs); err != nil {
		t.Fatalf("InsertPreviews failed: %v", err)
	}

	sess, err := registry.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := len(sess.PendingBodies()); got != 3 {
		t.Fatalf("backlog = %d before the sweep, want 3", got)
	}

	backfiller := NewBackfiller(registry, time.Minute, 2, zerolog.Nop())
	backfiller.Sweep(context.Background())

	if got := sess.PendingBodies(); len(got) != 0 {
		t.Errorf("backlog = %v after the sweep, want empty", got)
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		msg, err := db.GetMessage(context.Background(), 1, message.Inbox, id)
		if err != nil {
			t.Fatalf("GetMessage(%s) failed: %v", id, err)
		}
		if !msg.HasBody() {
			t.Errorf("message %s still has no body", id)
		}
		if msg.Unread {
			t.Errorf("backfill flipped %s to unread", id)
		}
	}
}

func TestBackfillerKeepsFailedEntries(t *testing.T) {
	fake := &fakeRemote{getErr: map[string]error{"bad": eljur.ErrUnavailable}}
	registry, db := testRegistry(t, fake)

	base := time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)
	if _, err := db.InsertPreviews(context.Background(), []persist.Record{
		{UserID: 1, Folder: message.Inbox, Msg: &message.Message{Preview: message.Preview{
			ID: "good", Subject: "s", Date: message.Time{Time: base}}}},
		{UserID: 1, Folder: message.Inbox, Msg: &message.Message{Preview: message.Preview{
			ID: "bad", Subject: "s", Date: message.Time{Time: base}}}},
	}); err != nil {
		t.Fatalf("InsertPreviews failed: %v", err)
	}

	sess, err := registry.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	backfiller := NewBackfiller(registry, time.Minute, 2, zerolog.Nop())
	backfiller.Sweep(context.Background())

	backlog := sess.PendingBodies()
	if len(backlog) != 1 || backlog[0].ID != "bad" {
		t.Errorf("backlog = %v, want exactly the failed entry", backlog)
	}
	stored, err := db.ListPendingBodies(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListPendingBodies failed: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != "bad" {
		t.Errorf("durable backlog = %v, want exactly the failed entry", stored)
	}
}
