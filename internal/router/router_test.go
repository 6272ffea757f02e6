package router

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/duetchat/duet/internal/bus"
	"github.com/duetchat/duet/internal/convindex"
	"github.com/duetchat/duet/internal/presence"
	"github.com/duetchat/duet/internal/reconcile"
	"github.com/duetchat/duet/internal/session"
	"github.com/duetchat/duet/internal/store"
	"github.com/duetchat/duet/internal/wire"
)

type fixture struct {
	router  *Router
	bus     *bus.Bus
	rec     *reconcile.Reconciler
	index   *convindex.Index
	tracker *presence.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	b := bus.New()
	logger := zap.NewNop()
	sess := &session.Session{Name: "main", UserID: "me", Token: "tok"}
	rec := reconcile.New(db, b, *sess, 2*time.Second, logger)
	ix := convindex.New(db, logger)
	tr := presence.New(db, b, logger)
	return &fixture{
		router:  New(b, sess, rec, ix, tr, logger),
		bus:     b,
		rec:     rec,
		index:   ix,
		tracker: tr,
	}
}

func inbound(id, from, to, content string, ts int64) *wire.InboundMessage {
	return &wire.InboundMessage{ID: id, From: from, To: to, Content: content, SenderName: from, Timestamp: ts}
}

func TestInboundMessageReachesLogAndIndex(t *testing.T) {
	f := newFixture(t)
	ts := time.Now().UnixMilli()

	f.router.HandleMessage(inbound("m1", "alice", "me", "hi there", ts))

	log := f.rec.Snapshot("alice")
	if len(log) != 1 || log[0].MsgID != "m1" {
		t.Fatalf("unexpected log %+v", log)
	}
	entry, ok := f.index.Get("alice")
	if !ok {
		t.Fatal("conversation not tracked")
	}
	if entry.UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", entry.UnreadCount)
	}
	if entry.LastMessagePreview != "hi there" {
		t.Fatalf("preview = %q", entry.LastMessagePreview)
	}
	if entry.DisplayName != "alice" {
		t.Fatalf("display name = %q", entry.DisplayName)
	}
}

func TestActiveConversationSkipsUnread(t *testing.T) {
	f := newFixture(t)
	f.index.OpenConversation("alice")

	f.router.HandleMessage(inbound("m1", "alice", "me", "hi", time.Now().UnixMilli()))

	entry, _ := f.index.Get("alice")
	if entry.UnreadCount != 0 {
		t.Fatalf("active conversation got unread %d", entry.UnreadCount)
	}
}

func TestActiveCheckedAtDeliveryTime(t *testing.T) {
	f := newFixture(t)
	f.index.OpenConversation("alice")
	f.index.CloseConversation()

	// Conversation was open earlier in the session; what matters is that
	// it is closed when the message is handled.
	f.router.HandleMessage(inbound("m1", "alice", "me", "hi", time.Now().UnixMilli()))

	entry, _ := f.index.Get("alice")
	if entry.UnreadCount != 1 {
		t.Fatalf("closed conversation should count unread, got %d", entry.UnreadCount)
	}
}

func TestOwnEchoRoutedToRecipientConversation(t *testing.T) {
	f := newFixture(t)
	ts := time.Now().UnixMilli()

	f.router.HandleMessage(inbound("m1", "me", "bob", "sent from another device", ts))

	log := f.rec.Snapshot("bob")
	if len(log) != 1 || log[0].SenderID != "me" {
		t.Fatalf("unexpected log %+v", log)
	}
	entry, _ := f.index.Get("bob")
	if entry.UnreadCount != 0 {
		t.Fatalf("own echo counted as unread: %d", entry.UnreadCount)
	}
	if entry.LastMessagePreview == "" {
		t.Fatal("own echo should still refresh the preview")
	}
}

func TestPushEventsDispatchedFromBus(t *testing.T) {
	f := newFixture(t)
	f.index.Track("alice", "Alice")
	f.router.Start()
	defer f.router.Stop()

	f.bus.Publish(bus.Event{Kind: bus.KindPushPresenceDelta, Timestamp: time.Now(),
		Payload: &wire.PresenceDelta{UserID: "alice", IsOnline: true}})

	deadline := time.After(time.Second)
	for {
		if rec, ok := f.tracker.Get("alice"); ok && rec.IsOnline {
			break
		}
		select {
		case <-deadline:
			t.Fatal("presence delta never reached tracker")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The tracker's published update flows back into the index.
	deadline = time.After(time.Second)
	for {
		if e, ok := f.index.Get("alice"); ok && e.IsOnline {
			return
		}
		select {
		case <-deadline:
			t.Fatal("presence update never reached index")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPresenceSnapshotFromBus(t *testing.T) {
	f := newFixture(t)
	f.router.Start()
	defer f.router.Stop()

	f.bus.Publish(bus.Event{Kind: bus.KindPushPresenceSnapshot, Timestamp: time.Now(),
		Payload: []string{"alice", "bob"}})

	deadline := time.After(time.Second)
	for {
		a, okA := f.tracker.Get("alice")
		b, okB := f.tracker.Get("bob")
		if okA && okB && a.IsOnline && b.IsOnline {
			return
		}
		select {
		case <-deadline:
			t.Fatal("snapshot never applied")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
