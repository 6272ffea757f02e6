package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{ConversationID: "bob", MsgID: "m1", SenderID: "bob", Content: "hi", Status: StatusSent, Timestamp: 1000}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	m.Status = StatusRead
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("bob", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Status != StatusRead {
		t.Errorf("status = %q, want read", msgs[0].Status)
	}
}

func TestRewriteMsgID(t *testing.T) {
	db := testDB(t)

	m := &Message{ConversationID: "bob", MsgID: "temp-1", SenderID: "alice", Content: "hi", Status: StatusPending, Timestamp: 1000}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.RewriteMsgID("bob", "temp-1", "m9"); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("bob", 0, 10)
	if len(msgs) != 1 || msgs[0].MsgID != "m9" {
		t.Fatalf("msgs = %+v, want single entry with msg_id m9", msgs)
	}
}

// TestRewriteMsgIDCollapsesExistingFinal covers the race where the socket
// echo was persisted under the final id before the HTTP confirmation
// rewrote the temp row: the temp row must be dropped, not duplicated.
func TestRewriteMsgIDCollapsesExistingFinal(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertMessage(&Message{ConversationID: "bob", MsgID: "temp-1", SenderID: "alice", Content: "hi", Status: StatusPending, Timestamp: 1000})
	_ = db.UpsertMessage(&Message{ConversationID: "bob", MsgID: "m9", SenderID: "alice", Content: "hi", Status: StatusSent, Timestamp: 1001})

	if err := db.RewriteMsgID("bob", "temp-1", "m9"); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("bob", 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 after collapse", len(msgs))
	}
	if msgs[0].MsgID != "m9" {
		t.Errorf("msg_id = %q, want m9", msgs[0].MsgID)
	}
}

func TestListMessagesKeysetPagination(t *testing.T) {
	db := testDB(t)

	for i, ts := range []int64{1000, 2000, 3000} {
		_ = db.UpsertMessage(&Message{ConversationID: "bob", MsgID: string(rune('a' + i)), Content: "x", Status: StatusSent, Timestamp: ts})
	}

	page, err := db.ListMessages("bob", 3000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("got %d messages before ts=3000, want 2", len(page))
	}
	if page[0].Timestamp != 2000 {
		t.Errorf("newest-first: first = %d, want 2000", page[0].Timestamp)
	}
}

func TestConversationRoundTrip(t *testing.T) {
	db := testDB(t)

	c := &Conversation{CounterpartyID: "bob", DisplayName: "Bob", UnreadCount: 2, LastMessageAt: 5000, LastMessagePreview: "hey", SortPriority: 7}
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation("bob")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.UnreadCount != 2 || got.SortPriority != 7 {
		t.Errorf("got %+v", got)
	}

	missing, err := db.GetConversation("nobody")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown conversation, got %+v", missing)
	}
}

func TestPresenceRoundTrip(t *testing.T) {
	db := testDB(t)

	p := &PresenceRecord{UserID: "bob", IsOnline: true, LastSeenAt: 100, UpdatedAt: 100, FromPush: true}
	if err := db.UpsertPresence(p); err != nil {
		t.Fatal(err)
	}
	p.IsOnline = false
	p.UpdatedAt = 200
	if err := db.UpsertPresence(p); err != nil {
		t.Fatal(err)
	}

	recs, err := db.ListPresence()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].IsOnline || recs[0].UpdatedAt != 200 {
		t.Errorf("recs = %+v", recs)
	}
}

func TestMaxStatus(t *testing.T) {
	tests := []struct {
		a, b, want Status
	}{
		{StatusPending, StatusSent, StatusSent},
		{StatusRead, StatusSent, StatusRead},
		{StatusDelivered, StatusDelivered, StatusDelivered},
		{StatusSent, StatusFailed, StatusSent},
		{StatusPending, Status("bogus"), StatusPending},
	}
	for _, tt := range tests {
		if got := MaxStatus(tt.a, tt.b); got != tt.want {
			t.Errorf("MaxStatus(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}
