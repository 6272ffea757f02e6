package wire

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/duetchat/duet/internal/store"
)

func TestDecodeMessageVariants(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    InboundMessage
	}{
		{
			"canonical",
			`{"event":"message","data":{"id":"m1","from":"bob","to":"alice","content":"hi","timestamp":1700000000000,"status":"delivered","senderName":"Bob"}}`,
			InboundMessage{ID: "m1", From: "bob", To: "alice", Content: "hi", SenderName: "Bob", Status: store.StatusDelivered, Timestamp: 1700000000000},
		},
		{
			"newMessage alias with mongo id",
			`{"event":"newMessage","data":{"_id":"m2","from":"bob","content":"yo","timestamp":1700000000000}}`,
			InboundMessage{ID: "m2", From: "bob", Content: "yo", SenderName: "bob", Timestamp: 1700000000000},
		},
		{
			"nested content object",
			`{"event":"message","data":{"id":"m3","from":"bob","content":{"text":"nested"},"timestamp":1700000000000}}`,
			InboundMessage{ID: "m3", From: "bob", Content: "nested", SenderName: "bob", Timestamp: 1700000000000},
		},
		{
			"message field fallback",
			`{"event":"message","data":{"id":"m4","from":"bob","message":"fallback","timestamp":1700000000000}}`,
			InboundMessage{ID: "m4", From: "bob", Content: "fallback", SenderName: "bob", Timestamp: 1700000000000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if evt.Kind != KindMessage {
				t.Fatalf("kind = %q, want message", evt.Kind)
			}
			got := *evt.Message
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeRFC3339Timestamp(t *testing.T) {
	frame := `{"event":"message","data":{"id":"m1","from":"bob","content":"hi","createdAt":"2024-05-01T10:00:00Z"}}`
	evt, err := Decode([]byte(frame))
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).UnixMilli()
	if evt.Message.Timestamp != want {
		t.Errorf("timestamp = %d, want %d", evt.Message.Timestamp, want)
	}
}

func TestDecodeMissingTimestampStampsNow(t *testing.T) {
	before := time.Now().UnixMilli()
	evt, err := Decode([]byte(`{"event":"message","data":{"id":"m1","from":"bob","content":"hi"}}`))
	if err != nil {
		t.Fatal(err)
	}
	after := time.Now().UnixMilli()
	if evt.Message.Timestamp < before || evt.Message.Timestamp > after {
		t.Errorf("timestamp = %d, want within [%d, %d]", evt.Message.Timestamp, before, after)
	}
}

func TestDecodeMessageWithoutSenderRejected(t *testing.T) {
	if _, err := Decode([]byte(`{"event":"message","data":{"content":"orphan"}}`)); err == nil {
		t.Error("expected error for message without sender")
	}
}

func TestDecodePresenceSnapshot(t *testing.T) {
	for _, frame := range []string{
		`{"event":"online-users","data":["alice","bob"]}`,
		`{"event":"online-users","data":{"onlineUsers":["alice","bob"]}}`,
	} {
		evt, err := Decode([]byte(frame))
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", frame, err)
		}
		if evt.Kind != KindPresenceSnapshot || len(evt.Online) != 2 || evt.Online[0] != "alice" {
			t.Errorf("got %+v", evt)
		}
	}
}

func TestDecodePresenceDelta(t *testing.T) {
	evt, err := Decode([]byte(`{"event":"user-online","data":{"username":"bob"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if evt.Kind != KindPresenceDelta || !evt.Delta.IsOnline || evt.Delta.UserID != "bob" {
		t.Errorf("got %+v", evt)
	}

	evt, err = Decode([]byte(`{"event":"user-offline","data":"bob"}`))
	if err != nil {
		t.Fatal(err)
	}
	if evt.Delta.IsOnline || evt.Delta.UserID != "bob" {
		t.Errorf("got %+v", evt.Delta)
	}
}

func TestDecodeAuthAndError(t *testing.T) {
	evt, err := Decode([]byte(`{"event":"authenticated"}`))
	if err != nil || evt.Kind != KindAuthOK {
		t.Errorf("got %+v, %v", evt, err)
	}

	evt, err = Decode([]byte(`{"event":"error","data":{"message":"Invalid authentication token"}}`))
	if err != nil || evt.Kind != KindError || evt.ErrMsg != "Invalid authentication token" {
		t.Errorf("got %+v, %v", evt, err)
	}
}

func TestDecodeUnhandled(t *testing.T) {
	_, err := Decode([]byte(`{"event":"typing","data":{"from":"bob"}}`))
	if !errors.Is(err, ErrUnhandled) {
		t.Errorf("err = %v, want ErrUnhandled", err)
	}
}

func TestToStoreMessageDefaultsStatus(t *testing.T) {
	m := &InboundMessage{ID: "m1", From: "bob", Content: "hi", Timestamp: 1000}
	sm := m.ToStoreMessage("bob")
	if sm.Status != store.StatusDelivered {
		t.Errorf("status = %q, want delivered", sm.Status)
	}
	if sm.ConversationID != "bob" || sm.MsgID != "m1" {
		t.Errorf("got %+v", sm)
	}
}

func TestEncodeFrames(t *testing.T) {
	var frame struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(EncodeJoin("alice"), &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Event != "join-user" || string(frame.Data) != `"alice"` {
		t.Errorf("join frame = %+v", frame)
	}

	if err := json.Unmarshal(EncodeSend(OutboundMessage{To: "bob", From: "alice", Message: "hi", MessageID: "temp-1"}), &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Event != "send-message" {
		t.Errorf("send frame event = %q", frame.Event)
	}

	if err := json.Unmarshal(EncodeAuth("tok"), &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Event != "auth" {
		t.Errorf("auth frame event = %q", frame.Event)
	}
}
