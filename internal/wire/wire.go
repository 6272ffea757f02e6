// Package wire is the transport boundary codec. Inbound frames are decoded
// here into one tagged Event per frame, so downstream components never
// shape-sniff raw JSON. The upstream server has accumulated aliases and
// shape drift (message vs newMessage, content as a string or {text}, ISO
// timestamps vs unix millis); all of that tolerance lives in this package
// and nowhere else.
package wire

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"

	"github.com/duetchat/duet/internal/store"
)

// Kind tags a decoded inbound event.
type Kind string

const (
	KindMessage          Kind = "message"
	KindPresenceSnapshot Kind = "presence_snapshot"
	KindPresenceDelta    Kind = "presence_delta"
	KindAuthOK           Kind = "auth_ok"
	KindError            Kind = "error"
)

// ErrUnhandled is returned for frames the daemon has no use for (typing
// indicators, pongs, future event types). Callers skip them.
var ErrUnhandled = errors.New("unhandled event")

// Event is one decoded inbound frame. Exactly the field matching Kind is
// set.
type Event struct {
	Kind Kind

	Message *InboundMessage
	Online  []string       // KindPresenceSnapshot
	Delta   *PresenceDelta // KindPresenceDelta
	ErrMsg  string         // KindError
}

// InboundMessage is a normalized pushed message.
type InboundMessage struct {
	ID         string
	From       string
	To         string
	Content    string
	SenderName string
	Status     store.Status
	Timestamp  int64 // unix ms
}

// PresenceDelta is one user's online transition.
type PresenceDelta struct {
	UserID   string
	IsOnline bool
}

// ToStoreMessage converts an inbound message into the log entry for the
// conversation with counterparty. A pushed message with no explicit status
// has at least been delivered to this client.
func (m *InboundMessage) ToStoreMessage(counterparty string) *store.Message {
	status := m.Status
	if status == "" {
		status = store.StatusDelivered
	}
	return &store.Message{
		ConversationID: counterparty,
		MsgID:          m.ID,
		SenderID:       m.From,
		SenderName:     m.SenderName,
		Content:        m.Content,
		Status:         status,
		Timestamp:      m.Timestamp,
	}
}

// Decode parses one inbound frame. Returns ErrUnhandled for event types the
// daemon ignores.
func Decode(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return Event{}, errors.New("invalid frame")
	}
	root := gjson.ParseBytes(data)
	event := root.Get("event").String()
	payload := root.Get("data")

	switch event {
	case "message", "newMessage":
		msg := decodeMessage(payload)
		if msg.From == "" {
			return Event{}, errors.New("message frame without sender")
		}
		return Event{Kind: KindMessage, Message: msg}, nil

	case "online-users":
		return Event{Kind: KindPresenceSnapshot, Online: decodeUserList(payload)}, nil

	case "user-online":
		return Event{Kind: KindPresenceDelta, Delta: &PresenceDelta{UserID: deltaUser(payload), IsOnline: true}}, nil

	case "user-offline":
		return Event{Kind: KindPresenceDelta, Delta: &PresenceDelta{UserID: deltaUser(payload), IsOnline: false}}, nil

	case "authenticated":
		return Event{Kind: KindAuthOK}, nil

	case "error":
		msg := payload.Get("message").String()
		if msg == "" {
			msg = payload.String()
		}
		return Event{Kind: KindError, ErrMsg: msg}, nil

	default:
		return Event{}, ErrUnhandled
	}
}

// DecodeMessage normalizes one standalone message object, as returned by
// the history endpoint. Same tolerance as pushed message frames.
func DecodeMessage(data []byte) *InboundMessage {
	return decodeMessage(gjson.ParseBytes(data))
}

func decodeMessage(payload gjson.Result) *InboundMessage {
	id := payload.Get("id").String()
	if id == "" {
		id = payload.Get("_id").String()
	}

	content := ""
	switch c := payload.Get("content"); c.Type {
	case gjson.String:
		content = c.String()
	case gjson.JSON:
		content = c.Get("text").String()
		if content == "" {
			content = c.Get("message").String()
		}
	}
	if content == "" {
		content = payload.Get("message").String()
	}

	sender := payload.Get("senderName").String()
	if sender == "" {
		sender = payload.Get("from").String()
	}

	return &InboundMessage{
		ID:         id,
		From:       payload.Get("from").String(),
		To:         payload.Get("to").String(),
		Content:    content,
		SenderName: sender,
		Status:     store.Status(payload.Get("status").String()),
		Timestamp:  decodeTimestamp(payload),
	}
}

// decodeTimestamp accepts unix millis, RFC 3339, or nothing. A missing
// field is stamped now, a tolerable lie that keeps the dedupe window math
// working for frames from servers that omit it.
func decodeTimestamp(payload gjson.Result) int64 {
	ts := payload.Get("timestamp")
	if !ts.Exists() {
		ts = payload.Get("createdAt")
	}
	switch ts.Type {
	case gjson.Number:
		return ts.Int()
	case gjson.String:
		if t, err := time.Parse(time.RFC3339, ts.String()); err == nil {
			return t.UnixMilli()
		}
	}
	return time.Now().UnixMilli()
}

func decodeUserList(payload gjson.Result) []string {
	list := payload
	if payload.IsObject() {
		list = payload.Get("onlineUsers")
	}
	var users []string
	for _, r := range list.Array() {
		if u := r.String(); u != "" {
			users = append(users, u)
		}
	}
	return users
}

func deltaUser(payload gjson.Result) string {
	if payload.Type == gjson.String {
		return payload.String()
	}
	if u := payload.Get("username").String(); u != "" {
		return u
	}
	return payload.Get("userId").String()
}

// Outbound frames. These are plain structs marshalled with encoding/json;
// the server's inbound surface is stable.

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// EncodeAuth builds the first frame of a connection.
func EncodeAuth(token string) []byte {
	b, _ := json.Marshal(outboundFrame{Event: "auth", Data: map[string]string{"token": token}})
	return b
}

// EncodeJoin builds the join announcement that registers this user id for
// push routing. Sent exactly once per successful connection.
func EncodeJoin(userID string) []byte {
	b, _ := json.Marshal(outboundFrame{Event: "join-user", Data: userID})
	return b
}

// OutboundMessage is the socket fast-path copy of a send. MessageID carries
// the client temp id so the receiving side can collapse it with the HTTP
// confirmation.
type OutboundMessage struct {
	To        string `json:"to"`
	From      string `json:"from"`
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

// EncodeSend builds a send-message frame.
func EncodeSend(m OutboundMessage) []byte {
	b, _ := json.Marshal(outboundFrame{Event: "send-message", Data: m})
	return b
}
