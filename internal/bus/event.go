package bus

import "time"

// Event is a domain event published on the bus. Payload types are owned by
// the publishing package; subscribers type-assert on Kind.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Namespaces group kinds for prefix subscription:
// "conn." for connection lifecycle, "push." for decoded transport frames,
// "message." for reconciler outcomes, "presence." for tracker updates.
const (
	// Connection lifecycle, published by the transport manager.
	KindConnStateChanged = "conn.state_changed"
	KindConnConnected    = "conn.connected"
	KindConnDisconnected = "conn.disconnected"
	KindConnAuthFailed   = "conn.auth_failed"
	KindConnUnreachable  = "conn.unreachable" // retry budget exhausted

	// Decoded push frames, published by the transport reader.
	KindPushMessage          = "push.message"
	KindPushPresenceSnapshot = "push.presence_snapshot"
	KindPushPresenceDelta    = "push.presence_delta"

	// Reconciler and sender outcomes.
	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"

	// Tracker updates consumed by the conversation index.
	KindPresenceUpdated = "presence.updated"
)
