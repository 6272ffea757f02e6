package store

// Status is a message delivery status. Pending through Read form a lattice
// that reconciliation only ever climbs; Failed sits outside it and is
// terminal for the entry that reaches it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the position of s in the upgrade lattice, or -1 for
// statuses outside it (failed, unknown).
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// MaxStatus returns the higher of a and b along the lattice. A status
// outside the lattice never wins over one inside it.
func MaxStatus(a, b Status) Status {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Message is one entry in a conversation log. MsgID is the client temp id
// while the message is pending and the server-assigned id once confirmed;
// Timestamp is unix milliseconds.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	SenderName     string
	Content        string
	Status         Status
	Timestamp      int64
}

// Conversation is one counterparty's derived list entry. SortPriority is a
// monotonic bump stamped when a background conversation receives a message;
// it breaks recency ties deterministically.
type Conversation struct {
	CounterpartyID     string
	DisplayName        string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
	SortPriority       int64
}

// PresenceRecord is the last known online state for one user. LastSeenAt
// and UpdatedAt are unix milliseconds; FromPush records whether the most
// recent write came from a push event (which outranks polls).
type PresenceRecord struct {
	UserID     string
	IsOnline   bool
	LastSeenAt int64
	UpdatedAt  int64
	FromPush   bool
}
