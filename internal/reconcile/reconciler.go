// Package reconcile merges every observation of a message (the local
// optimistic insert, the HTTP confirmation, the socket echo) into one
// ordered, deduplicated log per conversation.
//
// The optimistic path and the remote-echo path for the same user action run
// as independent asynchronous flows and may land in either order. Two
// records describing the same logical message therefore collapse when their
// ids match, or, failing that, when sender, content, and timestamps agree
// within the configured tolerance window. A collapse only ever upgrades
// status along pending < sent < delivered < read and fixes the entry's id
// to the server-confirmed one.
package reconcile

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duetchat/duet/internal/bus"
	"github.com/duetchat/duet/internal/session"
	"github.com/duetchat/duet/internal/store"
)

// Upserted is the payload of message.upserted events.
type Upserted struct {
	ConversationID string
	MsgID          string
	Preview        string
	Timestamp      int64
	SenderID       string
}

// pendingSend tracks the temp→current id mapping for one in-flight
// optimistic send. CurrentID starts as the temp id and moves to the
// server id if a socket echo collapses the entry before the HTTP
// confirmation lands.
type pendingSend struct {
	ConversationID string
	CurrentID      string
}

// Reconciler owns the per-conversation message logs. In-memory state is
// authoritative; every mutation is mirrored to the store.
type Reconciler struct {
	mu      sync.Mutex
	logs    map[string][]*store.Message          // ascending by Timestamp
	byID    map[string]map[string]*store.Message // conversation -> msg id -> entry
	pending map[string]*pendingSend              // temp id -> in-flight send

	db     *store.DB
	bus    *bus.Bus
	sess   session.Session
	window time.Duration
	logger *zap.Logger

	now func() time.Time
}

// New creates a reconciler. window is the duplicate-suppression tolerance.
func New(db *store.DB, b *bus.Bus, sess session.Session, window time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		logs:    make(map[string][]*store.Message),
		byID:    make(map[string]map[string]*store.Message),
		pending: make(map[string]*pendingSend),
		db:      db,
		bus:     b,
		sess:    sess,
		window:  window,
		logger:  logger,
		now:     time.Now,
	}
}

// Hydrate loads the persisted tail of every known conversation into memory.
func (r *Reconciler) Hydrate(perConversation int) error {
	if r.db == nil {
		return nil
	}
	convs, err := r.db.ListConversations()
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range convs {
		msgs, err := r.db.ListMessages(c.CounterpartyID, 0, perConversation)
		if err != nil {
			return fmt.Errorf("list messages for %s: %w", c.CounterpartyID, err)
		}
		// ListMessages is newest-first; the log is ascending.
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			if m.Status == store.StatusPending {
				// A pending row from a previous run can never be
				// confirmed; surface it as a failed send.
				if err := r.db.SetMessageStatus(m.ConversationID, m.MsgID, store.StatusFailed); err != nil {
					r.logger.Error("fail stale pending", zap.Error(err), zap.String("msg_id", m.MsgID))
				}
				continue
			}
			r.insertLocked(&m)
		}
	}
	return nil
}

// AppendOptimistic inserts a pending message for a local send and returns
// its client temp id.
func (r *Reconciler) AppendOptimistic(conversationID, content string) string {
	tempID := "temp-" + uuid.NewString()
	m := &store.Message{
		ConversationID: conversationID,
		MsgID:          tempID,
		SenderID:       r.sess.UserID,
		SenderName:     r.sess.UserID,
		Content:        content,
		Status:         store.StatusPending,
		Timestamp:      r.now().UnixMilli(),
	}

	r.mu.Lock()
	r.insertLocked(m)
	r.pending[tempID] = &pendingSend{ConversationID: conversationID, CurrentID: tempID}
	r.mu.Unlock()

	r.persist(m)
	r.publishUpserted(m)
	return tempID
}

// ConfirmSent upgrades an optimistic send to sent and rewrites its id to
// the server-assigned one. The temp→final mapping lives only until this
// call (or MarkFailed) resolves the send.
func (r *Reconciler) ConfirmSent(tempID, finalID string) error {
	r.mu.Lock()
	p, ok := r.pending[tempID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("no pending send for %s", tempID)
	}
	delete(r.pending, tempID)

	entry := r.byID[p.ConversationID][p.CurrentID]
	if entry == nil {
		r.mu.Unlock()
		return fmt.Errorf("pending entry %s vanished from %s", p.CurrentID, p.ConversationID)
	}

	oldID := entry.MsgID
	if finalID != "" && finalID != entry.MsgID {
		entry = r.rewriteIDLocked(p.ConversationID, entry, finalID)
	}
	entry.Status = store.MaxStatus(entry.Status, store.StatusSent)
	snapshot := *entry
	r.mu.Unlock()

	if r.db != nil && oldID != snapshot.MsgID {
		if err := r.db.RewriteMsgID(snapshot.ConversationID, oldID, snapshot.MsgID); err != nil {
			r.logger.Error("rewrite msg id", zap.Error(err), zap.String("temp_id", oldID))
		}
	}
	r.persist(&snapshot)
	r.publishUpserted(&snapshot)
	return nil
}

// MarkFailed removes a pending optimistic entry from the live log. The
// store keeps the row with status failed; a resubmit goes through
// AppendOptimistic as a brand-new send. If a socket echo already
// collapsed the entry onto a server-confirmed record, the confirmation
// stands and only the in-flight tracking is dropped.
func (r *Reconciler) MarkFailed(tempID string) error {
	r.mu.Lock()
	p, ok := r.pending[tempID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("no pending send for %s", tempID)
	}
	delete(r.pending, tempID)
	if entry := r.byID[p.ConversationID][p.CurrentID]; entry != nil && entry.Status != store.StatusPending {
		r.mu.Unlock()
		r.logger.Debug("send failure after server confirmation, keeping entry",
			zap.String("temp_id", tempID), zap.String("msg_id", p.CurrentID))
		return nil
	}
	r.removeLocked(p.ConversationID, p.CurrentID)
	r.mu.Unlock()

	if r.db != nil {
		if err := r.db.SetMessageStatus(p.ConversationID, p.CurrentID, store.StatusFailed); err != nil {
			r.logger.Error("mark failed", zap.Error(err), zap.String("temp_id", tempID))
		}
	}
	r.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: r.now(),
		Payload:   Upserted{ConversationID: p.ConversationID, MsgID: p.CurrentID},
	})
	return nil
}

// IngestRemote inserts or merges a server-observed message into the
// conversation log. Safe to call with the same record any number of times.
func (r *Reconciler) IngestRemote(m *store.Message) error {
	if m.MsgID == "" || m.ConversationID == "" {
		return fmt.Errorf("remote message missing id or conversation")
	}

	r.mu.Lock()
	existing := r.byID[m.ConversationID][m.MsgID]
	if existing == nil {
		existing = r.fuzzyMatchLocked(m)
	}

	var snapshot store.Message
	var rewriteFrom string
	if existing != nil {
		if existing.MsgID != m.MsgID && !isTempID(m.MsgID) {
			// Server-confirmed id wins over the client temp id.
			rewriteFrom = existing.MsgID
			existing = r.rewriteIDLocked(m.ConversationID, existing, m.MsgID)
		}
		existing.Status = store.MaxStatus(existing.Status, m.Status)
		snapshot = *existing
	} else {
		r.insertLocked(m)
		snapshot = *m
	}
	r.mu.Unlock()

	if r.db != nil && rewriteFrom != "" {
		if err := r.db.RewriteMsgID(snapshot.ConversationID, rewriteFrom, snapshot.MsgID); err != nil {
			r.logger.Error("rewrite msg id", zap.Error(err), zap.String("from", rewriteFrom))
		}
	}
	r.persist(&snapshot)
	r.publishUpserted(&snapshot)
	return nil
}

// Snapshot returns a copy of one conversation's log, ascending by
// timestamp.
func (r *Reconciler) Snapshot(conversationID string) []store.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := r.logs[conversationID]
	out := make([]store.Message, len(log))
	for i, m := range log {
		out[i] = *m
	}
	return out
}

// fuzzyMatchLocked finds an existing entry describing the same logical
// message as m: same sender, same content, timestamps within the tolerance
// window. The log is ascending, so scanning back until the window's lower
// bound covers every candidate.
func (r *Reconciler) fuzzyMatchLocked(m *store.Message) *store.Message {
	log := r.logs[m.ConversationID]
	cutoff := m.Timestamp - r.window.Milliseconds()
	for i := len(log) - 1; i >= 0; i-- {
		e := log[i]
		if e.Timestamp < cutoff {
			break
		}
		if e.Timestamp-m.Timestamp > r.window.Milliseconds() {
			continue
		}
		if e.SenderID == m.SenderID && e.Content == m.Content {
			return e
		}
	}
	return nil
}

// insertLocked places m into the conversation log at its timestamp
// position. An ordered merge, not an append: remote delivery may arrive
// out of order relative to optimistic inserts.
func (r *Reconciler) insertLocked(m *store.Message) {
	log := r.logs[m.ConversationID]
	i := sort.Search(len(log), func(i int) bool { return log[i].Timestamp > m.Timestamp })
	log = append(log, nil)
	copy(log[i+1:], log[i:])
	log[i] = m
	r.logs[m.ConversationID] = log

	idx := r.byID[m.ConversationID]
	if idx == nil {
		idx = make(map[string]*store.Message)
		r.byID[m.ConversationID] = idx
	}
	idx[m.MsgID] = m
}

func (r *Reconciler) removeLocked(conversationID, msgID string) {
	log := r.logs[conversationID]
	for i, e := range log {
		if e.MsgID == msgID {
			r.logs[conversationID] = append(log[:i], log[i+1:]...)
			break
		}
	}
	delete(r.byID[conversationID], msgID)
}

// rewriteIDLocked changes an entry's id. If the target id already exists
// in the log (both observation paths were inserted before either could
// collapse), the duplicate is folded into the surviving entry.
func (r *Reconciler) rewriteIDLocked(conversationID string, entry *store.Message, newID string) *store.Message {
	idx := r.byID[conversationID]
	if other := idx[newID]; other != nil && other != entry {
		other.Status = store.MaxStatus(other.Status, entry.Status)
		r.removeLocked(conversationID, entry.MsgID)
		r.retarget(entry.MsgID, newID)
		return other
	}
	delete(idx, entry.MsgID)
	r.retarget(entry.MsgID, newID)
	entry.MsgID = newID
	idx[newID] = entry
	return entry
}

// retarget keeps in-flight pending sends pointing at the surviving id.
func (r *Reconciler) retarget(oldID, newID string) {
	for _, p := range r.pending {
		if p.CurrentID == oldID {
			p.CurrentID = newID
		}
	}
}

func (r *Reconciler) persist(m *store.Message) {
	if r.db == nil {
		return
	}
	if err := r.db.UpsertMessage(m); err != nil {
		r.logger.Error("persist message", zap.Error(err),
			zap.String("conversation", m.ConversationID), zap.String("msg_id", m.MsgID))
	}
}

func (r *Reconciler) publishUpserted(m *store.Message) {
	r.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: r.now(),
		Payload: Upserted{
			ConversationID: m.ConversationID,
			MsgID:          m.MsgID,
			Preview:        m.Content,
			Timestamp:      m.Timestamp,
			SenderID:       m.SenderID,
		},
	})
}

func isTempID(id string) bool {
	return len(id) > 5 && id[:5] == "temp-"
}
