// Package convindex maintains the conversation list: one entry per known
// counterparty with unread count, last-message preview, and the derived
// sort order a list view consumes.
package convindex

import (
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/duetchat/duet/internal/store"
)

const previewMax = 100

// Entry is one conversation plus the volatile presence flag the comparator
// needs. Online state is not persisted; it is fed in live from the
// presence tracker.
type Entry struct {
	store.Conversation
	IsOnline bool
}

// Index owns the conversation set. The active conversation id is part of
// its state: unread counting depends on which conversation the consuming
// UI currently has open.
type Index struct {
	mu      sync.Mutex
	entries map[string]*Entry
	active  string

	db     *store.DB
	logger *zap.Logger

	// sortClock issues the monotonic sortPriority stamps. Wall time alone
	// would allow equal stamps for two bumps inside one tick.
	sortClock int64
}

// New creates an empty index.
func New(db *store.DB, logger *zap.Logger) *Index {
	return &Index{
		entries: make(map[string]*Entry),
		db:      db,
		logger:  logger,
	}
}

// Hydrate loads persisted conversations.
func (x *Index) Hydrate() error {
	if x.db == nil {
		return nil
	}
	convs, err := x.db.ListConversations()
	if err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range convs {
		x.entries[c.CounterpartyID] = &Entry{Conversation: c}
		if c.SortPriority > x.sortClock {
			x.sortClock = c.SortPriority
		}
	}
	return nil
}

// Track registers a counterparty (idempotent), keeping an existing entry's
// derived state. Used to seed the index from the user directory.
func (x *Index) Track(counterpartyID, displayName string) {
	x.mu.Lock()
	e, ok := x.entries[counterpartyID]
	if !ok {
		e = &Entry{Conversation: store.Conversation{CounterpartyID: counterpartyID}}
		x.entries[counterpartyID] = e
	}
	if displayName != "" {
		e.DisplayName = displayName
	}
	snapshot := e.Conversation
	x.mu.Unlock()

	x.persist(&snapshot)
}

// OnInboundMessage folds one message into the conversation's derived
// fields. For the active conversation only the preview/recency move; a
// background conversation additionally gains an unread and a sortPriority
// bump so it surfaces first.
func (x *Index) OnInboundMessage(counterpartyID, preview string, timestamp int64, isActive bool) {
	x.mu.Lock()
	e, ok := x.entries[counterpartyID]
	if !ok {
		e = &Entry{Conversation: store.Conversation{CounterpartyID: counterpartyID, DisplayName: counterpartyID}}
		x.entries[counterpartyID] = e
	}
	e.LastMessagePreview = truncate(preview, previewMax)
	if timestamp > e.LastMessageAt {
		e.LastMessageAt = timestamp
	}
	if !isActive {
		e.UnreadCount++
		x.sortClock++
		e.SortPriority = x.sortClock
	}
	snapshot := e.Conversation
	x.mu.Unlock()

	x.persist(&snapshot)
}

// OpenConversation marks id active and clears its unread state.
func (x *Index) OpenConversation(id string) {
	x.mu.Lock()
	x.active = id
	e, ok := x.entries[id]
	if !ok {
		e = &Entry{Conversation: store.Conversation{CounterpartyID: id, DisplayName: id}}
		x.entries[id] = e
	}
	e.UnreadCount = 0
	e.SortPriority = 0
	snapshot := e.Conversation
	x.mu.Unlock()

	x.persist(&snapshot)
}

// CloseConversation clears the active id without touching unread state.
func (x *Index) CloseConversation() {
	x.mu.Lock()
	x.active = ""
	x.mu.Unlock()
}

// Active returns the currently open conversation id, empty if none.
func (x *Index) Active() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.active
}

// SetOnline updates one counterparty's volatile presence flag.
func (x *Index) SetOnline(counterpartyID string, online bool) {
	x.mu.Lock()
	if e, ok := x.entries[counterpartyID]; ok {
		e.IsOnline = online
	}
	x.mu.Unlock()
}

// Sorted returns the conversation list in display order. One composite
// comparator produces the full tier order; sequential partial sorts would
// not be stable across calls:
//
//  1. conversations with unread activity, most recently notified first
//  2. online counterparties
//  3. case-insensitive display name, counterparty id as the final tie
func (x *Index) Sorted() []Entry {
	x.mu.Lock()
	out := make([]Entry, 0, len(x.entries))
	for _, e := range x.entries {
		out = append(out, *e)
	}
	x.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]

		aUnread, bUnread := a.UnreadCount > 0, b.UnreadCount > 0
		if aUnread != bUnread {
			return aUnread
		}
		if aUnread && bUnread && a.SortPriority != b.SortPriority {
			return a.SortPriority > b.SortPriority
		}

		if a.IsOnline != b.IsOnline {
			return a.IsOnline
		}

		an, bn := strings.ToLower(displayName(a)), strings.ToLower(displayName(b))
		if an != bn {
			return an < bn
		}
		return a.CounterpartyID < b.CounterpartyID
	})
	return out
}

// Get returns a copy of one entry, or false if unknown.
func (x *Index) Get(id string) (Entry, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.entries[id]; ok {
		return *e, true
	}
	return Entry{}, false
}

func (x *Index) persist(c *store.Conversation) {
	if x.db == nil {
		return
	}
	if err := x.db.UpsertConversation(c); err != nil {
		x.logger.Error("persist conversation", zap.Error(err),
			zap.String("counterparty", c.CounterpartyID))
	}
}

func displayName(e Entry) string {
	if e.DisplayName != "" {
		return e.DisplayName
	}
	return e.CounterpartyID
}

var previewFlattener = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// truncate flattens a message body to a single line and bounds it to max
// bytes, cutting on a rune boundary so the preview stays valid UTF-8.
func truncate(s string, max int) string {
	if strings.ContainsAny(s, "\r\n") {
		s = previewFlattener.Replace(s)
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
