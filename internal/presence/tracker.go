// Package presence maintains online/last-seen state per user, merged from
// two sources of unequal authority: push events from the transport and a
// polling fallback. Most recent write wins, except that a poll result
// never overwrites a state set by a push event more recently than the
// poll's own sampling time.
package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duetchat/duet/internal/bus"
	"github.com/duetchat/duet/internal/store"
)

// Tracker owns the presence table.
type Tracker struct {
	mu       sync.Mutex
	records  map[string]*store.PresenceRecord
	pushSeen bool

	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// New creates an empty tracker.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		records: make(map[string]*store.PresenceRecord),
		db:      db,
		bus:     b,
		logger:  logger,
		now:     time.Now,
	}
}

// Hydrate loads persisted records. Online flags are stale across restarts:
// everyone starts offline and keeps their last-seen time until a fresh
// observation arrives.
func (t *Tracker) Hydrate() error {
	if t.db == nil {
		return nil
	}
	recs, err := t.db.ListPresence()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range recs {
		r := rec
		r.IsOnline = false
		r.FromPush = false
		t.records[r.UserID] = &r
	}
	return nil
}

// ApplySnapshot replaces the online set wholesale from a push snapshot
// (sent by the server on connect/reconnect).
func (t *Tracker) ApplySnapshot(userIDs []string) {
	now := t.now().UnixMilli()
	online := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		online[id] = true
	}

	t.mu.Lock()
	t.pushSeen = true
	var changed []store.PresenceRecord
	for id := range online {
		if rec := t.setLocked(id, true, now, true); rec != nil {
			changed = append(changed, *rec)
		}
	}
	for id, rec := range t.records {
		if rec.IsOnline && !online[id] {
			if r := t.setLocked(id, false, now, true); r != nil {
				changed = append(changed, *r)
			}
		}
	}
	t.mu.Unlock()

	t.flush(changed)
}

// ApplyDelta updates one user from a push event.
func (t *Tracker) ApplyDelta(userID string, isOnline bool) {
	if userID == "" {
		return
	}
	now := t.now().UnixMilli()

	t.mu.Lock()
	t.pushSeen = true
	rec := t.setLocked(userID, isOnline, now, true)
	var changed []store.PresenceRecord
	if rec != nil {
		changed = append(changed, *rec)
	}
	t.mu.Unlock()

	t.flush(changed)
}

// ApplyPollResult folds a polled online set in. sampledAt is when the poll
// request was started: a record written by push after that instant is
// fresher than anything this poll can know, and is left alone.
func (t *Tracker) ApplyPollResult(onlineUserIDs []string, sampledAt time.Time) {
	sampled := sampledAt.UnixMilli()
	online := make(map[string]bool, len(onlineUserIDs))
	for _, id := range onlineUserIDs {
		online[id] = true
	}

	t.mu.Lock()
	var changed []store.PresenceRecord
	for id := range online {
		if rec, ok := t.records[id]; ok && rec.FromPush && rec.UpdatedAt > sampled {
			continue
		}
		if rec := t.setLocked(id, true, sampled, false); rec != nil {
			changed = append(changed, *rec)
		}
	}
	for id, rec := range t.records {
		if !rec.IsOnline || online[id] {
			continue
		}
		if rec.FromPush && rec.UpdatedAt > sampled {
			continue
		}
		if r := t.setLocked(id, false, sampled, false); r != nil {
			changed = append(changed, *r)
		}
	}
	t.mu.Unlock()

	t.flush(changed)
}

// Get returns one user's record, or false if never observed.
func (t *Tracker) Get(userID string) (store.PresenceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[userID]; ok {
		return *rec, true
	}
	return store.PresenceRecord{}, false
}

// Snapshot returns a copy of the whole presence table.
func (t *Tracker) Snapshot() []store.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]store.PresenceRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	return out
}

// PushSeen reports whether any push presence event has arrived this
// session. The poller reads it to pick its cadence.
func (t *Tracker) PushSeen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pushSeen
}

// setLocked writes one observation and returns the record if the online
// state actually changed (nil for pure refreshes, which are persisted but
// not announced).
func (t *Tracker) setLocked(userID string, isOnline bool, at int64, fromPush bool) *store.PresenceRecord {
	rec, ok := t.records[userID]
	if !ok {
		rec = &store.PresenceRecord{UserID: userID}
		t.records[userID] = rec
	}
	transitioned := !ok || rec.IsOnline != isOnline

	if rec.IsOnline && !isOnline {
		rec.LastSeenAt = at
	}
	rec.IsOnline = isOnline
	rec.UpdatedAt = at
	rec.FromPush = fromPush

	if transitioned {
		return rec
	}
	return nil
}

func (t *Tracker) flush(changed []store.PresenceRecord) {
	for i := range changed {
		rec := changed[i]
		if t.db != nil {
			if err := t.db.UpsertPresence(&rec); err != nil {
				t.logger.Error("persist presence", zap.Error(err), zap.String("user", rec.UserID))
			}
		}
		t.bus.Publish(bus.Event{
			Kind:      bus.KindPresenceUpdated,
			Timestamp: t.now(),
			Payload:   rec,
		})
	}
}
