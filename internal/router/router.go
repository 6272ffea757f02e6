// Package router fans decoded push events out to the components that
// consume them: inbound messages to the reconciler and conversation
// index, presence events to the tracker. Classification against the
// active conversation happens at delivery time, under the index's own
// view of what is open right now.
package router

import (
	"go.uber.org/zap"

	"github.com/duetchat/duet/internal/bus"
	"github.com/duetchat/duet/internal/convindex"
	"github.com/duetchat/duet/internal/presence"
	"github.com/duetchat/duet/internal/reconcile"
	"github.com/duetchat/duet/internal/session"
	"github.com/duetchat/duet/internal/store"
	"github.com/duetchat/duet/internal/wire"
)

type Router struct {
	bus        *bus.Bus
	sess       *session.Session
	reconciler *reconcile.Reconciler
	index      *convindex.Index
	tracker    *presence.Tracker
	logger     *zap.Logger

	quit chan struct{}
	done chan struct{}
}

func New(b *bus.Bus, sess *session.Session, r *reconcile.Reconciler, ix *convindex.Index, tr *presence.Tracker, logger *zap.Logger) *Router {
	return &Router{
		bus:        b,
		sess:       sess,
		reconciler: r,
		index:      ix,
		tracker:    tr,
		logger:     logger,
	}
}

// Start subscribes to push events and the tracker's presence updates and
// dispatches until Stop.
func (rt *Router) Start() {
	pushCh, cancelPush := rt.bus.Subscribe("push.", 256)
	presCh, cancelPres := rt.bus.Subscribe(bus.KindPresenceUpdated, 256)
	rt.quit = make(chan struct{})
	rt.done = make(chan struct{})

	go func() {
		defer close(rt.done)
		defer cancelPush()
		defer cancelPres()
		for {
			select {
			case <-rt.quit:
				return
			case evt := <-pushCh:
				rt.dispatchPush(evt)
			case evt := <-presCh:
				if rec, ok := evt.Payload.(store.PresenceRecord); ok {
					rt.index.SetOnline(rec.UserID, rec.IsOnline)
				}
			}
		}
	}()
}

func (rt *Router) Stop() {
	if rt.quit == nil {
		return
	}
	close(rt.quit)
	<-rt.done
	rt.quit = nil
}

func (rt *Router) dispatchPush(evt bus.Event) {
	switch evt.Kind {
	case bus.KindPushMessage:
		msg, ok := evt.Payload.(*wire.InboundMessage)
		if !ok {
			return
		}
		rt.HandleMessage(msg)

	case bus.KindPushPresenceSnapshot:
		if online, ok := evt.Payload.([]string); ok {
			rt.tracker.ApplySnapshot(online)
		}

	case bus.KindPushPresenceDelta:
		if d, ok := evt.Payload.(*wire.PresenceDelta); ok {
			rt.tracker.ApplyDelta(d.UserID, d.IsOnline)
		}
	}
}

// HandleMessage reconciles one pushed message and updates the
// conversation it belongs to. An echo of our own send never counts as
// unread; for everyone else the active conversation is the one open at
// this instant, not at frame-arrival time.
func (rt *Router) HandleMessage(msg *wire.InboundMessage) {
	ownEcho := msg.From == rt.sess.UserID
	counterparty := msg.From
	if ownEcho {
		counterparty = msg.To
	}
	if counterparty == "" {
		rt.logger.Warn("pushed message with no counterparty",
			zap.String("from", msg.From), zap.String("id", msg.ID))
		return
	}

	if err := rt.reconciler.IngestRemote(msg.ToStoreMessage(counterparty)); err != nil {
		rt.logger.Error("ingest pushed message", zap.Error(err), zap.String("id", msg.ID))
	}

	if !ownEcho && msg.SenderName != "" {
		rt.index.Track(counterparty, msg.SenderName)
	}
	suppress := ownEcho || rt.index.Active() == counterparty
	rt.index.OnInboundMessage(counterparty, msg.Content, msg.Timestamp, suppress)
}
