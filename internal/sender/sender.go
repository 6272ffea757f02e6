// Package sender drives the outbound message flow and the pull-based
// server fetches: optimistic submit with HTTP confirmation, history
// pages, and the user directory refresh.
package sender

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/duetchat/duet/internal/bus"
	"github.com/duetchat/duet/internal/convindex"
	"github.com/duetchat/duet/internal/errs"
	"github.com/duetchat/duet/internal/httpapi"
	"github.com/duetchat/duet/internal/reconcile"
	"github.com/duetchat/duet/internal/session"
	"github.com/duetchat/duet/internal/wire"
)

// Poster is the server REST surface the sender needs. Satisfied by
// httpapi.Client.
type Poster interface {
	SendMessage(ctx context.Context, from, to, content string) (*httpapi.SendResult, error)
	GetMessages(ctx context.Context, counterparty string, page, limit int) ([]wire.InboundMessage, error)
	Users(ctx context.Context) ([]httpapi.User, error)
}

// FrameSender is the socket fast path. Satisfied by transport.Manager.
type FrameSender interface {
	Send(frame []byte) error
}

// Ack is the payload of message.send_ack events.
type Ack struct {
	ConversationID string
	TempID         string
	MsgID          string
}

// Failure is the payload of message.send_failed events.
type Failure struct {
	ConversationID string
	TempID         string
	Reason         string
}

type Sender struct {
	poster     Poster
	frames     FrameSender
	reconciler *reconcile.Reconciler
	index      *convindex.Index
	sess       session.Session
	bus        *bus.Bus
	logger     *zap.Logger
}

func New(poster Poster, frames FrameSender, r *reconcile.Reconciler, ix *convindex.Index, sess session.Session, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		poster:     poster,
		frames:     frames,
		reconciler: r,
		index:      ix,
		sess:       sess,
		bus:        b,
		logger:     logger,
	}
}

// SubmitText sends one message to counterparty. The optimistic entry is
// visible before any network traffic; the socket copy is fired best
// effort, and the HTTP response is the authoritative confirmation. The
// temp id is returned in both outcomes so callers can track the entry.
func (s *Sender) SubmitText(ctx context.Context, to, content string) (string, error) {
	tempID := s.reconciler.AppendOptimistic(to, content)
	s.index.OnInboundMessage(to, content, time.Now().UnixMilli(), true)

	if s.frames != nil {
		frame := wire.EncodeSend(wire.OutboundMessage{
			To:        to,
			From:      s.sess.UserID,
			Message:   content,
			MessageID: tempID,
		})
		if err := s.frames.Send(frame); err != nil {
			s.logger.Debug("socket fast path unavailable", zap.Error(err))
		}
	}

	result, err := s.poster.SendMessage(ctx, s.sess.UserID, to, content)
	if err != nil {
		if markErr := s.reconciler.MarkFailed(tempID); markErr != nil {
			s.logger.Error("marking send failed", zap.Error(markErr), zap.String("temp_id", tempID))
		}
		s.publish(bus.KindMessageSendFailed, Failure{ConversationID: to, TempID: tempID, Reason: err.Error()})
		if errs.IsAuth(err) {
			s.logger.Error("send rejected by auth", zap.String("to", to))
		}
		return tempID, err
	}

	if err := s.reconciler.ConfirmSent(tempID, result.ID); err != nil {
		s.logger.Warn("confirm after send", zap.Error(err), zap.String("temp_id", tempID))
	}
	s.publish(bus.KindMessageSendAck, Ack{ConversationID: to, TempID: tempID, MsgID: result.ID})
	return tempID, nil
}

// LoadHistory pulls one history page for counterparty and reconciles it
// into the log. Entries already present are upgraded, never duplicated.
// Returns the number of rows the server sent.
func (s *Sender) LoadHistory(ctx context.Context, counterparty string, page, limit int) (int, error) {
	msgs, err := s.poster.GetMessages(ctx, counterparty, page, limit)
	if err != nil {
		return 0, err
	}
	for i := range msgs {
		m := msgs[i]
		if err := s.reconciler.IngestRemote(m.ToStoreMessage(counterparty)); err != nil {
			s.logger.Warn("ingest history row", zap.Error(err), zap.String("id", m.ID))
		}
	}
	return len(msgs), nil
}

// RefreshDirectory pulls the user directory and tracks a conversation
// shell for every user except ourselves, so the conversation list is
// complete before any message flows.
func (s *Sender) RefreshDirectory(ctx context.Context) (int, error) {
	users, err := s.poster.Users(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, u := range users {
		id := u.Username
		if id == "" {
			id = u.ID
		}
		if id == "" || id == s.sess.UserID {
			continue
		}
		s.index.Track(id, u.DisplayName())
		n++
	}
	return n, nil
}

func (s *Sender) publish(kind string, payload any) {
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Refresher re-pulls the directory on a fixed interval to pick up users
// who registered after startup.
type Refresher struct {
	sender   *Sender
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRefresher(s *Sender, interval time.Duration, logger *zap.Logger) *Refresher {
	return &Refresher{sender: s, interval: interval, logger: logger}
}

func (r *Refresher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if _, err := r.sender.RefreshDirectory(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("directory refresh failed", zap.Error(err))
			}
		}
	}()
}

func (r *Refresher) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
}
