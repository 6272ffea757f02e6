// Package transport owns the push connection: dialing, the auth
// handshake, the reader that turns frames into bus events, and the
// reconnect schedule. The rest of the daemon sees only bus events and
// the state machine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/duetchat/duet/internal/bus"
	"github.com/duetchat/duet/internal/config"
	"github.com/duetchat/duet/internal/errs"
	"github.com/duetchat/duet/internal/session"
	"github.com/duetchat/duet/internal/status"
	"github.com/duetchat/duet/internal/wire"
)

// Conn is one live socket. Satisfied by the coder/websocket adapter in
// production and by fakes in tests.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a Conn to the push endpoint.
type DialFunc func(ctx context.Context, socketURL string) (Conn, error)

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, reason)
}

func defaultDial(ctx context.Context, socketURL string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, socketURL, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: conn}, nil
}

// Manager drives the connection lifecycle. One backoff timer exists at a
// time; Connect and Disconnect invalidate it along with any reader from a
// previous connection via the generation counter.
type Manager struct {
	cfg     *config.Config
	sess    session.Session
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	dial    DialFunc

	mu              sync.Mutex
	gen             uint64
	conn            Conn
	readCancel      context.CancelFunc
	queue           [][]byte
	retries         int
	backoff         time.Duration
	timer           *time.Timer
	unreachableSent bool

	jitter func(max int64) int64
}

func New(cfg *config.Config, sess session.Session, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		sess:    sess,
		machine: machine,
		bus:     b,
		logger:  logger,
		dial:    defaultDial,
		jitter:  rand.Int63n,
	}
}

// Connect starts (or restarts) the connection attempt cycle with a fresh
// retry budget. Calling it while already connected or mid-attempt is a
// no-op.
func (m *Manager) Connect() {
	m.mu.Lock()
	switch m.machine.Current() {
	case status.Connecting, status.Authenticating, status.Connected:
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.gen++
	gen := m.gen
	m.retries = 0
	m.backoff = m.cfg.Sync.BackoffBase()
	m.unreachableSent = false
	m.mu.Unlock()

	go m.attempt(gen)
}

// Disconnect tears down the connection, cancels any pending retry, and
// settles in Disconnected. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopTimerLocked()
	m.closeConnLocked(websocket.StatusNormalClosure, "client disconnect")
	m.mu.Unlock()

	if m.machine.Current() != status.Disconnected {
		m.transition(status.Disconnected)
		m.publish(bus.KindConnDisconnected, nil)
	}
}

// Send writes one outbound frame if connected, or queues it for delivery
// on the next successful connection. Queued frames flush in submission
// order.
func (m *Manager) Send(frame []byte) error {
	m.mu.Lock()
	conn := m.conn
	if conn == nil || m.machine.Current() != status.Connected {
		if len(m.queue) >= m.cfg.Sync.SendQueueSize {
			m.mu.Unlock()
			return fmt.Errorf("%w: send queue full", errs.ErrTransport)
		}
		m.queue = append(m.queue, frame)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Sync.RequestTimeout())
	defer cancel()
	if err := conn.Write(ctx, frame); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransport, err)
	}
	return nil
}

// attempt runs one connect+auth cycle. It bails silently if gen is stale,
// meaning Connect or Disconnect superseded this attempt.
func (m *Manager) attempt(gen uint64) {
	if !m.current(gen) {
		return
	}
	if err := m.transition(status.Connecting); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Sync.ConnectTimeout())
	defer cancel()

	conn, err := m.dial(ctx, m.cfg.Server.SocketURL)
	if err != nil {
		m.logger.Warn("dial failed", zap.Error(err))
		m.transition(status.Disconnected)
		m.scheduleRetry(gen)
		return
	}

	if err := m.transition(status.Authenticating); err != nil {
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}

	if err := m.authenticate(ctx, conn); err != nil {
		if errors.Is(err, errs.ErrAuth) {
			// Credential rejection is terminal. No retry until the
			// operator fixes the token and reconnects explicitly.
			conn.Close(websocket.StatusNormalClosure, "auth rejected")
			m.transition(status.Errored)
			m.publish(bus.KindConnAuthFailed, err.Error())
			return
		}
		conn.Close(websocket.StatusInternalError, "auth handshake failed")
		m.logger.Warn("auth handshake failed", zap.Error(err))
		m.transition(status.Disconnected)
		m.scheduleRetry(gen)
		return
	}

	// Register for push routing. Once per connection.
	if err := conn.Write(ctx, wire.EncodeJoin(m.sess.UserID)); err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		m.logger.Warn("join failed", zap.Error(err))
		m.transition(status.Disconnected)
		m.scheduleRetry(gen)
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	m.conn = conn
	m.retries = 0
	m.backoff = m.cfg.Sync.BackoffBase()
	queued := m.queue
	m.queue = nil
	readCtx, readCancel := context.WithCancel(context.Background())
	m.readCancel = readCancel
	m.mu.Unlock()

	if err := m.transition(status.Connected); err != nil {
		readCancel()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	m.publish(bus.KindConnConnected, nil)
	m.logger.Info("connected", zap.Int("queued_frames", len(queued)))

	for i, frame := range queued {
		if err := conn.Write(readCtx, frame); err != nil {
			m.logger.Warn("flushing queued frame", zap.Error(err))
			m.requeue(gen, queued[i:])
			break
		}
	}

	go m.readLoop(gen, conn, readCtx)
}

// requeue restores the unsent remainder of a failed flush to the head of
// the queue so the next successful connection retries it in order. Frames
// queued since the flush started stay behind it.
func (m *Manager) requeue(gen uint64, frames [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	m.queue = append(append([][]byte{}, frames...), m.queue...)
}

// authenticate sends the auth frame and reads until the server accepts or
// rejects it. Non-auth frames arriving early (presence snapshots) are
// forwarded rather than dropped.
func (m *Manager) authenticate(ctx context.Context, conn Conn) error {
	if err := conn.Write(ctx, wire.EncodeAuth(m.sess.Token)); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading auth response: %w", err)
		}
		evt, err := wire.Decode(data)
		if err != nil {
			continue
		}
		switch evt.Kind {
		case wire.KindAuthOK:
			return nil
		case wire.KindError:
			return fmt.Errorf("%w: %s", errs.ErrAuth, evt.ErrMsg)
		default:
			m.forward(evt)
		}
	}
}

// readLoop drains the connection, forwarding decoded frames onto the bus,
// until a read error ends the connection and triggers a retry cycle.
func (m *Manager) readLoop(gen uint64, conn Conn, ctx context.Context) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if !m.current(gen) || ctx.Err() != nil {
				return
			}
			m.logger.Warn("connection lost", zap.Error(err))
			m.mu.Lock()
			m.closeConnLocked(websocket.StatusInternalError, "read error")
			m.mu.Unlock()
			m.transition(status.Disconnected)
			m.publish(bus.KindConnDisconnected, nil)
			m.scheduleRetry(gen)
			return
		}
		evt, err := wire.Decode(data)
		if err != nil {
			if !errors.Is(err, wire.ErrUnhandled) {
				m.logger.Debug("undecodable frame", zap.Error(err))
			}
			continue
		}
		m.forward(evt)
	}
}

func (m *Manager) forward(evt wire.Event) {
	switch evt.Kind {
	case wire.KindMessage:
		m.publish(bus.KindPushMessage, evt.Message)
	case wire.KindPresenceSnapshot:
		m.publish(bus.KindPushPresenceSnapshot, evt.Online)
	case wire.KindPresenceDelta:
		m.publish(bus.KindPushPresenceDelta, evt.Delta)
	case wire.KindError:
		m.logger.Warn("server error frame", zap.String("message", evt.ErrMsg))
	}
}

// scheduleRetry arms the single backoff timer for the next attempt, or
// declares the server unreachable once the budget is spent.
func (m *Manager) scheduleRetry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	if m.retries >= m.cfg.Sync.MaxRetries {
		if !m.unreachableSent {
			m.unreachableSent = true
			m.publish(bus.KindConnUnreachable, nil)
			m.logger.Error("retry budget exhausted", zap.Int("attempts", m.retries))
		}
		return
	}
	m.retries++
	delay := m.backoff
	if half := int64(delay) / 2; half > 0 {
		delay += time.Duration(m.jitter(half))
	}
	m.backoff = min(m.backoff*2, m.cfg.Sync.BackoffMax())

	m.logger.Info("scheduling reconnect",
		zap.Int("attempt", m.retries),
		zap.Duration("delay", delay))
	m.stopTimerLocked()
	m.timer = time.AfterFunc(delay, func() {
		if m.current(gen) {
			m.attempt(gen)
		}
	})
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) closeConnLocked(code websocket.StatusCode, reason string) {
	if m.readCancel != nil {
		m.readCancel()
		m.readCancel = nil
	}
	if m.conn != nil {
		m.conn.Close(code, reason)
		m.conn = nil
	}
}

// transition moves the state machine, logging edges it refuses. A refused
// edge here always means a concurrent Connect/Disconnect won the race.
func (m *Manager) transition(to status.State) error {
	if err := m.machine.Transition(to); err != nil {
		m.logger.Debug("transition refused", zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) publish(kind string, payload any) {
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
