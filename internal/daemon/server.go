package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/duetchat/duet/internal/convindex"
	"github.com/duetchat/duet/internal/errs"
	"github.com/duetchat/duet/internal/presence"
	"github.com/duetchat/duet/internal/reconcile"
	"github.com/duetchat/duet/internal/sender"
	"github.com/duetchat/duet/internal/session"
	"github.com/duetchat/duet/internal/status"
	"github.com/duetchat/duet/internal/transport"
)

// Server exposes the daemon's local API over the session's Unix domain
// socket. Clients on the same machine (a TUI, scripts) are the only
// consumers; there is no network exposure and no auth beyond socket
// permissions.
type Server struct {
	http       *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer builds the local API bound to the session socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	machine *status.Machine,
	ix *convindex.Index,
	rec *reconcile.Reconciler,
	snd *sender.Sender,
	tracker *presence.Tracker,
	tm *transport.Manager,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	h := &handlers{
		sessionName: p.SessionName,
		machine:     machine,
		index:       ix,
		reconciler:  rec,
		sender:      snd,
		tracker:     tracker,
		transport:   tm,
		logger:      logger,
	}
	h.register(router)

	return &Server{
		http:       &http.Server{Handler: router},
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("api server starting", zap.String("socket", s.socketPath))
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("api server stopping")
	_ = s.http.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}

type handlers struct {
	sessionName string
	machine     *status.Machine
	index       *convindex.Index
	reconciler  *reconcile.Reconciler
	sender      *sender.Sender
	tracker     *presence.Tracker
	transport   *transport.Manager
	logger      *zap.Logger
}

func (h *handlers) register(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.GET("/status", h.getStatus)
	v1.POST("/connect", h.postConnect)
	v1.POST("/disconnect", h.postDisconnect)
	v1.GET("/conversations", h.listConversations)
	v1.POST("/conversations/:id/open", h.openConversation)
	v1.POST("/conversations/close", h.closeConversation)
	v1.GET("/conversations/:id/messages", h.listMessages)
	v1.POST("/messages", h.postMessage)
	v1.GET("/presence", h.listPresence)
}

func (h *handlers) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session": h.sessionName,
		"state":   h.machine.Current(),
	})
}

func (h *handlers) postConnect(c *gin.Context) {
	h.transport.Connect()
	c.JSON(http.StatusAccepted, gin.H{"state": h.machine.Current()})
}

func (h *handlers) postDisconnect(c *gin.Context) {
	h.transport.Disconnect()
	c.JSON(http.StatusOK, gin.H{"state": h.machine.Current()})
}

func (h *handlers) listConversations(c *gin.Context) {
	entries := h.index.Sorted()
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"counterpartyId": e.CounterpartyID,
			"displayName":    e.DisplayName,
			"unreadCount":    e.UnreadCount,
			"lastMessageAt":  e.LastMessageAt,
			"preview":        e.LastMessagePreview,
			"isOnline":       e.IsOnline,
		})
	}
	c.JSON(http.StatusOK, gin.H{"active": h.index.Active(), "conversations": out})
}

// openConversation marks the conversation active, pulls the newest history
// page, and returns the reconciled log. The unread counter resets as a
// consequence of opening, not of reading.
func (h *handlers) openConversation(c *gin.Context) {
	id := c.Param("id")
	h.index.OpenConversation(id)

	if n, err := h.sender.LoadHistory(c.Request.Context(), id, 1, 50); err != nil {
		// Local log still serves; the client sees what we have.
		h.logger.Warn("history load on open failed", zap.Error(err), zap.String("conversation", id))
	} else {
		h.logger.Debug("history loaded", zap.String("conversation", id), zap.Int("rows", n))
	}

	c.JSON(http.StatusOK, gin.H{
		"conversationId": id,
		"messages":       h.reconciler.Snapshot(id),
	})
}

func (h *handlers) closeConversation(c *gin.Context) {
	h.index.CloseConversation()
	c.Status(http.StatusNoContent)
}

func (h *handlers) listMessages(c *gin.Context) {
	id := c.Param("id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	msgs := h.reconciler.Snapshot(id)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": id, "messages": msgs})
}

type postMessageRequest struct {
	To      string `json:"to" binding:"required"`
	Content string `json:"content" binding:"required"`
}

func (h *handlers) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tempID, err := h.sender.SubmitText(c.Request.Context(), req.To, req.Content)
	if err != nil {
		code := http.StatusBadGateway
		if errs.IsAuth(err) {
			code = http.StatusUnauthorized
		}
		c.JSON(code, gin.H{"error": err.Error(), "tempId": tempID})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tempId": tempID})
}

func (h *handlers) listPresence(c *gin.Context) {
	recs := h.tracker.Snapshot()
	out := make([]gin.H, 0, len(recs))
	for _, r := range recs {
		out = append(out, gin.H{
			"userId":     r.UserID,
			"isOnline":   r.IsOnline,
			"lastSeenAt": r.LastSeenAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}
