package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/chat"
	"github.com/punypage/punypage/internal/logging"
	"github.com/punypage/punypage/internal/middleware"
	"github.com/punypage/punypage/internal/model"
	"github.com/punypage/punypage/internal/observability"
)

const (
	MaxMessageLength = 50000

	sseKeepalive = 15 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsWriteWait  = 10 * time.Second
	wsReadLimit  = 4*MaxMessageLength + 1024
)

type ChatHandler struct {
	svc       *chat.Service
	limiter   *middleware.RateLimiter
	upgrader  websocket.Upgrader
	logger    *zap.Logger
	metrics   *observability.Metrics
	keepalive time.Duration
}

// NewChatHandler accepts WebSocket upgrades from allowedOrigin, or from any
// origin when it is empty.
func NewChatHandler(svc *chat.Service, limiter *middleware.RateLimiter, allowedOrigin string, logger *zap.Logger, metrics *observability.Metrics) *ChatHandler {
	return &ChatHandler{
		svc:     svc,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigin == "" || origin == allowedOrigin
			},
		},
		logger:    logging.OrNop(logger).Named("chat.http"),
		metrics:   metrics,
		keepalive: sseKeepalive,
	}
}

type streamQuery struct {
	Message      string `json:"message" validate:"required,max=50000"`
	SDKSessionID string `json:"sdkSessionId" validate:"omitempty,uuid"`
	DocumentID   string `json:"documentId"`
}

// sseWriter serializes SSE output between the turn and the keepalive ticker.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// start commits the event-stream headers.
func (s *sseWriter) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

func (s *sseWriter) event(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data)
	s.flusher.Flush()
}

func (s *sseWriter) comment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, ":%s\n\n", text)
	s.flusher.Flush()
}

// sseEvent maps a chat frame to its SSE event name and payload. Frames with
// no SSE form return false.
func sseEvent(f chat.Frame) (string, any, bool) {
	switch f.Type {
	case chat.FrameMessage:
		return "message", map[string]string{"role": f.Role, "content": f.Content}, true
	case chat.FrameDone:
		return "done", map[string]string{"sdkSessionId": f.SDKSessionID}, true
	case chat.FrameError:
		return "error", map[string]string{"error": f.Error}, true
	case chat.FrameToolUse, chat.FrameToolResult, chat.FrameCacheInvalidate:
		return f.Type, f, true
	}
	return "", nil, false
}

// Stream handles GET /api/chat/stream?message=&sdkSessionId=&documentId=
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	params := streamQuery{
		Message:      q.Get("message"),
		SDKSessionID: q.Get("sdkSessionId"),
		DocumentID:   q.Get("documentId"),
	}
	if err := validateStruct(&params); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if strings.TrimSpace(params.Message) == "" {
		writeError(w, http.StatusBadRequest, "E_VALIDATION", "message: is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "E_INTERNAL", "streaming not supported")
		return
	}

	// Lookup, ownership and conflict errors are reported as JSON before the
	// stream is committed.
	turn, err := h.svc.Prepare(r.Context(), chat.TurnRequest{
		UserID:       user.UserID,
		DocumentID:   params.DocumentID,
		SDKSessionID: params.SDKSessionID,
		Message:      params.Message,
		Transport:    chat.TransportSSE,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	out := &sseWriter{w: w, flusher: flusher}
	out.start()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(h.keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				out.comment("keepalive")
			}
		}
	}()

	// Turn failures arrive as error events.
	_, _ = turn.Run(func(f chat.Frame) {
		if name, payload, ok := sseEvent(f); ok {
			out.event(name, payload)
		}
	})
	close(done)
	wg.Wait()
}

// Interrupt handles POST /api/chat/interrupt
func (h *ChatHandler) Interrupt(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req struct {
		SessionID string `json:"session_id" validate:"required"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if err := h.svc.Interrupt(user.UserID, req.SessionID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interrupted": true, "session_id": req.SessionID})
}

// Session handles GET /api/chat/sessions/{documentID}
func (h *ChatHandler) Session(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	sess, msgs, err := h.svc.History(r.Context(), user.UserID, chi.URLParam(r, "documentID"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "messages": msgs})
}

// wsConn is one WebSocket connection. Writes come from the read loop and
// from the room forwarder, so they share a mutex.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  *zap.Logger

	room        string
	unsubscribe func()
	forwarders  sync.WaitGroup
}

func (c *wsConn) send(f chat.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteJSON(f); err != nil {
		c.logger.Debug("websocket write failed", zap.Error(err))
		return err
	}
	return nil
}

func (c *wsConn) sendError(msg string) {
	_ = c.send(chat.Frame{Type: chat.FrameError, Error: msg})
}

func (c *wsConn) leave() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.room = ""
}

// WebSocket handles GET /api/chat/ws
func (h *ChatHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.metrics.SocketOpened()
	defer h.metrics.SocketClosed()

	c := &wsConn{conn: conn, logger: h.logger.With(zap.String("user_id", user.UserID))}
	done := make(chan struct{})
	var pinger sync.WaitGroup
	defer func() {
		c.leave()
		close(done)
		pinger.Wait()
		c.forwarders.Wait()
		_ = conn.Close()
		c.logger.Debug("websocket closed")
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	pinger.Add(1)
	go func() {
		defer pinger.Done()
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		var frame chat.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("invalid frame")
			continue
		}
		h.handleFrame(r, user, c, frame)
	}
}

func (h *ChatHandler) handleFrame(r *http.Request, user *model.AuthUser, c *wsConn, frame chat.ClientFrame) {
	switch frame.Type {
	case "join":
		if frame.RoomID == "" {
			c.sendError("room_id is required")
			return
		}
		if _, _, err := h.svc.Join(r.Context(), user.UserID, frame.RoomID, frame.SDKSessionID); err != nil {
			c.sendError(wsErrorMessage(err))
			return
		}
		c.leave()
		frames, cancel := h.svc.Hub().Subscribe(frame.RoomID, true)
		c.room, c.unsubscribe = frame.RoomID, cancel
		if err := c.send(chat.Frame{Type: chat.FrameJoined, RoomID: frame.RoomID}); err != nil {
			return
		}
		c.forwarders.Add(1)
		go func() {
			defer c.forwarders.Done()
			for f := range frames {
				if err := c.send(f); err != nil {
					// Drain until unsubscribed so the hub never blocks on us.
					for range frames {
					}
					return
				}
			}
		}()

	case "message":
		if c.room == "" {
			c.sendError("join a room before sending messages")
			return
		}
		n := utf8.RuneCountInString(frame.Content)
		if strings.TrimSpace(frame.Content) == "" || n > MaxMessageLength {
			c.sendError(fmt.Sprintf("message must be 1 to %d characters", MaxMessageLength))
			return
		}
		if !h.limiter.Allow(user.UserID) {
			c.sendError("rate limit exceeded, try again in a minute")
			return
		}
		err := h.svc.StartTurn(chat.TurnRequest{
			UserID:        user.UserID,
			ChatSessionID: c.room,
			SDKSessionID:  frame.SDKSessionID,
			Message:       frame.Content,
			Transport:     chat.TransportWS,
		})
		if err != nil {
			c.sendError(wsErrorMessage(err))
		}

	case "interrupt":
		if c.room == "" {
			c.sendError("join a room before interrupting")
			return
		}
		if err := h.svc.Interrupt(user.UserID, c.room); err != nil {
			c.sendError(wsErrorMessage(err))
		}

	case "leave":
		c.leave()

	default:
		c.sendError("unknown frame type: " + frame.Type)
	}
}

func wsErrorMessage(err error) string {
	var (
		notFound    *model.NotFoundError
		invalid     *model.ValidationError
		conflict    *model.ConflictError
		unavailable *model.UnavailableError
	)
	switch {
	case errors.As(err, &notFound):
		return notFound.Error()
	case errors.As(err, &invalid):
		return invalid.Error()
	case errors.As(err, &conflict):
		return conflict.Error()
	case errors.As(err, &unavailable):
		return unavailable.Error()
	}
	return "internal error"
}
