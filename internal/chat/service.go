package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/agent"
	"github.com/punypage/punypage/internal/doctree"
	"github.com/punypage/punypage/internal/logging"
	"github.com/punypage/punypage/internal/model"
	"github.com/punypage/punypage/internal/observability"
	"github.com/punypage/punypage/internal/tiptap"
)

// Transports label turns in metrics and logs.
const (
	TransportSSE = "sse"
	TransportWS  = "ws"
)

type TurnRunner interface {
	Run(ctx context.Context, req agent.Request, emit func(agent.Event)) (*agent.Result, error)
}

type DocumentReader interface {
	Get(ctx context.Context, userID, id string) (*model.Document, error)
}

// Store persists chat sessions and messages.
type Store interface {
	GetOrCreateSession(ctx context.Context, userID, documentID string) (*model.ChatSession, bool, error)
	GetSession(ctx context.Context, userID, sessionID string) (*model.ChatSession, error)
	SetSDKSessionID(ctx context.Context, sessionID, sdkSessionID string) error
	AppendMessage(ctx context.Context, sessionID, role, content string, messageUUID *string) (*model.ChatMessage, error)
	ListMessages(ctx context.Context, sessionID string) ([]model.ChatMessage, error)
}

type Deps struct {
	Store    Store
	Docs     DocumentReader
	Runner   TurnRunner
	Cache    ContextCache
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Sessions *SessionManager
	Hub      *Hub
}

// Service orchestrates chat turns: it resolves the chat session, prepends the
// open document when it changed since it was last sent, runs the agent,
// persists both sides of the conversation and emits frames.
type Service struct {
	store    Store
	docs     DocumentReader
	runner   TurnRunner
	cache    ContextCache
	sessions *SessionManager
	hub      *Hub
	logger   *zap.Logger
	metrics  *observability.Metrics

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(d Deps) *Service {
	s := &Service{
		store:    d.Store,
		docs:     d.Docs,
		runner:   d.Runner,
		cache:    d.Cache,
		sessions: d.Sessions,
		hub:      d.Hub,
		logger:   logging.OrNop(d.Logger).Named("chat"),
		metrics:  d.Metrics,
	}
	if s.cache == nil {
		s.cache = NewMemoryContextCache()
	}
	if s.sessions == nil {
		s.sessions = NewSessionManager()
	}
	if s.hub == nil {
		s.hub = NewHub()
	}
	s.baseCtx, s.stop = context.WithCancel(context.Background())
	return s
}

func (s *Service) Sessions() *SessionManager { return s.sessions }
func (s *Service) Hub() *Hub                 { return s.hub }

type TurnRequest struct {
	UserID string
	// ChatSessionID or DocumentID select the persisted chat session; both
	// may be empty for an ad-hoc conversation keyed by SDKSessionID only.
	ChatSessionID string
	DocumentID    string
	SDKSessionID  string
	Message       string
	Transport     string
}

type TurnResult struct {
	ChatSessionID string
	SDKSessionID  string
	NewSession    bool
	Interrupted   bool
}

type turn struct {
	req        TurnRequest
	session    *model.ChatSession
	client     *Client
	sdkID      string
	newSession bool
	message    string
	hash       string
	ctx        context.Context
	end        func()
}

// Turn runs one turn synchronously on ctx, emitting frames to sink. The last
// frame is always done or error.
func (s *Service) Turn(ctx context.Context, req TurnRequest, sink Sink) (*TurnResult, error) {
	p, err := s.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.Run(sink)
}

// PreparedTurn holds the session's turn slot until Run is called. Run must be
// called exactly once.
type PreparedTurn struct {
	svc *Service
	t   *turn
}

// Prepare resolves the session and claims its turn slot without running the
// agent, so callers can report lookup and conflict errors before streaming.
func (s *Service) Prepare(ctx context.Context, req TurnRequest) (*PreparedTurn, error) {
	t, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return &PreparedTurn{svc: s, t: t}, nil
}

// Run executes the turn, sending its frames to sink.
func (p *PreparedTurn) Run(sink Sink) (*TurnResult, error) {
	return p.svc.run(p.t, sink)
}

// StartTurn prepares the turn on the caller's goroutine, so conflicts and
// lookup errors are returned directly, then runs it in the background on the
// service's own context. Frames go to the room of the chat session, so a
// client that disconnects does not stop the turn.
func (s *Service) StartTurn(req TurnRequest) error {
	if req.ChatSessionID == "" {
		return &model.ValidationError{Field: "room_id", Message: "is required"}
	}
	t, err := s.prepare(s.baseCtx, req)
	if err != nil {
		return err
	}
	room := t.session.ID
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("chat turn panicked", zap.String("room_id", room), zap.Any("panic", p))
				s.hub.Publish(room, Frame{Type: FrameError, Error: "internal error"})
			}
		}()
		_, _ = s.run(t, func(f Frame) { s.hub.Publish(room, f) })
	}()
	return nil
}

func (s *Service) prepare(ctx context.Context, req TurnRequest) (*turn, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, &model.ValidationError{Field: "message", Message: "is required"}
	}
	t := &turn{req: req, message: req.Message}

	var err error
	switch {
	case req.ChatSessionID != "":
		t.session, err = s.store.GetSession(ctx, req.UserID, req.ChatSessionID)
	case req.DocumentID != "":
		t.session, _, err = s.store.GetOrCreateSession(ctx, req.UserID, req.DocumentID)
	}
	if err != nil {
		return nil, err
	}

	stored := ""
	if t.session != nil && t.session.SDKSessionID != nil {
		stored = *t.session.SDKSessionID
	}
	key := req.SDKSessionID
	if t.session != nil {
		key = t.session.ID
	}
	if key == "" {
		key = uuid.NewString()
		t.sdkID = key
		t.newSession = true
	}

	candidate := req.SDKSessionID
	if candidate == "" {
		candidate = stored
	}
	t.client, _ = s.sessions.GetOrCreate(key, candidate)
	if !t.client.claim(req.UserID) {
		return nil, &model.NotFoundError{Resource: "chat session", ID: key}
	}
	if t.sdkID == "" {
		t.sdkID = req.SDKSessionID
		if t.sdkID == "" {
			t.sdkID = t.client.SDKSessionID()
		}
		if t.sdkID == "" {
			t.sdkID = uuid.NewString()
			t.newSession = true
		}
	}

	if t.session != nil {
		if err := s.attachContext(ctx, t); err != nil {
			return nil, err
		}
	}

	t.ctx, t.end, err = t.client.beginTurn(ctx)
	if err != nil {
		return nil, err
	}
	if t.session != nil {
		s.hub.ResetRoom(t.session.ID)
	}
	return t, nil
}

// attachContext prepends the document to the message when the agent has not
// seen its current version in this session.
func (s *Service) attachContext(ctx context.Context, t *turn) error {
	doc, err := s.docs.Get(ctx, t.req.UserID, t.session.DocumentID)
	if err != nil {
		return err
	}
	decoded, err := tiptap.Decode(doc.Content)
	if err != nil {
		return fmt.Errorf("decode document %s: %w", doc.ID, err)
	}
	var content *string
	if !(decoded.IsMarkdown && isNullContent(doc.Content)) {
		md := decoded.AsMarkdown()
		content = &md
	}
	t.hash = doctree.HashDocument(content, doc.Title)

	previous, ok, err := s.cache.Get(ctx, t.session.ID)
	if err != nil {
		s.logger.Warn("context cache read failed", zap.String("session_id", t.session.ID), zap.Error(err))
		ok = false
	}
	if t.newSession || !ok || doctree.NeedsContext(previous, t.hash) {
		t.message = doctree.WithContext(t.req.Message, content, doc.Title)
	}
	return nil
}

func isNullContent(raw []byte) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

func (s *Service) run(t *turn, sink Sink) (*TurnResult, error) {
	defer t.end()
	start := time.Now()
	persistCtx := context.WithoutCancel(t.ctx)
	log := s.logger.With(zap.String("user_id", t.req.UserID), zap.String("sdk_session_id", t.sdkID))

	res := &TurnResult{SDKSessionID: t.sdkID, NewSession: t.newSession}
	if t.session != nil {
		res.ChatSessionID = t.session.ID
		if _, err := s.store.AppendMessage(persistCtx, t.session.ID, model.RoleUser, t.req.Message, nil); err != nil {
			log.Error("persist user message", zap.Error(err))
		}
	}

	emit := func(ev agent.Event) {
		switch ev.Type {
		case agent.EventText:
			sink(Frame{Type: FrameMessage, Role: model.RoleAssistant, Content: ev.Text})
		case agent.EventToolUse:
			sink(Frame{Type: FrameToolUse, ToolUseID: ev.ToolUseID, ToolName: ev.ToolName, Input: ev.Input})
		case agent.EventToolResult:
			isError := ev.IsError
			sink(Frame{Type: FrameToolResult, ToolUseID: ev.ToolUseID, ToolName: ev.ToolName, Content: ev.Content, IsError: &isError})
			if !isError && agent.IsMutation(ev.ToolName) {
				sink(Frame{Type: FrameCacheInvalidate, ToolName: ev.ToolName})
			}
		}
	}

	out, err := s.runner.Run(t.ctx, agent.Request{UserID: t.req.UserID, SDKSessionID: t.sdkID, Message: t.message}, emit)
	interrupted := err != nil && t.ctx.Err() != nil
	res.Interrupted = interrupted

	if out != nil && t.session != nil && out.Text != "" {
		if _, perr := s.store.AppendMessage(persistCtx, t.session.ID, model.RoleAssistant, out.Text, nil); perr != nil {
			log.Error("persist assistant message", zap.Error(perr))
		}
	}
	if out != nil {
		t.client.SetSDKSessionID(t.sdkID)
		if t.newSession && t.session != nil {
			if perr := s.store.SetSDKSessionID(persistCtx, t.session.ID, t.sdkID); perr != nil {
				log.Error("persist sdk session id", zap.Error(perr))
			}
		}
		if t.session != nil && t.hash != "" {
			if cerr := s.cache.Set(persistCtx, t.session.ID, t.hash); cerr != nil {
				log.Warn("context cache write failed", zap.Error(cerr))
			}
		}
		if t.newSession {
			sink(Frame{Type: FrameSDKSessionID, SDKSessionID: t.sdkID})
		}
	}

	status := "ok"
	switch {
	case interrupted:
		status = "interrupted"
		log.Info("chat turn interrupted")
		sink(Frame{Type: FrameDone, SDKSessionID: t.sdkID})
		err = nil
	case err != nil:
		status = "error"
		log.Error("chat turn failed", zap.Error(err))
		sink(Frame{Type: FrameError, Error: clientError(err)})
	default:
		sink(Frame{Type: FrameDone, SDKSessionID: t.sdkID})
	}
	s.metrics.ObserveTurn(t.req.Transport, status, time.Since(start))
	if err != nil {
		return res, err
	}
	return res, nil
}

// clientError hides internal details of unexpected failures.
func clientError(err error) string {
	var unavailable *model.UnavailableError
	if errors.As(err, &unavailable) {
		return unavailable.Error()
	}
	return "The assistant failed to respond. Please try again."
}

// Join checks the caller owns the room and returns its agent client.
func (s *Service) Join(ctx context.Context, userID, roomID, sdkSessionID string) (*Client, bool, error) {
	sess, err := s.store.GetSession(ctx, userID, roomID)
	if err != nil {
		return nil, false, err
	}
	if sdkSessionID == "" && sess.SDKSessionID != nil {
		sdkSessionID = *sess.SDKSessionID
	}
	client, created := s.sessions.GetOrCreate(sess.ID, sdkSessionID)
	client.claim(userID)
	return client, created, nil
}

// History returns the chat session of a document, creating it on first use,
// with its messages oldest first.
func (s *Service) History(ctx context.Context, userID, documentID string) (*model.ChatSession, []model.ChatMessage, error) {
	sess, _, err := s.store.GetOrCreateSession(ctx, userID, documentID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.store.ListMessages(ctx, sess.ID)
	if err != nil {
		return nil, nil, err
	}
	return sess, msgs, nil
}

// Interrupt cancels the running turn of one of the user's sessions.
func (s *Service) Interrupt(userID, id string) error {
	c, ok := s.sessions.Find(id)
	if !ok || c.owner() != userID {
		return &model.NotFoundError{Resource: "active chat turn", ID: id}
	}
	return s.sessions.Interrupt(c.SessionID)
}

// Shutdown cancels background turns and waits for them to finish.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
