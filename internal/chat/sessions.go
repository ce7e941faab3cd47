package chat

import (
	"context"
	"sync"

	"github.com/punypage/punypage/internal/model"
)

// Client is the server-side agent session of one chat session. It outlives
// WebSocket connections so a reconnecting client resumes the same
// conversation.
type Client struct {
	SessionID string

	mu           sync.Mutex
	userID       string
	sdkSessionID string
	cancel       context.CancelFunc
}

// claim records the owning user on first use and reports whether userID
// owns the client.
func (c *Client) claim(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID == "" {
		c.userID = userID
	}
	return c.userID == userID
}

func (c *Client) owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) SDKSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sdkSessionID
}

func (c *Client) SetSDKSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sdkSessionID = id
}

// Running reports whether a turn is in flight.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// beginTurn derives the turn context. Only one turn runs per client.
func (c *Client) beginTurn(parent context.Context) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil, nil, &model.ConflictError{Message: "a chat turn is already running in this session"}
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	end := func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
	}
	return ctx, end, nil
}

func (c *Client) interrupt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// SessionManager owns the Clients, keyed by session id.
type SessionManager struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func NewSessionManager() *SessionManager {
	return &SessionManager{clients: make(map[string]*Client)}
}

// GetOrCreate is idempotent: an existing client is returned with
// created=false, and its SDK session id is filled in only when unset.
func (m *SessionManager) GetOrCreate(sessionID, sdkSessionID string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[sessionID]; ok {
		if sdkSessionID != "" && c.SDKSessionID() == "" {
			c.SetSDKSessionID(sdkSessionID)
		}
		return c, false
	}
	c := &Client{SessionID: sessionID, sdkSessionID: sdkSessionID}
	m.clients[sessionID] = c
	return c, true
}

func (m *SessionManager) Get(sessionID string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[sessionID]
	return c, ok
}

// Remove drops the client, interrupting its turn if one is running.
func (m *SessionManager) Remove(sessionID string) {
	m.mu.Lock()
	c, ok := m.clients[sessionID]
	delete(m.clients, sessionID)
	m.mu.Unlock()
	if ok {
		c.interrupt()
	}
}

// Find looks a client up by chat session id, then by SDK session id.
func (m *SessionManager) Find(id string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[id]; ok {
		return c, true
	}
	for _, c := range m.clients {
		if c.SDKSessionID() == id {
			return c, true
		}
	}
	return nil, false
}

// Interrupt cancels the running turn of the session. id may be a chat
// session id or an SDK session id. Unknown sessions and idle sessions are a
// NotFoundError.
func (m *SessionManager) Interrupt(id string) error {
	c, ok := m.Find(id)
	if !ok || !c.interrupt() {
		return &model.NotFoundError{Resource: "active chat turn", ID: id}
	}
	return nil
}

// ActiveTurns counts clients with a turn in flight.
func (m *SessionManager) ActiveTurns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.clients {
		if c.Running() {
			n++
		}
	}
	return n
}
