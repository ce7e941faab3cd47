package chat

import "sync"

const (
	roomBufferSize     = 500
	subscriberChanSize = 256
)

type subscriber struct {
	roomID string
	ch     chan Frame
}

// Hub distributes turn frames to the WebSocket connections joined to a room.
// It keeps the frames of each room's running turn so a client that joins or
// reconnects mid-turn catches up.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriber
	recent      map[string][]Frame
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string][]*subscriber),
		recent:      make(map[string][]Frame),
	}
}

// Publish appends the frame to the room buffer and sends it to every
// subscriber. Slow subscribers drop frames rather than block the turn. The
// buffer is dropped once the turn ends with done or error; a finished turn is
// already in the persisted history.
func (h *Hub) Publish(roomID string, f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if f.Type == FrameDone || f.Type == FrameError {
		delete(h.recent, roomID)
	} else {
		buf := append(h.recent[roomID], f)
		if len(buf) > roomBufferSize {
			buf = buf[len(buf)-roomBufferSize:]
		}
		h.recent[roomID] = buf
	}

	for _, sub := range h.subscribers[roomID] {
		select {
		case sub.ch <- f:
		default:
		}
	}
}

// ResetRoom clears the replay buffer; called when a new turn starts.
func (h *Hub) ResetRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.recent, roomID)
}

// Subscribe registers a connection for a room. With replay, frames of the
// running turn are queued first. The returned cancel closes the channel.
func (h *Hub) Subscribe(roomID string, replay bool) (<-chan Frame, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Frame, subscriberChanSize)
	sub := &subscriber{roomID: roomID, ch: ch}
	if replay {
		for _, f := range h.recent[roomID] {
			select {
			case ch <- f:
			default:
			}
		}
	}
	h.subscribers[roomID] = append(h.subscribers[roomID], sub)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs := h.subscribers[roomID]
			updated := subs[:0]
			for _, s := range subs {
				if s != sub {
					updated = append(updated, s)
				}
			}
			if len(updated) == 0 {
				delete(h.subscribers, roomID)
			} else {
				h.subscribers[roomID] = updated
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the number of connections joined to a room.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[roomID])
}

// buffered returns the number of replay frames held for a room.
func (h *Hub) buffered(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.recent[roomID])
}
