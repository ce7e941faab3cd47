// Package chat runs agent turns for chat sessions and fans their output out
// to SSE streams and WebSocket rooms.
package chat

import "encoding/json"

// Frame types sent to clients.
const (
	FrameJoined          = "joined"
	FrameSDKSessionID    = "sdk_session_id"
	FrameMessage         = "message"
	FrameToolUse         = "tool_use"
	FrameToolResult      = "tool_result"
	FrameCacheInvalidate = "cache_invalidate"
	FrameDone            = "done"
	FrameError           = "error"
)

// Frame is one server-to-client event. Only the fields of its Type are set.
type Frame struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"room_id,omitempty"`
	SDKSessionID string          `json:"sdk_session_id,omitempty"`
	Role         string          `json:"role,omitempty"`
	Content      string          `json:"content,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	IsError      *bool           `json:"is_error,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// ClientFrame is one client-to-server message on the WebSocket.
type ClientFrame struct {
	Type         string `json:"type"`
	RoomID       string `json:"room_id,omitempty"`
	SDKSessionID string `json:"sdk_session_id,omitempty"`
	Content      string `json:"content,omitempty"`
}

// Sink receives the frames of a turn in order.
type Sink func(Frame)
