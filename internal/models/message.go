package models

import "encoding/json"

// ClientMessage represents a message from the client
type ClientMessage struct {
	Type string `json:"type"` // "node:set", "node:delete", "doc:init", "cursor:move", "chat:temp", "chat:clear", "user:info", "voice-join", "voice-leave", "offer", "answer", "ice", "voice-state", "gpt-start", "gpt-transcript", "gpt-stop", "meeting-minutes", or "ping"

	// Document operations
	NodeID string           `json:"nodeId,omitempty"`
	Node   *Node            `json:"node,omitempty"`
	Nodes  map[string]*Node `json:"nodes,omitempty"` // doc:init snapshot upload

	// Presence
	Cursor   *CursorState `json:"cursor,omitempty"`
	TempChat string       `json:"tempChat,omitempty"`
	User     *UserInfo    `json:"user,omitempty"`

	// Voice signaling
	TargetUserID string          `json:"targetUserId,omitempty"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
	VoiceState   *VoiceState     `json:"voiceState,omitempty"`

	// GPT session / meeting minutes
	Text      string `json:"text,omitempty"` // transcript text
	Timestamp int64  `json:"timestamp,omitempty"`
}

// CursorState is a client's ephemeral pointer position.
type CursorState struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// UserInfo is the per-connection user metadata shared with peers.
type UserInfo struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Color  string `json:"color,omitempty"`
}

// VoiceState carries the mute/speaking flags merged into a voice participant.
type VoiceState struct {
	Muted    *bool `json:"muted,omitempty"`
	Speaking *bool `json:"speaking,omitempty"`
}

// VoiceParticipant is one member of a workspace voice room.
type VoiceParticipant struct {
	UserID   string `json:"userId"`
	Name     string `json:"name,omitempty"`
	Muted    bool   `json:"muted"`
	Speaking bool   `json:"speaking"`
}

// Transcript is one spoken utterance collected during a GPT session.
type Transcript struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ServerMessage represents a message sent to the client
type ServerMessage struct {
	Type string `json:"type"` // "connected", "pong", "node-changed", "presence", "presence-left", "participants", "voice-joined", "voice-left", "voice-full", "offer", "answer", "ice", "voice-state", "peer-transcript", "gpt-recording-started", "gpt-chunk", "gpt-done", "gpt-error", "gpt-session-ended", "meeting-minutes-chunk", "meeting-minutes-done", "meeting-minutes-error", "analysis-complete", "ai-suggestion", "server-shutdown", "error"

	// Document change fan-out
	Change *ChangeEvent `json:"change,omitempty"`

	// Presence
	ConnID   string       `json:"connId,omitempty"`
	Cursor   *CursorState `json:"cursor,omitempty"`
	TempChat string       `json:"tempChat,omitempty"`
	User     *UserInfo    `json:"user,omitempty"`

	// Voice signaling
	FromUserID      string             `json:"fromUserId,omitempty"`
	UserID          string             `json:"userId,omitempty"`
	Participants    []VoiceParticipant `json:"participants,omitempty"`
	MaxParticipants int                `json:"maxParticipants,omitempty"`
	Offer           json.RawMessage    `json:"offer,omitempty"`
	Answer          json.RawMessage    `json:"answer,omitempty"`
	Candidate       json.RawMessage    `json:"candidate,omitempty"`
	VoiceState      *VoiceParticipant  `json:"voiceState,omitempty"`

	// GPT session / meeting minutes
	Transcript *Transcript     `json:"transcript,omitempty"`
	Content    string          `json:"content,omitempty"`
	Nodes      []SuggestedNode `json:"nodes,omitempty"`
	RawText    string          `json:"rawText,omitempty"`

	// Opaque worker payloads forwarded verbatim
	Payload json.RawMessage `json:"payload,omitempty"`

	// Errors
	ErrorCode    string `json:"code,omitempty"`
	ErrorMessage string `json:"error,omitempty"`
}
