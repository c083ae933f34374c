package models

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// UserConnection represents a single WebSocket connection
type UserConnection struct {
	ConnID      string
	UserID      string // User ID from authentication
	WorkspaceID string
	Conn        *websocket.Conn
	CreatedAt   time.Time
	WriteChan   chan ServerMessage
	Mutex       sync.Mutex
	closed      bool // Track if connection is closed
}

// SafeSend sends a message to WriteChan safely, returning false if the channel is closed
func (uc *UserConnection) SafeSend(msg ServerMessage) bool {
	uc.Mutex.Lock()
	if uc.closed {
		uc.Mutex.Unlock()
		return false
	}
	uc.Mutex.Unlock()

	// Use defer/recover to handle panic from send on closed channel
	defer func() {
		if r := recover(); r != nil {
			// Channel was closed, mark connection as closed
			uc.Mutex.Lock()
			uc.closed = true
			uc.Mutex.Unlock()
		}
	}()

	uc.WriteChan <- msg
	return true
}

// MarkClosed marks the connection as closed
func (uc *UserConnection) MarkClosed() {
	uc.Mutex.Lock()
	uc.closed = true
	uc.Mutex.Unlock()
}

// IsClosed returns true if the connection has been marked as closed
func (uc *UserConnection) IsClosed() bool {
	uc.Mutex.Lock()
	defer uc.Mutex.Unlock()
	return uc.closed
}
