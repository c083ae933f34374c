package services

import (
	"sync"

	"mindmesh/internal/models"
)

// presenceState is one connection's ephemeral awareness record.
type presenceState struct {
	Cursor   *models.CursorState
	TempChat string
	User     *models.UserInfo
}

// PresenceService holds per-workspace ephemeral awareness state: cursors,
// temp chat and user metadata keyed by connection id. State lives exactly
// as long as its connection.
type PresenceService struct {
	connManager *ConnectionManager

	mu     sync.Mutex
	states map[string]map[string]*presenceState // workspaceID -> connID -> state
}

// NewPresenceService creates the presence service.
func NewPresenceService(connManager *ConnectionManager) *PresenceService {
	return &PresenceService{
		connManager: connManager,
		states:      make(map[string]map[string]*presenceState),
	}
}

// SetCursor updates a connection's cursor and fans it out to peers.
func (s *PresenceService) SetCursor(conn *models.UserConnection, cursor *models.CursorState) {
	state := s.state(conn.WorkspaceID, conn.ConnID)
	s.mu.Lock()
	state.Cursor = cursor
	s.mu.Unlock()

	s.connManager.Broadcast(conn.WorkspaceID, models.ServerMessage{
		Type:   "presence",
		ConnID: conn.ConnID,
		Cursor: cursor,
		User:   s.userInfo(conn.WorkspaceID, conn.ConnID),
	}, conn.ConnID)
}

// SetTempChat updates the ephemeral chat bubble and fans it out.
func (s *PresenceService) SetTempChat(conn *models.UserConnection, text string) {
	state := s.state(conn.WorkspaceID, conn.ConnID)
	s.mu.Lock()
	state.TempChat = text
	s.mu.Unlock()

	s.connManager.Broadcast(conn.WorkspaceID, models.ServerMessage{
		Type:     "presence",
		ConnID:   conn.ConnID,
		TempChat: text,
		User:     s.userInfo(conn.WorkspaceID, conn.ConnID),
	}, conn.ConnID)
}

// ClearTempChat removes the chat bubble and fans the clear out.
func (s *PresenceService) ClearTempChat(conn *models.UserConnection) {
	s.SetTempChat(conn, "")
}

// SetUserInfo attaches user metadata to the connection and fans it out.
func (s *PresenceService) SetUserInfo(conn *models.UserConnection, user *models.UserInfo) {
	state := s.state(conn.WorkspaceID, conn.ConnID)
	s.mu.Lock()
	state.User = user
	s.mu.Unlock()

	s.connManager.Broadcast(conn.WorkspaceID, models.ServerMessage{
		Type:   "presence",
		ConnID: conn.ConnID,
		User:   user,
	}, conn.ConnID)
}

// Remove drops a connection's state and notifies the remaining peers.
func (s *PresenceService) Remove(conn *models.UserConnection) {
	s.mu.Lock()
	if ws, ok := s.states[conn.WorkspaceID]; ok {
		delete(ws, conn.ConnID)
		if len(ws) == 0 {
			delete(s.states, conn.WorkspaceID)
		}
	}
	s.mu.Unlock()

	s.connManager.Broadcast(conn.WorkspaceID, models.ServerMessage{
		Type:   "presence-left",
		ConnID: conn.ConnID,
	}, conn.ConnID)
}

// Snapshot returns the current states of a workspace for late joiners.
func (s *PresenceService) Snapshot(workspaceID string) []models.ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ServerMessage
	for connID, state := range s.states[workspaceID] {
		out = append(out, models.ServerMessage{
			Type:     "presence",
			ConnID:   connID,
			Cursor:   state.Cursor,
			TempChat: state.TempChat,
			User:     state.User,
		})
	}
	return out
}

// Stats returns presence record counts per workspace.
func (s *PresenceService) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[string]int, len(s.states))
	for workspaceID, ws := range s.states {
		stats[workspaceID] = len(ws)
	}
	return stats
}

func (s *PresenceService) state(workspaceID, connID string) *presenceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws := s.states[workspaceID]
	if ws == nil {
		ws = make(map[string]*presenceState)
		s.states[workspaceID] = ws
	}
	state := ws[connID]
	if state == nil {
		state = &presenceState{}
		ws[connID] = state
	}
	return state
}

func (s *PresenceService) userInfo(workspaceID, connID string) *models.UserInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.states[workspaceID]; ok {
		if state, ok := ws[connID]; ok {
			return state.User
		}
	}
	return nil
}
