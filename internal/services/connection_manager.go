package services

import (
	"log"
	"sync"

	"mindmesh/internal/models"
)

// ConnectionManager manages all active WebSocket connections, grouped by
// workspace for fan-out.
type ConnectionManager struct {
	connections map[string]*models.UserConnection
	byWorkspace map[string]map[string]*models.UserConnection
	mutex       sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*models.UserConnection),
		byWorkspace: make(map[string]map[string]*models.UserConnection),
	}
}

// Add adds a new connection
func (cm *ConnectionManager) Add(conn *models.UserConnection) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.connections[conn.ConnID] = conn
	ws := cm.byWorkspace[conn.WorkspaceID]
	if ws == nil {
		ws = make(map[string]*models.UserConnection)
		cm.byWorkspace[conn.WorkspaceID] = ws
	}
	ws[conn.ConnID] = conn
	log.Printf("✅ Connection added: %s (workspace: %s, total: %d)", conn.ConnID, conn.WorkspaceID, len(cm.connections))
}

// Remove removes a connection and reports how many remain in its workspace
func (cm *ConnectionManager) Remove(connID string) int {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	conn, exists := cm.connections[connID]
	if !exists {
		return -1
	}

	close(conn.WriteChan)
	delete(cm.connections, connID)

	remaining := 0
	if ws, ok := cm.byWorkspace[conn.WorkspaceID]; ok {
		delete(ws, connID)
		remaining = len(ws)
		if remaining == 0 {
			delete(cm.byWorkspace, conn.WorkspaceID)
		}
	}
	log.Printf("❌ Connection removed: %s (workspace: %s, remaining there: %d)", connID, conn.WorkspaceID, remaining)
	return remaining
}

// Get retrieves a connection by ID
func (cm *ConnectionManager) Get(connID string) (*models.UserConnection, bool) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	conn, exists := cm.connections[connID]
	return conn, exists
}

// Count returns the number of active connections
func (cm *ConnectionManager) Count() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.connections)
}

// WorkspaceCount returns the number of connections in one workspace
func (cm *ConnectionManager) WorkspaceCount(workspaceID string) int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.byWorkspace[workspaceID])
}

// GetWorkspace returns all connections in a workspace
func (cm *ConnectionManager) GetWorkspace(workspaceID string) []*models.UserConnection {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	ws := cm.byWorkspace[workspaceID]
	conns := make([]*models.UserConnection, 0, len(ws))
	for _, conn := range ws {
		conns = append(conns, conn)
	}
	return conns
}

// Broadcast sends a message to every connection in a workspace, skipping
// excludeConnID when non-empty.
func (cm *ConnectionManager) Broadcast(workspaceID string, msg models.ServerMessage, excludeConnID string) {
	for _, conn := range cm.GetWorkspace(workspaceID) {
		if conn.ConnID == excludeConnID {
			continue
		}
		conn.SafeSend(msg)
	}
}

// WorkspaceStats returns connection counts per workspace
func (cm *ConnectionManager) WorkspaceStats() map[string]int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	stats := make(map[string]int, len(cm.byWorkspace))
	for workspaceID, ws := range cm.byWorkspace {
		stats[workspaceID] = len(ws)
	}
	return stats
}
