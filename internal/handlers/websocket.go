package handlers

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"mindmesh/internal/crdt"
	"mindmesh/internal/models"
	"mindmesh/internal/services"
)

// WebSocketHandler handles WebSocket connections
type WebSocketHandler struct {
	connManager *services.ConnectionManager
	registry    *crdt.Registry
	outbox      *services.OutboxService
	presence    *services.PresenceService
	voice       *services.VoiceService
	gpt         *services.GPTSessionService
	minutes     *services.MinutesService
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	connManager *services.ConnectionManager,
	registry *crdt.Registry,
	outbox *services.OutboxService,
	presence *services.PresenceService,
	voice *services.VoiceService,
	gpt *services.GPTSessionService,
	minutes *services.MinutesService,
) *WebSocketHandler {
	return &WebSocketHandler{
		connManager: connManager,
		registry:    registry,
		outbox:      outbox,
		presence:    presence,
		voice:       voice,
		gpt:         gpt,
		minutes:     minutes,
	}
}

// Handle handles a new WebSocket connection
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	workspaceID := c.Query("workspace")
	if workspaceID == "" {
		c.WriteJSON(models.ServerMessage{
			Type:         "error",
			ErrorCode:    "missing_workspace",
			ErrorMessage: "workspace query parameter is required",
		})
		c.Close()
		return
	}

	connID := uuid.New().String()
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		userID = "guest-" + connID[:8]
	}

	done := make(chan struct{})

	userConn := &models.UserConnection{
		ConnID:      connID,
		UserID:      userID,
		WorkspaceID: workspaceID,
		Conn:        c,
		CreatedAt:   time.Now(),
		WriteChan:   make(chan models.ServerMessage, 100),
	}

	h.connManager.Add(userConn)
	if m := services.GetMetrics(); m != nil {
		m.RecordWebSocketConnect()
	}

	defer func() {
		close(done)
		h.teardown(userConn)
	}()

	c.SetReadDeadline(time.Now().Add(360 * time.Second))
	c.SetPongHandler(func(appData string) error {
		c.SetReadDeadline(time.Now().Add(360 * time.Second))
		return nil
	})

	go h.pingLoop(userConn, done)
	go h.writeLoop(userConn)

	userConn.WriteChan <- models.ServerMessage{
		Type:   "connected",
		ConnID: connID,
	}

	// Late joiners see the cursors and chat bubbles already present.
	for _, msg := range h.presence.Snapshot(workspaceID) {
		if msg.ConnID != connID {
			userConn.SafeSend(msg)
		}
	}

	h.readLoop(userConn)
}

// teardown runs the full disconnect sequence. Ordering matters: peers
// get their notices before the connection's channels close, and the
// outbox drains before the document is released.
func (h *WebSocketHandler) teardown(userConn *models.UserConnection) {
	h.presence.Remove(userConn)
	h.voice.Leave(userConn)
	h.gpt.Unsubscribe(userConn)

	remaining := h.connManager.Remove(userConn.ConnID)
	if m := services.GetMetrics(); m != nil {
		m.RecordWebSocketDisconnect()
	}

	if remaining == 0 {
		// Last client out: push the final edits, then drop the document.
		// The next client re-seeds it from the REST snapshot.
		h.outbox.SendImmediately(context.Background(), userConn.WorkspaceID)
		h.registry.Destroy(userConn.WorkspaceID)
	}
}

// pingLoop sends periodic pings to keep the WebSocket connection alive
func (h *WebSocketHandler) pingLoop(userConn *models.UserConnection, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			userConn.Mutex.Lock()
			if err := userConn.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				log.Printf("⚠️ Ping failed for %s: %v", userConn.ConnID, err)
				userConn.Mutex.Unlock()
				return
			}
			userConn.Mutex.Unlock()
		}
	}
}

// readLoop handles incoming messages from the client
func (h *WebSocketHandler) readLoop(userConn *models.UserConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in readLoop: %v", r)
		}
	}()

	for {
		_, msg, err := userConn.Conn.ReadMessage()
		if err != nil {
			log.Printf("🔌 WebSocket closed for %s: %v", userConn.ConnID, err)
			break
		}

		userConn.Conn.SetReadDeadline(time.Now().Add(360 * time.Second))

		var clientMsg models.ClientMessage
		if err := json.Unmarshal(msg, &clientMsg); err != nil {
			log.Printf("⚠️  Invalid message format from %s: %v", userConn.ConnID, err)
			userConn.SafeSend(models.ServerMessage{
				Type:         "error",
				ErrorCode:    "invalid_format",
				ErrorMessage: "Invalid message format",
			})
			continue
		}

		if m := services.GetMetrics(); m != nil {
			m.RecordWebSocketMessage(clientMsg.Type, "in")
		}

		switch clientMsg.Type {
		case "ping":
			userConn.SafeSend(models.ServerMessage{Type: "pong"})

		case "node:set":
			h.handleNodeSet(userConn, clientMsg)
		case "node:delete":
			h.handleNodeDelete(userConn, clientMsg)
		case "doc:init":
			h.handleDocInit(userConn, clientMsg)

		case "cursor:move":
			h.presence.SetCursor(userConn, clientMsg.Cursor)
		case "chat:temp":
			h.presence.SetTempChat(userConn, clientMsg.TempChat)
		case "chat:clear":
			h.presence.ClearTempChat(userConn)
		case "user:info":
			h.presence.SetUserInfo(userConn, clientMsg.User)

		case "voice-join":
			h.voice.Join(userConn, clientMsg.User)
		case "voice-leave":
			h.voice.Leave(userConn)
		case "offer":
			h.voice.Relay(userConn, "offer", clientMsg.TargetUserID, clientMsg.Offer)
		case "answer":
			h.voice.Relay(userConn, "answer", clientMsg.TargetUserID, clientMsg.Answer)
		case "ice":
			h.voice.Relay(userConn, "ice", clientMsg.TargetUserID, clientMsg.Candidate)
		case "voice-state":
			h.voice.UpdateState(userConn, clientMsg.VoiceState)

		case "gpt-start":
			h.gpt.Start(userConn)
		case "gpt-transcript":
			h.gpt.AddTranscript(userConn, clientMsg.Text, clientMsg.Timestamp, clientMsg.User)
		case "gpt-stop":
			h.gpt.Stop(userConn.WorkspaceID)
		case "meeting-minutes":
			h.handleMeetingMinutes(userConn)

		default:
			log.Printf("⚠️  Unknown message type: %s", clientMsg.Type)
		}
	}
}

func (h *WebSocketHandler) handleNodeSet(userConn *models.UserConnection, clientMsg models.ClientMessage) {
	if clientMsg.NodeID == "" || clientMsg.Node == nil {
		userConn.SafeSend(models.ServerMessage{
			Type:         "error",
			ErrorCode:    "invalid_node",
			ErrorMessage: "node:set requires nodeId and node",
		})
		return
	}

	doc := h.registry.GetOrCreate(userConn.WorkspaceID)
	_, ev := doc.SetNode(clientMsg.NodeID, clientMsg.Node)
	h.broadcastChange(userConn, ev)
}

func (h *WebSocketHandler) handleNodeDelete(userConn *models.UserConnection, clientMsg models.ClientMessage) {
	if clientMsg.NodeID == "" {
		return
	}

	doc := h.registry.GetOrCreate(userConn.WorkspaceID)
	if _, ok := doc.DeleteNode(clientMsg.NodeID); !ok {
		return
	}
	h.broadcastChange(userConn, models.ChangeEvent{
		WorkspaceID: userConn.WorkspaceID,
		NodeID:      clientMsg.NodeID,
		Type:        models.ChangeDelete,
		Timestamp:   time.Now().UnixMilli(),
	})
}

// handleDocInit seeds the document from a client-held snapshot. Seeding
// never clobbers state other clients already wrote.
func (h *WebSocketHandler) handleDocInit(userConn *models.UserConnection, clientMsg models.ClientMessage) {
	if len(clientMsg.Nodes) == 0 {
		return
	}
	doc := h.registry.GetOrCreate(userConn.WorkspaceID)
	doc.Initialize(clientMsg.Nodes)
	log.Printf("📄 [WS] Workspace %s seeded with %d node(s) by %s", userConn.WorkspaceID, len(clientMsg.Nodes), userConn.ConnID)
}

func (h *WebSocketHandler) handleMeetingMinutes(userConn *models.UserConnection) {
	transcripts := h.gpt.Transcripts(userConn.WorkspaceID)
	go h.minutes.Generate(context.Background(), userConn, transcripts)
}

func (h *WebSocketHandler) broadcastChange(userConn *models.UserConnection, ev models.ChangeEvent) {
	h.connManager.Broadcast(userConn.WorkspaceID, models.ServerMessage{
		Type:   "node-changed",
		Change: &ev,
	}, userConn.ConnID)
}

// writeLoop handles outgoing messages to the client
func (h *WebSocketHandler) writeLoop(userConn *models.UserConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in writeLoop: %v", r)
		}
	}()

	for msg := range userConn.WriteChan {
		if m := services.GetMetrics(); m != nil {
			m.RecordWebSocketMessage(msg.Type, "out")
		}
		if err := userConn.Conn.WriteJSON(msg); err != nil {
			log.Printf("❌ WebSocket write error for %s: %v", userConn.ConnID, err)
			return
		}
	}
}
