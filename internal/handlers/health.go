package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"mindmesh/internal/crdt"
	"mindmesh/internal/services"
)

// HealthHandler handles health check and stats requests
type HealthHandler struct {
	connManager *services.ConnectionManager
	registry    *crdt.Registry
	outbox      *services.OutboxService
	voice       *services.VoiceService
	gpt         *services.GPTSessionService
	presence    *services.PresenceService
	eventLog    *services.EventLogService
	ingest      *services.IngestService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(
	connManager *services.ConnectionManager,
	registry *crdt.Registry,
	outbox *services.OutboxService,
	voice *services.VoiceService,
	gpt *services.GPTSessionService,
	presence *services.PresenceService,
	eventLog *services.EventLogService,
	ingest *services.IngestService,
) *HealthHandler {
	return &HealthHandler{
		connManager: connManager,
		registry:    registry,
		outbox:      outbox,
		voice:       voice,
		gpt:         gpt,
		presence:    presence,
		eventLog:    eventLog,
		ingest:      ingest,
	}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "healthy",
		"connections": h.connManager.Count(),
		"documents":   h.registry.Count(),
		"eventLog":    !h.eventLog.Degraded(),
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}

// Stats responds with per-component counters for operators
func (h *HealthHandler) Stats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"connections": fiber.Map{
			"total":        h.connManager.Count(),
			"perWorkspace": h.connManager.WorkspaceStats(),
		},
		"documents":   h.registry.Stats(),
		"outbox":      h.outbox.Stats(),
		"voiceRooms":  h.voice.Stats(),
		"gptSessions": h.gpt.ActiveSessions(),
		"presence":    h.presence.Stats(),
		"ingest":      h.ingest.Status(),
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}
