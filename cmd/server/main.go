package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"mindmesh/internal/config"
	"mindmesh/internal/crdt"
	"mindmesh/internal/handlers"
	"mindmesh/internal/jobs"
	"mindmesh/internal/logging"
	"mindmesh/internal/middleware"
	"mindmesh/internal/models"
	"mindmesh/internal/services"
	"mindmesh/pkg/auth"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting MindMesh collaboration server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, Environment: %s)", cfg.Port, cfg.Environment)

	// Redis backs the durable event log. Without it the server still
	// serves live collaboration, just without durability.
	var redisService *services.RedisService
	if cfg.RedisURL != "" {
		var err error
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️ Failed to connect to Redis: %v (event log degraded)", err)
			redisService = nil
		}
	} else {
		log.Println("⚠️ REDIS_URL not set - event log degraded")
	}
	eventLog := services.NewEventLogService(redisService, cfg.ConsumerGroup)

	outbox := services.NewOutboxService(eventLog, cfg.TopicNodeEvents, cfg.FlushThreshold)

	// Every document change flows into the outbox the moment it happens.
	actor := "srv-" + uuid.New().String()[:8]
	registry := crdt.NewRegistry(actor, outbox.Append)

	connManager := services.NewConnectionManager()
	services.InitMetrics(connManager, registry)

	presence := services.NewPresenceService(connManager)
	voice := services.NewVoiceService(connManager, cfg.VoiceMaxParticipants)

	completion := services.NewCompletionClient(cfg.GPTAPIURL, cfg.GPTAPIKey, cfg.GPTModel)
	gpt := services.NewGPTSessionService(completion, registry, cfg.GPTProcessInterval)
	minutes := services.NewMinutesService(completion)

	ingest := services.NewIngestService(eventLog, registry, cfg.TopicNodeUpdate, cfg.TopicAISuggestion)
	ingest.SetUpdateBroadcaster(func(ev models.ChangeEvent) {
		connManager.Broadcast(ev.WorkspaceID, models.ServerMessage{
			Type:   "node-changed",
			Change: &ev,
		}, "")
	})
	ingest.SetNodesCreatedHandler(func(workspaceID, message string, created []models.CreatedNode) {
		doc, ok := registry.Get(workspaceID)
		if !ok {
			return
		}
		for _, cn := range created {
			node := &models.Node{
				Keyword: cn.Keyword,
				Memo:    cn.Memo,
				Type:    cn.Type,
				Color:   cn.Color,
			}
			if cn.ParentID != nil {
				parent := cn.ParentID.String()
				node.ParentID = &parent
			}
			node.X = cn.X
			node.Y = cn.Y
			_, ev := doc.SetNode(cn.NodeID.String(), node)
			connManager.Broadcast(workspaceID, models.ServerMessage{
				Type:   "node-changed",
				Change: &ev,
			}, "")
		}
		connManager.Broadcast(workspaceID, models.ServerMessage{
			Type:    "analysis-complete",
			Content: message,
		}, "")
	})
	ingest.SetCompletionHandler(func(workspaceID, message string) {
		connManager.Broadcast(workspaceID, models.ServerMessage{
			Type:    "analysis-complete",
			Content: message,
		}, "")
	})
	ingest.SetSuggestionHandler(func(payload []byte) {
		var envelope struct {
			WorkspaceID models.FlexID `json:"workspaceId"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil || envelope.WorkspaceID == "" {
			log.Printf("⚠️ AI suggestion without routable workspaceId, dropping")
			return
		}
		connManager.Broadcast(envelope.WorkspaceID.String(), models.ServerMessage{
			Type:    "ai-suggestion",
			Payload: payload,
		}, "")
	})

	if err := ingest.Start(context.Background()); err != nil {
		log.Fatalf("❌ Failed to start event ingestor: %v", err)
	}

	flushScheduler, err := jobs.NewFlushScheduler(outbox, cfg.FlushInterval)
	if err != nil {
		log.Fatalf("❌ Failed to create flush scheduler: %v", err)
	}
	flushScheduler.Start()

	// JWT verification (optional outside production)
	var verifier *auth.TokenVerifier
	if cfg.JWTSecret != "" {
		verifier, err = auth.NewTokenVerifier(cfg.JWTSecret)
		if err != nil {
			log.Fatalf("❌ Failed to initialize token verifier: %v", err)
		}
		log.Println("🔐 JWT verification enabled")
	} else if cfg.IsProduction() {
		log.Fatal("❌ CRITICAL SECURITY ERROR: JWT_SECRET is required in production")
	} else {
		log.Println("⚠️  JWT_SECRET not set - accepting unauthenticated connections (development mode)")
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:        "MindMesh v1.0",
		ReadTimeout:    300 * time.Second,
		WriteTimeout:   300 * time.Second,
		IdleTimeout:    300 * time.Second,
		BodyLimit:      4 * 1024 * 1024,
		ReadBufferSize: 16384,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	prometheus := fiberprometheus.New("mindmesh")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, WS=%d/min",
		rateLimitConfig.GlobalAPIMax, rateLimitConfig.WebSocketMax)

	allowedOrigins := cfg.AllowedOrigins
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowedOrigins != "*",
	}))

	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))

	// Handlers
	healthHandler := handlers.NewHealthHandler(connManager, registry, outbox, voice, gpt, presence, eventLog, ingest)
	wsHandler := handlers.NewWebSocketHandler(connManager, registry, outbox, presence, voice, gpt, minutes)

	app.Get("/health", healthHandler.Handle)
	app.Get("/stats", healthHandler.Stats)

	// WebSocket route
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Use("/ws", middleware.WebSocketRateLimiter(rateLimitConfig))
	app.Use("/ws", middleware.OptionalAuthMiddleware(verifier))

	wsConfig := websocket.Config{
		Origins: strings.Split(allowedOrigins, ","),
	}
	app.Get("/ws", websocket.New(wsHandler.Handle, wsConfig))

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		// The last seconds of edits go out before anything closes.
		outbox.FlushAll(context.Background())

		if err := flushScheduler.Shutdown(); err != nil {
			log.Printf("⚠️ Error stopping flush scheduler: %v", err)
		}

		ingest.Stop()
		gpt.StopAll()
		voice.Shutdown()

		if redisService != nil {
			if err := redisService.Close(); err != nil {
				log.Printf("⚠️ Error closing Redis: %v", err)
			}
		}

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
