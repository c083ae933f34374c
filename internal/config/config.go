package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port        string
	Environment string
	RedisURL    string // empty disables the event log (degraded mode)

	// Event log topics (Redis Streams)
	TopicNodeEvents   string
	TopicNodeUpdate   string
	TopicAISuggestion string
	ConsumerGroup     string

	// Outbox flush tuning
	FlushInterval  time.Duration
	FlushThreshold int

	// Voice signaling
	VoiceMaxParticipants int

	// GPT suggestion engine
	GPTAPIURL          string
	GPTAPIKey          string
	GPTModel           string
	GPTProcessInterval time.Duration

	// Auth (token verification only; issuance is the gateway's job)
	JWTSecret string

	AllowedOrigins string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "3000"),
		Environment: strings.ToLower(getEnv("ENVIRONMENT", "development")),
		RedisURL:    getEnv("REDIS_URL", ""),

		TopicNodeEvents:   getEnv("TOPIC_NODE_EVENTS", "mindmap.node.events"),
		TopicNodeUpdate:   getEnv("TOPIC_NODE_UPDATE", "mindmap.node.update"),
		TopicAISuggestion: getEnv("TOPIC_AI_SUGGESTION", "mindmap.ai.suggestion"),
		ConsumerGroup:     getEnv("CONSUMER_GROUP", "mindmap-websocket-consumer"),

		FlushInterval:  getDurationEnv("FLUSH_INTERVAL_MS", 5000),
		FlushThreshold: getIntEnv("FLUSH_THRESHOLD", 10),

		VoiceMaxParticipants: getIntEnv("VOICE_MAX_PARTICIPANTS", 6),

		GPTAPIURL:          getEnv("GPT_API_URL", "https://api.openai.com/v1"),
		GPTAPIKey:          getEnv("GPT_API_KEY", ""),
		GPTModel:           getEnv("GPT_MODEL", "gpt-5-mini"),
		GPTProcessInterval: getDurationEnv("GPT_PROCESS_INTERVAL_MS", 2000),

		JWTSecret: getEnv("JWT_SECRET", ""),

		AllowedOrigins: getEnv("ALLOWED_ORIGINS", ""),
	}
}

// IsProduction reports whether the server runs with production hardening
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv reads a millisecond count from the environment
func getDurationEnv(key string, defaultMillis int) time.Duration {
	return time.Duration(getIntEnv(key, defaultMillis)) * time.Millisecond
}
