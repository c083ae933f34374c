package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventLogService is the durable event log, backed by Redis Streams.
// One stream per topic; entries carry the workspace id as the partition
// key so per-workspace ordering survives the relay.
//
// Without Redis the service runs degraded: publishes are logged and
// dropped instead of queued, and consumption is unavailable.
type EventLogService struct {
	redis *RedisService
	group string
}

// NewEventLogService creates the event log. redisService may be nil.
func NewEventLogService(redisService *RedisService, consumerGroup string) *EventLogService {
	if redisService == nil {
		log.Println("⚠️ [EVENTLOG] Redis unavailable - running in log-only mode, events will be dropped")
	}
	return &EventLogService{
		redis: redisService,
		group: consumerGroup,
	}
}

// Degraded reports whether the log is running without a broker.
func (s *EventLogService) Degraded() bool {
	return s.redis == nil
}

// Publish appends one entry to a topic stream. In degraded mode the
// payload is logged and dropped; the caller sees success so it does not
// requeue forever.
func (s *EventLogService) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if s.redis == nil {
		log.Printf("📭 [EVENTLOG] Degraded mode - dropping event (topic: %s, key: %s, %d bytes)", topic, key, len(payload))
		return nil
	}

	err := s.redis.Client().XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			"key":     key,
			"payload": payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", topic, err)
	}
	return nil
}

// EnsureGroup creates the consumer group on a topic, tolerating the
// group already existing.
func (s *EventLogService) EnsureGroup(ctx context.Context, topic string) error {
	if s.redis == nil {
		return errors.New("event log is degraded, no consumer groups")
	}

	err := s.redis.Client().XGroupCreateMkStream(ctx, topic, s.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create consumer group on %s: %w", topic, err)
	}
	return nil
}

// Entry is one consumed stream entry.
type Entry struct {
	Topic   string
	ID      string
	Key     string
	Payload []byte
}

// ReadGroup blocks for up to the client read timeout and returns the
// next batch of entries across the given topics.
func (s *EventLogService) ReadGroup(ctx context.Context, consumer string, topics []string) ([]Entry, error) {
	if s.redis == nil {
		return nil, errors.New("event log is degraded, nothing to read")
	}

	streams := make([]string, 0, len(topics)*2)
	streams = append(streams, topics...)
	for range topics {
		streams = append(streams, ">")
	}

	results, err := s.redis.Client().XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: consumer,
		Streams:  streams,
		Count:    32,
		Block:    2 * time.Second,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, stream := range results {
		for _, msg := range stream.Messages {
			entry := Entry{Topic: stream.Stream, ID: msg.ID}
			if key, ok := msg.Values["key"].(string); ok {
				entry.Key = key
			}
			if payload, ok := msg.Values["payload"].(string); ok {
				entry.Payload = []byte(payload)
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Ack acknowledges a consumed entry.
func (s *EventLogService) Ack(ctx context.Context, topic, id string) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Client().XAck(ctx, topic, s.group, id).Err()
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
