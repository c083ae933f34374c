package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"mindmesh/internal/models"
)

// changePublisher is the slice of the event log the outbox needs.
type changePublisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Degraded() bool
}

// OutboxService buffers observed document changes per workspace and
// relays them to the node-events topic. Queues flush on a fixed interval
// and immediately once a workspace accumulates threshold events.
type OutboxService struct {
	publisher changePublisher
	topic     string
	threshold int

	mu      sync.Mutex
	pending map[string][]models.ChangeEvent
	flushMu map[string]*sync.Mutex
}

// NewOutboxService creates the outbox.
func NewOutboxService(publisher changePublisher, topic string, threshold int) *OutboxService {
	if threshold <= 0 {
		threshold = 10
	}
	return &OutboxService{
		publisher: publisher,
		topic:     topic,
		threshold: threshold,
		pending:   make(map[string][]models.ChangeEvent),
		flushMu:   make(map[string]*sync.Mutex),
	}
}

// flushLock returns the workspace's flush mutex, creating it on first use.
func (s *OutboxService) flushLock(workspaceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.flushMu[workspaceID]
	if !ok {
		lock = &sync.Mutex{}
		s.flushMu[workspaceID] = lock
	}
	return lock
}

// Append queues one observed change. Wired as the registry's change
// observer, so it runs synchronously on the mutation path and must not
// block on I/O; threshold flushes happen on a fresh goroutine.
func (s *OutboxService) Append(ev models.ChangeEvent) {
	s.mu.Lock()
	s.pending[ev.WorkspaceID] = append(s.pending[ev.WorkspaceID], ev)
	count := len(s.pending[ev.WorkspaceID])
	s.mu.Unlock()

	if m := GetMetrics(); m != nil {
		m.RecordOutboxEvent()
	}

	if count >= s.threshold {
		go func() {
			if err := s.FlushWorkspace(context.Background(), ev.WorkspaceID); err != nil {
				log.Printf("⚠️ [OUTBOX] Threshold flush failed for %s: %v", ev.WorkspaceID, err)
			}
		}()
	}
}

// FlushWorkspace publishes a workspace's pending events as one batch.
// The queue is swapped out atomically; on publish failure the batch is
// re-prepended so ordering is preserved ahead of newer events. A
// per-workspace flush mutex serializes concurrent flushes (threshold
// goroutine, interval job, immediate send) so a stalled or requeued
// older batch can never be overtaken by a newer one.
func (s *OutboxService) FlushWorkspace(ctx context.Context, workspaceID string) error {
	lock := s.flushLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	events := s.pending[workspaceID]
	if len(events) == 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.pending, workspaceID)
	s.mu.Unlock()

	batch := models.ChangeBatch{
		WorkspaceID: workspaceID,
		Events:      events,
		BatchedAt:   time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		// Unserializable batch cannot be retried; drop it loudly.
		log.Printf("❌ [OUTBOX] Failed to marshal batch for %s, dropping %d events: %v", workspaceID, len(events), err)
		return fmt.Errorf("failed to marshal change batch: %w", err)
	}

	if err := s.publisher.Publish(ctx, s.topic, workspaceID, payload); err != nil {
		s.requeue(workspaceID, events)
		if m := GetMetrics(); m != nil {
			m.RecordPublishFailure()
		}
		return fmt.Errorf("failed to publish change batch: %w", err)
	}

	if m := GetMetrics(); m != nil {
		m.RecordPublishedBatch(len(events))
	}
	log.Printf("📤 [OUTBOX] Published %d events for workspace %s", len(events), workspaceID)
	return nil
}

// FlushAll flushes every workspace with pending events. Driven by the
// periodic scheduler and the shutdown path.
func (s *OutboxService) FlushAll(ctx context.Context) {
	s.mu.Lock()
	workspaces := make([]string, 0, len(s.pending))
	for workspaceID := range s.pending {
		workspaces = append(workspaces, workspaceID)
	}
	s.mu.Unlock()

	for _, workspaceID := range workspaces {
		if err := s.FlushWorkspace(ctx, workspaceID); err != nil {
			log.Printf("⚠️ [OUTBOX] Flush failed for %s: %v", workspaceID, err)
		}
	}
}

// SendImmediately flushes one workspace out of band. Called when the
// workspace's last client disconnects so nothing waits on the interval.
func (s *OutboxService) SendImmediately(ctx context.Context, workspaceID string) {
	if err := s.FlushWorkspace(ctx, workspaceID); err != nil {
		log.Printf("⚠️ [OUTBOX] Immediate flush failed for %s: %v", workspaceID, err)
	}
}

// PendingCount returns the number of queued events for one workspace.
func (s *OutboxService) PendingCount(workspaceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[workspaceID])
}

// Stats returns per-workspace pending counts for the stats endpoint.
func (s *OutboxService) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[string]int, len(s.pending))
	for workspaceID, events := range s.pending {
		stats[workspaceID] = len(events)
	}
	return stats
}

// requeue puts a failed batch back at the head of the queue.
func (s *OutboxService) requeue(workspaceID string, events []models.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[workspaceID] = append(events, s.pending[workspaceID]...)
	log.Printf("♻️ [OUTBOX] Requeued %d events for workspace %s after publish failure", len(events), workspaceID)
}
