package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"mindmesh/internal/crdt"
	"mindmesh/internal/models"
)

const (
	// dedupTTL bounds how long consumed entry ids are remembered. Stream
	// delivery is at-least-once; ids older than this cannot be redelivered
	// in practice.
	dedupTTL = 10 * time.Minute

	readRetryDelay = time.Second
)

// NodesCreatedHandler receives batch-creation notices from the worker.
type NodesCreatedHandler func(workspaceID string, message string, nodes []models.CreatedNode)

// CompletionHandler receives bare completion notices.
type CompletionHandler func(workspaceID string, message string)

// SuggestionHandler receives ai-suggestion payloads verbatim.
type SuggestionHandler func(payload []byte)

// UpdateBroadcaster pushes a merged enrichment out to the workspace's
// connected clients.
type UpdateBroadcaster func(ev models.ChangeEvent)

// entrySource is the slice of the event log the ingestor consumes.
type entrySource interface {
	Degraded() bool
	EnsureGroup(ctx context.Context, topic string) error
	ReadGroup(ctx context.Context, consumer string, topics []string) ([]Entry, error)
	Ack(ctx context.Context, topic, id string) error
}

// IngestService consumes worker results from the node-update and
// ai-suggestion streams and applies them back into resident documents.
// Non-resident workspaces are skipped: the next client to connect
// reloads fresh state from the REST snapshot, so there is nothing to
// keep warm here.
type IngestService struct {
	source   entrySource
	registry *crdt.Registry

	nodeUpdateTopic   string
	aiSuggestionTopic string
	consumer          string

	onNodesCreated NodesCreatedHandler
	onCompletion   CompletionHandler
	onSuggestion   SuggestionHandler
	onUpdate       UpdateBroadcaster

	seen *cache.Cache

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewIngestService creates the ingestor. Handlers may be nil.
func NewIngestService(source entrySource, registry *crdt.Registry, nodeUpdateTopic, aiSuggestionTopic string) *IngestService {
	hostname, _ := os.Hostname()
	return &IngestService{
		source:            source,
		registry:          registry,
		nodeUpdateTopic:   nodeUpdateTopic,
		aiSuggestionTopic: aiSuggestionTopic,
		consumer:          fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		seen:              cache.New(dedupTTL, 2*dedupTTL),
		stopChan:          make(chan struct{}),
		doneChan:          make(chan struct{}),
	}
}

// SetNodesCreatedHandler registers the batch-creation callback.
func (s *IngestService) SetNodesCreatedHandler(h NodesCreatedHandler) { s.onNodesCreated = h }

// SetCompletionHandler registers the completion-notice callback.
func (s *IngestService) SetCompletionHandler(h CompletionHandler) { s.onCompletion = h }

// SetSuggestionHandler registers the ai-suggestion callback.
func (s *IngestService) SetSuggestionHandler(h SuggestionHandler) { s.onSuggestion = h }

// SetUpdateBroadcaster registers the merged-update fan-out.
func (s *IngestService) SetUpdateBroadcaster(h UpdateBroadcaster) { s.onUpdate = h }

// Start creates the consumer groups and launches the read loop. A
// degraded event log disables the ingestor without failing startup.
func (s *IngestService) Start(ctx context.Context) error {
	if s.source.Degraded() {
		log.Println("⚠️ [INGEST] Event log degraded - ingestor disabled")
		close(s.doneChan)
		return nil
	}

	for _, topic := range []string{s.nodeUpdateTopic, s.aiSuggestionTopic} {
		if err := s.source.EnsureGroup(ctx, topic); err != nil {
			return fmt.Errorf("failed to prepare topic %s: %w", topic, err)
		}
	}

	go s.readLoop()
	log.Printf("📥 [INGEST] Consuming topics [%s, %s] as %s", s.nodeUpdateTopic, s.aiSuggestionTopic, s.consumer)
	return nil
}

// Stop terminates the read loop and waits for it to drain.
func (s *IngestService) Stop() {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	<-s.doneChan
}

// Status reports consumer state for the stats endpoint.
func (s *IngestService) Status() map[string]interface{} {
	return map[string]interface{}{
		"enabled":  !s.source.Degraded(),
		"topics":   []string{s.nodeUpdateTopic, s.aiSuggestionTopic},
		"consumer": s.consumer,
	}
}

func (s *IngestService) readLoop() {
	defer close(s.doneChan)
	ctx := context.Background()
	topics := []string{s.nodeUpdateTopic, s.aiSuggestionTopic}

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		entries, err := s.source.ReadGroup(ctx, s.consumer, topics)
		if err != nil {
			log.Printf("❌ [INGEST] Read failed: %v", err)
			select {
			case <-s.stopChan:
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}

		for _, entry := range entries {
			s.handleEntry(ctx, entry)
		}
	}
}

// handleEntry processes one entry. Malformed payloads are logged and
// acked; redelivery would only fail the same way again.
func (s *IngestService) handleEntry(ctx context.Context, entry Entry) {
	dedupKey := entry.Topic + "/" + entry.ID
	if err := s.seen.Add(dedupKey, struct{}{}, cache.DefaultExpiration); err != nil {
		log.Printf("⚠️ [INGEST] Duplicate entry %s, skipping", dedupKey)
		s.ack(ctx, entry)
		return
	}

	switch entry.Topic {
	case s.nodeUpdateTopic:
		s.handleNodeUpdate(entry)
	case s.aiSuggestionTopic:
		if s.onSuggestion != nil {
			s.onSuggestion(entry.Payload)
		} else {
			log.Printf("⚠️ [INGEST] AI suggestion received with no handler registered")
		}
	default:
		log.Printf("⚠️ [INGEST] Entry from unknown topic %s", entry.Topic)
	}

	s.ack(ctx, entry)
}

func (s *IngestService) handleNodeUpdate(entry Entry) {
	var payload models.NodeUpdatePayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		log.Printf("⚠️ [INGEST] Malformed node-update entry %s: %v", entry.ID, err)
		return
	}

	workspaceID := payload.WorkspaceID.String()
	if workspaceID == "" {
		log.Printf("⚠️ [INGEST] node-update entry %s missing workspaceId", entry.ID)
		return
	}

	// Batch creation: the worker extracted new nodes.
	if payload.Message != "" && len(payload.Nodes) > 0 {
		log.Printf("📥 [INGEST] %d node(s) created by worker for workspace %s", len(payload.Nodes), workspaceID)
		if s.onNodesCreated != nil {
			s.onNodesCreated(workspaceID, payload.Message, payload.Nodes)
		}
		return
	}

	// Bare completion notice.
	if payload.Message != "" && payload.NodeID == "" {
		log.Printf("📥 [INGEST] Analysis complete for workspace %s: %s", workspaceID, payload.Message)
		if s.onCompletion != nil {
			s.onCompletion(workspaceID, payload.Message)
		}
		return
	}

	if payload.NodeID == "" || len(payload.Updates) == 0 {
		log.Printf("⚠️ [INGEST] node-update entry %s missing nodeId or updates", entry.ID)
		return
	}

	// Single-node enrichment: merge only into a resident document. A
	// non-resident workspace has no connected clients, and the next one
	// to connect loads fresh state over REST.
	doc, ok := s.registry.Get(workspaceID)
	if !ok {
		log.Printf("📥 [INGEST] Workspace %s not resident, skipping update for node %s", workspaceID, payload.NodeID)
		return
	}
	nodeID := payload.NodeID.String()
	if !doc.MergeFields(nodeID, payload.Updates) {
		log.Printf("⚠️ [INGEST] Node %s not found in workspace %s", nodeID, workspaceID)
		return
	}
	log.Printf("✅ [INGEST] Merged %d field(s) into node %s of workspace %s", len(payload.Updates), nodeID, workspaceID)

	if s.onUpdate != nil {
		if node, ok := doc.GetNode(nodeID); ok {
			s.onUpdate(models.ChangeEvent{
				WorkspaceID: workspaceID,
				NodeID:      nodeID,
				Type:        models.ChangeUpdate,
				Node:        node,
				Timestamp:   time.Now().UnixMilli(),
			})
		}
	}
}

func (s *IngestService) ack(ctx context.Context, entry Entry) {
	if err := s.source.Ack(ctx, entry.Topic, entry.ID); err != nil {
		log.Printf("⚠️ [INGEST] Failed to ack %s/%s: %v", entry.Topic, entry.ID, err)
	}
}
