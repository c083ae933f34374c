package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"mindmesh/internal/crdt"
	"mindmesh/internal/models"
)

const (
	// nodeContextLimit caps how many resident nodes feed the prompt.
	nodeContextLimit = 50
	// historyWindow bounds the conversation turns kept between cycles.
	// The system prompt and initial context message are always pinned.
	historyWindow = 18
)

const gptSystemPrompt = `You are a mind-map assistant listening to a live conversation. ` +
	`Based on the transcripts and the current mind-map nodes, suggest new nodes that capture ideas worth adding. ` +
	`Respond ONLY with a JSON array of objects, each with: "keyword" (short label, required), ` +
	`"parentId" (id of an existing node to attach under, or null for a root idea), ` +
	`and optionally "memo" (one-sentence elaboration). Respond with [] when nothing new is worth adding.`

// completionStreamer is the slice of the completion client the session
// coordinator needs.
type completionStreamer interface {
	Stream(ctx context.Context, messages []map[string]interface{}, onChunk func(string) bool) (string, error)
}

type gptSession struct {
	workspaceID string

	mu            sync.Mutex
	transcripts   []models.Transcript
	history       []map[string]interface{}
	subscribers   map[string]*models.UserConnection
	processing    bool
	lastProcessed int

	stopChan chan struct{}
	stopOnce sync.Once
}

// GPTSessionService coordinates one streaming AI suggestion session per
// workspace: transcript collection, the periodic processing cycle, and
// the chunk fan-out to subscribed clients.
type GPTSessionService struct {
	client   completionStreamer
	registry *crdt.Registry
	interval time.Duration

	mu       sync.Mutex
	sessions map[string]*gptSession
}

// NewGPTSessionService creates the coordinator.
func NewGPTSessionService(client completionStreamer, registry *crdt.Registry, interval time.Duration) *GPTSessionService {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &GPTSessionService{
		client:   client,
		registry: registry,
		interval: interval,
		sessions: make(map[string]*gptSession),
	}
}

// Start subscribes a connection to the workspace's session, creating the
// session and its processing loop on first use.
func (s *GPTSessionService) Start(conn *models.UserConnection) {
	s.mu.Lock()
	session := s.sessions[conn.WorkspaceID]
	created := false
	if session == nil {
		session = &gptSession{
			workspaceID: conn.WorkspaceID,
			subscribers: make(map[string]*models.UserConnection),
			stopChan:    make(chan struct{}),
		}
		s.sessions[conn.WorkspaceID] = session
		created = true
	}
	s.mu.Unlock()

	session.mu.Lock()
	session.subscribers[conn.ConnID] = conn
	session.mu.Unlock()

	if created {
		go s.processLoop(session)
		log.Printf("🤖 [GPT] Session started for workspace %s", conn.WorkspaceID)
	}

	s.broadcast(session, models.ServerMessage{Type: "gpt-recording-started"}, "")
}

// AddTranscript appends one utterance, relays it to peers immediately,
// and kicks off a processing cycle when this is the first transcript.
func (s *GPTSessionService) AddTranscript(conn *models.UserConnection, text string, timestamp int64, user *models.UserInfo) {
	s.mu.Lock()
	session := s.sessions[conn.WorkspaceID]
	s.mu.Unlock()
	if session == nil {
		return
	}

	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}
	transcript := models.Transcript{
		UserID:    conn.UserID,
		Text:      text,
		Timestamp: timestamp,
	}
	if user != nil {
		transcript.UserName = user.Name
	}

	session.mu.Lock()
	session.transcripts = append(session.transcripts, transcript)
	first := len(session.transcripts) == 1
	session.mu.Unlock()

	s.broadcast(session, models.ServerMessage{
		Type:       "peer-transcript",
		Transcript: &transcript,
	}, conn.ConnID)

	// Don't make the first speaker wait out a full tick.
	if first {
		go s.processCycle(session)
	}
}

// Unsubscribe detaches a disconnecting client; the session ends when its
// last subscriber is gone.
func (s *GPTSessionService) Unsubscribe(conn *models.UserConnection) {
	s.mu.Lock()
	session := s.sessions[conn.WorkspaceID]
	s.mu.Unlock()
	if session == nil {
		return
	}

	session.mu.Lock()
	delete(session.subscribers, conn.ConnID)
	empty := len(session.subscribers) == 0
	session.mu.Unlock()

	if empty {
		s.Stop(conn.WorkspaceID)
	}
}

// Stop ends a workspace's session and notifies subscribers.
func (s *GPTSessionService) Stop(workspaceID string) {
	s.mu.Lock()
	session := s.sessions[workspaceID]
	if session != nil {
		delete(s.sessions, workspaceID)
	}
	s.mu.Unlock()
	if session == nil {
		return
	}

	session.stopOnce.Do(func() { close(session.stopChan) })
	s.broadcast(session, models.ServerMessage{Type: "gpt-session-ended"}, "")
	log.Printf("🤖 [GPT] Session ended for workspace %s", workspaceID)
}

// StopAll ends every session; used on shutdown.
func (s *GPTSessionService) StopAll() {
	s.mu.Lock()
	workspaces := make([]string, 0, len(s.sessions))
	for workspaceID := range s.sessions {
		workspaces = append(workspaces, workspaceID)
	}
	s.mu.Unlock()

	for _, workspaceID := range workspaces {
		s.Stop(workspaceID)
	}
}

// Transcripts returns a copy of the utterances collected so far for a
// workspace, in arrival order. Nil when no session exists.
func (s *GPTSessionService) Transcripts(workspaceID string) []models.Transcript {
	s.mu.Lock()
	session := s.sessions[workspaceID]
	s.mu.Unlock()
	if session == nil {
		return nil
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	out := make([]models.Transcript, len(session.transcripts))
	copy(out, session.transcripts)
	return out
}

// ActiveSessions returns the number of live sessions.
func (s *GPTSessionService) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *GPTSessionService) processLoop(session *gptSession) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-session.stopChan:
			return
		case <-ticker.C:
			s.processCycle(session)
		}
	}
}

// processCycle runs one suggestion pass. The processing guard makes
// cycles mutually exclusive; an in-flight cycle causes the tick to skip.
func (s *GPTSessionService) processCycle(session *gptSession) {
	session.mu.Lock()
	if session.processing || len(session.transcripts) == session.lastProcessed {
		session.mu.Unlock()
		return
	}
	session.processing = true
	transcripts := make([]models.Transcript, len(session.transcripts))
	copy(transcripts, session.transcripts)
	upTo := len(transcripts)
	session.mu.Unlock()

	started := time.Now()
	defer func() {
		session.mu.Lock()
		session.processing = false
		session.mu.Unlock()
	}()

	sort.SliceStable(transcripts, func(i, j int) bool {
		return transcripts[i].Timestamp < transcripts[j].Timestamp
	})

	messages := s.buildMessages(session, transcripts)

	raw, err := s.client.Stream(context.Background(), messages, func(content string) bool {
		s.broadcast(session, models.ServerMessage{
			Type:    "gpt-chunk",
			Content: content,
		}, "")
		return true
	})
	if err != nil {
		log.Printf("❌ [GPT] Cycle failed for %s: %v", session.workspaceID, err)
		if m := GetMetrics(); m != nil {
			m.RecordGPTError("stream")
		}
		s.broadcast(session, models.ServerMessage{
			Type:         "gpt-error",
			ErrorMessage: err.Error(),
			RawText:      raw,
		}, "")
		return
	}

	nodes, err := ParseSuggestions(raw)
	if err != nil {
		log.Printf("⚠️ [GPT] Unusable suggestion payload for %s: %v", session.workspaceID, err)
		if m := GetMetrics(); m != nil {
			m.RecordGPTError("parse")
		}
		s.broadcast(session, models.ServerMessage{
			Type:         "gpt-error",
			ErrorMessage: err.Error(),
			RawText:      raw,
		}, "")
		return
	}

	session.mu.Lock()
	session.lastProcessed = upTo
	session.history = append(session.history,
		map[string]interface{}{"role": "user", "content": transcriptPrompt(transcripts)},
		map[string]interface{}{"role": "assistant", "content": raw},
	)
	session.history = trimHistory(session.history)
	session.mu.Unlock()

	if m := GetMetrics(); m != nil {
		m.RecordGPTCycle(time.Since(started).Seconds())
	}

	if nodes == nil {
		nodes = []models.SuggestedNode{}
	}
	s.broadcast(session, models.ServerMessage{
		Type:  "gpt-done",
		Nodes: nodes,
	}, "")
	log.Printf("✅ [GPT] Cycle for %s produced %d suggestion(s) in %v", session.workspaceID, len(nodes), time.Since(started))
}

// buildMessages assembles the prompt: pinned system + node context, the
// retained history window, then the fresh transcript turn.
func (s *GPTSessionService) buildMessages(session *gptSession, transcripts []models.Transcript) []map[string]interface{} {
	messages := []map[string]interface{}{
		{"role": "system", "content": gptSystemPrompt},
		{"role": "user", "content": nodeContextPrompt(s.registry, session.workspaceID)},
	}

	session.mu.Lock()
	messages = append(messages, session.history...)
	session.mu.Unlock()

	return append(messages, map[string]interface{}{
		"role":    "user",
		"content": transcriptPrompt(transcripts),
	})
}

func nodeContextPrompt(registry *crdt.Registry, workspaceID string) string {
	var b strings.Builder
	b.WriteString("Current mind-map nodes:\n")

	doc, ok := registry.Get(workspaceID)
	if !ok {
		b.WriteString("(empty)\n")
		return b.String()
	}

	snapshot := doc.Snapshot()
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > nodeContextLimit {
		ids = ids[:nodeContextLimit]
	}

	if len(ids) == 0 {
		b.WriteString("(empty)\n")
		return b.String()
	}
	for _, id := range ids {
		node := snapshot[id]
		parent := "null"
		if node.ParentID != nil {
			parent = *node.ParentID
		}
		fmt.Fprintf(&b, "- id=%s keyword=%q parent=%s\n", id, node.Keyword, parent)
	}
	return b.String()
}

func transcriptPrompt(transcripts []models.Transcript) string {
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, t := range transcripts {
		name := t.UserName
		if name == "" {
			name = t.UserID
		}
		fmt.Fprintf(&b, "[%s] %s\n", name, t.Text)
	}
	return b.String()
}

// trimHistory keeps the most recent turns inside the window. Callers pin
// the system prompt and node context outside this slice.
func trimHistory(history []map[string]interface{}) []map[string]interface{} {
	if len(history) <= historyWindow {
		return history
	}
	return history[len(history)-historyWindow:]
}

// ParseSuggestions turns a raw model response into validated node
// suggestions. Validation is all-or-nothing: one bad entry fails the
// whole payload so clients never see a partial batch.
func ParseSuggestions(raw string) ([]models.SuggestedNode, error) {
	cleaned := stripCodeFences(raw)
	if cleaned == "" {
		return nil, errors.New("empty response")
	}

	var entries []struct {
		Keyword  string  `json:"keyword"`
		ParentID *string `json:"parentId"`
		Memo     string  `json:"memo"`
	}
	if err := json.Unmarshal([]byte(cleaned), &entries); err != nil {
		return nil, fmt.Errorf("response is not a JSON array: %w", err)
	}

	nodes := make([]models.SuggestedNode, 0, len(entries))
	for i, entry := range entries {
		keyword := strings.TrimSpace(entry.Keyword)
		if keyword == "" {
			return nil, fmt.Errorf("entry %d has an empty keyword", i)
		}
		nodes = append(nodes, models.SuggestedNode{
			Keyword:  keyword,
			ParentID: entry.ParentID,
			Memo:     strings.TrimSpace(entry.Memo),
		})
	}
	return nodes, nil
}

// stripCodeFences removes a wrapping markdown code fence, if present.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func (s *GPTSessionService) broadcast(session *gptSession, msg models.ServerMessage, excludeConnID string) {
	session.mu.Lock()
	conns := make([]*models.UserConnection, 0, len(session.subscribers))
	for _, conn := range session.subscribers {
		if conn.ConnID == excludeConnID {
			continue
		}
		conns = append(conns, conn)
	}
	session.mu.Unlock()

	for _, conn := range conns {
		conn.SafeSend(msg)
	}
}
