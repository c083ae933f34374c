package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"mindmesh/internal/crdt"
	"mindmesh/internal/models"
)

type fakeStreamer struct {
	mu        sync.Mutex
	responses []string
	calls     int
	chunks    []string
}

func (f *fakeStreamer) Stream(_ context.Context, _ []map[string]interface{}, onChunk func(string) bool) (string, error) {
	f.mu.Lock()
	resp := "[]"
	if f.calls < len(f.responses) {
		resp = f.responses[f.calls]
	}
	f.calls++
	chunks := f.chunks
	f.mu.Unlock()

	for _, c := range chunks {
		if !onChunk(c) {
			return resp, nil
		}
	}
	return resp, nil
}

func (f *fakeStreamer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestConn(connID, userID, workspaceID string) *models.UserConnection {
	return &models.UserConnection{
		ConnID:      connID,
		UserID:      userID,
		WorkspaceID: workspaceID,
		WriteChan:   make(chan models.ServerMessage, 64),
		CreatedAt:   time.Now(),
	}
}

func drainMessages(conn *models.UserConnection) []models.ServerMessage {
	var msgs []models.ServerMessage
	for {
		select {
		case m := <-conn.WriteChan:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func waitForMessage(t *testing.T, conn *models.UserConnection, msgType string) models.ServerMessage {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-conn.WriteChan:
			if m.Type == msgType {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", msgType)
		}
	}
}

func TestParseSuggestionsValid(t *testing.T) {
	raw := "```json\n[{\"keyword\":\" Roadmap \",\"parentId\":\"n1\",\"memo\":\" Q3 plan \"},{\"keyword\":\"Budget\"}]\n```"
	nodes, err := ParseSuggestions(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
	if nodes[0].Keyword != "Roadmap" || nodes[0].Memo != "Q3 plan" {
		t.Errorf("first node not trimmed: %+v", nodes[0])
	}
	if nodes[0].ParentID == nil || *nodes[0].ParentID != "n1" {
		t.Errorf("expected parentId n1, got %v", nodes[0].ParentID)
	}
	if nodes[1].ParentID != nil {
		t.Errorf("expected nil parentId, got %v", *nodes[1].ParentID)
	}
}

func TestParseSuggestionsAllOrNothing(t *testing.T) {
	raw := `[{"keyword":"Good"},{"keyword":"   "}]`
	if _, err := ParseSuggestions(raw); err == nil {
		t.Fatal("expected error for blank keyword entry")
	}
}

func TestParseSuggestionsRejectsNonArray(t *testing.T) {
	for _, raw := range []string{"", "not json", `{"keyword":"x"}`} {
		if _, err := ParseSuggestions(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestStripCodeFences(t *testing.T) {
	cases := map[string]string{
		"[]":                      "[]",
		"```json\n[]\n```":        "[]",
		"```\n[{\"a\":1}]\n```":   `[{"a":1}]`,
		"  ```json\n[1,2]\n``` ":  "[1,2]",
		"plain text, no fencing.": "plain text, no fencing.",
	}
	for in, want := range cases {
		if got := stripCodeFences(in); got != want {
			t.Errorf("stripCodeFences(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFirstTranscriptTriggersImmediateCycle(t *testing.T) {
	streamer := &fakeStreamer{responses: []string{`[{"keyword":"Idea"}]`}}
	registry := crdt.NewRegistry("srv", nil)
	// Long interval so only the immediate cycle can fire during the test.
	svc := NewGPTSessionService(streamer, registry, time.Minute)

	conn := newTestConn("c1", "u1", "ws1")
	svc.Start(conn)
	defer svc.StopAll()

	waitForMessage(t, conn, "gpt-recording-started")

	svc.AddTranscript(conn, "let's plan the roadmap", time.Now().UnixMilli(), &models.UserInfo{Name: "Ann"})

	done := waitForMessage(t, conn, "gpt-done")
	if len(done.Nodes) != 1 || done.Nodes[0].Keyword != "Idea" {
		t.Fatalf("unexpected gpt-done payload: %+v", done.Nodes)
	}
	if streamer.callCount() != 1 {
		t.Errorf("expected exactly one cycle, got %d", streamer.callCount())
	}
}

func TestTranscriptRelayExcludesSender(t *testing.T) {
	streamer := &fakeStreamer{}
	registry := crdt.NewRegistry("srv", nil)
	svc := NewGPTSessionService(streamer, registry, time.Minute)
	defer svc.StopAll()

	sender := newTestConn("c1", "u1", "ws1")
	peer := newTestConn("c2", "u2", "ws1")
	svc.Start(sender)
	svc.Start(peer)
	drainMessages(sender)
	drainMessages(peer)

	svc.AddTranscript(sender, "hello", 1234, &models.UserInfo{Name: "Ann"})

	got := waitForMessage(t, peer, "peer-transcript")
	if got.Transcript == nil || got.Transcript.Text != "hello" || got.Transcript.UserName != "Ann" {
		t.Fatalf("unexpected transcript: %+v", got.Transcript)
	}
	for _, m := range drainMessages(sender) {
		if m.Type == "peer-transcript" {
			t.Fatal("sender received its own transcript")
		}
	}
}

func TestSessionStopsWhenLastSubscriberLeaves(t *testing.T) {
	streamer := &fakeStreamer{}
	registry := crdt.NewRegistry("srv", nil)
	svc := NewGPTSessionService(streamer, registry, time.Minute)

	a := newTestConn("c1", "u1", "ws1")
	b := newTestConn("c2", "u2", "ws1")
	svc.Start(a)
	svc.Start(b)
	if svc.ActiveSessions() != 1 {
		t.Fatalf("expected 1 session, got %d", svc.ActiveSessions())
	}

	svc.Unsubscribe(a)
	if svc.ActiveSessions() != 1 {
		t.Fatal("session ended while a subscriber remained")
	}
	svc.Unsubscribe(b)
	if svc.ActiveSessions() != 0 {
		t.Fatal("session should end with its last subscriber")
	}
}

func TestGPTErrorCarriesRawText(t *testing.T) {
	streamer := &fakeStreamer{responses: []string{"I cannot answer that in JSON."}}
	registry := crdt.NewRegistry("srv", nil)
	svc := NewGPTSessionService(streamer, registry, time.Minute)
	defer svc.StopAll()

	conn := newTestConn("c1", "u1", "ws1")
	svc.Start(conn)
	drainMessages(conn)

	svc.AddTranscript(conn, "hi", 1, nil)

	got := waitForMessage(t, conn, "gpt-error")
	if got.RawText != "I cannot answer that in JSON." {
		t.Fatalf("expected raw text echoed back, got %q", got.RawText)
	}
	if got.ErrorMessage == "" {
		t.Fatal("expected an error message")
	}
}

func TestChunksFanOutToAllSubscribers(t *testing.T) {
	streamer := &fakeStreamer{
		responses: []string{"[]"},
		chunks:    []string{"part1", "part2"},
	}
	registry := crdt.NewRegistry("srv", nil)
	svc := NewGPTSessionService(streamer, registry, time.Minute)
	defer svc.StopAll()

	conn := newTestConn("c1", "u1", "ws1")
	svc.Start(conn)
	drainMessages(conn)

	svc.AddTranscript(conn, "hi", 1, nil)

	var chunks []string
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-conn.WriteChan:
			switch m.Type {
			case "gpt-chunk":
				chunks = append(chunks, m.Content)
			case "gpt-done":
				if len(chunks) != 2 || chunks[0] != "part1" || chunks[1] != "part2" {
					t.Fatalf("unexpected chunk stream: %v", chunks)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for gpt-done")
		}
	}
}

// blockingStreamer parks inside Stream until released, so tests can
// observe what happens while a completion call is in flight.
type blockingStreamer struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStreamer) Stream(_ context.Context, _ []map[string]interface{}, _ func(string) bool) (string, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	b.entered <- struct{}{}
	<-b.release
	return "[]", nil
}

func (b *blockingStreamer) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestCycleNeverOverlapsInFlightCompletion(t *testing.T) {
	streamer := &blockingStreamer{entered: make(chan struct{}, 1), release: make(chan struct{})}
	registry := crdt.NewRegistry("srv", nil)
	svc := NewGPTSessionService(streamer, registry, time.Minute)

	conn := newTestConn("c1", "u1", "ws1")
	svc.Start(conn)
	drainMessages(conn)

	svc.AddTranscript(conn, "hello", 1, nil)
	<-streamer.entered

	svc.mu.Lock()
	session := svc.sessions["ws1"]
	svc.mu.Unlock()

	// Ticks firing while the completion call is in flight must not
	// start a second one for the same workspace.
	svc.processCycle(session)
	svc.processCycle(session)
	if got := streamer.callCount(); got != 1 {
		t.Fatalf("expected a single in-flight completion call, got %d", got)
	}

	close(streamer.release)
	waitForMessage(t, conn, "gpt-done")

	svc.Unsubscribe(conn)
}
