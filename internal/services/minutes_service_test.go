package services

import (
	"context"
	"strings"
	"testing"

	"mindmesh/internal/models"
)

func TestMinutesRequiresTranscripts(t *testing.T) {
	svc := NewMinutesService(&fakeStreamer{})
	conn := newTestConn("c1", "u1", "ws1")

	svc.Generate(context.Background(), conn, nil)

	msgs := drainMessages(conn)
	if len(msgs) != 1 || msgs[0].Type != "meeting-minutes-error" {
		t.Fatalf("expected a single meeting-minutes-error, got %+v", msgs)
	}
}

func TestMinutesStreamsToRequesterOnly(t *testing.T) {
	streamer := &fakeStreamer{
		responses: []string{"# Minutes\nfull text"},
		chunks:    []string{"# Minutes\n", "full text"},
	}
	svc := NewMinutesService(streamer)
	conn := newTestConn("c1", "u1", "ws1")

	transcripts := []models.Transcript{
		{UserID: "u2", UserName: "Bo", Text: "second", Timestamp: 2000},
		{UserID: "u1", UserName: "Ann", Text: "first", Timestamp: 1000},
	}
	svc.Generate(context.Background(), conn, transcripts)

	msgs := drainMessages(conn)
	var chunks []string
	var done *models.ServerMessage
	for i, m := range msgs {
		switch m.Type {
		case "meeting-minutes-chunk":
			chunks = append(chunks, m.Content)
		case "meeting-minutes-done":
			done = &msgs[i]
		default:
			t.Errorf("unexpected message type %q", m.Type)
		}
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if done == nil || done.Content != "# Minutes\nfull text" {
		t.Fatalf("missing or wrong done message: %+v", done)
	}
}

func TestMinutesAbandonsClosedConnection(t *testing.T) {
	streamer := &fakeStreamer{
		responses: []string{"ignored"},
		chunks:    []string{"a", "b"},
	}
	svc := NewMinutesService(streamer)
	conn := newTestConn("c1", "u1", "ws1")
	conn.MarkClosed()

	svc.Generate(context.Background(), conn, []models.Transcript{
		{UserID: "u1", Text: "hi", Timestamp: 1000},
	})

	if msgs := drainMessages(conn); len(msgs) != 0 {
		t.Fatalf("closed connection should receive nothing, got %+v", msgs)
	}
}

func TestBuildMinutesPrompt(t *testing.T) {
	sorted := []models.Transcript{
		{UserID: "u1", UserName: "Ann", Text: "kick off", Timestamp: 1_700_000_000_000},
		{UserID: "u2", UserName: "Bo", Text: "agreed", Timestamp: 1_700_000_120_000},
		{UserID: "u1", UserName: "Ann", Text: "wrap up", Timestamp: 1_700_000_180_000},
	}
	info := extractMeetingInfo(sorted)

	if len(info.participants) != 2 || info.participants[0] != "Ann" || info.participants[1] != "Bo" {
		t.Fatalf("unexpected participants: %v", info.participants)
	}
	if got := int(info.duration.Minutes()); got != 3 {
		t.Errorf("expected 3 minute duration, got %d", got)
	}

	prompt := buildMinutesPrompt(sorted, info)
	if !strings.Contains(prompt, "Ann, Bo") {
		t.Error("prompt missing participant list")
	}
	if !strings.Contains(prompt, "kick off") || !strings.Contains(prompt, "wrap up") {
		t.Error("prompt missing transcript lines")
	}
	if !strings.Contains(prompt, "## 4. Action items") {
		t.Error("prompt missing instruction sections")
	}
}
