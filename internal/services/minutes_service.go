package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"mindmesh/internal/models"
)

const minutesSystemPrompt = `You are an expert meeting-minutes writer. ` +
	`Produce clear, well-structured markdown minutes from the conversation you are given.`

// MinutesService turns a session's collected transcripts into streamed
// markdown meeting minutes for the requesting client. Chunks go to the
// requester only, never to the rest of the workspace.
type MinutesService struct {
	client completionStreamer
}

// NewMinutesService creates the generator.
func NewMinutesService(client completionStreamer) *MinutesService {
	return &MinutesService{client: client}
}

// Generate builds the prompt from the transcripts and streams the result
// back to conn. Streaming is abandoned if the connection closes mid-way.
func (s *MinutesService) Generate(ctx context.Context, conn *models.UserConnection, transcripts []models.Transcript) {
	if len(transcripts) == 0 {
		log.Printf("⚠️ [MINUTES] No transcripts for workspace %s", conn.WorkspaceID)
		conn.SafeSend(models.ServerMessage{
			Type:         "meeting-minutes-error",
			ErrorMessage: "no conversation recorded, nothing to summarize",
		})
		return
	}

	sorted := make([]models.Transcript, len(transcripts))
	copy(sorted, transcripts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	info := extractMeetingInfo(sorted)
	log.Printf("📝 [MINUTES] Generating for workspace %s (%d utterance(s), %s)",
		conn.WorkspaceID, len(sorted), strings.Join(info.participants, ", "))

	messages := []map[string]interface{}{
		{"role": "system", "content": minutesSystemPrompt},
		{"role": "user", "content": buildMinutesPrompt(sorted, info)},
	}

	content, err := s.client.Stream(ctx, messages, func(chunk string) bool {
		if conn.IsClosed() {
			log.Printf("⚠️ [MINUTES] Connection closed mid-stream, abandoning workspace %s", conn.WorkspaceID)
			return false
		}
		conn.SafeSend(models.ServerMessage{
			Type:    "meeting-minutes-chunk",
			Content: chunk,
		})
		return true
	})
	if err != nil {
		log.Printf("❌ [MINUTES] Generation failed for %s: %v", conn.WorkspaceID, err)
		conn.SafeSend(models.ServerMessage{
			Type:         "meeting-minutes-error",
			ErrorMessage: "meeting minutes generation failed",
		})
		return
	}
	if conn.IsClosed() {
		return
	}

	conn.SafeSend(models.ServerMessage{
		Type:    "meeting-minutes-done",
		Content: content,
	})
	log.Printf("✅ [MINUTES] Minutes delivered for workspace %s (%d chars)", conn.WorkspaceID, len(content))
}

type meetingInfo struct {
	participants []string
	startTime    time.Time
	endTime      time.Time
	duration     time.Duration
}

// extractMeetingInfo derives participants and timing from the sorted
// transcripts.
func extractMeetingInfo(sorted []models.Transcript) meetingInfo {
	seen := make(map[string]bool)
	var participants []string
	for _, t := range sorted {
		name := t.UserName
		if name == "" {
			name = t.UserID
		}
		if !seen[name] {
			seen[name] = true
			participants = append(participants, name)
		}
	}

	start := time.UnixMilli(sorted[0].Timestamp)
	end := time.UnixMilli(sorted[len(sorted)-1].Timestamp)
	return meetingInfo{
		participants: participants,
		startTime:    start,
		endTime:      end,
		duration:     end.Sub(start).Round(time.Minute),
	}
}

func buildMinutesPrompt(sorted []models.Transcript, info meetingInfo) string {
	var b strings.Builder
	b.WriteString("# Meeting\n\n")
	fmt.Fprintf(&b, "**Participants**: %s\n", strings.Join(info.participants, ", "))
	fmt.Fprintf(&b, "**Started**: %s\n", info.startTime.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "**Ended**: %s\n", info.endTime.Format("15:04"))
	fmt.Fprintf(&b, "**Duration**: about %d minute(s)\n\n", int(info.duration.Minutes()))
	b.WriteString("---\n\n## Conversation\n\n")

	for _, t := range sorted {
		name := t.UserName
		if name == "" {
			name = t.UserID
		}
		fmt.Fprintf(&b, "**[%s] %s**: %s\n\n", time.UnixMilli(t.Timestamp).Format("15:04:05"), name, t.Text)
	}

	b.WriteString("---\n\n# Instructions\n\n")
	b.WriteString("Write meeting minutes from the conversation above with these sections:\n\n")
	b.WriteString("## 1. Overview\n- Participants and timing\n- One or two sentences on the meeting's purpose\n\n")
	b.WriteString("## 2. Discussion\n- Numbered list of the main topics\n- Key opinions per topic, naming the speaker for important points\n\n")
	b.WriteString("## 3. Decisions\n- What was decided, or \"none\"\n\n")
	b.WriteString("## 4. Action items\n- Checkbox list with owners where possible, or \"none\"\n\n")
	b.WriteString("## 5. Notes\n- Anything else worth keeping\n\n")
	b.WriteString("Rules: markdown only, concise sentences, skip greetings and small talk, keep a neutral professional tone.\n")
	return b.String()
}
