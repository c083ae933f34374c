package services

import (
	"encoding/json"
	"fmt"
	"testing"

	"mindmesh/internal/models"
)

func voiceFixture() (*VoiceService, *ConnectionManager) {
	cm := NewConnectionManager()
	return NewVoiceService(cm, 0), cm
}

func joinVoice(svc *VoiceService, cm *ConnectionManager, connID, userID, workspaceID, name string) *models.UserConnection {
	conn := newTestConn(connID, userID, workspaceID)
	cm.Add(conn)
	svc.Join(conn, &models.UserInfo{UserID: userID, Name: name})
	return conn
}

func TestVoiceJoinRosterAndNotice(t *testing.T) {
	svc, cm := voiceFixture()

	first := joinVoice(svc, cm, "c1", "u1", "ws1", "Ann")
	drainMessages(first)

	second := joinVoice(svc, cm, "c2", "u2", "ws1", "Bo")

	var roster []models.VoiceParticipant
	for _, m := range drainMessages(second) {
		if m.Type == "participants" {
			roster = m.Participants
		}
	}
	if len(roster) != 2 || roster[0].UserID != "u1" || roster[1].UserID != "u2" {
		t.Fatalf("joiner roster wrong: %+v", roster)
	}
	if !roster[1].Muted {
		t.Error("participants should join muted")
	}

	var joined bool
	for _, m := range drainMessages(first) {
		if m.Type == "voice-joined" && m.UserID == "u2" {
			joined = true
		}
	}
	if !joined {
		t.Fatal("existing member did not get voice-joined")
	}
}

func TestVoiceRoomCapacity(t *testing.T) {
	svc, cm := voiceFixture()

	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("u%d", i)
		joinVoice(svc, cm, "c"+id, id, "ws1", id)
	}

	extra := newTestConn("c-extra", "u-extra", "ws1")
	cm.Add(extra)
	if svc.Join(extra, &models.UserInfo{UserID: "u-extra"}) {
		t.Fatal("seventh participant should be rejected")
	}

	msgs := drainMessages(extra)
	if len(msgs) != 1 || msgs[0].Type != "voice-full" || msgs[0].MaxParticipants != 6 {
		t.Fatalf("expected voice-full with cap, got %+v", msgs)
	}
	if got := len(svc.Roster("ws1")); got != 6 {
		t.Errorf("roster grew past capacity: %d", got)
	}
}

func TestVoiceLeaveDestroysEmptyRoom(t *testing.T) {
	svc, cm := voiceFixture()

	a := joinVoice(svc, cm, "c1", "u1", "ws1", "Ann")
	b := joinVoice(svc, cm, "c2", "u2", "ws1", "Bo")
	drainMessages(a)
	drainMessages(b)

	svc.Leave(a)

	var left bool
	for _, m := range drainMessages(b) {
		if m.Type == "voice-left" && m.UserID == "u1" {
			left = true
		}
	}
	if !left {
		t.Fatal("remaining member did not get voice-left")
	}

	svc.Leave(b)
	if stats := svc.Stats(); len(stats) != 0 {
		t.Fatalf("room should be destroyed: %v", stats)
	}

	// Leaving again is a no-op.
	svc.Leave(b)
}

func TestVoiceRelayIsPointToPoint(t *testing.T) {
	svc, cm := voiceFixture()

	a := joinVoice(svc, cm, "c1", "u1", "ws1", "Ann")
	b := joinVoice(svc, cm, "c2", "u2", "ws1", "Bo")
	c := joinVoice(svc, cm, "c3", "u3", "ws1", "Cy")
	drainMessages(a)
	drainMessages(b)
	drainMessages(c)

	offer := json.RawMessage(`{"sdp":"v=0"}`)
	svc.Relay(a, "offer", "u2", offer)

	msgs := drainMessages(b)
	if len(msgs) != 1 || msgs[0].Type != "offer" || msgs[0].FromUserID != "u1" {
		t.Fatalf("target expected the offer, got %+v", msgs)
	}
	if string(msgs[0].Offer) != `{"sdp":"v=0"}` {
		t.Errorf("payload altered: %s", msgs[0].Offer)
	}
	if got := drainMessages(c); len(got) != 0 {
		t.Fatalf("third peer should see nothing, got %+v", got)
	}
}

func TestVoiceRelaySilentOnMissingTarget(t *testing.T) {
	svc, cm := voiceFixture()

	a := joinVoice(svc, cm, "c1", "u1", "ws1", "Ann")
	drainMessages(a)

	svc.Relay(a, "ice", "u-gone", json.RawMessage(`{}`))

	outsider := newTestConn("c9", "u9", "ws-empty")
	cm.Add(outsider)
	svc.Relay(outsider, "offer", "u1", json.RawMessage(`{}`))

	if got := drainMessages(a); len(got) != 0 {
		t.Fatalf("expected silence, got %+v", got)
	}
}

func TestVoiceStateMergeExcludesOriginator(t *testing.T) {
	svc, cm := voiceFixture()

	a := joinVoice(svc, cm, "c1", "u1", "ws1", "Ann")
	b := joinVoice(svc, cm, "c2", "u2", "ws1", "Bo")
	drainMessages(a)
	drainMessages(b)

	muted := false
	speaking := true
	svc.UpdateState(a, &models.VoiceState{Muted: &muted, Speaking: &speaking})

	msgs := drainMessages(b)
	if len(msgs) != 1 || msgs[0].Type != "voice-state" || msgs[0].UserID != "u1" {
		t.Fatalf("peer expected voice-state, got %+v", msgs)
	}
	if msgs[0].VoiceState == nil || msgs[0].VoiceState.Muted || !msgs[0].VoiceState.Speaking {
		t.Errorf("flags not merged: %+v", msgs[0].VoiceState)
	}
	if got := drainMessages(a); len(got) != 0 {
		t.Fatalf("originator should not get the echo, got %+v", got)
	}

	// Partial update keeps the untouched flag.
	stillSpeaking := false
	svc.UpdateState(a, &models.VoiceState{Speaking: &stillSpeaking})
	msgs = drainMessages(b)
	if len(msgs) != 1 || msgs[0].VoiceState.Muted || msgs[0].VoiceState.Speaking {
		t.Fatalf("partial merge wrong: %+v", msgs[0].VoiceState)
	}
}

func TestVoiceShutdownBroadcast(t *testing.T) {
	svc, cm := voiceFixture()

	a := joinVoice(svc, cm, "c1", "u1", "ws1", "Ann")
	drainMessages(a)

	svc.Shutdown()

	var notified bool
	for _, m := range drainMessages(a) {
		if m.Type == "server-shutdown" {
			notified = true
		}
	}
	if !notified {
		t.Fatal("participant missed the shutdown notice")
	}
	if stats := svc.Stats(); len(stats) != 0 {
		t.Fatalf("rooms should be cleared: %v", stats)
	}
}

func TestVoiceNoticesStayInsideRoom(t *testing.T) {
	svc, cm := voiceFixture()

	// Connected to the workspace but never joined voice.
	bystander := newTestConn("c-by", "u-by", "ws1")
	cm.Add(bystander)

	a := joinVoice(svc, cm, "c1", "u1", "ws1", "Ann")
	b := joinVoice(svc, cm, "c2", "u2", "ws1", "Bo")
	drainMessages(a)
	drainMessages(b)

	muted := false
	svc.UpdateState(a, &models.VoiceState{Muted: &muted})
	svc.Leave(b)
	svc.Shutdown()

	if got := drainMessages(bystander); len(got) != 0 {
		t.Fatalf("non-participant received voice traffic: %+v", got)
	}
}
