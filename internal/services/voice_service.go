package services

import (
	"encoding/json"
	"log"
	"sync"

	"mindmesh/internal/models"
)

type voiceMember struct {
	connID      string
	participant models.VoiceParticipant
}

type voiceRoom struct {
	members map[string]*voiceMember // keyed by durable user id
	order   []string                // join order, for stable rosters
}

// VoiceService is the WebRTC signaling hub: one room per workspace,
// capped membership, pure relay of offers/answers/ICE candidates.
// No media ever touches the server.
type VoiceService struct {
	connManager     *ConnectionManager
	maxParticipants int

	mu    sync.Mutex
	rooms map[string]*voiceRoom
}

// NewVoiceService creates the signaling hub.
func NewVoiceService(connManager *ConnectionManager, maxParticipants int) *VoiceService {
	if maxParticipants <= 0 {
		maxParticipants = 6
	}
	return &VoiceService{
		connManager:     connManager,
		maxParticipants: maxParticipants,
		rooms:           make(map[string]*voiceRoom),
	}
}

// Join adds a user to the workspace's voice room. The joiner gets the
// current roster; everyone else gets a voice-joined notice. A full room
// rejects with voice-full.
func (s *VoiceService) Join(conn *models.UserConnection, user *models.UserInfo) bool {
	userID := conn.UserID
	name := ""
	if user != nil {
		if user.UserID != "" {
			userID = user.UserID
		}
		name = user.Name
	}

	s.mu.Lock()
	room := s.rooms[conn.WorkspaceID]
	if room == nil {
		room = &voiceRoom{members: make(map[string]*voiceMember)}
		s.rooms[conn.WorkspaceID] = room
	}

	if _, already := room.members[userID]; !already && len(room.members) >= s.maxParticipants {
		s.mu.Unlock()
		conn.SafeSend(models.ServerMessage{
			Type:            "voice-full",
			MaxParticipants: s.maxParticipants,
		})
		log.Printf("🔇 [VOICE] Room %s full, rejected %s", conn.WorkspaceID, userID)
		return false
	}

	if _, already := room.members[userID]; !already {
		room.order = append(room.order, userID)
	}
	// Participants start muted until they opt in.
	room.members[userID] = &voiceMember{
		connID: conn.ConnID,
		participant: models.VoiceParticipant{
			UserID: userID,
			Name:   name,
			Muted:  true,
		},
	}
	roster := room.roster()
	peers := room.connIDs(conn.ConnID)
	s.mu.Unlock()

	if m := GetMetrics(); m != nil {
		m.RecordVoiceJoin()
	}

	conn.SafeSend(models.ServerMessage{
		Type:         "participants",
		Participants: roster,
	})
	s.sendToMembers(peers, models.ServerMessage{
		Type:   "voice-joined",
		UserID: userID,
		User:   &models.UserInfo{UserID: userID, Name: name},
	})

	log.Printf("🎙️ [VOICE] %s joined room %s (%d/%d)", userID, conn.WorkspaceID, len(roster), s.maxParticipants)
	return true
}

// Leave removes a user from the room. The room is destroyed when its
// last member leaves. Idempotent.
func (s *VoiceService) Leave(conn *models.UserConnection) {
	s.mu.Lock()
	room := s.rooms[conn.WorkspaceID]
	if room == nil {
		s.mu.Unlock()
		return
	}

	var userID string
	for id, member := range room.members {
		if member.connID == conn.ConnID {
			userID = id
			break
		}
	}
	if userID == "" {
		s.mu.Unlock()
		return
	}

	delete(room.members, userID)
	for i, id := range room.order {
		if id == userID {
			room.order = append(room.order[:i], room.order[i+1:]...)
			break
		}
	}
	empty := len(room.members) == 0
	if empty {
		delete(s.rooms, conn.WorkspaceID)
	}
	peers := room.connIDs(conn.ConnID)
	s.mu.Unlock()

	if m := GetMetrics(); m != nil {
		m.RecordVoiceLeave()
	}

	s.sendToMembers(peers, models.ServerMessage{
		Type:   "voice-left",
		UserID: userID,
	})

	if empty {
		log.Printf("🔇 [VOICE] Room %s destroyed (last participant left)", conn.WorkspaceID)
	} else {
		log.Printf("🎙️ [VOICE] %s left room %s", userID, conn.WorkspaceID)
	}
}

// Relay forwards an offer, answer or ICE candidate point-to-point to the
// target user. Missing room or recipient is a silent no-op; signaling
// races against leaves are expected.
func (s *VoiceService) Relay(conn *models.UserConnection, kind, targetUserID string, payload json.RawMessage) {
	s.mu.Lock()
	room := s.rooms[conn.WorkspaceID]
	if room == nil {
		s.mu.Unlock()
		return
	}
	target, ok := room.members[targetUserID]
	fromUserID := ""
	for id, member := range room.members {
		if member.connID == conn.ConnID {
			fromUserID = id
			break
		}
	}
	s.mu.Unlock()

	if !ok || fromUserID == "" {
		return
	}

	targetConn, found := s.connManager.Get(target.connID)
	if !found {
		return
	}

	msg := models.ServerMessage{
		Type:       kind,
		FromUserID: fromUserID,
	}
	switch kind {
	case "offer":
		msg.Offer = payload
	case "answer":
		msg.Answer = payload
	case "ice":
		msg.Candidate = payload
	default:
		return
	}
	targetConn.SafeSend(msg)
}

// UpdateState merges mute/speaking flags into a participant and fans the
// result out to the rest of the room.
func (s *VoiceService) UpdateState(conn *models.UserConnection, state *models.VoiceState) {
	if state == nil {
		return
	}

	s.mu.Lock()
	room := s.rooms[conn.WorkspaceID]
	if room == nil {
		s.mu.Unlock()
		return
	}
	var member *voiceMember
	for _, m := range room.members {
		if m.connID == conn.ConnID {
			member = m
			break
		}
	}
	if member == nil {
		s.mu.Unlock()
		return
	}
	if state.Muted != nil {
		member.participant.Muted = *state.Muted
	}
	if state.Speaking != nil {
		member.participant.Speaking = *state.Speaking
	}
	merged := member.participant
	peers := room.connIDs(conn.ConnID)
	s.mu.Unlock()

	s.sendToMembers(peers, models.ServerMessage{
		Type:       "voice-state",
		UserID:     merged.UserID,
		VoiceState: &merged,
	})
}

// Roster returns the current participants of a workspace room.
func (s *VoiceService) Roster(workspaceID string) []models.VoiceParticipant {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.rooms[workspaceID]
	if room == nil {
		return nil
	}
	return room.roster()
}

// Shutdown notifies every room participant that the server is going away.
func (s *VoiceService) Shutdown() {
	s.mu.Lock()
	rooms := len(s.rooms)
	var members []string
	for _, room := range s.rooms {
		members = append(members, room.connIDs("")...)
	}
	s.rooms = make(map[string]*voiceRoom)
	s.mu.Unlock()

	s.sendToMembers(members, models.ServerMessage{Type: "server-shutdown"})
	if rooms > 0 {
		log.Printf("🔌 [VOICE] Shutdown broadcast to %d room(s)", rooms)
	}
}

// Stats returns participant counts per workspace room.
func (s *VoiceService) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[string]int, len(s.rooms))
	for workspaceID, room := range s.rooms {
		stats[workspaceID] = len(room.members)
	}
	return stats
}

// sendToMembers delivers a notice to room member connections only.
// Workspace peers outside the voice room never see signaling state.
func (s *VoiceService) sendToMembers(connIDs []string, msg models.ServerMessage) {
	for _, connID := range connIDs {
		if conn, ok := s.connManager.Get(connID); ok {
			conn.SafeSend(msg)
		}
	}
}

func (r *voiceRoom) connIDs(exclude string) []string {
	out := make([]string, 0, len(r.members))
	for _, member := range r.members {
		if member.connID != exclude {
			out = append(out, member.connID)
		}
	}
	return out
}

func (r *voiceRoom) roster() []models.VoiceParticipant {
	out := make([]models.VoiceParticipant, 0, len(r.members))
	for _, userID := range r.order {
		if member, ok := r.members[userID]; ok {
			out = append(out, member.participant)
		}
	}
	return out
}
