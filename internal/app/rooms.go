package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"voicesfu/internal/domain"
)

// RoomInfo is the read-only view served by the rooms listing endpoint.
type RoomInfo struct {
	ID          domain.RoomID `json:"room_id"`
	MemberCount int           `json:"member_count"`
}

// Rooms manages room membership sets. A room is created on demand and
// destroyed when its last member leaves.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]map[domain.UserID]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[domain.RoomID]map[domain.UserID]struct{})}
}

// Create allocates an empty room and returns it.
func (m *Rooms) Create() *domain.Room {
	room := domain.NewRoom()
	m.mu.Lock()
	m.rooms[room.ID] = make(map[domain.UserID]struct{})
	m.mu.Unlock()
	log.Info().
		Str("module", "app.rooms").
		Str("room", string(room.ID)).
		Msg("room created")
	return room
}

func (m *Rooms) Exists(roomID domain.RoomID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID]
	return ok
}

// AddMember joins userID to roomID. Reports false when the room is unknown.
func (m *Rooms) AddMember(roomID domain.RoomID, userID domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	members[userID] = struct{}{}
	return true
}

// RemoveMember drops userID from roomID and destroys the room when empty.
func (m *Rooms) RemoveMember(roomID domain.RoomID, userID domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.rooms[roomID]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(m.rooms, roomID)
		log.Info().
			Str("module", "app.rooms").
			Str("room", string(roomID)).
			Msg("room destroyed, last member left")
	}
}

// Members snapshots the member set of roomID.
func (m *Rooms) Members(roomID domain.RoomID) []domain.UserID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]domain.UserID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

func (m *Rooms) MemberCount(roomID domain.RoomID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[roomID])
}

// List snapshots every live room for the lobby endpoint.
func (m *Rooms) List() []RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RoomInfo, 0, len(m.rooms))
	for id, members := range m.rooms {
		out = append(out, RoomInfo{ID: id, MemberCount: len(members)})
	}
	return out
}
