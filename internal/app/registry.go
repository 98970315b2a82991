// Package app holds participant and room state shared by the signaling
// adapter and the SFU router. It owns no transport or media resources.
package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"voicesfu/internal/domain"
)

// SignalConn is the outbound side of one participant's signaling channel.
// Owned by the adapter; the adapter must Close() it.
type SignalConn interface {
	TrySend(data []byte) error
	Close()
}

type entry struct {
	User   *domain.User
	Conn   SignalConn
	RoomID domain.RoomID
	Cancel context.CancelFunc
}

// MemberSnap is a point-in-time view of one registered participant.
type MemberSnap struct {
	UserID   domain.UserID
	Username string
	Conn     SignalConn
}

// Registry maps registered participants to their signaling connection and
// current room. All mutation happens under one write lock.
type Registry struct {
	mu    sync.RWMutex
	users map[domain.UserID]*entry
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[domain.UserID]*entry)}
}

// Register binds a participant to its signaling connection. Cancel stops
// the session's pumps when the participant is evicted.
func (r *Registry) Register(user *domain.User, conn SignalConn, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = &entry{User: user, Conn: conn, Cancel: cancel}
	log.Info().
		Str("module", "app.registry").
		Str("user", string(user.ID)).
		Str("username", user.Username).
		Msg("participant registered")
}

func (r *Registry) Get(userID domain.UserID) (*domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.users[userID]; ok {
		return e.User, true
	}
	return nil, false
}

func (r *Registry) Conn(userID domain.UserID) (SignalConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.users[userID]; ok {
		return e.Conn, true
	}
	return nil, false
}

// RoomOf returns the participant's current room, if any.
func (r *Registry) RoomOf(userID domain.UserID) (domain.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.users[userID]
	if !ok || e.RoomID == "" {
		return "", false
	}
	return e.RoomID, true
}

func (r *Registry) UpdateRoom(userID domain.UserID, roomID domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[userID]
	if !ok {
		return false
	}
	e.RoomID = roomID
	log.Info().
		Str("module", "app.registry").
		Str("user", string(userID)).
		Str("room", string(roomID)).
		Msg("updated room")
	return true
}

func (r *Registry) ClearRoom(userID domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.users[userID]; ok {
		e.RoomID = ""
	}
}

// MembersOfRoom snapshots every registered participant currently in roomID.
func (r *Registry) MembersOfRoom(roomID domain.RoomID) []MemberSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberSnap, 0, len(r.users))
	for id, e := range r.users {
		if e.RoomID == roomID {
			out = append(out, MemberSnap{UserID: id, Username: e.User.Username, Conn: e.Conn})
		}
	}
	return out
}

// Unregister drops the participant. The caller is responsible for SFU and
// room cleanup; this only forgets the identity binding.
func (r *Registry) Unregister(userID domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, userID)
	log.Info().
		Str("module", "app.registry").
		Str("user", string(userID)).
		Msg("participant unregistered")
}

// Cancel fires the session's cancel func, stopping its pumps.
func (r *Registry) Cancel(userID domain.UserID) bool {
	r.mu.RLock()
	e, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	return true
}
