package domain

import "github.com/google/uuid"

type RoomID string

type Room struct {
	ID RoomID
}

// NewRoom allocates a room with a fresh identifier.
func NewRoom() *Room {
	return &Room{ID: RoomID(uuid.NewString())}
}
