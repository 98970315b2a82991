package app

import "voicesfu/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	Disconnect
)

// Policy decides what happens to a participant whose outbound signaling
// queue is full.
type Policy interface {
	OnBackpressure(userID domain.UserID) BackpressureAction
}

// SimplePolicy drops the frame; a signaling channel that stays full will
// eventually miss a state change and the client reconnects.
type SimplePolicy struct{}

func (SimplePolicy) OnBackpressure(domain.UserID) BackpressureAction {
	return DropFrame
}
