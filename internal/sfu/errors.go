package sfu

import (
	"errors"
	"fmt"
)

// Code is a stable error code surfaced to clients in protocol error frames.
type Code string

const (
	CodeNotRegistered     Code = "NOT_REGISTERED"
	CodeNotInRoom         Code = "NOT_IN_ROOM"
	CodeRoomNotFound      Code = "ROOM_NOT_FOUND"
	CodeNotFound          Code = "NOT_FOUND"
	CodeAlreadyPublishing Code = "ALREADY_PUBLISHING"
	CodeAlreadySubscribed Code = "ALREADY_SUBSCRIBED"
	CodeSelfSubscribe     Code = "SELF_SUBSCRIBE"
	CodeTrackNotFound     Code = "TRACK_NOT_FOUND"
	CodeInvalidSDP        Code = "INVALID_SDP"
	CodePeerConnFailed    Code = "PEER_CONNECTION_FAILED"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Error is a tagged router error. The signaling adapter maps it onto an
// outbound error frame without parsing the message text.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the stable code from err, or CodeInternal for
// unclassified failures.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}
