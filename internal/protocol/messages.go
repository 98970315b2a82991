// Package protocol defines the JSON wire schema of the signaling channel.
// Every frame is an object with a lower_snake_case "type" discriminator;
// the remaining fields depend on the type.
package protocol

import "voicesfu/internal/domain"

// Inbound message types (client -> server).
const (
	TypeRegister        = "register"
	TypeCreateRoom      = "create_room"
	TypeJoinRoom        = "join_room"
	TypeLeaveRoom       = "leave_room"
	TypeCreatePublisher = "create_publisher"
	TypePublishAudio    = "publish_audio"
	TypeCreateConsumer  = "create_consumer"
	TypeConsumerAnswer  = "consumer_answer"
	TypePublisherICE    = "publisher_ice_candidate"
	TypeConsumerICE     = "consumer_ice_candidate"
	TypePing            = "ping"
)

// Outbound message types (server -> client).
const (
	TypeRegistered       = "registered"
	TypeRoomCreated      = "room_created"
	TypeRoomJoined       = "room_joined"
	TypeRoomLeft         = "room_left"
	TypeUserJoined       = "user_joined"
	TypeUserLeft         = "user_left"
	TypePublisherCreated = "publisher_created"
	TypeAudioPublished   = "audio_published"
	TypeNewPublisher     = "new_publisher"
	TypeConsumerCreated  = "consumer_created"
	TypeError            = "error"
	TypePong             = "pong"
)

// Envelope is the minimal frame used to dispatch on "type".
type Envelope struct {
	Type string `json:"type"`
}

type Register struct {
	Username string `json:"username"`
}

type JoinRoom struct {
	RoomID string `json:"room_id"`
}

type PublishAudio struct {
	SDP string `json:"sdp"`
}

type CreateConsumer struct {
	PublisherUserID string `json:"publisher_user_id"`
}

type ConsumerAnswer struct {
	PublisherUserID string `json:"publisher_user_id"`
	SDP             string `json:"sdp"`
}

// ICECandidate is shared by publisher_ice_candidate and consumer_ice_candidate
// in both directions; PublisherUserID is set only on the consumer variant.
type ICECandidate struct {
	PublisherUserID string  `json:"publisher_user_id,omitempty"`
	Candidate       string  `json:"candidate"`
	SDPMid          *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex   *uint16 `json:"sdp_mline_index,omitempty"`
}

// ParticipantInfo is the member view inside room_joined.
type ParticipantInfo struct {
	UserID   domain.UserID `json:"user_id"`
	Username string        `json:"username"`
}

type Registered struct {
	Type   string        `json:"type"`
	UserID domain.UserID `json:"user_id"`
}

type RoomCreated struct {
	Type   string        `json:"type"`
	RoomID domain.RoomID `json:"room_id"`
}

type RoomJoined struct {
	Type               string            `json:"type"`
	RoomID             domain.RoomID     `json:"room_id"`
	Participants       []ParticipantInfo `json:"participants"`
	ExistingPublishers []domain.UserID   `json:"existing_publishers"`
}

type RoomLeft struct {
	Type string `json:"type"`
}

// UserEvent covers user_joined, user_left and new_publisher.
type UserEvent struct {
	Type     string        `json:"type"`
	UserID   domain.UserID `json:"user_id"`
	Username string        `json:"username"`
}

type PublisherCreated struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type AudioPublished struct {
	Type    string `json:"type"`
	TrackID string `json:"track_id"`
}

type ConsumerCreated struct {
	Type            string        `json:"type"`
	PublisherUserID domain.UserID `json:"publisher_user_id"`
	SDP             string        `json:"sdp"`
}

// ServerICECandidate is a locally gathered candidate trickled to the client.
type ServerICECandidate struct {
	Type            string        `json:"type"`
	PublisherUserID domain.UserID `json:"publisher_user_id,omitempty"`
	Candidate       string        `json:"candidate"`
	SDPMid          *string       `json:"sdp_mid,omitempty"`
	SDPMLineIndex   *uint16       `json:"sdp_mline_index,omitempty"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type Pong struct {
	Type string `json:"type"`
}

func NewError(code, message string) Error {
	return Error{Type: TypeError, Code: code, Message: message}
}
