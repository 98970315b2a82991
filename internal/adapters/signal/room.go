package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"voicesfu/internal/domain"
	"voicesfu/internal/protocol"
	"voicesfu/internal/sfu"
)

func (ctl *Controller) handleRegister(sess *session, data []byte) {
	var p protocol.Register
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(sess.conn, sfu.CodeInternal, "bad register payload")
		return
	}

	user, err := domain.NewUser(p.Username)
	if err != nil {
		ctl.sendError(sess.conn, sfu.CodeInternal, err.Error())
		return
	}

	// Re-registering on the same socket replaces the previous identity.
	if sess.userID != "" {
		ctl.teardown(sess)
	}
	sess.userID = user.ID
	ctl.Registry.Register(user, sess.conn, sess.cancel)

	ctl.sendJSON(sess.conn, protocol.Registered{
		Type:   protocol.TypeRegistered,
		UserID: user.ID,
	})
}

func (ctl *Controller) handleCreateRoom(sess *session) {
	if sess.userID == "" {
		ctl.sendError(sess.conn, sfu.CodeNotRegistered, "register first")
		return
	}
	room := ctl.Rooms.Create()
	ctl.sendJSON(sess.conn, protocol.RoomCreated{
		Type:   protocol.TypeRoomCreated,
		RoomID: room.ID,
	})
}

func (ctl *Controller) handleJoinRoom(sess *session, data []byte) {
	if sess.userID == "" {
		ctl.sendError(sess.conn, sfu.CodeNotRegistered, "register first")
		return
	}
	var p protocol.JoinRoom
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(sess.conn, sfu.CodeInternal, "bad join_room payload")
		return
	}
	roomID := domain.RoomID(p.RoomID)
	if !ctl.Rooms.Exists(roomID) {
		ctl.sendError(sess.conn, sfu.CodeRoomNotFound, "room not found: "+p.RoomID)
		return
	}

	// Joining while in another room leaves the old one first.
	if _, ok := ctl.Registry.RoomOf(sess.userID); ok {
		ctl.leaveCurrentRoom(sess)
	}

	ctl.Rooms.AddMember(roomID, sess.userID)
	ctl.Registry.UpdateRoom(sess.userID, roomID)

	members := ctl.Registry.MembersOfRoom(roomID)
	participants := make([]protocol.ParticipantInfo, 0, len(members))
	memberIDs := make([]domain.UserID, 0, len(members))
	for _, m := range members {
		participants = append(participants, protocol.ParticipantInfo{
			UserID:   m.UserID,
			Username: m.Username,
		})
		if m.UserID != sess.userID {
			memberIDs = append(memberIDs, m.UserID)
		}
	}

	ctl.sendJSON(sess.conn, protocol.RoomJoined{
		Type:               protocol.TypeRoomJoined,
		RoomID:             roomID,
		Participants:       participants,
		ExistingPublishers: ctl.Router.PublishingMembers(memberIDs),
	})

	user, _ := ctl.Registry.Get(sess.userID)
	log.Info().
		Str("module", "signal").
		Str("user", string(sess.userID)).
		Str("room", string(roomID)).
		Msg("joined room")

	ctl.broadcastRoom(roomID, sess.userID, protocol.UserEvent{
		Type:     protocol.TypeUserJoined,
		UserID:   sess.userID,
		Username: user.Username,
	})
}

func (ctl *Controller) handleLeaveRoom(sess *session) {
	if sess.userID == "" {
		ctl.sendError(sess.conn, sfu.CodeNotRegistered, "register first")
		return
	}
	if _, ok := ctl.Registry.RoomOf(sess.userID); !ok {
		ctl.sendError(sess.conn, sfu.CodeNotInRoom, "not in a room")
		return
	}
	ctl.leaveCurrentRoom(sess)
	ctl.sendJSON(sess.conn, protocol.RoomLeft{Type: protocol.TypeRoomLeft})
}

// leaveCurrentRoom tears down the participant's SFU sessions, removes room
// membership and notifies the remaining members.
func (ctl *Controller) leaveCurrentRoom(sess *session) {
	roomID, ok := ctl.Registry.RoomOf(sess.userID)
	if !ok {
		return
	}

	ctl.Router.RemoveParticipant(sess.userID)
	ctl.Registry.ClearRoom(sess.userID)
	ctl.Rooms.RemoveMember(roomID, sess.userID)

	user, _ := ctl.Registry.Get(sess.userID)
	if user != nil {
		ctl.broadcastRoom(roomID, sess.userID, protocol.UserEvent{
			Type:     protocol.TypeUserLeft,
			UserID:   sess.userID,
			Username: user.Username,
		})
	}

	log.Info().
		Str("module", "signal").
		Str("user", string(sess.userID)).
		Str("room", string(roomID)).
		Msg("left room")
}
