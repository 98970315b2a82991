package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"voicesfu/internal/domain"
	"voicesfu/internal/protocol"
	"voicesfu/internal/sfu"
)

// trackWait bounds how long publish_audio waits for the remote track
// before answering with a pending track id.
const trackWait = 5 * time.Second

func (ctl *Controller) handleCreatePublisher(sess *session) {
	roomID, ok := ctl.requireRoom(sess)
	if !ok {
		return
	}

	offer, err := ctl.Router.CreatePublisher(sess.userID, roomID)
	if err != nil {
		ctl.sendRouterError(sess.conn, err)
		return
	}
	ctl.sendJSON(sess.conn, protocol.PublisherCreated{
		Type: protocol.TypePublisherCreated,
		SDP:  offer,
	})
}

func (ctl *Controller) handlePublishAudio(sess *session, data []byte) {
	if _, ok := ctl.requireRoom(sess); !ok {
		return
	}
	var p protocol.PublishAudio
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(sess.conn, sfu.CodeInvalidSDP, "bad publish_audio payload")
		return
	}

	if err := ctl.Router.SetPublisherAnswer(sess.userID, p.SDP); err != nil {
		ctl.sendRouterError(sess.conn, err)
		return
	}

	// The track arrives only after ICE and DTLS complete; wait a bounded
	// interval so the reply can carry the real track id.
	ctx, cancel := context.WithTimeout(context.Background(), trackWait)
	defer cancel()
	trackID, err := ctl.Router.AwaitPublisherTrack(ctx, sess.userID)
	if err != nil {
		log.Warn().
			Str("module", "signal").
			Str("user", string(sess.userID)).
			Msg("track not captured before reply deadline")
		trackID = "pending"
	}

	ctl.sendJSON(sess.conn, protocol.AudioPublished{
		Type:    protocol.TypeAudioPublished,
		TrackID: trackID,
	})
}

func (ctl *Controller) handleCreateConsumer(sess *session, data []byte) {
	roomID, ok := ctl.requireRoom(sess)
	if !ok {
		return
	}
	var p protocol.CreateConsumer
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(sess.conn, sfu.CodeInternal, "bad create_consumer payload")
		return
	}

	source := domain.UserID(p.PublisherUserID)
	if _, ok := ctl.Registry.Get(source); !ok {
		ctl.sendError(sess.conn, sfu.CodeNotFound, "unknown participant: "+p.PublisherUserID)
		return
	}
	if sourceRoom, ok := ctl.Registry.RoomOf(source); !ok || sourceRoom != roomID {
		ctl.sendError(sess.conn, sfu.CodeNotFound, "participant not in your room: "+p.PublisherUserID)
		return
	}

	offer, err := ctl.Router.CreateConsumer(sess.userID, source)
	if err != nil {
		ctl.sendRouterError(sess.conn, err)
		return
	}
	ctl.sendJSON(sess.conn, protocol.ConsumerCreated{
		Type:            protocol.TypeConsumerCreated,
		PublisherUserID: source,
		SDP:             offer,
	})
}

func (ctl *Controller) handleConsumerAnswer(sess *session, data []byte) {
	if _, ok := ctl.requireRoom(sess); !ok {
		return
	}
	var p protocol.ConsumerAnswer
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(sess.conn, sfu.CodeInvalidSDP, "bad consumer_answer payload")
		return
	}
	if err := ctl.Router.SetConsumerAnswer(sess.userID, domain.UserID(p.PublisherUserID), p.SDP); err != nil {
		ctl.sendRouterError(sess.conn, err)
	}
}

func (ctl *Controller) handlePublisherICE(sess *session, data []byte) {
	if sess.userID == "" {
		ctl.sendError(sess.conn, sfu.CodeNotRegistered, "register first")
		return
	}
	var p protocol.ICECandidate
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(sess.conn, sfu.CodeInternal, "bad candidate payload")
		return
	}
	if err := ctl.Router.AddPublisherICE(sess.userID, toCandidateInit(p)); err != nil {
		log.Warn().Err(err).
			Str("module", "signal").
			Str("user", string(sess.userID)).
			Msg("publisher candidate rejected")
	}
}

func (ctl *Controller) handleConsumerICE(sess *session, data []byte) {
	if sess.userID == "" {
		ctl.sendError(sess.conn, sfu.CodeNotRegistered, "register first")
		return
	}
	var p protocol.ICECandidate
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(sess.conn, sfu.CodeInternal, "bad candidate payload")
		return
	}
	if err := ctl.Router.AddConsumerICE(sess.userID, domain.UserID(p.PublisherUserID), toCandidateInit(p)); err != nil {
		log.Warn().Err(err).
			Str("module", "signal").
			Str("user", string(sess.userID)).
			Str("source", p.PublisherUserID).
			Msg("consumer candidate rejected")
	}
}

// requireRoom checks the registered-and-in-room precondition shared by the
// media handlers.
func (ctl *Controller) requireRoom(sess *session) (domain.RoomID, bool) {
	if sess.userID == "" {
		ctl.sendError(sess.conn, sfu.CodeNotRegistered, "register first")
		return "", false
	}
	roomID, ok := ctl.Registry.RoomOf(sess.userID)
	if !ok {
		ctl.sendError(sess.conn, sfu.CodeNotInRoom, "join a room first")
		return "", false
	}
	return roomID, true
}

func toCandidateInit(p protocol.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMid:        p.SDPMid,
		SDPMLineIndex: p.SDPMLineIndex,
	}
}

// PublisherTrackReady implements sfu.EventSink: once a publisher's track is
// captured, every other room member learns about the new source.
func (ctl *Controller) PublisherTrackReady(userID domain.UserID, trackID string) {
	roomID, ok := ctl.Registry.RoomOf(userID)
	if !ok {
		return
	}
	user, ok := ctl.Registry.Get(userID)
	if !ok {
		return
	}
	log.Info().
		Str("module", "signal").
		Str("user", string(userID)).
		Str("track_id", trackID).
		Msg("announcing new publisher")
	ctl.broadcastRoom(roomID, userID, protocol.UserEvent{
		Type:     protocol.TypeNewPublisher,
		UserID:   userID,
		Username: user.Username,
	})
}

// PublisherClosed implements sfu.EventSink. Consumers of the source observe
// end-of-stream on their tracks; no extra frame is defined for this.
func (ctl *Controller) PublisherClosed(userID domain.UserID) {
	log.Info().
		Str("module", "signal").
		Str("user", string(userID)).
		Msg("publisher closed")
}

// ConsumerClosed implements sfu.EventSink.
func (ctl *Controller) ConsumerClosed(subscriber, source domain.UserID) {
	log.Info().
		Str("module", "signal").
		Str("subscriber", string(subscriber)).
		Str("source", string(source)).
		Msg("consumer closed")
}

// PublisherICECandidate implements sfu.EventSink: trickle a locally
// gathered candidate of the publisher leg to its client.
func (ctl *Controller) PublisherICECandidate(userID domain.UserID, c webrtc.ICECandidateInit) {
	conn, ok := ctl.Registry.Conn(userID)
	if !ok {
		return
	}
	ctl.sendJSON(conn, protocol.ServerICECandidate{
		Type:          protocol.TypePublisherICE,
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// ConsumerICECandidate implements sfu.EventSink for the consumer leg.
func (ctl *Controller) ConsumerICECandidate(subscriber, source domain.UserID, c webrtc.ICECandidateInit) {
	conn, ok := ctl.Registry.Conn(subscriber)
	if !ok {
		return
	}
	ctl.sendJSON(conn, protocol.ServerICECandidate{
		Type:            protocol.TypeConsumerICE,
		PublisherUserID: source,
		Candidate:       c.Candidate,
		SDPMid:          c.SDPMid,
		SDPMLineIndex:   c.SDPMLineIndex,
	})
}
