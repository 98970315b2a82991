package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"voicesfu/internal/protocol"
	"voicesfu/internal/sfu"
)

const writeWait = 5 * time.Second

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(ctl.Cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, sess *session) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := sess.conn.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Msg("readPump closing")
				return
			}
			ctl.dispatch(sess, data)
		}
	}
}

// dispatch routes one inbound frame by its type discriminator.
func (ctl *Controller) dispatch(sess *session, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(sess.conn, sfu.CodeInternal, "invalid message format")
		return
	}

	switch env.Type {
	case protocol.TypeRegister:
		ctl.handleRegister(sess, data)
	case protocol.TypeCreateRoom:
		ctl.handleCreateRoom(sess)
	case protocol.TypeJoinRoom:
		ctl.handleJoinRoom(sess, data)
	case protocol.TypeLeaveRoom:
		ctl.handleLeaveRoom(sess)
	case protocol.TypeCreatePublisher:
		ctl.handleCreatePublisher(sess)
	case protocol.TypePublishAudio:
		ctl.handlePublishAudio(sess, data)
	case protocol.TypeCreateConsumer:
		ctl.handleCreateConsumer(sess, data)
	case protocol.TypeConsumerAnswer:
		ctl.handleConsumerAnswer(sess, data)
	case protocol.TypePublisherICE:
		ctl.handlePublisherICE(sess, data)
	case protocol.TypeConsumerICE:
		ctl.handleConsumerICE(sess, data)
	case protocol.TypePing:
		ctl.sendJSON(sess.conn, protocol.Pong{Type: protocol.TypePong})
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(sess.conn, sfu.CodeInternal, "unknown message type: "+env.Type)
	}
}
