// Package signal is the WebSocket signaling adapter: it translates inbound
// protocol frames into router and registry calls and pushes router events
// back out to clients.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"voicesfu/internal/app"
	"voicesfu/internal/config"
	"voicesfu/internal/domain"
	"voicesfu/internal/protocol"
	"voicesfu/internal/sfu"
)

var ErrBackpressure = errors.New("backpressure")

// Controller wires one WebSocket endpoint to the shared registries and the
// SFU router. It also implements sfu.EventSink.
type Controller struct {
	Registry *app.Registry
	Rooms    *app.Rooms
	Router   *sfu.Router
	Policy   app.Policy
	Cfg      *config.Config
}

func NewController(cfg *config.Config, reg *app.Registry, rooms *app.Rooms, router *sfu.Router) *Controller {
	ctl := &Controller{
		Registry: reg,
		Rooms:    rooms,
		Router:   router,
		Policy:   app.SimplePolicy{},
		Cfg:      cfg,
	}
	router.SetEvents(ctl)
	return ctl
}

// wsConn wraps one client's socket with a bounded send queue.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// session is the per-connection state. userID is empty until register.
type session struct {
	conn   *wsConn
	userID domain.UserID
	cancel context.CancelFunc
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the pumps until disconnect.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.Cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Cfg.ReadLimit)
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, 32),
	}
	ctx, cancel := context.WithCancel(ctx)
	sess := &session{conn: conn, cancel: cancel}

	go ctl.writePump(ctx, conn)
	go func() {
		// Closing the socket is the only way to unblock ReadMessage when
		// the session context is cancelled from outside the read pump.
		<-ctx.Done()
		conn.Close()
	}()
	ctl.readPump(ctx, sess)

	cancel()
	ctl.teardown(sess)
	conn.Close()
}

func (ctl *Controller) sendJSON(c app.SignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *Controller) sendError(c app.SignalConn, code sfu.Code, message string) {
	ctl.sendJSON(c, protocol.NewError(string(code), message))
}

// sendRouterError maps a tagged router error onto an outbound error frame.
func (ctl *Controller) sendRouterError(c app.SignalConn, err error) {
	ctl.sendError(c, sfu.CodeOf(err), err.Error())
}

// broadcastRoom fans a frame out to every member of roomID except skip.
func (ctl *Controller) broadcastRoom(roomID domain.RoomID, skip domain.UserID, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("broadcast marshal")
		return
	}
	for _, snap := range ctl.Registry.MembersOfRoom(roomID) {
		if snap.UserID == skip {
			continue
		}
		if err := snap.Conn.TrySend(b); err != nil {
			if errors.Is(err, ErrBackpressure) && ctl.Policy != nil {
				switch ctl.Policy.OnBackpressure(snap.UserID) {
				case app.Disconnect:
					ctl.Registry.Cancel(snap.UserID)
				case app.DropFrame, app.NoAction:
				}
			}
			log.Warn().
				Str("module", "signal").
				Str("user", string(snap.UserID)).
				Err(err).
				Msg("broadcast send failed")
		}
	}
}

// teardown runs once when the socket goes away: it removes the participant
// from the SFU, the room and the registry, in that order.
func (ctl *Controller) teardown(sess *session) {
	if sess.userID == "" {
		return
	}
	uid := sess.userID
	log.Info().Str("module", "signal").Str("user", string(uid)).Msg("cleaning up session")

	ctl.Router.RemoveParticipant(uid)

	if roomID, ok := ctl.Registry.RoomOf(uid); ok {
		user, _ := ctl.Registry.Get(uid)
		ctl.Registry.ClearRoom(uid)
		ctl.Rooms.RemoveMember(roomID, uid)
		if user != nil {
			ctl.broadcastRoom(roomID, uid, protocol.UserEvent{
				Type:     protocol.TypeUserLeft,
				UserID:   uid,
				Username: user.Username,
			})
		}
	}

	ctl.Registry.Unregister(uid)
}
