package server

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sessionhub/sessionhub/internal/logging"
	"github.com/sessionhub/sessionhub/pkg/types"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	// sendBuffer bounds per-subscriber backlog; a full buffer drops the
	// event for that subscriber rather than stalling the broadcast.
	sendBuffer = 256
)

var errSendBufferFull = errors.New("subscriber send buffer full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The server binds to loopback; origin checks add nothing here.
		return true
	},
}

// wsSubscriber adapts one WebSocket connection to the hub's subscriber
// interface. Events are queued on a buffered channel consumed by the
// write pump, so a slow connection never blocks the hub.
type wsSubscriber struct {
	id     string
	conn   *websocket.Conn
	send   chan types.Event
	closed atomic.Bool
	server *Server
}

func (c *wsSubscriber) ID() string   { return c.id }
func (c *wsSubscriber) Kind() string { return "socket" }

func (c *wsSubscriber) Available() bool { return !c.closed.Load() }

func (c *wsSubscriber) Send(ev types.Event) error {
	if c.closed.Load() {
		return errors.New("subscriber closed")
	}
	select {
	case c.send <- ev:
		return nil
	default:
		return errSendBufferFull
	}
}

// handleWebSocket upgrades the connection and registers it with the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsSubscriber{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan types.Event, sendBuffer),
		server: s,
	}

	s.hub.Register(c)

	go c.writePump()
	go c.readPump()
}

// readPump reads subscriber requests until the connection closes. The
// transport-level close is the only thing that unregisters a subscriber.
func (c *wsSubscriber) readPump() {
	defer func() {
		c.closed.Store(true)
		c.server.hub.Unregister(c.id)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		var req wsRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Str("subscriber", c.id).Msg("websocket read failed")
			}
			return
		}
		c.server.dispatch(c, req)
	}
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with pings.
func (c *wsSubscriber) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.closed.Store(true)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closed.Store(true)
				return
			}
		}
	}
}
