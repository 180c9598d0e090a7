package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkrasnov/peerlink/internal/protocol"
	"github.com/dkrasnov/peerlink/internal/util"
)

// client is one accepted socket. Its read loop runs on the HTTP handler
// goroutine; a companion goroutine drives the registration grace window and
// the heartbeat/liveness timers. All writes serialize through writeMu.
type client struct {
	hub  *Hub
	conn *websocket.Conn

	writeMu sync.Mutex

	idMu   sync.Mutex
	peerID string

	lastActivity atomic.Int64 // unix nanos of the last inbound frame
	closeOnce    sync.Once
	done         chan struct{}
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	c := &client{
		hub:  h,
		conn: conn,
		done: make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *client) id() string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	return c.peerID
}

func (c *client) setID(peerID string) {
	c.idMu.Lock()
	c.peerID = peerID
	c.idMu.Unlock()
}

func (c *client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// run processes the socket until it dies, then releases its registration.
func (c *client) run() {
	go c.watch()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.touch()
		c.handle(data)
	}

	c.close()
	c.hub.drop(c)
}

// watch enforces the registration grace window, sends protocol pings, and
// force-closes the socket after prolonged silence.
func (c *client) watch() {
	grace := time.NewTimer(c.hub.cfg.RegistrationGrace)
	defer grace.Stop()
	heartbeat := time.NewTicker(c.hub.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-grace.C:
			if c.id() == "" {
				util.LogWarning("socket never registered within %s, closing",
					c.hub.cfg.RegistrationGrace)
				c.close()
				return
			}

		case <-heartbeat.C:
			idle := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idle > c.hub.cfg.LivenessTimeout {
				util.LogWarning("peer %q silent for %s, closing", c.id(), idle.Round(time.Second))
				c.close()
				return
			}
			c.send(protocol.New(protocol.TypePing, ""))

		case <-c.done:
			return
		}
	}
}

// handle processes one inbound frame. A bad frame is reported, never fatal.
func (c *client) handle(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		c.sendError(protocol.ErrInvalidMessage, err.Error(), nil)
		return
	}

	switch {
	case env.Type == protocol.TypeRegister:
		var reg protocol.RegisterPayload
		if err := env.DecodePayload(&reg); err != nil || reg.PeerID == "" {
			c.sendError(protocol.ErrInvalidMessage, "register requires a peerId", nil)
			return
		}
		c.hub.register(c, reg.PeerID)

	case c.id() == "":
		c.sendError(protocol.ErrNotRegistered, "register before sending messages", nil)

	case env.Type == protocol.TypePing:
		c.send(protocol.New(protocol.TypePong, ""))

	case env.Type == protocol.TypePong:
		// Activity clock already refreshed.

	case env.TargetID != "":
		// The request-sent ack is independent of delivery success.
		if env.Type == protocol.TypeConnectionRequest {
			c.send(protocol.New(protocol.TypeRequestSent, ""))
		}
		c.hub.forward(c, env)

	default:
		util.LogDebug("peer %q sent unaddressed %s, ignoring", c.id(), env.Type)
	}
}

// send writes one envelope to the socket. Safe for concurrent callers.
func (c *client) send(env *protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) sendError(code protocol.ErrorCode, msg string, original *protocol.Envelope) {
	c.send(protocol.New(protocol.TypeError, "").WithPayload(protocol.ErrorPayload{
		Error:           code,
		Message:         msg,
		OriginalMessage: original,
	}))
}
