// Package hub implements the relay that registers peers and forwards
// addressed envelopes between them. The hub holds no durable state: the
// registry lives in memory and payloads pass straight through.
package hub

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dkrasnov/peerlink/internal/config"
	"github.com/dkrasnov/peerlink/internal/protocol"
	"github.com/dkrasnov/peerlink/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub is an explicitly constructed relay instance. The registry is guarded
// by a mutex; there is no package-level state.
type Hub struct {
	cfg      config.Hub
	stats    *util.Stats
	listener net.Listener

	mu       sync.Mutex
	registry map[string]*client
}

// New creates a hub with the given configuration.
func New(cfg config.Hub) *Hub {
	return &Hub{
		cfg:      cfg,
		stats:    &util.Stats{},
		registry: make(map[string]*client),
	}
}

// Start begins listening on cfg.ListenAddr and serving WebSocket upgrades
// at /ws. It returns once the listener is bound.
func (h *Hub) Start() error {
	listener, err := net.Listen("tcp", h.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("hub listen: %w", err)
	}
	h.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	util.LogInfo("hub listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound listener address (useful with ":0").
func (h *Hub) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Stats exposes the hub's traffic counters.
func (h *Hub) Stats() *util.Stats {
	return h.stats
}

// PeerCount returns the number of live registrations.
func (h *Hub) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.registry)
}

// Close stops the listener and terminates every registered socket.
func (h *Hub) Close() {
	if h.listener != nil {
		h.listener.Close()
	}
	h.mu.Lock()
	clients := make([]*client, 0, len(h.registry))
	for _, c := range h.registry {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	// Frames above the limit are a fatal close for this socket only.
	conn.SetReadLimit(h.cfg.MaxFrameSize)

	c := newClient(h, conn)
	c.run()
}

// register installs c under peerID, evicting any previous holder. The
// evicted socket is told why and closed; its later cleanup must not touch
// the new entry.
func (h *Hub) register(c *client, peerID string) {
	h.mu.Lock()
	old := h.registry[peerID]
	if old == c {
		old = nil
	}
	if prev := c.id(); prev != "" && prev != peerID {
		// Same socket re-registering under a new identity.
		if h.registry[prev] == c {
			delete(h.registry, prev)
		}
	}
	h.registry[peerID] = c
	c.setID(peerID)
	h.mu.Unlock()

	if old != nil {
		util.LogInfo("peer %s re-registered, evicting previous socket", peerID)
		old.sendError(protocol.ErrDuplicateConnection,
			"another socket registered this peer id", nil)
		old.close()
	}

	h.stats.AddPeer()
	c.send(protocol.New(protocol.TypeRegistered, "").
		WithPayload(protocol.RegisterPayload{PeerID: peerID}))
}

// lookup returns the live client registered under peerID, if any.
func (h *Hub) lookup(peerID string) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry[peerID]
}

// drop removes c's registry entry if c still owns it, and tells every other
// live peer it is gone. An evicted socket no longer owns its entry and
// produces no broadcast.
func (h *Hub) drop(c *client) {
	peerID := c.id()
	if peerID == "" {
		return
	}

	h.mu.Lock()
	if h.registry[peerID] != c {
		h.mu.Unlock()
		return
	}
	delete(h.registry, peerID)
	others := make([]*client, 0, len(h.registry))
	for _, other := range h.registry {
		others = append(others, other)
	}
	h.mu.Unlock()

	h.stats.RemovePeer()
	util.LogInfo("peer %s disconnected, notifying %d peers", peerID, len(others))

	gone := protocol.New(protocol.TypePeerDisconnected, "").
		WithPayload(protocol.RegisterPayload{PeerID: peerID})
	for _, other := range others {
		other.send(gone)
	}
}

// forward delivers env to its target, rewriting the sender identity first.
// An unknown or dead target bounces a peer_not_found error back to from.
func (h *Hub) forward(from *client, env *protocol.Envelope) {
	env.SenderID = from.id()

	target := h.lookup(env.TargetID)
	if target == nil {
		from.sendError(protocol.ErrPeerNotFound,
			fmt.Sprintf("peer %s is not connected", env.TargetID), env)
		return
	}

	// Fire-and-forget beyond transport delivery.
	if err := target.send(env); err != nil {
		from.sendError(protocol.ErrPeerNotFound,
			fmt.Sprintf("peer %s is not reachable", env.TargetID), env)
		return
	}
	h.stats.AddForward(len(env.Payload))
}
