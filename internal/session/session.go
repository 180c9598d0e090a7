// Package session implements the client side of the relay protocol: the hub
// link with keepalive and bounded reconnect, the per-peer connection state
// machine, and the typed event stream consumed by the UI layer.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dkrasnov/peerlink/internal/config"
	"github.com/dkrasnov/peerlink/internal/protocol"
	"github.com/dkrasnov/peerlink/internal/util"
)

// Status is the connection state machine position for one remote peer.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "idle"
	}
}

var (
	// ErrSelfConnect rejects connection requests to our own peer id.
	ErrSelfConnect = errors.New("session: cannot connect to self")
	// ErrNotPending rejects accept/reject of peers that never asked.
	ErrNotPending = errors.New("session: peer has no pending request")
	// ErrConnectTimeout fails an attempt the remote never answered.
	ErrConnectTimeout = errors.New("session: connection request timed out")
	// ErrRejected fails an attempt the remote explicitly declined.
	ErrRejected = errors.New("session: connection request rejected")
	// ErrPeerNotFound fails an attempt whose target the hub does not know.
	ErrPeerNotFound = errors.New("session: peer not registered at hub")
	// ErrOffline reports an unaddressed send while the hub link is down.
	ErrOffline = errors.New("session: hub link is down")
	// ErrEvicted ends the session when another socket takes over its peer
	// id. Reconnecting would only evict the new holder back.
	ErrEvicted = errors.New("session: peer id registered by another session")
)

// Connection is the session-owned record of one established peer.
type Connection struct {
	PeerID       string
	Connected    bool
	LastActivity time.Time
}

// FileHandler receives the transfer-related envelopes and hub-reported
// delivery failures. Implemented by the transfer engine.
type FileHandler interface {
	HandleFileEnvelope(env *protocol.Envelope)
	HandleDeliveryFailure(original *protocol.Envelope)
}

// Manager owns one peer's relationship with the hub and its peers.
type Manager struct {
	cfg    config.Session
	peerID string

	mu          sync.Mutex
	link        *link
	registered  bool
	evicted     bool
	conns       map[string]*Connection
	pending     map[string]bool
	dialing     map[string]*time.Timer
	failed      map[string]bool
	secrets     map[string][]byte
	queue       *messageQueue
	events      emitter
	fileHandler FileHandler
}

// New creates a session manager. A random peer id is generated when the
// configuration leaves it empty.
func New(cfg config.Session) *Manager {
	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
	}
	return &Manager{
		cfg:     cfg,
		peerID:  cfg.PeerID,
		conns:   make(map[string]*Connection),
		pending: make(map[string]bool),
		dialing: make(map[string]*time.Timer),
		failed:  make(map[string]bool),
		secrets: make(map[string][]byte),
		queue:   newMessageQueue(),
	}
}

// PeerID returns this session's self-assigned identity.
func (m *Manager) PeerID() string { return m.peerID }

// Online reports whether the hub link is up and registered.
func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

// Subscribe returns a channel of session and transfer events.
func (m *Manager) Subscribe() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events.subscribe()
}

// SetFileHandler wires the transfer engine in. Must be called before Run.
func (m *Manager) SetFileHandler(h FileHandler) {
	m.mu.Lock()
	m.fileHandler = h
	m.mu.Unlock()
}

// SetSecret installs the out-of-band shared secret for a peer. The transfer
// engine derives per-file keys from it; it never crosses the hub.
func (m *Manager) SetSecret(peerID string, secret []byte) {
	m.mu.Lock()
	m.secrets[peerID] = secret
	m.mu.Unlock()
}

// Secret returns the shared secret installed for a peer, if any.
func (m *Manager) Secret(peerID string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[peerID]
	return s, ok
}

// Status reports the state machine position for a remote peer.
func (m *Manager) Status(peerID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.conns[peerID]; c != nil && c.Connected {
		return StatusConnected
	}
	if _, ok := m.dialing[peerID]; ok {
		return StatusConnecting
	}
	if m.failed[peerID] {
		return StatusFailed
	}
	return StatusIdle
}

// IsConnected reports whether a connection record exists for the peer.
func (m *Manager) IsConnected(peerID string) bool {
	return m.Status(peerID) == StatusConnected
}

// Peers lists the currently connected peer ids.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]string, 0, len(m.conns))
	for id := range m.conns {
		peers = append(peers, id)
	}
	return peers
}

// PendingRequests lists peers with an unresolved inbound request.
func (m *Manager) PendingRequests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]string, 0, len(m.pending))
	for id := range m.pending {
		peers = append(peers, id)
	}
	return peers
}

// QueuedMessages reports how many envelopes wait for the link to return.
func (m *Manager) QueuedMessages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// ---------------------------------------------------------------------------
// Session API
// ---------------------------------------------------------------------------

// Connect starts a connection attempt to peerID. Connecting to self fails
// synchronously; an already-connected peer succeeds trivially; a failed
// attempt is only retried by calling Connect again.
func (m *Manager) Connect(peerID string) error {
	if peerID == m.peerID {
		return ErrSelfConnect
	}
	if peerID == "" {
		return errors.New("session: empty peer id")
	}

	m.mu.Lock()
	if c := m.conns[peerID]; c != nil && c.Connected {
		m.mu.Unlock()
		return nil
	}
	if _, inFlight := m.dialing[peerID]; inFlight {
		m.mu.Unlock()
		return nil
	}
	delete(m.failed, peerID)
	m.dialing[peerID] = time.AfterFunc(m.cfg.ConnectTimeout, func() {
		m.failDial(peerID, ErrConnectTimeout)
	})
	m.mu.Unlock()

	return m.Send(protocol.New(protocol.TypeConnectionRequest, m.peerID).WithTarget(peerID))
}

// Accept resolves a pending inbound request: the requester becomes a
// connected peer and is told so.
func (m *Manager) Accept(peerID string) error {
	m.mu.Lock()
	if !m.pending[peerID] {
		m.mu.Unlock()
		return ErrNotPending
	}
	delete(m.pending, peerID)
	m.installConnLocked(peerID)
	m.mu.Unlock()

	return m.Send(protocol.New(protocol.TypeConnectionAccept, m.peerID).WithTarget(peerID))
}

// Reject declines a pending inbound request.
func (m *Manager) Reject(peerID string) error {
	m.mu.Lock()
	if !m.pending[peerID] {
		m.mu.Unlock()
		return ErrNotPending
	}
	delete(m.pending, peerID)
	m.mu.Unlock()

	return m.Send(protocol.New(protocol.TypeConnectionReject, m.peerID).WithTarget(peerID))
}

// Disconnect removes the local connection record and tells the peer,
// best-effort: the record goes regardless of delivery.
func (m *Manager) Disconnect(peerID string) error {
	m.mu.Lock()
	if _, had := m.conns[peerID]; had {
		delete(m.conns, peerID)
		m.events.emit(Event{Kind: EventDisconnection, Peer: peerID})
	}
	m.mu.Unlock()

	return m.Send(protocol.New(protocol.TypeDisconnect, m.peerID).WithTarget(peerID))
}

// Send delivers an envelope to the hub. Addressed envelopes that cannot be
// sent while the link is down are queued and flushed on re-registration.
func (m *Manager) Send(env *protocol.Envelope) error {
	m.mu.Lock()
	l := m.link
	up := m.registered
	m.mu.Unlock()

	if !up || l == nil {
		return m.queueOrFail(env)
	}
	if err := l.write(env); err != nil {
		return m.queueOrFail(env)
	}
	return nil
}

func (m *Manager) queueOrFail(env *protocol.Envelope) error {
	if env.TargetID == "" {
		return ErrOffline
	}
	m.mu.Lock()
	m.queue.push(env.TargetID, env)
	m.mu.Unlock()
	util.LogDebug("link down, queued %s for %s", env.Type, env.TargetID)
	return nil
}

// ---------------------------------------------------------------------------
// Hub link lifecycle
// ---------------------------------------------------------------------------

// Run maintains the hub link until ctx is cancelled or the reconnect budget
// is spent. Reconnects back off linearly with the attempt number; after the
// cap an EventOffline is emitted and Run returns the last link error.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	var lastErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		l, err := dialHub(ctx, m.cfg.HubURL)
		if err == nil {
			registered, linkErr := m.runLink(ctx, l)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if registered {
				attempt = 0
			}
			lastErr = linkErr
		} else {
			lastErr = err
		}

		// An eviction is terminal: the identity now belongs to another
		// socket and re-registering would just evict it back.
		m.mu.Lock()
		evicted := m.evicted
		if evicted {
			m.events.emit(Event{Kind: EventOffline, Err: ErrEvicted})
		}
		m.mu.Unlock()
		if evicted {
			return ErrEvicted
		}

		attempt++
		if attempt > m.cfg.ReconnectAttempts {
			m.mu.Lock()
			m.events.emit(Event{Kind: EventOffline, Err: lastErr})
			m.mu.Unlock()
			return fmt.Errorf("session: hub link abandoned after %d attempts: %w",
				m.cfg.ReconnectAttempts, lastErr)
		}

		delay := time.Duration(attempt) * m.cfg.ReconnectBaseDelay
		util.LogWarning("hub link down (%v), reconnect %d/%d in %s",
			lastErr, attempt, m.cfg.ReconnectAttempts, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runLink drives one connected link: register, keepalive, read loop.
// Returns whether registration ever succeeded on this link.
func (m *Manager) runLink(ctx context.Context, l *link) (bool, error) {
	m.mu.Lock()
	m.link = l
	m.registered = false
	m.mu.Unlock()

	defer func() {
		l.close()
		m.mu.Lock()
		if m.link == l {
			m.link = nil
			m.registered = false
		}
		m.mu.Unlock()
	}()

	reg := protocol.New(protocol.TypeRegister, m.peerID).
		WithPayload(protocol.RegisterPayload{PeerID: m.peerID})
	if err := l.write(reg); err != nil {
		return false, err
	}

	go l.keepalive(m.peerID, m.cfg.KeepaliveInterval)
	go func() {
		select {
		case <-ctx.Done():
			l.close()
		case <-l.done:
		}
	}()

	registered := false
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return registered, err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			util.LogWarning("dropping bad frame from hub: %v", err)
			continue
		}
		if env.Type == protocol.TypeRegistered {
			registered = true
		}
		m.handle(l, env)
	}
}

// ---------------------------------------------------------------------------
// Inbound envelope handling
// ---------------------------------------------------------------------------

func (m *Manager) handle(l *link, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRegistered:
		m.onRegistered(l)

	case protocol.TypePing:
		_ = l.write(protocol.New(protocol.TypePong, m.peerID))

	case protocol.TypePong, protocol.TypeRequestSent:
		// Keepalive bookkeeping only.

	case protocol.TypeConnectionRequest:
		m.onConnectionRequest(env.SenderID)

	case protocol.TypeConnectionAccept:
		m.onConnectionAccept(env.SenderID)

	case protocol.TypeConnectionReject:
		m.failDial(env.SenderID, ErrRejected)

	case protocol.TypeDisconnect:
		m.onPeerGone(env.SenderID)

	case protocol.TypePeerDisconnected:
		var gone protocol.RegisterPayload
		if err := env.DecodePayload(&gone); err == nil {
			m.onPeerGone(gone.PeerID)
		}

	case protocol.TypeFileStart, protocol.TypeFileChunk, protocol.TypeFileComplete:
		m.mu.Lock()
		h := m.fileHandler
		m.mu.Unlock()
		if h != nil {
			h.HandleFileEnvelope(env)
		}

	case protocol.TypeError:
		m.onHubError(env)
	}
}

func (m *Manager) onRegistered(l *link) {
	m.mu.Lock()
	m.registered = true
	queued := m.queue.drain()
	m.mu.Unlock()

	util.LogInfo("registered with hub as %s", m.peerID)

	for i, env := range queued {
		if err := l.write(env); err != nil {
			m.mu.Lock()
			for _, rest := range queued[i:] {
				m.queue.push(rest.TargetID, rest)
			}
			m.mu.Unlock()
			return
		}
	}
}

func (m *Manager) onConnectionRequest(from string) {
	if from == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if c := m.conns[from]; c != nil && c.Connected {
		return
	}
	if m.pending[from] {
		// Duplicate unresolved request, not re-queued.
		return
	}
	m.pending[from] = true
	m.events.emit(Event{Kind: EventConnectionRequest, Peer: from})
}

func (m *Manager) onConnectionAccept(from string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	timer, ok := m.dialing[from]
	if !ok {
		util.LogDebug("stray connection-accept from %s, ignoring", from)
		return
	}
	timer.Stop()
	delete(m.dialing, from)
	m.installConnLocked(from)
}

// failDial moves an in-flight attempt to the failed state. No cancel
// envelope is sent to the remote peer.
func (m *Manager) failDial(peerID string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	timer, ok := m.dialing[peerID]
	if !ok {
		return
	}
	timer.Stop()
	delete(m.dialing, peerID)
	m.failed[peerID] = true
	m.events.emit(Event{Kind: EventConnectFailed, Peer: peerID, Err: cause})
}

func (m *Manager) onPeerGone(peerID string) {
	if peerID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, peerID)
	if _, had := m.conns[peerID]; had {
		delete(m.conns, peerID)
		m.events.emit(Event{Kind: EventDisconnection, Peer: peerID})
	}
}

func (m *Manager) onHubError(env *protocol.Envelope) {
	var pe protocol.ErrorPayload
	if err := env.DecodePayload(&pe); err != nil {
		return
	}

	switch pe.Error {
	case protocol.ErrPeerNotFound:
		if pe.OriginalMessage == nil {
			return
		}
		switch pe.OriginalMessage.Type {
		case protocol.TypeConnectionRequest:
			m.failDial(pe.OriginalMessage.TargetID, ErrPeerNotFound)
		case protocol.TypeFileStart, protocol.TypeFileChunk, protocol.TypeFileComplete:
			m.mu.Lock()
			h := m.fileHandler
			m.mu.Unlock()
			if h != nil {
				h.HandleDeliveryFailure(pe.OriginalMessage)
			}
		}

	case protocol.ErrDuplicateConnection:
		util.LogWarning("hub evicted this session: %s", pe.Message)
		m.mu.Lock()
		m.evicted = true
		l := m.link
		m.mu.Unlock()
		if l != nil {
			l.close()
		}

	default:
		util.LogWarning("hub error %s: %s", pe.Error, pe.Message)
	}
}

// installConnLocked creates the connection record and emits the event.
// Caller holds m.mu.
func (m *Manager) installConnLocked(peerID string) {
	delete(m.failed, peerID)
	m.conns[peerID] = &Connection{
		PeerID:       peerID,
		Connected:    true,
		LastActivity: time.Now(),
	}
	m.events.emit(Event{Kind: EventConnection, Peer: peerID})
}

// Emit publishes an event on behalf of the transfer engine.
func (m *Manager) Emit(ev Event) {
	m.mu.Lock()
	m.events.emit(ev)
	m.mu.Unlock()
}

// Close tears the link down and closes every subscriber channel.
func (m *Manager) Close() {
	m.mu.Lock()
	l := m.link
	m.link = nil
	m.registered = false
	m.events.closeAll()
	m.mu.Unlock()

	if l != nil {
		l.close()
	}
}
