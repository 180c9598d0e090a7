// Package transfer drives chunked file exchange over an established session:
// sender-side chunk emission with pacing, receiver-side reassembly into
// pre-sized slots, and whole-file authenticated encryption at the edges.
package transfer

import (
	"errors"
	"sync"

	"github.com/dkrasnov/peerlink/internal/config"
	"github.com/dkrasnov/peerlink/internal/protocol"
	"github.com/dkrasnov/peerlink/internal/session"
	"github.com/dkrasnov/peerlink/internal/util"
)

var (
	// ErrNotConnected rejects a send to a peer without a connection record.
	ErrNotConnected = errors.New("transfer: peer is not connected")
	// ErrNoSecret rejects transfers for peers without an out-of-band secret.
	ErrNoSecret = errors.New("transfer: no shared secret for peer")
	// ErrChunkOutOfRange fails a transfer on a chunk index outside the
	// pre-sized slot array.
	ErrChunkOutOfRange = errors.New("transfer: chunk index out of range")
	// ErrMissingChunk fails a file-complete that arrived with unfilled slots.
	ErrMissingChunk = errors.New("transfer: chunk missing at completion")
	// ErrFileTooLarge rejects a file-start announcing more than the
	// configured maximum.
	ErrFileTooLarge = errors.New("transfer: announced file size over limit")
	// ErrAborted marks a sender sequence cut short by a delivery failure.
	ErrAborted = errors.New("transfer: aborted by delivery failure")
)

// Engine is the per-client transfer coordinator. One Engine serves any
// number of concurrent transfers; each failure is scoped to its transfer id.
type Engine struct {
	cfg     config.Transfer
	session *session.Manager

	mu       sync.Mutex
	inbound  map[string]*inboundTransfer
	outbound map[string]*outboundTransfer
}

// New creates an engine and wires it into the session's file envelope path.
func New(cfg config.Transfer, s *session.Manager) *Engine {
	e := &Engine{
		cfg:      cfg,
		session:  s,
		inbound:  make(map[string]*inboundTransfer),
		outbound: make(map[string]*outboundTransfer),
	}
	s.SetFileHandler(e)
	return e
}

// HandleFileEnvelope routes file-start/chunk/complete envelopes delivered by
// the session manager.
func (e *Engine) HandleFileEnvelope(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeFileStart:
		e.onFileStart(env)
	case protocol.TypeFileChunk:
		e.onFileChunk(env)
	case protocol.TypeFileComplete:
		e.onFileComplete(env)
	}
}

// HandleDeliveryFailure aborts the outbound transfer whose envelope the hub
// bounced (target vanished mid-sequence).
func (e *Engine) HandleDeliveryFailure(original *protocol.Envelope) {
	transferID := transferIDOf(original)
	if transferID == "" {
		return
	}
	e.mu.Lock()
	out := e.outbound[transferID]
	e.mu.Unlock()
	if out != nil {
		out.abort()
		util.LogWarning("transfer %s: hub bounced %s, aborting", transferID, original.Type)
	}
}

func transferIDOf(env *protocol.Envelope) string {
	switch env.Type {
	case protocol.TypeFileStart:
		var p protocol.FileStartPayload
		if env.DecodePayload(&p) == nil {
			return p.TransferID
		}
	case protocol.TypeFileChunk:
		var p protocol.FileChunkPayload
		if env.DecodePayload(&p) == nil {
			return p.TransferID
		}
	case protocol.TypeFileComplete:
		var p protocol.FileCompletePayload
		if env.DecodePayload(&p) == nil {
			return p.TransferID
		}
	}
	return ""
}

// fail emits a TransferError scoped to one transfer. Other transfers and
// the session link are untouched.
func (e *Engine) fail(info session.TransferInfo, peer string, err error) {
	util.LogWarning("transfer %s failed: %v", info.ID, err)
	e.session.Emit(session.Event{
		Kind:     session.EventTransferError,
		Peer:     peer,
		Transfer: info,
		Err:      err,
	})
}

func (e *Engine) progress(info session.TransferInfo, peer string, p float64) {
	e.session.Emit(session.Event{
		Kind:     session.EventTransferProgress,
		Peer:     peer,
		Transfer: info,
		Progress: p,
	})
}
