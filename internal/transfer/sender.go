package transfer

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dkrasnov/peerlink/internal/codec"
	"github.com/dkrasnov/peerlink/internal/protocol"
	"github.com/dkrasnov/peerlink/internal/session"
)

// outboundTransfer tracks one sender-side sequence so a hub-reported
// delivery failure can cut it short between chunks.
type outboundTransfer struct {
	id      string
	peer    string
	aborted atomic.Bool
}

func (o *outboundTransfer) abort() { o.aborted.Store(true) }

// SendFile encrypts data under a key derived from the peer's shared secret
// and streams it as 16 KiB chunks. It returns the transfer id immediately;
// emission runs in the background and reports through events.
func (e *Engine) SendFile(peerID, name, mimeType string, data []byte) (string, error) {
	if !e.session.IsConnected(peerID) {
		return "", ErrNotConnected
	}
	secret, ok := e.session.Secret(peerID)
	if !ok {
		return "", ErrNoSecret
	}

	transferID := uuid.NewString()
	key, nonce, err := codec.DeriveKey(secret, transferID)
	if err != nil {
		return "", err
	}
	ciphertext, err := codec.Seal(data, key, nonce)
	if err != nil {
		return "", err
	}

	out := &outboundTransfer{id: transferID, peer: peerID}
	e.mu.Lock()
	e.outbound[transferID] = out
	e.mu.Unlock()

	// Events report the plaintext size; the wire fileSize stays the
	// ciphertext length so the receiver's chunk math lines up.
	info := session.TransferInfo{
		ID:       transferID,
		Name:     name,
		Size:     int64(len(data)),
		MimeType: mimeType,
	}
	go e.runSend(out, info, ciphertext)

	return transferID, nil
}

// runSend emits the file-start / file-chunk* / file-complete sequence in
// strictly increasing index order, pacing successive chunks. Any send
// failure aborts the remainder; partial transfers are not resumed.
func (e *Engine) runSend(out *outboundTransfer, info session.TransferInfo, ciphertext []byte) {
	defer func() {
		e.mu.Lock()
		delete(e.outbound, out.id)
		e.mu.Unlock()
	}()

	self := e.session.PeerID()

	e.session.Emit(session.Event{
		Kind:     session.EventTransferStart,
		Peer:     out.peer,
		Transfer: info,
		Progress: 0,
	})

	start := protocol.New(protocol.TypeFileStart, self).WithTarget(out.peer).
		WithPayload(protocol.FileStartPayload{
			TransferID: info.ID,
			FileName:   info.Name,
			FileSize:   int64(len(ciphertext)),
			FileType:   info.MimeType,
		})
	if err := e.session.Send(start); err != nil {
		e.fail(info, out.peer, err)
		return
	}

	total := codec.ChunkCount(len(ciphertext))
	for i := 0; i < total; i++ {
		if out.aborted.Load() {
			e.fail(info, out.peer, ErrAborted)
			return
		}

		end := (i + 1) * codec.ChunkSize
		if end > len(ciphertext) {
			end = len(ciphertext)
		}
		chunk := protocol.New(protocol.TypeFileChunk, self).WithTarget(out.peer).
			WithPayload(protocol.FileChunkPayload{
				TransferID:  info.ID,
				ChunkIndex:  i,
				TotalChunks: total,
				Chunk:       ciphertext[i*codec.ChunkSize : end],
			})
		if err := e.session.Send(chunk); err != nil {
			e.fail(info, out.peer, err)
			return
		}

		e.progress(info, out.peer, float64(i+1)/float64(total))

		if i < total-1 && e.cfg.ChunkPacing > 0 {
			time.Sleep(e.cfg.ChunkPacing)
		}
	}

	if out.aborted.Load() {
		e.fail(info, out.peer, ErrAborted)
		return
	}

	done := protocol.New(protocol.TypeFileComplete, self).WithTarget(out.peer).
		WithPayload(protocol.FileCompletePayload{TransferID: info.ID})
	if err := e.session.Send(done); err != nil {
		e.fail(info, out.peer, err)
		return
	}

	e.session.Emit(session.Event{
		Kind:     session.EventTransferComplete,
		Peer:     out.peer,
		Transfer: info,
		Progress: 1,
	})
}
