package transfer

import (
	"fmt"

	"github.com/dkrasnov/peerlink/internal/codec"
	"github.com/dkrasnov/peerlink/internal/protocol"
	"github.com/dkrasnov/peerlink/internal/session"
	"github.com/dkrasnov/peerlink/internal/util"
)

// inboundTransfer is one receiver-side reassembly. Slots are pre-sized at
// file-start time; chunk indices outside the array are a transfer error
// rather than cause for growth.
type inboundTransfer struct {
	info   session.TransferInfo
	from   string
	total  int
	ctSize int64

	received int
	slots    [][]byte
}

func (in *inboundTransfer) progress() float64 {
	return float64(in.received) / float64(in.total)
}

func (e *Engine) onFileStart(env *protocol.Envelope) {
	var p protocol.FileStartPayload
	if err := env.DecodePayload(&p); err != nil {
		util.LogWarning("bad file-start from %s: %v", env.SenderID, err)
		return
	}

	total := codec.ChunkCount(int(p.FileSize))
	// The announced size is the ciphertext length; events carry the
	// plaintext size the file will have after decryption.
	info := session.TransferInfo{
		ID:       p.TransferID,
		Name:     p.FileName,
		Size:     p.FileSize - codec.Overhead,
		MimeType: p.FileType,
	}
	if total <= 0 || p.FileSize < codec.Overhead {
		e.fail(info, env.SenderID, fmt.Errorf("transfer: invalid file size %d", p.FileSize))
		return
	}
	// The slot array is sized from a remote-supplied number; cap it
	// before allocating.
	if e.cfg.MaxFileSize > 0 && p.FileSize > e.cfg.MaxFileSize {
		e.fail(info, env.SenderID, fmt.Errorf("%w: %d bytes announced, limit %d",
			ErrFileTooLarge, p.FileSize, e.cfg.MaxFileSize))
		return
	}

	e.mu.Lock()
	e.inbound[p.TransferID] = &inboundTransfer{
		info:   info,
		from:   env.SenderID,
		total:  total,
		ctSize: p.FileSize,
		slots:  make([][]byte, total),
	}
	e.mu.Unlock()

	e.session.Emit(session.Event{
		Kind:     session.EventTransferStart,
		Peer:     env.SenderID,
		Transfer: info,
		Progress: 0,
	})
}

func (e *Engine) onFileChunk(env *protocol.Envelope) {
	var p protocol.FileChunkPayload
	if err := env.DecodePayload(&p); err != nil {
		util.LogWarning("bad file-chunk from %s: %v", env.SenderID, err)
		return
	}

	e.mu.Lock()
	in := e.inbound[p.TransferID]
	if in == nil {
		e.mu.Unlock()
		util.LogDebug("chunk for unknown transfer %s, dropping", p.TransferID)
		return
	}

	if p.ChunkIndex < 0 || p.ChunkIndex >= in.total {
		delete(e.inbound, p.TransferID)
		e.mu.Unlock()
		e.fail(in.info, in.from, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, p.ChunkIndex, in.total))
		return
	}

	// A duplicate delivery overwrites the slot without a second count.
	if in.slots[p.ChunkIndex] == nil {
		in.received++
	}
	in.slots[p.ChunkIndex] = p.Chunk
	info, from, prog := in.info, in.from, in.progress()
	e.mu.Unlock()

	e.progress(info, from, prog)
}

func (e *Engine) onFileComplete(env *protocol.Envelope) {
	var p protocol.FileCompletePayload
	if err := env.DecodePayload(&p); err != nil {
		util.LogWarning("bad file-complete from %s: %v", env.SenderID, err)
		return
	}

	e.mu.Lock()
	in := e.inbound[p.TransferID]
	delete(e.inbound, p.TransferID)
	e.mu.Unlock()
	if in == nil {
		util.LogDebug("file-complete for unknown transfer %s, dropping", p.TransferID)
		return
	}

	// A lost chunk fails the transfer instead of reassembling with a gap.
	if in.received != in.total {
		e.fail(in.info, in.from, fmt.Errorf("%w: have %d of %d", ErrMissingChunk, in.received, in.total))
		return
	}

	ciphertext := make([]byte, 0, in.ctSize)
	for _, slot := range in.slots {
		ciphertext = append(ciphertext, slot...)
	}

	secret, ok := e.session.Secret(in.from)
	if !ok {
		e.fail(in.info, in.from, ErrNoSecret)
		return
	}
	key, nonce, err := codec.DeriveKey(secret, in.info.ID)
	if err != nil {
		e.fail(in.info, in.from, err)
		return
	}
	plaintext, err := codec.Decrypt(ciphertext, key, nonce)
	if err != nil {
		e.fail(in.info, in.from, err)
		return
	}

	e.session.Emit(session.Event{
		Kind:     session.EventTransferComplete,
		Peer:     in.from,
		Transfer: in.info,
		Progress: 1,
		Data:     plaintext,
	})
}
