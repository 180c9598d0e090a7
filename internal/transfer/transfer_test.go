package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/dkrasnov/peerlink/internal/codec"
	"github.com/dkrasnov/peerlink/internal/config"
	"github.com/dkrasnov/peerlink/internal/hub"
	"github.com/dkrasnov/peerlink/internal/protocol"
	"github.com/dkrasnov/peerlink/internal/session"
)

const eventTimeout = 5 * time.Second

// newReceiver builds an engine with a detached session manager so the
// receiver path can be driven directly with crafted envelopes.
func newReceiver(t *testing.T) (*Engine, *session.Manager, <-chan session.Event) {
	t.Helper()
	sess := session.New(config.DefaultSession("ws://127.0.0.1:1/ws"))
	events := sess.Subscribe()
	engine := New(config.DefaultTransfer(), sess)
	return engine, sess, events
}

// fileSequence encrypts data the way a sender would and returns the
// file-start / file-chunk* / file-complete envelopes from peer "remote".
func fileSequence(t *testing.T, secret []byte, transferID string, data []byte) []*protocol.Envelope {
	t.Helper()
	key, nonce, err := codec.DeriveKey(secret, transferID)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext, err := codec.Seal(data, key, nonce)
	if err != nil {
		t.Fatal(err)
	}

	total := codec.ChunkCount(len(ciphertext))
	envs := []*protocol.Envelope{
		protocol.New(protocol.TypeFileStart, "remote").WithPayload(protocol.FileStartPayload{
			TransferID: transferID,
			FileName:   "blob.bin",
			FileSize:   int64(len(ciphertext)),
			FileType:   "application/octet-stream",
		}),
	}
	for i := 0; i < total; i++ {
		end := (i + 1) * codec.ChunkSize
		if end > len(ciphertext) {
			end = len(ciphertext)
		}
		envs = append(envs, protocol.New(protocol.TypeFileChunk, "remote").
			WithPayload(protocol.FileChunkPayload{
				TransferID:  transferID,
				ChunkIndex:  i,
				TotalChunks: total,
				Chunk:       ciphertext[i*codec.ChunkSize : end],
			}))
	}
	envs = append(envs, protocol.New(protocol.TypeFileComplete, "remote").
		WithPayload(protocol.FileCompletePayload{TransferID: transferID}))
	return envs
}

func waitKind(t *testing.T, ch <-chan session.Event, kind session.EventKind) session.Event {
	t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event arrived", kind)
		}
	}
}

func TestReceiveReassembles40000Bytes(t *testing.T) {
	engine, sess, events := newReceiver(t)
	secret := []byte("shared out of band")
	sess.SetSecret("remote", secret)

	data := make([]byte, 40000)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	envs := fileSequence(t, secret, "t-40000", data)
	// 40000 plaintext bytes carry a 16-byte tag: still 3 chunks.
	if got := len(envs); got != 5 {
		t.Fatalf("sequence length = %d, want start + 3 chunks + complete", got)
	}
	for _, env := range envs {
		engine.HandleFileEnvelope(env)
	}

	waitKind(t, events, session.EventTransferStart)

	last := 0.0
	for i := 0; i < 3; i++ {
		ev := waitKind(t, events, session.EventTransferProgress)
		if ev.Progress < last {
			t.Fatalf("progress went backwards: %f after %f", ev.Progress, last)
		}
		last = ev.Progress
	}
	if last != 1.0 {
		t.Fatalf("final chunk progress = %f, want 1.0", last)
	}

	done := waitKind(t, events, session.EventTransferComplete)
	if !bytes.Equal(done.Data, data) {
		t.Fatal("reassembled plaintext mismatch")
	}
	if len(done.Data) != 40000 {
		t.Fatalf("reassembled length = %d", len(done.Data))
	}
	// Events report the plaintext size, not the ciphertext length.
	if done.Transfer.Size != 40000 {
		t.Fatalf("event size = %d, want 40000", done.Transfer.Size)
	}
}

func TestOversizeFileStartRejected(t *testing.T) {
	engine, sess, events := newReceiver(t)
	sess.SetSecret("remote", []byte("shared"))

	start := protocol.New(protocol.TypeFileStart, "remote").
		WithPayload(protocol.FileStartPayload{
			TransferID: "t-huge",
			FileName:   "huge.bin",
			FileSize:   1 << 40,
			FileType:   "application/octet-stream",
		})
	engine.HandleFileEnvelope(start)

	ev := waitKind(t, events, session.EventTransferError)
	if !errors.Is(ev.Err, ErrFileTooLarge) {
		t.Fatalf("err = %v, want ErrFileTooLarge", ev.Err)
	}
}

func TestDuplicateChunkDoesNotDoubleCount(t *testing.T) {
	engine, sess, events := newReceiver(t)
	secret := []byte("shared")
	sess.SetSecret("remote", secret)

	data := make([]byte, 2*codec.ChunkSize) // 2 chunks + tag spill = 3
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	envs := fileSequence(t, secret, "t-dup", data)
	start, chunks, complete := envs[0], envs[1:len(envs)-1], envs[len(envs)-1]

	engine.HandleFileEnvelope(start)
	engine.HandleFileEnvelope(chunks[0])
	engine.HandleFileEnvelope(chunks[0]) // duplicate delivery
	for _, c := range chunks[1:] {
		engine.HandleFileEnvelope(c)
	}
	engine.HandleFileEnvelope(complete)

	// Were the duplicate counted twice, receivedChunks would hit total
	// early and the duplicate progress would exceed its true share.
	waitKind(t, events, session.EventTransferStart)
	first := waitKind(t, events, session.EventTransferProgress)
	dup := waitKind(t, events, session.EventTransferProgress)
	if dup.Progress != first.Progress {
		t.Fatalf("duplicate chunk moved progress from %f to %f", first.Progress, dup.Progress)
	}

	done := waitKind(t, events, session.EventTransferComplete)
	if !bytes.Equal(done.Data, data) {
		t.Fatal("plaintext mismatch after duplicate delivery")
	}
}

func TestChunkIndexOutOfRange(t *testing.T) {
	engine, sess, events := newReceiver(t)
	secret := []byte("shared")
	sess.SetSecret("remote", secret)

	envs := fileSequence(t, secret, "t-range", []byte("tiny"))
	engine.HandleFileEnvelope(envs[0])

	bad := protocol.New(protocol.TypeFileChunk, "remote").
		WithPayload(protocol.FileChunkPayload{
			TransferID:  "t-range",
			ChunkIndex:  5,
			TotalChunks: 1,
			Chunk:       []byte{1, 2, 3},
		})
	engine.HandleFileEnvelope(bad)

	ev := waitKind(t, events, session.EventTransferError)
	if !errors.Is(ev.Err, ErrChunkOutOfRange) {
		t.Fatalf("err = %v, want ErrChunkOutOfRange", ev.Err)
	}
}

func TestMissingChunkFailsCompletion(t *testing.T) {
	engine, sess, events := newReceiver(t)
	secret := []byte("shared")
	sess.SetSecret("remote", secret)

	data := make([]byte, 40000)
	envs := fileSequence(t, secret, "t-gap", data)

	engine.HandleFileEnvelope(envs[0]) // start
	engine.HandleFileEnvelope(envs[1]) // chunk 0 only
	engine.HandleFileEnvelope(envs[len(envs)-1])

	ev := waitKind(t, events, session.EventTransferError)
	if !errors.Is(ev.Err, ErrMissingChunk) {
		t.Fatalf("err = %v, want ErrMissingChunk", ev.Err)
	}
}

func TestTamperedCiphertextFails(t *testing.T) {
	engine, sess, events := newReceiver(t)
	secret := []byte("shared")
	sess.SetSecret("remote", secret)

	envs := fileSequence(t, secret, "t-tamper", []byte("authentic content"))

	var p protocol.FileChunkPayload
	if err := envs[1].DecodePayload(&p); err != nil {
		t.Fatal(err)
	}
	p.Chunk[0] ^= 0xFF
	envs[1].WithPayload(p)

	for _, env := range envs {
		engine.HandleFileEnvelope(env)
	}

	ev := waitKind(t, events, session.EventTransferError)
	if !errors.Is(ev.Err, codec.ErrDecryptFailed) {
		t.Fatalf("err = %v, want ErrDecryptFailed", ev.Err)
	}
}

func TestCompleteWithoutSecretFails(t *testing.T) {
	engine, _, events := newReceiver(t)
	secret := []byte("only the sender has this")

	for _, env := range fileSequence(t, secret, "t-nosecret", []byte("data")) {
		engine.HandleFileEnvelope(env)
	}

	ev := waitKind(t, events, session.EventTransferError)
	if !errors.Is(ev.Err, ErrNoSecret) {
		t.Fatalf("err = %v, want ErrNoSecret", ev.Err)
	}
}

func TestSendFileRequiresConnection(t *testing.T) {
	engine, _, _ := newReceiver(t)

	if _, err := engine.SendFile("stranger", "f.txt", "text/plain", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

// TestEndToEndTransfer moves a file between two live sessions through a real
// hub and checks both sides' event streams.
func TestEndToEndTransfer(t *testing.T) {
	hubCfg := config.DefaultHub()
	hubCfg.ListenAddr = "127.0.0.1:0"
	h := hub.New(hubCfg)
	if err := h.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Close)
	url := "ws://" + h.Addr() + "/ws"

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	newPeer := func(id string) (*session.Manager, *Engine, <-chan session.Event) {
		cfg := config.DefaultSession(url)
		cfg.PeerID = id
		sess := session.New(cfg)
		events := sess.Subscribe()
		engine := New(config.DefaultTransfer(), sess)
		go sess.Run(ctx)
		return sess, engine, events
	}

	a, engineA, eventsA := newPeer("peer-a")
	b, _, eventsB := newPeer("peer-b")

	secret := []byte("established alongside the session")
	a.SetSecret("peer-b", secret)
	b.SetSecret("peer-a", secret)

	waitOnline(t, a)
	waitOnline(t, b)

	if err := a.Connect("peer-b"); err != nil {
		t.Fatal(err)
	}
	waitKind(t, eventsB, session.EventConnectionRequest)
	if err := b.Accept("peer-a"); err != nil {
		t.Fatal(err)
	}
	waitKind(t, eventsA, session.EventConnection)
	waitKind(t, eventsB, session.EventConnection)

	data := make([]byte, 40000)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	transferID, err := engineA.SendFile("peer-b", "blob.bin", "application/octet-stream", data)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	sent := waitKind(t, eventsA, session.EventTransferComplete)
	if sent.Transfer.ID != transferID {
		t.Fatalf("sender completed %s, want %s", sent.Transfer.ID, transferID)
	}

	got := waitKind(t, eventsB, session.EventTransferComplete)
	if got.Transfer.ID != transferID {
		t.Fatalf("receiver completed %s, want %s", got.Transfer.ID, transferID)
	}
	// Both sides report the plaintext size in events.
	if sent.Transfer.Size != 40000 || got.Transfer.Size != 40000 {
		t.Fatalf("event sizes = %d / %d, want 40000", sent.Transfer.Size, got.Transfer.Size)
	}
	if !bytes.Equal(got.Data, data) {
		t.Fatal("file corrupted in transit")
	}
	if got.Transfer.Name != "blob.bin" {
		t.Fatalf("name = %q", got.Transfer.Name)
	}
}

func waitOnline(t *testing.T, m *session.Manager) {
	t.Helper()
	deadline := time.Now().Add(eventTimeout)
	for time.Now().Before(deadline) {
		if m.Online() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("manager %s never registered", m.PeerID())
}
