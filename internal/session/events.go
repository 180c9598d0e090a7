package session

import (
	"github.com/dkrasnov/peerlink/internal/util"
)

// EventKind enumerates the notifications surfaced to the UI layer.
type EventKind string

const (
	EventConnection        EventKind = "connection"
	EventDisconnection     EventKind = "disconnection"
	EventConnectionRequest EventKind = "connectionRequest"
	EventConnectFailed     EventKind = "connectFailed"
	EventOffline           EventKind = "offline"

	EventTransferStart    EventKind = "fileTransferStart"
	EventTransferProgress EventKind = "fileTransferProgress"
	EventTransferComplete EventKind = "fileTransferComplete"
	EventTransferError    EventKind = "fileTransferError"
)

// TransferInfo describes one in-flight file for transfer events.
type TransferInfo struct {
	ID       string
	Name     string
	Size     int64
	MimeType string
}

// Event is the typed notification unit. Which fields are set depends on
// Kind: Peer is always set for connection events; Transfer/Progress for
// transfer events; Data carries the decrypted payload on a receiver-side
// completion; Err explains failures.
type Event struct {
	Kind     EventKind
	Peer     string
	Transfer TransferInfo
	Progress float64
	Data     []byte
	Err      error
}

const subscriberBuffer = 64

// emitter fans events out to per-subscriber buffered channels. A full
// subscriber loses the event with a warning instead of blocking the others
// or the session loop.
type emitter struct {
	closed bool
	subs   []chan Event
}

// subscribe after closeAll returns an already-closed channel so late
// subscribers observe the shutdown instead of blocking forever.
func (e *emitter) subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	if e.closed {
		close(ch)
		return ch
	}
	e.subs = append(e.subs, ch)
	return ch
}

func (e *emitter) emit(ev Event) {
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			util.LogWarning("event subscriber full, dropping %s", ev.Kind)
		}
	}
}

func (e *emitter) closeAll() {
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
	e.closed = true
}
