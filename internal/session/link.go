package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkrasnov/peerlink/internal/protocol"
	"github.com/dkrasnov/peerlink/internal/util"
)

// link is one live WebSocket connection to the hub. Writes from the session
// API, the keepalive ticker, and the read loop serialize through a mutex.
type link struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// dialHub connects to the hub's /ws endpoint.
func dialHub(ctx context.Context, url string) (*link, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	return &link{
		conn: conn,
		done: make(chan struct{}),
	}, nil
}

func (l *link) write(env *protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// keepalive sends ping envelopes at the given cadence until the link dies.
func (l *link) keepalive(senderID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.write(protocol.New(protocol.TypePing, senderID)); err != nil {
				util.LogDebug("keepalive write failed: %v", err)
				return
			}
		case <-l.done:
			return
		}
	}
}
