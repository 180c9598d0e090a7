// Package config holds the tunable parameters for the hub and the peer side.
package config

import "time"

// Hub configures the relay hub process.
type Hub struct {
	ListenAddr        string        // TCP address for the WebSocket listener
	MaxFrameSize      int64         // fatal close for frames above this
	HeartbeatInterval time.Duration // hub → socket protocol ping cadence
	LivenessTimeout   time.Duration // force-close after this much silence
	RegistrationGrace time.Duration // time a socket may stay unregistered
}

// DefaultHub returns the hub defaults.
func DefaultHub() Hub {
	return Hub{
		ListenAddr:        ":9470",
		MaxFrameSize:      1 << 20,
		HeartbeatInterval: 30 * time.Second,
		LivenessTimeout:   60 * time.Second,
		RegistrationGrace: 10 * time.Second,
	}
}

// Session configures one peer's link to the hub.
type Session struct {
	HubURL             string        // ws:// or wss:// URL of the hub
	PeerID             string        // self-assigned identity (random when empty)
	KeepaliveInterval  time.Duration // ping cadence while the link is open
	ConnectTimeout     time.Duration // per-peer connection-request deadline
	ReconnectAttempts  int           // give up after this many reconnects
	ReconnectBaseDelay time.Duration // linear backoff unit (attempt × base)
}

// DefaultSession returns the session defaults for the given hub URL.
func DefaultSession(hubURL string) Session {
	return Session{
		HubURL:             hubURL,
		KeepaliveInterval:  30 * time.Second,
		ConnectTimeout:     15 * time.Second,
		ReconnectAttempts:  3,
		ReconnectBaseDelay: time.Second,
	}
}

// Transfer configures the chunked-transfer engine.
type Transfer struct {
	ChunkPacing time.Duration // delay between successive chunk sends
	MaxFileSize int64         // reject announced transfers above this (0 disables)
}

// DefaultTransfer returns the transfer defaults.
func DefaultTransfer() Transfer {
	return Transfer{
		ChunkPacing: 5 * time.Millisecond,
		MaxFileSize: 1 << 30,
	}
}
