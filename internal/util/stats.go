package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Stats collects relay traffic counters for one hub instance.
type Stats struct {
	Registered  atomic.Int64 // cumulative registrations since start
	Departed    atomic.Int64 // cumulative deregistrations/closes since start
	Forwarded   atomic.Int64 // envelopes forwarded between peers
	BytesRelaid atomic.Int64 // payload bytes moved through the hub
}

func (s *Stats) AddPeer()    { s.Registered.Add(1) }
func (s *Stats) RemovePeer() { s.Departed.Add(1) }
func (s *Stats) AddForward(n int) {
	s.Forwarded.Add(1)
	s.BytesRelaid.Add(int64(n))
}

// StartReporter launches a goroutine that logs relay statistics every
// 10 seconds while there is movement. It stops when ctx is cancelled.
func (s *Stats) StartReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevFwd, prevBytes, prevReg, prevDep int64
		for {
			select {
			case <-ticker.C:
				reg := s.Registered.Load()
				dep := s.Departed.Load()
				fwd := s.Forwarded.Load()
				bytes := s.BytesRelaid.Load()

				rate := float64(bytes-prevBytes) / 10.0
				if fwd != prevFwd || reg != prevReg || dep != prevDep {
					LogInfo("Relay: %s/s | Fwd: %d | Peers: %d↑ %d↓",
						formatBytes(rate), fwd-prevFwd, reg-prevReg, dep-prevDep)
				}

				prevFwd = fwd
				prevBytes = bytes
				prevReg = reg
				prevDep = dep

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}
