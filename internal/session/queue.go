package session

import "github.com/dkrasnov/peerlink/internal/protocol"

// messageQueue buffers envelopes that could not be sent while the hub link
// was down, keyed by target peer. Drained FIFO per target on re-registration.
type messageQueue struct {
	byTarget map[string][]*protocol.Envelope
}

func newMessageQueue() *messageQueue {
	return &messageQueue{byTarget: make(map[string][]*protocol.Envelope)}
}

func (q *messageQueue) push(targetID string, env *protocol.Envelope) {
	q.byTarget[targetID] = append(q.byTarget[targetID], env)
}

// drain removes and returns every queued envelope, FIFO within each target.
func (q *messageQueue) drain() []*protocol.Envelope {
	var all []*protocol.Envelope
	for _, envs := range q.byTarget {
		all = append(all, envs...)
	}
	q.byTarget = make(map[string][]*protocol.Envelope)
	return all
}

func (q *messageQueue) len() int {
	n := 0
	for _, envs := range q.byTarget {
		n += len(envs)
	}
	return n
}
