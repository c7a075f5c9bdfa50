package substrate

import (
	"sync"

	"github.com/wirebench/wirebench-go/contracts"
)

// PendingTable correlates in-flight requests with their acknowledgment
// envelopes by message id. One table is owned per binding instance and torn
// down on disconnect. Replies for unknown or already-resolved ids are
// dropped, never matched by arrival order.
type PendingTable struct {
	mu      sync.Mutex
	pending map[string]chan *contracts.Envelope
	closed  bool
}

// NewPendingTable creates an empty correlation table.
func NewPendingTable() *PendingTable {
	return &PendingTable{pending: make(map[string]chan *contracts.Envelope)}
}

// Register creates the pending-result slot for a message id. The returned
// channel yields at most one envelope.
func (t *PendingTable) Register(messageID string) <-chan *contracts.Envelope {
	ch := make(chan *contracts.Envelope, 1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		close(ch)
		return ch
	}
	t.pending[messageID] = ch
	return ch
}

// Resolve routes a reply envelope to its waiting slot. The envelope must be
// an ACK whose payload decodes to an acknowledgment; the acknowledgment's
// original message id selects the slot. Returns false when the reply does
// not decode or matches no pending request.
func (t *PendingTable) Resolve(env *contracts.Envelope) bool {
	if env == nil || env.Type != contracts.MessageTypeAck {
		return false
	}
	ack, err := contracts.DeserializeAck(env.Payload)
	if err != nil || ack.OriginalMessageID == "" {
		return false
	}

	t.mu.Lock()
	ch, ok := t.pending[ack.OriginalMessageID]
	if ok {
		delete(t.pending, ack.OriginalMessageID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

// Cancel discards the slot for a message id, typically after a timeout. The
// timeout cancels only the waiting operation, not the connection.
func (t *PendingTable) Cancel(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, messageID)
}

// Close discards every pending slot, waking all waiters with a closed
// channel. Called on disconnect.
func (t *PendingTable) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

// Len reports the number of in-flight requests.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
