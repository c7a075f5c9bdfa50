package substrate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wirebench/wirebench-go/contracts"
)

// memHub is a process-local exchange of target mailboxes and reply
// mailboxes. It backs the broker-less mem substrate used by the end-to-end
// tests and local runs.
type memHub struct {
	mu      sync.Mutex
	targets map[int]chan []byte
	replies map[string]chan []byte
}

// NewMemHub creates an isolated hub. Bindings default to a process-wide hub
// unless one is supplied with WithMemHub.
func NewMemHub() *memHub {
	return &memHub{
		targets: make(map[int]chan []byte),
		replies: make(map[string]chan []byte),
	}
}

var defaultMemHub = NewMemHub()

// mailbox returns the target's mailbox, creating it on first use so that
// messages to a not-yet-bound target queue up like on a broker.
func (h *memHub) mailbox(target int) chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.targets[target]
	if !ok {
		ch = make(chan []byte, 1024)
		h.targets[target] = ch
	}
	return ch
}

func (h *memHub) registerReply(addr string) chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan []byte, 1)
	h.replies[addr] = ch
	return ch
}

func (h *memHub) dropReply(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.replies, addr)
}

func (h *memHub) reply(addr string, data []byte) bool {
	h.mu.Lock()
	ch, ok := h.replies[addr]
	h.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- data:
		return true
	default:
		return false
	}
}

// memBinding is the in-process loopback substrate. Addressing: target id is
// the mailbox key; correlation: a reply mailbox per message id carried in
// the reply_to metadata, mirroring the pub/sub substrates.
type memBinding struct {
	hub        *memHub
	receiverID int
	logger     *slog.Logger

	mu        sync.Mutex
	connected bool
	inbox     chan []byte
}

func newMemBinding(cfg Config) *memBinding {
	hub := cfg.hub
	if hub == nil {
		hub = defaultMemHub
	}
	return &memBinding{
		hub:        hub,
		receiverID: cfg.ReceiverID,
		logger:     cfg.Logger,
	}
}

func (b *memBinding) Name() string { return ServiceMem }

func (b *memBinding) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	if b.receiverID >= 0 {
		b.inbox = b.hub.mailbox(b.receiverID)
	}
	b.connected = true
	return nil
}

func (b *memBinding) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *memBinding) SendRaw(ctx context.Context, env *contracts.Envelope) bool {
	data, err := env.Serialize()
	if err != nil {
		b.logger.Warn("mem serialize failed", "error", err)
		return false
	}
	select {
	case b.hub.mailbox(env.Target) <- data:
		return true
	default:
		return false
	}
}

func (b *memBinding) SendWithAck(ctx context.Context, env *contracts.Envelope, timeout time.Duration) *contracts.Envelope {
	replyAddr := fmt.Sprintf("reply_%s", env.MessageID)
	replyCh := b.hub.registerReply(replyAddr)
	defer b.hub.dropReply(replyAddr)

	env.SetReplyTo(replyAddr)
	if !b.SendRaw(ctx, env) {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case data := <-replyCh:
		reply, err := contracts.Deserialize(data)
		if err != nil {
			return nil
		}
		return reply
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (b *memBinding) ReceiveRaw(ctx context.Context, timeout time.Duration) []byte {
	b.mu.Lock()
	inbox := b.inbox
	b.mu.Unlock()
	if inbox == nil {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case data := <-inbox:
		return data
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (b *memBinding) SendRawReply(ctx context.Context, data []byte) bool {
	env, err := contracts.Deserialize(data)
	if err != nil {
		b.logger.Warn("mem reply decode failed", "error", err)
		return false
	}
	replyTo := env.ReplyTo()
	if replyTo == "" {
		return false
	}
	return b.hub.reply(replyTo, data)
}
