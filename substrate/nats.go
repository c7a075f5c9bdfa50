package substrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/wirebench/wirebench-go/contracts"
)

const natsDefaultPort = 4222

// natsBinding is the publish/subscribe substrate over core NATS.
// Addressing: subject test.subject.{target}. Correlation: the client's
// request/reply inbox; the receiver sees the inbox as the delivery's reply
// subject, surfaced through envelope metadata.
type natsBinding struct {
	url        string
	receiverID int
	logger     *slog.Logger

	mu        sync.Mutex
	conn      *nats.Conn
	sub       *nats.Subscription
	connected bool
}

func newNATSBinding(cfg Config) *natsBinding {
	return &natsBinding{
		url:        fmt.Sprintf("nats://%s:%d", cfg.Host, cfg.port(natsDefaultPort)),
		receiverID: cfg.ReceiverID,
		logger:     cfg.Logger,
	}
}

func (b *natsBinding) Name() string { return ServiceNATS }

func natsSubjectName(target int) string {
	return fmt.Sprintf("test.subject.%d", target)
}

func (b *natsBinding) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}

	conn, err := nats.Connect(b.url)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	if b.receiverID >= 0 {
		subject := natsSubjectName(b.receiverID)
		sub, err := conn.SubscribeSync(subject)
		if err != nil {
			conn.Close()
			return fmt.Errorf("nats subscribe %s: %w", subject, err)
		}
		if err := conn.Flush(); err != nil {
			conn.Close()
			return fmt.Errorf("nats flush: %w", err)
		}
		b.sub = sub
	}

	b.conn = conn
	b.connected = true
	b.logger.Info("connected to nats", "url", b.url, "receiver_id", b.receiverID)
	return nil
}

func (b *natsBinding) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.logger.Warn("nats unsubscribe failed", "error", err)
		}
	}
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}

func (b *natsBinding) SendRaw(ctx context.Context, env *contracts.Envelope) bool {
	b.mu.Lock()
	conn := b.conn
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return false
	}

	data, err := env.Serialize()
	if err != nil {
		return false
	}
	if err := conn.Publish(natsSubjectName(env.Target), data); err != nil {
		b.logger.Warn("nats publish failed", "error", err)
		return false
	}
	if err := conn.Flush(); err != nil {
		b.logger.Warn("nats flush failed", "error", err)
		return false
	}
	return true
}

func (b *natsBinding) SendWithAck(ctx context.Context, env *contracts.Envelope, timeout time.Duration) *contracts.Envelope {
	b.mu.Lock()
	conn := b.conn
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return nil
	}

	data, err := env.Serialize()
	if err != nil {
		return nil
	}
	msg, err := conn.Request(natsSubjectName(env.Target), data, timeout)
	if err != nil {
		// Timeout and no-responders are the designed unacknowledged
		// outcomes, not errors.
		if !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, nats.ErrNoResponders) {
			b.logger.Warn("nats request failed", "error", err)
		}
		return nil
	}
	reply, err := contracts.Deserialize(msg.Data)
	if err != nil {
		return nil
	}
	return reply
}

func (b *natsBinding) ReceiveRaw(ctx context.Context, timeout time.Duration) []byte {
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()
	if sub == nil {
		return nil
	}

	msg, err := sub.NextMsg(timeout)
	if err != nil {
		return nil
	}
	// Carry the inbox reply subject inside the envelope so SendRawReply can
	// route the acknowledgment without per-delivery state.
	if msg.Reply != "" {
		if env, err := contracts.Deserialize(msg.Data); err == nil {
			env.SetReplyTo(msg.Reply)
			if data, err := env.Serialize(); err == nil {
				return data
			}
		}
	}
	return msg.Data
}

func (b *natsBinding) SendRawReply(ctx context.Context, data []byte) bool {
	b.mu.Lock()
	conn := b.conn
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return false
	}

	env, err := contracts.Deserialize(data)
	if err != nil {
		b.logger.Warn("nats reply decode failed", "error", err)
		return false
	}
	replyTo := env.ReplyTo()
	if replyTo == "" {
		return false
	}
	if err := conn.Publish(replyTo, data); err != nil {
		b.logger.Warn("nats reply publish failed", "error", err)
		return false
	}
	return true
}
