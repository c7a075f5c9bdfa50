package substrate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wirebench/wirebench-go/contracts"
)

const rabbitDefaultPort = 5672

// rabbitBinding is the point-to-point queue substrate over RabbitMQ.
// Addressing: queue test_queue_{target}. Correlation: one ephemeral
// auto-delete reply queue per outstanding request, named by message id and
// carried in both the AMQP reply-to property and the envelope metadata.
type rabbitBinding struct {
	url        string
	receiverID int
	logger     *slog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	inbound   <-chan amqp.Delivery
	connected bool
}

func newRabbitMQBinding(cfg Config) *rabbitBinding {
	return &rabbitBinding{
		url:        fmt.Sprintf("amqp://guest:guest@%s:%d/", cfg.Host, cfg.port(rabbitDefaultPort)),
		receiverID: cfg.ReceiverID,
		logger:     cfg.Logger,
	}
}

func (b *rabbitBinding) Name() string { return ServiceRabbitMQ }

func rabbitQueueName(target int) string {
	return fmt.Sprintf("test_queue_%d", target)
}

func rabbitReplyQueue(messageID string) string {
	return fmt.Sprintf("reply_%s", messageID)
}

func (b *rabbitBinding) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}

	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq channel: %w", err)
	}

	if b.receiverID >= 0 {
		queue := rabbitQueueName(b.receiverID)
		if _, err := ch.QueueDeclare(queue, false, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("rabbitmq declare %s: %w", queue, err)
		}
		inbound, err := ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("rabbitmq consume %s: %w", queue, err)
		}
		b.inbound = inbound
	}

	b.conn = conn
	b.ch = ch
	b.connected = true
	b.logger.Info("connected to rabbitmq", "url", b.url, "receiver_id", b.receiverID)
	return nil
}

func (b *rabbitBinding) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	if b.ch != nil {
		if err := b.ch.Close(); err != nil {
			b.logger.Warn("rabbitmq channel close failed", "error", err)
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			b.logger.Warn("rabbitmq connection close failed", "error", err)
			return nil
		}
	}
	return nil
}

func (b *rabbitBinding) publish(ctx context.Context, key string, data []byte, pub amqp.Publishing) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return false
	}
	pub.Body = data
	if err := b.ch.PublishWithContext(ctx, "", key, false, false, pub); err != nil {
		b.logger.Warn("rabbitmq publish failed", "routing_key", key, "error", err)
		return false
	}
	return true
}

func (b *rabbitBinding) SendRaw(ctx context.Context, env *contracts.Envelope) bool {
	data, err := env.Serialize()
	if err != nil {
		return false
	}
	return b.publish(ctx, rabbitQueueName(env.Target), data, amqp.Publishing{ContentType: "application/json"})
}

func (b *rabbitBinding) SendWithAck(ctx context.Context, env *contracts.Envelope, timeout time.Duration) *contracts.Envelope {
	b.mu.Lock()
	conn := b.conn
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return nil
	}

	// A dedicated channel per request keeps concurrent dispatches off the
	// shared channel, which is not safe for concurrent use.
	ch, err := conn.Channel()
	if err != nil {
		b.logger.Warn("rabbitmq reply channel failed", "error", err)
		return nil
	}
	defer ch.Close()

	replyQueue := rabbitReplyQueue(env.MessageID)
	if _, err := ch.QueueDeclare(replyQueue, false, true, false, false, nil); err != nil {
		b.logger.Warn("rabbitmq reply declare failed", "queue", replyQueue, "error", err)
		return nil
	}
	defer ch.QueueDelete(replyQueue, false, false, true)

	replies, err := ch.Consume(replyQueue, "", true, false, false, false, nil)
	if err != nil {
		return nil
	}

	env.SetReplyTo(replyQueue)
	data, err := env.Serialize()
	if err != nil {
		return nil
	}
	pub := amqp.Publishing{
		ContentType:   "application/json",
		ReplyTo:       replyQueue,
		CorrelationId: env.MessageID,
		DeliveryMode:  amqp.Persistent,
		Body:          data,
	}
	if err := ch.PublishWithContext(ctx, "", rabbitQueueName(env.Target), false, false, pub); err != nil {
		b.logger.Warn("rabbitmq publish failed", "error", err)
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d, ok := <-replies:
		if !ok {
			return nil
		}
		reply, err := contracts.Deserialize(d.Body)
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

func (b *rabbitBinding) ReceiveRaw(ctx context.Context, timeout time.Duration) []byte {
	b.mu.Lock()
	inbound := b.inbound
	b.mu.Unlock()
	if inbound == nil {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d, ok := <-inbound:
		if !ok {
			return nil
		}
		if err := d.Ack(false); err != nil {
			b.logger.Warn("rabbitmq ack failed", "error", err)
		}
		// Surface the AMQP reply-to property through envelope metadata so
		// the reply path is uniform across substrates.
		if d.ReplyTo != "" {
			if env, err := contracts.Deserialize(d.Body); err == nil {
				env.SetReplyTo(d.ReplyTo)
				if data, err := env.Serialize(); err == nil {
					return data
				}
			}
		}
		return d.Body
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (b *rabbitBinding) SendRawReply(ctx context.Context, data []byte) bool {
	env, err := contracts.Deserialize(data)
	if err != nil {
		b.logger.Warn("rabbitmq reply decode failed", "error", err)
		return false
	}
	replyTo := env.ReplyTo()
	if replyTo == "" {
		return false
	}
	return b.publish(ctx, replyTo, data, amqp.Publishing{ContentType: "application/json"})
}
