package substrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/wirebench/wirebench-go/contracts"
)

const kafkaDefaultPort = 9092

// kafkaBinding is the point-to-point queue substrate over Kafka.
// Addressing: topic test_queue_{target}. Correlation: one shared reply
// topic per sender, carried in reply_to metadata and demultiplexed by a
// per-connection pending table keyed on the original message id.
type kafkaBinding struct {
	addr       string
	receiverID int
	logger     *slog.Logger

	mu         sync.Mutex
	writer     *kafka.Writer
	reader     *kafka.Reader
	replyTopic string
	pending    *PendingTable
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
	connected  bool
}

func newKafkaBinding(cfg Config) *kafkaBinding {
	return &kafkaBinding{
		addr:       fmt.Sprintf("%s:%d", cfg.Host, cfg.port(kafkaDefaultPort)),
		receiverID: cfg.ReceiverID,
		logger:     cfg.Logger,
	}
}

func (b *kafkaBinding) Name() string { return ServiceKafka }

func kafkaQueueTopic(target int) string {
	return fmt.Sprintf("test_queue_%d", target)
}

func (b *kafkaBinding) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}

	// Probe the broker up front so a connect failure surfaces here rather
	// than on the first send.
	probe, err := kafka.DialContext(ctx, "tcp", b.addr)
	if err != nil {
		return fmt.Errorf("kafka connect: %w", err)
	}
	probe.Close()

	b.writer = &kafka.Writer{
		Addr:                   kafka.TCP(b.addr),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
	}

	if b.receiverID >= 0 {
		b.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     []string{b.addr},
			Topic:       kafkaQueueTopic(b.receiverID),
			StartOffset: kafka.LastOffset,
			MinBytes:    1,
			MaxBytes:    10 << 20,
			MaxWait:     100 * time.Millisecond,
		})
	} else {
		b.replyTopic = fmt.Sprintf("test_reply_%s", uuid.New().String())
		b.pending = NewPendingTable()
		b.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     []string{b.addr},
			Topic:       b.replyTopic,
			StartOffset: kafka.LastOffset,
			MinBytes:    1,
			MaxBytes:    10 << 20,
			MaxWait:     100 * time.Millisecond,
		})
		pumpCtx, cancel := context.WithCancel(context.Background())
		b.pumpCancel = cancel
		b.pumpDone = make(chan struct{})
		go b.pumpReplies(pumpCtx, b.reader, b.pending)
	}

	b.connected = true
	b.logger.Info("connected to kafka", "addr", b.addr, "receiver_id", b.receiverID)
	return nil
}

// pumpReplies drains the shared reply topic into the pending table.
func (b *kafkaBinding) pumpReplies(ctx context.Context, reader *kafka.Reader, pending *PendingTable) {
	defer close(b.pumpDone)
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			b.logger.Warn("kafka reply read failed", "error", err)
			return
		}
		env, err := contracts.Deserialize(msg.Value)
		if err != nil {
			b.logger.Warn("kafka reply decode failed", "error", err)
			continue
		}
		pending.Resolve(env)
	}
}

func (b *kafkaBinding) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false

	if b.pumpCancel != nil {
		b.pumpCancel()
		<-b.pumpDone
	}
	if b.pending != nil {
		b.pending.Close()
	}
	if b.reader != nil {
		if err := b.reader.Close(); err != nil {
			b.logger.Warn("kafka reader close failed", "error", err)
		}
	}
	if b.writer != nil {
		if err := b.writer.Close(); err != nil {
			b.logger.Warn("kafka writer close failed", "error", err)
		}
	}
	return nil
}

func (b *kafkaBinding) write(ctx context.Context, topic string, data []byte) bool {
	b.mu.Lock()
	writer := b.writer
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return false
	}
	err := writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: data})
	if err != nil {
		b.logger.Warn("kafka write failed", "topic", topic, "error", err)
		return false
	}
	return true
}

func (b *kafkaBinding) SendRaw(ctx context.Context, env *contracts.Envelope) bool {
	data, err := env.Serialize()
	if err != nil {
		return false
	}
	return b.write(ctx, kafkaQueueTopic(env.Target), data)
}

func (b *kafkaBinding) SendWithAck(ctx context.Context, env *contracts.Envelope, timeout time.Duration) *contracts.Envelope {
	b.mu.Lock()
	pending := b.pending
	replyTopic := b.replyTopic
	connected := b.connected
	b.mu.Unlock()
	if !connected || pending == nil {
		return nil
	}

	replyCh := pending.Register(env.MessageID)
	env.SetReplyTo(replyTopic)
	data, err := env.Serialize()
	if err != nil {
		pending.Cancel(env.MessageID)
		return nil
	}
	if !b.write(ctx, kafkaQueueTopic(env.Target), data) {
		pending.Cancel(env.MessageID)
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil
		}
		return reply
	case <-timer.C:
		pending.Cancel(env.MessageID)
		return nil
	case <-ctx.Done():
		pending.Cancel(env.MessageID)
		return nil
	}
}

func (b *kafkaBinding) ReceiveRaw(ctx context.Context, timeout time.Duration) []byte {
	b.mu.Lock()
	reader := b.reader
	connected := b.connected
	b.mu.Unlock()
	if !connected || reader == nil {
		return nil
	}

	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := reader.ReadMessage(readCtx)
	if err != nil {
		return nil
	}
	return msg.Value
}

func (b *kafkaBinding) SendRawReply(ctx context.Context, data []byte) bool {
	env, err := contracts.Deserialize(data)
	if err != nil {
		b.logger.Warn("kafka reply decode failed", "error", err)
		return false
	}
	replyTo := env.ReplyTo()
	if replyTo == "" {
		return false
	}
	return b.write(ctx, replyTo, data)
}
