package substrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/wirebench/wirebench-go/contracts"
)

const (
	redisDefaultPort = 6379

	// redisPublishAttempts bounds the publish retry while the channel has
	// no subscriber yet. Pub/sub does not queue for absent subscribers, so
	// a message published before the receiver attaches is lost for good;
	// the retry narrows the startup race without changing what is
	// measured once a subscriber is attached.
	redisPublishAttempts = 5
	redisPublishBackoff  = 200 * time.Millisecond
)

var errNoSubscriber = errors.New("no subscriber on channel")

// redisBinding is the publish/subscribe substrate over Redis. Addressing:
// channel test_channel_{target}. Correlation: an ephemeral reply channel
// named by message id, subscribed before publishing and carried to the
// receiver via reply_to metadata.
type redisBinding struct {
	addr       string
	receiverID int
	logger     *slog.Logger

	mu        sync.Mutex
	client    *redis.Client
	sub       *redis.PubSub
	connected bool
}

func newRedisBinding(cfg Config) *redisBinding {
	return &redisBinding{
		addr:       fmt.Sprintf("%s:%d", cfg.Host, cfg.port(redisDefaultPort)),
		receiverID: cfg.ReceiverID,
		logger:     cfg.Logger,
	}
}

func (b *redisBinding) Name() string { return ServiceRedis }

func redisChannelName(target int) string {
	return fmt.Sprintf("test_channel_%d", target)
}

func redisReplyChannel(messageID string) string {
	return fmt.Sprintf("reply_channel_%s", messageID)
}

func (b *redisBinding) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: b.addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis connect: %w", err)
	}

	if b.receiverID >= 0 {
		channel := redisChannelName(b.receiverID)
		sub := client.Subscribe(ctx, channel)
		// Wait for the subscription confirmation so the receiver is
		// actually attached before the harness releases the sender.
		if _, err := sub.Receive(ctx); err != nil {
			sub.Close()
			client.Close()
			return fmt.Errorf("redis subscribe %s: %w", channel, err)
		}
		b.sub = sub
	}

	b.client = client
	b.connected = true
	b.logger.Info("connected to redis", "addr", b.addr, "receiver_id", b.receiverID)
	return nil
}

func (b *redisBinding) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	if b.sub != nil {
		if err := b.sub.Close(); err != nil {
			b.logger.Warn("redis unsubscribe failed", "error", err)
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			b.logger.Warn("redis close failed", "error", err)
		}
	}
	return nil
}

// publishWithRetry publishes and retries while the broker reports zero
// subscribers on the channel.
func (b *redisBinding) publishWithRetry(ctx context.Context, channel string, data []byte) bool {
	backoff := retry.WithMaxRetries(redisPublishAttempts-1, retry.NewConstant(redisPublishBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		n, err := b.client.Publish(ctx, channel, data).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return retry.RetryableError(errNoSubscriber)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errNoSubscriber) {
		b.logger.Warn("redis publish failed", "channel", channel, "error", err)
		return false
	}
	// Exhausting the retries with no subscriber still counts as published;
	// the loss window is substrate-inherent.
	return true
}

func (b *redisBinding) SendRaw(ctx context.Context, env *contracts.Envelope) bool {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return false
	}
	data, err := env.Serialize()
	if err != nil {
		return false
	}
	return b.publishWithRetry(ctx, redisChannelName(env.Target), data)
}

func (b *redisBinding) SendWithAck(ctx context.Context, env *contracts.Envelope, timeout time.Duration) *contracts.Envelope {
	b.mu.Lock()
	client := b.client
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return nil
	}

	replyChannel := redisReplyChannel(env.MessageID)

	// Subscribe to the reply channel before publishing: pub/sub does not
	// queue messages for subscribers that were not yet listening.
	sub := client.Subscribe(ctx, replyChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		b.logger.Warn("redis reply subscribe failed", "channel", replyChannel, "error", err)
		return nil
	}

	env.SetReplyTo(replyChannel)
	data, err := env.Serialize()
	if err != nil {
		return nil
	}
	if !b.publishWithRetry(ctx, redisChannelName(env.Target), data) {
		return nil
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		raw, err := sub.ReceiveTimeout(ctx, remaining)
		if err != nil {
			return nil
		}
		msg, ok := raw.(*redis.Message)
		if !ok {
			continue
		}
		reply, err := contracts.Deserialize([]byte(msg.Payload))
		if err != nil {
			continue
		}
		return reply
	}
}

func (b *redisBinding) ReceiveRaw(ctx context.Context, timeout time.Duration) []byte {
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()
	if sub == nil {
		return nil
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		raw, err := sub.ReceiveTimeout(ctx, remaining)
		if err != nil {
			return nil
		}
		if msg, ok := raw.(*redis.Message); ok {
			return []byte(msg.Payload)
		}
	}
}

func (b *redisBinding) SendRawReply(ctx context.Context, data []byte) bool {
	b.mu.Lock()
	client := b.client
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return false
	}

	env, err := contracts.Deserialize(data)
	if err != nil {
		b.logger.Warn("redis reply decode failed", "error", err)
		return false
	}
	replyTo := env.ReplyTo()
	if replyTo == "" {
		return false
	}
	if err := client.Publish(ctx, replyTo, data).Err(); err != nil {
		b.logger.Warn("redis reply publish failed", "channel", replyTo, "error", err)
		return false
	}
	return true
}
