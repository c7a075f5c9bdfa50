// Package substrate maps the substrate-neutral send/receive capability set
// onto concrete messaging backends. Every binding converts backend errors
// into boolean or nil results at its boundary; no broker error type escapes.
package substrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wirebench/wirebench-go/contracts"
)

// Supported service names for the factory.
const (
	ServiceRabbitMQ = "rabbitmq"
	ServiceKafka    = "kafka"
	ServiceRedis    = "redis"
	ServiceNATS     = "nats"
	ServiceGRPC     = "grpc"
	ServiceMem      = "mem"
)

// ErrUnknownService indicates an unsupported substrate name.
var ErrUnknownService = errors.New("substrate: unknown service")

// Binding is the fixed capability set every substrate implements.
//
// Connect is idempotent and safe to call again after a prior failure.
// SendWithAck and ReceiveRaw return nil on timeout; a timeout is the
// designed outcome for an unacknowledged message, not an error.
type Binding interface {
	Connect(ctx context.Context) error
	Disconnect() error

	// SendRaw delivers the envelope to its target's computed address
	// without waiting for an acknowledgment.
	SendRaw(ctx context.Context, env *contracts.Envelope) bool

	// SendWithAck delivers the envelope and waits up to timeout for the
	// correlated ACK envelope. Acknowledgments are matched solely by
	// message id, never by arrival order.
	SendWithAck(ctx context.Context, env *contracts.Envelope, timeout time.Duration) *contracts.Envelope

	// ReceiveRaw blocks up to timeout for the next inbound envelope bytes
	// addressed to this receiver.
	ReceiveRaw(ctx context.Context, timeout time.Duration) []byte

	// SendRawReply delivers an acknowledgment envelope back along the
	// substrate's reverse path.
	SendRawReply(ctx context.Context, data []byte) bool

	Name() string
}

// Config carries the settings shared by all bindings. Addresses and ports
// are fixed by convention per substrate so cross-run comparisons stay valid.
type Config struct {
	// ReceiverID binds the instance to a target identity for the receiving
	// role; -1 selects the sending role.
	ReceiverID int

	// Host of the backing service, localhost by default.
	Host string

	// BasePort overrides the substrate's conventional base port when >0.
	BasePort int

	// Receivers bounds the sender-side fan-out for substrates that open
	// one connection per receiver (gRPC).
	Receivers int

	Logger *slog.Logger

	hub *memHub
}

// Option configures a binding.
type Option func(*Config)

// WithReceiverID selects the receiving role bound to the given target id.
func WithReceiverID(id int) Option {
	return func(c *Config) { c.ReceiverID = id }
}

// WithHost overrides the backing service host.
func WithHost(host string) Option {
	return func(c *Config) { c.Host = host }
}

// WithBasePort overrides the substrate's conventional base port.
func WithBasePort(port int) Option {
	return func(c *Config) { c.BasePort = port }
}

// WithReceiverCount bounds sender-side fan-out for per-receiver-connection
// substrates.
func WithReceiverCount(n int) Option {
	return func(c *Config) { c.Receivers = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithMemHub routes the mem binding through the given hub instead of the
// process-wide one. Used by tests that need isolation.
func WithMemHub(h *memHub) Option {
	return func(c *Config) { c.hub = h }
}

// New constructs the binding for the named substrate.
func New(service string, options ...Option) (Binding, error) {
	cfg := Config{
		ReceiverID: -1,
		Host:       "localhost",
		Receivers:  32,
		Logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}

	switch strings.ToLower(strings.TrimSpace(service)) {
	case ServiceRabbitMQ:
		return newRabbitMQBinding(cfg), nil
	case ServiceKafka:
		return newKafkaBinding(cfg), nil
	case ServiceRedis:
		return newRedisBinding(cfg), nil
	case ServiceNATS:
		return newNATSBinding(cfg), nil
	case ServiceGRPC:
		return newGRPCBinding(cfg), nil
	case ServiceMem:
		return newMemBinding(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
}

// Services lists the substrate names the factory accepts.
func Services() []string {
	return []string{ServiceRabbitMQ, ServiceKafka, ServiceRedis, ServiceNATS, ServiceGRPC, ServiceMem}
}

func (c Config) port(conventional int) int {
	if c.BasePort > 0 {
		return c.BasePort
	}
	return conventional
}
