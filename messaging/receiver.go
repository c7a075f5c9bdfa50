package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/wirebench/wirebench-go/contracts"
	"github.com/wirebench/wirebench-go/substrate"
)

// DefaultReceiveTimeout bounds one blocking receive when the caller does not
// set one.
const DefaultReceiveTimeout = time.Second

// Handler processes one decoded envelope. The returned status travels in
// the acknowledgment; an error marks the acknowledgment as not received.
type Handler func(ctx context.Context, env *contracts.Envelope) (status string, err error)

// Receiver consumes envelopes addressed to one target identity and sends
// one acknowledgment per decodable envelope.
type Receiver struct {
	binding      substrate.Binding
	receiverID   int
	handlers     map[contracts.MessageType]Handler
	interceptors []Interceptor
	timeout      time.Duration
	logger       *slog.Logger

	processed int
	skipped   int
}

// ReceiverOption configures a receiver.
type ReceiverOption func(*Receiver)

// WithReceiveTimeout bounds each blocking receive.
func WithReceiveTimeout(d time.Duration) ReceiverOption {
	return func(r *Receiver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithHandler registers a handler for one message type, replacing any
// previous registration for that type.
func WithHandler(t contracts.MessageType, h Handler) ReceiverOption {
	return func(r *Receiver) { r.handlers[t] = h }
}

// WithInterceptors wraps handler dispatch with the given interceptors, in
// order, outermost first.
func WithInterceptors(interceptors ...Interceptor) ReceiverOption {
	return func(r *Receiver) { r.interceptors = append(r.interceptors, interceptors...) }
}

// WithReceiverLogger sets the logger.
func WithReceiverLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) { r.logger = logger }
}

// NewReceiver creates a receiver bound to the given target identity.
func NewReceiver(binding substrate.Binding, receiverID int, options ...ReceiverOption) *Receiver {
	r := &Receiver{
		binding:    binding,
		receiverID: receiverID,
		handlers:   make(map[contracts.MessageType]Handler),
		timeout:    DefaultReceiveTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Connect establishes the binding session.
func (r *Receiver) Connect(ctx context.Context) error {
	return r.binding.Connect(ctx)
}

// Disconnect releases the binding session.
func (r *Receiver) Disconnect() error { return r.binding.Disconnect() }

// Processed reports how many envelopes were handled and acknowledged.
func (r *Receiver) Processed() int { return r.processed }

// Skipped reports how many inbound payloads failed to decode.
func (r *Receiver) Skipped() int { return r.skipped }

// ReceiveAndAck performs one receive-handle-acknowledge cycle. It returns
// false when no envelope arrived within the timeout. Undecodable payloads
// are skipped without acknowledgment; the decoded-but-failed case still
// acknowledges, with Received=false and the handler error as status.
func (r *Receiver) ReceiveAndAck(ctx context.Context) bool {
	data := r.binding.ReceiveRaw(ctx, r.timeout)
	if data == nil {
		return false
	}

	env, err := contracts.Deserialize(data)
	if err != nil {
		r.skipped++
		r.logger.Warn("skipping undecodable message", "receiver_id", r.receiverID, "error", err)
		return true
	}

	received, status := r.dispatch(ctx, env)

	ackEnv, err := contracts.NewAckEnvelope(env, r.receiverID, received, status)
	if err != nil {
		r.logger.Error("building acknowledgment failed", "message_id", env.MessageID, "error", err)
		return true
	}
	ackData, err := ackEnv.Serialize()
	if err != nil {
		r.logger.Error("encoding acknowledgment failed", "message_id", env.MessageID, "error", err)
		return true
	}
	if !r.binding.SendRawReply(ctx, ackData) {
		r.logger.Warn("acknowledgment delivery failed", "message_id", env.MessageID)
	}
	r.processed++
	return true
}

// dispatch runs the envelope through the interceptor chain and the handler
// registered for its type, defaulting to a no-op accept.
func (r *Receiver) dispatch(ctx context.Context, env *contracts.Envelope) (received bool, status string) {
	final := func(ctx context.Context, env *contracts.Envelope) (string, error) {
		if h, ok := r.handlers[env.Type]; ok {
			return h(ctx, env)
		}
		return "", nil
	}

	s, err := chainHandler(r.interceptors, final)(ctx, env)
	if err != nil {
		return false, err.Error()
	}
	if s == "" {
		s = contracts.AckStatusOK
	}
	return true, s
}

// Run loops receive-handle-acknowledge cycles until the context is done,
// then disconnects. Idle timeouts keep the loop polling the context.
func (r *Receiver) Run(ctx context.Context) error {
	r.logger.Info("receiver running", "service", r.binding.Name(), "receiver_id", r.receiverID)
	defer r.binding.Disconnect()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("receiver stopping",
				"receiver_id", r.receiverID, "processed", r.processed, "skipped", r.skipped)
			return ctx.Err()
		default:
		}
		r.ReceiveAndAck(ctx)
	}
}
