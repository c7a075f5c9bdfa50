// Package messaging implements the substrate-agnostic sender and receiver
// roles that drive request/acknowledgment exchanges through any binding.
package messaging

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/wirebench/wirebench-go/contracts"
	"github.com/wirebench/wirebench-go/stats"
	"github.com/wirebench/wirebench-go/substrate"
)

// Language identifies this client implementation in reports.
const Language = "Go"

// DefaultAckTimeout bounds the wait for an acknowledgment when the caller
// does not specify one.
const DefaultAckTimeout = 5 * time.Second

// SendResult is the sender-local outcome of one send. LatencyMs is the
// authoritative wall-clock measurement around the dispatch.
type SendResult struct {
	Success    bool    `json:"success"`
	MessageID  string  `json:"message_id"`
	LatencyMs  float64 `json:"latency_ms"`
	ReceiverID string  `json:"receiver_id"`
	Error      string  `json:"error,omitempty"`
}

// SendOptions parameterizes one send.
type SendOptions struct {
	Target     int
	Payload    []byte
	Topic      string
	WaitForAck bool
	Timeout    time.Duration
	Metadata   map[string]string
}

// BatchMessage is one record of externally supplied test data.
type BatchMessage struct {
	MessageID string
	Target    int
	Topic     string
	Payload   []byte
	Metadata  map[string]string
}

// BatchOptions parameterizes a batch run.
type BatchOptions struct {
	WaitForAck bool
	Timeout    time.Duration
}

// Report is the normalized per-run record emitted by a performance test.
type Report struct {
	Service  string `json:"service"`
	Language string `json:"language"`
	Async    bool   `json:"async"`
	stats.Summary
}

// Sender drives request/acknowledgment exchanges one at a time through a
// substrate binding. It owns its statistics collector exclusively.
type Sender struct {
	binding substrate.Binding
	service string
	async   bool
	stats   *stats.Collector
	logger  *slog.Logger

	connMu    sync.Mutex
	connected bool
}

// SenderOption configures a sender.
type SenderOption func(*Sender)

// WithSenderLogger sets the logger.
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) { s.logger = logger }
}

// NewSender creates a blocking sender over the given binding.
func NewSender(binding substrate.Binding, options ...SenderOption) *Sender {
	s := &Sender{
		binding: binding,
		service: binding.Name(),
		stats:   stats.New(),
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Stats exposes the sender's collector for inspection after a run.
func (s *Sender) Stats() *stats.Collector { return s.stats }

// Disconnect releases the underlying binding session.
func (s *Sender) Disconnect() error {
	s.connMu.Lock()
	s.connected = false
	s.connMu.Unlock()
	return s.binding.Disconnect()
}

// ensureConnected lazily establishes the binding session. Safe under
// concurrent dispatch; Connect itself is idempotent.
func (s *Sender) ensureConnected(ctx context.Context) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.connected {
		return true
	}
	if err := s.binding.Connect(ctx); err != nil {
		s.logger.Warn("connect failed", "service", s.service, "error", err)
		return false
	}
	s.connected = true
	return true
}

// Send performs one complete exchange and reports its outcome. A missing
// acknowledgment within the timeout is the designed failure outcome under
// load, surfaced in the result and never raised.
func (s *Sender) Send(ctx context.Context, opts SendOptions) SendResult {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultAckTimeout
	}

	if !s.ensureConnected(ctx) {
		return SendResult{
			Success:    false,
			ReceiverID: strconv.Itoa(opts.Target),
			Error:      "Failed to connect",
		}
	}

	env := contracts.NewEnvelope(opts.Target, opts.Payload,
		contracts.WithTopic(opts.Topic),
		contracts.WithAsync(s.async),
		contracts.WithMetadata(opts.Metadata),
	)

	start := time.Now()
	if !opts.WaitForAck {
		ok := s.binding.SendRaw(ctx, env)
		result := SendResult{
			Success:    ok,
			MessageID:  env.MessageID,
			LatencyMs:  msSince(start),
			ReceiverID: strconv.Itoa(opts.Target),
		}
		if !ok {
			result.Error = "Send failed"
		}
		return result
	}

	reply := s.binding.SendWithAck(ctx, env, opts.Timeout)
	latency := msSince(start)

	if reply == nil || reply.Type != contracts.MessageTypeAck {
		return SendResult{
			Success:    false,
			MessageID:  env.MessageID,
			LatencyMs:  latency,
			ReceiverID: strconv.Itoa(opts.Target),
			Error:      "No acknowledgment received",
		}
	}
	if len(reply.Payload) == 0 {
		// An acknowledgment envelope without a payload still confirms
		// receipt.
		return SendResult{
			Success:    true,
			MessageID:  env.MessageID,
			LatencyMs:  latency,
			ReceiverID: strconv.Itoa(opts.Target),
		}
	}

	ack, err := contracts.DeserializeAck(reply.Payload)
	if err != nil {
		return SendResult{
			Success:    false,
			MessageID:  env.MessageID,
			LatencyMs:  latency,
			ReceiverID: strconv.Itoa(opts.Target),
			Error:      "ACK parse error: " + err.Error(),
		}
	}

	result := SendResult{
		Success:    ack.Received,
		MessageID:  env.MessageID,
		LatencyMs:  latency,
		ReceiverID: ack.ReceiverID,
	}
	if result.ReceiverID == "" {
		result.ReceiverID = strconv.Itoa(opts.Target)
	}
	if !ack.Received {
		result.Error = ack.Status
	}
	return result
}

// SendBatch issues one send per message, in order.
func (s *Sender) SendBatch(ctx context.Context, msgs []BatchMessage, opts BatchOptions) []SendResult {
	results := make([]SendResult, 0, len(msgs))
	for _, msg := range msgs {
		results = append(results, s.Send(ctx, SendOptions{
			Target:     msg.Target,
			Payload:    msg.Payload,
			Topic:      msg.Topic,
			WaitForAck: opts.WaitForAck,
			Timeout:    opts.Timeout,
			Metadata:   msg.Metadata,
		}))
	}
	return results
}

// RunPerformanceTest resets the collector, runs the batch, folds every
// outcome in, and returns the normalized report.
func (s *Sender) RunPerformanceTest(ctx context.Context, msgs []BatchMessage, opts BatchOptions) Report {
	s.stats.Reset()
	start := float64(contracts.NowMillis())

	results := s.SendBatch(ctx, msgs, opts)
	for _, r := range results {
		s.stats.RecordSend(r.Success, r.LatencyMs)
	}

	s.stats.SetDuration(start, float64(contracts.NowMillis()))
	return Report{
		Service:  s.service,
		Language: Language,
		Async:    s.async,
		Summary:  s.stats.Summary(),
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
