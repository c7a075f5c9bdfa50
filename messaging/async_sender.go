package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/wirebench/wirebench-go/contracts"
	"github.com/wirebench/wirebench-go/stats"
	"github.com/wirebench/wirebench-go/substrate"
)

// DefaultConcurrency bounds in-flight sends when the caller does not set one.
const DefaultConcurrency = 32

// AsyncSender dispatches sends concurrently, bounded by a semaphore. Results
// come back in input order and statistics are folded in only after every
// task has completed, so the collector is never mutated concurrently.
type AsyncSender struct {
	sender      *Sender
	concurrency int
	batchSize   int
	logger      *slog.Logger
}

// AsyncOption configures an async sender.
type AsyncOption func(*AsyncSender)

// WithConcurrency bounds the number of in-flight sends.
func WithConcurrency(n int) AsyncOption {
	return func(a *AsyncSender) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithBatchSize splits large runs into sequential waves of at most n
// messages. Zero means one wave.
func WithBatchSize(n int) AsyncOption {
	return func(a *AsyncSender) { a.batchSize = n }
}

// WithAsyncLogger sets the logger.
func WithAsyncLogger(logger *slog.Logger) AsyncOption {
	return func(a *AsyncSender) { a.logger = logger }
}

// NewAsyncSender creates a concurrent sender over the given binding.
func NewAsyncSender(binding substrate.Binding, options ...AsyncOption) *AsyncSender {
	a := &AsyncSender{
		sender:      NewSender(binding),
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	a.sender.async = true
	for _, opt := range options {
		opt(a)
	}
	a.sender.logger = a.logger
	return a
}

// Stats exposes the underlying collector.
func (a *AsyncSender) Stats() *stats.Collector { return a.sender.stats }

// Disconnect releases the underlying binding session.
func (a *AsyncSender) Disconnect() error { return a.sender.Disconnect() }

// Send performs one exchange; identical to the blocking sender's semantics.
func (a *AsyncSender) Send(ctx context.Context, opts SendOptions) SendResult {
	return a.sender.Send(ctx, opts)
}

// SendBatch dispatches the messages concurrently and returns results in
// input order. A panicking dispatch is converted into a failed result so
// one bad exchange cannot take down the batch.
func (a *AsyncSender) SendBatch(ctx context.Context, msgs []BatchMessage, opts BatchOptions) []SendResult {
	results := make([]SendResult, len(msgs))
	waves := a.waves(msgs)

	offset := 0
	for _, wave := range waves {
		var wg sync.WaitGroup
		sem := make(chan struct{}, a.concurrency)
		for i, msg := range wave {
			wg.Add(1)
			sem <- struct{}{}
			go func(slot int, msg BatchMessage) {
				defer wg.Done()
				defer func() { <-sem }()
				defer func() {
					if r := recover(); r != nil {
						a.logger.Error("send panicked", "message_id", msg.MessageID, "panic", r)
						results[slot] = SendResult{
							Success:    false,
							MessageID:  msg.MessageID,
							ReceiverID: strconv.Itoa(msg.Target),
							Error:      fmt.Sprintf("panic: %v", r),
						}
					}
				}()
				results[slot] = a.sender.Send(ctx, SendOptions{
					Target:     msg.Target,
					Payload:    msg.Payload,
					Topic:      msg.Topic,
					WaitForAck: opts.WaitForAck,
					Timeout:    opts.Timeout,
					Metadata:   msg.Metadata,
				})
			}(offset+i, msg)
		}
		wg.Wait()
		offset += len(wave)
	}
	return results
}

// RunPerformanceTest resets the collector, runs the concurrent batch, folds
// every outcome in after completion, and returns the normalized report.
func (a *AsyncSender) RunPerformanceTest(ctx context.Context, msgs []BatchMessage, opts BatchOptions) Report {
	a.sender.stats.Reset()
	start := float64(contracts.NowMillis())

	results := a.SendBatch(ctx, msgs, opts)
	for _, r := range results {
		a.sender.stats.RecordSend(r.Success, r.LatencyMs)
	}

	a.sender.stats.SetDuration(start, float64(contracts.NowMillis()))
	return Report{
		Service:  a.sender.service,
		Language: Language,
		Async:    true,
		Summary:  a.sender.stats.Summary(),
	}
}

func (a *AsyncSender) waves(msgs []BatchMessage) [][]BatchMessage {
	if a.batchSize <= 0 || len(msgs) <= a.batchSize {
		return [][]BatchMessage{msgs}
	}
	var waves [][]BatchMessage
	for start := 0; start < len(msgs); start += a.batchSize {
		end := start + a.batchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		waves = append(waves, msgs[start:end])
	}
	return waves
}
