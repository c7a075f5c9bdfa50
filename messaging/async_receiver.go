package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wirebench/wirebench-go/contracts"
	"github.com/wirebench/wirebench-go/substrate"
)

// AsyncReceiver consumes envelopes with one receive loop feeding a bounded
// pool of handler workers, so slow handlers do not stall intake.
type AsyncReceiver struct {
	recv    *Receiver
	workers int
	logger  *slog.Logger
}

// NewAsyncReceiver creates a worker-pooled receiver bound to the given
// target identity. Handler registration uses the same options as the
// blocking receiver, applied to the embedded one.
func NewAsyncReceiver(binding substrate.Binding, receiverID int, workers int, options ...ReceiverOption) *AsyncReceiver {
	a := &AsyncReceiver{
		recv:    NewReceiver(binding, receiverID, options...),
		workers: workers,
		logger:  slog.Default(),
	}
	if a.workers <= 0 {
		a.workers = 4
	}
	a.logger = a.recv.logger
	return a
}

// Connect establishes the binding session.
func (a *AsyncReceiver) Connect(ctx context.Context) error { return a.recv.Connect(ctx) }

// Disconnect releases the binding session.
func (a *AsyncReceiver) Disconnect() error { return a.recv.Disconnect() }

// Run pumps inbound payloads into the worker pool until the context is
// done, then drains in-flight work and disconnects.
func (a *AsyncReceiver) Run(ctx context.Context) error {
	a.logger.Info("async receiver running",
		"service", a.recv.binding.Name(), "receiver_id", a.recv.receiverID, "workers", a.workers)
	defer a.recv.binding.Disconnect()

	inbound := make(chan []byte, a.workers)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < a.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for data := range inbound {
				a.handle(ctx, data, &mu)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			close(inbound)
			wg.Wait()
			a.logger.Info("async receiver stopping",
				"receiver_id", a.recv.receiverID, "processed", a.recv.processed, "skipped", a.recv.skipped)
			return ctx.Err()
		default:
		}
		data := a.recv.binding.ReceiveRaw(ctx, 100*time.Millisecond)
		if data == nil {
			continue
		}
		inbound <- data
	}
}

func (a *AsyncReceiver) handle(ctx context.Context, data []byte, mu *sync.Mutex) {
	env, err := contracts.Deserialize(data)
	if err != nil {
		mu.Lock()
		a.recv.skipped++
		mu.Unlock()
		a.logger.Warn("skipping undecodable message", "receiver_id", a.recv.receiverID, "error", err)
		return
	}

	received, status := a.recv.dispatch(ctx, env)

	ackEnv, err := contracts.NewAckEnvelope(env, a.recv.receiverID, received, status)
	if err != nil {
		a.logger.Error("building acknowledgment failed", "message_id", env.MessageID, "error", err)
		return
	}
	ackData, err := ackEnv.Serialize()
	if err != nil {
		a.logger.Error("encoding acknowledgment failed", "message_id", env.MessageID, "error", err)
		return
	}
	if !a.recv.binding.SendRawReply(ctx, ackData) {
		a.logger.Warn("acknowledgment delivery failed", "message_id", env.MessageID)
	}
	mu.Lock()
	a.recv.processed++
	mu.Unlock()
}
