package messaging

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirebench/wirebench-go/substrate"
)

// End-to-end exchanges over the in-process substrate: a real sender and
// real receivers wired through one isolated hub.

func TestE2ESingleExchange(t *testing.T) {
	hub := substrate.NewMemHub()

	recvBinding, err := substrate.New(substrate.ServiceMem,
		substrate.WithReceiverID(0), substrate.WithMemHub(hub))
	require.NoError(t, err)
	recv := NewReceiver(recvBinding, 0, WithReceiveTimeout(100*time.Millisecond))
	require.NoError(t, recv.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		recv.Run(ctx)
	}()

	sendBinding, err := substrate.New(substrate.ServiceMem, substrate.WithMemHub(hub))
	require.NoError(t, err)
	sender := NewSender(sendBinding)
	defer sender.Disconnect()

	result := sender.Send(context.Background(), SendOptions{
		Target:     0,
		Payload:    []byte(`{"seq":1}`),
		WaitForAck: true,
		Timeout:    time.Second,
	})

	assert.True(t, result.Success)
	assert.Equal(t, "0", result.ReceiverID)
	assert.Empty(t, result.Error)
	assert.Greater(t, result.LatencyMs, 0.0)

	cancel()
	<-done
	assert.Equal(t, 1, recv.Processed())
}

func TestE2EAbsentReceiverTimesOut(t *testing.T) {
	hub := substrate.NewMemHub()

	sendBinding, err := substrate.New(substrate.ServiceMem, substrate.WithMemHub(hub))
	require.NoError(t, err)
	sender := NewSender(sendBinding)
	defer sender.Disconnect()

	start := time.Now()
	result := sender.Send(context.Background(), SendOptions{
		Target:     5,
		Payload:    []byte(`{}`),
		WaitForAck: true,
		Timeout:    40 * time.Millisecond,
	})
	elapsed := time.Since(start)

	assert.False(t, result.Success)
	assert.Equal(t, "No acknowledgment received", result.Error)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestE2EConcurrentFanOut(t *testing.T) {
	const (
		receivers = 5
		messages  = 50
	)
	hub := substrate.NewMemHub()

	ctx, cancel := context.WithCancel(context.Background())
	recvs := make([]*Receiver, receivers)
	done := make(chan struct{}, receivers)
	for i := 0; i < receivers; i++ {
		binding, err := substrate.New(substrate.ServiceMem,
			substrate.WithReceiverID(i), substrate.WithMemHub(hub))
		require.NoError(t, err)
		recvs[i] = NewReceiver(binding, i, WithReceiveTimeout(50*time.Millisecond))
		require.NoError(t, recvs[i].Connect(context.Background()))
		go func(r *Receiver) {
			r.Run(ctx)
			done <- struct{}{}
		}(recvs[i])
	}

	msgs := make([]BatchMessage, messages)
	for i := range msgs {
		msgs[i] = BatchMessage{Target: i % receivers, Payload: []byte(`{"seq":1}`)}
	}

	sendBinding, err := substrate.New(substrate.ServiceMem, substrate.WithMemHub(hub))
	require.NoError(t, err)
	sender := NewAsyncSender(sendBinding, WithConcurrency(10))
	defer sender.Disconnect()

	report := sender.RunPerformanceTest(ctx, msgs,
		BatchOptions{WaitForAck: true, Timeout: time.Second})

	cancel()
	for i := 0; i < receivers; i++ {
		<-done
	}

	assert.Equal(t, messages, report.TotalSent)
	assert.Equal(t, messages, report.TotalReceived)
	assert.Equal(t, 0, report.TotalFailed)
	assert.True(t, report.Async)
	require.NotNil(t, report.Timings)
	assert.Equal(t, messages, report.Timings.Count)

	processed := 0
	for _, r := range recvs {
		processed += r.Processed()
	}
	assert.Equal(t, messages, processed)
}

func TestE2EAsyncReceiverPool(t *testing.T) {
	hub := substrate.NewMemHub()

	recvBinding, err := substrate.New(substrate.ServiceMem,
		substrate.WithReceiverID(0), substrate.WithMemHub(hub))
	require.NoError(t, err)
	recv := NewAsyncReceiver(recvBinding, 0, 3)
	require.NoError(t, recv.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		recv.Run(ctx)
	}()

	sendBinding, err := substrate.New(substrate.ServiceMem, substrate.WithMemHub(hub))
	require.NoError(t, err)
	sender := NewAsyncSender(sendBinding, WithConcurrency(5))
	defer sender.Disconnect()

	msgs := make([]BatchMessage, 20)
	for i := range msgs {
		msgs[i] = BatchMessage{Target: 0, Payload: []byte(`{"seq":1}`)}
	}
	results := sender.SendBatch(ctx, msgs, BatchOptions{WaitForAck: true, Timeout: 2 * time.Second})

	cancel()
	<-done

	for i, r := range results {
		assert.True(t, r.Success, "message %d", i)
		assert.Equal(t, "0", r.ReceiverID)
	}
}

func TestE2EReportRoundTrip(t *testing.T) {
	hub := substrate.NewMemHub()

	recvBinding, err := substrate.New(substrate.ServiceMem,
		substrate.WithReceiverID(0), substrate.WithMemHub(hub))
	require.NoError(t, err)
	recv := NewReceiver(recvBinding, 0, WithReceiveTimeout(50*time.Millisecond))
	require.NoError(t, recv.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		recv.Run(ctx)
	}()

	sendBinding, err := substrate.New(substrate.ServiceMem, substrate.WithMemHub(hub))
	require.NoError(t, err)
	sender := NewSender(sendBinding)
	defer sender.Disconnect()

	msgs := make([]BatchMessage, 5)
	for i := range msgs {
		msgs[i] = BatchMessage{Target: 0, Payload: []byte(`{}`)}
	}
	report := sender.RunPerformanceTest(ctx, msgs, BatchOptions{WaitForAck: true, Timeout: time.Second})
	cancel()
	<-done

	path := t.TempDir() + "/report.txt"
	require.NoError(t, AppendReportLine(path, report))
	require.NoError(t, AppendReportLine(path, report))

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"service":"mem"`)
	assert.Contains(t, lines[0], `"language":"Go"`)
	assert.Contains(t, lines[0], `"total_sent":5`)
	assert.Contains(t, lines[0], `"message_timing_stats"`)
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}
