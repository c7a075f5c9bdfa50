package substrate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirebench/wirebench-go/contracts"
)

func TestFactoryKnownServices(t *testing.T) {
	for _, name := range Services() {
		t.Run(name, func(t *testing.T) {
			b, err := New(name)
			require.NoError(t, err)
			assert.Equal(t, name, b.Name())
		})
	}
}

func TestFactoryUnknownService(t *testing.T) {
	_, err := New("carrier-pigeon")
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestMemConnectIdempotent(t *testing.T) {
	hub := NewMemHub()
	b, err := New(ServiceMem, WithMemHub(hub), WithReceiverID(0))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	require.NoError(t, b.Disconnect())
}

func TestMemSendRawAndReceive(t *testing.T) {
	hub := NewMemHub()
	ctx := context.Background()

	recv, err := New(ServiceMem, WithMemHub(hub), WithReceiverID(2))
	require.NoError(t, err)
	require.NoError(t, recv.Connect(ctx))

	send, err := New(ServiceMem, WithMemHub(hub))
	require.NoError(t, err)
	require.NoError(t, send.Connect(ctx))

	env := contracts.NewEnvelope(2, []byte("hello"))
	require.True(t, send.SendRaw(ctx, env))

	raw := recv.ReceiveRaw(ctx, time.Second)
	require.NotNil(t, raw)

	got, err := contracts.Deserialize(raw)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, got.MessageID)
	assert.Equal(t, []byte("hello"), got.Payload)
}

func TestMemSendWithAckRoundTrip(t *testing.T) {
	hub := NewMemHub()
	ctx := context.Background()

	recv, err := New(ServiceMem, WithMemHub(hub), WithReceiverID(0))
	require.NoError(t, err)
	require.NoError(t, recv.Connect(ctx))

	// Receiver side: one receive-and-reply cycle.
	done := make(chan struct{})
	go func() {
		defer close(done)
		raw := recv.ReceiveRaw(ctx, 2*time.Second)
		if raw == nil {
			return
		}
		env, err := contracts.Deserialize(raw)
		if err != nil {
			return
		}
		ack, err := contracts.NewAckEnvelope(env, 0, true, contracts.AckStatusOK)
		if err != nil {
			return
		}
		data, err := ack.Serialize()
		if err != nil {
			return
		}
		recv.SendRawReply(ctx, data)
	}()

	send, err := New(ServiceMem, WithMemHub(hub))
	require.NoError(t, err)
	require.NoError(t, send.Connect(ctx))

	env := contracts.NewEnvelope(0, []byte("ping"))
	reply := send.SendWithAck(ctx, env, 2*time.Second)
	<-done

	require.NotNil(t, reply)
	assert.Equal(t, contracts.MessageTypeAck, reply.Type)

	ack, err := contracts.DeserializeAck(reply.Payload)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, ack.OriginalMessageID)
	assert.True(t, ack.Received)
	assert.Equal(t, "0", ack.ReceiverID)
}

func TestMemSendWithAckTimeoutFloor(t *testing.T) {
	hub := NewMemHub()
	ctx := context.Background()

	send, err := New(ServiceMem, WithMemHub(hub))
	require.NoError(t, err)
	require.NoError(t, send.Connect(ctx))

	// No receiver bound to target 5: the wait must expire close to the
	// requested timeout, with bounded overshoot only.
	timeout := 40 * time.Millisecond
	start := time.Now()
	reply := send.SendWithAck(ctx, contracts.NewEnvelope(5, []byte("x")), timeout)
	elapsed := time.Since(start)

	assert.Nil(t, reply)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+200*time.Millisecond)
}

func TestMemReceiveRawTimeout(t *testing.T) {
	hub := NewMemHub()
	ctx := context.Background()

	recv, err := New(ServiceMem, WithMemHub(hub), WithReceiverID(1))
	require.NoError(t, err)
	require.NoError(t, recv.Connect(ctx))

	start := time.Now()
	raw := recv.ReceiveRaw(ctx, 30*time.Millisecond)
	assert.Nil(t, raw)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestMemReplyWithoutReplyToFails(t *testing.T) {
	hub := NewMemHub()
	ctx := context.Background()

	b, err := New(ServiceMem, WithMemHub(hub), WithReceiverID(0))
	require.NoError(t, err)
	require.NoError(t, b.Connect(ctx))

	env := contracts.NewEnvelope(0, nil)
	data, err := env.Serialize()
	require.NoError(t, err)
	assert.False(t, b.SendRawReply(ctx, data))
	assert.False(t, b.SendRawReply(ctx, []byte("garbage")))
}
