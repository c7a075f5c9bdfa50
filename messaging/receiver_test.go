package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wirebench/wirebench-go/contracts"
)

func TestReceiverAcksDecodedEnvelope(t *testing.T) {
	env := contracts.NewEnvelope(7, []byte(`{"n":1}`))
	env.SetReplyTo("reply_" + env.MessageID)
	data, err := env.Serialize()
	require.NoError(t, err)

	var ackData []byte
	binding := &mockBinding{}
	binding.On("ReceiveRaw", mock.Anything, mock.Anything).Return(data).Once()
	binding.On("SendRawReply", mock.Anything, mock.Anything).Return(true).
		Run(func(args mock.Arguments) {
			ackData = args.Get(1).([]byte)
		})

	recv := NewReceiver(binding, 7)
	assert.True(t, recv.ReceiveAndAck(context.Background()))
	assert.Equal(t, 1, recv.Processed())

	require.NotNil(t, ackData)
	ackEnv, err := contracts.Deserialize(ackData)
	require.NoError(t, err)
	assert.Equal(t, "ack_"+env.MessageID, ackEnv.MessageID)
	assert.Equal(t, contracts.MessageTypeAck, ackEnv.Type)
	assert.Equal(t, "reply_"+env.MessageID, ackEnv.ReplyTo())

	ack, err := contracts.DeserializeAck(ackEnv.Payload)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, ack.OriginalMessageID)
	assert.True(t, ack.Received)
	assert.Equal(t, "7", ack.ReceiverID)
	assert.Equal(t, contracts.AckStatusOK, ack.Status)
}

func TestReceiverSkipsUndecodable(t *testing.T) {
	binding := &mockBinding{}
	binding.On("ReceiveRaw", mock.Anything, mock.Anything).Return([]byte("{broken")).Once()

	recv := NewReceiver(binding, 0)
	assert.True(t, recv.ReceiveAndAck(context.Background()))
	assert.Equal(t, 0, recv.Processed())
	assert.Equal(t, 1, recv.Skipped())
	binding.AssertNotCalled(t, "SendRawReply", mock.Anything, mock.Anything)
}

func TestReceiverTimeoutReturnsFalse(t *testing.T) {
	binding := &mockBinding{}
	binding.On("ReceiveRaw", mock.Anything, mock.Anything).Return(nil)

	recv := NewReceiver(binding, 0)
	assert.False(t, recv.ReceiveAndAck(context.Background()))
	assert.Equal(t, 0, recv.Processed())
}

func TestReceiverHandlerErrorNacks(t *testing.T) {
	env := contracts.NewEnvelope(1, []byte(`{}`))
	data, err := env.Serialize()
	require.NoError(t, err)

	var ackData []byte
	binding := &mockBinding{}
	binding.On("ReceiveRaw", mock.Anything, mock.Anything).Return(data).Once()
	binding.On("SendRawReply", mock.Anything, mock.Anything).Return(true).
		Run(func(args mock.Arguments) {
			ackData = args.Get(1).([]byte)
		})

	recv := NewReceiver(binding, 1,
		WithHandler(contracts.MessageTypeData, func(ctx context.Context, env *contracts.Envelope) (string, error) {
			return "", errors.New("payload rejected")
		}))
	assert.True(t, recv.ReceiveAndAck(context.Background()))

	ackEnv, err := contracts.Deserialize(ackData)
	require.NoError(t, err)
	ack, err := contracts.DeserializeAck(ackEnv.Payload)
	require.NoError(t, err)
	assert.False(t, ack.Received)
	assert.Equal(t, "payload rejected", ack.Status)
}

func TestReceiverHandlerStatusOverride(t *testing.T) {
	env := contracts.NewEnvelope(1, []byte(`{}`))
	data, err := env.Serialize()
	require.NoError(t, err)

	var ackData []byte
	binding := &mockBinding{}
	binding.On("ReceiveRaw", mock.Anything, mock.Anything).Return(data).Once()
	binding.On("SendRawReply", mock.Anything, mock.Anything).Return(true).
		Run(func(args mock.Arguments) {
			ackData = args.Get(1).([]byte)
		})

	recv := NewReceiver(binding, 1,
		WithHandler(contracts.MessageTypeData, func(ctx context.Context, env *contracts.Envelope) (string, error) {
			return "DEFERRED", nil
		}))
	assert.True(t, recv.ReceiveAndAck(context.Background()))

	ackEnv, err := contracts.Deserialize(ackData)
	require.NoError(t, err)
	ack, err := contracts.DeserializeAck(ackEnv.Payload)
	require.NoError(t, err)
	assert.True(t, ack.Received)
	assert.Equal(t, "DEFERRED", ack.Status)
}

func TestReceiverRunStopsOnContext(t *testing.T) {
	binding := &mockBinding{}
	binding.On("ReceiveRaw", mock.Anything, mock.Anything).Return(nil)
	binding.On("Disconnect").Return(nil)

	recv := NewReceiver(binding, 0, WithReceiveTimeout(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := recv.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	binding.AssertCalled(t, "Disconnect")
}
