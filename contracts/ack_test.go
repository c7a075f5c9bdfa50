package contracts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcknowledgmentRoundTrip(t *testing.T) {
	a := &Acknowledgment{
		OriginalMessageID: "m-42",
		Received:          true,
		LatencyMs:         1.5,
		ReceiverID:        "3",
		Status:            AckStatusOK,
	}

	data, err := a.Serialize()
	require.NoError(t, err)

	got, err := DeserializeAck(data)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestDeserializeAckMalformed(t *testing.T) {
	_, err := DeserializeAck([]byte("{broken"))
	require.Error(t, err)

	var decodeErr *DecodeError
	assert.True(t, errors.As(err, &decodeErr))
}

func TestNewAckEnvelope(t *testing.T) {
	orig := NewEnvelope(5, []byte("x"))
	orig.SetReplyTo("reply_channel_abc")

	env, err := NewAckEnvelope(orig, 5, true, AckStatusOK)
	require.NoError(t, err)

	assert.Equal(t, "ack_"+orig.MessageID, env.MessageID)
	assert.Equal(t, MessageTypeAck, env.Type)
	assert.Equal(t, RoutingRequestReply, env.Routing)
	assert.Equal(t, orig.Target, env.Target)
	assert.Equal(t, "reply_channel_abc", env.ReplyTo())

	ack, err := DeserializeAck(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, orig.MessageID, ack.OriginalMessageID)
	assert.True(t, ack.Received)
	assert.Equal(t, "5", ack.ReceiverID)
	assert.Equal(t, AckStatusOK, ack.Status)
	assert.GreaterOrEqual(t, ack.LatencyMs, float64(0))
}

func TestNewAckEnvelopeFailureStatus(t *testing.T) {
	orig := NewEnvelope(0, nil)

	env, err := NewAckEnvelope(orig, 0, false, "handler exploded")
	require.NoError(t, err)

	ack, err := DeserializeAck(env.Payload)
	require.NoError(t, err)
	assert.False(t, ack.Received)
	assert.Equal(t, "handler exploded", ack.Status)
	assert.Empty(t, env.ReplyTo())
}
