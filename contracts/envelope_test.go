package contracts

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeDefaults(t *testing.T) {
	e := NewEnvelope(3, []byte("x"))

	assert.NotEmpty(t, e.MessageID)
	assert.Equal(t, 3, e.Target)
	assert.Equal(t, MessageTypeData, e.Type)
	assert.Equal(t, RoutingPointToPoint, e.Routing)
	assert.Equal(t, QoSAtMostOnce, e.QoS)
	assert.NotNil(t, e.Metadata)
	assert.Greater(t, e.Timestamp, int64(0))
}

func TestNewEnvelopeOptions(t *testing.T) {
	e := NewEnvelope(1, nil,
		WithTopic("orders"),
		WithType(MessageTypeControl),
		WithAsync(true),
		WithRouting(RoutingFanout),
		WithQoS(QoSAtLeastOnce),
		WithMetadata(map[string]string{"k": "v"}),
	)

	assert.Equal(t, "orders", e.Topic)
	assert.Equal(t, MessageTypeControl, e.Type)
	assert.True(t, e.Async)
	assert.Equal(t, RoutingFanout, e.Routing)
	assert.Equal(t, QoSAtLeastOnce, e.QoS)
	assert.Equal(t, "v", e.Metadata["k"])
}

func TestSerializeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		env  *Envelope
	}{
		{
			name: "full",
			env: NewEnvelope(7, []byte("payload bytes"),
				WithTopic("t"),
				WithAsync(true),
				WithQoS(QoSExactlyOnce),
				WithRouting(RoutingPublishSubscribe),
				WithMetadata(map[string]string{"reply_to": "reply_channel_1", "hint": "h"}),
			),
		},
		{
			name: "empty metadata and zero-length payload",
			env:  NewEnvelope(0, []byte{}),
		},
		{
			name: "ack type",
			env:  NewEnvelope(2, []byte(`{"original_message_id":"1"}`), WithType(MessageTypeAck), WithRouting(RoutingRequestReply)),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.env.Serialize()
			require.NoError(t, err)

			got, err := Deserialize(data)
			require.NoError(t, err)
			assert.Equal(t, tc.env, got)
		})
	}
}

func TestDeserializeDefaultsForAbsentFields(t *testing.T) {
	raw := []byte(`{"message_id":"m1","target":4,"payload":"eA==","timestamp":123}`)

	e, err := Deserialize(raw)
	require.NoError(t, err)

	assert.Equal(t, "m1", e.MessageID)
	assert.Equal(t, 4, e.Target)
	assert.Equal(t, RoutingPointToPoint, e.Routing)
	assert.Equal(t, QoSAtMostOnce, e.QoS)
	assert.NotNil(t, e.Metadata)
	assert.Empty(t, e.Metadata)
	assert.Equal(t, []byte("x"), e.Payload)
}

func TestDeserializeExplicitZeroEnumsSurvive(t *testing.T) {
	e := NewEnvelope(1, nil, WithRouting(RoutingUnspecified), WithQoS(QoSUnspecified))

	data, err := e.Serialize()
	require.NoError(t, err)

	got, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, RoutingUnspecified, got.Routing)
	assert.Equal(t, QoSUnspecified, got.QoS)
}

func TestDeserializeMalformed(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("not json at all")},
		{"truncated", []byte(`{"message_id":"m1","targ`)},
		{"wrong type", []byte(`{"message_id":42}`)},
		{"empty", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Deserialize(tc.data)
			require.Error(t, err)

			var decodeErr *DecodeError
			assert.True(t, errors.As(err, &decodeErr))
			assert.NotEmpty(t, decodeErr.Reason)
		})
	}
}

func TestDecodeErrorCarriesOffset(t *testing.T) {
	_, err := Deserialize([]byte(`{"message_id":}`))
	require.Error(t, err)

	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Greater(t, decodeErr.Offset, int64(0))
}

func TestWireFieldNames(t *testing.T) {
	e := NewEnvelope(1, []byte("x"))
	data, err := e.Serialize()
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	for _, field := range []string{"message_id", "target", "topic", "type", "payload", "async", "timestamp", "routing", "qos", "metadata"} {
		assert.Contains(t, m, field)
	}
}
