package contracts

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies the purpose of an envelope.
type MessageType int

const (
	MessageTypeUnspecified MessageType = iota
	MessageTypeData
	MessageTypeRPCRequest
	MessageTypeRPCResponse
	MessageTypeAck
	MessageTypeControl
	MessageTypeEvent
)

// RoutingMode describes how an envelope travels from sender to receiver.
type RoutingMode int

const (
	RoutingUnspecified RoutingMode = iota
	RoutingPointToPoint
	RoutingPublishSubscribe
	RoutingRequestReply
	RoutingFanout
)

// QoSLevel is the advisory delivery guarantee requested for an envelope.
// The core never enforces more than the underlying substrate provides.
type QoSLevel int

const (
	QoSUnspecified QoSLevel = iota
	QoSAtMostOnce
	QoSAtLeastOnce
	QoSExactlyOnce
)

// MetadataReplyTo is the metadata key carrying the reverse path for
// acknowledgments on substrates without a native reply field.
const MetadataReplyTo = "reply_to"

// Envelope is the canonical message representation shared by every
// substrate binding. MessageID is immutable once assigned and is the sole
// correlation key between an envelope and any acknowledgment for it.
type Envelope struct {
	MessageID string
	Target    int
	Topic     string
	Type      MessageType
	Payload   []byte
	Async     bool
	Timestamp int64
	Routing   RoutingMode
	QoS       QoSLevel
	Metadata  map[string]string
}

// EnvelopeOption customizes an envelope at creation time.
type EnvelopeOption func(*Envelope)

// WithTopic sets the optional secondary routing key.
func WithTopic(topic string) EnvelopeOption {
	return func(e *Envelope) { e.Topic = topic }
}

// WithType sets the message type.
func WithType(t MessageType) EnvelopeOption {
	return func(e *Envelope) { e.Type = t }
}

// WithAsync records which dispatch mode produced the message.
func WithAsync(async bool) EnvelopeOption {
	return func(e *Envelope) { e.Async = async }
}

// WithRouting sets the routing mode.
func WithRouting(r RoutingMode) EnvelopeOption {
	return func(e *Envelope) { e.Routing = r }
}

// WithQoS sets the advisory delivery guarantee.
func WithQoS(q QoSLevel) EnvelopeOption {
	return func(e *Envelope) { e.QoS = q }
}

// WithMetadata merges the given metadata into the envelope.
func WithMetadata(md map[string]string) EnvelopeOption {
	return func(e *Envelope) {
		for k, v := range md {
			e.Metadata[k] = v
		}
	}
}

// NewEnvelope creates an envelope addressed to target with a fresh message
// id, the current millisecond timestamp, and the documented defaults
// (data message, point-to-point, at-most-once).
func NewEnvelope(target int, payload []byte, options ...EnvelopeOption) *Envelope {
	e := &Envelope{
		MessageID: uuid.New().String(),
		Target:    target,
		Type:      MessageTypeData,
		Payload:   payload,
		Timestamp: NowMillis(),
		Routing:   RoutingPointToPoint,
		QoS:       QoSAtMostOnce,
		Metadata:  map[string]string{},
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// ReplyTo returns the reverse-path address carried in metadata, if any.
func (e *Envelope) ReplyTo() string {
	return e.Metadata[MetadataReplyTo]
}

// SetReplyTo attaches the reverse-path address to the envelope metadata.
func (e *Envelope) SetReplyTo(addr string) {
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	e.Metadata[MetadataReplyTo] = addr
}

// NowMillis returns the current wall-clock time in milliseconds since epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
