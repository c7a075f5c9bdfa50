package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DecodeError reports malformed envelope or acknowledgment bytes. Offset is
// the byte position of the failure when the decoder can supply one, -1
// otherwise. Truncated input is always an error, never silently defaulted.
type DecodeError struct {
	Offset int64
	Reason string
	cause  error
}

func (e *DecodeError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("decode failed at offset %d: %s", e.Offset, e.Reason)
	}
	return fmt.Sprintf("decode failed: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.cause }

func newDecodeError(err error) *DecodeError {
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return &DecodeError{Offset: syn.Offset, Reason: syn.Error(), cause: err}
	}
	var typ *json.UnmarshalTypeError
	if errors.As(err, &typ) {
		return &DecodeError{Offset: typ.Offset, Reason: typ.Error(), cause: err}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return &DecodeError{Offset: -1, Reason: "truncated input", cause: err}
	}
	return &DecodeError{Offset: -1, Reason: err.Error(), cause: err}
}

// wireEnvelope is the canonical wire layout. Every field is always emitted
// so that the same bytes are comparable across substrates and runs.
type wireEnvelope struct {
	MessageID string            `json:"message_id"`
	Target    int               `json:"target"`
	Topic     string            `json:"topic"`
	Type      int               `json:"type"`
	Payload   []byte            `json:"payload"`
	Async     bool              `json:"async"`
	Timestamp int64             `json:"timestamp"`
	Routing   int               `json:"routing"`
	QoS       int               `json:"qos"`
	Metadata  map[string]string `json:"metadata"`
}

// wireEnvelopeIn mirrors wireEnvelope with optional fields as pointers so
// that absence is distinguishable from the zero value on decode.
type wireEnvelopeIn struct {
	MessageID string            `json:"message_id"`
	Target    int               `json:"target"`
	Topic     string            `json:"topic"`
	Type      int               `json:"type"`
	Payload   []byte            `json:"payload"`
	Async     bool              `json:"async"`
	Timestamp int64             `json:"timestamp"`
	Routing   *int              `json:"routing"`
	QoS       *int              `json:"qos"`
	Metadata  map[string]string `json:"metadata"`
}

// Serialize encodes the envelope into its canonical byte form. The encoding
// is identical no matter which substrate carries it.
func (e *Envelope) Serialize() ([]byte, error) {
	w := wireEnvelope{
		MessageID: e.MessageID,
		Target:    e.Target,
		Topic:     e.Topic,
		Type:      int(e.Type),
		Payload:   e.Payload,
		Async:     e.Async,
		Timestamp: e.Timestamp,
		Routing:   int(e.Routing),
		QoS:       int(e.QoS),
		Metadata:  e.Metadata,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("serialize envelope: %w", err)
	}
	return data, nil
}

// Deserialize decodes canonical envelope bytes. Absent optional fields take
// their documented defaults: routing point-to-point, qos at-most-once, empty
// metadata. Malformed input fails with a *DecodeError.
func Deserialize(data []byte) (*Envelope, error) {
	var w wireEnvelopeIn
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, newDecodeError(err)
	}
	e := &Envelope{
		MessageID: w.MessageID,
		Target:    w.Target,
		Topic:     w.Topic,
		Type:      MessageType(w.Type),
		Payload:   w.Payload,
		Async:     w.Async,
		Timestamp: w.Timestamp,
		Routing:   RoutingPointToPoint,
		QoS:       QoSAtMostOnce,
		Metadata:  w.Metadata,
	}
	if w.Routing != nil {
		e.Routing = RoutingMode(*w.Routing)
	}
	if w.QoS != nil {
		e.QoS = QoSLevel(*w.QoS)
	}
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	return e, nil
}
