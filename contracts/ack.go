package contracts

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// AckStatusOK is the status reported for a successfully handled envelope.
const AckStatusOK = "OK"

// Acknowledgment is the canonical reply confirming (or denying) the
// handling of exactly one envelope. It travels as the payload of an
// envelope with Type = MessageTypeAck.
type Acknowledgment struct {
	OriginalMessageID string  `json:"original_message_id"`
	Received          bool    `json:"received"`
	LatencyMs         float64 `json:"latency_ms"`
	ReceiverID        string  `json:"receiver_id"`
	Status            string  `json:"status"`
}

// Serialize encodes the acknowledgment into its canonical byte form.
func (a *Acknowledgment) Serialize() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("serialize acknowledgment: %w", err)
	}
	return data, nil
}

// DeserializeAck decodes acknowledgment bytes. Malformed input fails with a
// *DecodeError.
func DeserializeAck(data []byte) (*Acknowledgment, error) {
	var a Acknowledgment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, newDecodeError(err)
	}
	return &a, nil
}

// NewAckEnvelope builds the acknowledgment envelope for an inbound
// envelope. The receiver-side latency is measured against the original
// timestamp and is informational; the authoritative latency is measured
// sender-side. The reverse-path address, when present on the original, is
// copied so the reply can travel back on metadata-routed substrates.
func NewAckEnvelope(original *Envelope, receiverID int, received bool, status string) (*Envelope, error) {
	ack := Acknowledgment{
		OriginalMessageID: original.MessageID,
		Received:          received,
		LatencyMs:         float64(NowMillis() - original.Timestamp),
		ReceiverID:        strconv.Itoa(receiverID),
		Status:            status,
	}
	payload, err := ack.Serialize()
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		MessageID: "ack_" + original.MessageID,
		Target:    original.Target,
		Type:      MessageTypeAck,
		Payload:   payload,
		Timestamp: NowMillis(),
		Routing:   RoutingRequestReply,
		QoS:       QoSAtMostOnce,
		Metadata:  map[string]string{},
	}
	if replyTo := original.ReplyTo(); replyTo != "" {
		env.SetReplyTo(replyTo)
	}
	return env, nil
}
