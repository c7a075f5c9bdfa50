// Package dataset loads the ordered test-data records that drive a
// benchmark run.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Record is one test message to send. Order in the file is the send order.
type Record struct {
	MessageID string
	Target    int
	Topic     string
	Payload   []byte
	Metadata  map[string]string
}

type rawRecord struct {
	MessageID json.RawMessage   `json:"message_id"`
	Target    int               `json:"target"`
	Topic     string            `json:"topic"`
	Payload   json.RawMessage   `json:"payload"`
	Message   json.RawMessage   `json:"message"`
	Metadata  map[string]string `json:"metadata"`
}

// Load reads an ordered JSON array of records. Message ids may be strings
// or integers; a record without a payload field contributes its whole body
// as the payload.
func Load(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read test data: %w", err)
	}
	return Parse(data)
}

// Parse decodes test-data bytes. See Load.
func Parse(data []byte) ([]Record, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("parse test data: %w", err)
	}

	records := make([]Record, 0, len(raws))
	for i, body := range raws {
		var raw rawRecord
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("parse test data record %d: %w", i, err)
		}

		rec := Record{
			Target:   raw.Target,
			Topic:    raw.Topic,
			Metadata: raw.Metadata,
		}
		rec.MessageID = messageID(raw.MessageID)

		switch {
		case len(raw.Payload) > 0:
			rec.Payload = raw.Payload
		case len(raw.Message) > 0:
			rec.Payload = raw.Message
		default:
			rec.Payload = body
		}

		records = append(records, rec)
	}
	return records, nil
}

// messageID normalizes the id field: JSON strings keep their value, numbers
// are formatted as decimal, anything else (or absence) yields empty.
func messageID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return ""
}
