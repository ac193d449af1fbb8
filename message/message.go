// Package message defines the records that flow through the houseagent pipeline:
// raw broker messages, the time-windowed bundles built from them, and the
// responses generated from consecutive bundles.
package message

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Payload is the raw body of a broker message.
//
// When the bytes hold a JSON document other than a string it is embedded in
// the bundle encoding so downstream prompts see structured state; it decodes
// as the equivalent compact document. Other UTF-8 text, including a JSON
// string such as "on" with its quotes, is carried as a JSON string and
// decodes byte for byte. Bytes that are not valid UTF-8 are carried as
// {"$binary": "<base64>"} and also decode byte for byte.
type Payload []byte

const binaryKey = "$binary"

// MarshalJSON embeds JSON documents, quotes text and base64-encodes binary.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte(`""`), nil
	}
	if !utf8.Valid(p) {
		return json.Marshal(map[string]string{binaryKey: base64.StdEncoding.EncodeToString(p)})
	}
	trimmed := bytes.TrimSpace(p)
	if len(trimmed) > 0 && trimmed[0] != '"' && json.Valid(trimmed) {
		if _, ok := binaryEnvelope(trimmed); !ok {
			return append([]byte(nil), trimmed...), nil
		}
	}
	return json.Marshal(string(p))
}

// UnmarshalJSON reverses MarshalJSON. A JSON string becomes its decoded text,
// a binary envelope its decoded bytes, and any other document is kept verbatim.
func (p *Payload) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*p = Payload(s)
		return nil
	}
	if encoded, ok := binaryEnvelope(trimmed); ok {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("decode binary payload: %w", err)
		}
		*p = raw
		return nil
	}
	*p = append((*p)[:0], trimmed...)
	return nil
}

// binaryEnvelope reports whether doc is an object whose only member is the
// binary key, and returns its value.
func binaryEnvelope(doc []byte) (string, bool) {
	if len(doc) == 0 || doc[0] != '{' {
		return "", false
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(doc, &env); err != nil || len(env) != 1 {
		return "", false
	}
	raw, ok := env[binaryKey]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// RawMessage is a single message observed on the input topic.
type RawMessage struct {
	Topic      string    `json:"topic"`
	Payload    Payload   `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Bundle is the set of messages observed during one flush window, in arrival order.
type Bundle struct {
	ID          string       `json:"id"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`
	Messages    []RawMessage `json:"messages"`
}

// NewBundle creates a bundle for the window [start, end].
// A nil message slice is normalized so the encoding always carries an array.
func NewBundle(start, end time.Time, messages []RawMessage) Bundle {
	if messages == nil {
		messages = []RawMessage{}
	}
	return Bundle{
		ID:          uuid.New().String(),
		WindowStart: start,
		WindowEnd:   end,
		Messages:    messages,
	}
}

// Empty reports whether no messages arrived during the window.
func (b Bundle) Empty() bool {
	return len(b.Messages) == 0
}

// Validate checks the window bounds.
func (b Bundle) Validate() error {
	if b.WindowStart.IsZero() || b.WindowEnd.IsZero() {
		return fmt.Errorf("bundle window bounds are required")
	}
	if b.WindowEnd.Before(b.WindowStart) {
		return fmt.Errorf("bundle window ends before it starts")
	}
	return nil
}

// Encode serializes the bundle to its wire format.
func (b Bundle) Encode() ([]byte, error) {
	if b.Messages == nil {
		b.Messages = []RawMessage{}
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	return data, nil
}

// DecodeBundle parses a bundle from its wire format.
func DecodeBundle(data []byte) (Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("unmarshal bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return Bundle{}, err
	}
	return b, nil
}
