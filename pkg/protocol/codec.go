package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Format selects the wire shape used on a connection.
type Format string

const (
	FormatEnvelope Format = "envelope"
	FormatLegacy   Format = "legacy"
)

// ParseFormat maps a config value to a Format. Empty means envelope.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatEnvelope:
		return FormatEnvelope, nil
	case FormatLegacy:
		return FormatLegacy, nil
	}
	return "", fmt.Errorf("protocol: unknown message format %q", s)
}

// DecodeError is returned for input that cannot be turned into a Message.
// It never closes the connection; the reader logs and drops the frame.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "protocol: " + e.Reason + ": " + e.Err.Error()
	}
	return "protocol: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Message is a decoded frame with its payload left raw for Parse.
type Message struct {
	ID        string
	Type      string
	Timestamp int64
	Payload   json.RawMessage
}

// DecodePayload unmarshals the raw payload into v. An absent payload
// leaves v untouched.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 || bytes.Equal(m.Payload, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Codec encodes and decodes frames for one connection.
type Codec struct {
	format Format
	now    func() time.Time
	newID  func() string
}

// NewCodec returns a codec producing frames in the given format.
func NewCodec(format Format) *Codec {
	if format == "" {
		format = FormatEnvelope
	}
	return &Codec{
		format: format,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Format returns the codec's output format.
func (c *Codec) Format() Format { return c.format }

// Encode builds a frame with a fresh id and the current timestamp.
func (c *Codec) Encode(msgType string, payload any) ([]byte, error) {
	if err := checkType(msgType); err != nil {
		return nil, err
	}
	id := c.newID()
	ts := c.now().UnixMilli()

	if c.format == FormatEnvelope {
		return json.Marshal(Envelope{ID: id, Type: msgType, Timestamp: ts, Payload: payload})
	}

	fields := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
		}
		if !bytes.Equal(raw, []byte("null")) {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, fmt.Errorf("protocol: legacy format needs an object payload for %s: %w", msgType, err)
			}
		}
	}
	fields["id"], _ = json.Marshal(id)
	fields["type"], _ = json.Marshal(msgType)
	fields["timestamp"], _ = json.Marshal(ts)
	return json.Marshal(fields)
}

// Decode parses a frame in either shape. A frame with a "payload" key is
// read as an envelope; otherwise the remaining top-level fields are the
// payload.
func (c *Codec) Decode(data []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &DecodeError{Reason: "malformed frame", Err: err}
	}
	if fields == nil {
		return nil, &DecodeError{Reason: "malformed frame", Err: errors.New("frame is null")}
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, &DecodeError{Reason: "missing type"}
	}
	var msgType string
	if err := json.Unmarshal(rawType, &msgType); err != nil {
		return nil, &DecodeError{Reason: "type is not a string", Err: err}
	}
	if err := checkType(msgType); err != nil {
		return nil, err
	}

	msg := &Message{Type: msgType}
	if raw, ok := fields["id"]; ok {
		// Non-string ids are tolerated and treated as absent.
		_ = json.Unmarshal(raw, &msg.ID)
	}
	if raw, ok := fields["timestamp"]; ok {
		_ = json.Unmarshal(raw, &msg.Timestamp)
	}

	if payload, ok := fields["payload"]; ok {
		msg.Payload = payload
		return msg, nil
	}

	delete(fields, "id")
	delete(fields, "type")
	delete(fields, "timestamp")
	if len(fields) > 0 {
		payload, err := json.Marshal(fields)
		if err != nil {
			return nil, &DecodeError{Reason: "malformed frame", Err: err}
		}
		msg.Payload = payload
	}
	return msg, nil
}

func checkType(t string) *DecodeError {
	if t == "" {
		return &DecodeError{Reason: "empty type"}
	}
	if utf8.RuneCountInString(t) > MaxTypeLength {
		return &DecodeError{Reason: fmt.Sprintf("type longer than %d characters", MaxTypeLength)}
	}
	return nil
}
