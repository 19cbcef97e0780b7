package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// NormalizeResult projects a tool result onto a string:
//
//   - a JSON string is returned as is
//   - an object with success and message yields message
//   - an object with content yields content
//   - an object with url yields a navigation summary
//   - anything else is returned as compact JSON
func NormalizeResult(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		_, hasSuccess := obj["success"]
		if msg, ok := obj["message"]; ok && hasSuccess {
			return stringOrJSON(msg)
		}
		if content, ok := obj["content"]; ok {
			return stringOrJSON(content)
		}
		if u, ok := obj["url"]; ok {
			out := "Navigated to " + stringOrJSON(u)
			if title, ok := obj["title"]; ok {
				out += fmt.Sprintf(" (%s)", stringOrJSON(title))
			}
			return out
		}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func stringOrJSON(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
