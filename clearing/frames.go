package clearing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ClearingError wraps an error frame the clearing network sent back, either
// shape: {"error": {"message": ...}} or {"res": [id, "error", {...}]}. The
// client treats both uniformly per spec.md 4.C.
type ClearingError struct {
	Message string
	Code    string
}

func (e *ClearingError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("clearing: %s (%s)", e.Message, e.Code)
	}
	return "clearing: " + e.Message
}

// IsQuorumNotReached reports whether err is the clearing network's "quorum
// not reached" response, which spec.md 4.C says is not a failure when
// submitting against a quorum=2 session — it means this side's signature
// was accepted and the coordinator should wait for the counterparty.
func IsQuorumNotReached(err error) bool {
	var ce *ClearingError
	if errors.As(err, &ce) {
		return strings.Contains(strings.ToLower(ce.Message), "quorum not reached")
	}
	return false
}

// frame is a decoded inbound message: either a response/notification
// (Method + Payload, with ID set for correlated responses and empty for
// unsolicited notifications like "channels", "asu", "bu", "assets") or an
// error.
type frame struct {
	ID      string
	Method  string
	Payload json.RawMessage
	Err     *ClearingError
}

type errorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func (p errorPayload) text() string {
	if p.Message != "" {
		return p.Message
	}
	return p.Error
}

// envelope mirrors the two inbound shapes spec.md 4.C documents.
type envelope struct {
	Res   []json.RawMessage `json:"res"`
	Error *errorPayload     `json:"error"`
}

func decodeFrame(raw []byte) (*frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("clearing: decode frame: %w", err)
	}

	if env.Error != nil {
		return &frame{Err: &ClearingError{Message: env.Error.text(), Code: env.Error.Code}}, nil
	}

	if len(env.Res) < 2 {
		return nil, fmt.Errorf("clearing: malformed res frame: %s", raw)
	}

	// The id element may be absent for unsolicited frames like "channels",
	// or present as either a bare number or a quoted string for correlated
	// calls -- outbound request ids are numbers (see signing.go), so accept
	// both wire shapes and normalize to the decimal string form the
	// pending-call table is keyed by.
	id := decodeFrameID(env.Res[0])

	var method string
	if err := json.Unmarshal(env.Res[1], &method); err != nil {
		return nil, fmt.Errorf("clearing: decode frame method: %w", err)
	}

	var payload json.RawMessage
	if len(env.Res) >= 3 {
		payload = env.Res[2]
	}

	if method == "error" {
		var ep errorPayload
		_ = json.Unmarshal(payload, &ep)
		return &frame{ID: id, Err: &ClearingError{Message: ep.text(), Code: ep.Code}}, nil
	}

	return &frame{ID: id, Method: method, Payload: payload}, nil
}

// decodeFrameID normalizes a response id element to the decimal string form
// used as the pending-call table key, accepting either a bare JSON number
// or a quoted string on the wire. Absent or malformed ids (unsolicited
// frames) decode to "".
func decodeFrameID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if json.Unmarshal(raw, &asString) == nil {
		return asString
	}
	var asNumber json.Number
	if json.Unmarshal(raw, &asNumber) == nil {
		return asNumber.String()
	}
	return ""
}

// isNotification reports whether method is one of the unsolicited frame
// kinds spec.md 4.C lists (not tied to a specific pending call).
func isNotification(method string) bool {
	switch method {
	case "channels", "asu", "bu", "assets", "auth_challenge":
		return true
	}
	return false
}
