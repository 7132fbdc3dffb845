// Package ocpp implements OCPP 1.6-J message framing and parsing.
package ocpp

import (
	"encoding/json"
	"fmt"
)

// Message type codes per OCPP 1.6-J.
const (
	TypeCall       = 2
	TypeCallResult = 3
	TypeCallError  = 4
)

// Message is a decoded OCPP frame: [type, id, ...]. Only the leading
// type/id prefix is interpreted; everything after it is kept as raw
// JSON and forwarded verbatim.
type Message struct {
	Type int
	ID   string

	// Action and Payload are populated for TypeCall (action, payload).
	Action  string
	Payload json.RawMessage

	// Result is populated for TypeCallResult.
	Result json.RawMessage

	// ErrorCode, ErrorDescription, ErrorDetails are populated for TypeCallError.
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage

	// Raw is the original frame, unmodified, as received.
	Raw []byte
}

// Parse decodes a raw text frame. It accepts only a JSON array of
// length >= 2 whose first element is an integer in {2,3,4} and whose
// second element is a string. Anything else is a parse failure.
func Parse(raw []byte) (*Message, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("ocpp: not a JSON array: %w", err)
	}
	if len(arr) < 2 {
		return nil, fmt.Errorf("ocpp: array too short (%d elements)", len(arr))
	}

	var typ int
	if err := json.Unmarshal(arr[0], &typ); err != nil {
		return nil, fmt.Errorf("ocpp: first element is not an integer: %w", err)
	}
	if typ != TypeCall && typ != TypeCallResult && typ != TypeCallError {
		return nil, fmt.Errorf("ocpp: unknown message type %d", typ)
	}

	var id string
	if err := json.Unmarshal(arr[1], &id); err != nil {
		return nil, fmt.Errorf("ocpp: second element is not a string: %w", err)
	}

	m := &Message{Type: typ, ID: id, Raw: raw}

	switch typ {
	case TypeCall:
		if len(arr) >= 3 {
			_ = json.Unmarshal(arr[2], &m.Action)
		}
		if len(arr) >= 4 {
			m.Payload = arr[3]
		}
	case TypeCallResult:
		if len(arr) >= 3 {
			m.Result = arr[2]
		}
	case TypeCallError:
		if len(arr) >= 3 {
			_ = json.Unmarshal(arr[2], &m.ErrorCode)
		}
		if len(arr) >= 4 {
			_ = json.Unmarshal(arr[3], &m.ErrorDescription)
		}
		if len(arr) >= 5 {
			m.ErrorDetails = arr[4]
		}
	}

	return m, nil
}

// IsCall reports whether the message is a client/upstream-initiated request.
func (m *Message) IsCall() bool { return m.Type == TypeCall }

// IsReply reports whether the message is a CALLRESULT or CALLERROR.
func (m *Message) IsReply() bool { return m.Type == TypeCallResult || m.Type == TypeCallError }

// NewCall builds a CALL frame: [2, id, action, payload].
func NewCall(id, action string, payload interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{TypeCall, id, action, payload})
}

// NewCallResult builds a CALLRESULT frame: [3, id, payload].
func NewCallResult(id string, payload interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{TypeCallResult, id, payload})
}

// NewCallError builds a CALLERROR frame: [4, id, errorCode, errorDescription, errorDetails].
func NewCallError(id, code, description string, details interface{}) ([]byte, error) {
	if details == nil {
		details = struct{}{}
	}
	return json.Marshal([]interface{}{TypeCallError, id, code, description, details})
}
