// Package protocol parses and produces the MCP message envelope exchanged
// with relay clients: {id, method, params} requests and {id, result|error}
// responses.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a parsed envelope.
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Message is one decoded protocol envelope. Raw fields are kept verbatim so
// ids and params are forwarded without reinterpretation.
type Message struct {
	Kind   Kind
	ID     json.RawMessage
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// IDKey returns the correlation key of the request id. String and numeric ids
// never collide: "1" and 1 yield different keys.
func (m Message) IDKey() string {
	return string(m.ID)
}

// ErrMalformedFrame marks envelopes that are not valid JSON or miss required
// fields.
var ErrMalformedFrame = errors.New("malformed frame")

// MalformedError describes a rejected frame. ID is the request id when it
// could be recovered, nil otherwise.
type MalformedError struct {
	ID     json.RawMessage
	Code   int
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformedFrame }

// Frame renders the protocol error response reported back to the client.
func (e *MalformedError) Frame() []byte {
	return ErrorFrame(e.ID, e.Code, MsgMalformedFrame)
}

// Parse decodes a raw frame. Requests need a string method, responses a
// string or numeric id plus result or error.
func Parse(raw []byte) (Message, error) {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return Message{}, &MalformedError{Code: CodeParseError, Reason: "invalid json object"}
	}
	if dec.More() {
		return Message{}, &MalformedError{Code: CodeParseError, Reason: "trailing data"}
	}

	var id json.RawMessage
	rawID, hasID := fields["id"]
	if hasID {
		if !validID(rawID) {
			return Message{}, &MalformedError{Code: CodeInvalidRequest, Reason: "id must be a string or number"}
		}
		id = compact(rawID)
	}

	if rawMethod, ok := fields["method"]; ok {
		var method string
		if err := json.Unmarshal(rawMethod, &method); err != nil || method == "" {
			return Message{}, &MalformedError{ID: id, Code: CodeInvalidRequest, Reason: "method must be a non-empty string"}
		}
		params := fields["params"]
		if len(params) > 0 && !isContainer(params) {
			return Message{}, &MalformedError{ID: id, Code: CodeInvalidRequest, Reason: "params must be an object or array"}
		}
		m := Message{Kind: KindNotification, Method: method, Params: params}
		if hasID {
			m.Kind = KindRequest
			m.ID = id
		}
		return m, nil
	}

	result, hasResult := fields["result"]
	rawErr, hasErr := fields["error"]
	if !hasID || hasResult == hasErr {
		return Message{}, &MalformedError{ID: id, Code: CodeInvalidRequest, Reason: "expected method, or id with result or error"}
	}
	m := Message{Kind: KindResponse, ID: id}
	if hasResult {
		m.Result = result
		return m, nil
	}
	var e Error
	if err := json.Unmarshal(rawErr, &e); err != nil {
		return Message{}, &MalformedError{ID: id, Code: CodeInvalidRequest, Reason: "error must be {code, message}"}
	}
	m.Error = &e
	return m, nil
}

// JSONRPC renders the message as a JSON-RPC 2.0 request for executors that
// speak the upstream MCP wire format.
func (m Message) JSONRPC() []byte {
	req := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: m.ID, Method: m.Method, Params: m.Params}
	b, _ := json.Marshal(req)
	return b
}

func validID(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 {
		return false
	}
	switch c := t[0]; {
	case c == '"':
		return true
	case c == '-' || (c >= '0' && c <= '9'):
		return true
	default:
		return false
	}
}

func isContainer(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && (t[0] == '{' || t[0] == '[')
}

func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
