package protocol

import (
	"encoding/json"
	"fmt"
)

// Wire error codes. The -320xx range carries relay specific failures.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
	CodeLimitExceeded  = -32000
	CodeUnknownServer  = -32001
	CodeExecTimeout    = -32002
	CodeExecCrash      = -32003
)

// Wire error messages.
// MethodInitialized is sent by the client once the initialize handshake is
// done. mcp-go exports no constant for it.
const MethodInitialized = "notifications/initialized"

const (
	MsgMalformedFrame     = "MalformedFrame"
	MsgDuplicateRequest   = "DuplicateRequest"
	MsgUnknownServer      = "UnknownServer"
	MsgExecutorTimeout    = "ExecutorTimeout"
	MsgExecutorCrash      = "ExecutorCrash"
	MsgLimitExceeded      = "LimitExceeded"
	MsgStorageUnavailable = "StorageUnavailable"
	MsgInvalidMetadata    = "InvalidServerMetadata"
)

// Error is the {code, message} object of an error response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

type resultFrame struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
}

type errorFrame struct {
	ID    json.RawMessage `json:"id"`
	Error Error           `json:"error"`
}

// ResultFrame renders {"id":<id>,"result":<result>}. An empty result is sent
// as {}.
func ResultFrame(id, result json.RawMessage) []byte {
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	b, err := json.Marshal(resultFrame{ID: nullable(id), Result: result})
	if err != nil {
		return ErrorFrame(id, CodeInternalError, "invalid result")
	}
	return b
}

// ErrorFrame renders {"id":<id|null>,"error":{"code":..,"message":..}}.
func ErrorFrame(id json.RawMessage, code int, message string) []byte {
	b, _ := json.Marshal(errorFrame{ID: nullable(id), Error: Error{Code: code, Message: message}})
	return b
}

func nullable(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
