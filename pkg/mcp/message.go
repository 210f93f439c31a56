// Package mcp provides the wire-level and in-memory message types shared by
// every transport and proxy mode: the JSON-RPC 2.0 protocol message, the
// SSE parser, and the pooled buffers the streaming paths lean on.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a ProtocolMessage as one of the three JSON-RPC 2.0 shapes.
type Kind int

const (
	// KindRequest has both a method and an id.
	KindRequest Kind = iota
	// KindResponse has an id and exactly one of result/error.
	KindResponse
	// KindNotification has a method and no id.
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes used when the core synthesizes errors.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ProtocolMessage is the transport-agnostic JSON-RPC 2.0 message: a
// Request, a Response, or a Notification. Exactly one of Result/Err is set
// on a Response; a Notification carries no ID.
type ProtocolMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// JSONRPCVersion is the only protocol version this module speaks.
const JSONRPCVersion = "2.0"

// ErrInvalidFraming is returned when a message violates JSON-RPC 2.0
// framing invariants (e.g. a response with both result and error set).
var ErrInvalidFraming = errors.New("mcp: invalid JSON-RPC framing")

// Kind classifies the message per the invariants in the data model: a
// Response has an id and exactly one of result/error; a Notification has a
// method and no id; anything else with a method and an id is a Request.
func (m *ProtocolMessage) Kind() Kind {
	hasID := len(m.ID) > 0 && string(m.ID) != "null"
	switch {
	case m.Method != "" && hasID:
		return KindRequest
	case m.Method != "" && !hasID:
		return KindNotification
	default:
		return KindResponse
	}
}

// IsRequest reports whether this message is a JSON-RPC request.
func (m *ProtocolMessage) IsRequest() bool { return m.Kind() == KindRequest }

// IsResponse reports whether this message is a JSON-RPC response.
func (m *ProtocolMessage) IsResponse() bool { return m.Kind() == KindResponse }

// IsNotification reports whether this message is a JSON-RPC notification.
func (m *ProtocolMessage) IsNotification() bool { return m.Kind() == KindNotification }

// Validate enforces the data model's framing invariants: the jsonrpc
// version field, when set, must be "2.0", and a response carries exactly
// one of result/error, never both, never neither.
func (m *ProtocolMessage) Validate() error {
	if m.JSONRPC != "" && m.JSONRPC != JSONRPCVersion {
		return fmt.Errorf("%w: jsonrpc version %q", ErrInvalidFraming, m.JSONRPC)
	}
	if m.Kind() == KindResponse {
		hasResult := len(m.Result) > 0 && string(m.Result) != "null"
		hasError := m.Error != nil
		if hasResult == hasError {
			return fmt.Errorf("%w: response must set exactly one of result/error", ErrInvalidFraming)
		}
	}
	return nil
}

// ParseParams unmarshals Params into v. Returns nil immediately if Params
// is absent (a request with no parameters is valid).
func (m *ProtocolMessage) ParseParams(v interface{}) error {
	if len(m.Params) == 0 {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}

// NewRequest constructs a Request-shaped ProtocolMessage.
func NewRequest(id json.RawMessage, method string, params json.RawMessage) *ProtocolMessage {
	return &ProtocolMessage{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}
}

// NewNotification constructs a Notification-shaped ProtocolMessage.
func NewNotification(method string, params json.RawMessage) *ProtocolMessage {
	return &ProtocolMessage{JSONRPC: JSONRPCVersion, Method: method, Params: params}
}

// NewResultResponse constructs a Response carrying a result.
func NewResultResponse(id json.RawMessage, result json.RawMessage) *ProtocolMessage {
	return &ProtocolMessage{JSONRPC: JSONRPCVersion, ID: id, Result: result}
}

// NewErrorResponse constructs a Response carrying an error.
func NewErrorResponse(id json.RawMessage, code int, message string, data json.RawMessage) *ProtocolMessage {
	return &ProtocolMessage{JSONRPC: JSONRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message, Data: data}}
}
