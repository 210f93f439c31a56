package mcp

import (
	"time"
)

// Direction indicates which way a message is flowing through the proxy.
// It is always stamped explicitly by the component that produced the
// envelope and is never re-derived from the transport edge downstream.
type Direction int

const (
	// ClientToServer flows from the local/downstream client to the upstream.
	ClientToServer Direction = iota
	// ServerToClient flows from the upstream back to the client.
	ServerToClient
	// Internal marks messages synthesized by the proxy itself (e.g. a
	// mock response or a synthetic error) rather than relayed wire traffic.
	Internal
)

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client_to_server"
	case ServerToClient:
		return "server_to_client"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// ResponseMode classifies how an HTTP response to a POST /mcp was, or will
// be, delivered.
type ResponseMode int

const (
	// ResponseModeJSON is a single buffered application/json body.
	ResponseModeJSON ResponseMode = iota
	// ResponseModeSSEStream is a long-lived text/event-stream body.
	ResponseModeSSEStream
	// ResponseModePassthrough copies bytes without protocol interpretation.
	ResponseModePassthrough
)

func (m ResponseMode) String() string {
	switch m {
	case ResponseModeJSON:
		return "json"
	case ResponseModeSSEStream:
		return "sse_stream"
	case ResponseModePassthrough:
		return "passthrough"
	default:
		return "unknown"
	}
}

// SSEMetadata is delivery-level detail for one SSE event. It belongs on the
// DeliveryContext, not on the session: it describes how *this* message was
// delivered, not the conversation it belongs to.
type SSEMetadata struct {
	EventID   string
	EventType string // defaults to "message" when absent on the wire
	RetryMs   *int
}

// TransportKind names the wire transport a DeliveryContext describes.
type TransportKind int

const (
	// TransportStdio is newline-delimited JSON over a child process's stdio.
	TransportStdio TransportKind = iota
	// TransportHTTP is Streamable HTTP (JSON or SSE response to a POST).
	TransportHTTP
)

func (t TransportKind) String() string {
	switch t {
	case TransportStdio:
		return "stdio"
	case TransportHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// DeliveryContext records how *this* message was delivered: a per-message
// property, never a per-session one. SSE metadata is nested under the HTTP
// variant's response mode rather than promoted to a transport kind of its
// own, since SSE is a response mode of HTTP, not a separate transport.
type DeliveryContext struct {
	Transport TransportKind

	// Stdio fields, populated when Transport == TransportStdio.
	ProcessID int
	Command   string

	// HTTP fields, populated when Transport == TransportHTTP.
	Method       string
	Path         string
	Headers      map[string][]string
	StatusCode   int
	RemoteAddr   string
	ResponseMode ResponseMode
	SSE          *SSEMetadata
}

// NewStdioDelivery builds a DeliveryContext for a stdio-framed message.
func NewStdioDelivery(processID int, command string) DeliveryContext {
	return DeliveryContext{Transport: TransportStdio, ProcessID: processID, Command: command}
}

// NewHTTPDelivery builds a DeliveryContext for an HTTP-framed message.
func NewHTTPDelivery(method, path string, headers map[string][]string) DeliveryContext {
	return DeliveryContext{
		Transport: TransportHTTP,
		Method:    method,
		Path:      path,
		Headers:   headers,
	}
}

// MessageContext is per-envelope metadata: who this belongs to, which way
// it is flowing, and how it arrived.
type MessageContext struct {
	SessionID       string
	Direction       Direction
	ProtocolVersion string
	CorrelationID   string
	Delivery        DeliveryContext
	Timestamp       time.Time
}

// MessageEnvelope pairs a ProtocolMessage with its MessageContext. It is
// conceptually immutable outside the interceptor chain: interceptors
// receive an owned envelope and hand back either the same one, a modified
// copy, or a replacement built from a mock.
type MessageEnvelope struct {
	Message *ProtocolMessage
	Context MessageContext
}

// NewEnvelope constructs an envelope, stamping the current time.
func NewEnvelope(msg *ProtocolMessage, ctx MessageContext) *MessageEnvelope {
	if ctx.Timestamp.IsZero() {
		ctx.Timestamp = time.Now()
	}
	return &MessageEnvelope{Message: msg, Context: ctx}
}

// WithDirection returns a shallow copy of the envelope stamped with dir.
func (e *MessageEnvelope) WithDirection(dir Direction) *MessageEnvelope {
	clone := *e
	clone.Context.Direction = dir
	return &clone
}

// WithSession returns a shallow copy of the envelope stamped with sessionID.
func (e *MessageEnvelope) WithSession(sessionID string) *MessageEnvelope {
	clone := *e
	clone.Context.SessionID = sessionID
	return &clone
}

// WithDelivery returns a shallow copy of the envelope stamped with d.
func (e *MessageEnvelope) WithDelivery(d DeliveryContext) *MessageEnvelope {
	clone := *e
	clone.Context.Delivery = d
	return &clone
}

// Clone returns a shallow copy of the envelope. It is O(1): the underlying
// ProtocolMessage's byte slices and the delivery context's header map are
// shared by reference, not deep-copied, matching the "cheap to clone"
// contract in the data model — callers that mutate shared fields must
// replace them wholesale (e.g. via WithDelivery) rather than mutate in place.
func (e *MessageEnvelope) Clone() *MessageEnvelope {
	clone := *e
	if e.Message != nil {
		msg := *e.Message
		clone.Message = &msg
	}
	return &clone
}
