// Package policy holds the evaluation context CEL conditions run against.
// The rule engine's cel_expr leaf and a Conditional action's predicate both
// build their activation from EvaluationContext via the evaluator in
// internal/adapter/outbound/cel.
package policy

import "time"

// EvaluationContext contains all information needed to evaluate a CEL
// condition attached to a rule.
type EvaluationContext struct {
	// ToolName is the name of the tool being invoked.
	ToolName string
	// ToolArguments are the arguments passed to the tool.
	ToolArguments map[string]interface{}
	// UserRoles are the roles assigned to the user making the request.
	UserRoles []string
	// SessionID is the current session identifier.
	SessionID string
	// IdentityID is the authenticated user's identity identifier.
	IdentityID string
	// IdentityName is the human-readable name of the identity.
	IdentityName string
	// RequestTime is when the message was received.
	RequestTime time.Time

	// ActionType is the canonical action type: "tool_call", "request", etc.
	ActionType string
	// ActionName is the universal action name (alias for ToolName).
	ActionName string
	// Protocol is the originating protocol; "mcp" for everything this
	// proxy relays.
	Protocol string

	// Method is the JSON-RPC method of the message under evaluation.
	Method string
	// Direction is the envelope direction: "client_to_server",
	// "server_to_client", or "internal".
	Direction string
	// Transport is the delivery transport: "stdio" or "http".
	Transport string
}
