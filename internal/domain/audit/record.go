// Package audit defines the recorder contract for a separate subsystem
// from the session store: the forward/reverse proxy hands a recorder the
// envelope (and, optionally, the raw wire bytes) once an exchange
// completes, without the transport layer carrying any extra state for it.
package audit

import "time"

// AuditRecord is one completed proxy exchange, kept independent of
// mcp.MessageEnvelope so the audit wire/storage format doesn't change
// just because the in-memory envelope shape grows a field.
type AuditRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"session_id,omitempty"`
	UpstreamID string    `json:"upstream_id,omitempty"`
	Direction  string    `json:"direction,omitempty"`
	Method     string    `json:"method,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	Outcome    string    `json:"outcome,omitempty"` // "forwarded", "blocked", "mocked", "error"
	RuleID     string    `json:"rule_id,omitempty"`
	DurationUs int64     `json:"duration_us,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Store persists audit records. Implementations: in-memory ring buffer
// (adapter/outbound/memory), a stdout/file writer (external collaborator).
type Store interface {
	Append(record AuditRecord) error
	Recent(limit int) []AuditRecord
	Count() int
}
