package storage

import (
	"encoding/json"
	"time"
)

// Bucket names
const (
	AuditRecordsBucket = "audit_records"
	ToolCatalogsBucket = "tool_catalogs"
	MetaBucket         = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// Current schema version
const CurrentSchemaVersion = 1

// AuditType classifies what kind of event an audit record describes.
type AuditType string

const (
	// AuditTypeToolCall records a tool execution routed to a provider
	AuditTypeToolCall AuditType = "tool_call"
	// AuditTypePolicyDecision records a tool call blocked by access policy
	AuditTypePolicyDecision AuditType = "policy_decision"
	// AuditTypeProviderChange records a provider being added, removed, enabled or disabled
	AuditTypeProviderChange AuditType = "provider_change"
	// AuditTypeAuthEvent records authentication activity such as logins and token exchanges
	AuditTypeAuthEvent AuditType = "auth_event"
)

// Audit record statuses
const (
	AuditStatusSuccess = "success"
	AuditStatusError   = "error"
	AuditStatusDenied  = "denied"
)

// AuditRecord is a single audit log entry persisted in BBolt. The same
// record is shipped to the platform API by the audit dispatcher, so the
// JSON field names are part of the wire contract.
type AuditRecord struct {
	ID                string         `json:"id"`                           // Unique identifier (ULID format)
	Type              AuditType      `json:"type"`                         // Kind of event
	UserID            string         `json:"user_id,omitempty"`            // Authenticated subject
	UserEmail         string         `json:"user_email,omitempty"`         // Email claim when known
	AuthMethod        string         `json:"auth_method,omitempty"`        // Which auth branch admitted the caller
	Provider          string         `json:"provider,omitempty"`           // Tool provider name
	Tool              string         `json:"tool,omitempty"`               // Tool that was called
	Arguments         map[string]any `json:"arguments,omitempty"`          // Tool call arguments
	Response          string         `json:"response,omitempty"`           // Tool response (potentially truncated)
	ResponseTruncated bool           `json:"response_truncated,omitempty"` // True if response was truncated
	Status            string         `json:"status"`                       // success, error or denied
	ErrorMessage      string         `json:"error_message,omitempty"`      // Error details if status is "error"
	DurationMs        int64          `json:"duration_ms,omitempty"`        // Execution duration in milliseconds
	Timestamp         time.Time      `json:"timestamp"`                    // When the event occurred
	RequestID         string         `json:"request_id,omitempty"`         // HTTP request ID for correlation
	Metadata          map[string]any `json:"metadata,omitempty"`           // Additional context-specific data
}

// MarshalBinary implements encoding.BinaryMarshaler for BBolt storage
func (a *AuditRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for BBolt storage
func (a *AuditRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

// AuditFilter narrows audit queries. Zero values mean "no constraint".
type AuditFilter struct {
	Type      string    // Filter by audit type
	UserID    string    // Filter by authenticated subject
	Provider  string    // Filter by provider name
	Tool      string    // Filter by tool name
	Status    string    // Filter by status (success/error/denied)
	StartTime time.Time // Events after this time
	EndTime   time.Time // Events before this time
	Limit     int       // Max records to return (default 50, max 100)
	Offset    int       // Pagination offset
}

// Validate normalizes the filter bounds in place.
func (f *AuditFilter) Validate() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Matches reports whether a record satisfies every set filter field.
func (f *AuditFilter) Matches(record *AuditRecord) bool {
	if f.Type != "" && string(record.Type) != f.Type {
		return false
	}
	if f.UserID != "" && record.UserID != f.UserID {
		return false
	}
	if f.Provider != "" && record.Provider != f.Provider {
		return false
	}
	if f.Tool != "" && record.Tool != f.Tool {
		return false
	}
	if f.Status != "" && record.Status != f.Status {
		return false
	}
	if !f.StartTime.IsZero() && record.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && record.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// ToolCatalog is a cached snapshot of one provider's tools/list
// result. Tools holds the raw JSON tool array so the storage layer
// stays agnostic of the MCP type definitions.
type ToolCatalog struct {
	Provider  string          `json:"provider"`
	Tools     json.RawMessage `json:"tools"`
	ToolCount int             `json:"tool_count"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for BBolt storage
func (c *ToolCatalog) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for BBolt storage
func (c *ToolCatalog) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, c)
}

// WebSession is the browser login state kept in Redis after an OAuth
// callback completes. Field names mirror what the web UI reads back.
type WebSession struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	TenantID     string    `json:"tenant_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}
