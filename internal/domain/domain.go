package domain

import "time"

// EphemeralToken is a short-lived, scoped, signed credential. Tokens form a
// forest through ParentTokenID; revoking a token revokes its entire subtree.
type EphemeralToken struct {
	TokenID       string     `json:"token_id"`
	SignedValue   string     `json:"signed_value,omitempty"`
	Role          string     `json:"role"`
	TenantID      string     `json:"tenant_id"`
	Scopes        []string   `json:"scopes"`
	IssuedAt      time.Time  `json:"issued_at" format:"date-time"`
	ExpiresAt     time.Time  `json:"expires_at" format:"date-time"`
	ParentTokenID string     `json:"parent_token_id,omitempty"`
	Revoked       bool       `json:"revoked"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty" format:"date-time"`
	Reason        string     `json:"reason,omitempty"`
}

// TokenStatus is the externally visible state of a token.
type TokenStatus struct {
	TokenID       string     `json:"token_id"`
	Status        string     `json:"status" enum:"active,expired,revoked"`
	Role          string     `json:"role"`
	TenantID      string     `json:"tenant_id"`
	Scopes        []string   `json:"scopes"`
	IssuedAt      time.Time  `json:"issued_at" format:"date-time"`
	ExpiresAt     time.Time  `json:"expires_at" format:"date-time"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty" format:"date-time"`
	ParentTokenID string     `json:"parent_token_id,omitempty"`
	ChildTokenIDs []string   `json:"child_token_ids,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// TokenMetrics counts registry tokens by state.
type TokenMetrics struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
	Revoked int `json:"revoked"`
}

// RevocationResult reports the closure of a cascading revoke. A revoke of an
// already-revoked token succeeds with an empty RevokedTokenIDs delta.
type RevocationResult struct {
	RevokedTokenIDs []string  `json:"revoked_token_ids"`
	RevokedAt       time.Time `json:"revoked_at" format:"date-time"`
}

// AgentStatus values, in lifecycle order. Terminated and Error are terminal.
const (
	AgentCreated     = "created"
	AgentSpawning    = "spawning"
	AgentActive      = "active"
	AgentBusy        = "busy"
	AgentIdle        = "idle"
	AgentSuspended   = "suspended"
	AgentTerminating = "terminating"
	AgentTerminated  = "terminated"
	AgentError       = "error"
)

// ResourceLimits caps a sandbox. CPUCores is fractional; memory is bytes.
type ResourceLimits struct {
	CPUCores    float64 `json:"cpu_cores"`
	MemoryBytes int64   `json:"memory_bytes"`
}

// AgentInstance is a supervised sandboxed agent bound to one token. SandboxID
// is set exactly while status is one of active/busy/idle/suspended/terminating.
type AgentInstance struct {
	AgentID        string     `json:"agent_id"`
	TenantID       string     `json:"tenant_id"`
	Role           string     `json:"role"`
	Status         string     `json:"status" enum:"created,spawning,active,busy,idle,suspended,terminating,terminated,error"`
	SandboxID      string     `json:"sandbox_id,omitempty"`
	BoundTokenID   string     `json:"bound_token_id"`
	TokenExpiresAt time.Time  `json:"token_expires_at" format:"date-time"`
	EndpointURL    string     `json:"endpoint_url,omitempty"`
	CPUUsagePct    float64    `json:"cpu_usage_pct"`
	MemoryUsagePct float64    `json:"memory_usage_pct"`
	LastActivity   *time.Time `json:"last_activity,omitempty" format:"date-time"`
	StartedAt      time.Time  `json:"started_at" format:"date-time"`
	TerminatedAt   *time.Time `json:"terminated_at,omitempty" format:"date-time"`
	HealthStatus   string     `json:"health_status"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// SystemMetrics aggregates the agent registry.
type SystemMetrics struct {
	TotalAgents     int            `json:"total_agents"`
	RunningAgents   int            `json:"running_agents"`
	ByStatus        map[string]int `json:"by_status"`
	ByRole          map[string]int `json:"by_role"`
	AggregateCPUPct float64        `json:"aggregate_cpu_pct"`
	AggregateMemPct float64        `json:"aggregate_mem_pct"`
}

// AuditEntry is one hash-chained ledger record. Timestamps are stored as
// RFC 3339 strings so the hashed canonical form is byte-stable.
type AuditEntry struct {
	EntryID      string         `json:"entry_id"`
	RequestID    string         `json:"request_id"`
	Timestamp    string         `json:"timestamp" format:"date-time"`
	EventType    string         `json:"event_type"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Actor        string         `json:"actor"`
	Details      map[string]any `json:"details"`
	PreviousHash string         `json:"previous_hash"`
	CurrentHash  string         `json:"current_hash"`
}

// VerifyError pinpoints one failed integrity check. Check is either
// "hash" (recomputed hash differs from stored current_hash) or
// "previous_hash" (stored previous_hash does not equal the prior entry's
// stored current_hash).
type VerifyError struct {
	EntryID  string `json:"entry_id"`
	Check    string `json:"check" enum:"hash,previous_hash"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// VerifyResult is the outcome of a full-ledger integrity walk.
type VerifyResult struct {
	Status       string        `json:"status" enum:"OK,MISMATCH"`
	TotalEntries int           `json:"total_entries"`
	Errors       []VerifyError `json:"errors,omitempty"`
}

// AuditPackage is the exported, self-verifying slice of the ledger.
type AuditPackage struct {
	PackageID       string       `json:"package_id"`
	ExportTimestamp string       `json:"export_timestamp" format:"date-time"`
	RequestID       string       `json:"request_id,omitempty"`
	TenantID        string       `json:"tenant_id,omitempty"`
	EntryCount      int          `json:"entry_count"`
	Entries         []AuditEntry `json:"entries"`
	Verification    VerifyResult `json:"verification"`
}

// LedgerStats summarizes ledger contents without exporting entries.
type LedgerStats struct {
	TotalEntries    int            `json:"total_entries"`
	EventTypeCounts map[string]int `json:"event_type_counts"`
	FirstEntry      string         `json:"first_entry,omitempty"`
	LastEntry       string         `json:"last_entry,omitempty"`
}
