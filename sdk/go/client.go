package wardensdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Warden HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Token is a minted credential.
type Token struct {
	TokenID     string   `json:"token_id"`
	SignedValue string   `json:"signed_value"`
	Role        string   `json:"role"`
	TenantID    string   `json:"tenant_id"`
	Scopes      []string `json:"scopes"`
	IssuedAt    string   `json:"issued_at"`
	ExpiresAt   string   `json:"expires_at"`
}

// TokenStatus is registry metadata for a token.
type TokenStatus struct {
	TokenID       string   `json:"token_id"`
	Status        string   `json:"status"`
	Role          string   `json:"role"`
	TenantID      string   `json:"tenant_id"`
	Scopes        []string `json:"scopes"`
	IssuedAt      string   `json:"issued_at"`
	ExpiresAt     string   `json:"expires_at"`
	RevokedAt     string   `json:"revoked_at,omitempty"`
	ParentTokenID string   `json:"parent_token_id,omitempty"`
	ChildTokenIDs []string `json:"child_token_ids,omitempty"`
}

// RevocationResult reports a cascading revoke.
type RevocationResult struct {
	RevokedTokenIDs []string `json:"revoked_token_ids"`
	RevokedAt       string   `json:"revoked_at"`
}

// ValidationResult is the outcome of validating a signed token.
type ValidationResult struct {
	Valid     bool     `json:"valid"`
	TokenID   string   `json:"token_id"`
	Role      string   `json:"role"`
	TenantID  string   `json:"tenant_id"`
	Scopes    []string `json:"scopes"`
	ExpiresAt string   `json:"expires_at"`
}

// Agent is the API agent model.
type Agent struct {
	AgentID        string  `json:"agent_id"`
	TenantID       string  `json:"tenant_id"`
	Role           string  `json:"role"`
	Status         string  `json:"status"`
	SandboxID      string  `json:"sandbox_id"`
	BoundTokenID   string  `json:"bound_token_id"`
	EndpointURL    string  `json:"endpoint_url"`
	HealthStatus   string  `json:"health_status"`
	CPUUsagePct    float64 `json:"cpu_usage_pct"`
	MemoryUsagePct float64 `json:"memory_usage_pct"`
	StartedAt      string  `json:"started_at"`
	ErrorMessage   string  `json:"error_message,omitempty"`
}

// ResourceLimits caps an agent's sandbox.
type ResourceLimits struct {
	CPUCores    float64 `json:"cpu_cores"`
	MemoryBytes int64   `json:"memory_bytes"`
}

// CleanupReport summarizes an orphan sweep.
type CleanupReport struct {
	RemovedSandboxIDs []string `json:"removed_sandbox_ids"`
	RevokedTokenIDs   []string `json:"revoked_token_ids"`
}

// VerifyResult is an audit chain verification outcome.
type VerifyResult struct {
	Status       string `json:"status"`
	TotalEntries int    `json:"total_entries"`
	Errors       []struct {
		EntryID  string `json:"entry_id"`
		Check    string `json:"check"`
		Expected string `json:"expected"`
		Actual   string `json:"actual"`
	} `json:"errors,omitempty"`
}

// AuditPackage is an exported ledger slice.
type AuditPackage struct {
	PackageID       string           `json:"package_id"`
	ExportTimestamp string           `json:"export_timestamp"`
	EntryCount      int              `json:"entry_count"`
	Entries         []map[string]any `json:"entries"`
	Verification    VerifyResult     `json:"verification"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// MintToken mints an ephemeral token.
func (c *Client) MintToken(ctx context.Context, role, tenantID string, ttlMinutes int, scopes []string, reason, parentTokenID string) (Token, error) {
	body := map[string]any{
		"role":        role,
		"tenant_id":   tenantID,
		"ttl_minutes": ttlMinutes,
		"scopes":      scopes,
	}
	if reason != "" {
		body["reason"] = reason
	}
	if parentTokenID != "" {
		body["parent_token_id"] = parentTokenID
	}
	var resp Token
	err := c.do(ctx, http.MethodPost, "v0/tokens", body, &resp)
	return resp, err
}

// GetToken fetches token status by id.
func (c *Client) GetToken(ctx context.Context, tokenID string) (TokenStatus, error) {
	var resp TokenStatus
	err := c.do(ctx, http.MethodGet, "v0/tokens/"+url.PathEscape(tokenID), nil, &resp)
	return resp, err
}

// RevokeToken revokes a token and its descendants.
func (c *Client) RevokeToken(ctx context.Context, tokenID, reason string) (RevocationResult, error) {
	var resp RevocationResult
	endpoint := fmt.Sprintf("v0/tokens/%s/revoke", url.PathEscape(tokenID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ValidateToken validates a signed credential.
func (c *Client) ValidateToken(ctx context.Context, signedValue string) (ValidationResult, error) {
	var resp ValidationResult
	err := c.do(ctx, http.MethodPost, "v0/tokens/validate", map[string]any{"signed_value": signedValue}, &resp)
	return resp, err
}

// SpawnAgent spawns an agent sandbox.
func (c *Client) SpawnAgent(ctx context.Context, role, tenantID string, scopes []string, limits *ResourceLimits) (Agent, error) {
	body := map[string]any{
		"role":      role,
		"tenant_id": tenantID,
		"scopes":    scopes,
	}
	if limits != nil {
		body["resource_limits"] = limits
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "v0/agents", body, &resp)
	return resp, err
}

// ListAgents lists agents, optionally by tenant.
func (c *Client) ListAgents(ctx context.Context, tenantID string) ([]Agent, error) {
	endpoint := "v0/agents"
	if tenantID != "" {
		endpoint += "?tenant_id=" + url.QueryEscape(tenantID)
	}
	var resp []Agent
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetAgent fetches one agent.
func (c *Client) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodGet, "v0/agents/"+url.PathEscape(agentID), nil, &resp)
	return resp, err
}

// TerminateAgent tears an agent down.
func (c *Client) TerminateAgent(ctx context.Context, agentID, reason string) (Agent, error) {
	var resp Agent
	endpoint := fmt.Sprintf("v0/agents/%s/terminate", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// SuspendAgent pauses an agent.
func (c *Client) SuspendAgent(ctx context.Context, agentID, reason string) (Agent, error) {
	var resp Agent
	endpoint := fmt.Sprintf("v0/agents/%s/suspend", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ResumeAgent unpauses a suspended agent.
func (c *Client) ResumeAgent(ctx context.Context, agentID string) (Agent, error) {
	var resp Agent
	endpoint := fmt.Sprintf("v0/agents/%s/resume", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CleanupOrphans sweeps orphaned sandboxes and tokens.
func (c *Client) CleanupOrphans(ctx context.Context) (CleanupReport, error) {
	var resp CleanupReport
	err := c.do(ctx, http.MethodPost, "v0/agents/cleanup", nil, &resp)
	return resp, err
}

// VerifyAudit verifies the audit chain.
func (c *Client) VerifyAudit(ctx context.Context) (VerifyResult, error) {
	var resp VerifyResult
	err := c.do(ctx, http.MethodGet, "v0/audit/verify", nil, &resp)
	return resp, err
}

// ExportAudit exports filtered audit entries.
func (c *Client) ExportAudit(ctx context.Context, requestID, tenantID string) (AuditPackage, error) {
	q := url.Values{}
	if requestID != "" {
		q.Set("request_id", requestID)
	}
	if tenantID != "" {
		q.Set("tenant_id", tenantID)
	}
	endpoint := "v0/audit/export"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp AuditPackage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
