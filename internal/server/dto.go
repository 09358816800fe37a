package server

import (
	"time"

	"warden/internal/domain"
)

// Request payloads

type MintTokenRequest struct {
	Role          string   `json:"role"`
	TenantID      string   `json:"tenant_id"`
	TTLMinutes    int      `json:"ttl_minutes"`
	Scopes        []string `json:"scopes"`
	Reason        string   `json:"reason,omitempty"`
	ParentTokenID string   `json:"parent_token_id,omitempty"`
}

type RevokeTokenRequest struct {
	Reason string `json:"reason"`
}

type ValidateTokenRequest struct {
	SignedValue string `json:"signed_value"`
}

type SpawnAgentRequest struct {
	Role           string                 `json:"role"`
	TenantID       string                 `json:"tenant_id"`
	Scopes         []string               `json:"scopes"`
	ResourceLimits *domain.ResourceLimits `json:"resource_limits,omitempty"`
}

type TerminateAgentRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SuspendAgentRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Response payloads

type MintTokenResponse struct {
	TokenID     string    `json:"token_id"`
	SignedValue string    `json:"signed_value"`
	Role        string    `json:"role"`
	TenantID    string    `json:"tenant_id"`
	Scopes      []string  `json:"scopes"`
	IssuedAt    time.Time `json:"issued_at" format:"date-time"`
	ExpiresAt   time.Time `json:"expires_at" format:"date-time"`
}

type ValidateTokenResponse struct {
	Valid     bool      `json:"valid"`
	TokenID   string    `json:"token_id"`
	Role      string    `json:"role"`
	TenantID  string    `json:"tenant_id"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at" format:"date-time"`
}

type MetricsResponse struct {
	Tokens domain.TokenMetrics  `json:"tokens"`
	Agents domain.SystemMetrics `json:"agents"`
}

func mintResponse(t domain.EphemeralToken) MintTokenResponse {
	return MintTokenResponse{
		TokenID:     t.TokenID,
		SignedValue: t.SignedValue,
		Role:        t.Role,
		TenantID:    t.TenantID,
		Scopes:      t.Scopes,
		IssuedAt:    t.IssuedAt,
		ExpiresAt:   t.ExpiresAt,
	}
}

func validateResponse(t domain.EphemeralToken) ValidateTokenResponse {
	return ValidateTokenResponse{
		Valid:     true,
		TokenID:   t.TokenID,
		Role:      t.Role,
		TenantID:  t.TenantID,
		Scopes:    t.Scopes,
		ExpiresAt: t.ExpiresAt,
	}
}
