// Package health probes agent endpoints.
package health

import (
	"context"
	"net/http"
	"time"
)

// Probe outcomes. Unreachable means the request itself failed; Unhealthy
// means the agent answered with a non-200 status.
const (
	Healthy     = "healthy"
	Unhealthy   = "unhealthy"
	Unreachable = "unreachable"
	Unknown     = "unknown"
)

// Prober issues bounded GET /health requests against agent endpoints.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{client: &http.Client{Timeout: timeout}, timeout: timeout}
}

// Check probes endpointURL/health, presenting token as a bearer credential
// when set. It never returns an error; probe failures are a status, not a
// fault in the caller.
func (p *Prober) Check(ctx context.Context, endpointURL, token string) string {
	if endpointURL == "" {
		return Unknown
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL+"/health", nil)
	if err != nil {
		return Unreachable
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Unreachable
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return Healthy
	}
	return Unhealthy
}
