// Package authority mints, validates and revokes ephemeral scoped tokens
// and tracks their issuance lineage for cascading revocation.
package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"warden/internal/config"
	"warden/internal/domain"
	"warden/internal/ledger"
	"warden/internal/secretstore"
)

// Authority is the credential issuer. All registry access goes through mu;
// mint is atomic with respect to its audit write, so a token is either
// fully recorded (registry, lineage, ledger) or not at all.
type Authority struct {
	cfg     *config.Config
	ledger  *ledger.Ledger
	logger  *slog.Logger
	secrets secretstore.Store

	Now func() time.Time

	mu       sync.Mutex
	tokens   map[string]*domain.EphemeralToken
	children map[string][]string
}

// Claims is the signed credential payload.
type Claims struct {
	jwt.RegisteredClaims
	TenantID      string   `json:"tenant_id"`
	Scopes        []string `json:"scopes"`
	Reason        string   `json:"reason,omitempty"`
	ParentTokenID string   `json:"parent_token_id,omitempty"`
}

// MintOptions parameterizes Mint. Actor is recorded in the audit trail,
// never in the credential.
type MintOptions struct {
	Role          string
	TenantID      string
	TTLMinutes    int
	Scopes        []string
	Reason        string
	ParentTokenID string
	Actor         string
}

func New(cfg *config.Config, secrets secretstore.Store, led *ledger.Ledger, logger *slog.Logger) (*Authority, error) {
	if _, err := secrets.SigningKey(); err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{
		cfg:      cfg,
		ledger:   led,
		logger:   logger,
		secrets:  secrets,
		Now:      time.Now,
		tokens:   map[string]*domain.EphemeralToken{},
		children: map[string][]string{},
	}, nil
}

// ScopesForRole returns the role's allowed scopes from the policy table.
func (a *Authority) ScopesForRole(role string) ([]string, error) {
	scopes := a.cfg.ScopesForRole(role)
	if scopes == nil {
		return nil, ValidationError{Msg: fmt.Sprintf("unknown role %q", role)}
	}
	return scopes, nil
}

// Mint issues a new signed token. Requested scopes outside the role's
// allow-list are dropped silently; only an empty intersection fails.
func (a *Authority) Mint(ctx context.Context, opts MintOptions) (domain.EphemeralToken, error) {
	if opts.TTLMinutes < a.cfg.Tokens.MinTTLMinutes || opts.TTLMinutes > a.cfg.Tokens.MaxTTLMinutes {
		return domain.EphemeralToken{}, ValidationError{Msg: fmt.Sprintf(
			"ttl must be between %d and %d minutes", a.cfg.Tokens.MinTTLMinutes, a.cfg.Tokens.MaxTTLMinutes)}
	}
	if opts.TenantID == "" {
		return domain.EphemeralToken{}, ValidationError{Msg: "tenant_id required"}
	}
	allowed, err := a.ScopesForRole(opts.Role)
	if err != nil {
		return domain.EphemeralToken{}, err
	}
	scopes := intersect(opts.Scopes, allowed)
	if len(scopes) == 0 {
		return domain.EphemeralToken{}, ValidationError{Msg: "no valid scopes for role"}
	}

	now := a.Now().UTC()
	token := domain.EphemeralToken{
		TokenID:       uuid.New().String(),
		Role:          opts.Role,
		TenantID:      opts.TenantID,
		Scopes:        scopes,
		IssuedAt:      now,
		ExpiresAt:     now.Add(time.Duration(opts.TTLMinutes) * time.Minute),
		ParentTokenID: opts.ParentTokenID,
		Reason:        opts.Reason,
	}
	signed, err := a.sign(token)
	if err != nil {
		return domain.EphemeralToken{}, fmt.Errorf("sign token: %w", err)
	}
	token.SignedValue = signed

	a.mu.Lock()
	defer a.mu.Unlock()
	if opts.ParentTokenID != "" {
		if _, ok := a.tokens[opts.ParentTokenID]; !ok {
			return domain.EphemeralToken{}, NotFoundError{TokenID: opts.ParentTokenID}
		}
	}
	_, err = a.ledger.Append(ctx, requestID(ctx), "token_minted", "token", token.TokenID,
		actorOr(opts.Actor, "authority"), map[string]any{
			"role":            token.Role,
			"tenant_id":       token.TenantID,
			"scopes":          anySlice(token.Scopes),
			"ttl_minutes":     opts.TTLMinutes,
			"reason":          token.Reason,
			"parent_token_id": token.ParentTokenID,
		})
	if err != nil {
		return domain.EphemeralToken{}, fmt.Errorf("audit mint: %w", err)
	}
	stored := token
	a.tokens[token.TokenID] = &stored
	if opts.ParentTokenID != "" {
		a.children[opts.ParentTokenID] = append(a.children[opts.ParentTokenID], token.TokenID)
	}
	a.logger.Info("token minted",
		"token_id", token.TokenID,
		"role", token.Role,
		"tenant_id", token.TenantID,
		"expires_at", token.ExpiresAt)
	return token, nil
}

// Validate checks a signed credential against signature, issuer, audience
// and the registry. Validating a token past its expiry revokes it as a side
// effect and returns ExpiredError; the next call sees RevokedError.
func (a *Authority) Validate(ctx context.Context, signedValue string) (domain.EphemeralToken, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithAudience(a.cfg.Audience),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(signedValue, claims, func(t *jwt.Token) (any, error) {
		return a.secrets.SigningKey()
	})
	if err != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		return domain.EphemeralToken{}, ValidationError{Msg: "invalid credential"}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	token, ok := a.tokens[claims.ID]
	if !ok {
		return domain.EphemeralToken{}, NotFoundError{TokenID: claims.ID}
	}
	if token.Revoked {
		return domain.EphemeralToken{}, RevokedError{TokenID: token.TokenID, Reason: token.Reason}
	}
	if a.Now().UTC().After(token.ExpiresAt) {
		if _, err := a.revokeLocked(ctx, token.TokenID, "expired", "authority"); err != nil {
			return domain.EphemeralToken{}, err
		}
		return domain.EphemeralToken{}, ExpiredError{TokenID: token.TokenID}
	}
	return *token, nil
}

// Revoke marks the token and every descendant revoked. Revoking an
// already-revoked token succeeds with an empty delta.
func (a *Authority) Revoke(ctx context.Context, tokenID, reason, actor string) (domain.RevocationResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.revokeLocked(ctx, tokenID, reason, actor)
}

// revokeLocked walks the lineage breadth-first and revokes every
// not-yet-revoked token in the closure, one audit entry each. Caller holds mu.
func (a *Authority) revokeLocked(ctx context.Context, tokenID, reason, actor string) (domain.RevocationResult, error) {
	root, ok := a.tokens[tokenID]
	if !ok {
		return domain.RevocationResult{}, NotFoundError{TokenID: tokenID}
	}
	now := a.Now().UTC()
	result := domain.RevocationResult{RevokedTokenIDs: []string{}, RevokedAt: now}
	if root.Revoked {
		return result, nil
	}

	queue := []string{tokenID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		token, ok := a.tokens[id]
		if !ok {
			continue
		}
		queue = append(queue, a.children[id]...)
		if token.Revoked {
			continue
		}
		token.Revoked = true
		token.RevokedAt = &now
		token.Reason = reason
		_, err := a.ledger.Append(ctx, requestID(ctx), "token_revoked", "token", id,
			actorOr(actor, "authority"), map[string]any{
				"reason":        reason,
				"tenant_id":     token.TenantID,
				"cascaded_from": tokenID,
			})
		if err != nil {
			return result, fmt.Errorf("audit revoke of %s: %w", id, err)
		}
		result.RevokedTokenIDs = append(result.RevokedTokenIDs, id)
	}
	a.logger.Info("tokens revoked",
		"root_token_id", tokenID,
		"reason", reason,
		"count", len(result.RevokedTokenIDs))
	return result, nil
}

// Status returns registry metadata for one token, including its direct
// children.
func (a *Authority) Status(tokenID string) (domain.TokenStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	token, ok := a.tokens[tokenID]
	if !ok {
		return domain.TokenStatus{}, NotFoundError{TokenID: tokenID}
	}
	status := "active"
	switch {
	case token.Revoked:
		status = "revoked"
	case a.Now().UTC().After(token.ExpiresAt):
		status = "expired"
	}
	return domain.TokenStatus{
		TokenID:       token.TokenID,
		Status:        status,
		Role:          token.Role,
		TenantID:      token.TenantID,
		Scopes:        append([]string(nil), token.Scopes...),
		IssuedAt:      token.IssuedAt,
		ExpiresAt:     token.ExpiresAt,
		RevokedAt:     token.RevokedAt,
		ParentTokenID: token.ParentTokenID,
		ChildTokenIDs: append([]string(nil), a.children[tokenID]...),
	}, nil
}

// Metrics counts tokens by state.
func (a *Authority) Metrics() domain.TokenMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.Now().UTC()
	var m domain.TokenMetrics
	for _, t := range a.tokens {
		m.Total++
		switch {
		case t.Revoked:
			m.Revoked++
		case now.After(t.ExpiresAt):
			m.Expired++
		default:
			m.Active++
		}
	}
	return m
}

// SweepExpired revokes every expired-but-unrevoked token. Intended for a
// periodic housekeeping call; returns the ids it revoked.
func (a *Authority) SweepExpired(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.Now().UTC()
	var expired []string
	for id, t := range a.tokens {
		if !t.Revoked && now.After(t.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	var revoked []string
	for _, id := range expired {
		res, err := a.revokeLocked(ctx, id, "expired", "authority")
		if err != nil {
			return revoked, err
		}
		revoked = append(revoked, res.RevokedTokenIDs...)
	}
	return revoked, nil
}

// Shutdown revokes every still-active token so nothing outlives the
// process.
func (a *Authority) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var active []string
	for id, t := range a.tokens {
		if !t.Revoked {
			active = append(active, id)
		}
	}
	for _, id := range active {
		if t := a.tokens[id]; t.Revoked {
			continue
		}
		if _, err := a.revokeLocked(ctx, id, "authority_shutdown", "authority"); err != nil {
			return err
		}
	}
	return nil
}

func (a *Authority) sign(token domain.EphemeralToken) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        token.TokenID,
			Issuer:    a.cfg.Issuer,
			Subject:   token.Role,
			Audience:  jwt.ClaimStrings{a.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(token.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt),
		},
		TenantID:      token.TenantID,
		Scopes:        token.Scopes,
		Reason:        token.Reason,
		ParentTokenID: token.ParentTokenID,
	}
	key, err := a.secrets.SigningKey()
	if err != nil {
		return "", err
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// intersect keeps requested scopes that the allow-list permits, preserving
// request order and dropping duplicates.
func intersect(requested, allowed []string) []string {
	allowedSet := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = true
	}
	seen := make(map[string]bool, len(requested))
	var out []string
	for _, s := range requested {
		if allowedSet[s] && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func actorOr(actor, fallback string) string {
	if actor != "" {
		return actor
	}
	return fallback
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

type requestIDKey struct{}

// WithRequestID tags ctx so audit entries from one API call share a
// request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the tagged request id, or a fresh one so
// untagged calls still group their own audit writes.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

func requestID(ctx context.Context) string {
	return RequestIDFromContext(ctx)
}
