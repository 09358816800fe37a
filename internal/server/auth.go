package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"warden/internal/authority"
)

// AuthConfig configures API authentication. Operator credentials are HS256
// JWTs signed with OperatorSecret; agent credentials are warden-minted
// tokens validated against the Authority.
type AuthConfig struct {
	OperatorSecret string
	Logger         *slog.Logger
}

// Principal identifies the authenticated caller.
type Principal struct {
	ActorID  string
	TenantID string
	Scopes   []string
	Source   string
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, error) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type operatorClaims struct {
	jwt.RegisteredClaims
}

func authenticateOperator(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("operator secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &operatorClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Source: "operator"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware authenticates requests under basePath, tags each
// request with an audit request id, and exempts the health route.
func newAuthMiddleware(basePath string, cfg AuthConfig, auth *authority.Authority) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := authority.WithRequestID(req.Context(), uuid.New().String())
			req = req.WithContext(ctx)

			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}

			principal, err := authenticateOperator(token, cfg.OperatorSecret)
			if err != nil {
				// not an operator credential; try a warden agent token
				agent, vErr := auth.Validate(ctx, token)
				if vErr != nil {
					cfg.logger().Debug("authentication failed", "path", req.URL.Path, "error", vErr)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal = Principal{
					ActorID:  "agent:" + agent.TokenID,
					TenantID: agent.TenantID,
					Scopes:   agent.Scopes,
					Source:   "agent_token",
				}
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var ae *apiError
	if errors.As(err, &ae) {
		status = ae.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"error": map[string]any{"code": "unauthorized", "message": err.Error()}}
	if ae != nil {
		body = map[string]any{"error": ae.Body}
	}
	json.NewEncoder(w).Encode(body)
}
