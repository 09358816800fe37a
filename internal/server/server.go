package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"warden/internal/authority"
	"warden/internal/domain"
	"warden/internal/ledger"
	"warden/internal/orchestrator"
	"warden/internal/sandbox"
)

// Config for the HTTP API handler.
type Config struct {
	Authority    *authority.Authority
	Orchestrator *orchestrator.Orchestrator
	Ledger       *ledger.Ledger
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"token_revoked"`
	Message string         `json:"message" example:"token 5f1c revoked"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Warden API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Authority))
	hcfg := huma.DefaultConfig("Warden API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTokens(group, cfg.Authority)
	registerAgents(group, cfg.Orchestrator)
	registerAudit(group, cfg.Ledger)
	registerMetrics(group, cfg.Authority, cfg.Orchestrator)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve authority.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var tnf authority.NotFoundError
	if errors.As(err, &tnf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"token_id": tnf.TokenID})
	}
	var anf orchestrator.NotFoundError
	if errors.As(err, &anf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"agent_id": anf.AgentID})
	}
	var re authority.RevokedError
	if errors.As(err, &re) {
		return newAPIError(http.StatusUnauthorized, "token_revoked", err.Error(), map[string]any{"token_id": re.TokenID})
	}
	var ee authority.ExpiredError
	if errors.As(err, &ee) {
		return newAPIError(http.StatusUnauthorized, "token_expired", err.Error(), map[string]any{"token_id": ee.TokenID})
	}
	var te orchestrator.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{
			"from": te.From, "to": te.To,
		})
	}
	var se *orchestrator.SpawnError
	if errors.As(err, &se) {
		details := map[string]any{}
		if se.OrphanedTokenID != "" {
			details["orphaned_token_id"] = se.OrphanedTokenID
		}
		return newAPIError(http.StatusBadGateway, "spawn_failed", err.Error(), details)
	}
	var sre *sandbox.RuntimeError
	if errors.As(err, &sre) {
		return newAPIError(http.StatusBadGateway, "sandbox_error", err.Error(), map[string]any{"op": sre.Op})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Warden API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;operator JWT or agent token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTokens(api huma.API, auth *authority.Authority) {
	huma.Register(api, huma.Operation{
		OperationID:   "mint-token",
		Method:        http.MethodPost,
		Path:          "/tokens",
		Summary:       "Mint an ephemeral token",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body MintTokenRequest `json:"body"`
	}) (*struct {
		Body MintTokenResponse `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := auth.Mint(ctx, authority.MintOptions{
			Role:          input.Body.Role,
			TenantID:      input.Body.TenantID,
			TTLMinutes:    input.Body.TTLMinutes,
			Scopes:        input.Body.Scopes,
			Reason:        input.Body.Reason,
			ParentTokenID: input.Body.ParentTokenID,
			Actor:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MintTokenResponse `json:"body"`
		}{Body: mintResponse(token)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-token",
		Method:      http.MethodPost,
		Path:        "/tokens/{token_id}/revoke",
		Summary:     "Revoke a token and its descendants",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TokenID string             `path:"token_id"`
		Body    RevokeTokenRequest `json:"body"`
	}) (*struct {
		Body domain.RevocationResult `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		reason := input.Body.Reason
		if reason == "" {
			reason = "operator_action"
		}
		result, err := auth.Revoke(ctx, input.TokenID, reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RevocationResult `json:"body"`
		}{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-token",
		Method:      http.MethodGet,
		Path:        "/tokens/{token_id}",
		Summary:     "Token status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TokenID string `path:"token_id"`
	}) (*struct {
		Body domain.TokenStatus `json:"body"`
	}, error) {
		status, err := auth.Status(input.TokenID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TokenStatus `json:"body"`
		}{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-token",
		Method:      http.MethodPost,
		Path:        "/tokens/validate",
		Summary:     "Validate a signed token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ValidateTokenRequest `json:"body"`
	}) (*struct {
		Body ValidateTokenResponse `json:"body"`
	}, error) {
		token, err := auth.Validate(ctx, input.Body.SignedValue)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidateTokenResponse `json:"body"`
		}{Body: validateResponse(token)}, nil
	})
}

func registerAgents(api huma.API, orch *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "spawn-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Spawn an agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body SpawnAgentRequest `json:"body"`
	}) (*struct {
		Body domain.AgentInstance `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		opts := orchestrator.SpawnOptions{
			Role:     input.Body.Role,
			TenantID: input.Body.TenantID,
			Scopes:   input.Body.Scopes,
			Actor:    actorID,
		}
		if input.Body.ResourceLimits != nil {
			opts.Limits = *input.Body.ResourceLimits
		}
		agent, err := orch.Spawn(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentInstance `json:"body"`
		}{Body: agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenant_id"`
	}) (*struct {
		Body []domain.AgentInstance `json:"body"`
	}, error) {
		return &struct {
			Body []domain.AgentInstance `json:"body"`
		}{Body: orch.List(input.TenantID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Agent status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.AgentInstance `json:"body"`
	}, error) {
		agent, err := orch.Status(input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentInstance `json:"body"`
		}{Body: agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "terminate-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/terminate",
		Summary:     "Terminate an agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string                `path:"agent_id"`
		Body    TerminateAgentRequest `json:"body"`
	}) (*struct {
		Body domain.AgentInstance `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		reason := input.Body.Reason
		if reason == "" {
			reason = "operator_action"
		}
		if _, err := orch.Terminate(ctx, input.AgentID, reason, actorID); err != nil {
			return nil, handleError(err)
		}
		agent, err := orch.Status(input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentInstance `json:"body"`
		}{Body: agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suspend-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/suspend",
		Summary:     "Suspend an agent",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string              `path:"agent_id"`
		Body    SuspendAgentRequest `json:"body"`
	}) (*struct {
		Body domain.AgentInstance `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		reason := input.Body.Reason
		if reason == "" {
			reason = "operator_action"
		}
		if err := orch.Suspend(ctx, input.AgentID, reason, actorID); err != nil {
			return nil, handleError(err)
		}
		agent, err := orch.Status(input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentInstance `json:"body"`
		}{Body: agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/resume",
		Summary:     "Resume a suspended agent",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.AgentInstance `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if err := orch.Resume(ctx, input.AgentID, actorID); err != nil {
			return nil, handleError(err)
		}
		agent, err := orch.Status(input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentInstance `json:"body"`
		}{Body: agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cleanup-orphans",
		Method:      http.MethodPost,
		Path:        "/agents/cleanup",
		Summary:     "Remove orphaned sandboxes and revoke orphaned tokens",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body orchestrator.CleanupReport `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		report, err := orch.CleanupOrphans(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body orchestrator.CleanupReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerAudit(api huma.API, led *ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID: "verify-audit",
		Method:      http.MethodGet,
		Path:        "/audit/verify",
		Summary:     "Verify the audit chain",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.VerifyResult `json:"body"`
	}, error) {
		result, err := led.Verify(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.VerifyResult `json:"body"`
		}{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-audit",
		Method:      http.MethodGet,
		Path:        "/audit/export",
		Summary:     "Export audit entries with a fresh verification",
	}, func(ctx context.Context, input *struct {
		RequestID string `query:"request_id"`
		TenantID  string `query:"tenant_id"`
	}) (*struct {
		Body domain.AuditPackage `json:"body"`
	}, error) {
		pkg, err := led.Export(ctx, input.RequestID, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AuditPackage `json:"body"`
		}{Body: pkg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-stats",
		Method:      http.MethodGet,
		Path:        "/audit/stats",
		Summary:     "Audit ledger statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.LedgerStats `json:"body"`
	}, error) {
		stats, err := led.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LedgerStats `json:"body"`
		}{Body: stats}, nil
	})
}

func registerMetrics(api huma.API, auth *authority.Authority, orch *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "metrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Summary:     "Token and agent metrics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MetricsResponse `json:"body"`
	}, error) {
		return &struct {
			Body MetricsResponse `json:"body"`
		}{Body: MetricsResponse{
			Tokens: auth.Metrics(),
			Agents: orch.SystemMetrics(),
		}}, nil
	})
}
