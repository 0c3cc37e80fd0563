// Package server exposes the HTTP API over the lead engine and the
// pipeline orchestrator.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"leadline/internal/assets"
	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/orchestrator"
	"leadline/internal/repo"
)

// Runner starts a pipeline run for a lead. The orchestrator satisfies
// it in production; tests substitute a stub.
type Runner interface {
	Run(ctx context.Context, lead domain.Lead) (orchestrator.Result, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Runner    Runner
	Committer *assets.Committer
	BasePath  string
	Auth      AuthConfig
	Webhooks  []config.WebhookConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"lead_locked"`
	Message string         `json:"message" example:"lead locked by run 9f2c"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Leadline API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Leadline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerLeads(group, cfg.Engine)
	registerOutreach(group, cfg.Engine)
	registerRuns(group, cfg.Engine, cfg.Runner)
	registerAssets(group, cfg.Engine, cfg.Committer)
	registerDossiers(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	if len(cfg.Webhooks) > 0 {
		startWebhookDispatcher(cfg.Engine, cfg.Webhooks)
	}

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "locked by run"):
		return newAPIError(http.StatusConflict, "lead_locked", msg, nil)
	case strings.Contains(lowered, "invalid status transition"):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Leadline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.Repo.CountLeadsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"lead_counts": counts,
		}}, nil
	})
}

func registerLeads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-lead",
		Method:        http.MethodPost,
		Path:          "/leads",
		Summary:       "Create lead",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateLeadRequest `json:"body"`
	}) (*struct {
		Body LeadResponse `json:"body"`
	}, error) {
		if input.Body.BusinessName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "business_name is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.CreateLead(ctx, engine.LeadCreateOptions{
			ID:           stringOrEmpty(input.Body.ID),
			Rank:         intOrZero(input.Body.Rank),
			BusinessName: input.Body.BusinessName,
			WebsiteURL:   stringOrEmpty(input.Body.WebsiteURL),
			Niche:        stringOrEmpty(input.Body.Niche),
			City:         stringOrEmpty(input.Body.City),
			ContactEmail: stringOrEmpty(input.Body.ContactEmail),
			ContactPhone: stringOrEmpty(input.Body.ContactPhone),
			LeadScore:    intOrZero(input.Body.LeadScore),
			AssetGrade:   stringOrEmpty(input.Body.AssetGrade),
			Notes:        stringOrEmpty(input.Body.Notes),
			Tags:         input.Body.Tags,
			OwnerID:      stringOrEmpty(input.Body.OwnerID),
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeadResponse `json:"body"`
		}{Body: LeadResponse{Lead: l}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-leads",
		Method:      http.MethodGet,
		Path:        "/leads",
		Summary:     "List leads",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"new,researching,contacted,responded,won,lost"`
		Niche    string `query:"niche"`
		City     string `query:"city"`
		OwnerID  string `query:"owner_id"`
		MinScore int    `query:"min_score"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedLeads `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreatedAt, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListLeads(ctx, repo.LeadFilters{
			Status:          input.Status,
			Niche:           input.Niche,
			City:            input.City,
			OwnerID:         input.OwnerID,
			MinScore:        input.MinScore,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreatedAt,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedLeads{Items: []LeadResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = last.CreatedAt + "|" + last.ID
			items = items[:limit]
		}
		resp.Items = leadResponses(items)
		return &struct {
			Body paginatedLeads `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lead",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}",
		Summary:     "Get lead",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LeadID string `path:"lead_id"`
	}) (*struct {
		Body LeadResponse `json:"body"`
	}, error) {
		l, err := e.Repo.GetLead(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeadResponse `json:"body"`
		}{Body: LeadResponse{Lead: l}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-lead",
		Method:      http.MethodPatch,
		Path:        "/leads/{lead_id}",
		Summary:     "Update lead",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		LeadID string            `path:"lead_id"`
		Body   UpdateLeadRequest `json:"body"`
	}) (*struct {
		Body LeadResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.UpdateLead(ctx, engine.LeadUpdateOptions{
			ID:           input.LeadID,
			Rank:         input.Body.Rank,
			BusinessName: input.Body.BusinessName,
			WebsiteURL:   input.Body.WebsiteURL,
			Niche:        input.Body.Niche,
			City:         input.Body.City,
			ContactEmail: input.Body.ContactEmail,
			ContactPhone: input.Body.ContactPhone,
			LeadScore:    input.Body.LeadScore,
			AssetGrade:   input.Body.AssetGrade,
			Status:       input.Body.Status,
			Notes:        input.Body.Notes,
			Tags:         input.Body.Tags,
			Assign:       input.Body.Assign,
			ActorID:      actorID,
			Force:        input.Body.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeadResponse `json:"body"`
		}{Body: LeadResponse{Lead: l}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-lead",
		Method:      http.MethodDelete,
		Path:        "/leads/{lead_id}",
		Summary:     "Delete lead",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LeadID string `path:"lead_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteLead(ctx, input.LeadID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-leads",
		Method:      http.MethodGet,
		Path:        "/leads/export",
		Summary:     "Export all leads",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Lead `json:"body"`
	}, error) {
		items, err := e.ExportLeads(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Lead `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-leads",
		Method:      http.MethodPost,
		Path:        "/leads/import",
		Summary:     "Import leads, skipping duplicates",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ImportLeadsRequest `json:"body"`
	}) (*struct {
		Body engine.ImportSummary `json:"body"`
	}, error) {
		if len(input.Body.Leads) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "leads array is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sum, err := e.ImportLeads(ctx, input.Body.Leads, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ImportSummary `json:"body"`
		}{Body: sum}, nil
	})
}

func registerOutreach(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-outreach",
		Method:        http.MethodPost,
		Path:          "/leads/{lead_id}/outreach",
		Summary:       "Log an outreach touch",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		LeadID string                `path:"lead_id"`
		Body   CreateOutreachRequest `json:"body"`
	}) (*struct {
		Body domain.OutreachEntry `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.AddOutreach(ctx, input.LeadID, input.Body.Channel, input.Body.Snippet, input.Body.Outcome, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OutreachEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-outreach",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}/outreach",
		Summary:     "List outreach log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LeadID string `path:"lead_id"`
	}) (*struct {
		Body []domain.OutreachEntry `json:"body"`
	}, error) {
		if _, err := e.Repo.GetLead(ctx, input.LeadID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListOutreach(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.OutreachEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine, runner Runner) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/leads/{lead_id}/runs",
		Summary:       "Run the generation pipeline for a lead",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		LeadID string `path:"lead_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if runner == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "pipeline_unavailable", "pipeline is not configured", nil)
		}
		lead, err := e.Repo.GetLead(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := runner.Run(ctx, lead)
		if err != nil {
			return nil, handleError(err)
		}
		run, err := e.Repo.GetRun(ctx, res.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: RunResponse{Run: run, Steps: res.Steps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}/runs",
		Summary:     "List runs for a lead",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LeadID string `path:"lead_id"`
	}) (*struct {
		Body []domain.Run `json:"body"`
	}, error) {
		if _, err := e.Repo.GetLead(ctx, input.LeadID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRunsByLead(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Run `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run with replay log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.ListReplaySteps(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: RunResponse{Run: run, Steps: nonNilSlice(steps)}}, nil
	})
}

func registerAssets(api huma.API, e engine.Engine, committer *assets.Committer) {
	huma.Register(api, huma.Operation{
		OperationID: "list-assets",
		Method:      http.MethodGet,
		Path:        "/assets",
		Summary:     "List assets",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		LeadID string `query:"lead_id"`
		Type   string `query:"type" enum:"text,image,video,audio"`
		Module string `query:"module"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Asset `json:"body"`
	}, error) {
		items, err := e.Repo.ListAssets(ctx, repo.AssetFilters{
			LeadID:       input.LeadID,
			Type:         input.Type,
			SourceModule: input.Module,
			Limit:        normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Asset `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-asset",
		Method:      http.MethodGet,
		Path:        "/assets/{asset_id}",
		Summary:     "Get asset",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssetID string `path:"asset_id"`
	}) (*struct {
		Body domain.Asset `json:"body"`
	}, error) {
		a, err := e.Repo.GetAsset(ctx, input.AssetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Asset `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-asset",
		Method:      http.MethodDelete,
		Path:        "/assets/{asset_id}",
		Summary:     "Delete asset",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssetID string `path:"asset_id"`
	}) (*struct{}, error) {
		var err error
		if committer != nil {
			err = committer.Delete(ctx, input.AssetID)
		} else {
			err = e.Repo.DeleteAsset(ctx, input.AssetID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDossiers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-dossiers",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}/dossiers",
		Summary:     "List dossier versions, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LeadID string `path:"lead_id"`
	}) (*struct {
		Body []domain.Dossier `json:"body"`
	}, error) {
		if _, err := e.Repo.GetLead(ctx, input.LeadID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDossiersByLead(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Dossier `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dossier",
		Method:      http.MethodGet,
		Path:        "/dossiers/{dossier_id}",
		Summary:     "Get dossier",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DossierID string `path:"dossier_id"`
	}) (*struct {
		Body domain.Dossier `json:"body"`
	}, error) {
		d, err := e.Repo.GetDossier(ctx, input.DossierID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dossier `json:"body"`
		}{Body: d}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"lead,run,asset,dossier,apikey"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: nonNilSlice(items)}
		if len(items) == limit {
			resp.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "mint-api-key",
		Method:        http.MethodPost,
		Path:          "/auth/api-keys",
		Summary:       "Mint an API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body MintAPIKeyRequest `json:"body"`
	}) (*struct {
		Body MintAPIKeyResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			if p, ok := principalFromContext(ctx); ok {
				actor = p.ActorID
			}
		}
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		plaintext, key, err := e.MintAPIKey(ctx, actor, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MintAPIKeyResponse `json:"body"`
		}{Body: MintAPIKeyResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     plaintext,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/auth/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/auth/api-keys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Roles:   nonNilSlice(principal.Roles),
			Source:  principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}
