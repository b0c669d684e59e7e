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

	"assessline/internal/domain"
	"assessline/internal/engine"
	"assessline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Pool runs validation for POST /sessions/{id}/run. Optional.
	Pool *engine.SessionPool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"session_not_ready"`
	Message string         `json:"message" example:"session documents are not all indexed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the validation pipeline.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// request schema violations are contract errors
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Assessline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCatalog(group, cfg.Engine)
	registerSessions(group, cfg.Engine, cfg.Pool)
	registerDocuments(group, cfg.Engine)
	registerOutcomes(group, cfg.Engine)
	registerLogs(group, cfg.Engine)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrInvalidArgument):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, engine.ErrSessionNotReady):
		return newAPIError(http.StatusConflict, "session_not_ready", msg, nil)
	case errors.Is(err, engine.ErrDocumentFailed):
		return newAPIError(http.StatusConflict, "document_failed", msg, nil)
	case errors.Is(err, engine.ErrIndexingTimeout):
		return newAPIError(http.StatusConflict, "indexing_timeout", msg, nil)
	case errors.Is(err, engine.ErrNoRequirements):
		return newAPIError(http.StatusConflict, "no_requirements", msg, nil)
	case errors.Is(err, engine.ErrRunInProgress), errors.Is(err, engine.ErrLeaseLost):
		return newAPIError(http.StatusConflict, "run_in_progress", msg, nil)
	case errors.Is(err, engine.ErrInvalidState), errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "invalid_state", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Assessline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
      };
    </script>
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

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-units",
		Method:      http.MethodGet,
		Path:        "/units",
		Summary:     "List catalog units with requirement counts",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []repo.UnitSummary `json:"body"`
	}, error) {
		units, err := e.Repo.ListUnits(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []repo.UnitSummary `json:"body"`
		}{Body: nonNilSlice(units)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requirements",
		Method:      http.MethodGet,
		Path:        "/units/{unit_code}/requirements",
		Summary:     "List a unit's requirements in catalog order",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		UnitCode string `path:"unit_code"`
	}) (*struct {
		Body RequirementList `json:"body"`
	}, error) {
		reqs, err := e.Repo.ListRequirements(ctx, input.UnitCode)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequirementList `json:"body"`
		}{Body: RequirementList{UnitCode: input.UnitCode, Items: nonNilSlice(reqs)}}, nil
	})
}

type sessionPath struct {
	SessionID string `path:"session_id"`
}

func registerSessions(api huma.API, e engine.Engine, pool *engine.SessionPool) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start a validation session",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeSessions); err != nil {
			return nil, handleError(err)
		}
		s, err := e.StartSession(ctx, input.Body.OrgCode, input.Body.UnitCode)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,document_processing,validating_in_background,completed,failed"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body SessionList `json:"body"`
	}, error) {
		sessions, err := e.Repo.ListSessions(ctx, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := SessionList{Items: []SessionResponse{}}
		for _, s := range sessions {
			resp.Items = append(resp.Items, sessionResponse(s))
		}
		return &struct {
			Body SessionList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get a session",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session-status",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/status",
		Summary:     "Session status rollup",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionStatusResponse `json:"body"`
	}, error) {
		st, err := e.GetSessionStatus(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		ready, err := e.IsSessionReady(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionStatusResponse `json:"body"`
		}{Body: SessionStatusResponse{SessionStatus: st, Ready: ready}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trigger-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/trigger",
		Summary:     "Start validation once every document is indexed",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string          `path:"session_id"`
		Body      *TriggerRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeSessions); err != nil {
			return nil, handleError(err)
		}
		source := domain.TriggerManual
		if input.Body != nil && input.Body.Source != "" {
			source = input.Body.Source
		}
		res, err := e.Trigger(ctx, input.SessionID, source)
		if err != nil {
			if errors.Is(err, engine.ErrSessionNotReady) {
				reason := err.Error()
				return &struct {
					Body TriggerResponse `json:"body"`
				}{Body: TriggerResponse{SessionID: res.SessionID, Source: res.Source, Status: res.Status, Reason: &reason}}, nil
			}
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: TriggerResponse{SessionID: res.SessionID, Source: res.Source, Triggered: res.Triggered, Status: res.Status}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "run-session",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/run",
		Summary:       "Queue or resume the validation run of a ready session",
		DefaultStatus: http.StatusAccepted,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeSessions); err != nil {
			return nil, handleError(err)
		}
		if pool == nil {
			return nil, newAPIError(http.StatusConflict, "runner_disabled", "this server does not run validations", nil)
		}
		s, err := e.Repo.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		if s.Status != domain.SessionValidatingInBackground {
			return nil, handleError(fmt.Errorf("%w: session is %s", engine.ErrInvalidState, s.Status))
		}
		queued := pool.Submit(s.ID)
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"session_id": s.ID, "queued": queued}}, nil
	})
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-document",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/documents",
		Summary:       "Register an uploaded document and submit it for indexing",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string                  `path:"session_id"`
		Body      RegisterDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeSessions); err != nil {
			return nil, handleError(err)
		}
		doc, err := e.RegisterDocument(ctx, input.SessionID, input.Body.Name, input.Body.StorageRef)
		if err != nil && doc.ID == "" {
			return nil, handleError(err)
		}
		// A failed indexer submission still registers the document as failed.
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/documents",
		Summary:     "List a session's documents",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body DocumentList `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		docs, err := e.Repo.ListDocuments(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentList `json:"body"`
		}{Body: DocumentList{Items: nonNilSlice(docs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-document-indexing",
		Method:      http.MethodPost,
		Path:        "/documents/{document_id}/indexing-status",
		Summary:     "Indexer callback for one document",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		DocumentID string                `path:"document_id"`
		Body       IndexingStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeIndexer); err != nil {
			return nil, handleError(err)
		}
		doc, err := e.OnIndexingStatusChanged(ctx, input.DocumentID, input.Body.Status, input.Body.Error)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-operation-status",
		Method:      http.MethodPost,
		Path:        "/indexing/operations/{operation_id}",
		Summary:     "Indexer callback addressed by operation id",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		OperationID string                `path:"operation_id"`
		Body        IndexingStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeIndexer); err != nil {
			return nil, handleError(err)
		}
		doc, err := e.ReportOperationStatus(ctx, input.OperationID, input.Body.Status, input.Body.Error)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: doc}, nil
	})
}

func registerOutcomes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-outcomes",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/outcomes",
		Summary:     "List validation outcomes in catalog order",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		SessionID  string `path:"session_id"`
		Category   string `query:"category"`
		Status     string `query:"status" enum:"met,partially_met,not_met"`
		ErrorsOnly bool   `query:"errors_only"`
	}) (*struct {
		Body OutcomeList `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		filters := repo.OutcomeFilters{SessionID: input.SessionID, Status: input.Status, ErrorOnly: input.ErrorsOnly}
		if input.Category != "" {
			filters.Category = domain.NormalizeCategory(input.Category)
		}
		items, err := e.Repo.ListOutcomes(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutcomeList `json:"body"`
		}{Body: OutcomeList{Items: nonNilSlice(items)}}, nil
	})

	type outcomePath struct {
		SessionID string `path:"session_id"`
		Category  string `path:"category"`
		Number    string `path:"number"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-outcome",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/outcomes/{category}/{number}",
		Summary:     "Get one requirement's outcome",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *outcomePath) (*struct {
		Body domain.Outcome `json:"body"`
	}, error) {
		o, err := e.Repo.GetOutcome(ctx, input.SessionID, domain.NormalizeCategory(input.Category), input.Number)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Outcome `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revalidate-requirement",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/outcomes/{category}/{number}/revalidate",
		Summary:     "Re-run validation for one requirement",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *outcomePath) (*struct {
		Body domain.Outcome `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeSessions); err != nil {
			return nil, handleError(err)
		}
		o, err := e.ReValidateRequirement(ctx, input.SessionID, domain.RequirementKey{Category: input.Category, Number: input.Number})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Outcome `json:"body"`
		}{Body: o}, nil
	})
}

func registerLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-triggers",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/triggers",
		Summary:     "Trigger attempts for a session, oldest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body TriggerLogList `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTriggers(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerLogList `json:"body"`
		}{Body: TriggerLogList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List outbox events, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		SessionID  string `query:"session_id"`
		Type       string `query:"type"`
		DeadLetter bool   `query:"dead_letter"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			SessionID:  input.SessionID,
			Type:       input.Type,
			DeadLetter: input.DeadLetter,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventList{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: resp}, nil
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
