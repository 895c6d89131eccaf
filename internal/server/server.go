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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"switchyard/internal/app"
	"switchyard/internal/domain"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unknown_worker"`
	Message string         `json:"message" example:"unknown_worker: worker B is not registered"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the read-only switchyard API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.App.Logger
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Switchyard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.App)
	registerWorkers(group, cfg.App)
	registerTasks(group, cfg.App)
	registerLocks(group, cfg.App)
	registerWorkLog(group, cfg.App)
	registerMe(group)
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

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
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		status := http.StatusBadRequest
		switch ve.Code {
		case domain.CodeUnknownWorker:
			status = http.StatusNotFound
		case domain.CodeAlreadyActive, domain.CodeInvalidTransition, domain.CodeDependenciesUnmet, domain.CodeDuplicateID:
			status = http.StatusConflict
		}
		return newAPIError(status, ve.Code, err.Error(), nil)
	}
	var te domain.TimeoutError
	if errors.As(err, &te) {
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), map[string]any{"resource": te.Resource})
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrExists):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrNotHolder):
		return newAPIError(http.StatusConflict, "not_holder", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "canceled", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
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
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete} {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		if item.Get == nil {
			continue
		}
		if route == healthPath {
			item.Get.Security = []map[string][]string{}
			continue
		}
		item.Get.Security = security
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Switchyard API Docs</title>
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

func registerStatus(api huma.API, a *app.App) {
	type statusInput struct {
		Refresh bool `query:"refresh" doc:"Bypass the memoized snapshot"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Coordination snapshot",
	}, func(ctx context.Context, input *statusInput) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		snapshot := a.Status.Snapshot
		if input.Refresh {
			snapshot = a.Status.Refresh
		}
		snap, err := snapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(snap)}, nil
	})
}

func registerWorkers(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List registered workers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkerResponse `json:"body"`
	}, error) {
		snap, err := a.Status.Snapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]WorkerResponse, 0, len(snap.Workers))
		for _, w := range snap.Workers {
			out = append(out, workerResponse(w))
		}
		return &struct {
			Body []WorkerResponse `json:"body"`
		}{Body: out}, nil
	})

	type messagesInput struct {
		WorkerID string `path:"worker_id"`
		State string `query:"state" enum:"inbox,outbox,sent,processed,failed" default:"inbox"`
		Limit int    `query:"limit"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-worker-messages",
		Method:      http.MethodGet,
		Path:        "/workers/{worker_id}/messages",
		Summary:     "List a worker's messages in one state",
	}, func(ctx context.Context, input *messagesInput) (*struct {
		Body []MessageResponse `json:"body"`
	}, error) {
		if !a.Router.Exists(input.WorkerID) {
			return nil, handleError(domain.NewValidationError(domain.CodeUnknownWorker, fmt.Sprintf("worker %s is not registered", input.WorkerID)))
		}
		state := input.State
		if state == "" {
			state = "inbox"
		}
		msgs, err := a.Router.Messages(input.WorkerID, state)
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		if len(msgs) > limit {
			msgs = msgs[:limit]
		}
		out := make([]MessageResponse, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, messageResponse(m))
		}
		return &struct {
			Body []MessageResponse `json:"body"`
		}{Body: out}, nil
	})

	type failuresInput struct {
		WorkerID string `path:"worker_id"`
		Limit int `query:"limit"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-worker-failures",
		Method:      http.MethodGet,
		Path:        "/workers/{worker_id}/failures",
		Summary:     "Most recent failed messages of a worker",
	}, func(ctx context.Context, input *failuresInput) (*struct {
		Body []MessageResponse `json:"body"`
	}, error) {
		if !a.Router.Exists(input.WorkerID) {
			return nil, handleError(domain.NewValidationError(domain.CodeUnknownWorker, fmt.Sprintf("worker %s is not registered", input.WorkerID)))
		}
		msgs, err := a.Router.Failures(input.WorkerID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]MessageResponse, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, messageResponse(m))
		}
		return &struct {
			Body []MessageResponse `json:"body"`
		}{Body: out}, nil
	})
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

func registerTasks(api huma.API, a *app.App) {
	type listInput struct {
		Status   string `query:"status" doc:"pending, active, completed or failed; empty lists all"`
		Assignee string `query:"assignee"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *listInput) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		tasks, err := a.Tasks.List(ctx, domain.TaskStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		if input.Assignee != "" {
			filtered := tasks[:0]
			for _, t := range tasks {
				if t.Assignee == input.Assignee {
					filtered = append(filtered, t)
				}
			}
			tasks = filtered
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks, time.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := a.Tasks.Get(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t, time.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-workload",
		Method:      http.MethodGet,
		Path:        "/workload",
		Summary:     "Per-worker task load",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]map[string]any `json:"body"`
	}, error) {
		loads, err := a.Tasks.Workload(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make(map[string]map[string]any, len(loads))
		for w, l := range loads {
			out[w] = map[string]any{"active": l.Active, "pending": l.Pending, "effort": l.Effort}
		}
		return &struct {
			Body map[string]map[string]any `json:"body"`
		}{Body: out}, nil
	})
}

func registerLocks(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-locks",
		Method:      http.MethodGet,
		Path:        "/locks",
		Summary:     "List held locks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []LockResponse `json:"body"`
	}, error) {
		locks, err := a.Locks.List()
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]LockResponse, 0, len(locks))
		for _, l := range locks {
			out = append(out, lockResponse(l))
		}
		return &struct {
			Body []LockResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerWorkLog(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-task-log",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/log",
		Summary:     "Work log entries of a task in sequence order",
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body []LogEntryResponse `json:"body"`
	}, error) {
		entries, err := a.WorkLog.Entries(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []LogEntryResponse `json:"body"`
		}{Body: mapLogEntries(entries)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-log-summary",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/log/summary",
		Summary:     "Summarize a task's work log",
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskSummaryResponse `json:"body"`
	}, error) {
		s, err := a.WorkLog.TaskSummary(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskSummaryResponse `json:"body"`
		}{Body: taskSummaryResponse(s)}, nil
	})

	type recentInput struct {
		Limit int `query:"limit"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-recent-log",
		Method:      http.MethodGet,
		Path:        "/worklog/recent",
		Summary:     "Newest work log entries across tasks",
	}, func(ctx context.Context, input *recentInput) (*struct {
		Body []LogEntryResponse `json:"body"`
	}, error) {
		entries, err := a.WorkLog.Recent(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []LogEntryResponse `json:"body"`
		}{Body: mapLogEntries(entries)}, nil
	})

	type dailyInput struct {
		Day string `query:"day" doc:"UTC day as YYYY-MM-DD, defaults to today"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-daily-log-summary",
		Method:      http.MethodGet,
		Path:        "/worklog/daily",
		Summary:     "Summarize the entries logged on one day",
	}, func(ctx context.Context, input *dailyInput) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		day := time.Now().UTC()
		if input.Day != "" {
			parsed, err := time.Parse("2006-01-02", input.Day)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "day must be YYYY-MM-DD", nil)
			}
			day = parsed
		}
		s, err := a.WorkLog.DailySummary(ctx, day)
		if err != nil {
			return nil, handleError(err)
		}
		byKind := make(map[string]int, len(s.ByKind))
		for k, n := range s.ByKind {
			byKind[string(k)] = n
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"day":       s.Day,
			"entries":   s.Entries,
			"by_kind":   byKind,
			"by_author": s.ByAuthor,
			"tasks":     nonNilSlice(s.Tasks),
		}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, ok := PrincipalFromContext(ctx)
		if !ok {
			return &struct {
				Body map[string]any `json:"body"`
			}{Body: map[string]any{"authenticated": false}}, nil
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"authenticated": true, "subject": p.Subject, "workers": nonNilSlice(p.Workers)}}, nil
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
