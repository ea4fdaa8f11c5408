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

	"goalline/internal/domain"
	"goalline/internal/engine"
	"goalline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Runner   *engine.Runner
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"goal not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Goalline control API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Goalline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine, cfg.Runner)
	registerGoals(group, cfg.Engine)
	registerCards(group, cfg.Engine)
	registerLogs(group, cfg.Engine)
	registerControl(group, cfg.Engine, cfg.Runner)
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "expected") || strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "terminal column") || strings.Contains(lowered, "card transition"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Goalline API Docs</title>
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

// StatusResponse is the orchestrator-wide snapshot.
type StatusResponse struct {
	Runner   engine.Status   `json:"runner"`
	Overview engine.Overview `json:"overview"`
}

func registerStatus(api huma.API, e *engine.Engine, runner *engine.Runner) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Orchestrator status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		overview, err := e.Overview(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{Runner: runner.Status(), Overview: overview}}, nil
	})
}

type SubmitGoalRequest struct {
	Description string `json:"description"`
	Source      string `json:"source,omitempty"`
	SourceID    string `json:"source_id,omitempty"`
}

func registerGoals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-goal",
		Method:        http.MethodPost,
		Path:          "/goals",
		Summary:       "Submit goal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SubmitGoalRequest `json:"body"`
	}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		if input.Body.Description == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "description is required", nil)
		}
		source, sourceID := input.Body.Source, input.Body.SourceID
		// Authenticated submissions keep their origin even when the client
		// sends none: the token subject identifies the submitter.
		if p, ok := principalFromContext(ctx); ok {
			if source == "" {
				source = "api"
			}
			if sourceID == "" {
				sourceID = p.Subject
			}
		}
		g, err := e.SubmitGoal(ctx, input.Body.Description, source, sourceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-goals",
		Method:      http.MethodGet,
		Path:        "/goals",
		Summary:     "List goals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Goal `json:"body"`
	}, error) {
		items, err := e.Repo.ListGoals(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Goal{}
		}
		return &struct {
			Body []domain.Goal `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-goal",
		Method:      http.MethodGet,
		Path:        "/goals/{id}",
		Summary:     "Get goal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		g, err := e.Repo.GetGoal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "goal-actions",
		Method:      http.MethodGet,
		Path:        "/goals/{id}/actions",
		Summary:     "Goal action history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Action `json:"body"`
	}, error) {
		if _, err := e.Repo.GetGoal(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.GoalActions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Action{}
		}
		return &struct {
			Body []domain.Action `json:"body"`
		}{Body: items}, nil
	})

	registerGoalTransition(api, "pause-goal", "/goals/{id}/pause", "Pause goal", e.PauseGoal)
	registerGoalTransition(api, "resume-goal", "/goals/{id}/resume", "Resume goal", e.ResumeGoal)

	huma.Register(api, huma.Operation{
		OperationID: "fail-goal",
		Method:      http.MethodPost,
		Path:        "/goals/{id}/fail",
		Summary:     "Fail goal",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Reason string `json:"reason,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		g, err := e.FailGoal(ctx, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: g}, nil
	})
}

func registerGoalTransition(api huma.API, opID, route, summary string, fn func(context.Context, string) (domain.Goal, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        route,
		Summary:     summary,
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		g, err := fn(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: g}, nil
	})
}

func registerCards(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-cards",
		Method:      http.MethodGet,
		Path:        "/cards",
		Summary:     "List cards",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Card `json:"body"`
	}, error) {
		items, err := e.Repo.ListCards(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Card{}
		}
		return &struct {
			Body []domain.Card `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-card",
		Method:      http.MethodGet,
		Path:        "/cards/{id}",
		Summary:     "Get card",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		c, err := e.Repo.GetCard(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-card",
		Method:      http.MethodPost,
		Path:        "/cards/{id}/cancel",
		Summary:     "Cancel card",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		c, err := e.CancelCard(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})
}

func registerLogs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-logs",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "Tail loop logs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.LogEntry `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := e.Repo.TailLogs(ctx, limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.LogEntry{}
		}
		return &struct {
			Body []domain.LogEntry `json:"body"`
		}{Body: items}, nil
	})
}

func registerControl(api huma.API, e *engine.Engine, runner *engine.Runner) {
	huma.Register(api, huma.Operation{
		OperationID: "start-loop",
		Method:      http.MethodPost,
		Path:        "/control/start",
		Summary:     "Start the decision loop",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Status `json:"body"`
	}, error) {
		// Loop lifetime is the process lifetime, not this request's.
		runner.Start(context.Background())
		return &struct {
			Body engine.Status `json:"body"`
		}{Body: runner.Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-loop",
		Method:      http.MethodPost,
		Path:        "/control/stop",
		Summary:     "Stop the decision loop",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Status `json:"body"`
	}, error) {
		runner.Stop()
		return &struct {
			Body engine.Status `json:"body"`
		}{Body: runner.Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-cycle",
		Method:      http.MethodPost,
		Path:        "/control/cycle",
		Summary:     "Run one cycle now",
		Errors:      []int{http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if runner.IsRunning() {
			return nil, newAPIError(http.StatusConflict, "conflict", "loop is running, stop it before running a manual cycle", nil)
		}
		if err := e.RunCycle(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"ok": true}}, nil
	})
}
