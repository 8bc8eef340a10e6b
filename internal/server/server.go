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

	"taskbazaar/internal/engine"
	"taskbazaar/internal/idempotency"
	"taskbazaar/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig

	// Context stops background workers (the webhook dispatcher) when
	// canceled. nil means they run for the life of the process.
	Context context.Context
}

type apiErrorBody struct {
	Code        string   `json:"code" example:"TASK_NOT_OPEN"`
	Message     string   `json:"message" example:"task 42 is CLAIMED and cannot be claimed"`
	Suggestion  string   `json:"suggestion,omitempty" example:"browse for another task"`
	NextActions []string `json:"next_actions,omitempty"`
}

// apiError is the error envelope every failure uses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the TaskBazaar API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Route Huma's own errors through the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, "")
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema validation failures surface as plain bad requests.
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, "")
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("TaskBazaar API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerAgents(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	dispatchCtx := cfg.Context
	if dispatchCtx == nil {
		dispatchCtx = context.Background()
	}
	startWebhookDispatcher(dispatchCtx, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message, suggestion string, actions ...string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:        code,
			Message:     message,
			Suggestion:  suggestion,
			NextActions: actions,
		},
	}
}

// handleError converts engine and storage failures into the API envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ae *engine.Error
	if errors.As(err, &ae) {
		status := ae.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return newAPIError(status, ae.Code, ae.Message, ae.Suggestion, ae.NextActions...)
	}
	if errors.Is(err, idempotency.ErrConflict) {
		return newAPIError(http.StatusConflict, engine.CodeIdempotencyConflict,
			"idempotency key was already used for a different request",
			"use a fresh key for each new operation")
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "", err.Error(), "")
	}
	return newAPIError(http.StatusInternalServerError, engine.CodeInternalError, "internal error", "")
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return engine.CodeValidationError
	case http.StatusUnauthorized:
		return engine.CodeUnauthorized
	case http.StatusForbidden:
		return engine.CodeForbidden
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusInternalServerError:
		return engine.CodeInternalError
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireIdemKey enforces the Idempotency-Key header on every mutation.
func requireIdemKey(key string) huma.StatusError {
	if strings.TrimSpace(key) == "" {
		return newAPIError(http.StatusBadRequest, engine.CodeValidationError,
			"Idempotency-Key header is required",
			"send a unique Idempotency-Key per logical operation")
	}
	return nil
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

func registerAuth(api huma.API, e engine.Engine, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Register a poster account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		u, err := e.RegisterUser(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange credentials for a session token",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		u, err := e.AuthenticateUser(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := auth.IssueToken(u.ID, e.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, User: userResponse(u)}}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register a worker agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAgentRequest `json:"body"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		userID, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateAgent(ctx, userID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID int64 `path:"agent_id"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		a, err := e.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-reputation",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/reputation",
		Summary:     "Agent reputation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID int64 `path:"agent_id"`
	}) (*struct {
		Body engine.Reputation `json:"body"`
	}, error) {
		rep, err := e.AgentReputation(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Reputation `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-credits",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/credits",
		Summary:     "Agent credit history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID int64 `path:"agent_id"`
	}) (*struct {
		Body []CreditTransactionResponse `json:"body"`
	}, error) {
		items, err := e.CreditHistory(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CreditTransactionResponse `json:"body"`
		}{Body: mapCreditTransactions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "issue-api-key",
		Method:        http.MethodPost,
		Path:          "/agents/{agent_id}/keys",
		Summary:       "Issue an agent API key",
		Description:   "The plaintext key is returned once and never stored.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID int64 `path:"agent_id"`
		Body    struct {
			Name string `json:"name,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, plaintext, err := e.IssueAPIKey(ctx, userID, input.AgentID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(key, plaintext)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-api-key",
		Method:      http.MethodDelete,
		Path:        "/agents/{agent_id}/keys/{key_id}",
		Summary:     "Revoke an agent API key",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID int64 `path:"agent_id"`
		KeyID   int64 `path:"key_id"`
	}) (*struct{}, error) {
		userID, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, userID, input.AgentID, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Post a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string            `header:"Idempotency-Key"`
		Body           CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		userID, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireIdemKey(input.IdempotencyKey); err != nil {
			return nil, err
		}
		t, err := e.CreateTask(ctx, input.IdempotencyKey, userID, input.Body.Title, input.Body.Description, input.Body.Budget)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "browse-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "Browse claimable tasks",
		Description: "OPEN tasks plus CLAIMED tasks whose claim window has expired.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Cursor string `query:"cursor"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body TaskPageResponse `json:"body"`
	}, error) {
		page, err := e.BrowseTasks(ctx, input.Cursor, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskPageResponse `json:"body"`
		}{Body: taskPageResponse(page)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID int64 `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deliverables",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/deliverables",
		Summary:     "List a task's deliverables",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID int64 `path:"task_id"`
	}) (*struct {
		Body []DeliverableResponse `json:"body"`
	}, error) {
		items, err := e.ListDeliverables(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DeliverableResponse `json:"body"`
		}{Body: mapDeliverables(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/claim",
		Summary:     "Claim a task",
		Description: "Of N concurrent claims exactly one succeeds; the rest get TASK_NOT_OPEN.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID         int64            `path:"task_id"`
		IdempotencyKey string           `header:"Idempotency-Key"`
		Body           ClaimTaskRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		agentID, authErr := requireAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireIdemKey(input.IdempotencyKey); err != nil {
			return nil, err
		}
		res, err := e.ClaimTask(ctx, input.IdempotencyKey, agentID, input.TaskID, input.Body.ProposedCredits)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: claimResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deliver-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/deliver",
		Summary:     "Deliver work for a claimed task",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID         int64              `path:"task_id"`
		IdempotencyKey string             `header:"Idempotency-Key"`
		Body           DeliverTaskRequest `json:"body"`
	}) (*struct {
		Body DeliverResponse `json:"body"`
	}, error) {
		agentID, authErr := requireAgent(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireIdemKey(input.IdempotencyKey); err != nil {
			return nil, err
		}
		res, err := e.DeliverTask(ctx, input.IdempotencyKey, agentID, input.TaskID, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliverResponse `json:"body"`
		}{Body: deliverResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-revision",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/request-revision",
		Summary:     "Send a delivered task back for revision",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID         int64                  `path:"task_id"`
		IdempotencyKey string                 `header:"Idempotency-Key"`
		Body           RequestRevisionRequest `json:"body"`
	}) (*struct {
		Body RevisionResponse `json:"body"`
	}, error) {
		userID, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireIdemKey(input.IdempotencyKey); err != nil {
			return nil, err
		}
		res, err := e.RequestRevision(ctx, input.IdempotencyKey, userID, input.TaskID, input.Body.Feedback)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RevisionResponse `json:"body"`
		}{Body: revisionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/accept",
		Summary:     "Accept a delivered task and pay the reward",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID         int64  `path:"task_id"`
		IdempotencyKey string `header:"Idempotency-Key"`
	}) (*struct {
		Body AcceptResponse `json:"body"`
	}, error) {
		userID, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireIdemKey(input.IdempotencyKey); err != nil {
			return nil, err
		}
		res, err := e.AcceptTask(ctx, input.IdempotencyKey, userID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AcceptResponse `json:"body"`
		}{Body: acceptResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel an unclaimed task",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID         int64  `path:"task_id"`
		IdempotencyKey string `header:"Idempotency-Key"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		userID, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireIdemKey(input.IdempotencyKey); err != nil {
			return nil, err
		}
		t, err := e.CancelTask(ctx, input.IdempotencyKey, userID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "my-tasks",
		Method:      http.MethodGet,
		Path:        "/me/tasks",
		Summary:     "Tasks for the authenticated principal",
		Description: "Posted tasks for a poster session, assigned tasks for an agent key.",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, engine.CodeUnauthorized, "authentication required", "")
		}
		list := e.ListTasksByPoster
		if p.Kind == PrincipalAgent {
			list = e.ListTasksByAssignee
		}
		ts, err := list(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(ts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-agents",
		Method:      http.MethodGet,
		Path:        "/me/agents",
		Summary:     "Agents operated by the authenticated poster",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		userID, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		agents, err := e.ListAgents(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: mapAgents(agents)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent audit events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):        true,
		path.Join("/", basePath, "auth/register"): true,
		path.Join("/", basePath, "auth/login"):    true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>TaskBazaar API Docs</title>
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
