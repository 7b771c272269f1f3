package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ballotbox/internal/auth"
	"ballotbox/internal/domain"
	"ballotbox/internal/registry"
	"ballotbox/internal/repo"
)

// Config for the HTTP API handler. The registry must read its caller from
// the request context (auth.ContextCaller).
type Config struct {
	Registry *registry.Registry
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	// Gatherer backs GET /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_voted"`
	Message string         `json:"message" example:"caller has already voted on this proposal"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"key\":42}"`
}

// apiError is the error envelope returned by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the ballotbox API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("server requires a registry")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// request validation failures are the client's fault
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Ballotbox API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router, cfg.Gatherer)
	registerHealth(group)
	registerMe(group)
	registerProposals(group, cfg.Registry, logger)
	registerEvents(group, cfg.Repo)
	registerDevAuth(group, cfg.Auth)
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
	msg := err.Error()
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return newAPIError(http.StatusUnauthorized, "unauthorized", msg, nil)
	case errors.Is(err, registry.ErrNoSuchProposal):
		return newAPIError(http.StatusNotFound, "no_such_proposal", msg, nil)
	case errors.Is(err, registry.ErrAccessRejected):
		return newAPIError(http.StatusForbidden, "access_rejected", msg, nil)
	case errors.Is(err, registry.ErrAlreadyVoted):
		return newAPIError(http.StatusConflict, "already_voted", msg, nil)
	case errors.Is(err, registry.ErrNotActive):
		return newAPIError(http.StatusConflict, "not_active", msg, nil)
	case errors.Is(err, registry.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "invalid_input", msg, nil)
	case errors.Is(err, registry.ErrUpdate):
		return newAPIError(http.StatusInternalServerError, "update_error", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
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
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerMetrics(r chi.Router, g prometheus.Gatherer) {
	if g == nil {
		return
	}
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>Ballotbox API Docs</title>
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: principal.ActorID, Source: principal.Source}}, nil
	})
}

type proposalPath struct {
	Key uint64 `path:"key" doc:"Proposal key"`
}

type proposalInput struct {
	Key  uint64          `path:"key" doc:"Proposal key"`
	Body ProposalRequest `json:"body"`
}

type voteInput struct {
	Key  uint64      `path:"key" doc:"Proposal key"`
	Body VoteRequest `json:"body"`
}

type proposalOutput struct {
	Body ProposalLookupResponse `json:"body"`
}

func registerProposals(api huma.API, reg *registry.Registry, logger *slog.Logger) {
	// reload returns the proposal as stored after a successful mutation.
	reload := func(ctx context.Context, key uint64) (*proposalOutput, error) {
		p, found, err := reg.GetProposal(ctx, key)
		if err != nil {
			return nil, handleError(err)
		}
		out := &proposalOutput{Body: ProposalLookupResponse{Key: key}}
		if found {
			out.Body.Proposal = proposalResponse(p)
		}
		return out, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "count-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals/count",
		Summary:     "Number of stored proposals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CountResponse `json:"body"`
	}, error) {
		n, err := reg.GetProposalCount(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CountResponse `json:"body"`
		}{Body: CountResponse{Count: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{key}",
		Summary:     "Get a proposal",
		Description: "An unknown key is not an error: proposal is null.",
	}, func(ctx context.Context, input *proposalPath) (*proposalOutput, error) {
		return reload(ctx, input.Key)
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-proposal",
		Method:      http.MethodPut,
		Path:        "/proposals/{key}",
		Summary:     "Create a proposal",
		Description: "Replaces any proposal stored at key, votes included. The replaced record is returned as previous.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *proposalInput) (*struct {
		Body CreateProposalResponse `json:"body"`
	}, error) {
		prev, existed, err := reg.CreateProposal(ctx, input.Key, domain.ProposalInput{
			Description: input.Body.Description,
			Active:      input.Body.Active,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := CreateProposalResponse{Key: input.Key}
		if existed {
			resp.Previous = proposalResponse(prev)
		}
		return &struct {
			Body CreateProposalResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-proposal",
		Method:      http.MethodPatch,
		Path:        "/proposals/{key}",
		Summary:     "Edit a proposal",
		Description: "Owner only. Votes and counters are kept.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *proposalInput) (*proposalOutput, error) {
		err := reg.EditProposal(ctx, input.Key, domain.ProposalInput{
			Description: input.Body.Description,
			Active:      input.Body.Active,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reload(ctx, input.Key)
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{key}/end",
		Summary:     "Close a proposal to voting",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *proposalPath) (*proposalOutput, error) {
		if err := reg.EndProposal(ctx, input.Key); err != nil {
			return nil, handleError(err)
		}
		return reload(ctx, input.Key)
	})

	huma.Register(api, huma.Operation{
		OperationID: "vote",
		Method:      http.MethodPost,
		Path:        "/proposals/{key}/votes",
		Summary:     "Vote on a proposal",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *voteInput) (*proposalOutput, error) {
		choice, err := domain.ParseChoice(input.Body.Choice)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", err.Error(), map[string]any{"choice": input.Body.Choice})
		}
		if err := reg.Vote(ctx, input.Key, choice); err != nil {
			if errors.Is(err, registry.ErrUpdate) {
				logger.Error("vote not persisted", "key", input.Key, "error", err)
			}
			return nil, handleError(err)
		}
		return reload(ctx, input.Key)
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type    string `query:"type"`
		Key     string `query:"key" doc:"Only events for this proposal key"`
		ActorID string `query:"actor_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		filter := repo.EventFilter{
			Limit:   normalizeLimit(input.Limit),
			Type:    input.Type,
			ActorID: input.ActorID,
		}
		if input.Key != "" {
			key, err := strconv.ParseUint(input.Key, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid key", map[string]any{"key": input.Key})
			}
			filter.ProposalKey = &key
		}
		items, err := r.LatestEvents(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := eventList{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: resp}, nil
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
		token, err := signDevToken(authCfg.JWTSecret, actor, time.Now())
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
