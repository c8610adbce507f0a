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
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"localagent/internal/broker"
	"localagent/internal/cache"
	"localagent/internal/domain"
	"localagent/internal/policy"
)

// Config for the HTTP API handler.
type Config struct {
	Broker *broker.Broker
	// BasePath prefixes every route. Empty serves at the root, which is where
	// orchestrators expect /delegate, /fetch_detail and /health.
	BasePath string
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"task_id: task_id must match ^[A-Za-z0-9_-]+$"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"task_id\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the broker API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Broker == nil {
		return nil, errors.New("server: broker is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	basePath := strings.TrimRight(cfg.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
	router.Use(requestLogger(cfg.Logger))
	router.Use(recoverer(cfg.Logger))
	hcfg := huma.DefaultConfig("LocalAgent Broker API", "0.2.0")
	hcfg.OpenAPIPath = "" // served by registerOpenAPI
	hcfg.DocsPath = ""    // custom Swagger UI below
	api := humachi.New(router, hcfg)
	var group huma.API = api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	b := cfg.Broker
	registerDocs(router, basePath)
	registerDelegate(group, b)
	registerFetchDetail(group, b)
	registerHealth(group, b)
	registerCache(group, b)
	registerSessions(group, b)
	registerQueue(group, b)
	registerPolicies(group, b)
	registerAudit(group, b)
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
	var ve *broker.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, broker.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, policy.ErrUnknownPolicy) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var se *cache.StorageError
	if errors.As(err, &se) {
		return newAPIError(http.StatusInternalServerError, "storage_error", "internal error", map[string]any{"op": se.Op, "error": se.Err.Error()})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
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

// recoverer turns a handler panic into the error envelope.
func recoverer(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("handler panic", "path", r.URL.Path, "panic", fmt.Sprint(rec))
					respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join("/", basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join("/", basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>LocalAgent Broker API Docs</title>
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

func registerDelegate(api huma.API, b *broker.Broker) {
	huma.Register(api, huma.Operation{
		OperationID: "delegate",
		Method:      http.MethodPost,
		Path:        "/delegate",
		Summary:     "Delegate a task to a subagent",
		Description: "Runs exactly one of file_scanner, summarizer or bash_runner. Policy denials, timeouts and downstream outages are reported in the response status.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body domain.DelegationRequest `json:"body"`
	}) (*struct {
		Body domain.DelegationResponse `json:"body"`
	}, error) {
		resp, err := b.Delegate(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DelegationResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerFetchDetail(api huma.API, b *broker.Broker) {
	huma.Register(api, huma.Operation{
		OperationID: "fetch-detail",
		Method:      http.MethodPost,
		Path:        "/fetch_detail",
		Summary:     "Fetch the full artifact behind a result reference",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body FetchDetailRequest `json:"body"`
	}) (*struct {
		Body domain.FetchDetailResponse `json:"body"`
	}, error) {
		resp, err := b.FetchDetail(ctx, input.Body.TaskID, input.Body.Hash, input.Body.Format)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FetchDetailResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerHealth(api huma.API, b *broker.Broker) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Health `json:"body"`
	}, error) {
		h, err := b.HealthCheck(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Health `json:"body"`
		}{Body: h}, nil
	})
}

func registerCache(api huma.API, b *broker.Broker) {
	huma.Register(api, huma.Operation{
		OperationID: "cache-stats",
		Method:      http.MethodGet,
		Path:        "/cache/stats",
		Summary:     "Cache hit/miss counters and totals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.CacheStats `json:"body"`
	}, error) {
		st, err := b.Cache().Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CacheStats `json:"body"`
		}{Body: domain.CacheStats{
			HitCount:   st.HitCount,
			MissCount:  st.MissCount,
			EntryCount: st.EntryCount,
			TotalBytes: st.TotalBytes,
			MaxEntries: b.Cache().MaxEntries(),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cache-entries",
		Method:      http.MethodGet,
		Path:        "/cache/entries",
		Summary:     "List cache entries, most recently accessed first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []CacheEntryResponse `json:"body"`
	}, error) {
		entries, err := b.Cache().List(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CacheEntryResponse `json:"body"`
		}{Body: mapEntries(entries, false)}, nil
	})

	type hashPath struct {
		Hash string `path:"hash" pattern:"^sha256:[a-f0-9]{64}$"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-cache-entry",
		Method:      http.MethodGet,
		Path:        "/cache/entries/{hash}",
		Summary:     "Show one cache entry without touching its access time",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *hashPath) (*struct {
		Body CacheEntryResponse `json:"body"`
	}, error) {
		entry, ok, err := b.Cache().Entry(ctx, input.Hash)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "cache entry not found", map[string]any{"hash": input.Hash})
		}
		return &struct {
			Body CacheEntryResponse `json:"body"`
		}{Body: cacheEntryResponse(entry, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "invalidate-cache-entry",
		Method:        http.MethodDelete,
		Path:          "/cache/entries/{hash}",
		Summary:       "Invalidate one cache entry",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *hashPath) (*struct{}, error) {
		if err := b.Cache().Invalidate(ctx, input.Hash); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "clear-cache",
		Method:        http.MethodDelete,
		Path:          "/cache",
		Summary:       "Remove every cache entry and reset counters",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		if err := b.Cache().Clear(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerSessions(api huma.API, b *broker.Broker) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Session task history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		sess, ok := b.Sessions().Get(input.SessionID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "session not found", map[string]any{"session_id": input.SessionID})
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(sess)}, nil
	})
}

func registerQueue(api huma.API, b *broker.Broker) {
	huma.Register(api, huma.Operation{
		OperationID: "list-queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "Tasks waiting for the downstream model",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body QueueResponse `json:"body"`
	}, error) {
		return &struct {
			Body QueueResponse `json:"body"`
		}{Body: QueueResponse{
			Capacity: b.Queue().Capacity(),
			Dropped:  b.Queue().Dropped(),
			Items:    b.QueuedTasks(),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-queue",
		Method:      http.MethodPost,
		Path:        "/queue/process",
		Summary:     "Expire stale tasks and retry the rest if the downstream is healthy",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body broker.QueueReport `json:"body"`
	}, error) {
		rep, err := b.ProcessQueue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body broker.QueueReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerPolicies(api huma.API, b *broker.Broker) {
	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List execution policies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PoliciesResponse `json:"body"`
	}, error) {
		resp := PoliciesResponse{SharedBlock: b.Policies().SharedBlockList(), Items: []policy.Policy{}}
		for _, id := range b.Policies().IDs() {
			p, err := b.Policies().Policy(id)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Items = append(resp.Items, p)
		}
		return &struct {
			Body PoliciesResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-command",
		Method:      http.MethodPost,
		Path:        "/policies/{policy_id}/check",
		Summary:     "Validate a command without running it",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PolicyID string `path:"policy_id"`
		Body     PolicyCheckRequest
	}) (*struct {
		Body PolicyCheckResponse `json:"body"`
	}, error) {
		v, err := b.Policies().Validate(input.Body.Command, input.PolicyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyCheckResponse `json:"body"`
		}{Body: PolicyCheckResponse{
			PolicyID: input.PolicyID,
			Command:  input.Body.Command,
			Allowed:  v.Allowed,
			Reason:   v.Reason,
			Rule:     v.Rule,
		}}, nil
	})
}

func registerAudit(api huma.API, b *broker.Broker) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Recent audit events, newest first",
	}, func(ctx context.Context, input *struct {
		TaskID string `query:"task_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.AuditEvent `json:"body"`
	}, error) {
		items, err := b.Events().List(ctx, input.TaskID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.AuditEvent{}
		}
		return &struct {
			Body []domain.AuditEvent `json:"body"`
		}{Body: items}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
