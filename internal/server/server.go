package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"meterline/internal/domain"
	"meterline/internal/engine"
	"meterline/internal/repo"
	"meterline/internal/status"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid round transition: CLOSED on event start"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"blocking_code\":\"R-0042\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Meterline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buf, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(buf))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, buf)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Meterline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCycles(group, cfg.Engine)
	registerRounds(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerCases(group, cfg.Engine)
	registerPlans(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerMe(group)
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

// handleError maps engine and repo errors onto the HTTP taxonomy.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var it *status.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"kind": string(it.Kind), "from": it.From, "event": string(it.Event),
		})
	}
	var pe *engine.PreconditionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", err.Error(), map[string]any{
			"blocking_id": pe.BlockingID, "blocking_code": pe.BlockingCode, "blocking_state": pe.BlockingState,
		})
	}
	var ce *engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{
			"conflict_id": ce.ConflictID,
		})
	}
	var ie *engine.InvalidStateError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_state", err.Error(), map[string]any{
			"state": ie.State, "wanted": ie.Wanted,
		})
	}
	if errors.Is(err, engine.ErrStaleWrite) {
		return newAPIError(http.StatusConflict, "stale_write", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrBusy) {
		return newAPIError(http.StatusTooManyRequests, "busy", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "must be") ||
		strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(st int) string {
	switch st {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusTooManyRequests:
		return "busy"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(st), " ", "_"))
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
    <title>Meterline API Docs</title>
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

func registerCycles(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-cycle",
		Method:        http.MethodPost,
		Path:          "/cycles",
		Summary:       "Create billing cycle",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCycleRequest `json:"body"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Code == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "code is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CycleCreateOptions{
			Code:        input.Body.Code,
			Description: stringOrEmpty(input.Body.Description),
			AgencyCode:  stringOrEmpty(input.Body.AgencyCode),
			FiscalYear:  input.Body.FiscalYear,
			FiscalMonth: input.Body.FiscalMonth,
			ActorID:     actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		c, err := e.CreateCycle(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: cycleResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cycles",
		Method:      http.MethodGet,
		Path:        "/cycles",
		Summary:     "List billing cycles",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		FiscalYear int    `query:"fiscal_year"`
		Limit      int    `query:"limit"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedCycles `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
		}
		items, err := e.Repo.ListCycles(ctx, repo.CycleFilters{
			Status:          input.Status,
			FiscalYear:      input.FiscalYear,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedCycles{Items: []CycleResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = mapCycles(items)
		return &struct {
			Body paginatedCycles `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cycle",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}",
		Summary:     "Get billing cycle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetCycle(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: cycleResponse(c)}, nil
	})

	type cycleTransition func(context.Context, string, string) (domain.BillingCycle, error)
	transitions := []struct {
		op, pathSuffix, summary string
		fn                      cycleTransition
	}{
		{"start-cycle", "start", "Start billing cycle", e.StartCycle},
		{"finish-cycle", "finish", "Finish billing cycle", e.FinishCycle},
		{"close-cycle", "close", "Close billing cycle", e.CloseCycle},
		{"reopen-cycle", "reopen", "Reopen billing cycle", e.ReopenCycle},
	}
	for _, tr := range transitions {
		fn := tr.fn
		huma.Register(api, huma.Operation{
			OperationID: tr.op,
			Method:      http.MethodPost,
			Path:        "/cycles/{cycle_id}/" + tr.pathSuffix,
			Summary:     tr.summary,
			Errors: []int{
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
				http.StatusTooManyRequests,
			},
		}, func(ctx context.Context, input *struct {
			CycleID string `path:"cycle_id"`
		}) (*struct {
			Body CycleResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			c, err := fn(ctx, input.CycleID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body CycleResponse `json:"body"`
			}{Body: cycleResponse(c)}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "recompute-cycle",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/recompute",
		Summary:     "Recompute billing cycle counts",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		c, err := e.RecomputeBillingCycle(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: cycleResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-round",
		Method:        http.MethodPost,
		Path:          "/cycles/{cycle_id}/rounds",
		Summary:       "Create round",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CycleID string             `path:"cycle_id"`
		Body    CreateRoundRequest `json:"body"`
	}) (*struct {
		Body RoundResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.RoundCreateOptions{
			Code:                input.Body.Code,
			Label:               input.Body.Label,
			CycleID:             input.CycleID,
			Zone:                stringOrEmpty(input.Body.Zone),
			Commune:             stringOrEmpty(input.Body.Commune),
			Quartier:            stringOrEmpty(input.Body.Quartier),
			EstimatedMeterCount: input.Body.EstimatedMeterCount,
			PriorityOrder:       input.Body.PriorityOrder,
			ActorID:             actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		rd, err := e.CreateRound(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoundResponse `json:"body"`
		}{Body: roundResponse(rd)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cycle-rounds",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/rounds",
		Summary:     "List rounds of a cycle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
		Status  string `query:"status"`
	}) (*struct {
		Body []RoundResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCycle(ctx, input.CycleID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRounds(ctx, repo.RoundFilters{CycleID: input.CycleID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RoundResponse `json:"body"`
		}{Body: mapRounds(items)}, nil
	})
}

func registerRounds(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rounds",
		Method:      http.MethodGet,
		Path:        "/rounds",
		Summary:     "List rounds",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status"`
		Commune string `query:"commune"`
		Limit   int    `query:"limit"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedRounds `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
		}
		items, err := e.Repo.ListRounds(ctx, repo.RoundFilters{
			Status:          input.Status,
			Commune:         input.Commune,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRounds{Items: []RoundResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = mapRounds(items)
		return &struct {
			Body paginatedRounds `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-round",
		Method:      http.MethodGet,
		Path:        "/rounds/{round_id}",
		Summary:     "Get round",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoundID string `path:"round_id"`
	}) (*struct {
		Body RoundResponse `json:"body"`
	}, error) {
		rd, err := e.Repo.GetRound(ctx, input.RoundID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoundResponse `json:"body"`
		}{Body: roundResponse(rd)}, nil
	})

	type roundTransition func(context.Context, string, string) (domain.Round, error)
	transitions := []struct {
		op, pathSuffix, summary string
		fn                      roundTransition
	}{
		{"start-round", "start", "Start round", e.StartRound},
		{"finish-round", "finish", "Finish round", e.FinishRound},
		{"close-round", "close", "Close round", e.CloseRound},
		{"reopen-round", "reopen", "Reopen round", e.ReopenRound},
	}
	for _, tr := range transitions {
		fn := tr.fn
		huma.Register(api, huma.Operation{
			OperationID: tr.op,
			Method:      http.MethodPost,
			Path:        "/rounds/{round_id}/" + tr.pathSuffix,
			Summary:     tr.summary,
			Errors: []int{
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
				http.StatusTooManyRequests,
			},
		}, func(ctx context.Context, input *struct {
			RoundID string `path:"round_id"`
		}) (*struct {
			Body RoundResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			rd, err := fn(ctx, input.RoundID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body RoundResponse `json:"body"`
			}{Body: roundResponse(rd)}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "recompute-round",
		Method:      http.MethodPost,
		Path:        "/rounds/{round_id}/recompute",
		Summary:     "Recompute round counts",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		RoundID string `path:"round_id"`
	}) (*struct {
		Body RoundResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		rd, err := e.RecomputeRound(ctx, input.RoundID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoundResponse `json:"body"`
		}{Body: roundResponse(rd)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "attach-meters",
		Method:        http.MethodPost,
		Path:          "/rounds/{round_id}/meters",
		Summary:       "Attach meters to round",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RoundID string              `path:"round_id"`
		Body    AttachMetersRequest `json:"body"`
	}) (*struct {
		Body []MeterResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		meters := make([]engine.MeterAttach, 0, len(input.Body.Meters))
		for _, m := range input.Body.Meters {
			if m.MeterID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "meter_id is required", nil)
			}
			meters = append(meters, engine.MeterAttach{
				MeterID:     m.MeterID,
				MeterNumber: stringOrEmpty(m.MeterNumber),
			})
		}
		attached, err := e.AttachMeters(ctx, input.RoundID, meters, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MeterResponse `json:"body"`
		}{Body: mapMeters(attached)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-round-meters",
		Method:      http.MethodGet,
		Path:        "/rounds/{round_id}/meters",
		Summary:     "List meters of a round",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoundID string `path:"round_id"`
	}) (*struct {
		Body []MeterResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRound(ctx, input.RoundID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMeterAttachments(ctx, input.RoundID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MeterResponse `json:"body"`
		}{Body: mapMeters(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-pass-order",
		Method:      http.MethodPost,
		Path:        "/rounds/{round_id}/meters/reset-order",
		Summary:     "Renumber the round's pass order",
		Errors: []int{
			http.StatusNotFound,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		RoundID string `path:"round_id"`
	}) (*struct {
		Body []MeterResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.ResetRoundPassOrder(ctx, input.RoundID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMeterAttachments(ctx, input.RoundID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MeterResponse `json:"body"`
		}{Body: mapMeters(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-reading",
		Method:      http.MethodPost,
		Path:        "/rounds/{round_id}/readings",
		Summary:     "Record a meter reading",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RoundID string         `path:"round_id"`
		Body    ReadingRequest `json:"body"`
	}) (*struct {
		Body RoundResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.MeterID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "meter_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rd, err := e.OnMeterRead(ctx, input.RoundID, input.Body.MeterID, input.Body.Anomaly, engine.ReadOptions{
			ReadBy:    actorID,
			Latitude:  input.Body.Latitude,
			Longitude: input.Body.Longitude,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoundResponse `json:"body"`
		}{Body: roundResponse(rd)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revert-reading",
		Method:      http.MethodDelete,
		Path:        "/rounds/{round_id}/readings/{meter_id}",
		Summary:     "Revert a meter reading",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		RoundID string `path:"round_id"`
		MeterID string `path:"meter_id"`
	}) (*struct {
		Body RoundResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rd, err := e.OnMeterUnread(ctx, input.RoundID, input.MeterID, engine.ReadOptions{ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoundResponse `json:"body"`
		}{Body: roundResponse(rd)}, nil
	})
}

func registerAssignments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign-round",
		Method:        http.MethodPost,
		Path:          "/rounds/{round_id}/assignments",
		Summary:       "Assign an agent to a round",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RoundID string        `path:"round_id"`
		Body    AssignRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.AgentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Assign(ctx, input.RoundID, input.Body.AgentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/assignments",
		Summary:     "List assignments",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RoundID string `query:"round_id"`
		AgentID string `query:"agent_id"`
		Status  string `query:"status"`
		Limit   int    `query:"limit"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedAssignments `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
		}
		items, err := e.Repo.ListAssignments(ctx, repo.AssignmentFilters{
			RoundID:         input.RoundID,
			AgentID:         input.AgentID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAssignments{Items: []AssignmentResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = mapAssignments(items)
		return &struct {
			Body paginatedAssignments `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/assignments/{assignment_id}",
		Summary:     "Get assignment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssignmentID string `path:"assignment_id"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAssignment(ctx, input.AssignmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})

	type assignmentTransition func(context.Context, string, engine.AssignmentOptions) (domain.Assignment, error)
	transitions := []struct {
		op, pathSuffix, summary string
		fn                      assignmentTransition
	}{
		{"start-assignment", "start", "Start assignment", e.StartAssignment},
		{"pause-assignment", "pause", "Pause assignment", e.PauseAssignment},
		{"resume-assignment", "resume", "Resume assignment", e.ResumeAssignment},
		{"finish-assignment", "finish", "Finish assignment", e.FinishAssignment},
		{"validate-assignment", "validate", "Validate assignment", e.ValidateAssignment},
	}
	for _, tr := range transitions {
		fn := tr.fn
		huma.Register(api, huma.Operation{
			OperationID: tr.op,
			Method:      http.MethodPost,
			Path:        "/assignments/{assignment_id}/" + tr.pathSuffix,
			Summary:     tr.summary,
			Errors: []int{
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
				http.StatusTooManyRequests,
			},
		}, func(ctx context.Context, input *struct {
			AssignmentID string                   `path:"assignment_id"`
			Body         *AssignmentActionRequest `json:"body,omitempty" required:"false"`
		}) (*struct {
			Body AssignmentResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			opts := engine.AssignmentOptions{ActorID: actorID}
			if input.Body != nil {
				opts.Latitude = input.Body.Latitude
				opts.Longitude = input.Body.Longitude
				opts.Observations = stringOrEmpty(input.Body.Observations)
			}
			a, err := fn(ctx, input.AssignmentID, opts)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body AssignmentResponse `json:"body"`
			}{Body: assignmentResponse(a)}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "cancel-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{assignment_id}/cancel",
		Summary:     "Cancel assignment",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		AssignmentID string                   `path:"assignment_id"`
		Body         *AssignmentActionRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = stringOrEmpty(input.Body.Reason)
		}
		a, err := e.CancelAssignment(ctx, input.AssignmentID, reason, engine.AssignmentOptions{ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})
}

func registerCases(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Open collection case",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body OpenCaseRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		due, err := decimal.NewFromString(input.Body.AmountDue)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "amount_due must be a decimal", nil)
		}
		opts := engine.CaseOpenOptions{
			ClientID:    input.Body.ClientID,
			ClientName:  stringOrEmpty(input.Body.ClientName),
			ContractRef: input.Body.ContractRef,
			AgencyCode:  stringOrEmpty(input.Body.AgencyCode),
			AgentID:     stringOrEmpty(input.Body.AgentID),
			AmountDue:   due,
			ActorID:     actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		c, err := e.OpenCase(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List collection cases",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		ClientID string `query:"client_id"`
		Limit    int    `query:"limit"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedCases `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
		}
		items, err := e.Repo.ListCases(ctx, repo.CaseFilters{
			Status:          input.Status,
			ClientID:        input.ClientID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedCases{Items: []CaseResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = mapCases(items)
		return &struct {
			Body paginatedCases `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get collection case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	type caseTransition func(context.Context, string, string) (domain.CollectionCase, error)
	transitions := []struct {
		op, pathSuffix, summary string
		fn                      caseTransition
	}{
		{"engage-case", "engage", "Engage collection case", e.EngageCase},
		{"resolve-case", "resolve", "Resolve collection case", e.ResolveCase},
		{"escalate-case", "escalate", "Escalate collection case", e.EscalateCase},
	}
	for _, tr := range transitions {
		fn := tr.fn
		huma.Register(api, huma.Operation{
			OperationID: tr.op,
			Method:      http.MethodPost,
			Path:        "/cases/{case_id}/" + tr.pathSuffix,
			Summary:     tr.summary,
			Errors: []int{
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
				http.StatusTooManyRequests,
			},
		}, func(ctx context.Context, input *struct {
			CaseID string `path:"case_id"`
		}) (*struct {
			Body CaseResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			c, err := fn(ctx, input.CaseID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body CaseResponse `json:"body"`
			}{Body: caseResponse(c)}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID:   "record-action",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/actions",
		Summary:       "Record a field action on a case",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string              `path:"case_id"`
		Body   RecordActionRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount := decimal.Zero
		if input.Body.Amount != nil {
			var err error
			amount, err = decimal.NewFromString(*input.Body.Amount)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "amount must be a decimal", nil)
			}
		}
		act, err := e.RecordAction(ctx, input.CaseID, engine.ActionOptions{
			AgentID:      input.Body.AgentID,
			Type:         input.Body.Type,
			Amount:       amount,
			Latitude:     input.Body.Latitude,
			Longitude:    input.Body.Longitude,
			Observations: stringOrEmpty(input.Body.Observations),
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(act)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/actions",
		Summary:     "List actions of a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body []ActionResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCase(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListCaseActions(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActionResponse `json:"body"`
		}{Body: mapActions(items)}, nil
	})
}

func registerPlans(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-plan",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/plans",
		Summary:       "Grant a payment plan on a case",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string            `path:"case_id"`
		Body   CreatePlanRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		total, err := decimal.NewFromString(input.Body.TotalAmount)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "total_amount must be a decimal", nil)
		}
		pct := decimal.Zero
		if input.Body.InitialPercentage != nil {
			pct, err = decimal.NewFromString(*input.Body.InitialPercentage)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "initial_percentage must be a decimal", nil)
			}
		}
		plan, err := e.CreatePlan(ctx, engine.PlanCreateOptions{
			CaseID:            input.CaseID,
			TotalAmount:       total,
			InitialPercentage: pct,
			InstallmentCount:  input.Body.InstallmentCount,
			StartDate:         input.Body.StartDate,
			GrantedBy:         stringOrEmpty(input.Body.GrantedBy),
			Observations:      stringOrEmpty(input.Body.Observations),
			ActorID:           actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(plan)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}",
		Summary:     "Get payment plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		plan, err := e.Repo.GetPlan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(plan)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-installments",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/installments",
		Summary:     "List installments of a plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body []InstallmentResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetPlan(ctx, input.PlanID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListPlanInstallments(ctx, nil, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []InstallmentResponse `json:"body"`
		}{Body: mapInstallments(items)}, nil
	})

	type planTransition func(context.Context, string, string) (domain.PaymentPlan, error)
	transitions := []struct {
		op, pathSuffix, summary string
		fn                      planTransition
	}{
		{"cancel-plan", "cancel", "Cancel payment plan", e.CancelPlan},
		{"default-plan", "default", "Default payment plan", e.DefaultPlan},
		{"recompute-plan", "recompute", "Recompute payment plan", e.RecomputePlan},
	}
	for _, tr := range transitions {
		fn := tr.fn
		huma.Register(api, huma.Operation{
			OperationID: tr.op,
			Method:      http.MethodPost,
			Path:        "/plans/{plan_id}/" + tr.pathSuffix,
			Summary:     tr.summary,
			Errors: []int{
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
				http.StatusTooManyRequests,
			},
		}, func(ctx context.Context, input *struct {
			PlanID string `path:"plan_id"`
		}) (*struct {
			Body PlanResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			plan, err := fn(ctx, input.PlanID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body PlanResponse `json:"body"`
			}{Body: planResponse(plan)}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "pay-installment",
		Method:      http.MethodPost,
		Path:        "/installments/{installment_id}/pay",
		Summary:     "Pay an installment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		InstallmentID string                `path:"installment_id"`
		Body          PayInstallmentRequest `json:"body"`
	}) (*struct {
		Body InstallmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, err := decimal.NewFromString(input.Body.AmountPaid)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "amount_paid must be a decimal", nil)
		}
		ins, err := e.PayInstallment(ctx, input.InstallmentID, engine.PayOptions{
			AmountPaid:  amount,
			PaidDate:    stringOrEmpty(input.Body.PaidDate),
			ReceiptRef:  stringOrEmpty(input.Body.ReceiptRef),
			PaymentMode: stringOrEmpty(input.Body.PaymentMode),
			PaidBy:      stringOrEmpty(input.Body.PaidBy),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstallmentResponse `json:"body"`
		}{Body: installmentResponse(ins)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-late",
		Method:      http.MethodPost,
		Path:        "/collection/sweep",
		Summary:     "Mark overdue installments LATE",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SweepRequest `json:"body"`
	}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		asOf := input.Body.AsOf
		if asOf == "" {
			asOf = time.Now().UTC().Format("2006-01-02")
		}
		n, err := e.SweepLateInstallments(ctx, asOf, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Transitioned: n}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List journal events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			cursorID = parsed
		}
		agency := ""
		if e.Config != nil {
			agency = e.Config.Agency.Code
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, agency, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		// Plaintext key is returned once and never stored.
		plaintext := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:        uuid.New().String(),
			ActorID:   input.Body.ActorID,
			Name:      stringOrEmpty(input.Body.Name),
			KeyHash:   repo.HashAPIKey(plaintext),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       plaintext,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{
				ID:        k.ID,
				ActorID:   k.ActorID,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAgents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register field agent",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAgentRequest `json:"body"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Badge == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "badge is required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		agency := stringOrEmpty(input.Body.Agency)
		if agency == "" && e.Config != nil {
			agency = e.Config.Agency.Code
		}
		role := input.Body.Role
		if role == "" {
			role = "agent"
		}
		a := domain.Agent{
			ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(agency+"|agent|"+input.Body.Badge)).String(),
			Badge:     input.Body.Badge,
			Name:      input.Body.Name,
			Role:      role,
			Agency:    agency,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAgent(ctx, nil, a); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List field agents",
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		agency := ""
		if e.Config != nil {
			agency = e.Config.Agency.Code
		}
		items, err := e.Repo.ListAgents(ctx, agency, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AgentResponse, 0, len(items))
		for _, a := range items {
			out = append(out, agentResponse(a))
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: out}, nil
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
		if !ok {
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
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
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

// signDevToken mints a short-lived HS256 token for local testing.
func signDevToken(secret, actorID string, roles []string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
		Roles: roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
