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
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"cyclecount/internal/domain"
	"cyclecount/internal/engine"
	"cyclecount/internal/export"
	"cyclecount/internal/logging"
	"cyclecount/internal/migrate"
	"cyclecount/internal/reconcile"
	"cyclecount/internal/repo"
	"cyclecount/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Session  *engine.Session
	BasePath string
	Log      logrus.FieldLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"sign rejected in phase RECONCILING: unconfirmed discrepancies"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"phase\":\"RECONCILING\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type taskOutput struct {
	Body TaskResponse `json:"body"`
}

// New returns an HTTP handler exposing the cycle count API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Session == nil {
		return nil, errors.New("server: session required")
	}
	if cfg.Log == nil {
		cfg.Log = cfg.Session.Engine.Log
	}
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema validation failures are bad input, not refused operations
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(cfg.Log))
	hcfg := huma.DefaultConfig("Cycle Count API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{session: cfg.Session, log: cfg.Log.WithField("module", "server")}
	registerDocs(router, basePath)
	registerHealth(group, h)
	registerTask(group, h)
	registerCounting(group, h)
	registerReconciliation(group, h)
	registerReports(group, h)
	registerExport(router, basePath, h)
	registerHistory(group, h)
	registerEvents(group, h)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestLogger logs every request at debug level.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"module":   "server",
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).String(),
			}).Debug("request")
		})
	}
}

type handlers struct {
	session *engine.Session
	log     logrus.FieldLogger
}

func (h handlers) engine() engine.Engine {
	return h.session.Engine
}

// flush makes mirrored writes visible to readers of the database.
func (h handlers) flush(ctx context.Context) {
	if m := h.engine().Mirror; m != nil {
		if err := m.Flush(ctx); err != nil {
			logging.LogError(h.log, "server", "flush", nil, err)
		}
	}
}

func (h handlers) fail(fn string, err error) huma.StatusError {
	se := handleError(err)
	if se.GetStatus() >= http.StatusInternalServerError {
		logging.LogError(h.log, "server", fn, nil, err)
	}
	return se
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
	var ve *workflow.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{
			"op":    ve.Op,
			"phase": string(ve.Phase),
		})
	}
	switch {
	case errors.Is(err, engine.ErrNoTask):
		return newAPIError(http.StatusNotFound, "no_task", err.Error(), nil)
	case engine.IsNotFound(err):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case engine.IsValidation(err):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
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
	errSchema := &huma.Schema{Type: huma.TypeObject}
	if oas.Components != nil && oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
						Schema: errSchema,
					},
				},
			}
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
    <title>Cycle Count API Docs</title>
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

func registerHealth(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		body := map[string]any{"status": "ok"}
		e := h.engine()
		if e.Repo.DB != nil {
			v, err := migrate.Version(ctx, e.Repo.DB)
			if err != nil {
				return nil, h.fail("health", err)
			}
			body["schema_version"] = v
		}
		if e.Mirror != nil {
			body["mirror"] = e.Mirror.Stats()
		}
		if t, ok := h.session.Task(); ok {
			body["task_id"] = t.ID
			body["phase"] = string(t.Phase)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func registerTask(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/task",
		Summary:     "Current task, opening today's on first use",
	}, func(ctx context.Context, _ *struct{}) (*taskOutput, error) {
		t, err := h.session.Current(ctx)
		if err != nil {
			return nil, h.fail("get-task", err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "open-task",
		Method:      http.MethodPost,
		Path:        "/task/open",
		Summary:     "Open or resume the task for a date",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body OpenTaskRequest `json:"body" required:"false"`
	}) (*taskOutput, error) {
		t, err := h.session.Open(ctx, input.Body.Date)
		if err != nil {
			return nil, h.fail("open-task", err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	simple := []struct {
		id, path, summary string
		fn                func(*engine.Session, context.Context) (TaskResponse, error)
	}{
		{"start-task", "/task/start", "Start counting", wrap((*engine.Session).Start)},
		{"finalize-task", "/task/finalize", "Finish counting and derive discrepancies", wrap((*engine.Session).Finalize)},
		{"reopen-task", "/task/reopen", "Return to counting", wrap((*engine.Session).Reopen)},
		{"reset-reconciliation", "/task/reset", "Drop derived discrepancies", wrap((*engine.Session).ResetReconciliation)},
		{"complete-task", "/task/complete", "Complete a signed task and archive it", wrap((*engine.Session).Complete)},
	}
	for _, op := range simple {
		op := op
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
		}, func(ctx context.Context, _ *struct{}) (*taskOutput, error) {
			res, err := op.fn(h.session, ctx)
			if err != nil {
				return nil, h.fail(op.id, err)
			}
			return &taskOutput{Body: res}, nil
		})
	}
}

func wrap(fn func(*engine.Session, context.Context) (domain.InventoryTask, error)) func(*engine.Session, context.Context) (TaskResponse, error) {
	return func(s *engine.Session, ctx context.Context) (TaskResponse, error) {
		t, err := fn(s, ctx)
		if err != nil {
			return TaskResponse{}, err
		}
		return taskResponse(t), nil
	}
}

func registerCounting(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "record-scan",
		Method:      http.MethodPost,
		Path:        "/task/scans",
		Summary:     "Record a scanned serial",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body ScanRequest `json:"body"`
	}) (*struct {
		Body ScanResponse `json:"body"`
	}, error) {
		serial := strings.TrimSpace(input.Body.Serial)
		if serial == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "serial required", nil)
		}
		t, dup, err := h.session.Scan(ctx, serial)
		if err != nil {
			return nil, h.fail("record-scan", err)
		}
		return &struct {
			Body ScanResponse `json:"body"`
		}{Body: ScanResponse{Task: taskResponse(t), AlreadyConfirmed: dup}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-scan",
		Method:      http.MethodDelete,
		Path:        "/task/scans/{serial}",
		Summary:     "Remove a confirmed serial",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Serial string `path:"serial"`
	}) (*taskOutput, error) {
		t, err := h.session.Unscan(ctx, input.Serial)
		if err != nil {
			return nil, h.fail("remove-scan", err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-quantity",
		Method:      http.MethodPut,
		Path:        "/task/quantities/{sku}",
		Summary:     "Set the manual count of a quantity SKU",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		SKU  string          `path:"sku"`
		Body QuantityRequest `json:"body"`
	}) (*taskOutput, error) {
		t, err := h.session.SetQuantity(ctx, input.SKU, input.Body.Count)
		if err != nil {
			return nil, h.fail("set-quantity", err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})
}

func registerReconciliation(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "annotate-sku",
		Method:      http.MethodPut,
		Path:        "/task/discrepancies/{sku}",
		Summary:     "Set reason, remarks and evidence for a SKU's discrepancies",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		SKU  string          `path:"sku"`
		Body AnnotateRequest `json:"body"`
	}) (*taskOutput, error) {
		t, err := h.session.Annotate(ctx, input.SKU, input.Body.annotation())
		if err != nil {
			return nil, h.fail("annotate-sku", err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-task",
		Method:      http.MethodPost,
		Path:        "/task/sign",
		Summary:     "Sign off a reconciled task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body SignRequest `json:"body"`
	}) (*taskOutput, error) {
		t, err := h.session.Sign(ctx, input.Body.SignedBy, input.Body.Image)
		if err != nil {
			return nil, h.fail("sign-task", err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})
}

func registerReports(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sku-aggregates",
		Method:      http.MethodGet,
		Path:        "/task/skus",
		Summary:     "Discrepancies rolled up per SKU",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SkuAggregateResponse `json:"body"`
	}, error) {
		t, err := h.session.Current(ctx)
		if err != nil {
			return nil, h.fail("list-sku-aggregates", err)
		}
		return &struct {
			Body []SkuAggregateResponse `json:"body"`
		}{Body: aggregateResponses(reconcile.Aggregate(t.Discrepancies))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-summary",
		Method:      http.MethodGet,
		Path:        "/task/summary",
		Summary:     "Discrepancy totals and amounts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		t, err := h.session.Current(ctx)
		if err != nil {
			return nil, h.fail("task-summary", err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: summaryResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-counts",
		Method:      http.MethodGet,
		Path:        "/task/counts",
		Summary:     "Expected against actual per SKU",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CountsResponse `json:"body"`
	}, error) {
		t, err := h.session.Current(ctx)
		if err != nil {
			return nil, h.fail("task-counts", err)
		}
		return &struct {
			Body CountsResponse `json:"body"`
		}{Body: countsResponse(t)}, nil
	})
}

// registerExport streams the workbook outside huma since the body is binary.
func registerExport(r chi.Router, basePath string, h handlers) {
	r.Get(path.Join(basePath, "task/export"), func(w http.ResponseWriter, r *http.Request) {
		t, err := h.session.Current(r.Context())
		if err != nil {
			writeAPIError(w, h.fail("export", err))
			return
		}
		var buf bytes.Buffer
		if err := export.Write(&buf, t); err != nil {
			writeAPIError(w, h.fail("export", err))
			return
		}
		w.Header().Set("Content-Type", export.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(t)))
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		w.Write(buf.Bytes())
	})
}

func writeAPIError(w http.ResponseWriter, se huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(se.GetStatus())
	json.NewEncoder(w).Encode(se)
}

func registerHistory(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "Archived tasks, newest first",
	}, func(ctx context.Context, input *struct {
		Date  string `query:"date"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body HistoryListResponse `json:"body"`
	}, error) {
		items, err := h.engine().Repo.ListHistory(ctx, normalizeLimit(input.Limit), input.Date)
		if err != nil {
			return nil, h.fail("list-history", err)
		}
		resp := HistoryListResponse{Items: []HistoryResponse{}}
		for _, it := range items {
			resp.Items = append(resp.Items, historyResponse(it))
		}
		return &struct {
			Body HistoryListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-history",
		Method:      http.MethodGet,
		Path:        "/history/{id}",
		Summary:     "One archived task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		entry, err := h.engine().Repo.GetHistory(ctx, input.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "history entry not found", map[string]any{"id": input.ID})
			}
			return nil, h.fail("get-history", err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: historyResponse(entry)}, nil
	})
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TaskID string `query:"task_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		h.flush(ctx)
		items, err := h.engine().Repo.LatestEvents(ctx, limit+1, cursorID, input.TaskID, input.Type)
		if err != nil {
			return nil, h.fail("list-events", err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			// the cursor is exclusive, so hand out the id of the last returned item
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
