package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/joseph-ayodele/invoice-extractor/internal/common"
	"github.com/joseph-ayodele/invoice-extractor/internal/export"
	"github.com/joseph-ayodele/invoice-extractor/internal/llm"
	"github.com/joseph-ayodele/invoice-extractor/internal/repository"
	"github.com/joseph-ayodele/invoice-extractor/internal/session"
)

// ModelLister offers the extraction models shown to the operator.
type ModelLister interface {
	ModelsOrDefault(ctx context.Context) []llm.Model
}

// Deps holds everything the HTTP API serves.
type Deps struct {
	Sessions       *session.Manager
	Store          repository.Store
	Models         ModelLister
	Workbook       *export.WorkbookWriter
	MaxUploadBytes int64
	PingTimeout    time.Duration
	Logger         *slog.Logger
}

type Server struct {
	sessions  *session.Manager
	store     repository.Store
	models    ModelLister
	workbook  *export.WorkbookWriter
	maxUpload int64
	pingWait  time.Duration
	logger    *slog.Logger
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Workbook == nil {
		d.Workbook = export.NewWorkbookWriter(d.Logger)
	}
	if d.Store == nil {
		d.Store = repository.NewMemoryStore()
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 50 << 20
	}
	if d.PingTimeout <= 0 {
		d.PingTimeout = 3 * time.Second
	}
	return &Server{
		sessions:  d.Sessions,
		store:     d.Store,
		models:    d.Models,
		workbook:  d.Workbook,
		maxUpload: d.MaxUploadBytes,
		pingWait:  d.PingTimeout,
		logger:    d.Logger,
	}
}

// Routes builds the API router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/models", s.listModels)
		r.Get("/rules", s.getRules)
		r.Put("/rules", s.putRules)
		r.Get("/runs", s.listRuns)
		r.Get("/runs/{runID}", s.getRun)

		r.Post("/sessions", s.createSession)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Use(s.sessionScope)
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Put("/document", s.uploadDocument)
			r.Get("/pages/{page}", s.getPage)
			r.Put("/selection", s.putSelection)
			r.Post("/extract", s.startExtraction)
			r.Post("/cancel", s.cancelExtraction)
			r.Get("/events", s.streamEvents)
			r.Get("/result", s.getResult)
			r.Get("/export.xlsx", s.exportWorkbook)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := chimiddleware.GetReqID(r.Context())
		logger := s.logger.With("req_id", reqID)
		ctx := common.WithRequestID(r.Context(), reqID)
		ctx = common.WithLogger(ctx, logger)

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		logger.Debug("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.pingWait)
	defer cancel()

	body := map[string]any{"status": "ok", "sessions": s.sessions.Len()}
	status := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		common.LoggerFromContext(r.Context(), s.logger).Warn("health.store_unreachable", "error", err)
		body["status"] = "degraded"
		body["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := common.HTTPStatus(err)
	msg := err.Error()
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	logger := common.LoggerFromContext(r.Context(), s.logger)
	if status >= http.StatusInternalServerError {
		logger.Error("http.error", "path", r.URL.Path, "status", status, "error", err)
	} else {
		logger.Debug("http.rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: common.ErrorCode(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return common.ValidationErrorf("invalid request body: %v", err)
	}
	return nil
}
