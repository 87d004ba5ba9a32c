package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/kirillkom/docsearch/internal/config"
	"github.com/kirillkom/docsearch/internal/core/ports"
	"github.com/kirillkom/docsearch/internal/observability/metrics"
)

// Dependencies are the inbound services the router dispatches to.
// Uploads, Sessions, Usage and Metrics are optional.
type Dependencies struct {
	Index     ports.IndexService
	Retriever ports.Retriever
	Answers   ports.AnswerService
	Ingestor  ports.DocumentIngestor
	Uploads   ports.UploadSubmitter
	Sessions  ports.SessionMemory
	Usage     ports.UsageRecorder
	Metrics   *metrics.HTTPServerMetrics
	Logger    *slog.Logger
}

type Router struct {
	cfg       config.Config
	index     ports.IndexService
	retriever ports.Retriever
	answers   ports.AnswerService
	ingestor  ports.DocumentIngestor
	uploads   ports.UploadSubmitter
	sessions  ports.SessionMemory
	usage     ports.UsageRecorder
	metrics   *metrics.HTTPServerMetrics
	logger    *slog.Logger
}

func NewRouter(cfg config.Config, deps Dependencies) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:       cfg,
		index:     deps.Index,
		retriever: deps.Retriever,
		answers:   deps.Answers,
		ingestor:  deps.Ingestor,
		uploads:   deps.Uploads,
		sessions:  deps.Sessions,
		usage:     deps.Usage,
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

func (rt *Router) Handler() (http.Handler, error) {
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/ingest", rt.ingest)
	mux.HandleFunc("POST /v1/upload", rt.upload)
	mux.HandleFunc("POST /v1/query", rt.query)
	mux.HandleFunc("POST /v1/answer", rt.answer)
	mux.HandleFunc("GET /v1/answer/stream", rt.answerStream)
	mux.HandleFunc("DELETE /v1/chunks", rt.deleteChunks)
	mux.HandleFunc("GET /v1/sources", rt.listSources)
	mux.HandleFunc("GET /v1/index", rt.indexState)
	mux.HandleFunc("GET /v1/llm/health", rt.llmHealth)
	mux.HandleFunc("GET /v1/profile", rt.profile)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	var handler http.Handler = validator.middleware(mux)
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, time.Duration(rt.cfg.APIBackpressureWaitMS)*time.Millisecond)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(handler)
	}
	handler = accessLogMiddleware(handler, rt.logger)
	return requestIDMiddleware(handler), nil
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) observe(endpoint string, chunks int, started time.Time) {
	if rt.metrics != nil {
		rt.metrics.RecordRAGObservation(endpoint, chunks, time.Since(started))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps typed errors to a status and logs server-side failures.
func (rt *Router) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, err.Error())
}
