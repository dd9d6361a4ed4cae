package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trickle/internal/compare"
	"trickle/internal/db"
	"trickle/internal/export"
	"trickle/internal/instrument"
	"trickle/internal/models"
	"trickle/internal/session"
)

const maxBatchBytes = 16 << 20

type Server struct {
	repo     *db.Repository
	pipeline *session.Pipeline
	archiver *export.Archiver
	compare  *compare.Store
	limiter  *SourceLimiter
	metrics  *instrument.Metrics
	log      *slog.Logger
}

// NewServer wires the HTTP surface. archiver may be nil when exports are not
// configured; the export endpoint then answers 503.
func NewServer(repo *db.Repository, pipeline *session.Pipeline, archiver *export.Archiver, cmp *compare.Store, limiter *SourceLimiter, metrics *instrument.Metrics, logger *slog.Logger) *Server {
	return &Server{
		repo:     repo,
		pipeline: pipeline,
		archiver: archiver,
		compare:  cmp,
		limiter:  limiter,
		metrics:  metrics,
		log:      logger,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/trickle", s.handleIngest)
	mux.HandleFunc("GET /api/sources/{id}/metrics", s.handleSourceMetrics)
	mux.HandleFunc("GET /api/sources/{id}/sessions", s.handleSourceSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /api/sessions/{id}/metrics", s.handleSessionMetrics)
	mux.HandleFunc("POST /api/sessions/{id}/complete", s.handleCompleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/export", s.handleExportSession)
	mux.HandleFunc("POST /api/sessions/sweep", s.handleSweep)
	mux.HandleFunc("POST /api/compare", s.handleCompare)
	mux.HandleFunc("GET /api/compare/{id}", s.handleGetComparison)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", s.metrics.Handler())
	return logMiddleware(mux, s.log)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var batch models.Batch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBytes)).Decode(&batch); err != nil {
		s.metrics.Batch("http", "invalid")
		writeError(w, http.StatusBadRequest, "malformed batch: "+err.Error())
		return
	}
	batch.Normalize()
	if batch.SourceID != "" && !s.limiter.Allow(batch.SourceID) {
		s.metrics.Batch("http", "rate_limited")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded for "+batch.SourceID)
		return
	}
	res, err := s.pipeline.Ingest(r.Context(), batch)
	s.metrics.Batch("http", session.Outcome(err))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleSourceMetrics(w http.ResponseWriter, r *http.Request) {
	to := time.Now().UTC()
	from := to.Add(-parseRange(r.URL.Query().Get("range")))
	metrics, err := s.repo.QueryMetrics(r.Context(), r.PathValue("id"), from, to)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, nonNil(metrics))
}

func (s *Server) handleSourceSessions(w http.ResponseWriter, r *http.Request) {
	status := models.SessionStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	switch status {
	case "", models.SessionActive, models.SessionCompleted, models.SessionSaved:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	sessions, err := s.repo.ListSessions(r.Context(), r.PathValue("id"), status, limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, nonNil(sessions))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.pipeline.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, sess)
}

func (s *Server) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.pipeline.ReadSessionMetrics(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, nonNil(metrics))
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	sess, err := s.pipeline.Close(r.Context(), r.PathValue("id"), strings.TrimSpace(body.Name))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, sess)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	done, err := s.pipeline.Sweep(r.Context())
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, map[string]any{"completed": len(done), "sessions": nonNil(done)})
}

func (s *Server) handleExportSession(w http.ResponseWriter, r *http.Request) {
	if s.archiver == nil {
		writeError(w, http.StatusServiceUnavailable, "export is not configured")
		return
	}
	var format export.Format
	if v := r.URL.Query().Get("format"); v != "" {
		parsed, err := export.ParseFormat(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		format = parsed
	}
	res, err := s.archiver.Export(r.Context(), r.PathValue("id"), format)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SourceIDs []string `json:"source_ids"`
		Range     string   `json:"range"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	job, err := s.compare.Submit(r.Context(), compare.Request{
		SourceIDs: body.SourceIDs,
		Window:    parseRange(body.Range),
	})
	if errors.Is(err, compare.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Location", "/api/compare/"+job.ID)
	writeJSONStatus(w, http.StatusCreated, job)
}

func (s *Server) handleGetComparison(w http.ResponseWriter, r *http.Request) {
	job, ok := s.compare.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "comparison not found or expired")
		return
	}
	writeJSON(w, job)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		http.Error(w, "db not ready", 503)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if session.Retryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	if code >= 500 {
		s.log.Warn("request failed", "status", code, "err", err)
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidBatch):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSourceBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrStore):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONStatus(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// nonNil keeps empty results encoding as [] rather than null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func parseRange(v string) time.Duration {
	if v == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return time.Hour
	}
	if d <= 0 {
		return time.Hour
	}
	return d
}
