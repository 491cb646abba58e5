// Package ops serves the operator HTTP surface: candidate submission, job
// and queue inspection, parked-match review and canonical entity reads.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/monitoring"
	"github.com/sells-group/locsync/internal/queue"
	"github.com/sells-group/locsync/internal/reconcile"
	"github.com/sells-group/locsync/internal/resilience"
	"github.com/sells-group/locsync/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodyBytes     = 1 << 20
)

// Pipeline is the write side the operator surface drives.
type Pipeline interface {
	Submit(ctx context.Context, c model.CandidateRecord) (*queue.Job, error)
	Requeue(ctx context.Context, jobID string) (*queue.Job, error)
	ResolveParked(ctx context.Context, parkedID, choice string) (*model.ParkedMatch, error)
}

// Jobs is the read side of the job queue.
type Jobs interface {
	Get(ctx context.Context, id string) (*queue.Job, error)
	List(ctx context.Context, f queue.Filter) ([]queue.Job, error)
	Depth(ctx context.Context) ([]queue.DepthRow, error)
}

// Reader is the read side of the canonical store and review tables.
type Reader interface {
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	EventsForEntity(ctx context.Context, entityID string) ([]model.VersionEvent, error)
	ListParked(ctx context.Context, status model.ParkedStatus, limit int) ([]model.ParkedMatch, error)
	ListRejections(ctx context.Context, limit int) ([]model.Rejection, error)
}

// Server holds the handlers' dependencies.
type Server struct {
	pipeline Pipeline
	jobs     Jobs
	reader   Reader
	metrics  *monitoring.Metrics
	origins  []string
}

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins enables CORS for browser dashboards served from the
// given origins.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// NewServer creates a Server. metrics may be nil, in which case /metrics
// serves the default registry.
func NewServer(p Pipeline, jobs Jobs, reader Reader, metrics *monitoring.Metrics, opts ...Option) *Server {
	s := &Server{pipeline: p, jobs: jobs, reader: reader, metrics: metrics}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/candidates", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleGetJob)

		r.Get("/entities/{id}", s.handleGetEntity)
		r.Get("/entities/{id}/history", s.handleEntityHistory)

		r.Route("/ops", func(r chi.Router) {
			r.Get("/queues", s.handleQueues)
			r.Get("/jobs", s.handleListJobs)
			r.Post("/jobs/{id}/requeue", s.handleRequeue)
			r.Get("/parked", s.handleListParked)
			r.Post("/parked/{id}/resolve", s.handleResolve)
			r.Get("/rejections", s.handleListRejections)
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("ops: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var c model.CandidateRecord
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&c); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := s.pipeline.Submit(r.Context(), c)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newJobView(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	rows, err := s.jobs.Depth(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.metrics.SetQueueDepth(rows)
	writeJSON(w, http.StatusOK, map[string]any{"depth": rows})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := queue.Filter{
		State: queue.State(q.Get("state")),
		Stage: model.Stage(q.Get("stage")),
		Limit: limitParam(r),
	}
	if f.Stage != "" && !f.Stage.Valid() {
		writeMessage(w, http.StatusBadRequest, "unknown stage "+strconv.Quote(string(f.Stage)))
		return
	}
	jobs, err := s.jobs.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]jobView, len(jobs))
	for i := range jobs {
		views[i] = newJobView(&jobs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	job, err := s.pipeline.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleListParked(w http.ResponseWriter, r *http.Request) {
	status := model.ParkedStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.ParkedOpen
	}
	parked, err := s.reader.ListParked(r.Context(), status, limitParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parked": parked})
}

type resolveRequest struct {
	EntityID string `json:"entity_id"`
	New      bool   `json:"new"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if (req.EntityID == "") == !req.New {
		writeMessage(w, http.StatusBadRequest, "exactly one of entity_id or new is required")
		return
	}
	choice := req.EntityID
	if req.New {
		choice = reconcile.ForceNew
	}
	pm, err := s.pipeline.ResolveParked(r.Context(), chi.URLParam(r, "id"), choice)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pm)
}

func (s *Server) handleListRejections(w http.ResponseWriter, r *http.Request) {
	rejections, err := s.reader.ListRejections(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rejections": rejections})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	ent, err := s.reader.GetEntity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (s *Server) handleEntityHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.reader.GetEntity(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	events, err := s.reader.EventsForEntity(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_id": id, "events": events})
}

// jobView is a job with its payload decoded.
type jobView struct {
	*queue.Job
	Payload *model.JobPayload `json:"payload,omitempty"`
}

func newJobView(j *queue.Job) jobView {
	v := jobView{Job: j}
	if p, err := j.DecodePayload(); err == nil {
		v.Payload = &p
	}
	return v
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	switch {
	case err != nil || n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	}
	return n
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrNotRequeueable), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case resilience.IsPermanent(err):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("ops: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeMessage(w, status, http.StatusText(status))
		return
	}
	writeMessage(w, status, err.Error())
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
