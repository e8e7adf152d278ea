// Package api exposes the ingestion HTTP interface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ebenwert/ingestd/internal/ingest"
	"github.com/ebenwert/ingestd/internal/metrics"
	"github.com/ebenwert/ingestd/internal/safety"
)

// Guard validates submitted URLs before a task is accepted.
type Guard interface {
	Validate(ctx context.Context, raw string) (*safety.ValidatedURL, error)
}

// Enqueuer hands accepted tasks to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg ingest.TaskMessage) error
}

// Config tunes the HTTP server.
type Config struct {
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// Server routes ingestion requests.
type Server struct {
	cfg    Config
	tasks  ingest.TaskStore
	docs   ingest.DocumentStore
	guard  Guard
	queue  Enqueuer
	ids    ingest.IDGenerator
	clock  ingest.Clock
	logger *zap.Logger
	router chi.Router
}

// NewServer wires routes and middleware.
func NewServer(cfg Config, tasks ingest.TaskStore, docs ingest.DocumentStore, guard Guard, queue Enqueuer, ids ingest.IDGenerator, clock ingest.Clock, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg.withDefaults(),
		tasks:  tasks,
		docs:   docs,
		guard:  guard,
		queue:  queue,
		ids:    ids,
		clock:  clock,
		logger: logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks/{task_id}", s.handleGetTask)
		r.Post("/tasks/{task_id}/dismiss", s.handleDismissTask)
		r.Get("/documents/{document_id}", s.handleGetDocument)
		r.Get("/collections/{collection_id}/documents", s.handleListDocuments)
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createTaskRequest struct {
	URL          string `json:"url"`
	CollectionID int64  `json:"collection_id"`
}

type createTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// handleCreateTask validates the URL synchronously so obviously unsafe
// submissions are rejected before a task row exists. The rejection reason is
// logged here; the client only ever sees the generic message.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	if _, err := s.guard.Validate(r.Context(), safety.NormalizeURL(req.URL)); err != nil {
		var rejected *ingest.URLRejectedError
		if errors.As(err, &rejected) {
			s.logger.Warn("submission rejected",
				zap.String("url", rejected.URL),
				zap.String("reason", string(rejected.Reason)),
				zap.String("detail", rejected.Detail))
			writeError(w, http.StatusBadRequest, ingest.GenericRejectionMessage)
			return
		}
		s.logger.Error("url validation failed", zap.Error(err))
		writeError(w, http.StatusBadRequest, ingest.GenericRejectionMessage)
		return
	}

	taskID, err := s.ids.NewID()
	if err != nil {
		s.logger.Error("id generation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	task := ingest.TaskRecord{
		ID:           taskID,
		Source:       ingest.SourceCrawledURL,
		CollectionID: req.CollectionID,
		Status:       ingest.TaskStatusPending,
		CreatedAt:    s.now(),
	}
	if err := s.tasks.CreateTask(r.Context(), task); err != nil {
		s.logger.Error("create task failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	msg := ingest.TaskMessage{
		TaskID:       taskID,
		URL:          req.URL,
		CollectionID: req.CollectionID,
		Submitted:    s.now().Unix(),
	}
	if err := s.queue.Enqueue(r.Context(), msg); err != nil {
		s.logger.Error("enqueue failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "ingestion queue is full, try again later")
		return
	}

	writeJSON(w, http.StatusAccepted, createTaskResponse{TaskID: taskID, Status: string(ingest.TaskStatusPending)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	task, err := s.tasks.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleDismissTask cancels a task. A PENDING task is dismissed before it is
// claimed; an IN_PROGRESS task is marked so the worker's next dismissal check
// abandons it. Terminal tasks cannot be dismissed.
func (s *Server) handleDismissTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	if _, err := s.tasks.GetTask(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	for _, from := range []ingest.TaskStatus{ingest.TaskStatusPending, ingest.TaskStatusInProgress} {
		ok, err := s.tasks.TransitionTask(r.Context(), id, from, ingest.TaskStatusDismissed, "dismissed by user", 0)
		if err != nil {
			s.logger.Error("dismiss failed", zap.String("task_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if ok {
			writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": string(ingest.TaskStatusDismissed)})
			return
		}
	}
	writeError(w, http.StatusConflict, "task already finished")
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "document_id")
	doc, err := s.docs.GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	collectionID, err := strconv.ParseInt(chi.URLParam(r, "collection_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid collection id")
		return
	}
	docs, err := s.docs.ListDocuments(r.Context(), collectionID)
	if err != nil {
		s.logger.Error("list documents failed", zap.Int64("collection_id", collectionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if docs == nil {
		docs = []ingest.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
