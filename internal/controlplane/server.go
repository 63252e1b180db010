package controlplane

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fentz26/runbox/internal/admission"
	"github.com/fentz26/runbox/internal/connectors"
	"github.com/fentz26/runbox/internal/metrics"
	"github.com/fentz26/runbox/internal/models"
	"github.com/fentz26/runbox/internal/store"
)

// OwnerHeader carries the authenticated owner identity set by the gateway in
// front of the public API.
const OwnerHeader = "X-Runbox-Owner"

// maxBodyBytes bounds request bodies; the input document is the only large
// field.
const maxBodyBytes = admission.MaxInputBytes + 4<<10

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr string
	// APIKey authenticates callers. Empty disables authentication.
	APIKey  string
	Version string
	Logger  *log.Logger
}

// Server provides the HTTP API for runbox.
type Server struct {
	service *Service
	store   *store.Store
	cfg     ServerConfig
	logger  *log.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, st *store.Store, cfg ServerConfig) *Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		service: service,
		store:   st,
		cfg:     cfg,
		logger:  logger.With("component", "http"),
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Handler returns the API's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("GET /metrics", s.requireKey(metrics.Handler()))

	// Public API, scoped to the caller's owner identity.
	mux.Handle("POST /v1/tasks", s.withOwner(s.submitTask))
	mux.Handle("GET /v1/tasks", s.withOwner(s.listOwnerTasks))
	mux.Handle("GET /v1/tasks/{id}", s.withOwner(s.getOwnerTask))
	mux.Handle("POST /v1/tasks/{id}/cancel", s.withOwner(s.cancelOwnerTask))
	mux.Handle("GET /v1/usage", s.withOwner(s.getOwnerUsage))

	// Internal dispatch and operator API.
	mux.Handle("POST /internal/tasks/start", s.requireKey(http.HandlerFunc(s.startTask)))
	mux.Handle("GET /internal/tasks", s.requireKey(http.HandlerFunc(s.listTasks)))
	mux.Handle("GET /internal/tasks/{id}", s.requireKey(http.HandlerFunc(s.getTask)))
	mux.Handle("GET /internal/tasks/{id}/history", s.requireKey(http.HandlerFunc(s.getTaskHistory)))
	mux.Handle("POST /internal/tasks/{id}/cancel", s.requireKey(http.HandlerFunc(s.cancelTask)))
	mux.Handle("GET /internal/workers/status", s.requireKey(http.HandlerFunc(s.workerStatus)))
	mux.Handle("GET /internal/sandboxes", s.requireKey(http.HandlerFunc(s.listSandboxes)))
	mux.Handle("GET /internal/usage", s.requireKey(http.HandlerFunc(s.listUsage)))
	mux.Handle("GET /internal/subscriptions/{owner}", s.requireKey(http.HandlerFunc(s.getSubscription)))
	mux.Handle("PUT /internal/subscriptions/{owner}", s.requireKey(http.HandlerFunc(s.putSubscription)))

	return s.logRequests(mux)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	if s.cfg.APIKey == "" {
		s.logger.Warn("API key is empty, authentication is disabled")
	}
	s.logger.Info("starting runbox daemon", "addr", s.cfg.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

// authorized compares the bearer token with the API key in constant time.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.APIKey == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) == 1
}

func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, owner string)

// withOwner authenticates the caller and extracts the owner identity. The
// owner is never read from the request body.
func (s *Server) withOwner(next ownerHandler) http.Handler {
	return s.requireKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(OwnerHeader)
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized", OwnerHeader+" header is required")
			return
		}
		if !admission.ValidOwner(owner) {
			writeError(w, http.StatusBadRequest, string(admission.CodeInvalidOwner), "malformed owner identity")
			return
		}
		next(w, r, owner)
	}))
}

// --- Responses ---

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// rejectionStatus maps admission codes to HTTP statuses.
var rejectionStatus = map[admission.Code]int{
	admission.CodeInvalidTaskType:          http.StatusBadRequest,
	admission.CodeInvalidInput:             http.StatusBadRequest,
	admission.CodeInvalidOwner:             http.StatusBadRequest,
	admission.CodeQuotaExceeded:            http.StatusForbidden,
	admission.CodeConcurrencyLimitExceeded: http.StatusTooManyRequests,
	admission.CodeDuplicateTask:            http.StatusConflict,
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *admission.RejectionError
	switch {
	case errors.As(err, &rej):
		status, ok := rejectionStatus[rej.Code]
		if !ok {
			status = http.StatusBadRequest
		}
		writeError(w, status, string(rej.Code), rej.Error())
	case errors.Is(err, ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrInvalidPeriod), errors.Is(err, ErrUnknownPlan),
		errors.Is(err, ErrInvalidSubscription), errors.Is(err, ErrInvalidOwner):
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "Internal", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, string(admission.CodeInvalidInput), "invalid json: "+err.Error())
		return false
	}
	return true
}

// --- Health ---

// HealthResponse is the body of /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
		return
	}

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: s.cfg.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// --- Task Handlers ---

// SubmitRequest is the body of POST /v1/tasks.
type SubmitRequest struct {
	TaskID string          `json:"task_id,omitempty"`
	Type   string          `json:"type"`
	Input  json.RawMessage `json:"input"`
}

// StartRequest is the body of POST /internal/tasks/start.
type StartRequest struct {
	TaskID string          `json:"task_id,omitempty"`
	Owner  string          `json:"owner"`
	Type   string          `json:"type"`
	Input  json.RawMessage `json:"input"`
}

// SubmitResponse acknowledges an admitted task.
type SubmitResponse struct {
	TaskID  string            `json:"task_id"`
	Status  models.TaskStatus `json:"status"`
	Plan    string            `json:"plan"`
	Overage bool              `json:"overage"`
}

// CancelResponse reports the status a cancel request left the task in.
type CancelResponse struct {
	TaskID string            `json:"task_id"`
	Status models.TaskStatus `json:"status"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request, owner string) {
	var req SubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.admit(w, r, owner, req.Type, req.Input, req.TaskID)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.admit(w, r, req.Owner, req.Type, req.Input, req.TaskID)
}

func (s *Server) admit(w http.ResponseWriter, r *http.Request, owner, taskType string, input json.RawMessage, taskID string) {
	task, err := s.service.SubmitTask(r.Context(), owner, taskType, input, taskID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{
		TaskID:  task.ID,
		Status:  task.Status,
		Plan:    task.Plan,
		Overage: task.Overage,
	})
}

func (s *Server) getOwnerTask(w http.ResponseWriter, r *http.Request, owner string) {
	s.writeTask(w, r, owner)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	s.writeTask(w, r, "")
}

func (s *Server) writeTask(w http.ResponseWriter, r *http.Request, owner string) {
	task, err := s.service.GetTask(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) listOwnerTasks(w http.ResponseWriter, r *http.Request, owner string) {
	s.writeTasks(w, r, owner)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	s.writeTasks(w, r, r.URL.Query().Get("owner"))
}

func (s *Server) writeTasks(w http.ResponseWriter, r *http.Request, owner string) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "BadRequest", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	tasks, err := s.service.ListTasks(r.Context(), owner, q.Get("status"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) cancelOwnerTask(w http.ResponseWriter, r *http.Request, owner string) {
	s.cancel(w, r, owner)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	s.cancel(w, r, "")
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request, owner string) {
	id := r.PathValue("id")
	status, err := s.service.CancelTask(r.Context(), owner, id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{TaskID: id, Status: status})
}

func (s *Server) getTaskHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.TaskHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Usage Handlers ---

func (s *Server) getOwnerUsage(w http.ResponseWriter, r *http.Request, owner string) {
	rec, err := s.service.Usage(r.Context(), owner, r.URL.Query().Get("period"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listUsage(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.ListUsage(r.Context(), r.URL.Query().Get("period"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if records == nil {
		records = []models.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Worker Handlers ---

func (s *Server) workerStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.WorkerStatus(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listSandboxes(w http.ResponseWriter, r *http.Request) {
	containers, err := s.service.Sandboxes(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if containers == nil {
		containers = []connectors.ContainerInfo{}
	}
	writeJSON(w, http.StatusOK, containers)
}

// --- Subscription Handlers ---

// SubscriptionRequest is the body of PUT /internal/subscriptions/{owner}.
type SubscriptionRequest struct {
	Plan   string                    `json:"plan"`
	Status models.SubscriptionStatus `json:"status,omitempty"`
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Plan(r.Context(), r.PathValue("owner"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) putSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := s.service.SetSubscription(r.Context(), r.PathValue("owner"), req.Plan, req.Status)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}
