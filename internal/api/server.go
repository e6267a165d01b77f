package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"studyflow/internal/auth"
	"studyflow/internal/domain"
	"studyflow/internal/metrics"
	"studyflow/internal/store"
	"studyflow/internal/task"
	"studyflow/internal/tasks"
)

type ctxKey int

const userKey ctxKey = iota

// Server exposes the REST surface: AI task enqueue endpoints, task status,
// the registry catalog, read-back of persisted artifacts, and the WebSocket
// upgrade route.
type Server struct {
	store    *store.Store
	registry *task.Registry
	issuer   *auth.Issuer
	validate *validator.Validate
}

// New builds the chi handler. wsHandler serves GET /ws; it authenticates via
// a token query parameter instead of the bearer header.
func New(st *store.Store, registry *task.Registry, issuer *auth.Issuer, wsHandler http.Handler, enableDebug bool) http.Handler {
	s := &Server{
		store:    st,
		registry: registry,
		issuer:   issuer,
		validate: validator.New(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Post("/api/auth/token", s.issueToken)
	r.Handle("/ws", wsHandler)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/api/courses/generate", s.generateCourse)
		r.Post("/api/schedule/generate", s.generateSchedule)
		r.Post("/api/resources/recommend", s.recommendResources)

		r.Post("/api/tasks", s.submitTask)
		r.Get("/api/tasks/catalog", s.taskCatalog)
		r.Get("/api/tasks/{id}", s.getTask)

		r.Get("/api/courses", s.listCourses)
		r.Get("/api/schedule/blocks", s.listScheduleBlocks)
		r.Get("/api/resources", s.listResources)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// issueToken mints a bearer token for a user ID. Identity itself lives in an
// upstream provider; this endpoint stands in for its token exchange.
func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id" validate:"required"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	token, err := s.issuer.Issue(req.UserID)
	if err != nil {
		http.Error(w, "token issue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		userID, err := s.issuer.Verify(header[len(prefix):])
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	})
}

func currentUser(r *http.Request) string {
	uid, _ := r.Context().Value(userKey).(string)
	return uid
}

type enqueueResp struct {
	ID string `json:"id"`
}

type generateCourseReq struct {
	Topic string `json:"topic" validate:"required,min=2,max=200"`
	Level string `json:"level" validate:"omitempty,oneof=beginner intermediate advanced"`
}

func (s *Server) generateCourse(w http.ResponseWriter, r *http.Request) {
	var req generateCourseReq
	if !s.decode(w, r, &req) {
		return
	}
	s.enqueueFor(w, r, tasks.TypeCourseGenerate, tasks.CourseArgs{Topic: req.Topic, Level: req.Level})
}

type generateScheduleReq struct {
	Blocks []tasks.BlockInput `json:"blocks" validate:"required,min=1,max=50"`
}

func (s *Server) generateSchedule(w http.ResponseWriter, r *http.Request) {
	var req generateScheduleReq
	if !s.decode(w, r, &req) {
		return
	}
	s.enqueueFor(w, r, tasks.TypeScheduleGenerate, tasks.ScheduleArgs{Blocks: req.Blocks})
}

type recommendResourcesReq struct {
	Topics []string `json:"topics" validate:"required,min=1,max=10,dive,min=2,max=200"`
	Limit  int      `json:"limit" validate:"omitempty,min=1,max=10"`
}

func (s *Server) recommendResources(w http.ResponseWriter, r *http.Request) {
	var req recommendResourcesReq
	if !s.decode(w, r, &req) {
		return
	}
	s.enqueueFor(w, r, tasks.TypeResourceRecommend, tasks.ResourceArgs{Topics: req.Topics, Limit: req.Limit})
}

// enqueueFor enqueues a named task for the authenticated user and answers
// 202 with the invocation ID the client can poll and correlate events by.
func (s *Server) enqueueFor(w http.ResponseWriter, r *http.Request, taskType string, args any) {
	payload, err := json.Marshal(args)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	t := domain.Task{
		Type:        taskType,
		UserID:      currentUser(r),
		Payload:     payload,
		MaxAttempts: 3,
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		t.IdempotencyKey = &key
	}
	id, err := s.store.Enqueue(r.Context(), t)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResp{ID: id})
}

type submitReq struct {
	Type           string          `json:"type" validate:"required"`
	Payload        json.RawMessage `json:"payload"`
	MaxAttempts    int             `json:"max_attempts" validate:"omitempty,min=1,max=10"`
	IdempotencyKey *string         `json:"idempotency_key"`
}

// submitTask is the generic enqueue endpoint. Unknown names are rejected
// here, against the closed registry, rather than at execution time.
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if !s.decode(w, r, &req) {
		return
	}
	if _, ok := s.registry.Lookup(req.Type); !ok {
		http.Error(w, "unknown task type: "+req.Type, http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	id, err := s.store.Enqueue(r.Context(), domain.Task{
		Type:           req.Type,
		UserID:         currentUser(r),
		Payload:        req.Payload,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResp{ID: id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.store.Get(r.Context(), id)
	// Userless (periodic/maintenance) invocations are operator-internal;
	// their status is visible via logs and metrics, not the user API.
	if err != nil || t.UserID != currentUser(r) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           t.ID,
		"type":         t.Type,
		"state":        t.State,
		"attempts":     t.Attempts,
		"max_attempts": t.MaxAttempts,
		"next_run_at":  t.NextRunAt.Format(time.RFC3339),
	})
}

func (s *Server) taskCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) listCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := s.store.ListCourses(r.Context(), currentUser(r))
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(courses))
}

func (s *Server) listScheduleBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := s.store.ListScheduleBlocks(r.Context(), currentUser(r))
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(blocks))
}

func (s *Server) listResources(w http.ResponseWriter, r *http.Request) {
	resources, err := s.store.ListResources(r.Context(), currentUser(r))
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(resources))
}

// decode unmarshals and validates the request body, answering 400 itself.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			http.Error(w, "invalid field: "+verrs[0].Namespace(), http.StatusBadRequest)
			return false
		}
		http.Error(w, "validation failed", http.StatusBadRequest)
		return false
	}
	return true
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
