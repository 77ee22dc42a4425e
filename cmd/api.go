package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/lead-assess/internal/cost"
	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/internal/orchestrator"
	"github.com/sells-group/lead-assess/internal/store"
)

// submitRequest is the POST /jobs body.
type submitRequest struct {
	URL          string   `json:"url"`
	Name         string   `json:"name"`
	Phone        string   `json:"phone"`
	City         string   `json:"city"`
	State        string   `json:"state"`
	LeadID       string   `json:"lead_id"`
	Industry     string   `json:"industry"`
	Pipeline     string   `json:"pipeline"`
	Kinds        []string `json:"kinds"`
	DeadlineSecs int      `json:"deadline_secs"`
}

// api serves the job submission endpoints.
type api struct {
	sup   *orchestrator.Supervisor
	meter cost.Meter
}

// buildRouter wires the HTTP API. meter may be nil.
func buildRouter(sup *orchestrator.Supervisor, meter cost.Meter, allowedOrigins []string) http.Handler {
	a := &api{sup: sup, meter: meter}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	r.Get("/budget", a.budget)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", a.submit)
		r.Get("/", a.list)
		r.Get("/{id}", a.poll)
		r.Delete("/{id}", a.cancel)
	})
	return r
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": a.sup.Running(),
	})
}

func (a *api) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	opts := orchestrator.Options{
		Pipeline: req.Pipeline,
		Deadline: time.Duration(req.DeadlineSecs) * time.Second,
	}
	if req.Kinds != nil {
		kinds, err := orchestrator.ParseKinds(req.Kinds)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Kinds = kinds
	}

	subject := model.Subject{
		URL:      req.URL,
		Name:     req.Name,
		Phone:    req.Phone,
		City:     req.City,
		State:    req.State,
		LeadID:   req.LeadID,
		Industry: req.Industry,
	}
	id, err := a.sup.Submit(r.Context(), subject, opts)
	switch {
	case errors.Is(err, orchestrator.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, orchestrator.ErrSupervisorFatal):
		zap.L().Error("api: submit failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": id,
		"status": string(model.JobPending),
	})
}

func (a *api) poll(w http.ResponseWriter, r *http.Request) {
	js, err := a.sup.Poll(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		zap.L().Error("api: poll failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not read job")
		return
	}
	writeJSON(w, http.StatusOK, js)
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if a.sup.Cancel(id) {
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
		return
	}
	js, err := a.sup.Poll(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not read job")
		return
	}
	writeError(w, http.StatusConflict, "job is "+string(js.State)+", not running here")
}

func (a *api) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{State: model.LifecycleState(q.Get("state"))}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since duration")
			return
		}
		filter.Since = time.Now().Add(-d)
	}

	jobs, err := a.sup.List(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list jobs")
		return
	}
	if jobs == nil {
		jobs = []model.JobStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *api) budget(w http.ResponseWriter, r *http.Request) {
	if a.meter == nil {
		writeError(w, http.StatusNotFound, "budget ledger not configured")
		return
	}
	snap, err := a.meter.Snapshot(r.Context())
	if err != nil {
		zap.L().Error("api: budget snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not read budget")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot":      snap,
		"remaining_usd": snap.RemainingUSD(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
