package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"titlepilot/internal/domain"
	"titlepilot/internal/experiments"
	"titlepilot/internal/quota"
	"titlepilot/internal/scheduler"
	"titlepilot/internal/store"
)

type Server struct {
	r     *chi.Mux
	svc   *experiments.Service
	quota *quota.Ledger
	sched *scheduler.Service
}

func NewServer(svc *experiments.Service, ledger *quota.Ledger, sched *scheduler.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, svc: svc, quota: ledger, sched: sched}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/experiments", s.createExperiment)
	r.Get("/api/experiments/{id}", s.getExperiment)
	r.Get("/api/experiments/{id}/analytics", s.getAnalytics)
	r.Post("/api/experiments/{id}/pause", s.pauseExperiment)
	r.Post("/api/experiments/{id}/resume", s.resumeExperiment)
	r.Post("/api/experiments/{id}/complete", s.completeExperiment)
	r.Post("/api/experiments/{id}/rotate", s.rotateNow)
	r.Delete("/api/experiments/{id}", s.deleteExperiment)

	r.Get("/api/accounts/{id}/experiments", s.listExperiments)
	r.Get("/api/accounts/{id}/stats", s.accountStats)
	r.Get("/api/accounts/{id}/quota", s.accountQuota)

	r.Get("/api/scheduler/status", s.schedulerStatus)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createExperimentReq struct {
	AccountID   string   `json:"account_id"`
	VideoID     string   `json:"video_id"`
	Variants    []string `json:"variants"`
	RotateEvery string   `json:"rotate_every"` // Go duration, e.g. "1h"
	CronExpr    string   `json:"cron_expr"`
	Policy      string   `json:"policy"`
	EndAt       *string  `json:"end_at"` // RFC3339
}

func (s *Server) createExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	p := experiments.CreateParams{
		AccountID: req.AccountID,
		VideoID:   req.VideoID,
		Variants:  req.Variants,
		CronExpr:  req.CronExpr,
		Policy:    domain.Policy(req.Policy),
	}
	if req.RotateEvery != "" {
		d, err := time.ParseDuration(req.RotateEvery)
		if err != nil {
			http.Error(w, "invalid rotate_every: "+err.Error(), 400)
			return
		}
		p.RotateEvery = d
	}
	if req.EndAt != nil {
		t, err := time.Parse(time.RFC3339, *req.EndAt)
		if err != nil {
			http.Error(w, "invalid end_at: "+err.Error(), 400)
			return
		}
		p.EndAt = &t
	}

	exp, err := s.svc.Create(r.Context(), p)
	if err != nil {
		if errors.Is(err, experiments.ErrValidation) {
			http.Error(w, err.Error(), 400)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, experimentView(exp))
}

func (s *Server) getExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, experimentView(exp))
}

func (s *Server) getAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Analytics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	rotations := make([]map[string]any, 0, len(a.Rotations))
	for _, e := range a.Rotations {
		rotations = append(rotations, map[string]any{
			"rotated_at": e.RotatedAt.Format(time.RFC3339),
			"old_title":  e.OldTitle,
			"new_title":  e.NewTitle,
			"outcome":    e.Outcome,
			"error":      e.Error,
		})
	}
	writeJSON(w, 200, map[string]any{
		"experiment": experimentView(a.Experiment),
		"rotations":  rotations,
	})
}

func (s *Server) pauseExperiment(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.svc.Pause)
}

func (s *Server) resumeExperiment(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.svc.Resume)
}

func (s *Server) completeExperiment(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.svc.Complete)
}

func (s *Server) deleteExperiment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := action(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]string{"id": id, "status": "ok"})
}

func (s *Server) rotateNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.TriggerManualRotation(r.Context(), id); err != nil {
		if errors.Is(err, scheduler.ErrNotClaimable) {
			http.Error(w, "experiment is not active or a rotation is already pending", 409)
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "rotation dispatched"})
}

func (s *Server) listExperiments(w http.ResponseWriter, r *http.Request) {
	exps, err := s.svc.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(exps))
	for _, e := range exps {
		views = append(views, experimentView(e))
	}
	writeJSON(w, 200, views)
}

func (s *Server) accountStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.DashboardStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, stats)
}

func (s *Server) accountQuota(w http.ResponseWriter, r *http.Request) {
	qs, err := s.quota.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, qs)
}

func (s *Server) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.sched.Status())
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, domain.ErrInvalidTransition):
		http.Error(w, err.Error(), 409)
	case errors.Is(err, experiments.ErrValidation):
		http.Error(w, err.Error(), 400)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func experimentView(e domain.Experiment) map[string]any {
	v := map[string]any{
		"id":            e.ID,
		"account_id":    e.AccountID,
		"video_id":      e.VideoID,
		"variants":      e.Variants,
		"variant_index": e.VariantIndex,
		"current_title": e.CurrentTitle(),
		"policy":        e.Policy,
		"status":        e.Status,
		"created_at":    e.CreatedAt.Format(time.RFC3339),
	}
	if e.CronExpr != "" {
		v["cron_expr"] = e.CronExpr
	} else {
		v["rotate_every"] = e.RotateEvery.String()
	}
	if e.NextFireAt != nil {
		v["next_fire_at"] = e.NextFireAt.Format(time.RFC3339)
	}
	if e.EndAt != nil {
		v["end_at"] = e.EndAt.Format(time.RFC3339)
	}
	if e.PauseReason != "" {
		v["pause_reason"] = e.PauseReason
	}
	if e.LastError != "" {
		v["last_error"] = e.LastError
	}
	if e.LastFailureAt != nil {
		v["last_failure_at"] = e.LastFailureAt.Format(time.RFC3339)
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
