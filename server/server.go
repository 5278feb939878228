// Package server exposes the sync engine's trigger surface over HTTP:
// start, inspect, and cancel imports, push order updates, metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-catalog-sync/models"
	"github.com/aluiziolira/go-catalog-sync/scheduler"
)

// ImportService is the engine surface the HTTP layer drives.
type ImportService interface {
	StartImport(ctx context.Context, filter string, mode models.SyncMode) (*models.ImportJob, error)
	Status(ctx context.Context) (*models.ImportStatus, error)
	Cancel(ctx context.Context, jobID string) error
	PushOrder(ctx context.Context, update *models.OrderUpdate) error
}

// Handler serves the trigger API.
type Handler struct {
	service ImportService
}

// NewHandler builds the HTTP handler over the import service.
func NewHandler(service ImportService) *Handler {
	return &Handler{service: service}
}

// NewRouter assembles the routes. The metrics registry may be nil when
// no metrics endpoint is wanted.
func NewRouter(handler *Handler, metrics *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/imports", func(r chi.Router) {
			r.Post("/", handler.startImport)
			r.Get("/status", handler.importStatus)
			r.Delete("/{job_id}", handler.cancelImport)
		})
		r.Post("/orders", handler.pushOrder)
	})
	return r
}

type startImportRequest struct {
	Filter   string `json:"filter"`
	SyncMode string `json:"sync_mode"`
}

func (h *Handler) startImport(w http.ResponseWriter, r *http.Request) {
	var req startImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode := models.SyncMode(req.SyncMode)
	if req.SyncMode == "" {
		mode = models.SyncAll
	}
	if !mode.Valid() {
		writeError(w, http.StatusBadRequest, "sync_mode must be \"all\" or \"new_only\"")
		return
	}

	job, err := h.service.StartImport(r.Context(), req.Filter, mode)
	switch {
	case errors.Is(err, scheduler.ErrImportRunning):
		writeError(w, http.StatusConflict, "an import is already running")
	case errors.Is(err, scheduler.ErrAdmissionDenied):
		writeError(w, http.StatusTooManyRequests, "rate limit reached, try again later")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, job)
	}
}

func (h *Handler) importStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Status(r.Context())
	switch {
	case errors.Is(err, scheduler.ErrNoJob):
		writeError(w, http.StatusNotFound, "no import job found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, status)
	}
}

func (h *Handler) cancelImport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	err := h.service.Cancel(r.Context(), jobID)
	switch {
	case errors.Is(err, scheduler.ErrNoJob):
		writeError(w, http.StatusNotFound, "no matching import job")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusNoContent, nil)
	}
}

func (h *Handler) pushOrder(w http.ResponseWriter, r *http.Request) {
	var update models.OrderUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.service.PushOrder(r.Context(), &update)
	switch {
	case errors.Is(err, scheduler.ErrAdmissionDenied):
		writeError(w, http.StatusTooManyRequests, "rate limit reached, try again later")
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}
