package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"renderbus/internal/repository"
	"renderbus/internal/service"
)

const defaultLedgerPageSize = 50

// Handler exposes the read side of the system plus account provisioning.
// Job processing itself is event-driven; there is no synchronous submit
// endpoint because the rejection/routed event stream is the reply channel.
type Handler struct {
	router     *service.Router
	reconciler *service.Reconciler
	gatherer   prometheus.Gatherer
}

func NewHandler(router *service.Router, reconciler *service.Reconciler, gatherer prometheus.Gatherer) *Handler {
	return &Handler{router: router, reconciler: reconciler, gatherer: gatherer}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /jobs/{jobId}", h.Job)
	mux.HandleFunc("POST /accounts", h.CreateAccount)
	mux.HandleFunc("GET /balance", h.Balance)
	mux.HandleFunc("GET /ledger", h.Ledger)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) Job(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_job_id")
		return
	}
	job, err := h.router.Job(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			h.respondError(w, http.StatusNotFound, "job_not_found")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string `json:"userId"`
		InitialCents int64  `json:"initialCents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.UserID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_user_id")
		return
	}
	if err := h.reconciler.CreateAccount(r.Context(), req.UserID, req.InitialCents); err != nil {
		if errors.Is(err, repository.ErrAlreadyProcessed) {
			h.respondError(w, http.StatusConflict, "account_exists")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_user_id")
		return
	}
	balance, err := h.reconciler.Balance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			h.respondError(w, http.StatusNotFound, "account_not_found")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int64{"balanceCents": balance})
}

func (h *Handler) Ledger(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_user_id")
		return
	}
	limit := defaultLedgerPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.respondError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = parsed
	}
	entries, err := h.reconciler.Entries(r.Context(), userID, limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
