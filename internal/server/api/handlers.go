// Package api exposes the pilot registration and authentication endpoints
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/diracgrid/pilotauth/internal/logging"
	"github.com/diracgrid/pilotauth/internal/server/metrics"
	"github.com/diracgrid/pilotauth/internal/server/models"
	"github.com/diracgrid/pilotauth/internal/server/services"
)

// PilotRegistrar is the subset of services.PilotService used by handlers.
type PilotRegistrar interface {
	RegisterPilotsWithCredentials(ctx context.Context, req services.RegisterPilotsRequest) ([]string, error)
	GetPilotByReference(ctx context.Context, ref string) (*models.PilotIdentity, error)
	AssociateJobs(ctx context.Context, ref string, jobIDs []int64) error
	PilotJobIDs(ctx context.Context, ref string) ([]int64, error)
}

// PilotAuthenticator is the subset of services.PilotAuthService used by
// handlers.
type PilotAuthenticator interface {
	Login(ctx context.Context, ref, secret string) (*services.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string, pilot services.AuthenticatedPilot) (*services.TokenPair, error)
	Authenticate(accessToken string) (*services.AuthenticatedPilot, error)
}

// Pinger reports store reachability; *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Handlers struct {
	pilots     PilotRegistrar
	auth       PilotAuthenticator
	db         Pinger
	adminToken string
	logger     logging.Logger
	metrics    *metrics.Metrics
}

// NewHandlers constructs Handlers. m may be nil.
func NewHandlers(p PilotRegistrar, a PilotAuthenticator, db Pinger, adminToken string, l logging.Logger, m *metrics.Metrics) *Handlers {
	return &Handlers{
		pilots:     p,
		auth:       a,
		db:         db,
		adminToken: adminToken,
		logger:     l.With("module", "http_api"),
		metrics:    m,
	}
}

// RegisterRoutes registers the API routes on router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/auth/register-new-pilots", h.requireAdmin(h.registerNewPilots)).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/pilot-login", h.pilotLogin).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/pilot-refresh-token", h.requirePilot(h.pilotRefresh)).Methods(http.MethodPost)

	router.HandleFunc("/api/pilots/info", h.requirePilot(h.pilotInfo)).Methods(http.MethodGet)
	router.HandleFunc("/api/pilots/jobs", h.requirePilot(h.addPilotJobs)).Methods(http.MethodPost)
	router.HandleFunc("/api/pilots/jobs", h.requirePilot(h.listPilotJobs)).Methods(http.MethodGet)

	router.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
}

// Router builds a router with the API routes and middleware installed.
func (h *Handlers) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(h.recoverer, h.metrics.HTTPMiddleware)
	h.RegisterRoutes(router)
	return router
}

type registerRequest struct {
	PilotReferences []string          `json:"pilot_references"`
	VO              string            `json:"vo"`
	GridType        string            `json:"grid_type"`
	PilotStamps     map[string]string `json:"pilot_stamps"`
}

type registerResponse struct {
	Credentials []pilotCredential `json:"credentials"`
}

type pilotCredential struct {
	PilotJobReference string `json:"pilot_job_reference"`
	PilotSecret       string `json:"pilot_secret"`
}

// registerNewPilots handles POST /api/auth/register-new-pilots
func (h *Handlers) registerNewPilots(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	plaintexts, err := h.pilots.RegisterPilotsWithCredentials(r.Context(), services.RegisterPilotsRequest{
		References: req.PilotReferences,
		VO:         req.VO,
		GridType:   req.GridType,
		Stamps:     req.PilotStamps,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := registerResponse{Credentials: make([]pilotCredential, len(plaintexts))}
	for i, secret := range plaintexts {
		resp.Credentials[i] = pilotCredential{PilotJobReference: req.PilotReferences[i], PilotSecret: secret}
	}
	writeJSON(w, http.StatusOK, resp)
}

// pilotLogin handles POST /api/auth/pilot-login
func (h *Handlers) pilotLogin(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("pilot_job_reference")
	secret := r.URL.Query().Get("pilot_secret")
	if ref == "" || secret == "" {
		writeError(w, http.StatusBadRequest, "pilot_job_reference and pilot_secret are required")
		return
	}

	pair, err := h.auth.Login(r.Context(), ref, secret)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(pair))
}

// pilotRefresh handles POST /api/auth/pilot-refresh-token
func (h *Handlers) pilotRefresh(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("refresh_token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pilot, _ := pilotFromContext(r.Context())
	pair, err := h.auth.Refresh(r.Context(), token, pilot)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(pair))
}

type pilotInfoResponse struct {
	PilotJobReference string    `json:"pilot_job_reference"`
	VO                string    `json:"vo"`
	GridType          string    `json:"grid_type"`
	PilotStamp        string    `json:"pilot_stamp"`
	Status            string    `json:"status"`
	SubmissionTime    time.Time `json:"submission_time"`
	Scope             string    `json:"scope"`
}

// pilotInfo handles GET /api/pilots/info
func (h *Handlers) pilotInfo(w http.ResponseWriter, r *http.Request) {
	pilot, _ := pilotFromContext(r.Context())

	p, err := h.pilots.GetPilotByReference(r.Context(), pilot.Reference)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, pilotInfoResponse{
		PilotJobReference: p.PilotJobReference,
		VO:                p.VO,
		GridType:          p.GridType,
		PilotStamp:        p.PilotStamp,
		Status:            string(p.Status),
		SubmissionTime:    p.SubmissionTime,
		Scope:             pilot.Scope,
	})
}

type jobsPayload struct {
	JobIDs []int64 `json:"job_ids"`
}

// addPilotJobs handles POST /api/pilots/jobs
func (h *Handlers) addPilotJobs(w http.ResponseWriter, r *http.Request) {
	pilot, _ := pilotFromContext(r.Context())

	var req jobsPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.pilots.AssociateJobs(r.Context(), pilot.Reference, req.JobIDs); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listPilotJobs handles GET /api/pilots/jobs
func (h *Handlers) listPilotJobs(w http.ResponseWriter, r *http.Request) {
	pilot, _ := pilotFromContext(r.Context())

	ids, err := h.pilots.PilotJobIDs(r.Context(), pilot.Reference)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobsPayload{JobIDs: ids})
}

// healthz handles GET /healthz
func (h *Handlers) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Warn(ctx, "health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, detail)
}

func tokenResponse(p *services.TokenPair) TokenResponse {
	return TokenResponse{
		AccessToken:  p.AccessToken,
		ExpiresIn:    int64(p.ExpiresIn / time.Second),
		TokenType:    "Bearer",
		RefreshToken: p.RefreshToken,
	}
}
