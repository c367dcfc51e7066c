package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/cuemby/foundry/pkg/health"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/metrics"
	"github.com/cuemby/foundry/pkg/orchestrator"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// slugRe constrains external names to what the provider accepts as a
// script name
var slugRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// maxArchiveBytes bounds uploaded project archives
const maxArchiveBytes = 256 << 20

// DeployConfig configures the deploy service ingress
type DeployConfig struct {
	AuthToken string
}

// WorkerDeleter removes deployed workers from the provider
type WorkerDeleter interface {
	DeleteWorker(ctx context.Context, namespace, scriptName string) error
}

// DeployHandler serves the deploy service HTTP API
type DeployHandler struct {
	cfg      DeployConfig
	registry *orchestrator.Registry
	deployer WorkerDeleter
	health   *health.Registry
	logger   zerolog.Logger
}

// NewDeployHandler creates the deploy service handler
func NewDeployHandler(cfg DeployConfig, registry *orchestrator.Registry, deployer WorkerDeleter, healthReg *health.Registry) *DeployHandler {
	return &DeployHandler{
		cfg:      cfg,
		registry: registry,
		deployer: deployer,
		health:   healthReg,
		logger:   log.WithComponent("api"),
	}
}

// Router builds the deploy service route tree
func (h *DeployHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	r.Get("/healthz", h.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(h.cfg.AuthToken))
		r.Post("/deploy", h.handleDeploy)
		r.Post("/deploy-archive", h.handleDeployArchive)
		r.Get("/deploy/{buildID}/status", h.handleStatus)
		r.Get("/deploy/{buildID}/events", h.handleEvents)
		r.Delete("/deploy/{buildID}", h.handleCancel)
		r.Delete("/worker/{slug}", h.handleDeleteWorker)
	})

	return r
}

type deployRequest struct {
	Slug           string               `json:"slug"`
	Provider       string               `json:"provider"`
	RepoSource     string               `json:"repoSource"`
	AccessToken    string               `json:"accessToken,omitempty"`
	Branch         string               `json:"branch,omitempty"`
	CancelBuildIDs []string             `json:"cancelBuildIds,omitempty"`
	EnvVars        []types.SealedEnvVar `json:"envVars,omitempty"`
}

type deployResponse struct {
	BuildID string            `json:"buildId"`
	Slug    string            `json:"slug"`
	Status  types.BuildStatus `json:"status"`
}

func (h *DeployHandler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !slugRe.MatchString(req.Slug) {
		writeError(w, http.StatusBadRequest, "invalid slug")
		return
	}
	if req.RepoSource == "" {
		writeError(w, http.StatusBadRequest, "repoSource is required")
		return
	}

	// Superseded builds are cancelled best-effort before the new one
	// starts
	for _, id := range req.CancelBuildIDs {
		h.cancelPrior(id)
	}

	buildID := uuid.New().String()
	o, err := h.registry.GetOrCreate(buildID)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create orchestrator")
		writeError(w, http.StatusInternalServerError, "failed to create build")
		return
	}

	resp, err := o.Start(orchestrator.StartRequest{
		BuildID: buildID,
		Slug:    req.Slug,
		Source: types.BuildSource{
			Type: types.SourceTypeGit,
			Git: &types.GitSource{
				Provider:    req.Provider,
				RepoSource:  req.RepoSource,
				Branch:      req.Branch,
				AccessToken: req.AccessToken,
			},
		},
		EnvVars: req.EnvVars,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("build_id", buildID).Msg("Failed to start build")
		writeError(w, http.StatusInternalServerError, "failed to start build")
		return
	}

	writeJSON(w, http.StatusAccepted, deployResponse{BuildID: buildID, Slug: req.Slug, Status: resp.Status})
}

func (h *DeployHandler) cancelPrior(buildID string) {
	o, err := h.registry.Get(buildID)
	if err != nil {
		return
	}
	result := o.Cancel("superseded by a newer deploy")
	if !result.Cancelled && result.Reason != orchestrator.CancelReasonAlreadyFinished {
		h.logger.Warn().Str("build_id", buildID).Str("reason", result.Reason).Msg("Failed to cancel prior build")
	}
}

func (h *DeployHandler) handleDeployArchive(w http.ResponseWriter, r *http.Request) {
	slug := r.Header.Get("X-Slug")
	if slug == "" {
		writeError(w, http.StatusBadRequest, "X-Slug header is required")
		return
	}
	if !slugRe.MatchString(slug) {
		writeError(w, http.StatusBadRequest, "invalid slug")
		return
	}

	var envVars []types.SealedEnvVar
	if raw := r.Header.Get("X-Env-Vars"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &envVars); err != nil {
			writeError(w, http.StatusBadRequest, "invalid X-Env-Vars header")
			return
		}
	}

	archive, err := io.ReadAll(io.LimitReader(r.Body, maxArchiveBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read archive body")
		return
	}
	if len(archive) == 0 {
		writeError(w, http.StatusBadRequest, "archive body is empty")
		return
	}
	if len(archive) > maxArchiveBytes {
		writeError(w, http.StatusBadRequest, "archive too large")
		return
	}

	buildID := uuid.New().String()
	o, err := h.registry.GetOrCreate(buildID)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create orchestrator")
		writeError(w, http.StatusInternalServerError, "failed to create build")
		return
	}

	resp, err := o.StartFromArchive(orchestrator.StartRequest{
		BuildID: buildID,
		Slug:    slug,
		Source:  types.BuildSource{Type: types.SourceTypeArchive},
		EnvVars: envVars,
	}, archive)
	if err != nil {
		h.logger.Error().Err(err).Str("build_id", buildID).Msg("Failed to start archive build")
		writeError(w, http.StatusInternalServerError, "failed to start build")
		return
	}

	writeJSON(w, http.StatusAccepted, deployResponse{BuildID: buildID, Slug: slug, Status: resp.Status})
}

type statusResponse struct {
	Status      types.BuildStatus `json:"status"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	ProjectType types.ProjectType `json:"projectType,omitempty"`
}

func (h *DeployHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	o, err := h.registry.Get(chi.URLParam(r, "buildID"))
	if err != nil {
		h.notFoundOrError(w, err)
		return
	}
	build, err := o.Status()
	if err != nil {
		h.notFoundOrError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:      build.Status,
		UpdatedAt:   build.UpdatedAt,
		StartedAt:   build.StartedAt,
		CompletedAt: build.CompletedAt,
		ProjectType: build.ProjectType,
	})
}

func (h *DeployHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	o, err := h.registry.Get(chi.URLParam(r, "buildID"))
	if err != nil {
		h.notFoundOrError(w, err)
		return
	}

	events := o.Events()
	if events == nil {
		events = []types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *DeployHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "buildID")
	o, err := h.registry.Get(buildID)
	if err != nil {
		h.notFoundOrError(w, err)
		return
	}

	result := o.Cancel("")
	if !result.Cancelled {
		writeError(w, http.StatusBadRequest, result.Reason)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *DeployHandler) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if !slugRe.MatchString(slug) {
		writeError(w, http.StatusBadRequest, "invalid slug")
		return
	}

	if err := h.deployer.DeleteWorker(r.Context(), "", slug); err != nil {
		h.logger.Error().Err(err).Str("slug", slug).Msg("Failed to delete worker")
		writeError(w, http.StatusInternalServerError, "failed to delete worker")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "worker " + slug + " deleted",
	})
}

func (h *DeployHandler) notFoundOrError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "build not found")
		return
	}
	h.logger.Error().Err(err).Msg("Request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (h *DeployHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	handleHealthz(w, r, h.health)
}
