package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/cortexhub/cortex/internal/deploy"
	"github.com/cortexhub/cortex/pkg/models"
)

// StartExport handles POST /admin/deployment/export. The export runs as
// the singleton deployment job; a busy runner returns the active job.
func (h *Handlers) StartExport(w http.ResponseWriter, r *http.Request) {
	var opts deploy.ExportOptions
	if err := decodeBody(r, &opts); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	job, started := h.Jobs.Submit(r.Context(), models.JobExport,
		func(ctx context.Context, progress func(string, float64)) (any, error) {
			return h.Deploy.Export(ctx, opts, progress)
		})
	status := http.StatusAccepted
	if !started {
		status = http.StatusConflict
	}
	respondJSON(w, status, job)
}

// StartImportDB handles POST /admin/deployment/import-db.
func (h *Handlers) StartImportDB(w http.ResponseWriter, r *http.Request) {
	var opts deploy.ImportDBOptions
	if err := decodeBody(r, &opts); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	job, started := h.Jobs.Submit(r.Context(), models.JobImportDB,
		func(ctx context.Context, progress func(string, float64)) (any, error) {
			return nil, h.Deploy.ImportDB(ctx, opts, progress)
		})
	status := http.StatusAccepted
	if !started {
		status = http.StatusConflict
	}
	respondJSON(w, status, job)
}

// StartImportModel handles POST /admin/deployment/import-model. Unlike
// the bulk jobs it runs inline; the checks are quick and the caller
// wants the created row.
func (h *Handlers) StartImportModel(w http.ResponseWriter, r *http.Request) {
	var opts deploy.ImportModelOptions
	if err := decodeBody(r, &opts); err != nil || opts.Manifest == "" {
		badRequest(w, r, "manifest is required")
		return
	}
	m, err := h.Deploy.ImportModel(r.Context(), opts, nil)
	if err != nil {
		var ce *deploy.ChecksumError
		switch {
		case errors.As(err, &ce):
			respondErr(w, r, http.StatusConflict, models.APIError{
				Message: err.Error(),
				Type:    models.ErrTypeInvalidRequest,
				Code:    models.ErrCodeChecksumMismatch,
			})
		case errors.Is(err, deploy.ErrNameConflict):
			respondErr(w, r, http.StatusConflict, models.APIError{
				Message: err.Error(),
				Type:    models.ErrTypeInvalidRequest,
				Code:    models.ErrCodeNameConflict,
			})
		default:
			badRequest(w, r, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

// DeploymentStatus handles GET /admin/deployment/status.
// CancelDeployment handles POST /admin/deployment/cancel. Cancellation
// is cooperative: the job winds down at its next checkpoint.
func (h *Handlers) CancelDeployment(w http.ResponseWriter, r *http.Request) {
	job := h.Jobs.Cancel()
	if job == nil {
		respondErr(w, r, http.StatusNotFound, models.APIError{
			Message: "no deployment job is running",
			Type:    models.ErrTypeInvalidRequest,
		})
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

func (h *Handlers) DeploymentStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.Jobs.Status(r.Context())
	if err != nil {
		respondStoreErr(w, r, err)
		return
	}
	if job == nil {
		respondJSON(w, http.StatusOK, map[string]any{"job": nil})
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// ModelManifests handles GET /admin/deployment/model-manifests.
func (h *Handlers) ModelManifests(w http.ResponseWriter, r *http.Request) {
	names, err := h.Deploy.ListModelManifests(r.URL.Query().Get("dir"))
	if err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"manifests": names})
}

// LoadImages handles POST /admin/deployment/load-images: load exported
// image tarballs into the local container runtime.
func (h *Handlers) LoadImages(w http.ResponseWriter, r *http.Request) {
	var opts struct {
		Dir           string `json:"dir,omitempty"`
		SkipChecksums bool   `json:"skip_checksums"`
	}
	if err := decodeBody(r, &opts); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	job, started := h.Jobs.Submit(r.Context(), models.JobImportModel,
		func(ctx context.Context, progress func(string, float64)) (any, error) {
			return nil, h.Deploy.LoadImages(ctx, opts.Dir, opts.SkipChecksums, progress)
		})
	status := http.StatusAccepted
	if !started {
		status = http.StatusConflict
	}
	respondJSON(w, status, job)
}
