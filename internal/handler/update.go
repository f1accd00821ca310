package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dukerupert/upkeep/internal/auth"
	"github.com/dukerupert/upkeep/internal/model"
	"github.com/dukerupert/upkeep/internal/store"
	"github.com/dukerupert/upkeep/internal/update"
)

// Updater is implemented by *update.Service.
type Updater interface {
	StartUpdate(ctx context.Context, check *model.VersionCheck, initiatedBy *string, opts update.Options) (*model.SystemUpdate, <-chan error, error)
	RollbackUpdate(ctx context.Context, updateID int64) (*model.SystemUpdate, error)
	CanRollback(u *model.SystemUpdate) (bool, string)
}

type UpdateHandler struct {
	// ctx bounds background updates. It outlives any single request.
	ctx     context.Context
	updater Updater
	checker Checker
	updates *store.SystemUpdateStore
	logger  *slog.Logger
}

func NewUpdateHandler(ctx context.Context, u Updater, c Checker, updates *store.SystemUpdateStore, logger *slog.Logger) *UpdateHandler {
	return &UpdateHandler{ctx: ctx, updater: u, checker: c, updates: updates, logger: logger}
}

type updateResponse struct {
	*model.SystemUpdate
	CanRollback    bool   `json:"can_rollback"`
	RollbackReason string `json:"rollback_reason,omitempty"`
}

func (h *UpdateHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.updates.List(parseLimit(r))
	if err != nil {
		h.logger.Error("list updates", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list updates")
		return
	}
	if list == nil {
		list = []model.SystemUpdate{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *UpdateHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	u, err := h.updates.GetByID(id)
	if err != nil {
		h.logger.Error("get update", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get update")
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "update not found")
		return
	}
	ok, reason := h.updater.CanRollback(u)
	writeJSON(w, http.StatusOK, updateResponse{SystemUpdate: u, CanRollback: ok, RollbackReason: reason})
}

type applyRequest struct {
	Version         string  `json:"version"`
	Force           bool    `json:"force"`
	SkipBackup      bool    `json:"skip_backup"`
	SkipMaintenance bool    `json:"skip_maintenance"`
	InitiatedBy     *string `json:"initiated_by"`
}

// Apply starts an update and answers 202 with the pending record. Progress
// is published on the websocket feed.
func (h *UpdateHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	var check *model.VersionCheck
	var err error
	if req.Version != "" {
		check, err = h.checker.CheckVersion(r.Context(), req.Version)
	} else {
		check, err = h.checker.CheckForUpdates(r.Context(), req.Force)
	}
	if err != nil {
		h.logger.Error("version check before update", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !check.Succeeded() {
		writeError(w, http.StatusBadGateway, "version check failed: "+check.ErrorMessage)
		return
	}
	if !check.UpdateAvailable && !req.Force {
		if req.Version != "" {
			writeError(w, http.StatusConflict, fmt.Sprintf("version %s is not newer than installed %s; set force to install it anyway",
				check.LatestVersion, check.CurrentVersion))
			return
		}
		writeError(w, http.StatusConflict, "already up to date")
		return
	}

	if req.InitiatedBy == nil {
		if id := auth.Identity(r.Context()); id != "" {
			req.InitiatedBy = &id
		}
	}

	u, done, err := h.updater.StartUpdate(h.ctx, check, req.InitiatedBy, update.Options{
		SkipBackup:      req.SkipBackup,
		SkipMaintenance: req.SkipMaintenance,
	})
	if errors.Is(err, update.ErrUpdateInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("start update", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go func(id int64) {
		if err := <-done; err != nil {
			h.logger.Warn("background update finished with error",
				"update_id", id,
				"outcome", update.OutcomeOf(err),
				"error", err,
			)
		}
	}(u.ID)

	writeJSON(w, http.StatusAccepted, u)
}

func (h *UpdateHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	existing, err := h.updates.GetByID(id)
	if err != nil {
		h.logger.Error("get update", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get update")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "update not found")
		return
	}

	u, err := h.updater.RollbackUpdate(context.WithoutCancel(r.Context()), id)
	var nre *update.NotRollbackableError
	switch {
	case errors.As(err, &nre), errors.Is(err, update.ErrUpdateInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.logger.Error("rollback update", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, u)
	}
}
