package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/upkeep/internal/model"
	"github.com/dukerupert/upkeep/internal/store"
	"github.com/dukerupert/upkeep/internal/websocket"
)

// Checker is implemented by *checker.Service.
type Checker interface {
	CheckForUpdates(ctx context.Context, force bool) (*model.VersionCheck, error)
	CheckVersion(ctx context.Context, version string) (*model.VersionCheck, error)
}

type VersionHandler struct {
	checker  Checker
	checks   *store.VersionCheckStore
	settings *store.SettingsStore
	hub      *websocket.Hub
	logger   *slog.Logger
}

func NewVersionHandler(c Checker, checks *store.VersionCheckStore, settings *store.SettingsStore, hub *websocket.Hub, logger *slog.Logger) *VersionHandler {
	return &VersionHandler{checker: c, checks: checks, settings: settings, hub: hub, logger: logger}
}

type versionResponse struct {
	CurrentVersion  string              `json:"current_version"`
	UpdateAvailable bool                `json:"update_available"`
	LatestCheck     *model.VersionCheck `json:"latest_check,omitempty"`
}

// Current reports the installed version and the most recent check.
func (h *VersionHandler) Current(w http.ResponseWriter, r *http.Request) {
	current, err := h.settings.CurrentVersion()
	if err != nil {
		h.logger.Error("read current version", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read current version")
		return
	}
	latest, err := h.checks.Latest()
	if err != nil {
		h.logger.Error("read latest check", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read version checks")
		return
	}
	resp := versionResponse{CurrentVersion: current, LatestCheck: latest}
	if latest != nil && latest.Succeeded() && latest.CurrentVersion == current {
		resp.UpdateAvailable = latest.UpdateAvailable
	}
	writeJSON(w, http.StatusOK, resp)
}

type checkRequest struct {
	Force   bool   `json:"force"`
	Version string `json:"version"`
}

// Check polls the release endpoint. A failed check is still recorded and
// returned, with status 502.
func (h *VersionHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
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
		h.logger.Error("version check", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(websocket.VersionCheckMessage(check))
	}
	status := http.StatusOK
	if !check.Succeeded() {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, check)
}
