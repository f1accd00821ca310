package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/upkeep/internal/backup"
	"github.com/dukerupert/upkeep/internal/model"
	"github.com/dukerupert/upkeep/internal/store"
)

// Backups is implemented by *backup.Service.
type Backups interface {
	CreateBackup(ctx context.Context, req backup.Request) (*model.UpdateBackup, error)
	RestoreBackup(ctx context.Context, b *model.UpdateBackup) error
	Cleanup(ctx context.Context, keep int) (backup.CleanupResult, error)
	List(limit int) ([]model.UpdateBackup, error)
	Get(id int64) (*model.UpdateBackup, error)
	Status() backup.Status
}

type BackupHandler struct {
	backups  Backups
	updates  *store.SystemUpdateStore
	settings *store.SettingsStore
	keep     int
	logger   *slog.Logger
}

func NewBackupHandler(b Backups, updates *store.SystemUpdateStore, settings *store.SettingsStore, keep int, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{backups: b, updates: updates, settings: settings, keep: keep, logger: logger}
}

type backupListResponse struct {
	Status  backup.Status        `json:"status"`
	Backups []model.UpdateBackup `json:"backups"`
}

func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.backups.List(parseLimit(r))
	if err != nil {
		h.logger.Error("list backups", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list backups")
		return
	}
	if list == nil {
		list = []model.UpdateBackup{}
	}
	writeJSON(w, http.StatusOK, backupListResponse{Status: h.backups.Status(), Backups: list})
}

type createBackupRequest struct {
	Notes string `json:"notes"`
}

// Create takes a manual backup of the installed version.
func (h *BackupHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBackupRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	current, err := h.settings.CurrentVersion()
	if err != nil {
		h.logger.Error("read current version", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read current version")
		return
	}
	notes := req.Notes
	if notes == "" {
		notes = "Manual backup"
	}

	b, err := h.backups.CreateBackup(context.WithoutCancel(r.Context()), backup.Request{
		Version: current,
		Notes:   notes,
	})
	if err != nil {
		h.logger.Error("create backup", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// Restore puts a backup back. It is refused while an update is running.
func (h *BackupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	b, err := h.backups.Get(id)
	if err != nil {
		h.logger.Error("get backup", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get backup")
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "backup not found")
		return
	}
	if !b.IsRestorable {
		writeError(w, http.StatusConflict, "backup is not restorable")
		return
	}
	active, err := h.updates.Active()
	if err != nil {
		h.logger.Error("read active update", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read update state")
		return
	}
	if active != nil {
		writeError(w, http.StatusConflict, "an update is in progress")
		return
	}

	if err := h.backups.RestoreBackup(context.WithoutCancel(r.Context()), b); err != nil {
		h.logger.Error("restore backup", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if b.Version != "" {
		if err := h.settings.SetCurrentVersion(b.Version); err != nil {
			h.logger.Error("reset current version", "version", b.Version, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, b)
}

type cleanupRequest struct {
	Keep int `json:"keep"`
}

func (h *BackupHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	keep := req.Keep
	if keep <= 0 {
		keep = h.keep
	}
	res, err := h.backups.Cleanup(r.Context(), keep)
	if err != nil {
		h.logger.Error("backup cleanup", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
