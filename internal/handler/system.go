package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/upkeep/internal/auth"
	"github.com/dukerupert/upkeep/internal/maintenance"
	"github.com/dukerupert/upkeep/internal/model"
	"github.com/dukerupert/upkeep/internal/store"
)

// MaintenanceState is implemented by *maintenance.FileController.
type MaintenanceState interface {
	IsEngaged() bool
	Current() (*maintenance.State, error)
}

type SystemHandler struct {
	maintenance   MaintenanceState
	notifications *store.NotificationStore
	logger        *slog.Logger
}

func NewSystemHandler(m MaintenanceState, ns *store.NotificationStore, logger *slog.Logger) *SystemHandler {
	return &SystemHandler{maintenance: m, notifications: ns, logger: logger}
}

type maintenanceResponse struct {
	Engaged bool               `json:"engaged"`
	State   *maintenance.State `json:"state,omitempty"`
}

func (h *SystemHandler) Maintenance(w http.ResponseWriter, r *http.Request) {
	state, err := h.maintenance.Current()
	if err != nil {
		h.logger.Error("read maintenance state", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read maintenance state")
		return
	}
	writeJSON(w, http.StatusOK, maintenanceResponse{Engaged: h.maintenance.IsEngaged(), State: state})
}

// Notifications lists notifications, newest first. The operator query
// parameter, or else the requesting operator, narrows the list to one
// recipient.
func (h *SystemHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	operator := r.URL.Query().Get("operator")
	if operator == "" {
		operator = auth.Identity(r.Context())
	}
	list, err := h.notifications.List(operator, parseLimit(r))
	if err != nil {
		h.logger.Error("list notifications", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	if list == nil {
		list = []model.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *SystemHandler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.notifications.MarkRead(id); err != nil {
		h.logger.Error("mark notification read", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update notification")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
