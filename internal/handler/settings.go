package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dukerupert/upkeep/internal/auth"
	"github.com/dukerupert/upkeep/internal/checker"
	"github.com/dukerupert/upkeep/internal/model"
	"github.com/dukerupert/upkeep/internal/store"
	"github.com/dukerupert/upkeep/internal/websocket"
)

type SettingsHandler struct {
	settings *store.SettingsStore
	updates  *store.SystemUpdateStore
	hub      *websocket.Hub
	logger   *slog.Logger
}

func NewSettingsHandler(ss *store.SettingsStore, us *store.SystemUpdateStore, hub *websocket.Hub, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{settings: ss, updates: us, hub: hub, logger: logger}
}

func (h *SettingsHandler) broadcast(msg websocket.Message) {
	if h.hub != nil {
		h.hub.Broadcast(msg)
	}
}

func (h *SettingsHandler) List(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.List()
	if err != nil {
		h.logger.Error("list settings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get settings")
		return
	}
	if settings == nil {
		settings = []model.Setting{}
	}
	writeJSON(w, http.StatusOK, settings)
}

// Update writes operator-editable settings. Correcting the recorded
// installed version, e.g. after a manual deploy, is refused while an update
// is running.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req) == 0 {
		writeError(w, http.StatusBadRequest, "no settings given")
		return
	}
	if err := validateSettings(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, ok := req[store.KeyCurrentVersion]; ok {
		active, err := h.updates.Active()
		if err != nil {
			h.logger.Error("read active update", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save settings")
			return
		}
		if active != nil {
			writeError(w, http.StatusConflict, fmt.Sprintf("update %d is %s", active.ID, active.Status))
			return
		}
	}

	for key, value := range req {
		if key == store.KeyCurrentVersion {
			value = checker.StripV(value)
		}
		if err := h.settings.Set(key, value); err != nil {
			h.logger.Error("save setting", "key", key, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save settings")
			return
		}
		h.logger.Info("setting changed", "key", key, "value", value, "operator", auth.Identity(r.Context()))
	}

	h.broadcast(websocket.NewMessage("settings", "updated", 0, nil))
	h.List(w, r)
}

func validateSettings(settings map[string]string) error {
	allowedKeys := map[string]bool{
		store.KeyCurrentVersion: true,
	}

	for key, value := range settings {
		if !allowedKeys[key] {
			return fmt.Errorf("unknown setting: %s", key)
		}

		switch key {
		case store.KeyCurrentVersion:
			if checker.Canonical(value) == "" {
				return fmt.Errorf("%s must be a semantic version", key)
			}
		}
	}
	return nil
}
