package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/dukerupert/upkeep/internal/backup"
	"github.com/dukerupert/upkeep/internal/checker"
	"github.com/dukerupert/upkeep/internal/handler"
	"github.com/dukerupert/upkeep/internal/maintenance"
	"github.com/dukerupert/upkeep/internal/middleware"
	"github.com/dukerupert/upkeep/internal/store"
	"github.com/dukerupert/upkeep/internal/update"
	ws "github.com/dukerupert/upkeep/internal/websocket"
)

// Config holds HTTP server configuration.
type Config struct {
	// Token protects every route except /health.
	Token string
	// OriginPatterns are the browser origins allowed to open /ws.
	OriginPatterns []string
	// UpstreamURL, when set, is the host application. Requests that match
	// no engine route are proxied to it and answered with 503 while
	// maintenance mode is engaged.
	UpstreamURL string
	RetryAfter  time.Duration
	// Keep is the default retention for POST /api/backups/cleanup.
	Keep int
}

// Services are the engine components the API exposes.
type Services struct {
	Checker     *checker.Service
	Updater     *update.Service
	Backups     *backup.Service
	Maintenance *maintenance.FileController
}

type Server struct {
	db          *sql.DB
	cfg         Config
	hub         *ws.Hub
	settings    *store.SettingsStore
	versionH    *handler.VersionHandler
	updateH     *handler.UpdateHandler
	backupH     *handler.BackupHandler
	systemH     *handler.SystemHandler
	settingsH   *handler.SettingsHandler
	maintenance *maintenance.FileController
	proxy       http.Handler
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

// New builds the server. ctx bounds updates started through the API.
func New(ctx context.Context, db *sql.DB, hub *ws.Hub, cfg Config, svc Services, logger *slog.Logger) (*Server, error) {
	settingsStore := store.NewSettingsStore(db)
	checkStore := store.NewVersionCheckStore(db)
	updateStore := store.NewSystemUpdateStore(db)
	notificationStore := store.NewNotificationStore(db)

	s := &Server{
		db:          db,
		cfg:         cfg,
		hub:         hub,
		settings:    settingsStore,
		versionH:    handler.NewVersionHandler(svc.Checker, checkStore, settingsStore, hub, logger.With("component", "version")),
		updateH:     handler.NewUpdateHandler(ctx, svc.Updater, svc.Checker, updateStore, logger.With("component", "update_handler")),
		backupH:     handler.NewBackupHandler(svc.Backups, updateStore, settingsStore, cfg.Keep, logger.With("component", "backup_handler")),
		systemH:     handler.NewSystemHandler(svc.Maintenance, notificationStore, logger.With("component", "system")),
		settingsH:   handler.NewSettingsHandler(settingsStore, updateStore, hub, logger.With("component", "settings")),
		maintenance: svc.Maintenance,
		rateLimiter: middleware.NewRateLimiter(),
		logger:      logger,
	}

	if cfg.UpstreamURL != "" {
		target, err := url.Parse(cfg.UpstreamURL)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("invalid upstream URL %q", cfg.UpstreamURL)
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxyLogger := logger.With("component", "proxy")
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			proxyLogger.Warn("upstream request failed", "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		}
		s.proxy = proxy
	}
	return s, nil
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no token required)
	outerMux.HandleFunc("GET /health", s.healthHandler)

	// Protected routes
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	tokenMiddleware := middleware.RequireToken(s.cfg.Token)
	outerMux.Handle("/api/", tokenMiddleware(protectedMux))
	outerMux.Handle("GET /ws", tokenMiddleware(protectedMux))

	if s.proxy != nil {
		guard := middleware.Maintenance(s.maintenance, s.cfg.RetryAfter, nil)
		outerMux.Handle("/", guard(s.proxy))
	}

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Maintenance bool   `json:"maintenance"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Maintenance: s.maintenance != nil && s.maintenance.IsEngaged()}
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check: database unreachable", "error", err)
		resp.Status = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if v, err := s.settings.CurrentVersion(); err == nil {
		resp.Version = v
	}
	writeJSON(w, http.StatusOK, resp)
}

// rateLimitedHandler limits mutating calls per client address.
func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r) + " " + r.URL.Path
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, 10, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	// Version
	mux.HandleFunc("GET /api/version", s.versionH.Current)
	mux.HandleFunc("POST /api/version/check", s.rateLimitedHandler(s.versionH.Check))

	// Updates
	mux.HandleFunc("GET /api/updates", s.updateH.List)
	mux.HandleFunc("GET /api/updates/{id}", s.updateH.Get)
	mux.HandleFunc("POST /api/updates/apply", s.rateLimitedHandler(s.updateH.Apply))
	mux.HandleFunc("POST /api/updates/{id}/rollback", s.rateLimitedHandler(s.updateH.Rollback))

	// Backups
	mux.HandleFunc("GET /api/backups", s.backupH.List)
	mux.HandleFunc("POST /api/backups", s.rateLimitedHandler(s.backupH.Create))
	mux.HandleFunc("POST /api/backups/{id}/restore", s.rateLimitedHandler(s.backupH.Restore))
	mux.HandleFunc("POST /api/backups/cleanup", s.rateLimitedHandler(s.backupH.Cleanup))

	// System
	mux.HandleFunc("GET /api/maintenance", s.systemH.Maintenance)
	mux.HandleFunc("GET /api/notifications", s.systemH.Notifications)
	mux.HandleFunc("POST /api/notifications/{id}/read", s.systemH.MarkNotificationRead)

	// Settings
	mux.HandleFunc("GET /api/settings", s.settingsH.List)
	mux.HandleFunc("PUT /api/settings", s.rateLimitedHandler(s.settingsH.Update))

	// WebSocket
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.cfg.OriginPatterns, s.logger.With("component", "websocket")))
}

// OriginPatterns splits a comma-separated list of allowed websocket origins.
func OriginPatterns(list string) []string {
	var out []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
