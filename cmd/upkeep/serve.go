package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dukerupert/upkeep/internal/model"
	"github.com/dukerupert/upkeep/internal/scheduler"
	"github.com/dukerupert/upkeep/internal/server"
	ws "github.com/dukerupert/upkeep/internal/websocket"
)

const shutdownTimeout = 5 * time.Second

func runServe(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "serve", "[-addr ADDR]")
	addr := fs.String("addr", ":"+a.cfg.Port, "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg := a.cfg
	if cfg.APIToken == "" {
		return errors.New("UPKEEP_API_TOKEN must be set to serve the API")
	}

	// Background updates outlive a single request and are waited for on
	// shutdown.
	srv, err := server.New(context.WithoutCancel(ctx), a.db, a.hub, server.Config{
		Token:          cfg.APIToken,
		OriginPatterns: server.OriginPatterns(cfg.OriginPatterns),
		UpstreamURL:    cfg.UpstreamURL,
		RetryAfter:     cfg.RetryAfter,
		Keep:           cfg.Keep,
	}, server.Services{
		Checker:     a.checker,
		Updater:     a.updater,
		Backups:     a.backups,
		Maintenance: a.maintenance,
	}, a.logger)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Config{
		CheckSchedule:   cfg.CheckSchedule,
		CleanupSchedule: cfg.CleanupSchedule,
		AutoUpdate:      cfg.AutoUpdate,
		Keep:            cfg.Keep,
		CheckRetention:  cfg.CheckRetention,
	}, scheduler.Jobs{
		Checker: a.checker,
		Updater: a.updater,
		Cleaner: a.backups,
		Checks:  a.checks,
		OnCheck: func(c *model.VersionCheck) {
			a.hub.Broadcast(ws.VersionCheckMessage(c))
		},
	}, a.logger)
	if err != nil {
		return err
	}
	if err := sched.Add("@every 10m", "rate limiter cleanup", func(context.Context) error {
		srv.RateLimiter().Cleanup()
		return nil
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("upkeep listening", "addr", *addr, "upstream", cfg.UpstreamURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return a.waitForActiveUpdate(cfg.CommandTimeout)
}

// waitForActiveUpdate blocks while an update is recorded as active, so a
// background run is not cut off halfway.
func (a *app) waitForActiveUpdate(limit time.Duration) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.Now().Add(limit)
	logged := false
	for {
		active, err := a.updates.Active()
		if err != nil {
			return err
		}
		if active == nil {
			return nil
		}
		if !logged {
			a.logger.Info("waiting for update to finish", "update_id", active.ID, "status", active.Status)
			logged = true
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("update %d still %s after %s", active.ID, active.Status, limit)
		}
		<-ticker.C
	}
}
