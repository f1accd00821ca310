// Package checker polls the release endpoint and records whether a newer
// version of the application is available.
package checker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukerupert/upkeep/internal/model"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheTTL = time.Hour
	defaultTimeout  = 15 * time.Second
	defaultRetries  = 2
)

// Config holds release endpoint configuration.
type Config struct {
	// ReleaseURL returns metadata for the latest release.
	ReleaseURL string
	// ReleaseByTagURL returns metadata for one release. "{version}" is
	// replaced with the requested version. When empty, ReleaseURL is queried
	// with a version parameter.
	ReleaseByTagURL string
	Token           string
	CacheTTL        time.Duration
	Timeout         time.Duration
	Retries         uint64
	RetryBase       time.Duration
}

// CheckStore persists version checks. Implemented by *store.VersionCheckStore.
type CheckStore interface {
	Create(c *model.VersionCheck) error
	LatestSuccessful(currentVersion string) (*model.VersionCheck, error)
}

// VersionSource reports the installed version. Implemented by
// *store.SettingsStore.
type VersionSource interface {
	CurrentVersion() (string, error)
}

// Notifier fans a notification out to every operator. Implemented by
// *store.NotificationStore.
type Notifier interface {
	NotifyOperators(n model.Notification) (int, error)
}

// Service checks the release endpoint for newer versions.
type Service struct {
	cfg        Config
	checks     CheckStore
	versions   VersionSource
	notifier   Notifier
	httpClient *http.Client
	logger     *slog.Logger
	group      singleflight.Group
	now        func() time.Time
}

// NewService creates a version checker.
func NewService(cfg Config, checks CheckStore, versions VersionSource, notifier Notifier, logger *slog.Logger) *Service {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	return &Service{
		cfg:        cfg,
		checks:     checks,
		versions:   versions,
		notifier:   notifier,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		now:        time.Now,
	}
}

// CheckForUpdates returns the newest successful check for the running
// version if it is younger than the cache TTL, unless force is set. Otherwise
// it queries the release endpoint and records the result. An unreachable or
// malformed endpoint yields a failed check record rather than an error; the
// error return is reserved for failures to read or write local state.
func (s *Service) CheckForUpdates(ctx context.Context, force bool) (*model.VersionCheck, error) {
	current, err := s.versions.CurrentVersion()
	if err != nil {
		return nil, fmt.Errorf("read current version: %w", err)
	}

	if !force {
		cached, err := s.checks.LatestSuccessful(current)
		if err != nil {
			return nil, fmt.Errorf("read cached check: %w", err)
		}
		if cached != nil && s.now().Sub(cached.CheckedAt) < s.cfg.CacheTTL {
			return cached, nil
		}
	}

	v, err, _ := s.group.Do("latest:"+current, func() (any, error) {
		return s.check(ctx, current, s.cfg.ReleaseURL, "", true)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.VersionCheck), nil
}

// CheckVersion looks up one specific release, for pinned updates. The
// result is recorded but never served from cache and raises no notification.
func (s *Service) CheckVersion(ctx context.Context, version string) (*model.VersionCheck, error) {
	version = StripV(version)
	if Canonical(version) == "" {
		return nil, fmt.Errorf("invalid version %q", version)
	}
	current, err := s.versions.CurrentVersion()
	if err != nil {
		return nil, fmt.Errorf("read current version: %w", err)
	}
	return s.check(ctx, current, s.releaseURLFor(version), version, false)
}

func (s *Service) releaseURLFor(version string) string {
	if s.cfg.ReleaseByTagURL != "" {
		return strings.ReplaceAll(s.cfg.ReleaseByTagURL, "{version}", url.PathEscape(version))
	}
	if s.cfg.ReleaseURL == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(s.cfg.ReleaseURL, "?") {
		sep = "&"
	}
	return s.cfg.ReleaseURL + sep + "version=" + url.QueryEscape(version)
}

func (s *Service) check(ctx context.Context, current, endpoint, want string, notify bool) (*model.VersionCheck, error) {
	rec := &model.VersionCheck{CurrentVersion: current, CheckedAt: s.now().UTC()}

	info, err := s.fetch(ctx, endpoint)
	if err == nil && want != "" && Compare(info.Version, want) != 0 {
		err = fmt.Errorf("release endpoint returned version %s, want %s", info.Version, want)
	}
	if err != nil {
		rec.CheckStatus = model.CheckStatusFailed
		rec.ErrorMessage = err.Error()
		if perr := s.checks.Create(rec); perr != nil {
			return nil, fmt.Errorf("record failed check: %w", perr)
		}
		s.logger.Warn("version check failed", "current", current, "error", err)
		return rec, nil
	}

	rec.CheckStatus = model.CheckStatusSuccess
	rec.LatestVersion = info.Version
	rec.UpdateAvailable = Newer(info.Version, current)
	rec.ReleaseInfo = info
	if err := s.checks.Create(rec); err != nil {
		return nil, fmt.Errorf("record check: %w", err)
	}

	s.logger.Info("version check complete",
		"current", current,
		"latest", info.Version,
		"update_available", rec.UpdateAvailable,
	)

	if notify && rec.UpdateAvailable && s.notifier != nil {
		n, err := s.notifier.NotifyOperators(model.Notification{
			Kind:  model.NotificationUpdateAvailable,
			Title: "Update available",
			Body:  fmt.Sprintf("Version %s is available (installed: %s).", info.Version, current),
			Data: map[string]any{
				"current_version": current,
				"latest_version":  info.Version,
				"check_id":        rec.ID,
			},
		})
		if err != nil {
			s.logger.Warn("failed to notify operators", "error", err)
		} else {
			s.logger.Debug("operators notified", "count", n)
		}
	}
	return rec, nil
}

// statusError is an unexpected HTTP status from the release endpoint.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("release endpoint returned status %d", e.code)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

func (s *Service) fetch(ctx context.Context, endpoint string) (*model.ReleaseInfo, error) {
	if endpoint == "" {
		return nil, errors.New("release endpoint is not configured")
	}

	var info *model.ReleaseInfo
	backoff := retry.WithMaxRetries(s.cfg.Retries, retry.NewExponential(s.cfg.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		info, err = s.fetchOnce(ctx, endpoint)
		if err == nil {
			return nil
		}
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return err
		}
		var pe *payloadError
		if errors.As(err, &pe) {
			return err
		}
		return retry.RetryableError(err)
	})
	return info, err
}

func (s *Service) fetchOnce(ctx context.Context, endpoint string) (*model.ReleaseInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "upkeep")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch release metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &statusError{code: resp.StatusCode}
	}
	return parseRelease(io.LimitReader(resp.Body, 4<<20))
}
