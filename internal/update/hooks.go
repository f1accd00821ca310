package update

import (
	"context"
	"time"
)

// DefaultHookTimeout is applied to hooks that set no timeout of their own.
const DefaultHookTimeout = 5 * time.Minute

// runHooks runs each post-update hook in order. Failures are logged and do
// not stop later hooks. It returns the number of hooks that failed.
func (s *Service) runHooks(ctx context.Context, version string) int {
	failed := 0
	for _, hook := range s.cfg.Hooks {
		cmd := hook
		if cmd.Timeout == 0 {
			cmd.Timeout = s.cfg.HookTimeout
		}
		if cmd.Dir == "" {
			cmd.Dir = s.cfg.AppRoot
		}
		cmd.Env = append(append([]string(nil), cmd.Env...), "UPKEEP_VERSION="+version)

		res, err := s.runner.Run(ctx, cmd)
		if err != nil {
			failed++
			s.logger.Warn("post-update hook failed", "hook", cmd.String(), "error", err)
			continue
		}
		s.logger.Info("post-update hook finished", "hook", cmd.String(), "duration", res.Duration)
	}
	return failed
}
