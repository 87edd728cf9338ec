package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eugener/tokenledger/internal/enforcer"
)

// Bootstrap creates ledger rows for the configured subjects so they show up
// in listings and scheduled sweeps before their first request. Existing
// rows are left untouched.
func Bootstrap(ctx context.Context, cfg *Config, e *enforcer.Enforcer) error {
	for _, s := range cfg.Subjects {
		for _, n := range e.Limiters() {
			if n.Limiter.Scope() != s.Scope {
				continue
			}
			available, err := n.Limiter.AvailableQuota(ctx, s.ID)
			if err != nil {
				return fmt.Errorf("bootstrap %s/%s: %w", s.Scope, s.ID, err)
			}
			slog.LogAttrs(ctx, slog.LevelInfo, "bootstrapped subject",
				slog.String("limiter", n.Name),
				slog.String("subject_id", s.ID),
				slog.Int64("available", available),
			)
		}
	}
	return nil
}
