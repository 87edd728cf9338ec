package config

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	ledger "github.com/eugener/tokenledger/internal"
	"github.com/eugener/tokenledger/internal/cache"
	"github.com/eugener/tokenledger/internal/enforcer"
	"github.com/eugener/tokenledger/internal/limiter"
	"github.com/eugener/tokenledger/internal/storage"
	"github.com/eugener/tokenledger/internal/storage/memory"
	"github.com/eugener/tokenledger/internal/storage/postgres"
	"github.com/eugener/tokenledger/internal/storage/redis"
	"github.com/eugener/tokenledger/internal/storage/sqlite"
	"github.com/eugener/tokenledger/internal/telemetry"
	"github.com/eugener/tokenledger/internal/worker"
)

// BuildStore opens the configured ledger store. Failures wrap ledger.ErrStoreInit.
func BuildStore(ctx context.Context, db DatabaseConfig) (storage.LedgerStore, error) {
	switch db.Driver {
	case DriverSQLite:
		s, err := sqlite.New(db.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		s, err := postgres.Open(ctx, db.DSN, postgres.WithTablePrefix(db.TablePrefix))
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverRedis:
		s, err := redis.Open(ctx, &goredis.Options{
			Addr:     db.RedisAddr,
			Password: db.RedisPassword,
			DB:       db.RedisDB,
		}, redis.WithKeyPrefix(db.KeyPrefix))
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ledger.ErrStoreInit, db.Driver)
	}
}

// BuildLimiters creates one limiter per configured entry, in config order,
// all sharing store. metrics may be nil.
func BuildLimiters(ctx context.Context, cfg *Config, store storage.LedgerStore, metrics *telemetry.Metrics) ([]enforcer.Named, error) {
	opts := []limiter.Option{limiter.WithMetrics(metrics)}
	if cfg.Cache.Enabled {
		known, err := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.TTL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, limiter.WithKnownSubjects(known))
	}

	named := make([]enforcer.Named, 0, len(cfg.Limiters))
	for _, e := range cfg.Limiters {
		l, err := limiter.New(ctx, store, limiter.Config{
			Name:         e.ResolvedName(),
			Scope:        e.Scope,
			InitialQuota: e.InitialQuota,
			IncreaseBy:   e.IncreaseBy,
		}, opts...)
		if err != nil {
			return nil, fmt.Errorf("limiter %s: %w", e.ResolvedName(), err)
		}
		named = append(named, enforcer.Named{Name: l.Name(), Limiter: l})
	}
	return named, nil
}

// Schedules pairs each configured limiter with its cron expressions.
// Limiters without any schedule are omitted.
func Schedules(cfg *Config, named []enforcer.Named) []worker.Schedule {
	byName := make(map[string]enforcer.Quota, len(named))
	for _, n := range named {
		byName[n.Name] = n.Limiter
	}
	var out []worker.Schedule
	for _, e := range cfg.Limiters {
		if e.RevokeSchedule == "" && e.IncreaseSchedule == "" {
			continue
		}
		q, ok := byName[e.ResolvedName()]
		if !ok {
			continue
		}
		out = append(out, worker.Schedule{
			Name:     e.ResolvedName(),
			Limiter:  q,
			Revoke:   e.RevokeSchedule,
			Increase: e.IncreaseSchedule,
		})
	}
	return out
}
