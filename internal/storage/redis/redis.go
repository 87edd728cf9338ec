// Package redis implements storage.LedgerStore on Redis.
//
// Each row is a hash; every mutation runs as a single Lua script, which Redis
// executes atomically, so the balance check and the write cannot interleave
// with another client's.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	ledger "github.com/eugener/tokenledger/internal"
	"github.com/eugener/tokenledger/internal/storage"
)

var (
	_ storage.LedgerStore = (*Store)(nil)
	_ storage.UsageStore  = (*Store)(nil)
)

// Store is a Redis-backed ledger store.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
}

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "tokenledger:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New wraps a connected client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, keyPrefix: "tokenledger:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a client from opts and verifies connectivity.
func Open(ctx context.Context, opts *goredis.Options, storeOpts ...Option) (*Store, error) {
	client := goredis.NewClient(opts)
	s := New(client, storeOpts...)
	if err := s.EnsureSchema(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// rowKey and subjectsKey share a hash tag per scope so scripts stay on one cluster slot.
func (s *Store) rowKey(subjectID string, scope ledger.Scope) string {
	return s.keyPrefix + "{" + string(scope) + "}:row:" + subjectID
}

func (s *Store) subjectsKey(scope ledger.Scope) string {
	return s.keyPrefix + "{" + string(scope) + "}:subjects"
}

// initScript creates a row unless it already holds a balance.
// KEYS[1] = row hash, KEYS[2] = scope subject set
// ARGV[1] = initial quota, ARGV[2] = now, ARGV[3] = subject id
// Returns 1 if created, 0 if it already existed.
var initScript = goredis.NewScript(`
if redis.call("HEXISTS", KEYS[1], "available") == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "quota_limit", ARGV[1], "available", ARGV[1], "revoked_at", ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
return 1
`)

// consumeScript decrements available only if it covers the amount.
// KEYS[1] = row hash
// ARGV[1] = amount, ARGV[2] = now
// Returns 1 if applied, 0 if refused.
var consumeScript = goredis.NewScript(`
local available = redis.call("HGET", KEYS[1], "available")
if not available then
    return 0
end
local amount = tonumber(ARGV[1])
if tonumber(available) < amount then
    return 0
end
redis.call("HINCRBY", KEYS[1], "available", -amount)
redis.call("HSET", KEYS[1], "updated_at", ARGV[2])
return 1
`)

// addScript adds a delta to an existing row.
// KEYS[1] = row hash
// ARGV[1] = delta, ARGV[2] = now
// Returns 1 if applied, 0 if the row is missing.
var addScript = goredis.NewScript(`
if redis.call("HEXISTS", KEYS[1], "available") == 0 then
    return 0
end
redis.call("HINCRBY", KEYS[1], "available", tonumber(ARGV[1]))
redis.call("HSET", KEYS[1], "updated_at", ARGV[2])
return 1
`)

// setScript overwrites the balance of an existing row.
// KEYS[1] = row hash
// ARGV[1] = value, ARGV[2] = now
// Returns 1 if applied, 0 if the row is missing.
var setScript = goredis.NewScript(`
if redis.call("HEXISTS", KEYS[1], "available") == 0 then
    return 0
end
redis.call("HSET", KEYS[1], "available", ARGV[1], "updated_at", ARGV[2], "revoked_at", ARGV[2])
return 1
`)

// EnsureSchema verifies connectivity; Redis has no schema to create.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %w", ledger.ErrStoreInit, err)
	}
	return nil
}

// InitializeIfAbsent creates the row unless it exists.
func (s *Store) InitializeIfAbsent(ctx context.Context, subjectID string, scope ledger.Scope, initial int64) (bool, error) {
	n, err := initScript.Run(ctx, s.client,
		[]string{s.rowKey(subjectID, scope), s.subjectsKey(scope)},
		initial, now(), subjectID,
	).Int64()
	if err != nil {
		return false, opErr("initialize", err)
	}
	return n == 1, nil
}

// Read returns the available balance.
func (s *Store) Read(ctx context.Context, subjectID string, scope ledger.Scope) (int64, bool, error) {
	v, err := s.client.HGet(ctx, s.rowKey(subjectID, scope), "available").Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, opErr("read", err)
	}
	return v, true, nil
}

// Get returns the full ledger row.
func (s *Store) Get(ctx context.Context, subjectID string, scope ledger.Scope) (*ledger.Row, error) {
	vals, err := s.client.HGetAll(ctx, s.rowKey(subjectID, scope)).Result()
	if err != nil {
		return nil, opErr("get", err)
	}
	raw, ok := vals["available"]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	row := &ledger.Row{SubjectID: subjectID, Scope: scope}
	if row.Available, err = strconv.ParseInt(raw, 10, 64); err != nil {
		return nil, opErr("get", err)
	}
	if row.QuotaLimit, err = strconv.ParseInt(vals["quota_limit"], 10, 64); err != nil {
		return nil, opErr("get", err)
	}
	row.UpdatedAt = parseTime(vals["updated_at"])
	row.RevokedAt = parseTime(vals["revoked_at"])
	return row, nil
}

// ConsumeAtomic decrements available only when the balance covers amount.
func (s *Store) ConsumeAtomic(ctx context.Context, subjectID string, scope ledger.Scope, amount int64) (bool, error) {
	n, err := consumeScript.Run(ctx, s.client,
		[]string{s.rowKey(subjectID, scope)},
		amount, now(),
	).Int64()
	if err != nil {
		return false, opErr("consume", err)
	}
	return n == 1, nil
}

// AddDelta adds amount to available unconditionally.
func (s *Store) AddDelta(ctx context.Context, subjectID string, scope ledger.Scope, amount int64) error {
	return s.runUpdate(ctx, "add delta", addScript, subjectID, scope, amount)
}

// SetAbsolute sets available to value and stamps revoked_at.
func (s *Store) SetAbsolute(ctx context.Context, subjectID string, scope ledger.Scope, value int64) error {
	return s.runUpdate(ctx, "set absolute", setScript, subjectID, scope, value)
}

func (s *Store) runUpdate(ctx context.Context, op string, script *goredis.Script, subjectID string, scope ledger.Scope, v int64) error {
	n, err := script.Run(ctx, s.client, []string{s.rowKey(subjectID, scope)}, v, now()).Int64()
	if err != nil {
		return opErr(op, err)
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// ListSubjects returns subject ids under scope, sorted.
func (s *Store) ListSubjects(ctx context.Context, scope ledger.Scope) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.subjectsKey(scope)).Result()
	if err != nil {
		return nil, opErr("list subjects", err)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) usageKey(subjectID string, scope ledger.Scope) string {
	return s.keyPrefix + "{" + string(scope) + "}:usage:" + subjectID
}

// InsertUsage folds records into per-subject running totals in one pipeline.
// Redis keeps totals only; individual records are not retained.
func (s *Store) InsertUsage(ctx context.Context, records []ledger.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for _, r := range records {
			p.IncrBy(ctx, s.usageKey(r.SubjectID, r.Scope), r.InputTokens+r.OutputTokens)
		}
		return nil
	})
	if err != nil {
		return opErr("insert usage", err)
	}
	return nil
}

// SumUsage returns the running token total for a subject under scope.
func (s *Store) SumUsage(ctx context.Context, subjectID string, scope ledger.Scope) (int64, error) {
	total, err := s.client.Get(ctx, s.usageKey(subjectID, scope)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, opErr("sum usage", err)
	}
	return total, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func opErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ledger.ErrStoreOperation, op, err)
}
