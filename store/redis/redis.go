// Package redis provides Redis-backed rate-limit counters and idempotency
// claims for inferbill.
//
// Counters are incremented by an atomic Lua script that also sets the expiry,
// so stale windows age out without a sweep. Claims use SET NX with a
// retention TTL. This makes the store safe for multi-instance deployments.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/inferbill"
)

// Store is a Redis-backed CounterStore and IdempotencyStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	retention time.Duration
}

var (
	_ inferbill.CounterStore     = (*Store)(nil)
	_ inferbill.IdempotencyStore = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "inferbill:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithRetention sets how long claims and outcomes are kept (default 24h).
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// New creates a new Redis-backed store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "inferbill:",
		retention: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) counterKey(k inferbill.WindowKey) string {
	return s.keyPrefix + "rl:" + k.Identity + ":" + k.Action + ":" + strconv.FormatInt(k.Start.UTC().Unix(), 10)
}

func (s *Store) claimKey(key string) string {
	return s.keyPrefix + "idem:" + key
}

func (s *Store) outcomeKey(key string) string {
	return s.keyPrefix + "idem:outcome:" + key
}

// incrScript atomically increments a window counter and sets its expiry on
// first use.
// KEYS[1] = counter key
// ARGV[1] = ttl (milliseconds)
//
// Returns the new count.
var incrScript = goredis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[1]))
end
return n
`)

// Increment implements inferbill.CounterStore.
func (s *Store) Increment(ctx context.Context, key inferbill.WindowKey, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	n, err := incrScript.Run(ctx, s.client, []string{s.counterKey(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("inferbill/redis: increment: %w", err)
	}
	return n, nil
}

// Claim implements inferbill.IdempotencyStore.
func (s *Store) Claim(ctx context.Context, rec inferbill.IdempotencyRecord) error {
	ok, err := s.client.SetNX(ctx, s.claimKey(rec.Key), rec.Identity, s.retention).Result()
	if err != nil {
		return fmt.Errorf("inferbill/redis: claim: %w", err)
	}
	if !ok {
		return inferbill.ErrDuplicateKey
	}
	return nil
}

// SaveOutcome implements inferbill.IdempotencyStore.
func (s *Store) SaveOutcome(ctx context.Context, key string, outcome []byte) error {
	if err := s.client.SetNX(ctx, s.outcomeKey(key), outcome, s.retention).Err(); err != nil {
		return fmt.Errorf("inferbill/redis: save outcome: %w", err)
	}
	return nil
}

// Outcome implements inferbill.IdempotencyStore.
func (s *Store) Outcome(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, s.outcomeKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("inferbill/redis: load outcome: %w", err)
	}
	return b, true, nil
}
