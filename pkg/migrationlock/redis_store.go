package migrationlock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kota-suzu/StockRx-sub003/pkg/observability/logger"
)

const (
	defaultRedisPrefix           = "stockrx:migration:lock"
	defaultRedisOperationTimeout = 3 * time.Second
	redisScanBatchSize           = 100
)

// Renew and release are token-guarded compare-and-act operations. They run
// server-side as Lua so the GET and the mutation are a single atomic step; a
// client-side GET followed by a separate DEL would reintroduce the race the
// lock exists to prevent.
var (
	redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

	redisRenewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisStoreConfig configures the cache-backed lock store.
type RedisStoreConfig struct {
	URL              string
	Prefix           string
	Environment      string
	OperationTimeout time.Duration
}

func (c *RedisStoreConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisStore keeps one key per lock with a native TTL. Acquire relies on
// SET NX PX, so a crashed holder's record disappears on its own once the
// lease runs out.
type RedisStore struct {
	client *redis.Client
	log    logger.Logger
	config RedisStoreConfig
}

// NewRedisStore connects to Redis and returns a cache-backed lock store.
func NewRedisStore(cfg RedisStoreConfig, log logger.Logger) (*RedisStore, error) {
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, lockError(ErrInvalidArgument, "redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(lockError(ErrValidation, "parse redis url failed"), err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(lockError(ErrUnavailable, "ping redis failed"), err)
	}

	return &RedisStore{
		client: client,
		log:    log,
		config: cfg,
	}, nil
}

func newRedisStoreWithClient(client *redis.Client, cfg RedisStoreConfig, log logger.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, lockError(ErrInvalidArgument, "redis client is required")
	}
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	return &RedisStore{
		client: client,
		log:    log,
		config: cfg,
	}, nil
}

// Acquire creates the lock key iff it does not exist, with the lease TTL.
func (s *RedisStore) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, lockError(ErrNotInitialized, "redis lock store is not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, lockError(ErrInvalidArgument, "lock name is required")
	}
	if ttl <= 0 {
		return nil, false, lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	token := newToken(s.config.Environment)
	value := token.serialize()

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	acquired, err := s.client.SetNX(opCtx, s.fullKey(name), value, ttl).Result()
	if err != nil {
		return nil, false, errors.Join(lockError(ErrUnavailable, "acquire lock failed"), err)
	}
	if !acquired {
		return nil, false, nil
	}

	return &Lease{
		Name:       name,
		Token:      value,
		AcquiredAt: token.AcquiredAt,
		ExpireAt:   time.Now().UTC().Add(ttl),
	}, true, nil
}

// Renew extends the key expiry when the stored token still matches the lease.
func (s *RedisStore) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return lockError(ErrNotInitialized, "redis lock store is not initialized")
	}
	if err := validateLease(lease); err != nil {
		return err
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	result, err := redisRenewScript.Run(opCtx, s.client, []string{s.fullKey(lease.Name)}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return errors.Join(lockError(ErrUnavailable, "renew lock failed"), err)
	}
	if result == 0 {
		return lockError(ErrConflict, "lock renew rejected")
	}

	lease.ExpireAt = time.Now().UTC().Add(ttl)
	return nil
}

// Release deletes the key when the stored token still matches the lease.
func (s *RedisStore) Release(ctx context.Context, lease *Lease) error {
	if s == nil || s.client == nil {
		return lockError(ErrNotInitialized, "redis lock store is not initialized")
	}
	if err := validateLease(lease); err != nil {
		return err
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	result, err := redisReleaseScript.Run(opCtx, s.client, []string{s.fullKey(lease.Name)}, lease.Token).Int64()
	if err != nil {
		return errors.Join(lockError(ErrUnavailable, "release lock failed"), err)
	}
	if result == 0 {
		return lockError(ErrConflict, "lock release rejected")
	}
	return nil
}

// Locked reports whether the lock key currently exists.
func (s *RedisStore) Locked(ctx context.Context, name string) (bool, error) {
	if s == nil || s.client == nil {
		return false, lockError(ErrNotInitialized, "redis lock store is not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return false, lockError(ErrInvalidArgument, "lock name is required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	count, err := s.client.Exists(opCtx, s.fullKey(name)).Result()
	if err != nil {
		return false, errors.Join(lockError(ErrUnavailable, "check lock failed"), err)
	}
	return count > 0, nil
}

// Info reads the stored token and remaining TTL for name.
func (s *RedisStore) Info(ctx context.Context, name string) (*Info, error) {
	if s == nil || s.client == nil {
		return nil, lockError(ErrNotInitialized, "redis lock store is not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, lockError(ErrInvalidArgument, "lock name is required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	return s.readInfo(opCtx, name)
}

// ListActive scans the lock keyspace and returns every live record.
func (s *RedisStore) ListActive(ctx context.Context) ([]Info, error) {
	if s == nil || s.client == nil {
		return nil, lockError(ErrNotInitialized, "redis lock store is not initialized")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	prefix := strings.TrimRight(s.config.Prefix, ":") + ":"
	var (
		records []Info
		cursor  uint64
	)
	for {
		keys, next, err := s.client.Scan(opCtx, cursor, prefix+"*", redisScanBatchSize).Result()
		if err != nil {
			return nil, errors.Join(lockError(ErrUnavailable, "scan locks failed"), err)
		}
		for _, key := range keys {
			info, err := s.readInfo(opCtx, strings.TrimPrefix(key, prefix))
			if err != nil {
				return nil, err
			}
			// The key can expire between SCAN and GET.
			if info != nil {
				records = append(records, *info)
			}
		}
		cursor = next
		if cursor == 0 {
			return records, nil
		}
	}
}

// ForceRelease deletes the lock key without a token check.
func (s *RedisStore) ForceRelease(ctx context.Context, name string) error {
	if s == nil || s.client == nil {
		return lockError(ErrNotInitialized, "redis lock store is not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return lockError(ErrInvalidArgument, "lock name is required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	deleted, err := s.client.Del(opCtx, s.fullKey(name)).Result()
	if err != nil {
		return errors.Join(lockError(ErrUnavailable, "force release failed"), err)
	}
	s.log.Warn("migration lock force released, ownership token was not checked",
		"name", name,
		"existed", deleted > 0,
	)
	recordForceRelease(name)
	return nil
}

// HealthCheck verifies Redis connectivity.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if s == nil || s.client == nil {
		return lockError(ErrNotInitialized, "redis lock store is not initialized")
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.client.Ping(opCtx).Err(); err != nil {
		return errors.Join(lockError(ErrUnavailable, "redis healthcheck failed"), err)
	}
	return nil
}

// Close closes Redis client connections.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) readInfo(ctx context.Context, name string) (*Info, error) {
	key := s.fullKey(name)
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Join(lockError(ErrUnavailable, "read lock info failed"), err)
	}

	value := getCmd.Val()
	remaining := ttlCmd.Val()
	if remaining < 0 {
		// PTTL returns a negative duration for missing keys and keys without
		// expiry; neither is a live lease.
		return nil, nil
	}

	token := parseToken(value)
	now := time.Now().UTC()
	return &Info{
		Name:      name,
		Token:     token,
		LockedAt:  token.AcquiredAt,
		ExpiresAt: now.Add(remaining),
		TTL:       remaining,
	}, nil
}

func (s *RedisStore) fullKey(name string) string {
	return strings.TrimRight(s.config.Prefix, ":") + ":" + strings.TrimSpace(name)
}

func (s *RedisStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func validateLease(lease *Lease) error {
	if lease == nil {
		return lockError(ErrInvalidArgument, "lease is required")
	}
	if strings.TrimSpace(lease.Name) == "" || strings.TrimSpace(lease.Token) == "" {
		return lockError(ErrInvalidArgument, "lease name and token are required")
	}
	return nil
}
