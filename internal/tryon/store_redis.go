package tryon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/rueidis"
	"github.com/robalyx/fitroom/internal/database/types"
	"go.uber.org/zap"
)

const (
	// RedisKeyPrefix namespaces every try-on cache key.
	RedisKeyPrefix = "tryon:"

	// RedisScanBatchSize is the SCAN count hint used by Sweep.
	RedisScanBatchSize = 200

	fieldIdentity       = "key"
	fieldImageURL       = "generated_image_url"
	fieldCreatedAt      = "created_at"
	fieldLastAccessedAt = "last_accessed_at"
	fieldUsageCount     = "usage_count"
	fieldExpiresAt      = "expires_at"
)

var errCorruptEntry = errors.New("corrupt try-on cache entry")

// touchScript bumps an existing entry without recreating a swept one.
var touchScript = rueidis.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'last_accessed_at', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'usage_count', 1)
return 1
`)

// RedisStore keeps one hash per cache identity. Expiry is enforced at read
// time and by Sweep, matching the PostgreSQL store.
type RedisStore struct {
	client rueidis.Client
	logger *zap.Logger
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client rueidis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger.Named("redis_tryon_cache"),
	}
}

// RedisKey returns the hash key holding the entry for key.
func RedisKey(key types.CacheKey) string {
	return RedisKeyPrefix + key.UserID.String() + ":" + key.PhotoID.String() + ":" +
		digest(key.ModelVersion, key.ProductID, key.ExternalProductKey, key.ParamsHash)
}

// Get returns the unexpired entry for key or ErrCacheMiss.
func (s *RedisStore) Get(ctx context.Context, key types.CacheKey, now time.Time) (*types.TryOnCacheEntry, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(RedisKey(key)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get cached try-on: %w", err)
	}

	entry, err := decodeEntry(fields)
	if err != nil {
		return nil, err
	}

	if entry == nil || entry.Expired(now) {
		return nil, ErrCacheMiss
	}

	return entry, nil
}

// GetMany pipelines one lookup per product.
func (s *RedisStore) GetMany(
	ctx context.Context, scope types.CacheScope, products []types.ProductKey, now time.Time,
) (map[types.ProductKey]*types.TryOnCacheEntry, error) {
	result := make(map[types.ProductKey]*types.TryOnCacheEntry, len(products))
	if len(products) == 0 {
		return result, nil
	}

	cmds := make(rueidis.Commands, 0, len(products))
	for _, product := range products {
		key := types.CacheKey{CacheScope: scope, ProductKey: product}
		cmds = append(cmds, s.client.B().Hgetall().Key(RedisKey(key)).Build())
	}

	for i, resp := range s.client.DoMulti(ctx, cmds...) {
		fields, err := resp.AsStrMap()
		if err != nil {
			return nil, fmt.Errorf("failed to get cached try-ons: %w", err)
		}

		entry, err := decodeEntry(fields)
		if err != nil {
			s.logger.Warn("Skipping corrupt cache entry",
				zap.String("product", products[i].ID()),
				zap.Error(err))
			continue
		}

		if entry != nil && !entry.Expired(now) {
			result[products[i]] = entry
		}
	}

	return result, nil
}

// Upsert writes the entry. A new hash starts at usage -1 so the unconditional
// increment leaves it at 0; an existing one is incremented.
func (s *RedisStore) Upsert(
	ctx context.Context, key types.CacheKey, imageURL string, now time.Time, ttl time.Duration,
) (*types.TryOnCacheEntry, error) {
	identity, err := sonic.MarshalString(key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache key: %w", err)
	}

	redisKey := RedisKey(key)
	stamp := formatTime(now)

	resps := s.client.DoMulti(ctx,
		s.client.B().Hsetnx().Key(redisKey).Field(fieldUsageCount).Value("-1").Build(),
		s.client.B().Hset().Key(redisKey).FieldValue().
			FieldValue(fieldIdentity, identity).
			FieldValue(fieldImageURL, imageURL).
			FieldValue(fieldCreatedAt, stamp).
			FieldValue(fieldLastAccessedAt, stamp).
			FieldValue(fieldExpiresAt, formatTime(now.Add(ttl))).
			Build(),
		s.client.B().Hincrby().Key(redisKey).Field(fieldUsageCount).Increment(1).Build(),
		s.client.B().Hgetall().Key(redisKey).Build(),
	)
	for _, resp := range resps {
		if err := resp.Error(); err != nil {
			return nil, fmt.Errorf("failed to upsert cached try-on: %w", err)
		}
	}

	fields, err := resps[len(resps)-1].AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to read back cached try-on: %w", err)
	}

	entry, err := decodeEntry(fields)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: entry vanished after write", errCorruptEntry)
	}

	return entry, nil
}

// Touch records a cache hit. Missing entries are left alone.
func (s *RedisStore) Touch(ctx context.Context, key types.CacheKey, now time.Time) error {
	err := touchScript.Exec(ctx, s.client, []string{RedisKey(key)}, []string{formatTime(now)}).Error()
	if err != nil {
		return fmt.Errorf("failed to touch cached try-on: %w", err)
	}

	return nil
}

// Sweep scans every cache hash and deletes those that expired before the given time.
func (s *RedisStore) Sweep(ctx context.Context, before time.Time) (int64, error) {
	var (
		deleted int64
		cursor  uint64
	)

	for {
		scan, err := s.client.Do(ctx, s.client.B().Scan().
			Cursor(cursor).
			Match(RedisKeyPrefix+"*").
			Count(RedisScanBatchSize).
			Build()).AsScanEntry()
		if err != nil {
			return deleted, fmt.Errorf("failed to scan try-on cache: %w", err)
		}

		n, err := s.sweepKeys(ctx, scan.Elements, before)
		deleted += n
		if err != nil {
			return deleted, err
		}

		if scan.Cursor == 0 {
			break
		}
		cursor = scan.Cursor
	}

	s.logger.Debug("Swept expired try-ons",
		zap.Time("before", before),
		zap.Int64("deleted", deleted))

	return deleted, nil
}

func (s *RedisStore) sweepKeys(ctx context.Context, keys []string, before time.Time) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	cmds := make(rueidis.Commands, 0, len(keys))
	for _, key := range keys {
		cmds = append(cmds, s.client.B().Hget().Key(key).Field(fieldExpiresAt).Build())
	}

	var expired []string
	for i, resp := range s.client.DoMulti(ctx, cmds...) {
		value, err := resp.ToString()
		if err != nil {
			if rueidis.IsRedisNil(err) {
				continue
			}
			return 0, fmt.Errorf("failed to read cache expiry: %w", err)
		}

		expiresAt, err := parseTime(value)
		if err != nil || expiresAt.Before(before) {
			expired = append(expired, keys[i])
		}
	}

	if len(expired) == 0 {
		return 0, nil
	}

	deleted, err := s.client.Do(ctx, s.client.B().Del().Key(expired...).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired try-ons: %w", err)
	}

	return deleted, nil
}

// decodeEntry converts a hash into an entry. An empty hash is (nil, nil).
func decodeEntry(fields map[string]string) (*types.TryOnCacheEntry, error) {
	if len(fields) == 0 {
		return nil, nil //nolint:nilnil // absent entry
	}

	var key types.CacheKey
	if err := sonic.UnmarshalString(fields[fieldIdentity], &key); err != nil {
		return nil, fmt.Errorf("%w: %w", errCorruptEntry, err)
	}

	usage, err := strconv.Atoi(fields[fieldUsageCount])
	if err != nil {
		return nil, fmt.Errorf("%w: usage count: %w", errCorruptEntry, err)
	}

	var times [3]time.Time
	for i, field := range []string{fieldCreatedAt, fieldLastAccessedAt, fieldExpiresAt} {
		if times[i], err = parseTime(fields[field]); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", errCorruptEntry, field, err)
		}
	}

	return &types.TryOnCacheEntry{
		UserID:             key.UserID,
		PhotoID:            key.PhotoID,
		ProductID:          key.ProductID,
		ExternalProductKey: key.ExternalProductKey,
		ModelVersion:       key.ModelVersion,
		ParamsHash:         key.ParamsHash,
		GeneratedImageURL:  fields[fieldImageURL],
		CreatedAt:          times[0],
		LastAccessedAt:     times[1],
		UsageCount:         usage,
		ExpiresAt:          times[2],
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}
