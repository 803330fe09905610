package tryon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robalyx/fitroom/internal/database/types"
	"github.com/robalyx/fitroom/internal/metrics"
	"github.com/robalyx/fitroom/internal/setup/config"
	"go.uber.org/zap"
)

var (
	// ErrCacheMiss is returned by stores when no unexpired entry exists.
	ErrCacheMiss = types.ErrCacheMiss
	// ErrInvalidCacheKey is returned for keys that do not name exactly one product.
	ErrInvalidCacheKey = types.ErrInvalidCacheKey
)

// Store persists try-on cache entries. Expired entries are never returned.
type Store interface {
	Get(ctx context.Context, key types.CacheKey, now time.Time) (*types.TryOnCacheEntry, error)
	GetMany(
		ctx context.Context, scope types.CacheScope, products []types.ProductKey, now time.Time,
	) (map[types.ProductKey]*types.TryOnCacheEntry, error)
	Upsert(
		ctx context.Context, key types.CacheKey, imageURL string, now time.Time, ttl time.Duration,
	) (*types.TryOnCacheEntry, error)
	Touch(ctx context.Context, key types.CacheKey, now time.Time) error
	Sweep(ctx context.Context, before time.Time) (int64, error)
}

// CacheWriteError reports a generated image that could not be cached.
type CacheWriteError struct {
	Key types.CacheKey
	Err error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("failed to cache try-on for product %s: %v", e.Key.ID(), e.Err)
}

func (e *CacheWriteError) Unwrap() error {
	return e.Err
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	TTL            time.Duration
	TouchQueueSize int
	WriteTimeout   time.Duration
	Now            func() time.Time
}

// CacheOptionsFromConfig builds cache options from the configuration file.
func CacheOptionsFromConfig(cfg *config.Cache) CacheOptions {
	return CacheOptions{
		TTL:            cfg.CacheTTL(),
		TouchQueueSize: cfg.TouchQueueSize,
		WriteTimeout:   time.Duration(cfg.WriteTimeout) * time.Millisecond,
	}
}

// Cache fronts a Store. Hits are recorded by a background worker so lookups
// never wait on bookkeeping writes.
type Cache struct {
	store   Store
	opts    CacheOptions
	touches chan types.CacheKey
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	logger  *zap.Logger
}

// NewCache creates a Cache and starts its touch worker. Call Close to stop it.
func NewCache(store Store, opts CacheOptions, logger *zap.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 7 * 24 * time.Hour
	}
	if opts.TouchQueueSize <= 0 {
		opts.TouchQueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		store:   store,
		opts:    opts,
		touches: make(chan types.CacheKey, opts.TouchQueueSize),
		done:    make(chan struct{}),
		logger:  logger.Named("tryon_cache"),
	}

	c.wg.Add(1)
	go c.touchWorker()

	return c
}

// Lookup returns the cached entry for key. Store failures degrade to a miss;
// only an invalid key is reported as an error.
func (c *Cache) Lookup(ctx context.Context, key types.CacheKey) (*types.TryOnCacheEntry, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}

	entry, err := c.store.Get(ctx, key, c.opts.Now())
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			metrics.CacheLookups.WithLabelValues("miss").Inc()
			return nil, false, nil
		}

		metrics.CacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn("Cache lookup failed, treating as miss",
			zap.String("product", key.ID()),
			zap.Error(err))
		return nil, false, nil
	}

	metrics.CacheLookups.WithLabelValues("hit").Inc()
	c.enqueueTouch(key)

	return entry, true, nil
}

// LookupMany returns the cached entries of several products in one round trip.
// Products missing from the result are misses.
func (c *Cache) LookupMany(
	ctx context.Context, scope types.CacheScope, products []types.ProductKey,
) (map[types.ProductKey]*types.TryOnCacheEntry, error) {
	for _, product := range products {
		if err := (types.CacheKey{CacheScope: scope, ProductKey: product}).Validate(); err != nil {
			return nil, err
		}
	}

	if len(products) == 0 {
		return map[types.ProductKey]*types.TryOnCacheEntry{}, nil
	}

	entries, err := c.store.GetMany(ctx, scope, products, c.opts.Now())
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Add(float64(len(products)))
		c.logger.Warn("Batch cache lookup failed, treating as misses",
			zap.Int("products", len(products)),
			zap.Error(err))
		return map[types.ProductKey]*types.TryOnCacheEntry{}, nil
	}

	for _, product := range products {
		if _, ok := entries[product]; ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			c.enqueueTouch(types.CacheKey{CacheScope: scope, ProductKey: product})
		} else {
			metrics.CacheLookups.WithLabelValues("miss").Inc()
		}
	}

	return entries, nil
}

// Store writes a generated image for key. Failures are returned as
// *CacheWriteError and are safe to ignore.
func (c *Cache) Store(ctx context.Context, key types.CacheKey, imageURL string) (*types.TryOnCacheEntry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()

	entry, err := c.store.Upsert(ctx, key, imageURL, c.opts.Now(), c.opts.TTL)
	if err != nil {
		metrics.CacheWriteFailures.Inc()
		return nil, &CacheWriteError{Key: key, Err: err}
	}

	return entry, nil
}

// Sweep removes entries that expired before the given time.
func (c *Cache) Sweep(ctx context.Context, before time.Time) (int64, error) {
	deleted, err := c.store.Sweep(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep try-on cache: %w", err)
	}

	c.logger.Info("Swept expired try-on cache entries",
		zap.Time("before", before),
		zap.Int64("deleted", deleted))

	return deleted, nil
}

// Close stops the touch worker after draining queued touches.
func (c *Cache) Close() {
	c.once.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}

func (c *Cache) enqueueTouch(key types.CacheKey) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.touches <- key:
	default:
		metrics.CacheTouchesDropped.Inc()
		c.logger.Debug("Touch queue full, dropping hit bookkeeping",
			zap.String("product", key.ID()))
	}
}

func (c *Cache) touchWorker() {
	defer c.wg.Done()

	for {
		select {
		case key := <-c.touches:
			c.touch(key)
		case <-c.done:
			for {
				select {
				case key := <-c.touches:
					c.touch(key)
				default:
					return
				}
			}
		}
	}
}

func (c *Cache) touch(key types.CacheKey) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()

	if err := c.store.Touch(ctx, key, c.opts.Now()); err != nil {
		c.logger.Warn("Failed to record cache hit",
			zap.String("product", key.ID()),
			zap.Error(err))
	}
}
