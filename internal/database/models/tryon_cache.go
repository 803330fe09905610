package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/robalyx/fitroom/internal/database/dbretry"
	"github.com/robalyx/fitroom/internal/database/types"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// cacheConflictTarget is the unique index every upsert resolves against.
const cacheConflictTarget = "CONFLICT (user_id, photo_id, product_id, external_product_key, model_version, params_hash) DO UPDATE"

// TryOnCacheModel stores generated try-ons in PostgreSQL.
type TryOnCacheModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewTryOnCache creates a TryOnCacheModel.
func NewTryOnCache(db *bun.DB, logger *zap.Logger) *TryOnCacheModel {
	return &TryOnCacheModel{
		db:     db,
		logger: logger.Named("db_tryon_cache"),
	}
}

// Get returns the unexpired entry for the key or types.ErrCacheMiss.
func (r *TryOnCacheModel) Get(ctx context.Context, key types.CacheKey, now time.Time) (*types.TryOnCacheEntry, error) {
	var entry types.TryOnCacheEntry

	err := dbretry.NoResult(ctx, func(ctx context.Context) error {
		return r.selectQuery(&entry, key, now).Limit(1).Scan(ctx)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get cached try-on: %w", err)
	}

	return &entry, nil
}

// GetMany returns the unexpired entries for the given products, keyed by product.
// Products without an entry are absent from the map.
func (r *TryOnCacheModel) GetMany(
	ctx context.Context, scope types.CacheScope, products []types.ProductKey, now time.Time,
) (map[types.ProductKey]*types.TryOnCacheEntry, error) {
	result := make(map[types.ProductKey]*types.TryOnCacheEntry, len(products))
	if len(products) == 0 {
		return result, nil
	}

	entries, err := dbretry.Operation(ctx, func(ctx context.Context) ([]*types.TryOnCacheEntry, error) {
		var entries []*types.TryOnCacheEntry
		err := r.selectManyQuery(&entries, scope, products, now).Scan(ctx)
		return entries, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get cached try-ons: %w", err)
	}

	for _, entry := range entries {
		result[entry.Key().ProductKey] = entry
	}

	r.logger.Debug("Batch cache lookup",
		zap.String("userID", scope.UserID.String()),
		zap.Int("requested", len(products)),
		zap.Int("found", len(result)))

	return result, nil
}

// Upsert creates the entry with a usage count of zero, or overwrites the
// image and timestamps of an existing entry and increments its usage count.
func (r *TryOnCacheModel) Upsert(
	ctx context.Context, key types.CacheKey, imageURL string, now time.Time, ttl time.Duration,
) (*types.TryOnCacheEntry, error) {
	entry := newCacheEntry(key, imageURL, now, ttl)

	err := dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := r.upsertQuery(entry).Returning("*").Exec(ctx)
		return err
	})
	if err != nil && dbretry.IsUniqueViolation(err) {
		// A concurrent writer won the insert; overwrite its row once
		r.logger.Debug("Unique violation on cache upsert, retrying as overwrite",
			zap.String("product", key.ID()))

		err = dbretry.NoResult(ctx, func(ctx context.Context) error {
			_, err := r.overwriteQuery(entry).Returning("*").Exec(ctx)
			return err
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert cached try-on: %w", err)
	}

	return entry, nil
}

// Touch records a cache hit.
func (r *TryOnCacheModel) Touch(ctx context.Context, key types.CacheKey, now time.Time) error {
	err := dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := r.touchQuery(key, now).Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to touch cached try-on: %w", err)
	}

	return nil
}

// Sweep deletes entries that expired before the given time.
func (r *TryOnCacheModel) Sweep(ctx context.Context, before time.Time) (int64, error) {
	deleted, err := dbretry.Operation(ctx, func(ctx context.Context) (int64, error) {
		res, err := r.db.NewDelete().
			Model((*types.TryOnCacheEntry)(nil)).
			Where("expires_at < ?", before).
			Exec(ctx)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sweep try-on cache: %w", err)
	}

	r.logger.Debug("Swept expired try-ons",
		zap.Time("before", before),
		zap.Int64("deleted", deleted))

	return deleted, nil
}

func newCacheEntry(key types.CacheKey, imageURL string, now time.Time, ttl time.Duration) *types.TryOnCacheEntry {
	return &types.TryOnCacheEntry{
		UserID:             key.UserID,
		PhotoID:            key.PhotoID,
		ProductID:          key.ProductID,
		ExternalProductKey: key.ExternalProductKey,
		ModelVersion:       key.ModelVersion,
		ParamsHash:         key.ParamsHash,
		GeneratedImageURL:  imageURL,
		CreatedAt:          now,
		LastAccessedAt:     now,
		UsageCount:         0,
		ExpiresAt:          now.Add(ttl),
	}
}

func whereKey(q *bun.SelectQuery, key types.CacheKey) *bun.SelectQuery {
	return q.
		Where("user_id = ?", key.UserID).
		Where("photo_id = ?", key.PhotoID).
		Where("product_id = ?", key.ProductID).
		Where("external_product_key = ?", key.ExternalProductKey).
		Where("model_version = ?", key.ModelVersion).
		Where("params_hash = ?", key.ParamsHash)
}

func (r *TryOnCacheModel) selectQuery(entry *types.TryOnCacheEntry, key types.CacheKey, now time.Time) *bun.SelectQuery {
	return whereKey(r.db.NewSelect().Model(entry), key).
		Where("expires_at >= ?", now)
}

func (r *TryOnCacheModel) selectManyQuery(
	entries *[]*types.TryOnCacheEntry, scope types.CacheScope, products []types.ProductKey, now time.Time,
) *bun.SelectQuery {
	return r.db.NewSelect().
		Model(entries).
		Where("user_id = ?", scope.UserID).
		Where("photo_id = ?", scope.PhotoID).
		Where("model_version = ?", scope.ModelVersion).
		Where("expires_at >= ?", now).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			for _, product := range products {
				q = q.WhereOr("product_id = ? AND external_product_key = ? AND params_hash = ?",
					product.ProductID, product.ExternalProductKey, product.ParamsHash)
			}
			return q
		})
}

func (r *TryOnCacheModel) upsertQuery(entry *types.TryOnCacheEntry) *bun.InsertQuery {
	return r.db.NewInsert().
		Model(entry).
		ExcludeColumn("id").
		On(cacheConflictTarget).
		Set("generated_image_url = EXCLUDED.generated_image_url").
		Set("expires_at = EXCLUDED.expires_at").
		Set("created_at = EXCLUDED.created_at").
		Set("last_accessed_at = EXCLUDED.last_accessed_at").
		Set("usage_count = ?TableAlias.usage_count + 1")
}

func (r *TryOnCacheModel) overwriteQuery(entry *types.TryOnCacheEntry) *bun.UpdateQuery {
	return r.db.NewUpdate().
		Model(entry).
		Set("generated_image_url = ?", entry.GeneratedImageURL).
		Set("expires_at = ?", entry.ExpiresAt).
		Set("created_at = ?", entry.CreatedAt).
		Set("last_accessed_at = ?", entry.LastAccessedAt).
		Set("usage_count = usage_count + 1").
		Where("user_id = ?", entry.UserID).
		Where("photo_id = ?", entry.PhotoID).
		Where("product_id = ?", entry.ProductID).
		Where("external_product_key = ?", entry.ExternalProductKey).
		Where("model_version = ?", entry.ModelVersion).
		Where("params_hash = ?", entry.ParamsHash)
}

func (r *TryOnCacheModel) touchQuery(key types.CacheKey, now time.Time) *bun.UpdateQuery {
	return r.db.NewUpdate().
		Model((*types.TryOnCacheEntry)(nil)).
		Set("last_accessed_at = ?", now).
		Set("usage_count = usage_count + 1").
		Where("user_id = ?", key.UserID).
		Where("photo_id = ?", key.PhotoID).
		Where("product_id = ?", key.ProductID).
		Where("external_product_key = ?", key.ExternalProductKey).
		Where("model_version = ?", key.ModelVersion).
		Where("params_hash = ?", key.ParamsHash)
}
