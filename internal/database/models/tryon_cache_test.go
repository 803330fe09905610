package models

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robalyx/fitroom/internal/database/types"
	"github.com/stretchr/testify/assert"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/zap/zaptest"
)

// newOfflineDB returns a bun.DB that renders queries without connecting.
func newOfflineDB(t *testing.T) *bun.DB {
	t.Helper()

	db := bun.NewDB(sql.OpenDB(pgdriver.NewConnector()), pgdialect.New())
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func testKey() types.CacheKey {
	return types.CacheKey{
		CacheScope: types.CacheScope{
			UserID:       uuid.MustParse("11111111-1111-1111-1111-111111111111"),
			PhotoID:      uuid.MustParse("22222222-2222-2222-2222-222222222222"),
			ModelVersion: "image-model",
		},
		ProductKey: types.ProductKey{
			ExternalProductKey: "ext_abc",
			ParamsHash:         "hash",
		},
	}
}

func TestTryOnCacheUpsertQuery(t *testing.T) {
	t.Parallel()

	model := NewTryOnCache(newOfflineDB(t), zaptest.NewLogger(t))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	entry := newCacheEntry(testKey(), "data:image/png;base64,AAAA", now, 7*24*time.Hour)
	query := model.upsertQuery(entry).String()

	assert.Contains(t, query, `INSERT INTO "try_on_cache" AS "tc"`)
	assert.Contains(t, query, "ON CONFLICT (user_id, photo_id, product_id, external_product_key, model_version, params_hash) DO UPDATE")
	assert.Contains(t, query, "generated_image_url = EXCLUDED.generated_image_url")
	assert.Contains(t, query, `usage_count = "tc".usage_count + 1`)
	assert.Contains(t, query, "'2025-06-08 12:00:00+00:00'", "expiry is creation plus ttl")
	assert.Contains(t, query, "''", "absent product id is stored as empty string")
	assert.NotContains(t, query, "NULL")
	assert.Equal(t, 0, entry.UsageCount)
}

func TestTryOnCacheSelectQuery(t *testing.T) {
	t.Parallel()

	model := NewTryOnCache(newOfflineDB(t), zaptest.NewLogger(t))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	query := model.selectQuery(&types.TryOnCacheEntry{}, testKey(), now).String()

	assert.Contains(t, query, `FROM "try_on_cache" AS "tc"`)
	assert.Contains(t, query, "(product_id = '')")
	assert.Contains(t, query, "(external_product_key = 'ext_abc')")
	assert.Contains(t, query, "(expires_at >= '2025-06-01 12:00:00+00:00')")
}

func TestTryOnCacheSelectManyQuery(t *testing.T) {
	t.Parallel()

	model := NewTryOnCache(newOfflineDB(t), zaptest.NewLogger(t))
	key := testKey()

	var entries []*types.TryOnCacheEntry
	query := model.selectManyQuery(&entries, key.CacheScope, []types.ProductKey{
		{ProductID: "sku-1", ParamsHash: "h1"},
		{ExternalProductKey: "ext_2", ParamsHash: "h2"},
	}, time.Now()).String()

	assert.Contains(t, query, "product_id = 'sku-1' AND external_product_key = '' AND params_hash = 'h1'")
	assert.Contains(t, query, " OR ")
	assert.Contains(t, query, "product_id = '' AND external_product_key = 'ext_2' AND params_hash = 'h2'")
	assert.Contains(t, query, "(model_version = 'image-model')")
	assert.Contains(t, query, "(expires_at >= ")
}

func TestTryOnCacheTouchQuery(t *testing.T) {
	t.Parallel()

	model := NewTryOnCache(newOfflineDB(t), zaptest.NewLogger(t))

	query := model.touchQuery(testKey(), time.Now()).String()

	assert.Contains(t, query, `UPDATE "try_on_cache" AS "tc"`)
	assert.Contains(t, query, "usage_count = usage_count + 1")
	assert.Contains(t, query, "(params_hash = 'hash')")
}

func TestSetPrimaryQuery(t *testing.T) {
	t.Parallel()

	db := newOfflineDB(t)
	model := NewPhoto(db, zaptest.NewLogger(t))

	userID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	photoID := uuid.MustParse("33333333-3333-3333-3333-333333333333")

	query := model.setPrimaryQuery(db, userID, photoID).String()

	assert.Contains(t, query, `UPDATE "user_photos" AS "up"`)
	assert.Contains(t, query, "is_primary = (id = '33333333-3333-3333-3333-333333333333')")
	assert.Contains(t, query, "(user_id = '11111111-1111-1111-1111-111111111111')")
}
