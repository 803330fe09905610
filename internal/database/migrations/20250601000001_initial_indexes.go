package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewRaw(`
			-- One cached try-on per person image, product, model and prompt parameters.
			-- The absent product side is stored as '' so the index never sees NULLs.
			CREATE UNIQUE INDEX IF NOT EXISTS idx_try_on_cache_identity
			ON try_on_cache (user_id, photo_id, product_id, external_product_key, model_version, params_hash);

			CREATE INDEX IF NOT EXISTS idx_try_on_cache_expires_at
			ON try_on_cache (expires_at);

			CREATE INDEX IF NOT EXISTS idx_user_photos_user_created
			ON user_photos (user_id, created_at DESC);

			CREATE INDEX IF NOT EXISTS idx_user_photos_pending_enhancement
			ON user_photos (created_at)
			WHERE enhanced_url = '';
		`).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create indexes: %w", err)
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewRaw(`
			DROP INDEX IF EXISTS idx_user_photos_pending_enhancement;
			DROP INDEX IF EXISTS idx_user_photos_user_created;
			DROP INDEX IF EXISTS idx_try_on_cache_expires_at;
			DROP INDEX IF EXISTS idx_try_on_cache_identity;
		`).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to drop indexes: %w", err)
		}

		return nil
	})
}
