package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		// Remove cache rows whose photo is already gone
		_, err := db.NewRaw(`
			DELETE FROM try_on_cache tc
			WHERE NOT EXISTS (
				SELECT 1 FROM user_photos up
				WHERE up.id = tc.photo_id
			)
		`).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to clean up orphaned try_on_cache rows: %w", err)
		}

		_, err = db.NewRaw(`
			ALTER TABLE try_on_cache
			ADD CONSTRAINT fk_try_on_cache_photo
			FOREIGN KEY (photo_id) REFERENCES user_photos (id) ON DELETE CASCADE
		`).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to add try_on_cache photo foreign key: %w", err)
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewRaw(`
			ALTER TABLE try_on_cache DROP CONSTRAINT IF EXISTS fk_try_on_cache_photo
		`).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to drop try_on_cache photo foreign key: %w", err)
		}

		return nil
	})
}
