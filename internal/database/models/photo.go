package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/robalyx/fitroom/internal/database/dbretry"
	"github.com/robalyx/fitroom/internal/database/types"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// ErrPhotoNotFound is returned when a photo does not exist for the user.
var ErrPhotoNotFound = errors.New("photo not found")

// PhotoModel handles database operations for user photos.
type PhotoModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewPhoto creates a PhotoModel.
func NewPhoto(db *bun.DB, logger *zap.Logger) *PhotoModel {
	return &PhotoModel{
		db:     db,
		logger: logger.Named("db_photo"),
	}
}

// GetPhoto returns a single photo owned by the user.
func (r *PhotoModel) GetPhoto(ctx context.Context, userID, photoID uuid.UUID) (*types.UserPhoto, error) {
	var photo types.UserPhoto

	err := dbretry.NoResult(ctx, func(ctx context.Context) error {
		return r.db.NewSelect().
			Model(&photo).
			Where("id = ?", photoID).
			Where("user_id = ?", userID).
			Scan(ctx)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPhotoNotFound
		}
		return nil, fmt.Errorf("failed to get photo %s: %w", photoID, err)
	}

	return &photo, nil
}

// GetPhotos returns the user's photos, newest first.
func (r *PhotoModel) GetPhotos(ctx context.Context, userID uuid.UUID) ([]*types.UserPhoto, error) {
	return r.GetPhotosWithTx(ctx, r.db, userID)
}

// GetPhotosWithTx returns the user's photos, newest first, using the given connection.
func (r *PhotoModel) GetPhotosWithTx(ctx context.Context, db bun.IDB, userID uuid.UUID) ([]*types.UserPhoto, error) {
	photos, err := dbretry.Operation(ctx, func(ctx context.Context) ([]*types.UserPhoto, error) {
		var photos []*types.UserPhoto
		err := r.photosQuery(db, &photos, userID).Scan(ctx)
		return photos, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get photos for user %s: %w", userID, err)
	}

	return photos, nil
}

// InsertPhotoWithTx inserts a new photo.
func (r *PhotoModel) InsertPhotoWithTx(ctx context.Context, tx bun.Tx, photo *types.UserPhoto) error {
	if _, err := tx.NewInsert().Model(photo).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert photo: %w", err)
	}

	return nil
}

// SetPrimaryWithTx makes photoID the only primary photo of the user.
func (r *PhotoModel) SetPrimaryWithTx(ctx context.Context, tx bun.Tx, userID, photoID uuid.UUID) error {
	if _, err := r.setPrimaryQuery(tx, userID, photoID).Exec(ctx); err != nil {
		return fmt.Errorf("failed to set primary photo: %w", err)
	}

	return nil
}

// DeletePhotosWithTx deletes the given photos of the user.
func (r *PhotoModel) DeletePhotosWithTx(ctx context.Context, tx bun.Tx, userID uuid.UUID, photoIDs []uuid.UUID) (int64, error) {
	if len(photoIDs) == 0 {
		return 0, nil
	}

	res, err := tx.NewDelete().
		Model((*types.UserPhoto)(nil)).
		Where("user_id = ?", userID).
		Where("id IN (?)", bun.In(photoIDs)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to delete photos: %w", err)
	}

	return res.RowsAffected()
}

// UpdateEnhancement stores the enhanced image and metadata of a photo.
func (r *PhotoModel) UpdateEnhancement(
	ctx context.Context, photoID uuid.UUID, enhancedURL string, metadata *types.PhotoMetadata,
) error {
	err := dbretry.NoResult(ctx, func(ctx context.Context) error {
		res, err := r.db.NewUpdate().
			Model((*types.UserPhoto)(nil)).
			Set("enhanced_url = ?", enhancedURL).
			Set("metadata = ?", metadata).
			Where("id = ?", photoID).
			Exec(ctx)
		if err != nil {
			return err
		}

		affected, err := res.RowsAffected()
		if err == nil && affected == 0 {
			return ErrPhotoNotFound
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update enhancement for photo %s: %w", photoID, err)
	}

	r.logger.Debug("Stored photo enhancement",
		zap.String("photoID", photoID.String()),
		zap.Int("warnings", len(metadata.Warnings)))

	return nil
}

// GetPhotosPendingEnhancement returns photos without an enhanced image, oldest first.
func (r *PhotoModel) GetPhotosPendingEnhancement(ctx context.Context, limit int) ([]*types.UserPhoto, error) {
	photos, err := dbretry.Operation(ctx, func(ctx context.Context) ([]*types.UserPhoto, error) {
		var photos []*types.UserPhoto
		q := r.db.NewSelect().
			Model(&photos).
			Where("enhanced_url = ''").
			Order("created_at ASC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		err := q.Scan(ctx)
		return photos, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get photos pending enhancement: %w", err)
	}

	return photos, nil
}

func (r *PhotoModel) photosQuery(db bun.IDB, photos *[]*types.UserPhoto, userID uuid.UUID) *bun.SelectQuery {
	return db.NewSelect().
		Model(photos).
		Where("user_id = ?", userID).
		Order("created_at DESC", "id DESC")
}

func (r *PhotoModel) setPrimaryQuery(db bun.IDB, userID, photoID uuid.UUID) *bun.UpdateQuery {
	return db.NewUpdate().
		Model((*types.UserPhoto)(nil)).
		Set("is_primary = (id = ?)", photoID).
		Where("user_id = ?", userID)
}
