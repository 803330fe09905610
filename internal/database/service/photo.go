package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robalyx/fitroom/internal/database/dbretry"
	"github.com/robalyx/fitroom/internal/database/models"
	"github.com/robalyx/fitroom/internal/database/types"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// photoSignatureLength is how much of a URL identifies a duplicate upload.
const photoSignatureLength = 1000

var (
	// ErrPhotoLimitReached is returned when a user already has the maximum number of photos.
	ErrPhotoLimitReached = errors.New("photo limit reached")
	// ErrDuplicatePhoto is returned when the user already stored a photo with the same URL signature.
	ErrDuplicatePhoto = errors.New("photo already stored")
)

// PhotoService handles user photo bookkeeping.
type PhotoService struct {
	db        *bun.DB
	model     *models.PhotoModel
	maxPhotos int
	logger    *zap.Logger
}

// NewPhoto creates a new photo service.
func NewPhoto(db *bun.DB, model *models.PhotoModel, maxPhotos int, logger *zap.Logger) *PhotoService {
	if maxPhotos <= 0 {
		maxPhotos = 5
	}

	return &PhotoService{
		db:        db,
		model:     model,
		maxPhotos: maxPhotos,
		logger:    logger.Named("photo_service"),
	}
}

// AddPhoto stores a new photo and makes it the user's primary photo. A URL
// whose signature matches a stored photo is rejected with ErrDuplicatePhoto.
func (s *PhotoService) AddPhoto(ctx context.Context, userID uuid.UUID, url string) (*types.UserPhoto, error) {
	photo := &types.UserPhoto{
		ID:        uuid.New(),
		UserID:    userID,
		URL:       url,
		IsPrimary: true,
		CreatedAt: time.Now(),
	}

	err := dbretry.Transaction(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		photos, err := s.model.GetPhotosWithTx(ctx, tx, userID)
		if err != nil {
			return err
		}

		if existing := FindPhotoSignature(photos, url); existing != nil {
			return fmt.Errorf("%w as %s", ErrDuplicatePhoto, existing.ID)
		}

		if len(photos) >= s.maxPhotos {
			return fmt.Errorf("%w: user already has %d photos", ErrPhotoLimitReached, len(photos))
		}

		if err := s.model.InsertPhotoWithTx(ctx, tx, photo); err != nil {
			return err
		}

		return s.model.SetPrimaryWithTx(ctx, tx, userID, photo.ID)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Added user photo",
		zap.String("userID", userID.String()),
		zap.String("photoID", photo.ID.String()))

	return photo, nil
}

// SetPrimary makes the given photo the user's only primary photo.
func (s *PhotoService) SetPrimary(ctx context.Context, userID, photoID uuid.UUID) error {
	if _, err := s.model.GetPhoto(ctx, userID, photoID); err != nil {
		return err
	}

	return dbretry.Transaction(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		return s.model.SetPrimaryWithTx(ctx, tx, userID, photoID)
	})
}

// RepairPrimary ensures the user has exactly one primary photo. When there
// are none or several, the newest photo becomes the primary. It reports
// whether anything changed.
func (s *PhotoService) RepairPrimary(ctx context.Context, userID uuid.UUID) (bool, error) {
	var repaired bool

	err := dbretry.Transaction(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		var err error
		repaired, err = s.repairPrimaryWithTx(ctx, tx, userID)
		return err
	})
	if err != nil {
		return false, err
	}

	return repaired, nil
}

// RemoveDuplicates deletes photos whose URL signature repeats, keeping the
// newest copy, and repairs the primary flag afterwards.
func (s *PhotoService) RemoveDuplicates(ctx context.Context, userID uuid.UUID) (int64, error) {
	var deleted int64

	err := dbretry.Transaction(ctx, s.db, func(ctx context.Context, tx bun.Tx) error {
		photos, err := s.model.GetPhotosWithTx(ctx, tx, userID)
		if err != nil {
			return err
		}

		deleted, err = s.model.DeletePhotosWithTx(ctx, tx, userID, DuplicatePhotos(photos))
		if err != nil {
			return err
		}

		if deleted == 0 {
			return nil
		}

		_, err = s.repairPrimaryWithTx(ctx, tx, userID)
		return err
	})
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		s.logger.Info("Removed duplicate photos",
			zap.String("userID", userID.String()),
			zap.Int64("deleted", deleted))
	}

	return deleted, nil
}

// ResolvePhoto returns the requested photo, or the user's primary photo when
// photoID is nil, falling back to the newest photo.
func (s *PhotoService) ResolvePhoto(ctx context.Context, userID uuid.UUID, photoID *uuid.UUID) (*types.UserPhoto, error) {
	if photoID != nil {
		return s.model.GetPhoto(ctx, userID, *photoID)
	}

	photos, err := s.model.GetPhotos(ctx, userID)
	if err != nil {
		return nil, err
	}

	photo := PreferredPhoto(photos)
	if photo == nil {
		return nil, models.ErrPhotoNotFound
	}

	return photo, nil
}

// SaveEnhancement stores the enhancement result of a photo.
func (s *PhotoService) SaveEnhancement(
	ctx context.Context, photoID uuid.UUID, enhancedURL string, metadata *types.PhotoMetadata,
) error {
	return s.model.UpdateEnhancement(ctx, photoID, enhancedURL, metadata)
}

// PendingEnhancement returns photos that have not been enhanced yet.
func (s *PhotoService) PendingEnhancement(ctx context.Context, limit int) ([]*types.UserPhoto, error) {
	return s.model.GetPhotosPendingEnhancement(ctx, limit)
}

func (s *PhotoService) repairPrimaryWithTx(ctx context.Context, tx bun.Tx, userID uuid.UUID) (bool, error) {
	photos, err := s.model.GetPhotosWithTx(ctx, tx, userID)
	if err != nil {
		return false, err
	}

	primaryID, needsRepair := PrimaryRepair(photos)
	if !needsRepair {
		return false, nil
	}

	if err := s.model.SetPrimaryWithTx(ctx, tx, userID, primaryID); err != nil {
		return false, err
	}

	s.logger.Info("Repaired primary photo",
		zap.String("userID", userID.String()),
		zap.String("photoID", primaryID.String()))

	return true, nil
}

// PrimaryRepair decides whether photos (newest first) need their primary flag
// repaired and which photo should become primary.
func PrimaryRepair(photos []*types.UserPhoto) (uuid.UUID, bool) {
	if len(photos) == 0 {
		return uuid.Nil, false
	}

	primaries := 0
	for _, photo := range photos {
		if photo.IsPrimary {
			primaries++
		}
	}

	if primaries == 1 {
		return uuid.Nil, false
	}

	return photos[0].ID, true
}

// PreferredPhoto returns the primary photo, or the newest when none is
// primary. Photos must be ordered newest first.
func PreferredPhoto(photos []*types.UserPhoto) *types.UserPhoto {
	for _, photo := range photos {
		if photo.IsPrimary {
			return photo
		}
	}

	if len(photos) > 0 {
		return photos[0]
	}

	return nil
}

// DuplicatePhotos returns the ids of photos whose URL signature was already
// seen in an earlier (newer) photo.
func DuplicatePhotos(photos []*types.UserPhoto) []uuid.UUID {
	seen := make(map[string]struct{}, len(photos))

	var duplicates []uuid.UUID
	for _, photo := range photos {
		signature := PhotoSignature(photo.URL)
		if _, ok := seen[signature]; ok {
			duplicates = append(duplicates, photo.ID)
			continue
		}
		seen[signature] = struct{}{}
	}

	return duplicates
}

// FindPhotoSignature returns the photo whose URL signature matches url, or nil.
func FindPhotoSignature(photos []*types.UserPhoto, url string) *types.UserPhoto {
	signature := PhotoSignature(url)
	for _, photo := range photos {
		if PhotoSignature(photo.URL) == signature {
			return photo
		}
	}
	return nil
}

// PhotoSignature is the prefix of a photo URL that identifies an upload.
func PhotoSignature(url string) string {
	if len(url) > photoSignatureLength {
		return url[:photoSignatureLength]
	}
	return url
}
