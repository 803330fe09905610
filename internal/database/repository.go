package database

import (
	"github.com/robalyx/fitroom/internal/database/models"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// Repository provides access to all database models.
type Repository struct {
	photo      *models.PhotoModel
	tryOnCache *models.TryOnCacheModel
}

// NewRepository creates a new repository instance with all models.
func NewRepository(db *bun.DB, logger *zap.Logger) *Repository {
	return &Repository{
		photo:      models.NewPhoto(db, logger),
		tryOnCache: models.NewTryOnCache(db, logger),
	}
}

// Photo returns the user photo model repository.
func (r *Repository) Photo() *models.PhotoModel {
	return r.photo
}

// TryOnCache returns the try-on cache model repository.
func (r *Repository) TryOnCache() *models.TryOnCacheModel {
	return r.tryOnCache
}
