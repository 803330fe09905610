package database

import (
	"github.com/robalyx/fitroom/internal/database/service"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// Service provides access to all business logic services.
type Service struct {
	photo *service.PhotoService
}

// NewService creates a new service instance with all services.
func NewService(db *bun.DB, repository *Repository, maxPhotos int, logger *zap.Logger) *Service {
	return &Service{
		photo: service.NewPhoto(db, repository.Photo(), maxPhotos, logger),
	}
}

// Photo returns the user photo service.
func (s *Service) Photo() *service.PhotoService {
	return s.photo
}
