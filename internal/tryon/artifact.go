package tryon

import (
	"context"

	"github.com/robalyx/fitroom/internal/imagecodec"
)

// ArtifactStore persists a generated image and returns the URL to cache.
type ArtifactStore interface {
	Save(ctx context.Context, img imagecodec.Image) (string, error)
}

// InlineStore keeps generated images as data URLs.
type InlineStore struct{}

// Save returns the image as a data URL.
func (InlineStore) Save(_ context.Context, img imagecodec.Image) (string, error) {
	return img.DataURL(), nil
}
