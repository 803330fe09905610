// Package tryon serves virtual try-on requests. It checks the try-on cache,
// generates misses, layers outfits and enhances user photos.
package tryon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robalyx/fitroom/internal/ai"
	"github.com/robalyx/fitroom/internal/database/types"
	"github.com/robalyx/fitroom/internal/enhance"
	"github.com/robalyx/fitroom/internal/imagecodec"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

var (
	ErrMissingProductImage = errors.New("product has no image")
	ErrPhotoIDRequired     = errors.New("photo id is required with a photo URL")
	ErrNoPhotoStore        = errors.New("stored photos are unavailable")
)

// PhotoStore looks up and updates stored user photos.
type PhotoStore interface {
	AddPhoto(ctx context.Context, userID uuid.UUID, url string) (*types.UserPhoto, error)
	ResolvePhoto(ctx context.Context, userID uuid.UUID, photoID *uuid.UUID) (*types.UserPhoto, error)
	SaveEnhancement(ctx context.Context, photoID uuid.UUID, enhancedURL string, metadata *types.PhotoMetadata) error
}

// Enhancer runs the photo enhancement pipeline.
type Enhancer interface {
	Enhance(ctx context.Context, reference string, opts enhance.Options) (*enhance.Result, error)
}

// PhotoRef names the person photo of a request.
type PhotoRef struct {
	ID  uuid.UUID // Stored photo; uuid.Nil selects the user's primary photo
	URL string    // Image used as-is instead of the stored one; requires ID
}

// TryOnResult is the outcome of a single try-on.
type TryOnResult struct {
	ImageURL string `json:"imageUrl"`
	Cached   bool   `json:"cached"`
}

// BatchResult maps product identifiers to generated images. Products that
// could not be generated are only listed in Failed.
type BatchResult struct {
	Results map[string]string `json:"results"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// OutfitResult is the outcome of an outfit request.
type OutfitResult struct {
	ImageURL string   `json:"imageUrl"`
	Applied  []string `json:"applied"`
	Skipped  []string `json:"skipped,omitempty"`
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	PromptVersion    string
	BatchConcurrency int
}

// ServiceDeps are the collaborators of a Service. Photos and Enhancer may be
// nil when stored photos or enhancement are not available.
type ServiceDeps struct {
	Codec     Normalizer
	Generator Generator
	Cache     *Cache
	Artifacts ArtifactStore
	Photos    PhotoStore
	Enhancer  Enhancer
}

// Service is the try-on entry point used by the calling layer.
type Service struct {
	deps     ServiceDeps
	opts     ServiceOptions
	composer *OutfitComposer
	logger   *zap.Logger
}

// resolvedPhoto is the person photo a request runs against.
type resolvedPhoto struct {
	id          uuid.UUID
	baseURL     string
	originalURL string
	stored      bool
}

// NewService creates a Service.
func NewService(deps ServiceDeps, opts ServiceOptions, logger *zap.Logger) *Service {
	if opts.PromptVersion == "" {
		opts.PromptVersion = "v1"
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = 1
	}
	if deps.Artifacts == nil {
		deps.Artifacts = InlineStore{}
	}

	return &Service{
		deps:     deps,
		opts:     opts,
		composer: NewOutfitComposer(deps.Codec, deps.Generator, logger),
		logger:   logger.Named("tryon_service"),
	}
}

// RequestTryOn returns the photo with the product rendered on it, from the
// cache when possible. A generated image is returned even if caching it fails.
func (s *Service) RequestTryOn(ctx context.Context, userID uuid.UUID, ref PhotoRef, product Product) (*TryOnResult, error) {
	if product.ImageURL == "" {
		return nil, ErrMissingProductImage
	}

	photo, err := s.resolvePhoto(ctx, userID, ref)
	if err != nil {
		return nil, err
	}

	key := s.cacheKey(userID, photo.id, product)

	entry, hit, err := s.deps.Cache.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if hit {
		return &TryOnResult{ImageURL: entry.GeneratedImageURL, Cached: true}, nil
	}

	person, err := s.deps.Codec.Normalize(ctx, photo.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to load person photo: %w", err)
	}

	imageURL, err := s.generate(ctx, person, key, product)
	if err != nil {
		return nil, err
	}

	return &TryOnResult{ImageURL: imageURL}, nil
}

// RequestBatchTryOn renders several products onto one photo. Cached products
// are resolved with a single lookup; misses are generated with at most
// BatchConcurrency calls in flight. Failed products are left out of Results.
// Later products repeating an earlier product id are ignored.
func (s *Service) RequestBatchTryOn(
	ctx context.Context, userID uuid.UUID, ref PhotoRef, products []Product,
) (*BatchResult, error) {
	photo, err := s.resolvePhoto(ctx, userID, ref)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{
		Results: make(map[string]string, len(products)),
		Failed:  make(map[string]string),
	}

	scope := types.CacheScope{UserID: userID, PhotoID: photo.id, ModelVersion: s.deps.Generator.ModelVersion()}
	byKey := make(map[types.ProductKey]Product, len(products))
	keys := make([]types.ProductKey, 0, len(products))

	// Results are keyed by product id, so the first product with an id wins.
	seen := make(map[string]struct{}, len(products))
	for _, product := range products {
		if product.ImageURL == "" {
			id := product.identifier()
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				result.Failed[id] = ErrMissingProductImage.Error()
			}
			continue
		}

		key := product.Key(s.opts.PromptVersion)
		if _, dup := seen[key.ID()]; dup {
			s.logger.Debug("Skipping repeated product in batch", zap.String("product", key.ID()))
			continue
		}
		seen[key.ID()] = struct{}{}
		byKey[key] = product
		keys = append(keys, key)
	}

	hits, err := s.deps.Cache.LookupMany(ctx, scope, keys)
	if err != nil {
		return nil, err
	}

	var misses []types.ProductKey
	for _, key := range keys {
		if entry, ok := hits[key]; ok {
			result.Results[key.ID()] = entry.GeneratedImageURL
			continue
		}
		misses = append(misses, key)
	}

	if len(misses) == 0 {
		return result, nil
	}

	person, err := s.deps.Codec.Normalize(ctx, photo.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to load person photo: %w", err)
	}

	var (
		mu     sync.Mutex
		cfgErr error
		p      = pool.New().WithMaxGoroutines(s.opts.BatchConcurrency)
	)

	for _, key := range misses {
		p.Go(func() {
			var (
				imageURL string
				err      = ctx.Err()
			)
			if err == nil {
				imageURL, err = s.generate(ctx, person, types.CacheKey{CacheScope: scope, ProductKey: key}, byKey[key])
			}

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				var configErr *ai.ConfigurationError
				if errors.As(err, &configErr) {
					cfgErr = err
				}

				result.Failed[key.ID()] = err.Error()
				s.logger.Warn("Batch try-on failed for product",
					zap.String("product", key.ID()),
					zap.Error(err))
				return
			}

			result.Results[key.ID()] = imageURL
		})
	}

	p.Wait()

	if cfgErr != nil {
		return nil, cfgErr
	}

	s.logger.Info("Batch try-on finished",
		zap.String("userID", userID.String()),
		zap.Int("requested", len(products)),
		zap.Int("cached", len(keys)-len(misses)),
		zap.Int("generated", len(result.Results)-(len(keys)-len(misses))),
		zap.Int("failed", len(result.Failed)))

	return result, nil
}

// RequestOutfit layers items onto the photo in order, skipping items that fail.
func (s *Service) RequestOutfit(
	ctx context.Context, userID uuid.UUID, ref PhotoRef, items []OutfitItem,
) (*OutfitResult, error) {
	photo, err := s.resolvePhoto(ctx, userID, ref)
	if err != nil {
		return nil, err
	}

	base, err := s.deps.Codec.Normalize(ctx, photo.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to load person photo: %w", err)
	}

	composition, err := s.composer.Compose(ctx, base, items)
	if err != nil {
		return nil, err
	}

	return &OutfitResult{
		ImageURL: s.persist(ctx, composition.Image),
		Applied:  composition.Applied,
		Skipped:  composition.Skipped,
	}, nil
}

// AddPhoto stores a new primary photo for the user and enhances it. A failed
// enhancement is logged and the photo is kept with its original image.
func (s *Service) AddPhoto(
	ctx context.Context, userID uuid.UUID, url string, opts enhance.Options,
) (*types.UserPhoto, error) {
	if s.deps.Photos == nil {
		return nil, ErrNoPhotoStore
	}

	photo, err := s.deps.Photos.AddPhoto(ctx, userID, url)
	if err != nil {
		return nil, err
	}

	result, err := s.EnhancePhoto(ctx, userID, PhotoRef{ID: photo.ID}, opts)
	if err != nil {
		s.logger.Warn("Failed to enhance new photo, keeping the original",
			zap.String("photoID", photo.ID.String()),
			zap.Error(err))
		return photo, nil
	}

	photo.EnhancedURL = result.ImageURL
	return photo, nil
}

// EnhancePhoto runs the enhancement pipeline on the original photo. For
// stored photos the result becomes the base image of later try-ons.
func (s *Service) EnhancePhoto(
	ctx context.Context, userID uuid.UUID, ref PhotoRef, opts enhance.Options,
) (*enhance.Result, error) {
	if s.deps.Enhancer == nil {
		return nil, &ai.ConfigurationError{Capability: "photo enhancement"}
	}

	photo, err := s.resolvePhoto(ctx, userID, ref)
	if err != nil {
		return nil, err
	}

	result, err := s.deps.Enhancer.Enhance(ctx, photo.originalURL, opts)
	if err != nil {
		return nil, err
	}

	if img, err := imagecodec.ParseDataURL(result.ImageURL); err == nil {
		result.ImageURL = s.persist(ctx, img)
	}

	if !photo.stored {
		return result, nil
	}

	metadata := &types.PhotoMetadata{
		QualityUpscaled:   result.Flags.QualityUpscaled,
		ImageExtended:     result.Flags.ImageExtended,
		BackgroundRemoved: result.Flags.BackgroundRemoved,
		LightingCorrected: result.Flags.LightingCorrected,
		Warnings:          result.Warnings,
		EnhancedAt:        time.Now(),
	}
	if err := s.deps.Photos.SaveEnhancement(ctx, photo.id, result.ImageURL, metadata); err != nil {
		return nil, fmt.Errorf("failed to store enhanced photo: %w", err)
	}

	return result, nil
}

// generate renders one product, persists the image and caches it.
func (s *Service) generate(
	ctx context.Context, person imagecodec.Image, key types.CacheKey, product Product,
) (string, error) {
	garment, err := s.deps.Codec.Normalize(ctx, product.ImageURL)
	if err != nil {
		return "", fmt.Errorf("failed to load product image: %w", err)
	}

	dataURL, err := s.deps.Generator.Generate(ctx, person, garment, product.Name, product.Descriptor())
	if err != nil {
		return "", err
	}

	imageURL := dataURL
	if img, err := imagecodec.ParseDataURL(dataURL); err == nil {
		imageURL = s.persist(ctx, img)
	}

	if _, err := s.deps.Cache.Store(ctx, key, imageURL); err != nil {
		s.logger.Warn("Failed to cache generated try-on",
			zap.String("product", key.ID()),
			zap.Error(err))
	}

	return imageURL, nil
}

// persist saves img through the artifact store, falling back to a data URL.
func (s *Service) persist(ctx context.Context, img imagecodec.Image) string {
	url, err := s.deps.Artifacts.Save(ctx, img)
	if err != nil {
		s.logger.Warn("Failed to store artifact, returning inline image", zap.Error(err))
		return img.DataURL()
	}
	return url
}

func (s *Service) resolvePhoto(ctx context.Context, userID uuid.UUID, ref PhotoRef) (*resolvedPhoto, error) {
	if ref.URL != "" {
		if ref.ID == uuid.Nil {
			return nil, ErrPhotoIDRequired
		}
		return &resolvedPhoto{id: ref.ID, baseURL: ref.URL, originalURL: ref.URL}, nil
	}

	if s.deps.Photos == nil {
		return nil, ErrNoPhotoStore
	}

	var photoID *uuid.UUID
	if ref.ID != uuid.Nil {
		photoID = &ref.ID
	}

	photo, err := s.deps.Photos.ResolvePhoto(ctx, userID, photoID)
	if err != nil {
		return nil, err
	}

	return &resolvedPhoto{
		id:          photo.ID,
		baseURL:     photo.BaseURL(),
		originalURL: photo.URL,
		stored:      true,
	}, nil
}

func (s *Service) cacheKey(userID, photoID uuid.UUID, product Product) types.CacheKey {
	return types.CacheKey{
		CacheScope: types.CacheScope{
			UserID:       userID,
			PhotoID:      photoID,
			ModelVersion: s.deps.Generator.ModelVersion(),
		},
		ProductKey: product.Key(s.opts.PromptVersion),
	}
}
