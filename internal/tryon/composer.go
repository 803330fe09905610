package tryon

import (
	"context"
	"errors"

	"github.com/robalyx/fitroom/internal/ai"
	"github.com/robalyx/fitroom/internal/imagecodec"
	"go.uber.org/zap"
)

// Generator renders a person wearing a garment and returns a data URL.
type Generator interface {
	Generate(ctx context.Context, person, garment imagecodec.Image, productName, productDescription string) (string, error)
	ModelVersion() string
}

// Normalizer loads an image reference into a bounded, single-format image.
type Normalizer interface {
	Normalize(ctx context.Context, reference string) (imagecodec.Image, error)
}

// OutfitItem is one garment of an outfit.
type OutfitItem struct {
	Name        string `json:"name"`
	ImageURL    string `json:"imageUrl"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
}

// Descriptor is the garment description passed to generation.
func (i OutfitItem) Descriptor() string {
	if i.Description != "" {
		return i.Description
	}
	return i.Category
}

// Composition is the outcome of layering an outfit.
type Composition struct {
	Image   imagecodec.Image
	Applied []string // Names of items rendered onto the photo, in order
	Skipped []string // Names of items that failed and were left out
}

// OutfitComposer layers garments onto a photo one after another.
type OutfitComposer struct {
	codec     Normalizer
	generator Generator
	logger    *zap.Logger
}

// NewOutfitComposer creates an OutfitComposer.
func NewOutfitComposer(codec Normalizer, generator Generator, logger *zap.Logger) *OutfitComposer {
	return &OutfitComposer{
		codec:     codec,
		generator: generator,
		logger:    logger.Named("outfit_composer"),
	}
}

// ComposeOutfit returns base with every usable item rendered onto it.
func (c *OutfitComposer) ComposeOutfit(
	ctx context.Context, base imagecodec.Image, items []OutfitItem,
) (imagecodec.Image, error) {
	composition, err := c.Compose(ctx, base, items)
	if err != nil {
		return imagecodec.Image{}, err
	}
	return composition.Image, nil
}

// Compose layers items strictly in order. Each successful result becomes
// the base of the next item. An item that fails is skipped and the base is
// left unchanged. Only a missing credential or a canceled context abort
// the whole outfit.
func (c *OutfitComposer) Compose(ctx context.Context, base imagecodec.Image, items []OutfitItem) (*Composition, error) {
	composition := &Composition{Image: base}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next, err := c.layer(ctx, composition.Image, item)
		if err != nil {
			var cfgErr *ai.ConfigurationError
			if errors.As(err, &cfgErr) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			c.logger.Warn("Skipping outfit item",
				zap.Int("index", i),
				zap.String("item", item.Name),
				zap.Error(err))
			composition.Skipped = append(composition.Skipped, item.Name)
			continue
		}

		composition.Image = next
		composition.Applied = append(composition.Applied, item.Name)
	}

	c.logger.Debug("Composed outfit",
		zap.Int("applied", len(composition.Applied)),
		zap.Int("skipped", len(composition.Skipped)))

	return composition, nil
}

func (c *OutfitComposer) layer(ctx context.Context, base imagecodec.Image, item OutfitItem) (imagecodec.Image, error) {
	garment, err := c.codec.Normalize(ctx, item.ImageURL)
	if err != nil {
		return imagecodec.Image{}, err
	}

	dataURL, err := c.generator.Generate(ctx, base, garment, item.Name, item.Descriptor())
	if err != nil {
		return imagecodec.Image{}, err
	}

	return c.codec.Normalize(ctx, dataURL)
}
