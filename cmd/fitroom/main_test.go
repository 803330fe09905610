package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robalyx/fitroom/internal/ai"
	"github.com/robalyx/fitroom/internal/database/models"
	"github.com/robalyx/fitroom/internal/database/service"
	"github.com/robalyx/fitroom/internal/imagecodec"
	"github.com/robalyx/fitroom/internal/tryon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribeError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{
			name:     "configuration",
			err:      fmt.Errorf("outfit: %w", &ai.ConfigurationError{Capability: "image generation"}),
			contains: "image generation is unavailable",
		},
		{
			name:     "generation",
			err:      &ai.GenerationError{Attempts: 3, Err: ai.ErrNoImage},
			contains: "after 3 attempts",
		},
		{
			name:     "invalid image",
			err:      fmt.Errorf("failed to load product image: %w", &imagecodec.InvalidImageError{Reference: "x.html", Reason: "not an image"}),
			contains: `"x.html" cannot be used: not an image`,
		},
		{
			name:     "photo not found",
			err:      models.ErrPhotoNotFound,
			contains: "fitroom photos add",
		},
		{
			name:     "duplicate photo",
			err:      fmt.Errorf("%w as 2b1c", service.ErrDuplicatePhoto),
			contains: "already stored",
		},
		{
			name:     "other",
			err:      os.ErrPermission,
			contains: os.ErrPermission.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Contains(t, describeError(tt.err), tt.contains)
		})
	}
}

func TestParseUUID(t *testing.T) {
	t.Parallel()

	id, err := parseUUID("")
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, id)

	want := uuid.New()
	id, err = parseUUID(want.String())
	require.NoError(t, err)
	assert.Equal(t, want, id)

	_, err = parseUUID("not-a-uuid")
	require.ErrorIs(t, err, ErrInvalidUUIDArg)
}

func TestReadItems(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	path := filepath.Join(dir, "products.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "sku-1", "name": "Linen Shirt", "category": "tops", "imageUrl": "https://shop.example.com/shirt.png"},
		{"name": "Scarf", "imageUrl": "https://shop.example.com/scarf.png"}
	]`), 0o600))

	products, err := readItems[tryon.Product](path)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "sku-1", products[0].ID)
	assert.Equal(t, "tops", products[0].Descriptor())
	assert.Empty(t, products[1].ID)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`[]`), 0o600))

	_, err = readItems[tryon.OutfitItem](empty)
	require.ErrorIs(t, err, ErrNoInputItems)

	_, err = readItems[tryon.OutfitItem](filepath.Join(dir, "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSweepCutoff(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 8, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, now, sweepCutoff(now, 0))
	assert.Equal(t, now.Add(-48*time.Hour), sweepCutoff(now, 48*time.Hour))
}
