package tryon_test

import (
	"testing"

	"github.com/robalyx/fitroom/internal/ai"
	"github.com/robalyx/fitroom/internal/imagecodec"
	"github.com/robalyx/fitroom/internal/tryon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestComposeOutfitSkipsFailedItems(t *testing.T) {
	t.Parallel()

	generator := &fakeGenerator{failFor: map[string]error{
		"jacket": &ai.GenerationError{Attempts: 3, Err: ai.ErrNoImage},
	}}
	composer := tryon.NewOutfitComposer(fakeCodec{}, generator, zaptest.NewLogger(t))
	base := imagecodec.Image{MIMEType: "image/png", Data: []byte("photo")}

	composition, err := composer.Compose(t.Context(), base, []tryon.OutfitItem{
		{Name: "shirt", ImageURL: "shirt.png"},
		{Name: "jacket", ImageURL: "jacket.png"},
		{Name: "scarf", ImageURL: "bad-scarf.html"},
		{Name: "hat", ImageURL: "hat.png"},
	})
	require.NoError(t, err)

	assert.Equal(t, "photo|shirt|hat", string(composition.Image.Data))
	assert.Equal(t, []string{"shirt", "hat"}, composition.Applied)
	assert.Equal(t, []string{"jacket", "scarf"}, composition.Skipped)

	// The scarf never reached generation; the hat was layered on the shirt result
	assert.Equal(t, []string{"shirt", "jacket", "hat"}, generator.calls)
	assert.Equal(t, []string{"photo", "photo|shirt", "photo|shirt"}, generator.persons)
}

func TestComposeOutfitEmptyReturnsBase(t *testing.T) {
	t.Parallel()

	generator := &fakeGenerator{}
	composer := tryon.NewOutfitComposer(fakeCodec{}, generator, zaptest.NewLogger(t))
	base := imagecodec.Image{MIMEType: "image/png", Data: []byte("photo")}

	img, err := composer.ComposeOutfit(t.Context(), base, nil)
	require.NoError(t, err)
	assert.Equal(t, base, img)
	assert.Equal(t, 0, generator.callCount())
}

func TestComposeOutfitConfigurationErrorAborts(t *testing.T) {
	t.Parallel()

	cfgErr := &ai.ConfigurationError{Capability: "image generation"}
	generator := &fakeGenerator{failFor: map[string]error{"shirt": cfgErr}}
	composer := tryon.NewOutfitComposer(fakeCodec{}, generator, zaptest.NewLogger(t))

	_, err := composer.ComposeOutfit(t.Context(), imagecodec.Image{Data: []byte("photo")}, []tryon.OutfitItem{
		{Name: "shirt", ImageURL: "shirt.png"},
		{Name: "hat", ImageURL: "hat.png"},
	})
	require.ErrorIs(t, err, cfgErr)
	assert.Equal(t, 1, generator.callCount())
}
