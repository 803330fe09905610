package setup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/generative-ai-go/genai"
	aiClient "github.com/robalyx/fitroom/internal/ai/client"
	"github.com/robalyx/fitroom/internal/metrics"
	"github.com/robalyx/fitroom/internal/setup/config"
	"github.com/robalyx/fitroom/internal/tryon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// unconfiguredGenAI is a model client without a credential.
type unconfiguredGenAI struct{}

func (unconfiguredGenAI) Configured() bool { return false }

func (unconfiguredGenAI) GenerateContent(context.Context, aiClient.Request) (*genai.GenerateContentResponse, error) {
	return nil, aiClient.ErrNotConfigured
}

func TestDebugMuxServesMetrics(t *testing.T) {
	t.Parallel()

	metrics.CacheLookups.WithLabelValues("hit").Inc()

	server := httptest.NewServer(newDebugMux())
	t.Cleanup(server.Close)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, server.URL+"/metrics", nil)
	require.NoError(t, err)

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func TestNewEnhancerProviders(t *testing.T) {
	t.Parallel()

	logger := zaptest.NewLogger(t)

	for _, provider := range []string{BackgroundProviderGenAI, BackgroundProviderHTTP, BackgroundProviderNone} {
		cfg := &config.Config{}
		cfg.TryOn.Enhance.BackgroundProvider = provider

		pipeline, err := newEnhancer(cfg, unconfiguredGenAI{}, nil, http.DefaultClient, logger)
		require.NoError(t, err, provider)
		assert.NotNil(t, pipeline)
	}

	cfg := &config.Config{}
	cfg.TryOn.Enhance.BackgroundProvider = "magic"

	_, err := newEnhancer(cfg, unconfiguredGenAI{}, nil, http.DefaultClient, logger)
	require.ErrorIs(t, err, ErrInvalidBackgroundProvider)
}

func TestNewArtifactStoreDefaultsToInline(t *testing.T) {
	t.Parallel()

	store, err := newArtifactStore(t.Context(), &config.Storage{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, tryon.InlineStore{}, store)
}
