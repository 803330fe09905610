package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/robalyx/fitroom/internal/setup/config"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"google.golang.org/api/option"
)

var (
	// ErrNotConfigured is returned when no API credential is available.
	ErrNotConfigured = errors.New("generative model is not configured")
	// ErrCircuitOpen is returned while the circuit breaker rejects requests.
	ErrCircuitOpen = errors.New("generative model circuit breaker is open")
)

// Request describes a single generateContent call.
type Request struct {
	Model             string       // Model name
	Parts             []genai.Part // Ordered inline images and text
	SystemInstruction string       // Optional system instruction
	Temperature       *float32     // Optional sampling temperature
	JSON              bool         // Ask for an application/json response
}

// ContentGenerator is the generative capability consumed by the pipeline.
type ContentGenerator interface {
	// Configured reports whether a credential is available.
	Configured() bool
	// GenerateContent performs one model call.
	GenerateContent(ctx context.Context, req Request) (*genai.GenerateContentResponse, error)
}

// GenAIClient implements ContentGenerator on top of the Gemini API.
// A single instance is created at startup and shared by every component.
type GenAIClient struct {
	client    *genai.Client
	breaker   *gobreaker.CircuitBreaker
	semaphore *semaphore.Weighted
	logger    *zap.Logger
}

// NewClient creates a new GenAIClient. A missing API key yields a client
// that reports itself as not configured instead of failing startup.
func NewClient(
	ctx context.Context, cfg *config.Gemini, breakerCfg *config.CircuitBreaker, logger *zap.Logger,
) (*GenAIClient, error) {
	logger = logger.Named("genai_client")

	var client *genai.Client

	if cfg.APIKey != "" {
		c, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create genai client: %w", err)
		}

		client = c
	} else {
		logger.Warn("Gemini API key is not set, generation features are unavailable")
	}

	settings := gobreaker.Settings{
		Name:        "genai",
		MaxRequests: breakerCfg.MaxRequests,
		Interval:    time.Duration(breakerCfg.Interval) * time.Second,
		Timeout:     time.Duration(breakerCfg.Timeout) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &GenAIClient{
		client:    client,
		breaker:   gobreaker.NewCircuitBreaker(settings),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		logger:    logger,
	}, nil
}

// Configured reports whether a credential is available.
func (c *GenAIClient) Configured() bool {
	return c.client != nil
}

// GenerateContent performs one model call under the global concurrency cap.
func (c *GenAIClient) GenerateContent(ctx context.Context, req Request) (*genai.GenerateContentResponse, error) {
	if c.client == nil {
		return nil, ErrNotConfigured
	}

	if err := c.semaphore.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire semaphore: %w", err)
	}
	defer c.semaphore.Release(1)

	model := c.client.GenerativeModel(req.Model)
	if req.SystemInstruction != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(req.SystemInstruction))
	}
	if req.Temperature != nil {
		model.SetTemperature(*req.Temperature)
	}
	if req.JSON {
		model.ResponseMIMEType = "application/json"
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return model.GenerateContent(ctx, req.Parts...)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}

		c.logger.Debug("Model call failed",
			zap.String("model", req.Model),
			zap.Error(err))

		return nil, err
	}

	return result.(*genai.GenerateContentResponse), nil
}

// Close releases the underlying client.
func (c *GenAIClient) Close() error {
	if c.client == nil {
		return nil
	}

	return c.client.Close()
}
