package ai

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/generative-ai-go/genai"
	"github.com/robalyx/fitroom/internal/ai/client"
	"github.com/robalyx/fitroom/internal/imagecodec"
	"github.com/robalyx/fitroom/internal/metrics"
	"github.com/robalyx/fitroom/internal/setup/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("fitroom/ai")

// TryOnOptions configures a TryOnGenerator.
type TryOnOptions struct {
	Model          string
	MaxAttempts    int
	InitialBackoff time.Duration
	AttemptTimeout time.Duration
	Strategies     []PromptStrategy
	// NewTimer supplies the timer used between attempts. Nil uses wall-clock timers.
	NewTimer func() backoff.Timer
}

// TryOnOptionsFromConfig builds generator options from configuration.
func TryOnOptionsFromConfig(gemini *config.Gemini, gen *config.Generation) TryOnOptions {
	return TryOnOptions{
		Model:          gemini.ImageModel,
		MaxAttempts:    gen.MaxAttempts,
		InitialBackoff: time.Duration(gen.InitialBackoff) * time.Millisecond,
		AttemptTimeout: time.Duration(gen.AttemptTimeout) * time.Millisecond,
	}
}

// TryOnGenerator renders a person wearing a garment using the prompt ladder.
type TryOnGenerator struct {
	client client.ContentGenerator
	opts   TryOnOptions
	logger *zap.Logger
}

// NewTryOnGenerator creates a new TryOnGenerator.
func NewTryOnGenerator(c client.ContentGenerator, opts TryOnOptions, logger *zap.Logger) *TryOnGenerator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 90 * time.Second
	}
	if len(opts.Strategies) == 0 {
		opts.Strategies = TryOnStrategies
	}

	return &TryOnGenerator{
		client: c,
		opts:   opts,
		logger: logger.Named("tryon_generator"),
	}
}

// ModelVersion returns the model name used for cache identity.
func (g *TryOnGenerator) ModelVersion() string {
	return g.opts.Model
}

// Generate returns a data URL of the person wearing the garment.
//
// Each attempt re-sends both images with the next prompt strategy. Failed
// attempts back off exponentially (1s, 2s, 4s by default). A missing
// credential fails immediately with *ConfigurationError; running out of
// attempts returns *GenerationError wrapping the last failure.
func (g *TryOnGenerator) Generate(
	ctx context.Context, person, garment imagecodec.Image, productName, productDescription string,
) (string, error) {
	if !g.client.Configured() {
		return "", &ConfigurationError{Capability: "image generation"}
	}

	start := time.Now()
	defer func() {
		metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	}()

	var (
		attempt int
		result  imagecodec.Image
		lastErr error
	)

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		strategy := g.opts.Strategies[min(attempt, len(g.opts.Strategies)-1)]
		attempt++

		img, err := g.attempt(ctx, attempt, strategy, person, garment, productName, productDescription)
		if err != nil {
			lastErr = err
			metrics.GenerationAttempts.WithLabelValues(strategy.Name, "failure").Inc()

			var cfgErr *ConfigurationError
			if errors.As(err, &cfgErr) {
				return backoff.Permanent(err)
			}

			g.logger.Warn("Try-on attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("maxAttempts", g.opts.MaxAttempts),
				zap.String("strategy", strategy.Name),
				zap.String("product", productName),
				zap.Error(err))

			return err
		}

		metrics.GenerationAttempts.WithLabelValues(strategy.Name, "success").Inc()
		result = img

		return nil
	}

	var timer backoff.Timer
	if g.opts.NewTimer != nil {
		timer = g.opts.NewTimer()
	}

	err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(g.newBackOff(), ctx), func(err error, wait time.Duration) {
		g.logger.Debug("Backing off before next try-on attempt",
			zap.Duration("wait", wait),
			zap.Error(err))
	}, timer)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			return "", cfgErr
		}

		if lastErr == nil {
			lastErr = err
		}

		return "", &GenerationError{Attempts: attempt, Err: lastErr}
	}

	g.logger.Debug("Try-on generated",
		zap.Int("attempts", attempt),
		zap.String("product", productName),
		zap.Int("bytes", len(result.Data)))

	return result.DataURL(), nil
}

// newBackOff returns a jitter-free doubling schedule capped at MaxAttempts.
func (g *TryOnGenerator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(g.opts.InitialBackoff),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(g.opts.InitialBackoff<<uint(g.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)

	return backoff.WithMaxRetries(b, uint64(g.opts.MaxAttempts-1))
}

// attempt performs one model call with its own deadline.
func (g *TryOnGenerator) attempt(
	ctx context.Context, attempt int, strategy PromptStrategy,
	person, garment imagecodec.Image, productName, productDescription string,
) (imagecodec.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.AttemptTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "tryon.generate.attempt")
	defer span.End()

	span.SetAttributes(
		attribute.Int("tryon.attempt", attempt),
		attribute.String("tryon.strategy", strategy.Name),
		attribute.String("tryon.model", g.opts.Model),
	)

	resp, err := g.client.GenerateContent(ctx, client.Request{
		Model: g.opts.Model,
		Parts: []genai.Part{
			imagePart(garment),
			imagePart(person),
			genai.Text(strategy.Build(productName, productDescription)),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")

		if errors.Is(err, client.ErrNotConfigured) {
			return imagecodec.Image{}, &ConfigurationError{Capability: "image generation"}
		}

		reason := "request failed"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "attempt timed out"
		}

		return imagecodec.Image{}, &TransientGenerationError{
			Attempt:  attempt,
			Strategy: strategy.Name,
			Reason:   reason,
			Err:      err,
		}
	}

	img, ok := ExtractImage(resp)
	if !ok {
		span.SetStatus(codes.Error, "no image in response")

		return imagecodec.Image{}, &TransientGenerationError{
			Attempt:  attempt,
			Strategy: strategy.Name,
			Reason:   "model answered with text: " + truncate(ResponseText(resp), 200),
			Err:      ErrNoImage,
		}
	}

	return img, nil
}
