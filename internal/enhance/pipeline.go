package enhance

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"runtime/debug"
	"time"

	"github.com/disintegration/imaging"
	"github.com/robalyx/fitroom/internal/ai/client"
	"github.com/robalyx/fitroom/internal/imagecodec"
	"github.com/robalyx/fitroom/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	minOutpaintHeight = 1024
	outpaintAspect    = 0.75
)

var (
	tracer = otel.Tracer("fitroom/enhance")

	errStageSkipped = errors.New("stage skipped")
)

// Decoder loads a reference into a decoded image.
type Decoder interface {
	Decode(ctx context.Context, reference string) (image.Image, error)
}

// Dependencies are the optional model-backed capabilities. A nil field
// disables the stages that need it.
type Dependencies struct {
	CropDetector      CropDetector
	Outpainter        Outpainter
	BackgroundRemover BackgroundRemover
}

// Pipeline runs the enhancement stages for a single photo.
type Pipeline struct {
	decoder      Decoder
	deps         Dependencies
	stageTimeout time.Duration
	logger       *zap.Logger
}

// NewPipeline creates a new Pipeline.
func NewPipeline(decoder Decoder, deps Dependencies, stageTimeout time.Duration, logger *zap.Logger) *Pipeline {
	if stageTimeout <= 0 {
		stageTimeout = 60 * time.Second
	}

	return &Pipeline{
		decoder:      decoder,
		deps:         deps,
		stageTimeout: stageTimeout,
		logger:       logger.Named("enhance"),
	}
}

// Enhance decodes the reference and runs every enabled stage in order.
// Only a decode failure is returned as an error.
func (p *Pipeline) Enhance(ctx context.Context, reference string, opts Options) (*Result, error) {
	ctx, span := tracer.Start(ctx, "enhance.photo")
	defer span.End()

	if opts.MinResolution <= 0 {
		opts.MinResolution = DefaultOptions().MinResolution
	}

	decoded, err := p.decoder.Decode(ctx, reference)
	if err != nil {
		metrics.EnhanceStages.WithLabelValues(StageDecode, "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")

		return nil, fmt.Errorf("failed to decode photo: %w", err)
	}

	current := decoded
	result := &Result{}

	if opts.UpscaleIfNeeded {
		current = p.apply(ctx, result, StageUpscale, WarnUpscaleFailed, current, func(_ context.Context, img image.Image) (image.Image, error) {
			return upscale(img, opts.MinResolution)
		}, &result.Flags.QualityUpscaled)
	}

	if opts.ExtendIfCropped && p.deps.CropDetector != nil && p.deps.Outpainter != nil {
		current = p.apply(ctx, result, StageExtend, WarnExtensionFailed, current, p.extend, &result.Flags.ImageExtended)
	}

	if opts.RemoveBackground && p.deps.BackgroundRemover != nil {
		current = p.apply(ctx, result, StageBackground, WarnBackgroundFailed, current, p.deps.BackgroundRemover.RemoveBackground, &result.Flags.BackgroundRemoved)
	}

	if opts.CorrectLighting {
		current = p.apply(ctx, result, StageLighting, WarnLightingFailed, current, func(_ context.Context, img image.Image) (image.Image, error) {
			return CorrectLighting(img), nil
		}, &result.Flags.LightingCorrected)
	}

	encoded, err := imagecodec.EncodeImage(current, imagecodec.FormatWebP, 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")

		return nil, fmt.Errorf("failed to encode enhanced photo: %w", err)
	}

	bounds := current.Bounds()
	result.ImageURL = encoded.DataURL()
	result.Width = bounds.Dx()
	result.Height = bounds.Dy()

	span.SetAttributes(
		attribute.Bool("enhance.upscaled", result.Flags.QualityUpscaled),
		attribute.Bool("enhance.extended", result.Flags.ImageExtended),
		attribute.Bool("enhance.background_removed", result.Flags.BackgroundRemoved),
		attribute.Bool("enhance.lighting_corrected", result.Flags.LightingCorrected),
		attribute.Int("enhance.warnings", len(result.Warnings)),
	)

	p.logger.Debug("Photo enhanced",
		zap.Int("width", result.Width),
		zap.Int("height", result.Height),
		zap.Any("flags", result.Flags),
		zap.Strings("warnings", result.Warnings))

	return result, nil
}

// apply runs one stage and returns the image the next stage should use.
func (p *Pipeline) apply(
	ctx context.Context, result *Result, stage, warning string, current image.Image,
	fn func(context.Context, image.Image) (image.Image, error), flag *bool,
) image.Image {
	out, err := p.runStage(ctx, stage, current, fn)
	switch {
	case errors.Is(err, errStageSkipped):
		metrics.EnhanceStages.WithLabelValues(stage, "skipped").Inc()
		return current
	case err != nil:
		metrics.EnhanceStages.WithLabelValues(stage, "failed").Inc()
		result.Warnings = append(result.Warnings, warning)

		p.logger.Warn("Enhancement stage failed",
			zap.String("stage", stage),
			zap.Error(err))

		return current
	case out == nil:
		metrics.EnhanceStages.WithLabelValues(stage, "skipped").Inc()
		return current
	default:
		metrics.EnhanceStages.WithLabelValues(stage, "applied").Inc()
		*flag = true
		return out
	}
}

// runStage executes fn under the stage deadline and converts panics into
// a *StageError.
func (p *Pipeline) runStage(
	ctx context.Context, stage string, current image.Image,
	fn func(context.Context, image.Image) (image.Image, error),
) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "enhance.stage."+stage)
	defer span.End()

	type outcome struct {
		img image.Image
		err error
	}

	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Enhancement stage panicked",
					zap.String("stage", stage),
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())))

				done <- outcome{err: &StageError{Stage: stage, Err: fmt.Errorf("panic: %v", r)}}
			}
		}()

		img, err := fn(ctx, current)
		done <- outcome{img: img, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && !errors.Is(res.err, errStageSkipped) {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, "stage failed")

			var stageErr *StageError
			if !errors.As(res.err, &stageErr) {
				res.err = &StageError{Stage: stage, Err: res.err}
			}
		}
		return res.img, res.err
	case <-ctx.Done():
		span.SetStatus(codes.Error, "stage timed out")
		return nil, &StageError{Stage: stage, Err: ctx.Err()}
	}
}

// extend asks the classifier whether the photo is cropped and outpaints it
// when it is. A classifier that is unavailable or fails skips the stage.
func (p *Pipeline) extend(ctx context.Context, img image.Image) (image.Image, error) {
	verdict, err := p.deps.CropDetector.DetectCrop(ctx, img)
	if err != nil {
		if !errors.Is(err, client.ErrNotConfigured) {
			p.logger.Debug("Crop detection unavailable, skipping extension", zap.Error(err))
		}
		return nil, errStageSkipped
	}

	if !verdict.IsCropped {
		return nil, errStageSkipped
	}

	width, height := OutpaintTarget(img.Bounds().Dy())

	p.logger.Debug("Photo is cropped, extending",
		zap.Float64("confidence", verdict.Confidence),
		zap.String("reason", verdict.Reason),
		zap.Int("targetWidth", width),
		zap.Int("targetHeight", height))

	extended, err := p.deps.Outpainter.Extend(ctx, img, width, height)
	if err != nil {
		return nil, err
	}

	// models rarely honour the requested canvas exactly; match the height
	// and let the width follow the model's aspect ratio
	if extended.Bounds().Dy() != height {
		return imaging.Resize(extended, 0, height, imaging.Lanczos), nil
	}

	return extended, nil
}

// OutpaintTarget returns the canvas size for extending a photo of height h.
func OutpaintTarget(h int) (int, int) {
	height := max(2*h, minOutpaintHeight)
	width := int(math.Round(outpaintAspect * float64(height)))

	return width, height
}

// upscale scales img with a Lanczos filter so its shorter side reaches
// minResolution. It returns
// nil when the image is already large enough.
func upscale(img image.Image, minResolution int) (image.Image, error) {
	b := img.Bounds()
	shorter := min(b.Dx(), b.Dy())
	if shorter <= 0 {
		return nil, errors.New("image has no pixels")
	}
	if shorter >= minResolution {
		return nil, nil
	}

	scale := float64(minResolution) / float64(shorter)
	width := int(math.Round(float64(b.Dx()) * scale))
	height := int(math.Round(float64(b.Dy()) * scale))

	return imaging.Resize(img, width, height, imaging.Lanczos), nil
}
