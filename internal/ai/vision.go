package ai

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/generative-ai-go/genai"
	"github.com/robalyx/fitroom/internal/ai/client"
	"github.com/robalyx/fitroom/internal/enhance"
	"github.com/robalyx/fitroom/internal/imagecodec"
	"github.com/robalyx/fitroom/pkg/utils"
	"go.uber.org/zap"
)

// CropDetector asks the vision model whether a photo shows only part of a body.
type CropDetector struct {
	client client.ContentGenerator
	model  string
	logger *zap.Logger
}

// NewCropDetector creates a new CropDetector.
func NewCropDetector(c client.ContentGenerator, model string, logger *zap.Logger) *CropDetector {
	return &CropDetector{
		client: c,
		model:  model,
		logger: logger.Named("crop_detector"),
	}
}

// DetectCrop classifies the photo. Unparseable answers count as not cropped.
func (d *CropDetector) DetectCrop(ctx context.Context, img image.Image) (enhance.CropVerdict, error) {
	if !d.client.Configured() {
		return enhance.CropVerdict{}, client.ErrNotConfigured
	}

	encoded, err := imagecodec.EncodeImage(img, imagecodec.FormatJPEG, 85)
	if err != nil {
		return enhance.CropVerdict{}, fmt.Errorf("failed to encode photo: %w", err)
	}

	resp, err := d.client.GenerateContent(ctx, client.Request{
		Model:             d.model,
		Parts:             []genai.Part{imagePart(encoded), genai.Text(cropDetectionPrompt)},
		SystemInstruction: cropDetectionInstruction,
		Temperature:       utils.Ptr[float32](0),
		JSON:              true,
	})
	if err != nil {
		return enhance.CropVerdict{}, fmt.Errorf("crop detection request failed: %w", err)
	}

	verdict := ParseCropVerdict(ResponseText(resp))

	d.logger.Debug("Crop detection finished",
		zap.Bool("isCropped", verdict.IsCropped),
		zap.Float64("confidence", verdict.Confidence),
		zap.String("reason", verdict.Reason))

	return verdict, nil
}

// ParseCropVerdict decodes the classifier's JSON answer, tolerating code fences.
func ParseCropVerdict(text string) enhance.CropVerdict {
	text = stripCodeFence(text)

	var verdict enhance.CropVerdict
	if err := sonic.UnmarshalString(text, &verdict); err != nil {
		return enhance.CropVerdict{}
	}

	return verdict
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	text = strings.TrimPrefix(text, "```")
	if newline := strings.IndexByte(text, '\n'); newline >= 0 {
		text = text[newline+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	return strings.TrimSpace(text)
}

// Outpainter extends cropped photos with the image model.
type Outpainter struct {
	client client.ContentGenerator
	model  string
	logger *zap.Logger
}

// NewOutpainter creates a new Outpainter.
func NewOutpainter(c client.ContentGenerator, model string, logger *zap.Logger) *Outpainter {
	return &Outpainter{
		client: c,
		model:  model,
		logger: logger.Named("outpainter"),
	}
}

// Extend asks the model for a full-body version of the photo.
func (o *Outpainter) Extend(ctx context.Context, img image.Image, width, height int) (image.Image, error) {
	out, err := renderImage(ctx, o.client, o.model, img, outpaintPrompt(width, height))
	if err != nil {
		return nil, fmt.Errorf("outpainting failed: %w", err)
	}

	o.logger.Debug("Photo extended",
		zap.Int("width", out.Bounds().Dx()),
		zap.Int("height", out.Bounds().Dy()))

	return out, nil
}

// GenAIRemover removes backgrounds by having the image model place the
// subject on pure white and keying the white out.
type GenAIRemover struct {
	client    client.ContentGenerator
	model     string
	tolerance uint8
	logger    *zap.Logger
}

// NewGenAIRemover creates a new GenAIRemover.
func NewGenAIRemover(c client.ContentGenerator, model string, logger *zap.Logger) *GenAIRemover {
	return &GenAIRemover{
		client:    c,
		model:     model,
		tolerance: enhance.DefaultKeyTolerance,
		logger:    logger.Named("genai_remover"),
	}
}

// RemoveBackground returns the subject with a transparent background.
func (r *GenAIRemover) RemoveBackground(ctx context.Context, img image.Image) (image.Image, error) {
	out, err := renderImage(ctx, r.client, r.model, img, backgroundPrompt)
	if err != nil {
		return nil, fmt.Errorf("background removal failed: %w", err)
	}

	return enhance.KeyOutBackground(out, r.tolerance), nil
}

// renderImage sends one image with an instruction and decodes the image answer.
func renderImage(
	ctx context.Context, c client.ContentGenerator, model string, img image.Image, prompt string,
) (image.Image, error) {
	if !c.Configured() {
		return nil, &ConfigurationError{Capability: "image editing"}
	}

	encoded, err := imagecodec.EncodeImage(img, imagecodec.FormatPNG, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to encode photo: %w", err)
	}

	resp, err := c.GenerateContent(ctx, client.Request{
		Model: model,
		Parts: []genai.Part{imagePart(encoded), genai.Text(prompt)},
	})
	if err != nil {
		return nil, err
	}

	result, ok := ExtractImage(resp)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoImage, truncate(ResponseText(resp), 200))
	}

	return imagecodec.DecodeImage(result)
}
