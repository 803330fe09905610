// Package enhance improves uploaded user photos before they are used as the
// base image for try-ons. Every stage after decoding is optional and a failed
// stage never discards the work of earlier stages.
package enhance

import (
	"context"
	"fmt"
	"image"
)

// Warnings recorded when a stage fails and the pipeline keeps the prior image.
const (
	WarnUpscaleFailed    = "Upscaling failed, using original image"
	WarnExtensionFailed  = "Image extension failed, using original image"
	WarnBackgroundFailed = "Background removal failed, using original image"
	WarnLightingFailed   = "Lighting correction failed, using current state"
)

// Stage names used in logs, metrics and StageError.
const (
	StageDecode     = "decode"
	StageUpscale    = "upscale"
	StageExtend     = "extend"
	StageBackground = "background"
	StageLighting   = "lighting"
)

// Options selects which stages run.
type Options struct {
	RemoveBackground bool
	CorrectLighting  bool
	UpscaleIfNeeded  bool
	ExtendIfCropped  bool
	MinResolution    int
}

// DefaultOptions enables every stage.
func DefaultOptions() Options {
	return Options{
		RemoveBackground: true,
		CorrectLighting:  true,
		UpscaleIfNeeded:  true,
		ExtendIfCropped:  true,
		MinResolution:    512,
	}
}

// Flags records which stages changed the image.
type Flags struct {
	QualityUpscaled   bool `json:"qualityUpscaled"`
	ImageExtended     bool `json:"imageExtended"`
	BackgroundRemoved bool `json:"backgroundRemoved"`
	LightingCorrected bool `json:"lightingCorrected"`
}

// Result is the enhanced photo.
type Result struct {
	ImageURL string   // Lossless WebP data URL
	Flags    Flags    // Stages that were applied
	Warnings []string // One entry per failed stage
	Width    int
	Height   int
}

// CropVerdict is the classifier's opinion on whether a photo is cropped.
type CropVerdict struct {
	IsCropped        bool    `json:"isCropped"`
	Confidence       float64 `json:"confidence"`
	Reason           string  `json:"reason"`
	VisibleBodyParts string  `json:"visibleBodyParts"`
}

// CropDetector classifies photos that show only part of a body.
type CropDetector interface {
	DetectCrop(ctx context.Context, img image.Image) (CropVerdict, error)
}

// Outpainter extends a cropped photo into a full-body photo of the given size.
type Outpainter interface {
	Extend(ctx context.Context, img image.Image, width, height int) (image.Image, error)
}

// BackgroundRemover returns the subject with a transparent background.
type BackgroundRemover interface {
	RemoveBackground(ctx context.Context, img image.Image) (image.Image, error)
}

// StageError is a recovered stage failure.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("enhance stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
