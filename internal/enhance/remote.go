package enhance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/robalyx/fitroom/internal/imagecodec"
	"github.com/robalyx/fitroom/pkg/utils"
	"go.uber.org/zap"
)

const maxRemoverResponseBytes = 32 << 20

// ErrRemoverRejected is returned when the removal service refuses the image.
var ErrRemoverRejected = errors.New("background removal service rejected the request")

// RemoteRemover calls a remove.bg compatible HTTP endpoint.
type RemoteRemover struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewRemoteRemover creates a new RemoteRemover. A nil httpClient uses http.DefaultClient.
func NewRemoteRemover(endpoint, apiKey string, httpClient *http.Client, logger *zap.Logger) *RemoteRemover {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &RemoteRemover{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger.Named("remote_remover"),
	}
}

// RemoveBackground uploads the photo as PNG and decodes the cut-out returned by the service.
func (r *RemoteRemover) RemoveBackground(ctx context.Context, img image.Image) (image.Image, error) {
	encoded, err := imagecodec.EncodeImage(img, imagecodec.FormatPNG, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to encode photo: %w", err)
	}

	data, err := utils.WithRetry(ctx, func() ([]byte, error) {
		return r.post(ctx, encoded.Data)
	}, utils.GetUploadRetryOptions())
	if err != nil {
		return nil, err
	}

	cutout, err := imagecodec.DecodeImage(imagecodec.Image{Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to decode removal result: %w", err)
	}

	return cutout, nil
}

func (r *RemoteRemover) post(ctx context.Context, png []byte) ([]byte, error) {
	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("image_file", "photo.png")
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if _, err := part.Write(png); err != nil {
		return nil, backoff.Permanent(err)
	}
	if err := writer.WriteField("size", "auto"); err != nil {
		return nil, backoff.Permanent(err)
	}
	if err := writer.WriteField("format", "png"); err != nil {
		return nil, backoff.Permanent(err)
	}
	if err := writer.Close(); err != nil {
		return nil, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, &body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "image/png")
	if r.apiKey != "" {
		req.Header.Set("X-Api-Key", r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoverResponseBytes))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("%w: status %d: %s", ErrRemoverRejected, resp.StatusCode, bytes.TrimSpace(data[:min(len(data), 200)]))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, statusErr
		}

		r.logger.Debug("Background removal rejected",
			zap.Int("status", resp.StatusCode),
			zap.Error(statusErr))

		return nil, backoff.Permanent(statusErr)
	}

	return data, nil
}
