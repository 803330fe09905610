// Package imagecodec turns image references (data URLs, local assets and
// remote URLs) into validated, size-bounded images in a single format.
package imagecodec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // register decoder
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/HugoSmits86/nativewebp"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/robalyx/fitroom/internal/metrics"
	"github.com/robalyx/fitroom/internal/setup/config"
	"github.com/robalyx/fitroom/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register decoder
)

// Format is an output encoding.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
)

var (
	ErrUnknownFormat = errors.New("unknown image format")
	errRetryStatus   = errors.New("retryable status")
)

// Options configures a Codec.
type Options struct {
	MaxDimension  int
	Format        Format
	JPEGQuality   int
	AssetRoot     string
	FetchTimeout  time.Duration
	MaxFetchBytes int64
	MemoSize      int
	MemoTTL       time.Duration
	HostParams    map[string]url.Values
}

// OptionsFromConfig builds codec options from the configuration file.
func OptionsFromConfig(cfg *config.Codec) Options {
	hostParams := make(map[string]url.Values, len(defaultHostParams)+len(cfg.HostParams))
	for host, params := range defaultHostParams {
		hostParams[host] = params
	}

	for _, hp := range cfg.HostParams {
		values := url.Values{}
		for key, value := range hp.Params {
			values.Set(key, value)
		}
		hostParams[strings.ToLower(hp.Host)] = values
	}

	return Options{
		MaxDimension:  cfg.MaxDimension,
		Format:        Format(cfg.OutputFormat),
		JPEGQuality:   cfg.JPEGQuality,
		AssetRoot:     cfg.AssetRoot,
		FetchTimeout:  time.Duration(cfg.FetchTimeout) * time.Millisecond,
		MaxFetchBytes: cfg.MaxFetchBytes,
		MemoSize:      cfg.MemoSize,
		MemoTTL:       time.Duration(cfg.MemoTTL) * time.Second,
		HostParams:    hostParams,
	}
}

// fetched is a validated remote payload kept in the memo.
type fetched struct {
	data     []byte
	mimeType string
}

// Codec fetches, validates, decodes and normalizes images.
type Codec struct {
	opts       Options
	httpClient *http.Client
	memo       *expirable.LRU[string, fetched]
	logger     *zap.Logger
}

// New creates a Codec. A nil httpClient uses http.DefaultClient.
func New(opts Options, httpClient *http.Client, logger *zap.Logger) *Codec {
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = 1024
	}
	if opts.Format == "" {
		opts.Format = FormatJPEG
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 90
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	if opts.MaxFetchBytes <= 0 {
		opts.MaxFetchBytes = 20 << 20
	}
	if opts.HostParams == nil {
		opts.HostParams = defaultHostParams
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	var memo *expirable.LRU[string, fetched]
	if opts.MemoSize > 0 {
		memo = expirable.NewLRU[string, fetched](opts.MemoSize, nil, opts.MemoTTL)
	}

	return &Codec{
		opts:       opts,
		httpClient: httpClient,
		memo:       memo,
		logger:     logger.Named("image_codec"),
	}
}

// Normalize loads the reference and returns it bounded to MaxDimension and
// re-encoded in the configured format.
func (c *Codec) Normalize(ctx context.Context, reference string) (Image, error) {
	data, err := c.load(ctx, reference)
	if err != nil {
		return Image{}, err
	}

	return c.normalize(reference, data)
}

// Decode loads and decodes the reference without resizing it.
func (c *Codec) Decode(ctx context.Context, reference string) (image.Image, error) {
	data, err := c.load(ctx, reference)
	if err != nil {
		return nil, err
	}

	return decode(reference, data)
}

// DecodeImage validates and decodes an in-memory image without resizing it.
func DecodeImage(img Image) (image.Image, error) {
	if len(img.Data) == 0 {
		return nil, invalid("<bytes>", "empty payload", nil)
	}
	if _, ok := Sniff(img.Data); !ok && looksLikeMarkup(img.Data) {
		return nil, invalid("<bytes>", "payload is markup, not an image", nil)
	}

	return decode("<bytes>", img.Data)
}

func (c *Codec) normalize(reference string, data []byte) (Image, error) {
	img, err := decode(reference, data)
	if err != nil {
		return Image{}, err
	}

	out, err := EncodeImage(Bound(img, c.opts.MaxDimension), c.opts.Format, c.opts.JPEGQuality)
	if err != nil {
		return Image{}, invalid(reference, "cannot encode", err)
	}

	return out, nil
}

// load returns the raw payload behind a reference after validation.
func (c *Codec) load(ctx context.Context, reference string) ([]byte, error) {
	reference = strings.TrimSpace(reference)

	var (
		data     []byte
		declared string
		err      error
	)

	switch {
	case reference == "":
		return nil, invalid(reference, "empty reference", nil)
	case IsDataURL(reference):
		parsed, perr := ParseDataURL(reference)
		if perr != nil {
			return nil, invalid(reference, "malformed data URL", perr)
		}
		data, declared = parsed.Data, parsed.MIMEType
	case strings.HasPrefix(reference, "http://"), strings.HasPrefix(reference, "https://"):
		f, ferr := c.fetch(ctx, reference)
		if ferr != nil {
			return nil, ferr
		}
		return f.data, nil
	default:
		data, err = c.readAsset(reference)
		if err != nil {
			return nil, err
		}
	}

	if _, err := c.validate(reference, data, declared); err != nil {
		return nil, err
	}

	return data, nil
}

// validate checks the payload signature and returns the sniffed MIME type.
// The sniffed type wins over whatever the source declared.
func (c *Codec) validate(reference string, data []byte, declared string) (string, error) {
	if len(data) == 0 {
		return "", invalid(reference, "empty payload", nil)
	}

	sniffed, ok := Sniff(data)
	if !ok {
		if looksLikeMarkup(data) {
			return "", invalid(reference, "payload is markup, not an image", nil)
		}
		return "", nil
	}

	if declared != "" && !strings.EqualFold(declared, sniffed) {
		c.logger.Debug("Declared content type differs from payload",
			zap.String("reference", shorten(reference)),
			zap.String("declared", declared),
			zap.String("sniffed", sniffed))
	}

	return sniffed, nil
}

// readAsset reads a local asset from beneath the asset root.
func (c *Codec) readAsset(reference string) ([]byte, error) {
	root := c.opts.AssetRoot
	if root == "" {
		root = "."
	}

	path := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(reference, "/")))

	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, invalid(reference, "asset path escapes asset root", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, invalid(reference, "cannot read asset", err)
	}

	return data, nil
}

// fetch downloads a remote image, applying host tuning and the memo.
func (c *Codec) fetch(ctx context.Context, reference string) (fetched, error) {
	target := tuneURL(reference, c.opts.HostParams)

	if c.memo != nil {
		if f, ok := c.memo.Get(target); ok {
			metrics.CodecFetches.WithLabelValues("memo").Inc()
			return f, nil
		}
	}

	f, err := utils.WithRetry(ctx, func() (fetched, error) {
		return c.fetchOnce(ctx, reference, target)
	}, utils.GetFetchRetryOptions())
	if err != nil {
		metrics.CodecFetches.WithLabelValues("rejected").Inc()

		var invalidErr *InvalidImageError
		if errors.As(err, &invalidErr) {
			return fetched{}, invalidErr
		}

		return fetched{}, fmt.Errorf("failed to fetch image: %w", err)
	}

	metrics.CodecFetches.WithLabelValues("fetched").Inc()

	if c.memo != nil {
		c.memo.Add(target, f)
	}

	return f, nil
}

func (c *Codec) fetchOnce(ctx context.Context, reference, target string) (fetched, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fetched{}, backoff.Permanent(invalid(reference, "malformed URL", err))
	}

	req.Header.Set("Accept", "image/avif,image/webp,image/png,image/jpeg,image/*;q=0.8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fetched{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := invalid(reference, fmt.Sprintf("fetch returned status %d", resp.StatusCode), nil)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			statusErr.Err = errRetryStatus
			return fetched{}, statusErr
		}
		return fetched{}, backoff.Permanent(statusErr)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxFetchBytes+1))
	if err != nil {
		return fetched{}, err
	}

	if int64(len(data)) > c.opts.MaxFetchBytes {
		return fetched{}, backoff.Permanent(invalid(reference, "payload exceeds size limit", nil))
	}

	mimeType, err := c.validate(reference, data, resp.Header.Get("Content-Type"))
	if err != nil {
		return fetched{}, backoff.Permanent(err)
	}

	return fetched{data: data, mimeType: mimeType}, nil
}

func decode(reference string, data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, invalid(reference, "cannot decode", err)
	}

	return img, nil
}

// Bound scales img down so neither side exceeds maxDim.
func Bound(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	longest := max(w, h)
	if maxDim <= 0 || longest <= maxDim {
		return img
	}

	scale := float64(maxDim) / float64(longest)
	return Resize(img, max(1, int(float64(w)*scale+0.5)), max(1, int(float64(h)*scale+0.5)))
}

// Resize resamples img to the given size with Catmull-Rom.
func Resize(img image.Image, width, height int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	return dst
}

// EncodeImage encodes img in the given format.
func EncodeImage(img image.Image, format Format, jpegQuality int) (Image, error) {
	var buf bytes.Buffer

	switch format {
	case FormatJPEG:
		// JPEG has no alpha; composite onto white first
		flat := image.NewRGBA(img.Bounds())
		draw.Draw(flat, flat.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
		draw.Draw(flat, flat.Bounds(), img, img.Bounds().Min, draw.Over)

		if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return Image{}, err
		}

		return Image{MIMEType: MIMEJPEG, Data: buf.Bytes()}, nil
	case FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return Image{}, err
		}

		return Image{MIMEType: MIMEPNG, Data: buf.Bytes()}, nil
	case FormatWebP:
		if err := nativewebp.Encode(&buf, img, nil); err != nil {
			return Image{}, err
		}

		return Image{MIMEType: MIMEWebP, Data: buf.Bytes()}, nil
	default:
		return Image{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}
