package imagecodec_test

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/robalyx/fitroom/internal/imagecodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.NRGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	return buf.Bytes()
}

func dataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func newCodec(t *testing.T, opts imagecodec.Options) *imagecodec.Codec {
	t.Helper()
	return imagecodec.New(opts, nil, zaptest.NewLogger(t))
}

func dims(t *testing.T, data []byte) (int, int) {
	t.Helper()

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)

	return cfg.Width, cfg.Height
}

func TestNormalizeDownscales(t *testing.T) {
	t.Parallel()

	codec := newCodec(t, imagecodec.Options{MaxDimension: 1024, Format: imagecodec.FormatJPEG})

	out, err := codec.Normalize(t.Context(), dataURL("image/png", pngBytes(t, 2048, 1024)))
	require.NoError(t, err)

	assert.Equal(t, imagecodec.MIMEJPEG, out.MIMEType)

	w, h := dims(t, out.Data)
	assert.Equal(t, 1024, w)
	assert.Equal(t, 512, h)
}

func TestNormalizeKeepsSmallImages(t *testing.T) {
	t.Parallel()

	codec := newCodec(t, imagecodec.Options{MaxDimension: 1024, Format: imagecodec.FormatPNG})

	out, err := codec.Normalize(t.Context(), dataURL("image/png", pngBytes(t, 300, 200)))
	require.NoError(t, err)

	assert.Equal(t, imagecodec.MIMEPNG, out.MIMEType)

	w, h := dims(t, out.Data)
	assert.Equal(t, 300, w)
	assert.Equal(t, 200, h)
}

func TestNormalizeWebPOutput(t *testing.T) {
	t.Parallel()

	codec := newCodec(t, imagecodec.Options{MaxDimension: 256, Format: imagecodec.FormatWebP})

	out, err := codec.Normalize(t.Context(), dataURL("image/png", pngBytes(t, 512, 128)))
	require.NoError(t, err)

	assert.Equal(t, imagecodec.MIMEWebP, out.MIMEType)

	w, h := dims(t, out.Data)
	assert.Equal(t, 256, w)
	assert.Equal(t, 64, h)
}

func TestNormalizeRejects(t *testing.T) {
	t.Parallel()

	html := []byte("<html><body>Not found</body></html>")

	tests := []struct {
		name      string
		reference string
	}{
		{name: "empty reference", reference: "   "},
		{name: "missing separator", reference: "data:image/png;base64"},
		{name: "bad base64", reference: "data:image/png;base64,@@@@"},
		{name: "not base64", reference: "data:image/png,rawbytes"},
		{name: "html data url", reference: dataURL("image/jpeg", html)},
		{name: "doctype data url", reference: dataURL("image/png", []byte("  <!DOCTYPE html><html></html>"))},
		{name: "empty data url", reference: "data:image/png;base64,"},
		{name: "undecodable bytes", reference: dataURL("image/png", []byte("definitely not an image"))},
		{name: "truncated png", reference: dataURL("image/png", []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0})},
	}

	codec := newCodec(t, imagecodec.Options{})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := codec.Normalize(t.Context(), tt.reference)
			require.ErrorIs(t, err, imagecodec.ErrInvalidImage)

			var invalidErr *imagecodec.InvalidImageError
			require.ErrorAs(t, err, &invalidErr)
			assert.NotEmpty(t, invalidErr.Reason)
		})
	}
}

func TestNormalizeRemote(t *testing.T) {
	t.Parallel()

	pngData := pngBytes(t, 64, 64)

	var calls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/html.jpg", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("<html><head><title>Blocked</title></head></html>"))
	})
	mux.HandleFunc("/empty.png", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
	})
	mux.HandleFunc("/missing.png", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.NotFound(w, nil)
	})
	mux.HandleFunc("/mislabeled.jpg", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(pngData)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	codec := newCodec(t, imagecodec.Options{Format: imagecodec.FormatPNG})

	t.Run("html with image content type", func(t *testing.T) {
		_, err := codec.Normalize(t.Context(), server.URL+"/html.jpg")
		require.ErrorIs(t, err, imagecodec.ErrInvalidImage)
	})

	t.Run("empty body", func(t *testing.T) {
		_, err := codec.Normalize(t.Context(), server.URL+"/empty.png")
		require.ErrorIs(t, err, imagecodec.ErrInvalidImage)
	})

	t.Run("not found is not retried", func(t *testing.T) {
		_, err := codec.Normalize(t.Context(), server.URL+"/missing.png")
		require.ErrorIs(t, err, imagecodec.ErrInvalidImage)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("sniffed type wins", func(t *testing.T) {
		img, err := codec.Decode(t.Context(), server.URL+"/mislabeled.jpg")
		require.NoError(t, err)
		assert.Equal(t, 64, img.Bounds().Dx())
	})
}

func TestNormalizeRetriesServerErrors(t *testing.T) {
	t.Parallel()

	pngData := pngBytes(t, 16, 16)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(pngData)
	}))
	t.Cleanup(server.Close)

	codec := newCodec(t, imagecodec.Options{})

	_, err := codec.Normalize(t.Context(), server.URL+"/flaky.png")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNormalizeMemoizesRemote(t *testing.T) {
	t.Parallel()

	pngData := pngBytes(t, 32, 32)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write(pngData)
	}))
	t.Cleanup(server.Close)

	codec := newCodec(t, imagecodec.Options{MemoSize: 8})

	for range 3 {
		_, err := codec.Normalize(t.Context(), server.URL+"/product.png")
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), calls.Load())
}

func TestNormalizeLocalAsset(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "images"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "images", "shirt.png"), pngBytes(t, 40, 20), 0o600))

	codec := newCodec(t, imagecodec.Options{AssetRoot: root, Format: imagecodec.FormatPNG})

	out, err := codec.Normalize(t.Context(), "/images/shirt.png")
	require.NoError(t, err)

	w, h := dims(t, out.Data)
	assert.Equal(t, 40, w)
	assert.Equal(t, 20, h)

	_, err = codec.Normalize(t.Context(), "../../etc/passwd")
	require.ErrorIs(t, err, imagecodec.ErrInvalidImage)

	_, err = codec.Normalize(t.Context(), "/images/missing.png")
	require.ErrorIs(t, err, imagecodec.ErrInvalidImage)
}

func TestSniff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		data     []byte
		expected string
		ok       bool
	}{
		{name: "jpeg", data: []byte{0xff, 0xd8, 0xff, 0xe0}, expected: imagecodec.MIMEJPEG, ok: true},
		{name: "png", data: []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, expected: imagecodec.MIMEPNG, ok: true},
		{name: "gif", data: []byte("GIF89a...."), expected: imagecodec.MIMEGIF, ok: true},
		{name: "webp", data: []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), expected: imagecodec.MIMEWebP, ok: true},
		{name: "riff but not webp", data: []byte("RIFF\x00\x00\x00\x00WAVEfmt "), ok: false},
		{name: "html", data: []byte("<html>"), ok: false},
		{name: "short", data: []byte{0xff}, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mimeType, ok := imagecodec.Sniff(tt.data)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, mimeType)
		})
	}
}

func TestDataURLRoundTrip(t *testing.T) {
	t.Parallel()

	img := imagecodec.Image{MIMEType: imagecodec.MIMEPNG, Data: pngBytes(t, 4, 4)}

	parsed, err := imagecodec.ParseDataURL(img.DataURL())
	require.NoError(t, err)
	assert.Equal(t, img, parsed)

	_, err = imagecodec.ParseDataURL("https://example.com/a.png")
	require.ErrorIs(t, err, imagecodec.ErrNotDataURL)
}
