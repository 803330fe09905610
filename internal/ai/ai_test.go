package ai_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/generative-ai-go/genai"
	"github.com/robalyx/fitroom/internal/ai"
	"github.com/robalyx/fitroom/internal/ai/client"
	"github.com/robalyx/fitroom/internal/imagecodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type scriptedReply struct {
	resp *genai.GenerateContentResponse
	err  error
}

// fakeGenerator replays scripted replies and records every request.
type fakeGenerator struct {
	mu         sync.Mutex
	configured bool
	replies    []scriptedReply
	requests   []client.Request
}

func (f *fakeGenerator) Configured() bool {
	return f.configured
}

func (f *fakeGenerator) GenerateContent(_ context.Context, req client.Request) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if len(f.replies) == 0 {
		return nil, errors.New("no scripted reply")
	}

	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}

	return reply.resp, reply.err
}

// fakeTimer fires immediately and records the requested delays.
type fakeTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	c      chan time.Time
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{c: make(chan time.Time, 1)}
}

func (t *fakeTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()
	t.c <- time.Now()
}

func (t *fakeTimer) Stop() {}

func (t *fakeTimer) C() <-chan time.Time {
	return t.c
}

func reply(parts ...genai.Part) scriptedReply {
	return scriptedReply{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: parts}}},
	}}
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	return buf.Bytes()
}

func square(c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 12, 12))
	for y := range 12 {
		for x := range 12 {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

var (
	person  = imagecodec.Image{MIMEType: imagecodec.MIMEJPEG, Data: []byte{0xff, 0xd8, 0xff, 0x01}}
	garment = imagecodec.Image{MIMEType: imagecodec.MIMEPNG, Data: []byte{0x89, 'P', 'N', 'G', 0x02}}
)

func newGenerator(t *testing.T, gen *fakeGenerator, timer *fakeTimer) *ai.TryOnGenerator {
	t.Helper()

	return ai.NewTryOnGenerator(gen, ai.TryOnOptions{
		Model:          "image-model",
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		AttemptTimeout: time.Minute,
		NewTimer:       func() backoff.Timer { return timer },
	}, zaptest.NewLogger(t))
}

func TestTryOnGeneratorExhaustsAttempts(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{configured: true, replies: []scriptedReply{reply(genai.Text("I cannot edit images."))}}
	timer := newFakeTimer()

	_, err := newGenerator(t, gen, timer).Generate(t.Context(), person, garment, "Linen Shirt", "white, relaxed fit")
	require.Error(t, err)

	var genErr *ai.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, 3, genErr.Attempts)
	require.ErrorIs(t, err, ai.ErrNoImage)
	assert.Contains(t, err.Error(), "after 3 attempts")

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timer.delays)
	require.Len(t, gen.requests, 3)

	for i, req := range gen.requests {
		require.Len(t, req.Parts, 3)
		assert.Equal(t, genai.Blob{MIMEType: garment.MIMEType, Data: garment.Data}, req.Parts[0], "garment first")
		assert.Equal(t, genai.Blob{MIMEType: person.MIMEType, Data: person.Data}, req.Parts[1], "person second")

		want := ai.TryOnStrategies[i].Build("Linen Shirt", "white, relaxed fit")
		assert.Equal(t, genai.Text(want), req.Parts[2])
	}
}

func TestTryOnGeneratorNotConfigured(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{configured: false}
	timer := newFakeTimer()

	_, err := newGenerator(t, gen, timer).Generate(t.Context(), person, garment, "Shirt", "")

	var cfgErr *ai.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorIs(t, err, client.ErrNotConfigured)
	assert.Empty(t, gen.requests)
	assert.Empty(t, timer.delays)
}

func TestTryOnGeneratorRecovers(t *testing.T) {
	t.Parallel()

	rendered := pngBytes(t, square(color.NRGBA{R: 200, A: 255}))

	gen := &fakeGenerator{configured: true, replies: []scriptedReply{
		{err: context.DeadlineExceeded},
		// untyped blob whose bytes are a PNG
		reply(genai.Text("Here you go"), genai.Blob{MIMEType: "application/octet-stream", Data: rendered}),
	}}
	timer := newFakeTimer()

	url, err := newGenerator(t, gen, timer).Generate(t.Context(), person, garment, "Shirt", "")
	require.NoError(t, err)

	parsed, err := imagecodec.ParseDataURL(url)
	require.NoError(t, err)
	assert.Equal(t, imagecodec.MIMEPNG, parsed.MIMEType)
	assert.Equal(t, rendered, parsed.Data)

	assert.Len(t, gen.requests, 2)
	assert.Equal(t, []time.Duration{time.Second}, timer.delays)
}

func TestTryOnGeneratorCanceled(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{configured: true, replies: []scriptedReply{reply(genai.Text("no"))}}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := newGenerator(t, gen, newFakeTimer()).Generate(ctx, person, garment, "Shirt", "")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, gen.requests)
}

func TestExtractImage(t *testing.T) {
	t.Parallel()

	rendered := pngBytes(t, square(color.NRGBA{G: 200, A: 255}))

	tests := []struct {
		name   string
		resp   *genai.GenerateContentResponse
		wantOK bool
		want   string
	}{
		{name: "nil response", resp: nil},
		{name: "text only", resp: reply(genai.Text("sorry")).resp},
		{name: "empty image blob", resp: reply(genai.Blob{MIMEType: "image/png"}).resp},
		{
			name:   "typed blob",
			resp:   reply(genai.Blob{MIMEType: "image/webp", Data: []byte("RIFF....WEBP")}).resp,
			wantOK: true,
			want:   "image/webp",
		},
		{
			name:   "sniffed blob",
			resp:   reply(genai.Blob{MIMEType: "", Data: rendered}).resp,
			wantOK: true,
			want:   imagecodec.MIMEPNG,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			img, ok := ai.ExtractImage(tt.resp)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, img.MIMEType)
		})
	}
}

func TestParseCropVerdict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		text        string
		wantCropped bool
		wantReason  string
	}{
		{
			name:        "plain json",
			text:        `{"isCropped": true, "confidence": 0.8, "reason": "legs missing"}`,
			wantCropped: true,
			wantReason:  "legs missing",
		},
		{
			name:        "fenced json",
			text:        "```json\n{\"isCropped\": true, \"confidence\": 0.9, \"reason\": \"waist up\"}\n```",
			wantCropped: true,
			wantReason:  "waist up",
		},
		{
			name:       "not cropped",
			text:       `{"isCropped": false, "confidence": 0.95, "reason": "full body"}`,
			wantReason: "full body",
		},
		{name: "malformed", text: "The photo looks cropped."},
		{name: "empty", text: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			verdict := ai.ParseCropVerdict(tt.text)
			assert.Equal(t, tt.wantCropped, verdict.IsCropped)
			assert.Equal(t, tt.wantReason, verdict.Reason)
		})
	}
}

func TestCropDetector(t *testing.T) {
	t.Parallel()

	t.Run("not configured", func(t *testing.T) {
		t.Parallel()

		detector := ai.NewCropDetector(&fakeGenerator{}, "vision", zaptest.NewLogger(t))

		_, err := detector.DetectCrop(t.Context(), square(color.NRGBA{A: 255}))
		require.ErrorIs(t, err, client.ErrNotConfigured)
	})

	t.Run("requests json", func(t *testing.T) {
		t.Parallel()

		gen := &fakeGenerator{configured: true, replies: []scriptedReply{
			reply(genai.Text("```json\n{\"isCropped\": true, \"confidence\": 0.7}\n```")),
		}}
		detector := ai.NewCropDetector(gen, "vision", zaptest.NewLogger(t))

		verdict, err := detector.DetectCrop(t.Context(), square(color.NRGBA{A: 255}))
		require.NoError(t, err)
		assert.True(t, verdict.IsCropped)
		assert.InDelta(t, 0.7, verdict.Confidence, 1e-9)

		require.Len(t, gen.requests, 1)
		assert.True(t, gen.requests[0].JSON)
		assert.Equal(t, "vision", gen.requests[0].Model)
		assert.Contains(t, gen.requests[0].SystemInstruction, "single JSON object")
	})
}

func TestGenAIRemover(t *testing.T) {
	t.Parallel()

	rendered := square(color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	for y := 4; y < 8; y++ {
		for x := 4; x < 8; x++ {
			rendered.SetNRGBA(x, y, color.NRGBA{R: 30, G: 30, B: 30, A: 255})
		}
	}

	gen := &fakeGenerator{configured: true, replies: []scriptedReply{
		reply(genai.Blob{MIMEType: "image/png", Data: pngBytes(t, rendered)}),
	}}
	remover := ai.NewGenAIRemover(gen, "image-model", zaptest.NewLogger(t))

	out, err := remover.RemoveBackground(t.Context(), square(color.NRGBA{B: 255, A: 255}))
	require.NoError(t, err)

	_, _, _, corner := out.At(0, 0).RGBA()
	_, _, _, center := out.At(5, 5).RGBA()
	assert.Zero(t, corner)
	assert.Equal(t, uint32(0xffff), center)
}

func TestOutpainterNoImage(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{configured: true, replies: []scriptedReply{reply(genai.Text("cannot"))}}
	outpainter := ai.NewOutpainter(gen, "image-model", zaptest.NewLogger(t))

	_, err := outpainter.Extend(t.Context(), square(color.NRGBA{A: 255}), 768, 1024)
	require.ErrorIs(t, err, ai.ErrNoImage)
}
