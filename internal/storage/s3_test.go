package storage_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/robalyx/fitroom/internal/imagecodec"
	"github.com/robalyx/fitroom/internal/setup/config"
	"github.com/robalyx/fitroom/internal/storage"
	"github.com/robalyx/fitroom/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakePutter records uploads. It fails the first failures calls with err,
// or every call when failures is zero.
type fakePutter struct {
	inputs   []*s3.PutObjectInput
	bodies   [][]byte
	err      error
	failures int
	calls    int
}

func (f *fakePutter) PutObject(
	_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options),
) (*s3.PutObjectOutput, error) {
	f.calls++
	if f.err != nil && (f.failures == 0 || f.calls <= f.failures) {
		return nil, f.err
	}

	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.inputs = append(f.inputs, params)
	f.bodies = append(f.bodies, body)

	return &s3.PutObjectOutput{}, nil
}

func TestS3StoreSave(t *testing.T) {
	t.Parallel()

	putter := &fakePutter{}
	store, err := storage.NewS3Store(putter, &config.Storage{
		Bucket:        "artifacts",
		Prefix:        "/tryon/",
		PublicBaseURL: "https://cdn.example.com/",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	url, err := store.Save(t.Context(), imagecodec.Image{MIMEType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}})
	require.NoError(t, err)

	require.Len(t, putter.inputs, 1)
	input := putter.inputs[0]
	assert.Equal(t, "artifacts", aws.ToString(input.Bucket))
	assert.Equal(t, "image/jpeg", aws.ToString(input.ContentType))
	assert.True(t, strings.HasPrefix(aws.ToString(input.Key), "tryon/"))
	assert.True(t, strings.HasSuffix(aws.ToString(input.Key), ".jpg"))
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, putter.bodies[0])
	assert.Equal(t, "https://cdn.example.com/"+aws.ToString(input.Key), url)
}

func TestS3StoreErrors(t *testing.T) {
	t.Parallel()

	logger := zaptest.NewLogger(t)

	_, err := storage.NewS3Store(&fakePutter{}, &config.Storage{PublicBaseURL: "https://cdn"}, logger)
	require.ErrorIs(t, err, storage.ErrBucketMissing)

	_, err = storage.NewS3Store(&fakePutter{}, &config.Storage{Bucket: "b"}, logger)
	require.ErrorIs(t, err, storage.ErrPublicURLMissing)

	uploadErr := errors.New("connection reset")
	putter := &fakePutter{err: uploadErr}
	store, err := storage.NewS3Store(putter, &config.Storage{
		Bucket:        "b",
		PublicBaseURL: "https://cdn",
	}, logger)
	require.NoError(t, err)
	store.SetRetryOptions(fastRetry())

	_, err = store.Save(t.Context(), imagecodec.Image{MIMEType: "image/png"})
	require.ErrorIs(t, err, storage.ErrEmptyArtifact)

	_, err = store.Save(t.Context(), imagecodec.Image{MIMEType: "image/png", Data: []byte{1}})
	require.ErrorIs(t, err, uploadErr)
	assert.Equal(t, 4, putter.calls, "initial attempt plus three retries")
}

func fastRetry() utils.RetryOptions {
	return utils.RetryOptions{
		MaxElapsedTime:  time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxRetries:      3,
	}
}

func rejected(status int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      errors.New("api error"),
		},
	}
}

func TestS3StoreSaveRetries(t *testing.T) {
	t.Parallel()

	cfg := &config.Storage{Bucket: "b", PublicBaseURL: "https://cdn"}
	img := imagecodec.Image{MIMEType: "image/webp", Data: []byte("webp")}

	tests := []struct {
		name      string
		err       error
		failures  int
		wantCalls int
		wantErr   bool
	}{
		{name: "transient failure recovers", err: errors.New("connection reset"), failures: 1, wantCalls: 2},
		{name: "throttling recovers", err: rejected(http.StatusTooManyRequests), failures: 2, wantCalls: 3},
		{name: "server error recovers", err: rejected(http.StatusServiceUnavailable), failures: 1, wantCalls: 2},
		{name: "access denied is not retried", err: rejected(http.StatusForbidden), wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			putter := &fakePutter{err: tt.err, failures: tt.failures}
			store, err := storage.NewS3Store(putter, cfg, zaptest.NewLogger(t))
			require.NoError(t, err)
			store.SetRetryOptions(fastRetry())

			url, err := store.Save(t.Context(), img)
			assert.Equal(t, tt.wantCalls, putter.calls)

			if tt.wantErr {
				require.ErrorIs(t, err, tt.err)
				return
			}

			require.NoError(t, err)
			require.Len(t, putter.bodies, 1)
			assert.Equal(t, []byte("webp"), putter.bodies[0], "body is rewound for every attempt")
			assert.True(t, strings.HasSuffix(url, ".webp"))
		})
	}
}
