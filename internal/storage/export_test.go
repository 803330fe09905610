package storage

import "github.com/robalyx/fitroom/pkg/utils"

// SetRetryOptions shortens upload backoff in tests.
func (s *S3Store) SetRetryOptions(opts utils.RetryOptions) {
	s.retry = opts
}
