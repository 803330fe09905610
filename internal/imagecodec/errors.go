package imagecodec

import (
	"errors"
	"fmt"
)

// ErrInvalidImage matches every *InvalidImageError via errors.Is.
var ErrInvalidImage = errors.New("invalid image")

// InvalidImageError reports an image reference that cannot be used.
type InvalidImageError struct {
	Reference string // Truncated reference that failed
	Reason    string // Why the image was rejected
	Err       error  // Underlying error, if any
}

func (e *InvalidImageError) Error() string {
	msg := fmt.Sprintf("invalid image %q: %s", e.Reference, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *InvalidImageError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrInvalidImage.
func (e *InvalidImageError) Is(target error) bool {
	return target == ErrInvalidImage
}

func invalid(reference, reason string, err error) *InvalidImageError {
	return &InvalidImageError{
		Reference: shorten(reference),
		Reason:    reason,
		Err:       err,
	}
}

// shorten keeps data URLs out of error messages.
func shorten(reference string) string {
	const limit = 80
	if len(reference) <= limit {
		return reference
	}

	return reference[:limit] + "..."
}
