package ai

import (
	"errors"
	"fmt"

	"github.com/robalyx/fitroom/internal/ai/client"
)

// ErrNoImage is the soft failure recorded when a response carries no image.
var ErrNoImage = errors.New("model returned no image")

// ConfigurationError reports a capability that cannot run because its
// credential is missing. It is never retried.
type ConfigurationError struct {
	Capability string
}

func (e *ConfigurationError) Error() string {
	return e.Capability + " is not configured: missing API credential"
}

// Is matches client.ErrNotConfigured.
func (e *ConfigurationError) Is(target error) bool {
	return target == client.ErrNotConfigured
}

// TransientGenerationError is a single failed attempt that may succeed on retry.
type TransientGenerationError struct {
	Attempt  int    // 1-based attempt number
	Strategy string // Prompt strategy used by the attempt
	Reason   string // Short description of the failure
	Err      error  // Underlying error
}

func (e *TransientGenerationError) Error() string {
	return fmt.Sprintf("attempt %d (%s): %s: %v", e.Attempt, e.Strategy, e.Reason, e.Err)
}

func (e *TransientGenerationError) Unwrap() error {
	return e.Err
}

// GenerationError is returned once every attempt of a generate call failed.
type GenerationError struct {
	Attempts int   // Attempts made before giving up
	Err      error // Last underlying failure
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("try-on generation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
