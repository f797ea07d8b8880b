package coffer

import (
	"fmt"
	mrand "math/rand"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"southwinds.dev/coffer/persist"
)

const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
	maxDelay   = 1 * time.Second

	maxNameLength   = 255
	defaultMimeType = "application/octet-stream"
)

// RetryConfig configures retry behavior for optimistic envelope writes
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}
}

// withRetry re-runs fn only when it fails with a version conflict.
// Any other error, including an authentication failure, is returned at once.
func withRetry(operation string, fn func() error) error {
	config := DefaultRetryConfig()

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if !persist.IsConcurrencyError(err) {
			return err
		}
		if attempt == config.MaxRetries {
			return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications: %w",
				operation, config.MaxRetries+1, err)
		}

		// exponential backoff with 25% jitter
		delay := config.BaseDelay * (1 << attempt)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
		jitter := time.Duration(float64(delay) * 0.25 * (2*mrand.Float64() - 1))
		time.Sleep(delay + jitter)
	}

	return fmt.Errorf("operation %s exhausted all retry attempts", operation)
}

// validateFileName checks a caller supplied original name
func validateFileName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("file name cannot be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("file name too long (max %d bytes)", maxNameLength)
	}
	if strings.ContainsAny(name, "\x00/\\") {
		return fmt.Errorf("file name contains invalid characters")
	}
	return nil
}

// guessMimeType maps the name's extension to a MIME type
func guessMimeType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return defaultMimeType
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return defaultMimeType
}
