// Package security provides validation, sanitization, and limits for the jobs package.
package security

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Security limits and configuration
const (
	// MaxPayloadRefLength is the maximum length for payload references
	MaxPayloadRefLength = 1024

	// MaxCacheKeyLength is the maximum length for cache keys
	MaxCacheKeyLength = 255

	// MaxRetries is the hard limit for retry attempts
	MaxRetries = 20

	// MaxWorkers is the hard limit for pipeline workers
	MaxWorkers = 512

	// MaxQueueDepth is the hard limit for the scheduler admission queue
	MaxQueueDepth = 1_000_000

	// MaxBufferCapacity is the hard limit for the pipeline buffer
	MaxBufferCapacity = 100_000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096
)

// Validation errors
var (
	ErrInvalidPayloadRef = errors.New("jobs: invalid payload reference")
	ErrPayloadRefTooLong = errors.New("jobs: payload reference too long")
	ErrInvalidCacheKey   = errors.New("jobs: invalid cache key")
	ErrCacheKeyTooLong   = errors.New("jobs: cache key too long")
)

// validCacheKey matches alphanumeric keys with path-like separators, e.g. "detector/retina:v2"
var validCacheKey = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\./:]*$`)

// ValidatePayloadRef validates a payload reference
func ValidatePayloadRef(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return ErrInvalidPayloadRef
	}
	if len(ref) > MaxPayloadRefLength {
		return ErrPayloadRefTooLong
	}
	for _, r := range ref {
		if unicode.IsControl(r) {
			return ErrInvalidPayloadRef
		}
	}
	return nil
}

// ValidateCacheKey validates a cache key
func ValidateCacheKey(key string) error {
	if key == "" {
		return ErrInvalidCacheKey
	}
	if len(key) > MaxCacheKeyLength {
		return ErrCacheKeyTooLong
	}
	if !validCacheKey.MatchString(key) {
		return ErrInvalidCacheKey
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits
func ClampRetries(n int) int {
	return clamp(n, 0, MaxRetries)
}

// ClampWorkers ensures the worker count is within limits
func ClampWorkers(n int) int {
	return clamp(n, 1, MaxWorkers)
}

// ClampQueueDepth ensures the admission queue bound is within limits
func ClampQueueDepth(n int) int {
	return clamp(n, 1, MaxQueueDepth)
}

// ClampBufferCapacity ensures the pipeline buffer capacity is within limits
func ClampBufferCapacity(n int) int {
	return clamp(n, 1, MaxBufferCapacity)
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
