package invoker

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass categorizes provider errors for the engine's retry decision.
type ErrorClass string

const (
	// ErrorClassAuth covers authentication failures (401/403, bad key).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit covers rate limiting and quota exhaustion (429).
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassOverloaded covers transient provider-side failures
	// (overloaded, 5xx, connection resets).
	ErrorClassOverloaded ErrorClass = "OVERLOADED"

	// ErrorClassTimeout covers deadline-exceeded failures.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// Classify inspects a provider error and returns the most specific class
// that matches.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "invalid key") {
		return ErrorClassAuth
	}

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}

	if strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "529") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "connection reset") {
		return ErrorClassOverloaded
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	return ErrorClassUnknown
}

// Retryable reports whether one retry is worth attempting. Auth and
// unknown failures fail fast; rate limits and overloaded backends get a
// second chance.
func Retryable(class ErrorClass) bool {
	switch class {
	case ErrorClassRateLimit, ErrorClassOverloaded:
		return true
	default:
		return false
	}
}
