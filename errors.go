package vitalink

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ============================================================================
// Error taxonomy
// ============================================================================

// ErrorKind classifies a normalized API failure. Transport code assigns the
// kind before an error reaches the sync engine; the engine never inspects raw
// HTTP statuses.
type ErrorKind string

const (
	// KindTransient covers timeouts, connection failures, 5xx, 429 and 408.
	// Retried automatically with backoff, then surfaced.
	KindTransient ErrorKind = "transient"
	// KindAuthRequired covers 401/403. Never retried; the caller's auth
	// collaborator must re-authenticate.
	KindAuthRequired ErrorKind = "auth_required"
	// KindValidation covers 422-class failures. Never retried; field-level
	// detail is preserved verbatim.
	KindValidation ErrorKind = "validation"
	// KindNotFound covers 404.
	KindNotFound ErrorKind = "not_found"
	// KindConflict covers 409.
	KindConflict ErrorKind = "conflict"
	// KindUnknown is everything else.
	KindUnknown ErrorKind = "unknown"
)

// FieldError is one field-level validation failure, surfaced verbatim.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// APIError is a failure normalized into the SDK taxonomy.
type APIError struct {
	Kind    ErrorKind    `json:"kind"`
	Status  int          `json:"status,omitempty"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// apiErrorBody is the backend's error response shape.
type apiErrorBody struct {
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message,omitempty"`
	Detail  string       `json:"detail,omitempty"`
	Fields  []FieldError `json:"fields,omitempty"`
}

// classifyStatus maps an HTTP status to an ErrorKind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuthRequired
	case status == 404:
		return KindNotFound
	case status == 409:
		return KindConflict
	case status == 422:
		return KindValidation
	case status == 408 || status == 429 || status >= 500:
		return KindTransient
	default:
		return KindUnknown
	}
}

// IsTransient reports whether err is a retryable network-class failure.
func IsTransient(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindTransient
}

// IsAuthRequired reports whether err requires re-authentication.
func IsAuthRequired(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindAuthRequired
}

// IsValidation reports whether err carries field-level validation detail.
func IsValidation(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindValidation
}

// IsNotFound reports whether err is a 404-class failure.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindNotFound
}

// ============================================================================
// Retry backoff
// ============================================================================

// backoffDelay returns the delay before retry attempt (0-based), using
// exponential growth with jitter capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	jitter := time.Duration(rand.Float64() * float64(base) * 0.5)
	return time.Duration(math.Min(
		float64(base)*math.Pow(2, float64(attempt))+float64(jitter),
		float64(max),
	))
}
