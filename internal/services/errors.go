package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownCapability marks requests naming a capability absent from the registry.
	ErrUnknownCapability = errors.New("unknown capability")
	// ErrInvalidParameters marks requests whose parameters fail schema validation.
	ErrInvalidParameters = errors.New("invalid parameters")
	// ErrRateLimited marks requests rejected by the per-caller quota.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnavailable marks calls rejected because a dependency circuit is open.
	ErrUnavailable = errors.New("dependency unavailable")
	// ErrExecution marks a permanent capability failure; never retried.
	ErrExecution = errors.New("capability execution failed")
	// ErrTransient marks a retryable failure (timeout, transient dependency error).
	ErrTransient = errors.New("transient failure")
	// ErrVerification marks a write that committed but could not be re-read.
	ErrVerification = errors.New("persistence verification failed")
	// ErrNotFound marks lookups that found nothing; never counted as a dependency failure.
	ErrNotFound = errors.New("not found")
	// ErrConfiguration marks unusable configuration detected at wiring time.
	ErrConfiguration = errors.New("configuration error")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// RetryAfterError carries a hint for when the caller may try again. It wraps
// ErrRateLimited or ErrUnavailable depending on the rejecting component.
type RetryAfterError struct {
	Marker     error
	Dependency string
	RetryAfter time.Duration
}

func (e *RetryAfterError) Error() string {
	marker := e.Marker
	if marker == nil {
		marker = ErrUnavailable
	}
	if e.Dependency != "" {
		return fmt.Sprintf("%s: %s: retry after %s", marker.Error(), e.Dependency, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: retry after %s", marker.Error(), e.RetryAfter.Round(time.Millisecond))
}

func (e *RetryAfterError) Unwrap() error {
	if e.Marker == nil {
		return ErrUnavailable
	}
	return e.Marker
}

// RetryAfter extracts the retry-after hint from an error chain, if present.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter, true
	}
	return 0, false
}

// IsTransient reports whether an error should be retried close to the source.
// Deadline expiry counts as transient; cancellation does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// IsTerminalValidation reports whether an error originates from request
// validation and must never be retried.
func IsTerminalValidation(err error) bool {
	return errors.Is(err, ErrUnknownCapability) ||
		errors.Is(err, ErrInvalidParameters) ||
		errors.Is(err, ErrRateLimited)
}

// Kind maps an error to its stable taxonomy name for API surfaces.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownCapability):
		return "unknown_capability"
	case errors.Is(err, ErrInvalidParameters):
		return "invalid_parameters"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnavailable):
		return "dependency_unavailable"
	case errors.Is(err, ErrVerification):
		return "persistence_verification_failed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return "transient_execution_failure"
	default:
		return "capability_execution_failed"
	}
}

// ErrorDetails exposes the human-readable portion of a wrapped error.
type ErrorDetails struct {
	Message string
}

// Details strips known sentinel prefixes so API surfaces can report the
// underlying message without the taxonomy noise.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	message := err.Error()
	for _, marker := range []error{
		ErrUnknownCapability,
		ErrInvalidParameters,
		ErrRateLimited,
		ErrUnavailable,
		ErrExecution,
		ErrTransient,
		ErrVerification,
		ErrNotFound,
		ErrConfiguration,
	} {
		prefix := marker.Error() + ": "
		if strings.HasPrefix(message, prefix) {
			message = strings.TrimPrefix(message, prefix)
			break
		}
	}
	return ErrorDetails{Message: strings.TrimSpace(message)}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
