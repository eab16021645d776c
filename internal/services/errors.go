package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTransient        = errors.New("transient failure")
	ErrPermanent        = errors.New("permanent failure")
	ErrPrecondition     = errors.New("precondition violated")
	ErrInfrastructure   = errors.New("infrastructure unavailable")
	ErrValidation       = errors.New("validation error")
	ErrConfiguration    = errors.New("configuration error")
	ErrNotFound         = errors.New("not found")
	ErrTimeout          = errors.New("timeout")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrLeaseHeld        = errors.New("run lease held")
	ErrCancelled        = errors.New("cancelled")
)

// Kind names the taxonomy bucket of an error for ledgers and log fields.
type Kind string

const (
	KindTransient      Kind = "transient"
	KindPermanent      Kind = "permanent"
	KindPrecondition   Kind = "precondition"
	KindInfrastructure Kind = "infrastructure"
	KindValidation     Kind = "validation"
	KindConfiguration  Kind = "configuration"
	KindCancelled      Kind = "cancelled"
	KindUnknown        Kind = "unknown"
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// KindOf classifies err against the sentinel markers. Retries exhausted counts
// as transient because the underlying cause was retryable.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrPrecondition):
		return KindPrecondition
	case errors.Is(err, ErrInfrastructure):
		return KindInfrastructure
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrPermanent), errors.Is(err, ErrNotFound):
		return KindPermanent
	case errors.Is(err, ErrTransient), errors.Is(err, ErrTimeout), errors.Is(err, ErrRetriesExhausted):
		return KindTransient
	default:
		return KindUnknown
	}
}

// Retryable reports whether err should be retried by a dispatcher.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRetriesExhausted) {
		return false
	}
	return KindOf(err) == KindTransient
}

// ErrorDetails is the reporting view of a wrapped error.
type ErrorDetails struct {
	Kind    Kind
	Message string
	Hint    string
	Cause   error
}

// Details extracts a human-readable summary from err. The message drops the
// marker prefix so ledgers read naturally.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	kind := KindOf(err)
	msg := strings.TrimSpace(err.Error())
	for _, marker := range []error{
		ErrTransient, ErrPermanent, ErrPrecondition, ErrInfrastructure, ErrValidation,
		ErrConfiguration, ErrNotFound, ErrTimeout, ErrRetriesExhausted, ErrLeaseHeld, ErrCancelled,
	} {
		prefix := marker.Error() + ": "
		if strings.HasPrefix(msg, prefix) {
			msg = strings.TrimPrefix(msg, prefix)
			break
		}
	}
	return ErrorDetails{
		Kind:    kind,
		Message: msg,
		Hint:    hintFor(kind),
		Cause:   errors.Unwrap(err),
	}
}

func hintFor(kind Kind) string {
	switch kind {
	case KindInfrastructure:
		return "check row store, blob store and credential provider reachability"
	case KindConfiguration:
		return "review config.toml"
	case KindPrecondition:
		return "an upstream stage did not populate a required field"
	case KindPermanent:
		return "fix the row input and resubmit the failed rows"
	default:
		return ""
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
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
