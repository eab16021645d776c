package stage

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

// TransientError marks a retryable whole sub-batch failure such as a rate
// limit or timeout. RetryAfter, when set, is the earliest the worker asked to
// be called again.
type TransientError struct {
	Message    string
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string { return joinMessage("transient", e.Message, e.Err) }

func (e *TransientError) Unwrap() []error {
	if e.Err == nil {
		return []error{services.ErrTransient}
	}
	return []error{services.ErrTransient, e.Err}
}

// PermanentError marks a sub-batch failure that retrying cannot fix.
type PermanentError struct {
	Message string
	Err     error
}

func (e *PermanentError) Error() string { return joinMessage("permanent", e.Message, e.Err) }

func (e *PermanentError) Unwrap() []error {
	if e.Err == nil {
		return []error{services.ErrPermanent}
	}
	return []error{services.ErrPermanent, e.Err}
}

// PartialBatchFailure reports that some items succeeded and others failed.
// Succeeded carries the enriched items; Failed carries per-item outcomes.
type PartialBatchFailure struct {
	Succeeded []workitem.Item
	Failed    []ItemFailure
}

func (e *PartialBatchFailure) Error() string {
	return fmt.Sprintf("partial batch failure: %d succeeded, %d failed", len(e.Succeeded), len(e.Failed))
}

// Transient builds a TransientError.
func Transient(format string, args ...any) error {
	return &TransientError{Message: fmt.Sprintf(format, args...)}
}

// Permanent builds a PermanentError.
func Permanent(format string, args ...any) error {
	return &PermanentError{Message: fmt.Sprintf(format, args...)}
}

// RetryableStatus reports whether an HTTP-style status code from a worker is
// worth retrying.
func RetryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// StatusError converts a non-200 response without item detail into the
// matching whole sub-batch error.
func StatusError(out Output) error {
	msg := strings.TrimSpace(out.Error)
	if msg == "" {
		msg = http.StatusText(out.StatusCode)
	}
	msg = fmt.Sprintf("status %d: %s", out.StatusCode, msg)
	if RetryableStatus(out.StatusCode) {
		return &TransientError{Message: msg}
	}
	return &PermanentError{Message: msg}
}

func joinMessage(kind, message string, err error) string {
	parts := []string{kind}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if err != nil {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, ": ")
}
