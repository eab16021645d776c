package stage

import (
	"context"
	"fmt"
	"time"
)

// Health is the readiness of the worker behind one stage.
type Health struct {
	Stage string
	// Target is the function name or health URL that was checked. It is empty
	// when the worker has no health check.
	Target  string
	Ready   bool
	Detail  string
	Latency time.Duration
}

// Reachable records a passing check of target.
func Reachable(stage, target string, latency time.Duration) Health {
	return Health{Stage: stage, Target: target, Ready: true, Latency: latency}
}

// Unreachable records a failed check of target.
func Unreachable(stage, target string, latency time.Duration, format string, args ...any) Health {
	return Health{Stage: stage, Target: target, Latency: latency, Detail: fmt.Sprintf(format, args...)}
}

// Unchecked is reported for workers that cannot check themselves. They are
// assumed ready.
func Unchecked(stage string) Health {
	return Health{Stage: stage, Ready: true, Detail: "no health check"}
}

// CheckHealth asks worker for its health, falling back to Unchecked.
func CheckHealth(ctx context.Context, stage string, worker Worker) Health {
	if checker, ok := worker.(HealthChecker); ok {
		return checker.HealthCheck(ctx)
	}
	return Unchecked(stage)
}

// String renders the record for logs and tables.
func (h Health) String() string {
	switch {
	case h.Target == "":
		return h.Detail
	case h.Ready:
		return fmt.Sprintf("%s ok in %s", h.Target, h.Latency.Round(time.Millisecond))
	default:
		return fmt.Sprintf("%s: %s", h.Target, h.Detail)
	}
}
