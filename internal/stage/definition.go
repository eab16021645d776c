package stage

import (
	"errors"
	"fmt"
	"time"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

// RetryPolicy is the exponential backoff applied to transient sub-batch
// failures. MaxAttempts counts every invocation including the first.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	Jitter            float64
	RetryFailedSubset bool
}

// Delay returns the backoff before attempt+1 given that attempt (1-based)
// just failed, before jitter is applied.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Produces declares what a stage adds to each item.
type Produces struct {
	Fields []workitem.Field
	Flag   workitem.Flag
}

// Definition binds a stage name to its worker and dispatch limits.
type Definition struct {
	Name         string
	Worker       Worker
	Produces     Produces
	MaxBatchSize int
	Concurrency  int
	Timeout      time.Duration
	Retry        RetryPolicy
}

// Validate checks the definition is dispatchable.
func (d Definition) Validate() error {
	switch {
	case d.Name == "":
		return errors.New("stage name is required")
	case d.Worker == nil:
		return fmt.Errorf("stage %s: worker is required", d.Name)
	case d.MaxBatchSize <= 0:
		return fmt.Errorf("stage %s: max batch size must be positive", d.Name)
	case d.Concurrency <= 0:
		return fmt.Errorf("stage %s: concurrency must be positive", d.Name)
	case d.Timeout <= 0:
		return fmt.Errorf("stage %s: timeout must be positive", d.Name)
	case d.Retry.MaxAttempts <= 0:
		return fmt.Errorf("stage %s: retry max attempts must be positive", d.Name)
	case d.Retry.Multiplier < 1:
		return fmt.Errorf("stage %s: retry multiplier must be at least 1", d.Name)
	}
	return nil
}

// Requirement returns what an item must carry to enter stages[index]: the
// produced fields and flags of every earlier stage.
func Requirement(stages []Definition, index int) workitem.Requirement {
	req := workitem.Requirement{}
	if index >= 0 && index < len(stages) {
		req.Stage = stages[index].Name
	}
	for i := 0; i < index && i < len(stages); i++ {
		req.Fields = append(req.Fields, stages[i].Produces.Fields...)
		if stages[i].Produces.Flag != "" {
			req.Flags = append(req.Flags, stages[i].Produces.Flag)
		}
	}
	return req
}

// Names lists the stage names in order.
func Names(stages []Definition) []string {
	out := make([]string, 0, len(stages))
	for _, def := range stages {
		out = append(out, def.Name)
	}
	return out
}
