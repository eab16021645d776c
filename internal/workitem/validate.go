package workitem

import (
	"fmt"
	"slices"
	"strings"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
)

// Precondition reasons.
const (
	ReasonMissingInput  = "MissingUpstreamOutput"
	ReasonMissingOutput = "MissingStageOutput"
	ReasonOutputMutated = "OutputMutated"
)

// Requirement lists the fields and flags an item must carry to enter a stage.
type Requirement struct {
	Stage  string
	Fields []Field
	Flags  []Flag
}

// PreconditionError signals a data-integrity bug: an item reached a stage
// without the outputs an earlier stage should have produced, or a stage tried
// to rewrite an output it does not own.
type PreconditionError struct {
	RowIndex int
	Stage    string
	Reason   string
	Missing  []string
}

func (e *PreconditionError) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("row %d: %s: %s", e.RowIndex, e.Stage, e.Reason)
	}
	return fmt.Sprintf("row %d: %s: %s: %s", e.RowIndex, e.Stage, e.Reason, strings.Join(e.Missing, ", "))
}

func (e *PreconditionError) Unwrap() error { return services.ErrPrecondition }

// Validate fails with a PreconditionError when item lacks any field or flag in
// req. It has no side effects.
func Validate(item Item, req Requirement) error {
	var missing []string
	for _, field := range req.Fields {
		if strings.TrimSpace(item.Get(field)) == "" {
			missing = append(missing, string(field))
		}
	}
	for _, flag := range req.Flags {
		if !item.HasFlag(flag) {
			missing = append(missing, string(flag))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &PreconditionError{RowIndex: item.RowIndex, Stage: req.Stage, Reason: ReasonMissingInput, Missing: missing}
}

// Enrich merges the output a stage returned for one item onto the tracked
// item. Input fields always come from dst. Output fields are append-only: an
// empty value is filled, an identical value is accepted, and a different value
// is rejected. Every field in produces must be present after the merge; when it
// is, flag is set.
func Enrich(dst *Item, src Item, stage string, produces []Field, flag Flag) error {
	var mutated []string
	for _, field := range OutputFields() {
		incoming := strings.TrimSpace(src.Get(field))
		if incoming == "" {
			continue
		}
		existing := dst.Get(field)
		switch {
		case existing == "":
			if slices.Contains(produces, field) {
				dst.set(field, incoming)
			}
		case existing != incoming:
			mutated = append(mutated, string(field))
		}
	}
	if len(mutated) > 0 {
		return &PreconditionError{RowIndex: dst.RowIndex, Stage: stage, Reason: ReasonOutputMutated, Missing: mutated}
	}

	var missing []string
	for _, field := range produces {
		if strings.TrimSpace(dst.Get(field)) == "" {
			missing = append(missing, string(field))
		}
	}
	if len(missing) > 0 {
		return &PreconditionError{RowIndex: dst.RowIndex, Stage: stage, Reason: ReasonMissingOutput, Missing: missing}
	}
	dst.MarkFlag(flag)
	return nil
}
