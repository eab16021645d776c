package workitem

import (
	"slices"
	"strings"
	"time"
)

// Status tracks the lifecycle of an item within a run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Flag is a stage completion marker recorded in Item.StageFlags.
type Flag string

const (
	FlagScriptGenerated Flag = "scriptGenerated"
	FlagScriptWritten   Flag = "scriptWritten"
	FlagImageGenerated  Flag = "imageGenerated"
	FlagAudioGenerated  Flag = "audioGenerated"
	FlagVideoComposed   Flag = "videoComposed"
	FlagVideoUploaded   Flag = "videoUploaded"
)

// Field names a stage-produced output on an Item.
type Field string

const (
	FieldScript    Field = "script"
	FieldImageRef  Field = "imageRef"
	FieldAudioRef  Field = "audioRef"
	FieldVideoRef  Field = "videoRef"
	FieldUploadRef Field = "uploadRef"
)

// OutputFields lists every stage-produced field in pipeline order.
func OutputFields() []Field {
	return []Field{FieldScript, FieldImageRef, FieldAudioRef, FieldVideoRef, FieldUploadRef}
}

// Failure is the structured detail recorded when an item fails a stage.
type Failure struct {
	Stage      string    `json:"stage"`
	Kind       string    `json:"kind"`
	Reason     string    `json:"reason"`
	Message    string    `json:"message"`
	Attempts   int       `json:"attempts,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Item is one candidate video.
type Item struct {
	RowIndex       int      `json:"rowIndex"`
	Title          string   `json:"title"`
	Theme          string   `json:"theme"`
	TargetAudience string   `json:"targetAudience,omitempty"`
	DurationHint   int      `json:"durationHint"`
	Keywords       []string `json:"keywords,omitempty"`

	Script    string `json:"script,omitempty"`
	ImageRef  string `json:"imageRef,omitempty"`
	AudioRef  string `json:"audioRef,omitempty"`
	VideoRef  string `json:"videoRef,omitempty"`
	UploadRef string `json:"uploadRef,omitempty"`

	StageFlags map[Flag]bool `json:"stageFlags,omitempty"`
	Status     Status        `json:"status"`
	LastError  *Failure      `json:"lastError,omitempty"`
}

// Get returns the value of an output field.
func (it Item) Get(field Field) string {
	switch field {
	case FieldScript:
		return it.Script
	case FieldImageRef:
		return it.ImageRef
	case FieldAudioRef:
		return it.AudioRef
	case FieldVideoRef:
		return it.VideoRef
	case FieldUploadRef:
		return it.UploadRef
	default:
		return ""
	}
}

func (it *Item) set(field Field, value string) {
	switch field {
	case FieldScript:
		it.Script = value
	case FieldImageRef:
		it.ImageRef = value
	case FieldAudioRef:
		it.AudioRef = value
	case FieldVideoRef:
		it.VideoRef = value
	case FieldUploadRef:
		it.UploadRef = value
	}
}

// HasFlag reports whether the stage flag is set.
func (it Item) HasFlag(flag Flag) bool {
	return it.StageFlags[flag]
}

// MarkFlag sets a stage completion flag.
func (it *Item) MarkFlag(flag Flag) {
	if flag == "" {
		return
	}
	if it.StageFlags == nil {
		it.StageFlags = make(map[Flag]bool)
	}
	it.StageFlags[flag] = true
}

// Clone returns a deep copy so stage workers never share maps or slices with
// the driver's copy.
func (it Item) Clone() Item {
	out := it
	out.Keywords = slices.Clone(it.Keywords)
	if it.StageFlags != nil {
		out.StageFlags = make(map[Flag]bool, len(it.StageFlags))
		for k, v := range it.StageFlags {
			out.StageFlags[k] = v
		}
	}
	if it.LastError != nil {
		failure := *it.LastError
		out.LastError = &failure
	}
	return out
}

// Fail moves the item to failed with the supplied detail.
func (it *Item) Fail(failure Failure) {
	it.Status = StatusFailed
	it.LastError = &failure
}

// Succeed moves the item to succeeded and clears any previous failure.
func (it *Item) Succeed() {
	it.Status = StatusSucceeded
	it.LastError = nil
}

// ResetForRetry implements the failed → pending transition used when an
// operator resubmits failed rows.
func (it *Item) ResetForRetry() {
	if it.Status == StatusFailed {
		it.Status = StatusPending
	}
	it.LastError = nil
}

// Label is a short human label for logs and tables.
func (it Item) Label() string {
	title := strings.TrimSpace(it.Title)
	if title == "" {
		title = strings.TrimSpace(it.Theme)
	}
	return title
}
