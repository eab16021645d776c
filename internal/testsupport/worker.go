package testsupport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/stage"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

// Response scripts one invocation of a FakeWorker.
type Response func(in stage.Input) (stage.Output, error)

// FakeWorker is a scripted stage worker. Scripted responses are consumed in
// order; once exhausted every item succeeds except rows listed in FailRows.
type FakeWorker struct {
	Name     string
	Produces stage.Produces
	FailRows map[int]string
	Delay    time.Duration

	mu        sync.Mutex
	responses []Response
	calls     []stage.Input
}

// NewFakeWorker builds a worker that produces the catalogued outputs of name.
func NewFakeWorker(name string, responses ...Response) *FakeWorker {
	produces, _ := stage.ProducesFor(name)
	return &FakeWorker{Name: name, Produces: produces, responses: responses}
}

// Invoke records the call and returns the next scripted response.
func (w *FakeWorker) Invoke(ctx context.Context, in stage.Input) (stage.Output, error) {
	w.mu.Lock()
	clone := stage.Input{RunContext: in.RunContext, Items: workitem.Batch(in.Items).Clone()}
	w.calls = append(w.calls, clone)
	var next Response
	if len(w.responses) > 0 {
		next = w.responses[0]
		w.responses = w.responses[1:]
	}
	w.mu.Unlock()

	if w.Delay > 0 {
		select {
		case <-time.After(w.Delay):
		case <-ctx.Done():
			return stage.Output{}, ctx.Err()
		}
	}
	if next != nil {
		return next(clone)
	}
	return Complete(clone, w.Produces, w.FailRows)
}

// Calls returns a copy of every input received so far.
func (w *FakeWorker) Calls() []stage.Input {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]stage.Input(nil), w.calls...)
}

// CallCount returns the number of invocations.
func (w *FakeWorker) CallCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

// InvokedRows returns every row index the worker has seen, in call order.
func (w *FakeWorker) InvokedRows() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	var rows []int
	for _, call := range w.calls {
		rows = append(rows, workitem.Batch(call.Items).RowIndexes()...)
	}
	return rows
}

// Complete fills the produced fields of every item and reports rows in
// failRows as a PartialBatchFailure.
func Complete(in stage.Input, produces stage.Produces, failRows map[int]string) (stage.Output, error) {
	var (
		succeeded []workitem.Item
		failed    []stage.ItemFailure
	)
	for _, item := range in.Items {
		if reason, ok := failRows[item.RowIndex]; ok {
			failed = append(failed, stage.ItemFailure{RowIndex: item.RowIndex, Error: reason})
			continue
		}
		succeeded = append(succeeded, Produce(item, produces))
	}
	if len(failed) > 0 {
		return stage.Output{}, &stage.PartialBatchFailure{Succeeded: succeeded, Failed: failed}
	}
	return stage.Output{StatusCode: 200, Items: succeeded}, nil
}

// Produce returns item with deterministic values in the produced fields.
func Produce(item workitem.Item, produces stage.Produces) workitem.Item {
	out := item.Clone()
	for _, field := range produces.Fields {
		value := fmt.Sprintf("%s-row-%d", field, item.RowIndex)
		switch field {
		case workitem.FieldScript:
			out.Script = value
		case workitem.FieldImageRef:
			out.ImageRef = value
		case workitem.FieldAudioRef:
			out.AudioRef = value
		case workitem.FieldVideoRef:
			out.VideoRef = value
		case workitem.FieldUploadRef:
			out.UploadRef = value
		}
	}
	return out
}

// AlwaysTransient is a Response that fails with a TransientError.
func AlwaysTransient(in stage.Input) (stage.Output, error) {
	return stage.Output{}, stage.Transient("rate limited")
}

// AlwaysPermanent is a Response that fails with a PermanentError.
func AlwaysPermanent(in stage.Input) (stage.Output, error) {
	return stage.Output{}, stage.Permanent("malformed input")
}

// Repeat returns n copies of r.
func Repeat(r Response, n int) []Response {
	out := make([]Response, n)
	for i := range out {
		out[i] = r
	}
	return out
}

// Sleeper records requested delays without sleeping.
type Sleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

// Sleep records d and returns ctx.Err() if the context is already done.
func (s *Sleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

// Delays returns the recorded delays.
func (s *Sleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// Items builds a batch of pending items for the given row indexes.
func Items(rows ...int) workitem.Batch {
	batch := make(workitem.Batch, 0, len(rows))
	for _, row := range rows {
		batch = append(batch, workitem.Item{
			RowIndex:     row,
			Title:        fmt.Sprintf("Video %d", row),
			Theme:        "science",
			DurationHint: 60,
			Status:       workitem.StatusPending,
		})
	}
	return batch
}
