package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/dispatch"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/lease"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/logging"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/notifications"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/rowstore"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/stage"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/store"
)

// Phases recorded on the run while the driver works.
const (
	PhasePending     = "Pending"
	PhaseRunning     = "Running"
	PhaseAdvancing   = "Advancing"
	PhaseStageFailed = "StageFailed"
	PhaseCompleted   = "Completed"
	PhaseAborted     = "Aborted"
)

// StateStore persists runs and checkpoints.
type StateStore interface {
	CreateRun(ctx context.Context, run *store.Run) error
	GetRun(ctx context.Context, id string) (*store.Run, error)
	UpdateRun(ctx context.Context, run *store.Run) error
	SaveCheckpoint(ctx context.Context, cp *store.Checkpoint) error
	LatestCheckpoint(ctx context.Context, runID string) (*store.Checkpoint, error)
}

// CheckpointObserver is called after each checkpoint is persisted. A non-nil
// error stops execution at that boundary, leaving the run as a crashed driver
// would.
type CheckpointObserver func(ctx context.Context, cp store.Checkpoint) error

// Deps are the collaborators a Driver needs.
type Deps struct {
	Store      StateStore
	Rows       rowstore.Store
	Stages     []stage.Definition
	Dispatcher *dispatch.Dispatcher
	Locker     lease.Locker
	Notifier   notifications.Service
	Logger     *slog.Logger
}

// Option customizes a Driver.
type Option func(*Driver)

// WithCheckpointObserver registers fn.
func WithCheckpointObserver(fn CheckpointObserver) Option {
	return func(d *Driver) { d.observer = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(d *Driver) { d.newID = fn }
}

// WithTracer overrides the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Driver) { d.tracer = tracer }
}

// Driver sequences stages for runs.
type Driver struct {
	store      StateStore
	rows       rowstore.Store
	stages     []stage.Definition
	dispatcher *dispatch.Dispatcher
	locker     lease.Locker
	notifier   notifications.Service
	logger     *slog.Logger
	tracer     trace.Tracer
	validate   *validator.Validate
	observer   CheckpointObserver
	now        func() time.Time
	newID      func() string
}

// New validates deps and builds a Driver.
func New(deps Deps, opts ...Option) (*Driver, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("pipeline: state store is required")
	case deps.Rows == nil:
		return nil, errors.New("pipeline: row store is required")
	case deps.Locker == nil:
		return nil, errors.New("pipeline: locker is required")
	case len(deps.Stages) == 0:
		return nil, errors.New("pipeline: at least one stage is required")
	}
	for _, def := range deps.Stages {
		if err := def.Validate(); err != nil {
			return nil, err
		}
	}
	d := &Driver{
		store:      deps.Store,
		rows:       deps.Rows,
		stages:     append([]stage.Definition(nil), deps.Stages...),
		dispatcher: deps.Dispatcher,
		locker:     deps.Locker,
		notifier:   deps.Notifier,
		logger:     logging.NewComponentLogger(deps.Logger, "pipeline"),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.dispatcher == nil {
		d.dispatcher = dispatch.New(dispatch.Options{Logger: deps.Logger})
	}
	if d.notifier == nil {
		d.notifier = notifications.Noop()
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("videogen/pipeline")
	}
	return d, nil
}

// Stages returns the configured stage names in order.
func (d *Driver) Stages() []string {
	return stage.Names(d.stages)
}
