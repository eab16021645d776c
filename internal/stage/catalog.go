package stage

import (
	"fmt"
	"time"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/config"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

var catalog = map[string]Produces{
	config.StageGenerateScript:   {Fields: []workitem.Field{workitem.FieldScript}, Flag: workitem.FlagScriptGenerated},
	config.StageWriteScript:      {Flag: workitem.FlagScriptWritten},
	config.StageGenerateImage:    {Fields: []workitem.Field{workitem.FieldImageRef}, Flag: workitem.FlagImageGenerated},
	config.StageSynthesizeSpeech: {Fields: []workitem.Field{workitem.FieldAudioRef}, Flag: workitem.FlagAudioGenerated},
	config.StageComposeVideo:     {Fields: []workitem.Field{workitem.FieldVideoRef}, Flag: workitem.FlagVideoComposed},
	config.StageUploadToYouTube:  {Fields: []workitem.Field{workitem.FieldUploadRef}, Flag: workitem.FlagVideoUploaded},
}

// ProducesFor returns the catalogued outputs of a canonical stage.
func ProducesFor(name string) (Produces, bool) {
	p, ok := catalog[name]
	return p, ok
}

// WorkerFactory resolves the worker for a stage name.
type WorkerFactory func(name string) (Worker, error)

// FromConfig builds the ordered stage definitions described by cfg, asking
// factory for each worker.
func FromConfig(cfg *config.Config, factory WorkerFactory) ([]Definition, error) {
	defs := make([]Definition, 0, len(cfg.Pipeline.Stages))
	for _, name := range cfg.Pipeline.Stages {
		produces, ok := ProducesFor(name)
		if !ok {
			return nil, fmt.Errorf("stage %s: not in catalog", name)
		}
		worker, err := factory(name)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
		settings := cfg.StageSettingsFor(name)
		retry := settings.Retry
		def := Definition{
			Name:         name,
			Worker:       worker,
			Produces:     produces,
			MaxBatchSize: settings.MaxBatchSize,
			Concurrency:  settings.Concurrency,
			Timeout:      time.Duration(settings.TimeoutSeconds) * time.Second,
			Retry: RetryPolicy{
				MaxAttempts:       retry.MaxAttempts,
				BaseDelay:         time.Duration(retry.BaseDelayMillis) * time.Millisecond,
				MaxDelay:          time.Duration(retry.MaxDelayMillis) * time.Millisecond,
				Multiplier:        retry.Multiplier,
				Jitter:            retry.Jitter,
				RetryFailedSubset: retry.RetryFailedSubset,
			},
		}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
