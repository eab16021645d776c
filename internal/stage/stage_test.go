package stage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/config"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/stage"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

func TestRetryPolicyDelayGrowsAndCaps(t *testing.T) {
	policy := stage.RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, policy.Delay(1))
	assert.Equal(t, 200*time.Millisecond, policy.Delay(2))
	assert.Equal(t, 400*time.Millisecond, policy.Delay(3))
	assert.Equal(t, 800*time.Millisecond, policy.Delay(4))
	assert.Equal(t, time.Second, policy.Delay(5))
	assert.Equal(t, time.Second, policy.Delay(40))
}

func TestErrorsClassify(t *testing.T) {
	assert.True(t, errors.Is(stage.Transient("rate limited"), services.ErrTransient))
	assert.True(t, errors.Is(stage.Permanent("bad row"), services.ErrPermanent))

	cause := errors.New("socket closed")
	wrapped := &stage.TransientError{Message: "invoke", Err: cause}
	assert.True(t, errors.Is(wrapped, cause))
	assert.Equal(t, "transient: invoke: socket closed", wrapped.Error())
}

func TestStatusError(t *testing.T) {
	var transient *stage.TransientError
	require.True(t, errors.As(stage.StatusError(stage.Output{StatusCode: 503}), &transient))
	require.True(t, errors.As(stage.StatusError(stage.Output{StatusCode: 429}), &transient))

	var permanent *stage.PermanentError
	err := stage.StatusError(stage.Output{StatusCode: 400, Error: "missing theme"})
	require.True(t, errors.As(err, &permanent))
	assert.Contains(t, err.Error(), "missing theme")
}

func TestRequirementAccumulatesEarlierStages(t *testing.T) {
	cfg := config.Default()
	defs, err := stage.FromConfig(&cfg, func(string) (stage.Worker, error) {
		return stage.WorkerFunc(func(context.Context, stage.Input) (stage.Output, error) { return stage.Output{}, nil }), nil
	})
	require.NoError(t, err)
	require.Len(t, defs, 6)

	first := stage.Requirement(defs, 0)
	assert.Empty(t, first.Fields)
	assert.Empty(t, first.Flags)

	compose := stage.Requirement(defs, 4)
	assert.Equal(t, config.StageComposeVideo, compose.Stage)
	assert.Equal(t, []workitem.Field{workitem.FieldScript, workitem.FieldImageRef, workitem.FieldAudioRef}, compose.Fields)
	assert.Equal(t, []workitem.Flag{
		workitem.FlagScriptGenerated, workitem.FlagScriptWritten, workitem.FlagImageGenerated, workitem.FlagAudioGenerated,
	}, compose.Flags)
}

func TestFromConfigAppliesOverrides(t *testing.T) {
	cfg := config.Default()
	defs, err := stage.FromConfig(&cfg, func(string) (stage.Worker, error) {
		return stage.WorkerFunc(func(context.Context, stage.Input) (stage.Output, error) { return stage.Output{}, nil }), nil
	})
	require.NoError(t, err)
	upload := defs[5]
	assert.Equal(t, config.StageUploadToYouTube, upload.Name)
	assert.Equal(t, 1, upload.MaxBatchSize)
	assert.Equal(t, 900*time.Second, upload.Timeout)
	assert.Equal(t, 3, upload.Retry.MaxAttempts)
	assert.Equal(t, []string{"GenerateScript", "WriteScript", "GenerateImage", "SynthesizeSpeech", "ComposeVideo", "UploadToYouTube"}, stage.Names(defs))
}

func TestFromConfigPropagatesFactoryError(t *testing.T) {
	cfg := config.Default()
	_, err := stage.FromConfig(&cfg, func(name string) (stage.Worker, error) {
		return nil, errors.New("no worker for " + name)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GenerateScript")
}

func TestDefinitionValidate(t *testing.T) {
	valid := stage.Definition{
		Name:         "GenerateScript",
		Worker:       stage.WorkerFunc(func(context.Context, stage.Input) (stage.Output, error) { return stage.Output{}, nil }),
		MaxBatchSize: 1,
		Concurrency:  1,
		Timeout:      time.Second,
		Retry:        stage.RetryPolicy{MaxAttempts: 1, Multiplier: 1},
	}
	require.NoError(t, valid.Validate())

	broken := valid
	broken.Worker = nil
	require.Error(t, broken.Validate())
}

type checkedWorker struct {
	stage.WorkerFunc
}

func (checkedWorker) HealthCheck(context.Context) stage.Health {
	return stage.Unreachable("GenerateImage", "videogen-generateimage-dev", 40*time.Millisecond, "state %s", "Failed")
}

func TestCheckHealthFallsBackToUnchecked(t *testing.T) {
	plain := stage.WorkerFunc(func(context.Context, stage.Input) (stage.Output, error) { return stage.Output{}, nil })
	health := stage.CheckHealth(context.Background(), "GenerateScript", plain)
	assert.True(t, health.Ready)
	assert.Empty(t, health.Target)
	assert.Equal(t, "no health check", health.String())

	health = stage.CheckHealth(context.Background(), "GenerateImage", checkedWorker{WorkerFunc: plain})
	assert.False(t, health.Ready)
	assert.Equal(t, "videogen-generateimage-dev: state Failed", health.String())

	assert.Equal(t, "fn ok in 12ms", stage.Reachable("GenerateImage", "fn", 12*time.Millisecond).String())
}
