package scheduler_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/config"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/scheduler"
)

func TestNewValidatesSchedule(t *testing.T) {
	noop := func(context.Context) error { return nil }

	_, err := scheduler.New(config.Schedule{Cron: "not a cron"}, noop, nil)
	assert.Error(t, err)
	_, err = scheduler.New(config.Schedule{Cron: "0 9 * * *", Timezone: "Mars/Olympus"}, noop, nil)
	assert.Error(t, err)
	_, err = scheduler.New(config.Schedule{Cron: "0 9 * * *"}, nil, nil)
	assert.Error(t, err)

	s, err := scheduler.New(config.Schedule{Cron: "0 9 * * *", Timezone: "Asia/Tokyo"}, noop, nil)
	require.NoError(t, err)
	next := s.Next()
	tokyo, _ := time.LoadLocation("Asia/Tokyo")
	assert.Equal(t, 9, next.In(tokyo).Hour())
	assert.Equal(t, 0, next.In(tokyo).Minute())
}

func TestTriggerSkipsWhileRunning(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var runs atomic.Int32
	s, err := scheduler.New(config.Schedule{Cron: "0 9 * * *"}, func(context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Trigger()
	}()
	<-started

	s.Trigger()
	assert.Equal(t, int32(1), runs.Load(), "overlapping tick must be skipped")

	close(release)
	wg.Wait()

	go func() { <-started }()
	s.Trigger()
	assert.Equal(t, int32(2), runs.Load())
}

func TestRunErrorsDoNotStopScheduler(t *testing.T) {
	var runs atomic.Int32
	s, err := scheduler.New(config.Schedule{Cron: "@every 1h"}, func(context.Context) error {
		runs.Add(1)
		panic("boom")
	}, nil)
	require.NoError(t, err)

	s.Trigger()
	s.Trigger()
	assert.Equal(t, int32(2), runs.Load())
}
