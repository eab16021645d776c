package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/awsclient"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/blobstore"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/config"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/credentials"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/dispatch"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/history"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/lease"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/logging"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/notifications"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/pipeline"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/rowstore"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/stage"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/stage/httpworker"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/stage/lambdaworker"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/store"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/telemetry"
)

// app holds the wired runtime for one command invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	driver  *pipeline.Driver
	history *history.Service
	stages  []stage.Definition
	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	shutdown, err := telemetry.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })
	logger.Debug("state store open", logging.String("path", st.Path()), logging.Int("schema_version", st.SchemaVersion()))

	blobs, err := blobstore.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	creds, err := credentials.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	// Only run, resume and retry touch the sheet, so status and history work
	// while the credential provider is down.
	rows := rowstore.NewLazy(func(ctx context.Context) (rowstore.Store, error) {
		sheetsStore, err := rowstore.NewSheets(ctx, cfg, creds, logger)
		if err != nil {
			return nil, err
		}
		return sheetsStore, nil
	})
	sess, err := awsclient.NewSession(cfg.AWS)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	stages, err := stage.FromConfig(cfg, workerFactory(cfg, sess, logger))
	if err != nil {
		return nil, err
	}
	locker, err := lease.FromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	recorder := history.NewRecorder(st, blobs, cfg.History.BlobThresholdBytes, logger)
	driver, err := pipeline.New(pipeline.Deps{
		Store:      st,
		Rows:       rows,
		Stages:     stages,
		Dispatcher: dispatch.New(dispatch.Options{Recorder: recorder, Logger: logger}),
		Locker:     locker,
		Notifier:   notifications.NewService(cfg),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	a.driver = driver
	a.history = history.NewService(st, blobs)
	a.stages = stages
	ok = true
	return a, nil
}

func workerFactory(cfg *config.Config, sess *session.Session, logger *slog.Logger) stage.WorkerFactory {
	if cfg.Workers.Transport == config.WorkerTransportHTTP {
		return httpworker.Factory(cfg, logger)
	}
	return lambdaworker.Factory(cfg, sess, logger)
}

// Close releases runtime resources in reverse order.
func (a *app) Close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil && a.logger != nil {
		a.logger.Warn("shutdown incomplete", logging.Error(err))
	}
}
