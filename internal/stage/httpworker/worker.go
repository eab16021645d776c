// Package httpworker invokes stage workers exposed over HTTP. Each stage is
// served at <base URL>/<stage lowercased> and receives the batch payload as a
// JSON POST body.
package httpworker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/config"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/logging"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/stage"
)

const maxResponseBytes = 16 << 20

// Options configures a Worker.
type Options struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token  string
	Client *http.Client
	Logger *slog.Logger
}

// Worker is a stage.Worker backed by an HTTP endpoint.
type Worker struct {
	stage    string
	endpoint string
	health   string
	token    string
	client   *http.Client
	logger   *slog.Logger
}

// StatusError is a non-2xx reply that carried no per-item detail.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("http %d: %s", e.StatusCode, summarizeBody(e.Body))
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

// New builds the worker for stageName.
func New(stageName string, opts Options) (*Worker, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("httpworker: base url is required")
	}
	endpoint, err := url.JoinPath(base, strings.ToLower(stageName))
	if err != nil {
		return nil, fmt.Errorf("httpworker: build url: %w", err)
	}
	health, err := url.JoinPath(endpoint, "health")
	if err != nil {
		return nil, fmt.Errorf("httpworker: build health url: %w", err)
	}
	client := opts.Client
	if client == nil {
		// Timeouts come from the per-stage invocation context.
		client = &http.Client{}
	}
	return &Worker{
		stage:    stageName,
		endpoint: endpoint,
		health:   health,
		token:    strings.TrimSpace(opts.Token),
		client:   client,
		logger:   logging.NewComponentLogger(opts.Logger, "httpworker").With(logging.String(logging.FieldStage, stageName)),
	}, nil
}

// Factory returns a stage.WorkerFactory for cfg.Workers.
func Factory(cfg *config.Config, logger *slog.Logger) stage.WorkerFactory {
	client := &http.Client{}
	return func(name string) (stage.Worker, error) {
		return New(name, Options{
			BaseURL: cfg.Workers.HTTPBaseURL,
			Token:   cfg.Workers.HTTPToken,
			Client:  client,
			Logger:  logger,
		})
	}
}

// Endpoint returns the URL the worker posts to.
func (w *Worker) Endpoint() string { return w.endpoint }

// Invoke posts in and decodes the reply. 408, 429 and 5xx replies are
// transient; other non-2xx replies are permanent unless they report
// per-item failures.
func (w *Worker) Invoke(ctx context.Context, in stage.Input) (stage.Output, error) {
	encoded, err := json.Marshal(in)
	if err != nil {
		return stage.Output{}, &stage.PermanentError{Message: "encode request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return stage.Output{}, &stage.PermanentError{Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return stage.Output{}, &stage.TransientError{Message: w.endpoint + ": request failed", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return stage.Output{}, &stage.TransientError{Message: w.endpoint + ": read response", Err: err}
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		var out stage.Output
		if json.Unmarshal(body, &out) == nil && len(out.Failures) > 0 {
			out.StatusCode = resp.StatusCode
			return out, nil
		}
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body), RetryAfter: retryAfter}
		if stage.RetryableStatus(resp.StatusCode) {
			return stage.Output{}, &stage.TransientError{Message: w.endpoint, Err: statusErr, RetryAfter: retryAfter}
		}
		return stage.Output{}, &stage.PermanentError{Message: w.endpoint, Err: statusErr}
	}

	var out stage.Output
	if err := json.Unmarshal(body, &out); err != nil {
		w.logger.Warn("stage endpoint returned an invalid payload",
			logging.String(logging.FieldEventType, "invalid_worker_payload"),
			logging.String("endpoint", w.endpoint),
			logging.String("payload_snippet", summarizeBody(string(body))),
			logging.Error(err),
		)
		return stage.Output{}, &stage.PermanentError{Message: w.endpoint + ": invalid response", Err: err}
	}
	if out.StatusCode == 0 {
		out.StatusCode = http.StatusOK
	}
	return out, nil
}

// HealthCheck reports whether GET <endpoint>/health answers 2xx.
func (w *Worker) HealthCheck(ctx context.Context) stage.Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.health, nil)
	if err != nil {
		return stage.Unreachable(w.stage, w.health, 0, "%v", err)
	}
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	started := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return stage.Unreachable(w.stage, w.health, time.Since(started), "%v", err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(started)
	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return stage.Unreachable(w.stage, w.health, elapsed, "http %d: %s", resp.StatusCode, summarizeBody(string(body)))
	}
	return stage.Reachable(w.stage, w.health, elapsed)
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}

func summarizeBody(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "<empty>"
	}
	clean := strings.Join(strings.Fields(trimmed), " ")
	const limit = 160
	runes := []rune(clean)
	if len(runes) > limit {
		clean = string(runes[:limit]) + "..."
	}
	return clean
}
