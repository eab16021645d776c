package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/config"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/credentials"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/dispatch"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/history"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/lease"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/pipeline"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/rowstore"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/stage"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/store"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/testsupport"
)

type cliTestEnv struct {
	baseDir    string
	configPath string
	rows       *rowstore.Memory
	failRows   map[string]map[int]string
	onInvoke   map[string]func()
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	configPath := filepath.Join(base, "config.toml")
	contents := fmt.Sprintf(`[paths]
state_dir = %q
log_dir = %q

[sheets]
spreadsheet_id = "sheet-1"
sheet_name = "Videos"
range = "A2:L"

[credentials]
provider = "env"

[pipeline]
stages = ["GenerateScript", "WriteScript"]

[history]
blob_dir = %q

[logging]
level = "error"
`, filepath.Join(base, "state"), filepath.Join(base, "logs"), filepath.Join(base, "blobs"))
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	rows := rowstore.NewMemory()
	for row := 2; row <= 4; row++ {
		rows.Seed("sheet-1", row, fmt.Sprintf("Video %d", row), "science")
	}
	return &cliTestEnv{
		baseDir:    base,
		configPath: configPath,
		rows:       rows,
		failRows:   map[string]map[int]string{},
		onInvoke:   map[string]func(){},
	}
}

func (env *cliTestEnv) build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(cfg)
	if err != nil {
		return nil, err
	}
	stages, err := stage.FromConfig(cfg, func(name string) (stage.Worker, error) {
		worker := testsupport.NewFakeWorker(name)
		worker.FailRows = env.failRows[name]
		if hook := env.onInvoke[name]; hook != nil {
			return stage.WorkerFunc(func(ctx context.Context, in stage.Input) (stage.Output, error) {
				hook()
				return worker.Invoke(ctx, in)
			}), nil
		}
		return worker, nil
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	locker, err := lease.NewFileLocker(cfg.LeaseDir())
	if err != nil {
		st.Close()
		return nil, err
	}
	driver, err := pipeline.New(pipeline.Deps{
		Store:  st,
		Rows:   env.rows,
		Stages: stages,
		Dispatcher: dispatch.New(dispatch.Options{
			Recorder: st,
			Logger:   logger,
			Sleep:    func(context.Context, time.Duration) error { return nil },
		}),
		Locker: locker,
		Logger: logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return &app{
		cfg:     cfg,
		logger:  logger,
		driver:  driver,
		history: history.NewService(st, nil),
		stages:  stages,
		closers: []func(context.Context) error{func(context.Context) error { return st.Close() }},
	}, nil
}

func (env *cliTestEnv) execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	ctx := newCommandContext()
	ctx.build = env.build
	cmd := newRootCommand(ctx)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func decodeJSON[T any](t *testing.T, raw string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("decode json %q: %v", raw, err)
	}
	return v
}

func TestRunCommandSucceeds(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := env.execute(t, "run", "--json")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	summary := decodeJSON[summaryJSON](t, out)
	if summary.Status != string(store.RunSucceeded) {
		t.Fatalf("status = %q, want succeeded", summary.Status)
	}
	if got := fmt.Sprint(summary.Succeeded); got != "[2 3 4]" {
		t.Fatalf("succeeded rows = %s", got)
	}
	if len(summary.Ledger) != 0 {
		t.Fatalf("unexpected ledger: %+v", summary.Ledger)
	}
	if got := env.rows.Cell("sheet-1", 3, rowstore.ColumnStatus); got != rowstore.StatusDone {
		t.Fatalf("row 3 status = %q", got)
	}
}

func TestRunCommandPartialFailurePrintsLedger(t *testing.T) {
	env := setupCLITestEnv(t)
	env.failRows[config.StageGenerateScript] = map[int]string{3: "prompt rejected"}

	out, _, err := env.execute(t, "run")
	var exit *exitError
	if !errors.As(err, &exit) {
		t.Fatalf("expected exit error, got %v", err)
	}
	if exit.code != 2 {
		t.Fatalf("exit code = %d, want 2", exit.code)
	}
	for _, want := range []string{"Partially Failed", "Failure ledger", "GenerateScript", "ItemFailed", "prompt rejected"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunCommandAbortPrintsLedgerSoFar(t *testing.T) {
	env := setupCLITestEnv(t)
	env.failRows[config.StageGenerateScript] = map[int]string{3: "prompt rejected"}
	env.onInvoke[config.StageWriteScript] = func() {
		env.rows.FailWrites(errors.New("sheets unavailable"))
	}

	_, stderr, err := env.execute(t, "run")
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != 1 {
		t.Fatalf("expected exit code 1, got %v", err)
	}
	for _, want := range []string{"stopped", "sheets unavailable", "Failure ledger before stop", "GenerateScript", "prompt rejected", "videogen resume"} {
		if !strings.Contains(stderr, want) {
			t.Fatalf("stderr missing %q:\n%s", want, stderr)
		}
	}
}

func TestStatusAndHistoryCommands(t *testing.T) {
	env := setupCLITestEnv(t)
	env.failRows[config.StageWriteScript] = map[int]string{4: "storage quota"}

	out, _, err := env.execute(t, "run", "--json")
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != 2 {
		t.Fatalf("run: expected exit code 2, got %v", err)
	}
	runID := decodeJSON[summaryJSON](t, out).RunID

	out, _, err = env.execute(t, "status", runID, "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	status := decodeJSON[statusJSON](t, out)
	if status.Status != string(store.RunPartiallyFailed) || status.Phase != pipeline.PhaseCompleted {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Failed != 1 || status.Surviving != 2 || status.Resumable {
		t.Fatalf("unexpected counts %+v", status)
	}

	out, _, err = env.execute(t, "history", "row", runID, "4", "--json")
	if err != nil {
		t.Fatalf("history row: %v", err)
	}
	point := decodeJSON[stopPointJSON](t, out)
	if point.LastSucceededStage != config.StageGenerateScript || point.StoppedStage != config.StageWriteScript {
		t.Fatalf("unexpected stop point %+v", point)
	}
	if point.Reason != dispatch.ReasonItemFailed {
		t.Fatalf("reason = %q", point.Reason)
	}

	out, _, err = env.execute(t, "history", "row", runID, "2")
	if err != nil {
		t.Fatalf("history row text: %v", err)
	}
	if !strings.Contains(out, "completed every stage") {
		t.Fatalf("row 2 should be complete:\n%s", out)
	}

	out, _, err = env.execute(t, "history", "stage", runID, config.StageGenerateScript)
	if err != nil {
		t.Fatalf("history stage: %v", err)
	}
	if !strings.Contains(out, "succeeded") {
		t.Fatalf("stage history missing outcome:\n%s", out)
	}

	out, _, err = env.execute(t, "history", "timeline", runID, "--json")
	if err != nil {
		t.Fatalf("history timeline: %v", err)
	}
	records := decodeJSON[[]executionJSON](t, out)
	if len(records) < 2 || records[0].Stage != config.StageGenerateScript {
		t.Fatalf("unexpected timeline %+v", records)
	}
}

func TestStatusWorksWithoutSheetsCredential(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := env.execute(t, "run", "--json")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	runID := decodeJSON[summaryJSON](t, out).RunID

	cfg, _, _, err := config.Load(env.configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	t.Setenv(credentials.EnvKey(cfg.SecretName(cfg.Sheets.CredentialsSecret)), "")

	cmd := newRootCommand(newCommandContext())
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"--config", env.configPath, "status", runID, "--json"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("status without sheets credential: %v\n%s", err, stderr.String())
	}
	if got := decodeJSON[statusJSON](t, stdout.String()).Status; got != string(store.RunSucceeded) {
		t.Fatalf("status = %q, want succeeded", got)
	}
}

func TestResumeRejectsFinishedRun(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := env.execute(t, "run", "--json")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	runID := decodeJSON[summaryJSON](t, out).RunID

	_, stderr, err := env.execute(t, "resume", runID)
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != 1 {
		t.Fatalf("expected exit code 1, got %v", err)
	}
	if !strings.Contains(stderr, "already finished") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestStagesCommandListsConfiguredStages(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := env.execute(t, "stages", "--check")
	if err != nil {
		t.Fatalf("stages: %v", err)
	}
	for _, want := range []string{config.StageGenerateScript, config.StageWriteScript, "yes"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, config.StageUploadToYouTube) {
		t.Fatalf("unconfigured stage listed:\n%s", out)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)
	target := filepath.Join(env.baseDir, "generated", "config.toml")

	out, _, err := env.execute(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, target) {
		t.Fatalf("init output = %q", out)
	}
	if _, _, err := env.execute(t, "config", "init", "--path", target); err == nil {
		t.Fatal("expected second init without --overwrite to fail")
	}

	out, _, err = env.execute(t, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "GenerateScript -> WriteScript") || !strings.Contains(out, "Configuration valid") {
		t.Fatalf("validate output = %q", out)
	}
}

func TestExitCodes(t *testing.T) {
	cases := map[store.RunStatus]int{
		store.RunSucceeded:       0,
		store.RunPartiallyFailed: 2,
		store.RunFailed:          3,
		store.RunAborted:         1,
	}
	for status, want := range cases {
		if got := exitCode(status); got != want {
			t.Fatalf("exitCode(%s) = %d, want %d", status, got, want)
		}
	}
}
