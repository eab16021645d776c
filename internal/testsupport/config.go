package testsupport

import (
	"path/filepath"
	"testing"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Retry delays are shrunk so dispatch tests stay fast.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.History.BlobDir = filepath.Join(base, "blobs")
	cfgVal.Sheets.SpreadsheetID = "test-sheet"
	cfgVal.Pipeline.Retry.BaseDelayMillis = 1
	cfgVal.Pipeline.Retry.MaxDelayMillis = 10
	cfgVal.Credentials.Provider = config.CredentialProviderEnv

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithStages limits the pipeline to the named stages.
func WithStages(names ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.Stages = append([]string(nil), names...)
	}
}

// WithRetry overrides the default retry policy.
func WithRetry(retry config.Retry) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.Retry = retry
	}
}

// WithBatchSize sets the default max batch size and clears per-stage
// overrides so every stage uses it.
func WithBatchSize(size int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.MaxBatchSize = size
		b.cfg.Pipeline.Stage = map[string]config.StageSettings{}
	}
}

// BaseDir returns the temp directory backing the config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
