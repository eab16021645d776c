package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
}

// Sheets describes the spreadsheet that feeds runs.
type Sheets struct {
	SpreadsheetID     string `toml:"spreadsheet_id"`
	SheetName         string `toml:"sheet_name"`
	Range             string `toml:"range"`
	CredentialsSecret string `toml:"credentials_secret"`
	Endpoint          string `toml:"endpoint"`
}

// AWS contains settings for the deployed stage workers and media bucket.
type AWS struct {
	Region          string `toml:"region"`
	DeploymentStage string `toml:"deployment_stage"`
	FunctionPrefix  string `toml:"function_prefix"`
	MediaBucket     string `toml:"media_bucket"`
	Endpoint        string `toml:"endpoint"`
}

// Workers selects how stage workers are reached.
type Workers struct {
	Transport   string `toml:"transport"`
	HTTPBaseURL string `toml:"http_base_url"`
	HTTPToken   string `toml:"http_token"`
}

// Credentials selects the credential provider backend.
type Credentials struct {
	Provider string `toml:"provider"`
	EnvFile  string `toml:"env_file"`
}

// Retry is the backoff policy applied to transient sub-batch failures.
type Retry struct {
	MaxAttempts       int     `toml:"max_attempts"`
	BaseDelayMillis   int     `toml:"base_delay_ms"`
	MaxDelayMillis    int     `toml:"max_delay_ms"`
	Multiplier        float64 `toml:"multiplier"`
	Jitter            float64 `toml:"jitter"`
	RetryFailedSubset bool    `toml:"retry_failed_subset"`
}

// StageSettings holds the dispatch limits for one stage. Zero values inherit
// from [pipeline] defaults.
type StageSettings struct {
	MaxBatchSize   int    `toml:"max_batch_size"`
	Concurrency    int    `toml:"concurrency"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Retry          *Retry `toml:"retry"`
}

// Pipeline lists the stages of a run and their dispatch settings.
type Pipeline struct {
	Stages         []string                 `toml:"stages"`
	MaxBatchSize   int                      `toml:"max_batch_size"`
	Concurrency    int                      `toml:"concurrency"`
	TimeoutSeconds int                      `toml:"timeout_seconds"`
	Retry          Retry                    `toml:"retry"`
	Stage          map[string]StageSettings `toml:"stage"`
}

// Lease configures the single-writer run lease.
type Lease struct {
	Backend       string `toml:"backend"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	TTLSeconds    int    `toml:"ttl_seconds"`
}

// History controls where large execution snapshots are offloaded.
type History struct {
	BlobBackend        string `toml:"blob_backend"`
	BlobDir            string `toml:"blob_dir"`
	BlobThresholdBytes int    `toml:"blob_threshold_bytes"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	RunStarted     bool   `toml:"run_started"`
	RunCompleted   bool   `toml:"run_completed"`
	Errors         bool   `toml:"errors"`
}

// Schedule configures the recurring submission of runs.
type Schedule struct {
	Cron     string `toml:"cron"`
	Timezone string `toml:"timezone"`
}

// Tracing configures OpenTelemetry export.
type Tracing struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for videogen.
//
// Configuration sections by subsystem:
//   - Paths: state database and log directories
//   - Sheets: the Row Store spreadsheet
//   - AWS: stage worker functions and media bucket
//   - Workers: Lambda or HTTP worker transport
//   - Credentials: secret provider selection
//   - Pipeline: stage order, batch sizes, concurrency, timeouts, retries
//   - Lease: single-writer run lease backend
//   - History: execution snapshot offload
//   - Notifications: ntfy push notification settings
//   - Schedule: cron-triggered runs
//   - Tracing: OTLP export
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Sheets        Sheets        `toml:"sheets"`
	AWS           AWS           `toml:"aws"`
	Workers       Workers       `toml:"workers"`
	Credentials   Credentials   `toml:"credentials"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Lease         Lease         `toml:"lease"`
	History       History       `toml:"history"`
	Notifications Notifications `toml:"notifications"`
	Schedule      Schedule      `toml:"schedule"`
	Tracing       Tracing       `toml:"tracing"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("videogen.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.StateDir, c.Paths.LogDir}
	if c.History.BlobBackend == BlobBackendFile {
		dirs = append(dirs, c.History.BlobDir)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath is the SQLite file holding runs, checkpoints and history.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "videogen.db")
}

// LeaseDir holds per-run lock files for the file lease backend.
func (c *Config) LeaseDir() string {
	return filepath.Join(c.Paths.StateDir, "leases")
}

// LeaseTTL returns the configured lease time-to-live.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Lease.TTLSeconds) * time.Second
}

// StageSettingsFor merges the per-stage overrides for name onto the pipeline
// defaults.
func (c *Config) StageSettingsFor(name string) StageSettings {
	resolved := StageSettings{
		MaxBatchSize:   c.Pipeline.MaxBatchSize,
		Concurrency:    c.Pipeline.Concurrency,
		TimeoutSeconds: c.Pipeline.TimeoutSeconds,
	}
	retry := c.Pipeline.Retry
	if override, ok := c.Pipeline.Stage[name]; ok {
		if override.MaxBatchSize > 0 {
			resolved.MaxBatchSize = override.MaxBatchSize
		}
		if override.Concurrency > 0 {
			resolved.Concurrency = override.Concurrency
		}
		if override.TimeoutSeconds > 0 {
			resolved.TimeoutSeconds = override.TimeoutSeconds
		}
		if override.Retry != nil {
			retry = *override.Retry
		}
	}
	resolved.Retry = &retry
	return resolved
}

// FunctionName returns the deployed worker name for a stage, e.g.
// "videogen-generatescript-dev".
func (c *Config) FunctionName(stage string) string {
	return strings.Join([]string{c.AWS.FunctionPrefix, strings.ToLower(stage), c.AWS.DeploymentStage}, "-")
}

// SecretName returns the credential name for a secret type, e.g.
// "videogen/google-credentials-dev".
func (c *Config) SecretName(kind string) string {
	return fmt.Sprintf("%s/%s-%s", c.AWS.FunctionPrefix, kind, c.AWS.DeploymentStage)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
