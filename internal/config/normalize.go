package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.applyEnv()
	c.normalizeSheets()
	c.normalizePipeline()
	c.normalizeBackends()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.History.BlobDir) == "" {
		c.History.BlobDir = defaultBlobDir
	}
	if c.History.BlobDir, err = expandPath(c.History.BlobDir); err != nil {
		return fmt.Errorf("history.blob_dir: %w", err)
	}
	return nil
}

// applyEnv lets deployment environments override identifiers without editing
// the config file.
func (c *Config) applyEnv() {
	if value, ok := os.LookupEnv("VIDEOGEN_SPREADSHEET_ID"); ok && strings.TrimSpace(value) != "" {
		c.Sheets.SpreadsheetID = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("AWS_REGION"); ok && strings.TrimSpace(value) != "" {
		c.AWS.Region = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("VIDEOGEN_STAGE"); ok && strings.TrimSpace(value) != "" {
		c.AWS.DeploymentStage = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("VIDEOGEN_WORKER_TOKEN"); ok && strings.TrimSpace(value) != "" {
		c.Workers.HTTPToken = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("VIDEOGEN_NTFY_TOPIC"); ok && strings.TrimSpace(value) != "" {
		c.Notifications.NtfyTopic = strings.TrimSpace(value)
	}
}

func (c *Config) normalizeSheets() {
	c.Sheets.SpreadsheetID = strings.TrimSpace(c.Sheets.SpreadsheetID)
	c.Sheets.SheetName = strings.TrimSpace(c.Sheets.SheetName)
	if c.Sheets.SheetName == "" {
		c.Sheets.SheetName = defaultSheetName
	}
	c.Sheets.Range = strings.TrimSpace(c.Sheets.Range)
	if c.Sheets.Range == "" {
		c.Sheets.Range = defaultSheetRange
	}
}

func (c *Config) normalizePipeline() {
	stages := make([]string, 0, len(c.Pipeline.Stages))
	for _, name := range c.Pipeline.Stages {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			stages = append(stages, trimmed)
		}
	}
	c.Pipeline.Stages = stages
	if c.Pipeline.Stage == nil {
		c.Pipeline.Stage = map[string]StageSettings{}
	}
}

func (c *Config) normalizeBackends() {
	c.Lease.Backend = strings.ToLower(strings.TrimSpace(c.Lease.Backend))
	if c.Lease.Backend == "" {
		c.Lease.Backend = LeaseBackendFile
	}
	c.Workers.Transport = strings.ToLower(strings.TrimSpace(c.Workers.Transport))
	if c.Workers.Transport == "" {
		c.Workers.Transport = WorkerTransportLambda
	}
	c.Workers.HTTPBaseURL = strings.TrimSpace(c.Workers.HTTPBaseURL)
	c.History.BlobBackend = strings.ToLower(strings.TrimSpace(c.History.BlobBackend))
	if c.History.BlobBackend == "" {
		c.History.BlobBackend = BlobBackendFile
	}
	c.Credentials.Provider = strings.ToLower(strings.TrimSpace(c.Credentials.Provider))
	if c.Credentials.Provider == "" {
		c.Credentials.Provider = CredentialProviderSecretsManager
	}
	if strings.TrimSpace(c.Tracing.ServiceName) == "" {
		c.Tracing.ServiceName = defaultTracingServiceName
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
