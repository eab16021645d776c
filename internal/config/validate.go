package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateAWS(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateLease(); err != nil {
		return err
	}
	if err := c.validateHistory(); err != nil {
		return err
	}
	if err := c.validateCredentials(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if len(c.Pipeline.Stages) == 0 {
		return errors.New("pipeline.stages must list at least one stage")
	}
	known := CanonicalStages()
	seen := make(map[string]struct{}, len(c.Pipeline.Stages))
	for _, name := range c.Pipeline.Stages {
		if !slices.Contains(known, name) {
			return fmt.Errorf("pipeline.stages: unknown stage %q (expected one of %s)", name, strings.Join(known, ", "))
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("pipeline.stages: stage %q listed twice", name)
		}
		seen[name] = struct{}{}
	}
	if c.Pipeline.MaxBatchSize <= 0 {
		return errors.New("pipeline.max_batch_size must be positive")
	}
	if c.Pipeline.Concurrency <= 0 {
		return errors.New("pipeline.concurrency must be positive")
	}
	if c.Pipeline.TimeoutSeconds <= 0 {
		return errors.New("pipeline.timeout_seconds must be positive")
	}
	if err := validateRetry("pipeline.retry", c.Pipeline.Retry); err != nil {
		return err
	}
	for name, override := range c.Pipeline.Stage {
		if !slices.Contains(known, name) {
			return fmt.Errorf("pipeline.stage.%s: unknown stage", name)
		}
		if override.MaxBatchSize < 0 || override.Concurrency < 0 || override.TimeoutSeconds < 0 {
			return fmt.Errorf("pipeline.stage.%s: limits must not be negative", name)
		}
		if override.Retry != nil {
			if err := validateRetry("pipeline.stage."+name+".retry", *override.Retry); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateRetry(section string, retry Retry) error {
	if retry.MaxAttempts <= 0 {
		return fmt.Errorf("%s.max_attempts must be positive", section)
	}
	if retry.BaseDelayMillis < 0 {
		return fmt.Errorf("%s.base_delay_ms must not be negative", section)
	}
	if retry.MaxDelayMillis < retry.BaseDelayMillis {
		return fmt.Errorf("%s.max_delay_ms must be at least base_delay_ms", section)
	}
	if retry.Multiplier < 1 {
		return fmt.Errorf("%s.multiplier must be at least 1", section)
	}
	if retry.Jitter < 0 || (retry.Jitter > 0 && retry.Jitter >= retry.Multiplier-1) {
		return fmt.Errorf("%s.jitter must be in [0, multiplier-1)", section)
	}
	return nil
}

func (c *Config) validateAWS() error {
	if strings.TrimSpace(c.AWS.Region) == "" {
		return errors.New("aws.region must be set")
	}
	if strings.TrimSpace(c.AWS.FunctionPrefix) == "" {
		return errors.New("aws.function_prefix must be set")
	}
	if strings.TrimSpace(c.AWS.DeploymentStage) == "" {
		return errors.New("aws.deployment_stage must be set")
	}
	return nil
}

func (c *Config) validateWorkers() error {
	switch c.Workers.Transport {
	case WorkerTransportLambda:
		return nil
	case WorkerTransportHTTP:
		if c.Workers.HTTPBaseURL == "" {
			return errors.New("workers.http_base_url is required for the http transport")
		}
		if !strings.HasPrefix(c.Workers.HTTPBaseURL, "http://") && !strings.HasPrefix(c.Workers.HTTPBaseURL, "https://") {
			return fmt.Errorf("workers.http_base_url: %q is not an http(s) url", c.Workers.HTTPBaseURL)
		}
		return nil
	default:
		return fmt.Errorf("workers.transport: unsupported value %q", c.Workers.Transport)
	}
}

func (c *Config) validateLease() error {
	switch c.Lease.Backend {
	case LeaseBackendFile:
	case LeaseBackendRedis:
		if strings.TrimSpace(c.Lease.RedisAddr) == "" {
			return errors.New("lease.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("lease.backend: unsupported value %q", c.Lease.Backend)
	}
	if c.Lease.TTLSeconds <= 0 {
		return errors.New("lease.ttl_seconds must be positive")
	}
	return nil
}

func (c *Config) validateHistory() error {
	switch c.History.BlobBackend {
	case BlobBackendFile:
	case BlobBackendS3:
		if strings.TrimSpace(c.AWS.MediaBucket) == "" {
			return errors.New("aws.media_bucket is required when history.blob_backend = \"s3\"")
		}
	default:
		return fmt.Errorf("history.blob_backend: unsupported value %q", c.History.BlobBackend)
	}
	if c.History.BlobThresholdBytes < 0 {
		return errors.New("history.blob_threshold_bytes must not be negative")
	}
	return nil
}

func (c *Config) validateCredentials() error {
	switch c.Credentials.Provider {
	case CredentialProviderEnv, CredentialProviderSecretsManager:
		return nil
	default:
		return fmt.Errorf("credentials.provider: unsupported value %q", c.Credentials.Provider)
	}
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
