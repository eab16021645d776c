package config

const (
	defaultConfigPath         = "~/.config/videogen/config.toml"
	defaultStateDir           = "~/.local/share/videogen"
	defaultLogDir             = "~/.local/share/videogen/logs"
	defaultBlobDir            = "~/.local/share/videogen/blobs"
	defaultSheetName          = "Sheet1"
	defaultSheetRange         = "A2:L1000"
	defaultCredentialsSecret  = "google-credentials"
	defaultAWSRegion          = "ap-northeast-1"
	defaultDeploymentStage    = "dev"
	defaultFunctionPrefix     = "videogen"
	defaultMaxBatchSize       = 5
	defaultConcurrency        = 2
	defaultTimeoutSeconds     = 600
	defaultMaxAttempts        = 3
	defaultBaseDelayMillis    = 2000
	defaultMaxDelayMillis     = 60000
	defaultMultiplier         = 2.0
	defaultJitter             = 0.2
	defaultLeaseTTLSeconds    = 60
	defaultBlobThresholdBytes = 256 * 1024
	defaultNotifyTimeout      = 10
	defaultScheduleCron       = "0 9 * * *"
	defaultScheduleTimezone   = "Asia/Tokyo"
	defaultTracingServiceName = "videogen"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
)

// Backend identifiers accepted in the configuration.
const (
	LeaseBackendFile  = "file"
	LeaseBackendRedis = "redis"

	BlobBackendFile = "file"
	BlobBackendS3   = "s3"

	WorkerTransportLambda = "lambda"
	WorkerTransportHTTP   = "http"

	CredentialProviderEnv            = "env"
	CredentialProviderSecretsManager = "secretsmanager"
)

// Canonical stage names in execution order. Spreadsheet ingestion happens in
// the driver and is not listed.
const (
	StageGenerateScript   = "GenerateScript"
	StageWriteScript      = "WriteScript"
	StageGenerateImage    = "GenerateImage"
	StageSynthesizeSpeech = "SynthesizeSpeech"
	StageComposeVideo     = "ComposeVideo"
	StageUploadToYouTube  = "UploadToYouTube"
)

// CanonicalStages returns the default stage order.
func CanonicalStages() []string {
	return []string{
		StageGenerateScript,
		StageWriteScript,
		StageGenerateImage,
		StageSynthesizeSpeech,
		StageComposeVideo,
		StageUploadToYouTube,
	}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Sheets: Sheets{
			SheetName:         defaultSheetName,
			Range:             defaultSheetRange,
			CredentialsSecret: defaultCredentialsSecret,
		},
		AWS: AWS{
			Region:          defaultAWSRegion,
			DeploymentStage: defaultDeploymentStage,
			FunctionPrefix:  defaultFunctionPrefix,
		},
		Workers: Workers{
			Transport: WorkerTransportLambda,
		},
		Credentials: Credentials{
			Provider: CredentialProviderSecretsManager,
			EnvFile:  ".env",
		},
		Pipeline: Pipeline{
			Stages:         CanonicalStages(),
			MaxBatchSize:   defaultMaxBatchSize,
			Concurrency:    defaultConcurrency,
			TimeoutSeconds: defaultTimeoutSeconds,
			Retry: Retry{
				MaxAttempts:       defaultMaxAttempts,
				BaseDelayMillis:   defaultBaseDelayMillis,
				MaxDelayMillis:    defaultMaxDelayMillis,
				Multiplier:        defaultMultiplier,
				Jitter:            defaultJitter,
				RetryFailedSubset: true,
			},
			Stage: map[string]StageSettings{
				StageGenerateScript: {MaxBatchSize: 10, TimeoutSeconds: 300},
				StageWriteScript:    {MaxBatchSize: 50, TimeoutSeconds: 300},
				StageComposeVideo:   {MaxBatchSize: 1, Concurrency: 1},
				StageUploadToYouTube: {
					MaxBatchSize:   1,
					Concurrency:    1,
					TimeoutSeconds: 900,
				},
			},
		},
		Lease: Lease{
			Backend:    LeaseBackendFile,
			TTLSeconds: defaultLeaseTTLSeconds,
		},
		History: History{
			BlobBackend:        BlobBackendFile,
			BlobDir:            defaultBlobDir,
			BlobThresholdBytes: defaultBlobThresholdBytes,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			RunStarted:     true,
			RunCompleted:   true,
			Errors:         true,
		},
		Schedule: Schedule{
			Cron:     defaultScheduleCron,
			Timezone: defaultScheduleTimezone,
		},
		Tracing: Tracing{
			ServiceName: defaultTracingServiceName,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
