package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/varianteffect/mavedb-worker/internal/platform/envutil"
)

/*
Config is the worker's knob set. Values load from an optional YAML file
(WORKER_CONFIG_FILE) first, then environment variables override per key.
The struct is immutable after Load; the worker context carries a copy.
*/
type Config struct {
	// ClinGen submission surface. An empty endpoint disables the respective
	// submission job.
	LDHSubmissionEndpoint    string `yaml:"ldh_submission_endpoint"`
	CARSubmissionEndpoint    string `yaml:"car_submission_endpoint"`
	ClinGenSubmissionEnabled bool   `yaml:"clingen_submission_enabled"`

	// Linkage retry policy.
	LinkedDataRetryThreshold   float64 `yaml:"linked_data_retry_threshold"`
	EnqueueBackoffAttemptLimit int     `yaml:"enqueue_backoff_attempt_limit"`
	LinkingBackoffInSeconds    int     `yaml:"linking_backoff_in_seconds"`

	// LDH batching.
	DefaultLDHSubmissionBatchSize int `yaml:"default_ldh_submission_batch_size"`

	// Job defaults.
	JobDefaultMaxRetries int `yaml:"job_default_max_retries"`

	// Worker loop.
	WorkerConcurrency int           `yaml:"worker_concurrency"`
	PollInterval      time.Duration `yaml:"-"`
	PollIntervalSecs  int           `yaml:"poll_interval_seconds"`
}

func defaults() Config {
	return Config{
		ClinGenSubmissionEnabled:      true,
		LinkedDataRetryThreshold:      0.5,
		EnqueueBackoffAttemptLimit:    3,
		LinkingBackoffInSeconds:       900,
		DefaultLDHSubmissionBatchSize: 50,
		JobDefaultMaxRetries:          3,
		WorkerConcurrency:             4,
		PollIntervalSecs:              2,
	}
}

// Load builds the config from file then env. Invalid values fail loudly so a
// misconfigured worker never starts.
func Load() (Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("WORKER_CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}

	cfg.LDHSubmissionEndpoint = envutil.Str("LDH_SUBMISSION_ENDPOINT", cfg.LDHSubmissionEndpoint)
	cfg.CARSubmissionEndpoint = envutil.Str("CAR_SUBMISSION_ENDPOINT", cfg.CARSubmissionEndpoint)
	cfg.ClinGenSubmissionEnabled = envutil.Bool("CLIN_GEN_SUBMISSION_ENABLED", cfg.ClinGenSubmissionEnabled)
	cfg.LinkedDataRetryThreshold = envutil.Float("LINKED_DATA_RETRY_THRESHOLD", cfg.LinkedDataRetryThreshold)
	cfg.EnqueueBackoffAttemptLimit = envutil.Int("ENQUEUE_BACKOFF_ATTEMPT_LIMIT", cfg.EnqueueBackoffAttemptLimit)
	cfg.LinkingBackoffInSeconds = envutil.Int("LINKING_BACKOFF_IN_SECONDS", cfg.LinkingBackoffInSeconds)
	cfg.DefaultLDHSubmissionBatchSize = envutil.Int("DEFAULT_LDH_SUBMISSION_BATCH_SIZE", cfg.DefaultLDHSubmissionBatchSize)
	cfg.JobDefaultMaxRetries = envutil.Int("JOB_DEFAULT_MAX_RETRIES", cfg.JobDefaultMaxRetries)
	cfg.WorkerConcurrency = envutil.Int("WORKER_CONCURRENCY", cfg.WorkerConcurrency)
	cfg.PollIntervalSecs = envutil.Int("WORKER_POLL_INTERVAL_SECONDS", cfg.PollIntervalSecs)

	if cfg.LinkedDataRetryThreshold < 0 || cfg.LinkedDataRetryThreshold > 1 {
		return cfg, fmt.Errorf("LINKED_DATA_RETRY_THRESHOLD must be in [0,1], got %v", cfg.LinkedDataRetryThreshold)
	}
	if cfg.EnqueueBackoffAttemptLimit < 1 {
		return cfg, fmt.Errorf("ENQUEUE_BACKOFF_ATTEMPT_LIMIT must be >= 1, got %d", cfg.EnqueueBackoffAttemptLimit)
	}
	if cfg.LinkingBackoffInSeconds < 0 {
		return cfg, fmt.Errorf("LINKING_BACKOFF_IN_SECONDS must be >= 0, got %d", cfg.LinkingBackoffInSeconds)
	}
	if cfg.DefaultLDHSubmissionBatchSize < 1 {
		return cfg, fmt.Errorf("DEFAULT_LDH_SUBMISSION_BATCH_SIZE must be >= 1, got %d", cfg.DefaultLDHSubmissionBatchSize)
	}
	if cfg.JobDefaultMaxRetries < 0 {
		return cfg, fmt.Errorf("JOB_DEFAULT_MAX_RETRIES must be >= 0, got %d", cfg.JobDefaultMaxRetries)
	}
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.PollIntervalSecs < 1 {
		cfg.PollIntervalSecs = 1
	}
	cfg.PollInterval = time.Duration(cfg.PollIntervalSecs) * time.Second
	return cfg, nil
}

// LinkingBackoff is the defer applied when chaining linkage jobs.
func (c Config) LinkingBackoff() time.Duration {
	return time.Duration(c.LinkingBackoffInSeconds) * time.Second
}
