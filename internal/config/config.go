package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envConfig          = "CORDON_CONFIG"
	envLogLevel        = "CORDON_LOG_LEVEL"
	envLogFormat       = "CORDON_LOG_FORMAT"
	envPollInterval    = "CORDON_POLL_INTERVAL"
	envHealthPort      = "CORDON_HEALTH_PORT"
	envMetricsPort     = "CORDON_METRICS_PORT"
	envSlackWebhookURL = "CORDON_SLACK_WEBHOOK_URL"
	envWebhookURL      = "CORDON_WEBHOOK_URL"
	envWebhookTemplate = "CORDON_WEBHOOK_TEMPLATE"
	envDryRun          = "CORDON_DRY_RUN"
	envSSHKey          = "CORDON_SSH_KEY"
	envSSHKnownHosts   = "CORDON_SSH_KNOWN_HOSTS"
	envStateFile       = "CORDON_STATE_FILE"
)

const (
	defaultDeployFile   = "config/deploy.yml"
	defaultLogLevel     = "info"
	defaultLogFormat    = "json"
	defaultPollInterval = 30 * time.Second
	defaultStateFile    = ".cordon/state.json"
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	DeployFile      string
	LogLevel        string
	LogFormat       string
	PollInterval    time.Duration
	HealthPort      int
	MetricsPort     int
	SlackWebhookURL string
	WebhookURL      string
	WebhookTemplate string
	DryRun          bool
	SSHKey          string
	SSHKnownHosts   string
	StateFile       string
}

// Load reads configuration from environment variables and a local .env file if present.
// Existing environment variables take precedence over values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DeployFile:   defaultDeployFile,
		LogLevel:     defaultLogLevel,
		LogFormat:    defaultLogFormat,
		PollInterval: defaultPollInterval,
		StateFile:    defaultStateFile,
	}

	if value, ok := lookupTrimmed(envConfig); ok && value != "" {
		cfg.DeployFile = value
	}
	if value, ok := lookupTrimmed(envLogLevel); ok && value != "" {
		cfg.LogLevel = value
	}
	if value, ok := lookupTrimmed(envLogFormat); ok && value != "" {
		format := strings.ToLower(value)
		if format != "json" && format != "console" {
			return Config{}, fmt.Errorf("%s must be json or console", envLogFormat)
		}
		cfg.LogFormat = format
	}
	if value, ok := lookupTrimmed(envStateFile); ok && value != "" {
		cfg.StateFile = value
	}

	if value, ok := lookupTrimmed(envPollInterval); ok {
		interval, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envPollInterval, err)
		}
		if interval <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than zero", envPollInterval)
		}
		cfg.PollInterval = interval
	}

	var err error
	if cfg.HealthPort, err = parsePort(envHealthPort); err != nil {
		return Config{}, err
	}
	if cfg.MetricsPort, err = parsePort(envMetricsPort); err != nil {
		return Config{}, err
	}

	if value, ok := lookupTrimmed(envSlackWebhookURL); ok && value != "" {
		if err := validateURL(value, envSlackWebhookURL); err != nil {
			return Config{}, err
		}
		cfg.SlackWebhookURL = value
	}
	if value, ok := lookupTrimmed(envWebhookURL); ok && value != "" {
		if err := validateURL(value, envWebhookURL); err != nil {
			return Config{}, err
		}
		cfg.WebhookURL = value
	}
	if value, ok := os.LookupEnv(envWebhookTemplate); ok {
		cfg.WebhookTemplate = value
	}

	if value, ok := lookupTrimmed(envDryRun); ok && value != "" {
		dryRun, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envDryRun, err)
		}
		cfg.DryRun = dryRun
	}

	if value, ok := lookupTrimmed(envSSHKey); ok {
		cfg.SSHKey = value
	}
	if value, ok := lookupTrimmed(envSSHKnownHosts); ok {
		cfg.SSHKnownHosts = value
	}

	return cfg, nil
}

func parsePort(key string) (int, error) {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return 0, nil
	}
	port, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("%s must be between 0 and 65535", key)
	}
	return port, nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}
