package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full process configuration, read from the
// environment. The data dir may be overridden by a flag in cmd;
// listen addresses come from the environment only.
type Config struct {
	DataDir       string
	Deploy        DeployConfig
	Observability ObservabilityConfig
}

// DeployConfig configures the deploy service
type DeployConfig struct {
	ListenAddr string
	AuthToken  string

	ExecutorURL   string
	ExecutorToken string

	ProviderAPIURL    string
	ProviderAccountID string
	ProviderAPIToken  string
	DispatchNamespace string

	// SecretsKey derives the AES key sealing env vars at rest
	SecretsKey string

	BackendEventsURL  string
	BackendToken      string
	BatchMaxEvents    int
	BatchMaxDelay     time.Duration
	BackoffBase       time.Duration
	StopAfterAttempts int
}

// ObservabilityConfig configures the observability service
type ObservabilityConfig struct {
	ListenAddr string
	AdminToken string

	AnalyticsURL   string
	AnalyticsToken string

	RedisAddr     string
	RedisPassword string

	SlackPageWebhookURL   string
	SlackTicketWebhookURL string

	EvalInterval time.Duration

	// AlertConfigFile optionally seeds alert configuration from YAML
	AlertConfigFile string
}

// FromEnv assembles the configuration from environment variables
func FromEnv() *Config {
	return &Config{
		DataDir: envStr("FOUNDRY_DATA_DIR", "/var/lib/foundry"),
		Deploy: DeployConfig{
			ListenAddr:        envStr("DEPLOY_LISTEN_ADDR", ":8080"),
			AuthToken:         os.Getenv("DEPLOY_AUTH_TOKEN"),
			ExecutorURL:       os.Getenv("EXECUTOR_URL"),
			ExecutorToken:     os.Getenv("EXECUTOR_TOKEN"),
			ProviderAPIURL:    envStr("PROVIDER_API_URL", "https://api.cloudflare.com/client/v4"),
			ProviderAccountID: os.Getenv("PROVIDER_ACCOUNT_ID"),
			ProviderAPIToken:  os.Getenv("PROVIDER_API_TOKEN"),
			DispatchNamespace: envStr("DISPATCH_NAMESPACE", "foundry-apps"),
			SecretsKey:        os.Getenv("SECRETS_KEY"),
			BackendEventsURL:  os.Getenv("BACKEND_EVENTS_URL"),
			BackendToken:      os.Getenv("BACKEND_EVENTS_TOKEN"),
			BatchMaxEvents:    envInt("BATCH_MAX_EVENTS", 100),
			BatchMaxDelay:     envMillis("BATCH_MAX_MS", 2000),
			BackoffBase:       envMillis("BACKOFF_BASE_MS", 2000),
			StopAfterAttempts: envInt("STOP_AFTER_ATTEMPTS", 10),
		},
		Observability: ObservabilityConfig{
			ListenAddr:            envStr("OBSERVABILITY_LISTEN_ADDR", ":8081"),
			AdminToken:            os.Getenv("OBSERVABILITY_ADMIN_TOKEN"),
			AnalyticsURL:          os.Getenv("ANALYTICS_URL"),
			AnalyticsToken:        os.Getenv("ANALYTICS_TOKEN"),
			RedisAddr:             envStr("REDIS_ADDR", "localhost:6379"),
			RedisPassword:         os.Getenv("REDIS_PASSWORD"),
			SlackPageWebhookURL:   os.Getenv("SLACK_PAGE_WEBHOOK_URL"),
			SlackTicketWebhookURL: os.Getenv("SLACK_TICKET_WEBHOOK_URL"),
			EvalInterval:          envMillis("ALERT_EVAL_INTERVAL_MS", 60000),
			AlertConfigFile:       os.Getenv("ALERT_CONFIG_FILE"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envMillis(key string, fallback int64) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(fallback) * time.Millisecond
}
