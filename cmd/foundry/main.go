package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/foundry/pkg/alarm"
	"github.com/cuemby/foundry/pkg/alerts"
	"github.com/cuemby/foundry/pkg/analytics"
	"github.com/cuemby/foundry/pkg/api"
	"github.com/cuemby/foundry/pkg/config"
	"github.com/cuemby/foundry/pkg/deploy"
	"github.com/cuemby/foundry/pkg/events"
	"github.com/cuemby/foundry/pkg/executor"
	"github.com/cuemby/foundry/pkg/health"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/orchestrator"
	"github.com/cuemby/foundry/pkg/security"
	"github.com/cuemby/foundry/pkg/session"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/cuemby/foundry/pkg/webhook"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foundry",
	Short: "Foundry - Build orchestration and observability backplane",
	Long: `Foundry runs the backplane for an AI coding product: a deploy
service that builds user projects in isolated executors and ships
them to the CDN provider, and an observability service that ingests
telemetry and evaluates burn-rate SLO alerts.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Foundry version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the deploy and observability services",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.DataDir = dataDir
		}
		return runServer(cfg)
	},
}

func init() {
	serverCmd.Flags().String("data-dir", "", "Data directory (overrides FOUNDRY_DATA_DIR)")
}

func runServer(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	sched := alarm.NewScheduler(store)

	// Deploy service wiring
	secretsMgr, err := security.NewSecretsManagerFromPassword(cfg.Deploy.SecretsKey)
	if err != nil {
		return fmt.Errorf("failed to create secrets manager: %w", err)
	}

	eventManagers := events.NewManagers(store, sched, webhook.Config{
		BackendURL:        cfg.Deploy.BackendEventsURL,
		BackendToken:      cfg.Deploy.BackendToken,
		BatchMaxEvents:    cfg.Deploy.BatchMaxEvents,
		BatchMaxDelay:     cfg.Deploy.BatchMaxDelay,
		BackoffBase:       cfg.Deploy.BackoffBase,
		StopAfterAttempts: uint32(cfg.Deploy.StopAfterAttempts),
	})

	sandboxes := executor.NewHTTPProvider(executor.Config{
		BaseURL: cfg.Deploy.ExecutorURL,
		Token:   cfg.Deploy.ExecutorToken,
	})

	deployer := deploy.NewClient(deploy.Config{
		APIBaseURL:        cfg.Deploy.ProviderAPIURL,
		AccountID:         cfg.Deploy.ProviderAccountID,
		APIToken:          cfg.Deploy.ProviderAPIToken,
		DispatchNamespace: cfg.Deploy.DispatchNamespace,
	})

	registry := orchestrator.NewRegistry(store, eventManagers, sandboxes, deployer, secretsMgr, sched)

	// Observability service wiring
	stream := events.NewStream()
	stream.Start()
	defer stream.Stop()

	analyticsStore := analytics.NewHTTPStore(analytics.Config{
		BaseURL: cfg.Observability.AnalyticsURL,
		Token:   cfg.Observability.AnalyticsToken,
	})
	sink := api.NewTelemetrySink(analyticsStore, stream)
	sessions := session.NewAggregators(store, sched, sink)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Observability.RedisAddr,
		Password: cfg.Observability.RedisPassword,
	})
	defer redisClient.Close()

	windows, err := loadAlertWindows(cfg, store)
	if err != nil {
		return err
	}
	notifier := alerts.NewSlackNotifier(cfg.Observability.SlackPageWebhookURL, cfg.Observability.SlackTicketWebhookURL)
	evaluator := alerts.NewEvaluator(store, analyticsStore, alerts.NewRedisCooldowns(redisClient), notifier, windows)
	evaluator.Start(cfg.Observability.EvalInterval)
	defer evaluator.Stop()

	// Alarm handlers must be registered before rehydration
	sched.RegisterNamespace(events.AlarmNamespace, eventManagers.HandleAlarm)
	sched.RegisterNamespace(orchestrator.AlarmNamespace, registry.HandleAlarm)
	sched.RegisterNamespace(session.AlarmNamespace, sessions.HandleAlarm)

	if err := registry.Rehydrate(); err != nil {
		return fmt.Errorf("failed to rehydrate builds: %w", err)
	}
	if err := sched.Rehydrate(); err != nil {
		return fmt.Errorf("failed to rehydrate alarms: %w", err)
	}
	defer sched.Stop()

	// Health checks per service
	deployHealth := health.NewRegistry()
	if cfg.Deploy.ExecutorURL != "" {
		deployHealth.Register("executor", health.NewHTTPChecker(cfg.Deploy.ExecutorURL+"/healthz"))
	}
	obsHealth := health.NewRegistry()
	obsHealth.Register("redis", health.NewTCPChecker(cfg.Observability.RedisAddr))

	deployServer := api.NewServer("deploy", cfg.Deploy.ListenAddr,
		api.NewDeployHandler(api.DeployConfig{AuthToken: cfg.Deploy.AuthToken}, registry, deployer, deployHealth).Router())
	obsServer := api.NewServer("observability", cfg.Observability.ListenAddr,
		api.NewObservabilityHandler(api.ObservabilityConfig{AdminToken: cfg.Observability.AdminToken}, sink, sessions, store, obsHealth).Router())

	errCh := make(chan error, 2)
	go func() { errCh <- deployServer.Start() }()
	go func() { errCh <- obsServer.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := deployServer.Stop(shutdownCtx); err != nil {
		log.Logger.Warn().Err(err).Msg("Deploy server shutdown failed")
	}
	if err := obsServer.Stop(shutdownCtx); err != nil {
		log.Logger.Warn().Err(err).Msg("Observability server shutdown failed")
	}
	return nil
}

// loadAlertWindows seeds alert configuration from the optional YAML
// file and returns the evaluator window set; nil means the canonical
// defaults
func loadAlertWindows(cfg *config.Config, store storage.Store) ([]types.BurnRateWindow, error) {
	if cfg.Observability.AlertConfigFile == "" {
		return nil, nil
	}
	file, err := config.LoadAlertFile(cfg.Observability.AlertConfigFile)
	if err != nil {
		return nil, err
	}
	windows, err := file.Seed(store)
	if err != nil {
		return nil, err
	}
	return windows, nil
}
