/*
Package log provides structured logging for Foundry using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initialize once at process start:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Create component-scoped child loggers:

	logger := log.WithComponent("orchestrator")
	logger.Info().Str("build_id", buildID).Msg("Build started")

Per-entity helpers attach the standard correlation fields used across the
codebase:

  - WithBuildID: deploy-side correlation (orchestrator, events, webhook)
  - WithSlug: worker naming on the provider side
  - WithSessionID: observability-side correlation (session aggregator)

# Thread Safety

The global logger and all child loggers are safe for concurrent use. Init must
be called before any logging and must not be called concurrently with logging.

# See Also

  - pkg/orchestrator for the heaviest logging call sites
  - pkg/alerts for evaluator tick logging
*/
package log
