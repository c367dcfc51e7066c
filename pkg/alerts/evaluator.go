package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/foundry/pkg/analytics"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/metrics"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/rs/zerolog"
)

// Evaluator runs the periodic multi-window burn-rate evaluation. One
// tick is in flight at a time for the whole service.
type Evaluator struct {
	store     storage.Store
	querier   analytics.Querier
	cooldowns CooldownStore
	notifier  Notifier
	windows   []types.BurnRateWindow
	logger    zerolog.Logger

	pageCooldown   time.Duration
	ticketCooldown time.Duration

	mu      sync.Mutex
	ticking bool
	stopCh  chan struct{}
}

// NewEvaluator creates the evaluator with the canonical window set
// unless one is supplied
func NewEvaluator(store storage.Store, querier analytics.Querier, cooldowns CooldownStore, notifier Notifier, windows []types.BurnRateWindow) *Evaluator {
	if len(windows) == 0 {
		windows = types.DefaultBurnRateWindows
	}
	return &Evaluator{
		store:          store,
		querier:        querier,
		cooldowns:      cooldowns,
		notifier:       notifier,
		windows:        SortWindows(windows),
		logger:         log.WithComponent("alerts"),
		pageCooldown:   PageCooldown,
		ticketCooldown: TicketCooldown,
		stopCh:         make(chan struct{}),
	}
}

// Start begins the periodic tick loop
func (e *Evaluator) Start(interval time.Duration) {
	go e.run(interval)
}

// Stop stops the tick loop
func (e *Evaluator) Stop() {
	close(e.stopCh)
}

func (e *Evaluator) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info().Dur("interval", interval).Msg("Alert evaluator started")

	for {
		select {
		case <-ticker.C:
			if err := e.Tick(context.Background()); err != nil {
				// Log error but continue
				e.logger.Error().Err(err).Msg("Alert evaluation tick failed")
			}
		case <-e.stopCh:
			e.logger.Info().Msg("Alert evaluator stopped")
			return
		}
	}
}

// Tick runs one full evaluation: every window, error-rate then TTFB,
// pages strictly before tickets. Per-window failures are collected
// and reported as one aggregated error at the end.
func (e *Evaluator) Tick(ctx context.Context) error {
	e.mu.Lock()
	if e.ticking {
		e.mu.Unlock()
		return nil
	}
	e.ticking = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.ticking = false
		e.mu.Unlock()
	}()

	errorCfgs, err := e.loadErrorRateConfigs()
	if err != nil {
		metrics.AlertTicksTotal.WithLabelValues("failure").Inc()
		return err
	}
	ttfbCfgs, err := e.loadTTFBConfigs()
	if err != nil {
		metrics.AlertTicksTotal.WithLabelValues("failure").Inc()
		return err
	}

	var tickErrs []error
	for _, window := range e.windows {
		if err := e.evaluateErrorRate(ctx, window, errorCfgs); err != nil {
			tickErrs = append(tickErrs, fmt.Errorf("error-rate %s %dm/%dm: %w",
				window.Severity, window.LongWindowMinutes, window.ShortWindowMinutes, err))
		}
		if err := e.evaluateTTFB(ctx, window, ttfbCfgs); err != nil {
			tickErrs = append(tickErrs, fmt.Errorf("ttfb %s %dm/%dm: %w",
				window.Severity, window.LongWindowMinutes, window.ShortWindowMinutes, err))
		}
	}

	if len(tickErrs) > 0 {
		metrics.AlertTicksTotal.WithLabelValues("failure").Inc()
		return errors.Join(tickErrs...)
	}
	metrics.AlertTicksTotal.WithLabelValues("success").Inc()
	return nil
}

func (e *Evaluator) loadErrorRateConfigs() (map[string]*types.ErrorRateAlertConfig, error) {
	configs, err := e.store.ListErrorRateConfigs()
	if err != nil {
		return nil, fmt.Errorf("failed to load error-rate configs: %w", err)
	}
	byModel := make(map[string]*types.ErrorRateAlertConfig)
	for _, cfg := range configs {
		if cfg.Enabled {
			byModel[cfg.Model] = cfg
		}
	}
	return byModel, nil
}

func (e *Evaluator) loadTTFBConfigs() (map[string]*types.TTFBAlertConfig, error) {
	configs, err := e.store.ListTTFBConfigs()
	if err != nil {
		return nil, fmt.Errorf("failed to load TTFB configs: %w", err)
	}
	byModel := make(map[string]*types.TTFBAlertConfig)
	for _, cfg := range configs {
		if cfg.Enabled {
			byModel[cfg.Model] = cfg
		}
	}
	return byModel, nil
}

// evaluateErrorRate checks one window against every configured model.
// The long window trips candidates; the short window must confirm
// them. A dimension missing from the short window is skipped.
func (e *Evaluator) evaluateErrorRate(ctx context.Context, window types.BurnRateWindow, cfgs map[string]*types.ErrorRateAlertConfig) error {
	if len(cfgs) == 0 {
		return nil
	}

	longRows, err := e.querier.ErrorRateAggregates(ctx, window.LongWindowMinutes)
	if err != nil {
		return fmt.Errorf("long window query failed: %w", err)
	}

	type candidate struct {
		row analytics.ErrorRateRow
		cfg *types.ErrorRateAlertConfig
	}
	var tripped []candidate
	for _, row := range longRows {
		cfg, ok := cfgs[row.Dimension.Model]
		if !ok || row.TotalWeight <= 0 || row.TotalWeight < float64(cfg.MinRequestsPerWindow) {
			continue
		}
		burn := ComputeBurnRate(row.BadWeight/row.TotalWeight, cfg.ErrorRateSLO)
		if burn < window.BurnRate {
			continue
		}
		tripped = append(tripped, candidate{row: row, cfg: cfg})
	}
	if len(tripped) == 0 {
		return nil
	}

	shortRows, err := e.querier.ErrorRateAggregates(ctx, window.ShortWindowMinutes)
	if err != nil {
		return fmt.Errorf("short window query failed: %w", err)
	}
	shortByDim := make(map[types.Dimension]analytics.ErrorRateRow, len(shortRows))
	for _, row := range shortRows {
		shortByDim[row.Dimension] = row
	}

	var notifyErrs []error
	for _, c := range tripped {
		short, ok := shortByDim[c.row.Dimension]
		if !ok || short.TotalWeight <= 0 || short.TotalWeight < float64(c.cfg.MinRequestsPerWindow) {
			continue
		}
		if ComputeBurnRate(short.BadWeight/short.TotalWeight, c.cfg.ErrorRateSLO) < window.BurnRate {
			continue
		}

		badFraction := c.row.BadWeight / c.row.TotalWeight
		err := e.fire(ctx, &Notification{
			Severity:      window.Severity,
			AlertType:     types.AlertTypeErrorRate,
			Dimension:     c.row.Dimension,
			Window:        window,
			BurnRate:      ComputeBurnRate(badFraction, c.cfg.ErrorRateSLO),
			BadFraction:   badFraction,
			SLO:           c.cfg.ErrorRateSLO,
			RequestWeight: c.row.TotalWeight,
		})
		if err != nil {
			notifyErrs = append(notifyErrs, err)
		}
	}
	return errors.Join(notifyErrs...)
}

// evaluateTTFB mirrors the error-rate evaluation for tail latency.
// Models may carry different thresholds, so models are grouped by
// threshold and each group issues one query pair.
func (e *Evaluator) evaluateTTFB(ctx context.Context, window types.BurnRateWindow, cfgs map[string]*types.TTFBAlertConfig) error {
	if len(cfgs) == 0 {
		return nil
	}

	byThreshold := make(map[int64][]string)
	for model, cfg := range cfgs {
		byThreshold[cfg.TTFBThresholdMs] = append(byThreshold[cfg.TTFBThresholdMs], model)
	}
	thresholds := make([]int64, 0, len(byThreshold))
	for t := range byThreshold {
		thresholds = append(thresholds, t)
	}
	sort.Slice(thresholds, func(i, j int) bool { return thresholds[i] < thresholds[j] })

	var evalErrs []error
	for _, threshold := range thresholds {
		models := byThreshold[threshold]
		sort.Strings(models)
		if err := e.evaluateTTFBThreshold(ctx, window, threshold, models, cfgs); err != nil {
			evalErrs = append(evalErrs, err)
		}
	}
	return errors.Join(evalErrs...)
}

func (e *Evaluator) evaluateTTFBThreshold(ctx context.Context, window types.BurnRateWindow, thresholdMs int64, models []string, cfgs map[string]*types.TTFBAlertConfig) error {
	longRows, err := e.querier.TTFBAggregates(ctx, window.LongWindowMinutes, thresholdMs, models)
	if err != nil {
		return fmt.Errorf("long window query failed: %w", err)
	}

	type candidate struct {
		row analytics.TTFBRow
		cfg *types.TTFBAlertConfig
	}
	var tripped []candidate
	for _, row := range longRows {
		cfg, ok := cfgs[row.Dimension.Model]
		if !ok || row.TotalWeight <= 0 || row.TotalWeight < float64(cfg.MinRequestsPerWindow) {
			continue
		}
		if ComputeBurnRate(row.SlowWeight/row.TotalWeight, cfg.TTFBSLO) < window.BurnRate {
			continue
		}
		tripped = append(tripped, candidate{row: row, cfg: cfg})
	}
	if len(tripped) == 0 {
		return nil
	}

	shortRows, err := e.querier.TTFBAggregates(ctx, window.ShortWindowMinutes, thresholdMs, models)
	if err != nil {
		return fmt.Errorf("short window query failed: %w", err)
	}
	shortByDim := make(map[types.Dimension]analytics.TTFBRow, len(shortRows))
	for _, row := range shortRows {
		shortByDim[row.Dimension] = row
	}

	var notifyErrs []error
	for _, c := range tripped {
		short, ok := shortByDim[c.row.Dimension]
		if !ok || short.TotalWeight <= 0 || short.TotalWeight < float64(c.cfg.MinRequestsPerWindow) {
			continue
		}
		if ComputeBurnRate(short.SlowWeight/short.TotalWeight, c.cfg.TTFBSLO) < window.BurnRate {
			continue
		}

		slowFraction := c.row.SlowWeight / c.row.TotalWeight
		err := e.fire(ctx, &Notification{
			Severity:      window.Severity,
			AlertType:     types.AlertTypeTTFB,
			Dimension:     c.row.Dimension,
			Window:        window,
			BurnRate:      ComputeBurnRate(slowFraction, c.cfg.TTFBSLO),
			BadFraction:   slowFraction,
			SLO:           c.cfg.TTFBSLO,
			ThresholdMs:   thresholdMs,
			RequestWeight: c.row.TotalWeight,
		})
		if err != nil {
			notifyErrs = append(notifyErrs, err)
		}
	}
	return errors.Join(notifyErrs...)
}

// fire sends one notification unless an equivalent or higher-severity
// cooldown is active, then records the cooldown marker
func (e *Evaluator) fire(ctx context.Context, n *Notification) error {
	suppressed, err := e.suppressed(ctx, n.Severity, n.AlertType, n.Dimension)
	if err != nil {
		return err
	}
	if suppressed {
		metrics.AlertsSuppressedTotal.WithLabelValues(string(n.Severity), string(n.AlertType)).Inc()
		return nil
	}

	if err := e.notifier.Notify(ctx, n); err != nil {
		return err
	}
	metrics.AlertNotificationsTotal.WithLabelValues(string(n.Severity), string(n.AlertType)).Inc()

	e.logger.Warn().
		Str("severity", string(n.Severity)).
		Str("alert_type", string(n.AlertType)).
		Str("provider", n.Dimension.Provider).
		Str("model", n.Dimension.Model).
		Str("client", n.Dimension.Client).
		Float64("burn_rate", n.BurnRate).
		Msg("Alert notification sent")

	ttl := e.pageCooldown
	if n.Severity == types.SeverityTicket {
		ttl = e.ticketCooldown
	}
	return e.cooldowns.Set(ctx, CooldownKey(n.Severity, n.AlertType, n.Dimension), ttl)
}

// suppressed checks the alert's own cooldown, and for tickets also
// the page cooldown for the same dimension, since a page already covers
// the breach
func (e *Evaluator) suppressed(ctx context.Context, severity types.Severity, alertType types.AlertType, dim types.Dimension) (bool, error) {
	exists, err := e.cooldowns.Exists(ctx, CooldownKey(severity, alertType, dim))
	if err != nil || exists {
		return exists, err
	}
	if severity == types.SeverityTicket {
		return e.cooldowns.Exists(ctx, CooldownKey(types.SeverityPage, alertType, dim))
	}
	return false, nil
}
