package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
	"gopkg.in/yaml.v3"
)

// AlertFile is the YAML shape seeding alert configuration:
//
//	windows:
//	  - severity: page
//	    longWindowMinutes: 5
//	    shortWindowMinutes: 1
//	    burnRate: 14.4
//	errorRate:
//	  - model: claude-sonnet
//	    enabled: true
//	    errorRateSlo: 0.999
//	    minRequestsPerWindow: 10
//	ttfb:
//	  - model: claude-sonnet
//	    enabled: true
//	    ttfbThresholdMs: 1500
//	    ttfbSlo: 0.95
//	    minRequestsPerWindow: 10
type AlertFile struct {
	Windows   []types.BurnRateWindow `yaml:"windows"`
	ErrorRate []struct {
		Model                string  `yaml:"model"`
		Enabled              bool    `yaml:"enabled"`
		ErrorRateSLO         float64 `yaml:"errorRateSlo"`
		MinRequestsPerWindow int64   `yaml:"minRequestsPerWindow"`
	} `yaml:"errorRate"`
	TTFB []struct {
		Model                string  `yaml:"model"`
		Enabled              bool    `yaml:"enabled"`
		TTFBThresholdMs      int64   `yaml:"ttfbThresholdMs"`
		TTFBSLO              float64 `yaml:"ttfbSlo"`
		MinRequestsPerWindow int64   `yaml:"minRequestsPerWindow"`
	} `yaml:"ttfb"`
}

// LoadAlertFile parses the alert seed file
func LoadAlertFile(path string) (*AlertFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read alert config: %w", err)
	}
	var file AlertFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse alert config: %w", err)
	}
	return &file, nil
}

// Seed writes the file's alert configs into the store. Windows are
// returned for the evaluator; an empty list means the canonical set.
func (f *AlertFile) Seed(store storage.Store) ([]types.BurnRateWindow, error) {
	now := time.Now().UTC()
	for _, cfg := range f.ErrorRate {
		err := store.SaveErrorRateConfig(&types.ErrorRateAlertConfig{
			Model:                cfg.Model,
			Enabled:              cfg.Enabled,
			ErrorRateSLO:         cfg.ErrorRateSLO,
			MinRequestsPerWindow: cfg.MinRequestsPerWindow,
			UpdatedAt:            now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to seed error-rate config for %s: %w", cfg.Model, err)
		}
	}
	for _, cfg := range f.TTFB {
		err := store.SaveTTFBConfig(&types.TTFBAlertConfig{
			Model:                cfg.Model,
			Enabled:              cfg.Enabled,
			TTFBThresholdMs:      cfg.TTFBThresholdMs,
			TTFBSLO:              cfg.TTFBSLO,
			MinRequestsPerWindow: cfg.MinRequestsPerWindow,
			UpdatedAt:            now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to seed TTFB config for %s: %w", cfg.Model, err)
		}
	}
	return f.Windows, nil
}
