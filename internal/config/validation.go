package config

import (
	"fmt"
	"strings"

	"portage/internal/scheduler"
)

var knownVenues = map[string]bool{"binance": true, "paper": true}

func validate(cfg *Config) error {
	src := strings.TrimSpace(cfg.Venues.Source)
	dst := strings.TrimSpace(cfg.Venues.Destination)
	if src == "" || dst == "" {
		return fmt.Errorf("venues.source and venues.destination are required")
	}
	if !knownVenues[src] {
		return fmt.Errorf("unknown source venue %q", src)
	}
	if !knownVenues[dst] {
		return fmt.Errorf("unknown destination venue %q", dst)
	}
	if src == dst {
		return fmt.Errorf("source and destination venue must differ")
	}
	if src == "binance" && strings.TrimSpace(cfg.Venues.Binance.APIKey) == "" {
		return fmt.Errorf("venues.binance.api_key is required when migrating off binance")
	}
	if cfg.Policy.EmergencyLossPct < 0 || cfg.Policy.EmergencyLossPct > 1 {
		return fmt.Errorf("policy.emergency_loss_pct must be in (0, 1], got %.2f", cfg.Policy.EmergencyLossPct)
	}
	if cfg.Policy.TightenStopPct <= 0 || cfg.Policy.TightenStopPct >= 1 {
		return fmt.Errorf("policy.tighten_stop_pct must be in (0, 1), got %.2f", cfg.Policy.TightenStopPct)
	}
	if _, ok := scheduler.ParseIntervalDuration(cfg.Cycle.Interval); !ok {
		return fmt.Errorf("cycle.interval %q is not a valid interval", cfg.Cycle.Interval)
	}
	if cfg.Cycle.MaxConcurrentCloses < 1 {
		return fmt.Errorf("cycle.max_concurrent_closes must be >= 1")
	}
	return nil
}
