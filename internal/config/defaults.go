package config

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = ":9980"
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "data/portage.db"
	}
	if c.Storage.JournalPath == "" {
		c.Storage.JournalPath = "data/journal.db"
	}
	if c.Policy.EmergencyLossPct == 0 {
		// Conservative fallback only; operators are expected to set this
		// deliberately.
		c.Policy.EmergencyLossPct = 0.25
	}
	if c.Policy.TightenStopPct == 0 {
		c.Policy.TightenStopPct = 0.5
	}
	if c.Cycle.Interval == "" {
		c.Cycle.Interval = "15m"
	}
	if c.Cycle.MaxConcurrentCloses == 0 {
		c.Cycle.MaxConcurrentCloses = 4
	}
	if c.Venues.Binance.TimeoutSeconds == 0 {
		c.Venues.Binance.TimeoutSeconds = 10
	}
}
