package config

import "time"

// Config is the top-level portage configuration.
type Config struct {
	App     AppConfig     `toml:"app"`
	Storage StorageConfig `toml:"storage"`
	Venues  VenuesConfig  `toml:"venues"`
	Policy  PolicyConfig  `toml:"policy"`
	Cycle   CycleConfig   `toml:"cycle"`
	Notify  NotifyConfig  `toml:"notify"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

type StorageConfig struct {
	DBPath      string `toml:"db_path"`
	JournalPath string `toml:"journal_path"`
}

// VenuesConfig names the source and destination venues and carries the
// per-backend access settings.
type VenuesConfig struct {
	Source      string        `toml:"source"`
	Destination string        `toml:"destination"`
	Binance     BinanceConfig `toml:"binance"`
}

type BinanceConfig struct {
	APIKey         string `toml:"api_key"`
	APISecret      string `toml:"api_secret"`
	RESTBaseURL    string `toml:"rest_base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	ProxyEnabled   bool   `toml:"proxy_enabled"`
	RESTProxyURL   string `toml:"rest_proxy_url"`
}

// PolicyConfig tunes the strategy evaluator. OverridesPath, when set,
// points to a yaml file watched for hot reload of these values.
type PolicyConfig struct {
	EmergencyLossPct float64 `toml:"emergency_loss_pct"`
	TightenStopPct   float64 `toml:"tighten_stop_pct"`
	OverridesPath    string  `toml:"overrides_path"`
}

// CycleConfig drives the tick scheduler and per-tick execution bounds.
type CycleConfig struct {
	Interval            string `toml:"interval"`
	OffsetSeconds       int    `toml:"offset_seconds"`
	RunImmediately      bool   `toml:"run_immediately"`
	MaxConcurrentCloses int    `toml:"max_concurrent_closes"`
	CloseTimeoutSeconds int    `toml:"close_timeout_seconds"`
}

// CloseTimeout returns the per-position venue call budget.
func (c CycleConfig) CloseTimeout() time.Duration {
	if c.CloseTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.CloseTimeoutSeconds) * time.Second
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}
