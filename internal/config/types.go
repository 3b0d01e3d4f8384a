package config

// Config is the top-level configuration.
type Config struct {
	App       AppConfig       `toml:"app"`
	Feed      FeedConfig      `toml:"feed"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	Risk      RiskConfig      `toml:"risk"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Notify    NotifyConfig    `toml:"notify"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
	DBPath   string `toml:"db_path"`
}

type FeedConfig struct {
	WSURL                string `toml:"ws_url"`
	ParserURL            string `toml:"parser_url"`
	ParserTimeoutSeconds int    `toml:"parser_timeout_seconds"`
}

type ExchangeConfig struct {
	APIKey          string `toml:"api_key"`
	SecretKey       string `toml:"secret_key"`
	BaseURL         string `toml:"base_url"`
	MaxRetries      int    `toml:"max_retries"`
	InstrumentsPath string `toml:"instruments_path"`
}

type RiskConfig struct {
	DefaultRiskPercent float64 `toml:"default_risk_percent"`
	DefaultLeverage    int     `toml:"default_leverage"`
	DefaultMarginType  string  `toml:"default_margin_type"`
	MaxLeverage        int     `toml:"max_leverage"`
	MaxOpenPositions   int     `toml:"max_open_positions"`
}

type ReconcileConfig struct {
	IntervalSeconds int     `toml:"interval_seconds"`
	Epsilon         float64 `toml:"epsilon"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}
