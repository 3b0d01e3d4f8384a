package config

import "strings"

const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppHTTPAddr       = ":9985"
	defaultAppLogPath        = "/data/logs/sigflow.log"
	defaultAppDBPath         = "/data/db/sigflow.db"
	defaultParserTimeout     = 30
	defaultExchangeBaseURL   = "https://lbkperp.lbank.com"
	defaultExchangeRetries   = 3
	defaultRiskPercent       = 1.0
	defaultLeverage          = 5
	defaultMarginType        = "isolated"
	defaultMaxLeverage       = 20
	defaultMaxOpenPositions  = 5
	defaultReconcileInterval = 30
	defaultReconcileEpsilon  = 0.001
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Feed.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Reconcile.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.db_path", &a.DBPath, defaultAppDBPath),
	)
}

func (f *FeedConfig) applyDefaults(keys keySet) {
	if f == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "feed.parser_timeout_seconds",
			need:  func() bool { return f.ParserTimeoutSeconds <= 0 },
			apply: func() { f.ParserTimeoutSeconds = defaultParserTimeout },
		},
	)
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.base_url", &e.BaseURL, defaultExchangeBaseURL),
		fieldDefault{
			key:   "exchange.max_retries",
			need:  func() bool { return e.MaxRetries <= 0 },
			apply: func() { e.MaxRetries = defaultExchangeRetries },
		},
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "risk.default_risk_percent",
			need:  func() bool { return r.DefaultRiskPercent <= 0 },
			apply: func() { r.DefaultRiskPercent = defaultRiskPercent },
		},
		fieldDefault{
			key:   "risk.default_leverage",
			need:  func() bool { return r.DefaultLeverage <= 0 },
			apply: func() { r.DefaultLeverage = defaultLeverage },
		},
		stringFieldDefault("risk.default_margin_type", &r.DefaultMarginType, defaultMarginType),
		fieldDefault{
			key:   "risk.max_leverage",
			need:  func() bool { return r.MaxLeverage <= 0 },
			apply: func() { r.MaxLeverage = defaultMaxLeverage },
		},
		fieldDefault{
			key:   "risk.max_open_positions",
			need:  func() bool { return r.MaxOpenPositions <= 0 },
			apply: func() { r.MaxOpenPositions = defaultMaxOpenPositions },
		},
	)
}

func (r *ReconcileConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "reconcile.interval_seconds",
			need:  func() bool { return r.IntervalSeconds <= 0 },
			apply: func() { r.IntervalSeconds = defaultReconcileInterval },
		},
		fieldDefault{
			key:   "reconcile.epsilon",
			need:  func() bool { return r.Epsilon <= 0 },
			apply: func() { r.Epsilon = defaultReconcileEpsilon },
		},
	)
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
