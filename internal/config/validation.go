package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.Feed.validate(); err != nil {
		return err
	}
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (f *FeedConfig) validate() error {
	if strings.TrimSpace(f.WSURL) == "" {
		return fmt.Errorf("feed.ws_url is required")
	}
	if strings.TrimSpace(f.ParserURL) == "" {
		return fmt.Errorf("feed.parser_url is required")
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	if strings.TrimSpace(e.APIKey) == "" {
		return fmt.Errorf("exchange.api_key is required")
	}
	if strings.TrimSpace(e.SecretKey) == "" {
		return fmt.Errorf("exchange.secret_key is required")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.DefaultRiskPercent <= 0 || r.DefaultRiskPercent > 100 {
		return fmt.Errorf("risk.default_risk_percent must be in (0, 100]")
	}
	if r.DefaultMarginType != "isolated" && r.DefaultMarginType != "cross" {
		return fmt.Errorf("risk.default_margin_type must be isolated or cross")
	}
	if r.DefaultLeverage > r.MaxLeverage {
		return fmt.Errorf("risk.default_leverage %d exceeds risk.max_leverage %d", r.DefaultLeverage, r.MaxLeverage)
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if !n.Telegram.Enabled {
		return nil
	}
	if strings.TrimSpace(n.Telegram.BotToken) == "" {
		return fmt.Errorf("notify.telegram.bot_token is required when telegram is enabled")
	}
	if strings.TrimSpace(n.Telegram.ChatID) == "" {
		return fmt.Errorf("notify.telegram.chat_id is required when telegram is enabled")
	}
	return nil
}
