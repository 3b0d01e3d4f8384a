// Package notify pushes operator-facing messages about position lifecycle
// events to Telegram.
package notify

// TextNotifier defines a minimal text notification interface.
// It is intentionally small so different components can depend on it without
// importing concrete implementations (e.g. Telegram).
type TextNotifier interface {
	SendText(text string) error
}

// Nop discards all notifications. Used when no notifier is configured.
type Nop struct{}

func (Nop) SendText(string) error { return nil }
