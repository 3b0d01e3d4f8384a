// Package engine owns the per-instrument position state machine. It is the
// single serialization point for all writers: the feed and the reconciler
// both apply events through Engine.Apply, which guarantees sequential
// application per instrument, at-most-once application per source message,
// and at-most-once order submission per logical intent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"sigflow/internal/gateway/exchange"
	"sigflow/internal/logger"
	"sigflow/internal/notify"
	"sigflow/internal/risk"
	"sigflow/internal/store"
)

// Config carries the engine's risk limits and tolerances.
type Config struct {
	Limits risk.Limits
	// Epsilon is the relative size tolerance below which local and remote
	// disagreement is treated as rounding noise.
	Epsilon decimal.Decimal
	// CommitRetries bounds re-reads after an optimistic version conflict.
	CommitRetries int
}

type handlerFunc func(ctx context.Context, ev Event) (Outcome, error)

// Engine applies lifecycle events to positions. All exchange I/O happens
// with the instrument lock released; ledger and version checks are repeated
// after I/O before anything is committed.
type Engine struct {
	store    store.Store
	gw       exchange.Gateway
	notifier notify.TextNotifier
	cfg      Config
	locks    *lockSet
	// admit serializes position creation across instruments. Instrument
	// locks are per-symbol, so the max-open-positions count must be
	// re-checked under a global gate right before the claim commit.
	admit    sync.Mutex
	handlers map[EventKind]handlerFunc
}

func New(st store.Store, gw exchange.Gateway, notifier notify.TextNotifier, cfg Config) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if cfg.CommitRetries <= 0 {
		cfg.CommitRetries = 3
	}
	if cfg.Epsilon.Sign() <= 0 {
		cfg.Epsilon = decimal.NewFromFloat(0.001)
	}
	e := &Engine{
		store:    st,
		gw:       gw,
		notifier: notifier,
		cfg:      cfg,
		locks:    newLockSet(),
	}
	e.handlers = map[EventKind]handlerFunc{
		EvtNewIntent:  e.applyNewIntent,
		EvtFollowUp:   e.applyFollowUp,
		EvtDivergence: e.applyDivergence,
	}
	return e
}

// Apply routes one event to its handler. Events with an empty instrument
// (follow-ups that name no symbol) are resolved against the most recently
// opened non-terminal position before any lock is taken.
func (e *Engine) Apply(ctx context.Context, ev Event) (Outcome, error) {
	h, ok := e.handlers[ev.EventKind()]
	if !ok {
		logger.Warnf("engine: no handler for event kind %s", ev.EventKind())
		return OutcomeIgnored, nil
	}
	out, err := h(ctx, ev)
	if err != nil {
		logger.Errorf("engine: %s %s failed: %v", ev.EventKind(), ev.MessageID(), err)
	}
	return out, err
}

// alreadyApplied consults the idempotence ledger. Called both before and
// after the I/O gap: redelivery during the gap must still be caught.
func (e *Engine) alreadyApplied(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	_, ok, err := e.store.GetAppliedEvent(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return ok, nil
}

func (e *Engine) ledgerEntry(ev Event, sym string, outcome store.EventOutcome, note string) *store.AppliedEventRecord {
	return &store.AppliedEventRecord{
		MessageID: ev.MessageID(),
		Symbol:    sym,
		Kind:      string(ev.EventKind()),
		Outcome:   outcome,
		Note:      note,
	}
}

// recordOnly commits a ledger entry with no position change. Events
// without a message id (pnl-only refreshes) have nothing to record.
func (e *Engine) recordOnly(ctx context.Context, ev Event, sym string, outcome store.EventOutcome, note string) error {
	if ev.MessageID() == "" {
		return nil
	}
	return e.store.CommitEvent(ctx, store.Commit{Event: e.ledgerEntry(ev, sym, outcome, note)})
}

// commitPosition commits mutate(position) together with order upserts and a
// ledger entry, retrying from freshly read state on a version conflict.
// mutate must be idempotent with respect to re-reads. The caller holds the
// instrument lock.
func (e *Engine) commitPosition(ctx context.Context, positionID int64, mutate func(*store.PositionRecord) error, orders []*store.OrderRecord, event *store.AppliedEventRecord) (store.PositionRecord, error) {
	var last store.PositionRecord
	for attempt := 0; attempt < e.cfg.CommitRetries; attempt++ {
		pos, ok, err := e.store.GetPosition(ctx, positionID)
		if err != nil {
			return last, err
		}
		if !ok {
			return last, fmt.Errorf("position %d vanished", positionID)
		}
		if err := mutate(&pos); err != nil {
			return pos, err
		}
		err = e.store.CommitEvent(ctx, store.Commit{Position: &pos, Orders: orders, Event: event})
		if errors.Is(err, store.ErrStaleVersion) {
			logger.Warnf("engine: stale version on position %d, retrying (%d)", positionID, attempt+1)
			continue
		}
		return pos, err
	}
	return last, fmt.Errorf("position %d: %w after %d attempts", positionID, store.ErrStaleVersion, e.cfg.CommitRetries)
}

func (e *Engine) notifyf(format string, v ...any) {
	if err := e.notifier.SendText(fmt.Sprintf(format, v...)); err != nil {
		logger.Warnf("engine: notify failed: %v", err)
	}
}

func decimalNull(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
