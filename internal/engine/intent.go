package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sigflow/internal/gateway/exchange"
	"sigflow/internal/logger"
	"sigflow/internal/risk"
	"sigflow/internal/store"
)

// applyNewIntent drives a fresh signal through risk sizing, position
// creation and entry order submission.
//
// Sequencing:
//  1. Under the instrument lock: ledger check, one-position-per-instrument
//     check.
//  2. Lock released: equity fetch and sizing (pure given the fetched
//     equity).
//  3. Under the lock again: re-check ledger and instrument, re-count open
//     positions under the global admission gate, then create the position
//     in PendingEntry with a pending Order row. The committed pending
//     order is the submission claim: any redelivery from here on sees the
//     tracked position and stops, which is what makes order submission
//     at-most-once. The gate is held across the count and the claim so
//     two intents for different instruments cannot both slip under the
//     max-open-positions limit.
//  4. Lock released: submit the open order.
//  5. Under the lock: record the final outcome (submitted / rejected /
//     unknown) together with the ledger entry.
func (e *Engine) applyNewIntent(ctx context.Context, ev Event) (Outcome, error) {
	intent := ev.(NewIntent)
	sig := intent.Signal
	sym := sig.Symbol
	mu := e.locks.get(sym)

	mu.Lock()
	dup, err := e.alreadyApplied(ctx, ev.MessageID())
	if err != nil {
		mu.Unlock()
		return OutcomeIgnored, err
	}
	if dup {
		mu.Unlock()
		logger.Debugf("engine: duplicate intent %s for %s", ev.MessageID(), sym)
		return OutcomeDuplicate, nil
	}
	if _, tracked, err := e.store.GetOpenPosition(ctx, sym); err != nil {
		mu.Unlock()
		return OutcomeIgnored, err
	} else if tracked {
		rerr := e.recordOnly(ctx, ev, sym, store.OutcomeRejected, "position already tracked for instrument")
		mu.Unlock()
		logger.Warnf("engine: intent %s rejected, %s already has an open position", ev.MessageID(), sym)
		return OutcomeRejected, rerr
	}
	openCount, err := e.store.CountOpenPositions(ctx)
	if err != nil {
		mu.Unlock()
		return OutcomeIgnored, err
	}
	mu.Unlock()

	equity, err := e.gw.Equity(ctx)
	if err != nil {
		// Without an equity snapshot there is nothing to size against.
		f := exchange.AsFailure(err)
		logger.Errorf("engine: equity fetch failed for intent %s: %v", ev.MessageID(), f)
		return OutcomeRejected, e.recordOnly(ctx, ev, sym, store.OutcomeRejected, "equity unavailable: "+f.Error())
	}

	sized, err := risk.Size(risk.Input{Equity: equity, OpenPositions: openCount, Signal: sig}, e.cfg.Limits)
	if err != nil {
		logger.Warnf("engine: intent %s rejected by risk sizer: %v", ev.MessageID(), err)
		return OutcomeRejected, e.recordOnly(ctx, ev, sym, store.OutcomeRejected, err.Error())
	}

	mu.Lock()
	if dup, err := e.alreadyApplied(ctx, ev.MessageID()); err != nil {
		mu.Unlock()
		return OutcomeIgnored, err
	} else if dup {
		mu.Unlock()
		return OutcomeDuplicate, nil
	}
	if _, tracked, err := e.store.GetOpenPosition(ctx, sym); err != nil {
		mu.Unlock()
		return OutcomeIgnored, err
	} else if tracked {
		rerr := e.recordOnly(ctx, ev, sym, store.OutcomeRejected, "position already tracked for instrument")
		mu.Unlock()
		return OutcomeRejected, rerr
	}

	e.admit.Lock()
	n, err := e.store.CountOpenPositions(ctx)
	if err != nil {
		e.admit.Unlock()
		mu.Unlock()
		return OutcomeIgnored, err
	}
	if e.cfg.Limits.MaxOpenPositions > 0 && n >= e.cfg.Limits.MaxOpenPositions {
		e.admit.Unlock()
		rerr := e.recordOnly(ctx, ev, sym, store.OutcomeRejected,
			fmt.Sprintf("max open positions reached (%d of %d)", n, e.cfg.Limits.MaxOpenPositions))
		mu.Unlock()
		logger.Warnf("engine: intent %s rejected, %d open positions at the limit", ev.MessageID(), n)
		return OutcomeRejected, rerr
	}

	ladder := make([]store.TPLevel, 0, len(sig.TakeProfits))
	for _, tp := range sig.TakeProfits {
		ladder = append(ladder, store.TPLevel{Price: tp.Price, Fraction: tp.Fraction})
	}
	pos := store.PositionRecord{
		Symbol:        sym,
		Side:          sig.Side,
		State:         store.StatePendingEntry,
		EntryLow:      sig.EntryLow,
		EntryHigh:     sig.EntryHigh,
		Size:          sized.Size,
		RemainingSize: sized.Size,
		Leverage:      sized.Leverage,
		MarginType:    sig.MarginType,
		StopLoss:      sig.StopLoss,
		TakeProfits:   ladder,
		LastMessageID: ev.MessageID(),
	}
	ord := &store.OrderRecord{
		ID:              uuid.NewString(),
		Symbol:          sym,
		Kind:            store.OrderOpen,
		Side:            sig.Side,
		Size:            sized.Size,
		Price:           decimalNull(sig.EntryLow),
		Status:          exchange.OrderPending,
		SourceMessageID: ev.MessageID(),
	}
	if err := e.store.CommitEvent(ctx, store.Commit{Position: &pos, Orders: []*store.OrderRecord{ord}}); err != nil {
		e.admit.Unlock()
		mu.Unlock()
		return OutcomeIgnored, fmt.Errorf("claim commit: %w", err)
	}
	e.admit.Unlock()
	mu.Unlock()

	ack, submitErr := e.gw.OpenPosition(ctx, exchange.OpenRequest{
		Symbol:     sym,
		Side:       sig.Side,
		Size:       sized.Size,
		Price:      sig.EntryLow,
		Leverage:   sized.Leverage,
		MarginType: sig.MarginType,
		StopLoss:   sig.StopLoss,
	})

	mu.Lock()
	defer mu.Unlock()
	if dup, err := e.alreadyApplied(ctx, ev.MessageID()); err != nil {
		return OutcomeIgnored, err
	} else if dup {
		return OutcomeDuplicate, nil
	}

	note := "entry order submitted"
	outcome := OutcomeApplied
	mutate := func(p *store.PositionRecord) error { return nil }

	if submitErr != nil {
		f := exchange.AsFailure(submitErr)
		switch f.Kind {
		case exchange.Unknown:
			// Effect ambiguous: keep PendingEntry, let the reconciler settle
			// it from a snapshot. Never assume failure.
			ord.Status = exchange.OrderPending
			ord.Error = f.Error()
			note = "entry submission outcome unknown, awaiting reconciliation"
			logger.Warnf("engine: %s entry submission unknown: %v", sym, f)
		default:
			// Rejected, or transient retries exhausted. Terminal for the
			// intent; never resubmitted automatically.
			ord.Status = exchange.OrderFailed
			ord.Error = f.Error()
			note = "entry rejected: " + f.Error()
			outcome = OutcomeRejected
			mutate = func(p *store.PositionRecord) error {
				p.State = store.StateRejected
				p.StateReason = f.Error()
				return nil
			}
			e.notifyf("❌ %s %s entry rejected: %s", sym, sig.Side, f.Error())
		}
	} else {
		ord.Status = ack.Status
		if ord.Status == exchange.OrderPending {
			ord.Status = exchange.OrderSubmitted
		}
		ord.ExchangeOrderID = ack.OrderID
		if ack.Status == exchange.OrderFilled {
			// Rare immediate fill on the limit order.
			note = "entry order filled on submission"
			mutate = func(p *store.PositionRecord) error {
				p.State = store.StateOpen
				p.EntryPrice = ack.FillPrice
				if !p.EntryPrice.Valid {
					p.EntryPrice = decimalNull(sig.EntryLow)
				}
				now := time.Now()
				p.OpenedAt = &now
				return nil
			}
		}
		e.notifyf("📈 %s %s entry order placed, size %s @ %s (lev %dx)",
			sym, sig.Side, sized.Size.StringFixed(4), sig.EntryLow.String(), sized.Leverage)
	}

	ledger := e.ledgerEntry(ev, sym, outcomeToLedger(outcome), note)
	if _, err := e.commitPosition(ctx, pos.ID, mutate, []*store.OrderRecord{ord}, ledger); err != nil {
		return OutcomeIgnored, err
	}
	return outcome, nil
}

func outcomeToLedger(o Outcome) store.EventOutcome {
	switch o {
	case OutcomeDuplicate:
		return store.OutcomeDuplicateSkipped
	case OutcomeRejected:
		return store.OutcomeRejected
	default:
		return store.OutcomeApplied
	}
}
