package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"sigflow/internal/gateway/exchange"
	"sigflow/internal/logger"
	"sigflow/internal/signal"
	"sigflow/internal/store"
)

// applyFollowUp routes a follow-up instruction to the position it refers
// to. A follow-up that names no symbol is resolved against the most
// recently opened non-terminal position; one that refers to no tracked
// position is recorded as rejected and never touches the exchange.
func (e *Engine) applyFollowUp(ctx context.Context, ev Event) (Outcome, error) {
	fu := ev.(FollowUp)
	sym := fu.Symbol
	if sym == "" {
		pos, ok, err := e.store.LatestOpenPosition(ctx)
		if err != nil {
			return OutcomeIgnored, err
		}
		if !ok {
			logger.Warnf("engine: follow-up %s (%s) names no symbol and no position is open", fu.SourceMessageID, fu.Kind)
			return OutcomeRejected, e.recordOnly(ctx, ev, "", store.OutcomeRejected, "no symbol and no open position to resolve against")
		}
		sym = pos.Symbol
	}

	mu := e.locks.get(sym)
	mu.Lock()

	if dup, err := e.alreadyApplied(ctx, fu.SourceMessageID); err != nil {
		mu.Unlock()
		return OutcomeIgnored, err
	} else if dup {
		mu.Unlock()
		logger.Debugf("engine: duplicate follow-up %s for %s", fu.SourceMessageID, sym)
		return OutcomeDuplicate, nil
	}

	pos, tracked, err := e.store.GetOpenPosition(ctx, sym)
	if err != nil {
		mu.Unlock()
		return OutcomeIgnored, err
	}
	if !tracked {
		rerr := e.recordOnly(ctx, ev, sym, store.OutcomeRejected, "no tracked position for instrument")
		mu.Unlock()
		logger.Warnf("engine: follow-up %s (%s) for %s has no tracked position", fu.SourceMessageID, fu.Kind, sym)
		return OutcomeRejected, rerr
	}

	switch fu.Kind {
	case signal.FollowUpEntryHit:
		return e.entryHit(ctx, ev, fu, sym, pos, mu)
	case signal.FollowUpTPHit:
		return e.takeProfitHit(ctx, ev, fu, sym, pos, mu)
	case signal.FollowUpSLModified, signal.FollowUpRiskFree:
		return e.amendStop(ctx, ev, fu, sym, pos, mu)
	case signal.FollowUpPartialClose:
		return e.partialClose(ctx, ev, fu, sym, pos, mu)
	case signal.FollowUpFullClose, signal.FollowUpPositionClosed:
		return e.fullClose(ctx, ev, fu, sym, pos, mu)
	default:
		rerr := e.recordOnly(ctx, ev, sym, store.OutcomeRejected, fmt.Sprintf("unsupported follow-up kind %s", fu.Kind))
		mu.Unlock()
		return OutcomeRejected, rerr
	}
}

// entryHit transitions pending_entry to open. No exchange call: the fill
// already happened, this is a notification of it. A position that is
// already open treats the event as a duplicate fill report.
func (e *Engine) entryHit(ctx context.Context, ev Event, fu FollowUp, sym string, pos store.PositionRecord, mu locker) (Outcome, error) {
	defer mu.Unlock()

	if pos.State != store.StatePendingEntry {
		logger.Debugf("engine: entry-hit %s for %s in state %s, skipping", fu.SourceMessageID, sym, pos.State)
		return OutcomeDuplicate, e.recordOnly(ctx, ev, sym, store.OutcomeDuplicateSkipped, fmt.Sprintf("position already %s", pos.State))
	}

	fill := fu.EntryPrice
	if !fill.Valid {
		fill = decimalNull(pos.EntryLow)
	}
	mutate := func(p *store.PositionRecord) error {
		if p.State != store.StatePendingEntry {
			return nil
		}
		p.State = store.StateOpen
		p.EntryPrice = fill
		p.RemainingSize = p.Size
		p.LastMessageID = fu.SourceMessageID
		now := time.Now()
		p.OpenedAt = &now
		return nil
	}
	ledger := e.ledgerEntry(ev, sym, store.OutcomeApplied, "entry filled")
	if _, err := e.commitPosition(ctx, pos.ID, mutate, nil, ledger); err != nil {
		return OutcomeIgnored, err
	}
	e.notifyf("✅ %s %s entry filled @ %s", sym, pos.Side, fill.Decimal.String())
	return OutcomeApplied, nil
}

// takeProfitHit closes the ladder fraction of the remaining size for one
// take-profit level. A level already marked hit is skipped without any
// exchange call.
func (e *Engine) takeProfitHit(ctx context.Context, ev Event, fu FollowUp, sym string, pos store.PositionRecord, mu locker) (Outcome, error) {
	idx := fu.TPNumber - 1
	if idx < 0 || idx >= len(pos.TakeProfits) {
		rerr := e.recordOnly(ctx, ev, sym, store.OutcomeRejected, fmt.Sprintf("tp level %d out of range (%d levels)", fu.TPNumber, len(pos.TakeProfits)))
		mu.Unlock()
		return OutcomeRejected, rerr
	}
	level := pos.TakeProfits[idx]
	if level.Hit {
		rerr := e.recordOnly(ctx, ev, sym, store.OutcomeDuplicateSkipped, fmt.Sprintf("tp%d already hit", fu.TPNumber))
		mu.Unlock()
		logger.Debugf("engine: tp%d for %s already hit, skipping", fu.TPNumber, sym)
		return OutcomeDuplicate, rerr
	}
	if !pos.State.OpenLike() || pos.State == store.StatePendingEntry {
		rerr := e.recordOnly(ctx, ev, sym, store.OutcomeRejected, fmt.Sprintf("tp%d in state %s", fu.TPNumber, pos.State))
		mu.Unlock()
		return OutcomeRejected, rerr
	}

	// The hit flag only flips after the close settles, so a redelivery
	// under a fresh message id could slip in while the first close is in
	// flight. The order row committed before the I/O gap is the claim:
	// a live close order at this level means the level is taken.
	inFlight, err := e.closeOrderExists(ctx, pos.ID, level.Price)
	if err != nil {
		mu.Unlock()
		return OutcomeIgnored, err
	}
	if inFlight {
		rerr := e.recordOnly(ctx, ev, sym, store.OutcomeDuplicateSkipped, fmt.Sprintf("tp%d close already in flight", fu.TPNumber))
		mu.Unlock()
		logger.Debugf("engine: tp%d for %s already has a close order, skipping", fu.TPNumber, sym)
		return OutcomeDuplicate, rerr
	}

	// Close the ladder fraction of whatever remains now. A close_percentage
	// from the message overrides the ladder.
	frac := level.Fraction
	if fu.ClosePercent > 0 {
		frac = decimal.NewFromInt(int64(fu.ClosePercent)).Div(decimal.NewFromInt(100))
	}
	qty := pos.RemainingSize.Mul(frac)
	if qty.GreaterThan(pos.RemainingSize) {
		qty = pos.RemainingSize
	}
	if qty.Sign() <= 0 {
		rerr := e.recordOnly(ctx, ev, sym, store.OutcomeRejected, "nothing left to close")
		mu.Unlock()
		return OutcomeRejected, rerr
	}
	lastRung := idx == len(pos.TakeProfits)-1

	ord := &store.OrderRecord{
		ID:              uuid.NewString(),
		PositionID:      pos.ID,
		Symbol:          sym,
		Kind:            store.OrderPartialClose,
		Side:            pos.Side.Opposite(),
		Size:            qty,
		Price:           decimalNull(level.Price),
		Status:          exchange.OrderPending,
		SourceMessageID: fu.SourceMessageID,
	}
	if lastRung {
		ord.Kind = store.OrderFullClose
	}
	if err := e.store.CommitEvent(ctx, store.Commit{Orders: []*store.OrderRecord{ord}}); err != nil {
		mu.Unlock()
		return OutcomeIgnored, err
	}
	mu.Unlock()

	var ack *exchange.Ack
	var callErr error
	if lastRung {
		ack, callErr = e.gw.FullClose(ctx, exchange.CloseRequest{Symbol: sym, Side: pos.Side, Size: qty})
	} else {
		ack, callErr = e.gw.PartialClose(ctx, exchange.CloseRequest{Symbol: sym, Side: pos.Side, Size: qty})
	}

	mu.Lock()
	defer mu.Unlock()
	if dup, err := e.alreadyApplied(ctx, fu.SourceMessageID); err != nil {
		return OutcomeIgnored, err
	} else if dup {
		return OutcomeDuplicate, nil
	}
	return e.settleClose(ctx, ev, fu, sym, pos.ID, ord, ack, callErr, closeIntent{
		kind:     closeTakeProfit,
		qty:      qty,
		tpIndex:  idx,
		price:    level.Price,
		lastRung: lastRung,
	})
}

// amendStop moves the protective stop. The stored stop changes only after
// the exchange acknowledges; on an Unknown outcome the field keeps its old
// value and the reconciler resolves the truth later.
func (e *Engine) amendStop(ctx context.Context, ev Event, fu FollowUp, sym string, pos store.PositionRecord, mu locker) (Outcome, error) {
	var newStop decimal.Decimal
	var note string
	switch {
	case fu.Kind == signal.FollowUpRiskFree:
		// Move the stop to entry. Requires a known entry fill.
		if !pos.EntryPrice.Valid {
			rerr := e.recordOnly(ctx, ev, sym, store.OutcomeRejected, "risk-free requested before entry fill")
			mu.Unlock()
			return OutcomeRejected, rerr
		}
		newStop = pos.EntryPrice.Decimal
		note = "stop moved to entry"
	case fu.NewStopLoss.Valid:
		newStop = fu.NewStopLoss.Decimal
		note = "stop modified"
	default:
		rerr := e.recordOnly(ctx, ev, sym, store.OutcomeRejected, "stop modification without a price")
		mu.Unlock()
		return OutcomeRejected, rerr
	}
	if newStop.Equal(pos.StopLoss) {
		rerr := e.recordOnly(ctx, ev, sym, store.OutcomeDuplicateSkipped, "stop already at requested price")
		mu.Unlock()
		return OutcomeDuplicate, rerr
	}

	ord := &store.OrderRecord{
		ID:              uuid.NewString(),
		PositionID:      pos.ID,
		Symbol:          sym,
		Kind:            store.OrderAmendStop,
		Side:            pos.Side,
		Size:            pos.RemainingSize,
		Price:           decimalNull(newStop),
		Status:          exchange.OrderPending,
		SourceMessageID: fu.SourceMessageID,
	}
	if err := e.store.CommitEvent(ctx, store.Commit{Orders: []*store.OrderRecord{ord}}); err != nil {
		mu.Unlock()
		return OutcomeIgnored, err
	}
	mu.Unlock()

	ack, callErr := e.gw.AmendStop(ctx, exchange.AmendStopRequest{Symbol: sym, Side: pos.Side, StopLoss: newStop})

	mu.Lock()
	defer mu.Unlock()
	if dup, err := e.alreadyApplied(ctx, fu.SourceMessageID); err != nil {
		return OutcomeIgnored, err
	} else if dup {
		return OutcomeDuplicate, nil
	}

	if callErr != nil {
		f := exchange.AsFailure(callErr)
		ord.Status = exchange.OrderFailed
		ord.Error = f.Error()
		switch f.Kind {
		case exchange.Unknown:
			// Stored stop keeps its pre-call value until reconciliation.
			ord.Status = exchange.OrderPending
			ledger := e.ledgerEntry(ev, sym, store.OutcomeApplied, "stop amendment outcome unknown")
			if err := e.store.CommitEvent(ctx, store.Commit{Orders: []*store.OrderRecord{ord}, Event: ledger}); err != nil {
				return OutcomeIgnored, err
			}
			logger.Warnf("engine: %s stop amendment unknown: %v", sym, f)
			return OutcomeApplied, nil
		default:
			ledger := e.ledgerEntry(ev, sym, store.OutcomeRejected, "stop amendment failed: "+f.Error())
			if err := e.store.CommitEvent(ctx, store.Commit{Orders: []*store.OrderRecord{ord}, Event: ledger}); err != nil {
				return OutcomeIgnored, err
			}
			e.notifyf("⚠️ %s stop amendment failed: %s", sym, f.Error())
			return OutcomeRejected, nil
		}
	}

	ord.Status = exchange.OrderFilled
	if ack != nil && ack.OrderID != "" {
		ord.ExchangeOrderID = ack.OrderID
	}
	mutate := func(p *store.PositionRecord) error {
		p.StopLoss = newStop
		p.LastMessageID = fu.SourceMessageID
		return nil
	}
	ledger := e.ledgerEntry(ev, sym, store.OutcomeApplied, note)
	if _, err := e.commitPosition(ctx, pos.ID, mutate, []*store.OrderRecord{ord}, ledger); err != nil {
		return OutcomeIgnored, err
	}
	e.notifyf("🛡 %s %s: %s → %s", sym, note, pos.StopLoss.String(), newStop.String())
	return OutcomeApplied, nil
}

// partialClose closes an explicit percentage of the remaining size,
// independent of the take-profit ladder.
func (e *Engine) partialClose(ctx context.Context, ev Event, fu FollowUp, sym string, pos store.PositionRecord, mu locker) (Outcome, error) {
	if !pos.State.OpenLike() || pos.State == store.StatePendingEntry {
		rerr := e.recordOnly(ctx, ev, sym, store.OutcomeRejected, fmt.Sprintf("partial close in state %s", pos.State))
		mu.Unlock()
		return OutcomeRejected, rerr
	}
	pct := fu.ClosePercent
	if pct <= 0 {
		pct = 50
	}
	if pct > 100 {
		pct = 100
	}
	qty := pos.RemainingSize.Mul(decimal.NewFromInt(int64(pct))).Div(decimal.NewFromInt(100))
	if qty.Sign() <= 0 {
		rerr := e.recordOnly(ctx, ev, sym, store.OutcomeRejected, "nothing left to close")
		mu.Unlock()
		return OutcomeRejected, rerr
	}
	full := pct >= 100

	ord := &store.OrderRecord{
		ID:              uuid.NewString(),
		PositionID:      pos.ID,
		Symbol:          sym,
		Kind:            store.OrderPartialClose,
		Side:            pos.Side.Opposite(),
		Size:            qty,
		Status:          exchange.OrderPending,
		SourceMessageID: fu.SourceMessageID,
	}
	if full {
		ord.Kind = store.OrderFullClose
	}
	if err := e.store.CommitEvent(ctx, store.Commit{Orders: []*store.OrderRecord{ord}}); err != nil {
		mu.Unlock()
		return OutcomeIgnored, err
	}
	mu.Unlock()

	var ack *exchange.Ack
	var callErr error
	if full {
		ack, callErr = e.gw.FullClose(ctx, exchange.CloseRequest{Symbol: sym, Side: pos.Side, Size: qty})
	} else {
		ack, callErr = e.gw.PartialClose(ctx, exchange.CloseRequest{Symbol: sym, Side: pos.Side, Size: qty})
	}

	mu.Lock()
	defer mu.Unlock()
	if dup, err := e.alreadyApplied(ctx, fu.SourceMessageID); err != nil {
		return OutcomeIgnored, err
	} else if dup {
		return OutcomeDuplicate, nil
	}
	return e.settleClose(ctx, ev, fu, sym, pos.ID, ord, ack, callErr, closeIntent{
		kind:     closePartial,
		qty:      qty,
		lastRung: full,
	})
}

// fullClose flattens the remaining size.
func (e *Engine) fullClose(ctx context.Context, ev Event, fu FollowUp, sym string, pos store.PositionRecord, mu locker) (Outcome, error) {
	if pos.State == store.StatePendingEntry {
		// Entry never filled. Nothing on the exchange to close; retire the
		// position locally.
		defer mu.Unlock()
		mutate := func(p *store.PositionRecord) error {
			if p.State.Terminal() {
				return nil
			}
			p.State = store.StateClosed
			p.StateReason = "closed before entry fill"
			p.RemainingSize = decimal.Zero
			p.LastMessageID = fu.SourceMessageID
			now := time.Now()
			p.ClosedAt = &now
			return nil
		}
		ledger := e.ledgerEntry(ev, sym, store.OutcomeApplied, "closed before entry fill")
		if _, err := e.commitPosition(ctx, pos.ID, mutate, nil, ledger); err != nil {
			return OutcomeIgnored, err
		}
		e.notifyf("🏁 %s closed before the entry filled", sym)
		return OutcomeApplied, nil
	}

	qty := pos.RemainingSize
	if qty.Sign() <= 0 {
		rerr := e.recordOnly(ctx, ev, sym, store.OutcomeDuplicateSkipped, "nothing left to close")
		mu.Unlock()
		return OutcomeDuplicate, rerr
	}

	ord := &store.OrderRecord{
		ID:              uuid.NewString(),
		PositionID:      pos.ID,
		Symbol:          sym,
		Kind:            store.OrderFullClose,
		Side:            pos.Side.Opposite(),
		Size:            qty,
		Status:          exchange.OrderPending,
		SourceMessageID: fu.SourceMessageID,
	}
	if err := e.store.CommitEvent(ctx, store.Commit{Orders: []*store.OrderRecord{ord}}); err != nil {
		mu.Unlock()
		return OutcomeIgnored, err
	}
	mu.Unlock()

	ack, callErr := e.gw.FullClose(ctx, exchange.CloseRequest{Symbol: sym, Side: pos.Side, Size: qty})

	mu.Lock()
	defer mu.Unlock()
	if dup, err := e.alreadyApplied(ctx, fu.SourceMessageID); err != nil {
		return OutcomeIgnored, err
	} else if dup {
		return OutcomeDuplicate, nil
	}
	return e.settleClose(ctx, ev, fu, sym, pos.ID, ord, ack, callErr, closeIntent{
		kind:     closeFull,
		qty:      qty,
		lastRung: true,
	})
}

type closeKind int

const (
	closeTakeProfit closeKind = iota
	closePartial
	closeFull
)

// closeIntent is what settleClose needs to turn an exchange ack (or
// failure) into the position mutation for a close.
type closeIntent struct {
	kind     closeKind
	qty      decimal.Decimal
	tpIndex  int
	price    decimal.Decimal
	lastRung bool
}

// settleClose records the outcome of a close call. Success shrinks the
// remaining size and books realized PnL; Unknown parks the position in
// closing (reconciler's problem); a hard failure on a full close moves the
// position to errored.
func (e *Engine) settleClose(ctx context.Context, ev Event, fu FollowUp, sym string, positionID int64, ord *store.OrderRecord, ack *exchange.Ack, callErr error, in closeIntent) (Outcome, error) {
	if callErr != nil {
		f := exchange.AsFailure(callErr)
		ord.Error = f.Error()
		switch f.Kind {
		case exchange.Unknown:
			// The close may or may not have executed. Freeze local progress
			// in closing and let the reconciler settle it from a snapshot.
			ord.Status = exchange.OrderPending
			mutate := func(p *store.PositionRecord) error {
				if p.State.Terminal() {
					return nil
				}
				p.State = store.StateClosing
				p.StateReason = "close outcome unknown, awaiting reconciliation"
				p.LastMessageID = fu.SourceMessageID
				return nil
			}
			ledger := e.ledgerEntry(ev, sym, store.OutcomeApplied, "close outcome unknown")
			if _, err := e.commitPosition(ctx, positionID, mutate, []*store.OrderRecord{ord}, ledger); err != nil {
				return OutcomeIgnored, err
			}
			logger.Warnf("engine: %s close outcome unknown: %v", sym, f)
			return OutcomeApplied, nil
		default:
			ord.Status = exchange.OrderFailed
			if in.lastRung || in.kind == closeFull {
				// A full close that the exchange refuses leaves a live
				// position nobody is managing. That needs a human.
				mutate := func(p *store.PositionRecord) error {
					if p.State.Terminal() {
						return nil
					}
					p.State = store.StateErrored
					p.StateReason = "full close failed: " + f.Error()
					p.LastMessageID = fu.SourceMessageID
					return nil
				}
				ledger := e.ledgerEntry(ev, sym, store.OutcomeRejected, "full close failed: "+f.Error())
				if _, err := e.commitPosition(ctx, positionID, mutate, []*store.OrderRecord{ord}, ledger); err != nil {
					return OutcomeIgnored, err
				}
				e.notifyf("🚨 %s full close FAILED, manual intervention needed: %s", sym, f.Error())
				return OutcomeRejected, nil
			}
			ledger := e.ledgerEntry(ev, sym, store.OutcomeRejected, "close failed: "+f.Error())
			if err := e.store.CommitEvent(ctx, store.Commit{Orders: []*store.OrderRecord{ord}, Event: ledger}); err != nil {
				return OutcomeIgnored, err
			}
			e.notifyf("⚠️ %s partial close failed: %s", sym, f.Error())
			return OutcomeRejected, nil
		}
	}

	ord.Status = exchange.OrderFilled
	if ack != nil {
		if ack.OrderID != "" {
			ord.ExchangeOrderID = ack.OrderID
		}
		if ack.Status != "" {
			ord.Status = ack.Status
		}
	}

	fillPrice := in.price
	if ack != nil && ack.FillPrice.Valid {
		fillPrice = ack.FillPrice.Decimal
	}
	qty := in.qty
	if ack != nil && ack.FillSize.Valid && ack.FillSize.Decimal.Sign() > 0 {
		qty = ack.FillSize.Decimal
	}

	var closedAll, alreadyHit bool
	mutate := func(p *store.PositionRecord) error {
		if p.State.Terminal() {
			return nil
		}
		if in.kind == closeTakeProfit && in.tpIndex < len(p.TakeProfits) {
			// Re-read the hit flag under the commit. If a concurrent
			// redelivery already settled this level, booking the fill a
			// second time would shrink the position past the ladder.
			if p.TakeProfits[in.tpIndex].Hit {
				alreadyHit = true
				return nil
			}
			p.TakeProfits[in.tpIndex].Hit = true
		}
		take := qty
		if take.GreaterThan(p.RemainingSize) {
			take = p.RemainingSize
		}
		p.RemainingSize = p.RemainingSize.Sub(take)
		if p.EntryPrice.Valid && fillPrice.Sign() > 0 {
			pnl := fillPrice.Sub(p.EntryPrice.Decimal).Mul(take)
			if p.Side == signal.SideShort {
				pnl = pnl.Neg()
			}
			p.RealizedPnL = p.RealizedPnL.Add(pnl)
		}
		p.LastMessageID = fu.SourceMessageID
		closedAll = in.lastRung || p.RemainingSize.Sign() <= 0
		if closedAll {
			p.RemainingSize = decimal.Zero
			p.State = store.StateClosed
			p.StateReason = ""
			now := time.Now()
			p.ClosedAt = &now
		} else {
			p.State = store.StatePartiallyClosed
		}
		return nil
	}
	ledger := e.ledgerEntry(ev, sym, store.OutcomeApplied, closeNote(in))
	final, err := e.commitPosition(ctx, positionID, mutate, []*store.OrderRecord{ord}, ledger)
	if err != nil {
		return OutcomeIgnored, err
	}
	if alreadyHit {
		logger.Debugf("engine: tp%d for %s was settled by an earlier delivery", in.tpIndex+1, sym)
		return OutcomeDuplicate, nil
	}
	if closedAll {
		e.notifyf("🏁 %s closed, realized PnL %s", sym, final.RealizedPnL.StringFixed(2))
	} else {
		e.notifyf("💰 %s closed %s, %s remaining", sym, qty.StringFixed(4), final.RemainingSize.StringFixed(4))
	}
	return OutcomeApplied, nil
}

// closeOrderExists reports whether a live close order for the given price
// level is already on record. Take-profit orders carry the ladder price, so
// a non-failed order at the same price is an earlier delivery of the same
// level still working through the exchange.
func (e *Engine) closeOrderExists(ctx context.Context, positionID int64, price decimal.Decimal) (bool, error) {
	orders, err := e.store.ListOrders(ctx, positionID)
	if err != nil {
		return false, err
	}
	for _, ord := range orders {
		if ord.Kind != store.OrderPartialClose && ord.Kind != store.OrderFullClose {
			continue
		}
		if ord.Status == exchange.OrderFailed || ord.Status == exchange.OrderCancelled {
			continue
		}
		if ord.Price.Valid && ord.Price.Decimal.Equal(price) {
			return true, nil
		}
	}
	return false, nil
}

func closeNote(in closeIntent) string {
	switch in.kind {
	case closeTakeProfit:
		return fmt.Sprintf("tp%d filled", in.tpIndex+1)
	case closePartial:
		return "partial close"
	default:
		return "full close"
	}
}

// locker is the part of the instrument lock the per-kind helpers need.
type locker interface {
	Lock()
	Unlock()
}
