package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sigflow/internal/logger"
	"sigflow/internal/store"
)

// applyDivergence adopts the exchange's view of a position when the
// reconciler finds local and remote state disagreeing beyond tolerance.
// The exchange is authoritative for size and existence; adoption never
// issues exchange calls of its own.
func (e *Engine) applyDivergence(ctx context.Context, ev Event) (Outcome, error) {
	div := ev.(Divergence)
	sym := div.Symbol
	mu := e.locks.get(sym)
	mu.Lock()
	defer mu.Unlock()

	if dup, err := e.alreadyApplied(ctx, div.ID); err != nil {
		return OutcomeIgnored, err
	} else if dup {
		return OutcomeDuplicate, nil
	}

	pos, tracked, err := e.store.GetOpenPosition(ctx, sym)
	if err != nil {
		return OutcomeIgnored, err
	}
	if !tracked {
		// Position reached a terminal state between detection and
		// application. Nothing to adopt.
		return OutcomeIgnored, e.recordOnly(ctx, ev, sym, store.OutcomeDuplicateSkipped, "no tracked position")
	}

	if div.PnLOnly {
		// A gauge update, not a lifecycle event. It repeats on every sweep
		// the mark price moves, so it bypasses the applied-event ledger.
		mutate := func(p *store.PositionRecord) error {
			p.UnrealizedPnL = div.Remote.UnrealizedPnL
			return nil
		}
		if _, err := e.commitPosition(ctx, pos.ID, mutate, nil, nil); err != nil {
			return OutcomeIgnored, err
		}
		return OutcomeApplied, nil
	}

	remote := div.Remote
	switch {
	case !remote.Open || remote.Size.Sign() == 0:
		// Exchange holds nothing: stop hit, liquidation, or a manual close
		// outside this system. Adopt closed; realized PnL for the final leg
		// is unknown here, so keep what the ledger accumulated.
		mutate := func(p *store.PositionRecord) error {
			if p.State.Terminal() {
				return nil
			}
			p.State = store.StateClosed
			p.StateReason = nonEmpty(div.Note, "closed on exchange")
			p.RemainingSize = decimal.Zero
			p.UnrealizedPnL = decimal.Zero
			now := time.Now()
			p.ClosedAt = &now
			return nil
		}
		ledger := e.ledgerEntry(ev, sym, store.OutcomeApplied, "adopted remote close")
		if _, err := e.commitPosition(ctx, pos.ID, mutate, nil, ledger); err != nil {
			return OutcomeIgnored, err
		}
		logger.Infof("engine: %s adopted remote close (%s)", sym, div.Note)
		e.notifyf("🔔 %s closed on the exchange (%s)", sym, nonEmpty(div.Note, "reconciled"))
		return OutcomeApplied, nil

	case remote.Size.GreaterThan(pos.RemainingSize.Add(e.cfg.Epsilon.Mul(pos.RemainingSize))):
		// Remote larger than local remaining breaks size monotonicity:
		// something opened or re-opened outside this system. Never adopt a
		// growth; flag for a human.
		mutate := func(p *store.PositionRecord) error {
			if p.State.Terminal() {
				return nil
			}
			p.State = store.StateErrored
			p.StateReason = fmt.Sprintf("remote size %s exceeds local remaining %s", remote.Size, p.RemainingSize)
			return nil
		}
		ledger := e.ledgerEntry(ev, sym, store.OutcomeApplied, "remote size exceeds local remaining")
		if _, err := e.commitPosition(ctx, pos.ID, mutate, nil, ledger); err != nil {
			return OutcomeIgnored, err
		}
		e.notifyf("🚨 %s remote size %s exceeds local %s, position errored", sym, remote.Size, pos.RemainingSize)
		return OutcomeApplied, nil

	default:
		// Remote is smaller: a close we issued under an Unknown outcome
		// actually executed, or the exchange trimmed the position. Adopt
		// the remote size.
		mutate := func(p *store.PositionRecord) error {
			if p.State.Terminal() {
				return nil
			}
			p.RemainingSize = remote.Size
			p.UnrealizedPnL = remote.UnrealizedPnL
			if p.State == store.StatePendingEntry {
				// The exchange holds a position our record thought was
				// still waiting for its fill.
				p.State = store.StateOpen
				p.EntryPrice = decimalNull(remote.EntryPrice)
				now := time.Now()
				p.OpenedAt = &now
			} else if p.State == store.StateClosing {
				p.State = store.StatePartiallyClosed
				p.StateReason = ""
			}
			return nil
		}
		ledger := e.ledgerEntry(ev, sym, store.OutcomeApplied, "adopted remote size")
		if _, err := e.commitPosition(ctx, pos.ID, mutate, nil, ledger); err != nil {
			return OutcomeIgnored, err
		}
		logger.Infof("engine: %s adopted remote size %s (was %s)", sym, remote.Size, pos.RemainingSize)
		return OutcomeApplied, nil
	}
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
