// Package reconcile periodically compares local position state with the
// exchange and feeds the differences back through the engine. It is the
// only component that settles ambiguous (Unknown) outcomes, and it also
// promotes pending entry orders whose fills the feed never announced.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sigflow/internal/engine"
	"sigflow/internal/gateway/exchange"
	"sigflow/internal/logger"
	"sigflow/internal/signal"
	"sigflow/internal/store"
)

type Config struct {
	// Interval between sweeps. Zero defaults to 30s.
	Interval time.Duration
	// Epsilon is the relative size tolerance; disagreement below it is
	// rounding noise and only refreshes unrealized PnL.
	Epsilon decimal.Decimal
}

// Reconciler detects divergence; the engine decides what to do about it.
// All writes go through engine.Apply so per-instrument serialization and
// the idempotence ledger hold for reconciliation too.
type Reconciler struct {
	store store.Store
	gw    exchange.Gateway
	eng   *engine.Engine
	cfg   Config
}

func New(st store.Store, gw exchange.Gateway, eng *engine.Engine, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Epsilon.Sign() <= 0 {
		cfg.Epsilon = decimal.NewFromFloat(0.001)
	}
	return &Reconciler{store: st, gw: gw, eng: eng, cfg: cfg}
}

// Run sweeps until ctx is cancelled. One failed sweep is logged and the
// loop continues; the exchange being briefly unreachable must not kill the
// process.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	logger.Infof("reconciler: sweeping every %s", r.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				logger.Warnf("reconciler: sweep failed: %v", err)
			}
		}
	}
}

// Sweep runs one reconciliation pass: entry order fills first, then
// position snapshots.
func (r *Reconciler) Sweep(ctx context.Context) error {
	if err := r.sweepEntryOrders(ctx); err != nil {
		logger.Warnf("reconciler: entry order sweep: %v", err)
	}
	return r.sweepPositions(ctx)
}

// sweepEntryOrders polls the exchange for every entry order still marked
// pending or submitted and promotes fills. The synthetic message id is
// derived from the order id, so a fill is applied exactly once no matter
// how many sweeps observe it.
func (r *Reconciler) sweepEntryOrders(ctx context.Context) error {
	orders, err := r.store.ListOrdersByStatus(ctx, store.OrderOpen, []exchange.OrderStatus{
		exchange.OrderPending, exchange.OrderSubmitted,
	})
	if err != nil {
		return err
	}
	for _, ord := range orders {
		if ord.ExchangeOrderID == "" {
			// Submission outcome still unknown; the position sweep settles
			// these from the snapshot instead.
			continue
		}
		state, err := r.gw.FetchOrder(ctx, ord.Symbol, ord.ExchangeOrderID)
		if err != nil {
			logger.Warnf("reconciler: fetch order %s (%s): %v", ord.ExchangeOrderID, ord.Symbol, err)
			continue
		}
		switch state.Status {
		case exchange.OrderFilled:
			fu := engine.FollowUp{FollowUp: signal.FollowUp{
				Symbol:          ord.Symbol,
				Kind:            signal.FollowUpEntryHit,
				EntryPrice:      state.AvgPrice,
				SourceMessageID: "fill-" + ord.ExchangeOrderID,
				ReceivedAt:      time.Now(),
			}}
			out, err := r.eng.Apply(ctx, fu)
			if err != nil {
				logger.Warnf("reconciler: apply fill for %s: %v", ord.Symbol, err)
				continue
			}
			if out == engine.OutcomeApplied {
				logger.Infof("reconciler: %s entry order %s filled @ %s", ord.Symbol, ord.ExchangeOrderID, state.AvgPrice.Decimal)
			}
			r.markOrder(ctx, ord, exchange.OrderFilled, "")
		case exchange.OrderCancelled:
			logger.Warnf("reconciler: %s entry order %s cancelled on exchange", ord.Symbol, ord.ExchangeOrderID)
			r.markOrder(ctx, ord, exchange.OrderCancelled, "cancelled on exchange")
		}
	}
	return nil
}

func (r *Reconciler) markOrder(ctx context.Context, ord store.OrderRecord, status exchange.OrderStatus, note string) {
	ord.Status = status
	ord.Error = note
	if err := r.store.CommitEvent(ctx, store.Commit{Orders: []*store.OrderRecord{&ord}}); err != nil {
		logger.Warnf("reconciler: mark order %s %s: %v", ord.ID, status, err)
	}
}

// sweepPositions fetches a snapshot for every non-terminal position and
// applies the difference. Agreement within epsilon still refreshes the
// unrealized PnL.
func (r *Reconciler) sweepPositions(ctx context.Context) error {
	positions, err := r.store.ListOpenPositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		snap, err := r.gw.FetchSnapshot(ctx, pos.Symbol)
		if err != nil {
			logger.Warnf("reconciler: snapshot %s: %v", pos.Symbol, err)
			continue
		}
		r.applySnapshot(ctx, pos, snap)
	}
	return nil
}

func (r *Reconciler) applySnapshot(ctx context.Context, pos store.PositionRecord, snap *exchange.PositionSnapshot) {
	switch pos.State {
	case store.StatePendingEntry:
		// Before the fill the exchange legitimately holds nothing. Only a
		// position appearing is news.
		if snap.Open && snap.Size.Sign() > 0 {
			r.emitDivergence(ctx, pos, snap, false, "position appeared while pending entry")
		}
		return
	case store.StateOpen, store.StatePartiallyClosed, store.StateClosing:
	default:
		return
	}

	if !snap.Open || snap.Size.Sign() == 0 {
		r.emitDivergence(ctx, pos, snap, false, "not held on exchange")
		return
	}
	diff := snap.Size.Sub(pos.RemainingSize).Abs()
	tolerance := pos.RemainingSize.Mul(r.cfg.Epsilon)
	if diff.GreaterThan(tolerance) {
		r.emitDivergence(ctx, pos, snap, false, fmt.Sprintf("size %s vs local %s", snap.Size, pos.RemainingSize))
		return
	}
	if pos.State == store.StateClosing {
		// Sizes agree, so the ambiguous close evidently did not execute.
		r.emitDivergence(ctx, pos, snap, false, "ambiguous close did not execute")
		return
	}
	if !snap.UnrealizedPnL.Equal(pos.UnrealizedPnL) {
		r.emitDivergence(ctx, pos, snap, true, "")
	}
}

func (r *Reconciler) emitDivergence(ctx context.Context, pos store.PositionRecord, snap *exchange.PositionSnapshot, pnlOnly bool, note string) {
	div := engine.Divergence{
		Symbol:  pos.Symbol,
		Remote:  *snap,
		PnLOnly: pnlOnly,
		Note:    note,
	}
	if pnlOnly {
		// PnL refreshes repeat forever and mutate nothing but a gauge, so
		// they carry no id and leave no applied-event row behind.
	} else {
		// Keyed on the position version: a failed adoption retries next
		// sweep, a successful one bumps the version and retires the id.
		div.ID = fmt.Sprintf("recon-%s-p%d-v%d", pos.Symbol, pos.ID, pos.Version)
	}
	if _, err := r.eng.Apply(ctx, div); err != nil {
		logger.Warnf("reconciler: apply divergence for %s: %v", pos.Symbol, err)
	}
}
