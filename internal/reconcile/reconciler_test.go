package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigflow/internal/engine"
	"sigflow/internal/gateway/exchange"
	"sigflow/internal/risk"
	"sigflow/internal/signal"
	"sigflow/internal/store"
	"sigflow/internal/store/gormstore"
)

// scriptedGateway answers reads from canned state and refuses all mutations.
// Reconciliation must never place or amend orders on its own.
type scriptedGateway struct {
	snapshots   map[string]*exchange.PositionSnapshot
	orders      map[string]*exchange.OrderState
	fetchCalls  []string
	mutateCalls int
}

func (g *scriptedGateway) Name() string { return "scripted" }

func (g *scriptedGateway) OpenPosition(context.Context, exchange.OpenRequest) (*exchange.Ack, error) {
	g.mutateCalls++
	return nil, &exchange.Failure{Kind: exchange.Rejected, Message: "not expected"}
}

func (g *scriptedGateway) PartialClose(context.Context, exchange.CloseRequest) (*exchange.Ack, error) {
	g.mutateCalls++
	return nil, &exchange.Failure{Kind: exchange.Rejected, Message: "not expected"}
}

func (g *scriptedGateway) FullClose(context.Context, exchange.CloseRequest) (*exchange.Ack, error) {
	g.mutateCalls++
	return nil, &exchange.Failure{Kind: exchange.Rejected, Message: "not expected"}
}

func (g *scriptedGateway) AmendStop(context.Context, exchange.AmendStopRequest) (*exchange.Ack, error) {
	g.mutateCalls++
	return nil, &exchange.Failure{Kind: exchange.Rejected, Message: "not expected"}
}

func (g *scriptedGateway) FetchSnapshot(_ context.Context, sym string) (*exchange.PositionSnapshot, error) {
	if snap, ok := g.snapshots[sym]; ok {
		return snap, nil
	}
	return &exchange.PositionSnapshot{Symbol: sym, FetchedAt: time.Now()}, nil
}

func (g *scriptedGateway) FetchOrder(_ context.Context, _, orderID string) (*exchange.OrderState, error) {
	g.fetchCalls = append(g.fetchCalls, orderID)
	if st, ok := g.orders[orderID]; ok {
		return st, nil
	}
	return nil, &exchange.Failure{Kind: exchange.Unknown, Message: "order not found"}
}

func (g *scriptedGateway) Equity(context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(10000), nil
}

func newHarness(t *testing.T) (*Reconciler, store.Store, *scriptedGateway) {
	t.Helper()
	st, err := gormstore.NewGormStore(filepath.Join(t.TempDir(), "recon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	gw := &scriptedGateway{
		snapshots: map[string]*exchange.PositionSnapshot{},
		orders:    map[string]*exchange.OrderState{},
	}
	eng := engine.New(st, gw, nil, engine.Config{
		Limits: risk.Limits{MaxLeverage: 20, MaxOpenPositions: 5},
	})
	r := New(st, gw, eng, Config{})
	return r, st, gw
}

func seedPosition(t *testing.T, st store.Store, state store.PositionState, orders ...*store.OrderRecord) store.PositionRecord {
	t.Helper()
	pos := &store.PositionRecord{
		Symbol:        "ETH/USDT",
		Side:          signal.SideLong,
		State:         state,
		EntryLow:      decimal.RequireFromString("1966.3"),
		EntryHigh:     decimal.RequireFromString("1986.4"),
		Size:          decimal.RequireFromString("2.336449"),
		RemainingSize: decimal.RequireFromString("2.336449"),
		Leverage:      8,
		MarginType:    "isolated",
		StopLoss:      decimal.RequireFromString("2009.1"),
		LastMessageID: "msg-1",
	}
	require.NoError(t, st.CommitEvent(context.Background(), store.Commit{Position: pos, Orders: orders}))
	return *pos
}

func TestSweepPromotesFilledEntryOrder(t *testing.T) {
	r, st, gw := newHarness(t)
	ctx := context.Background()

	pos := seedPosition(t, st, store.StatePendingEntry, &store.OrderRecord{
		ID:              "ord-1",
		Symbol:          "ETH/USDT",
		Kind:            store.OrderOpen,
		Side:            signal.SideLong,
		Status:          exchange.OrderSubmitted,
		ExchangeOrderID: "ex-1",
	})
	gw.orders["ex-1"] = &exchange.OrderState{
		OrderID:  "ex-1",
		Status:   exchange.OrderFilled,
		AvgPrice: decimal.NullDecimal{Decimal: decimal.RequireFromString("1968.5"), Valid: true},
	}
	gw.snapshots["ETH/USDT"] = &exchange.PositionSnapshot{
		Symbol:     "ETH/USDT",
		Side:       signal.SideLong,
		Size:       decimal.RequireFromString("2.336449"),
		EntryPrice: decimal.RequireFromString("1968.5"),
		Open:       true,
		FetchedAt:  time.Now(),
	}

	require.NoError(t, r.Sweep(ctx))

	got, ok, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.StateOpen, got.State)
	require.True(t, got.EntryPrice.Valid)
	assert.True(t, got.EntryPrice.Decimal.Equal(decimal.RequireFromString("1968.5")))

	orders, err := st.ListOrders(ctx, pos.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, exchange.OrderFilled, orders[0].Status)

	ev, ok, err := st.GetAppliedEvent(ctx, "fill-ex-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.OutcomeApplied, ev.Outcome)

	// A later sweep sees the same fill; the ledger absorbs it.
	gw.fetchCalls = nil
	require.NoError(t, r.Sweep(ctx))
	again, _, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version)
	assert.Zero(t, gw.mutateCalls)
}

func TestSweepSkipsOrdersWithoutExchangeID(t *testing.T) {
	r, st, gw := newHarness(t)

	seedPosition(t, st, store.StatePendingEntry, &store.OrderRecord{
		ID:     "ord-1",
		Symbol: "ETH/USDT",
		Kind:   store.OrderOpen,
		Side:   signal.SideLong,
		Status: exchange.OrderPending,
	})

	require.NoError(t, r.Sweep(context.Background()))
	assert.Empty(t, gw.fetchCalls)
}

func TestSweepMarksCancelledEntryOrder(t *testing.T) {
	r, st, gw := newHarness(t)
	ctx := context.Background()

	pos := seedPosition(t, st, store.StatePendingEntry, &store.OrderRecord{
		ID:              "ord-1",
		Symbol:          "ETH/USDT",
		Kind:            store.OrderOpen,
		Side:            signal.SideLong,
		Status:          exchange.OrderSubmitted,
		ExchangeOrderID: "ex-1",
	})
	gw.orders["ex-1"] = &exchange.OrderState{OrderID: "ex-1", Status: exchange.OrderCancelled}

	require.NoError(t, r.Sweep(ctx))

	orders, err := st.ListOrders(ctx, pos.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, exchange.OrderCancelled, orders[0].Status)
	assert.Equal(t, "cancelled on exchange", orders[0].Error)
}

func TestSweepAdoptsRemoteClose(t *testing.T) {
	r, st, gw := newHarness(t)
	ctx := context.Background()

	pos := seedPosition(t, st, store.StateOpen)
	gw.snapshots["ETH/USDT"] = &exchange.PositionSnapshot{Symbol: "ETH/USDT", FetchedAt: time.Now()}

	require.NoError(t, r.Sweep(ctx))

	got, _, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateClosed, got.State)
	assert.Equal(t, "not held on exchange", got.StateReason)
	assert.True(t, got.RemainingSize.IsZero())
}

func TestSweepAdoptsSmallerRemoteSize(t *testing.T) {
	r, st, gw := newHarness(t)
	ctx := context.Background()

	pos := seedPosition(t, st, store.StateOpen)
	gw.snapshots["ETH/USDT"] = &exchange.PositionSnapshot{
		Symbol:        "ETH/USDT",
		Side:          signal.SideLong,
		Size:          decimal.RequireFromString("1.168224"),
		EntryPrice:    decimal.RequireFromString("1966.3"),
		UnrealizedPnL: decimal.RequireFromString("3.2"),
		Open:          true,
		FetchedAt:     time.Now(),
	}

	require.NoError(t, r.Sweep(ctx))

	got, _, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.RemainingSize.Equal(decimal.RequireFromString("1.168224")))
	assert.True(t, got.UnrealizedPnL.Equal(decimal.RequireFromString("3.2")))
}

func TestSweepResolvesAmbiguousClose(t *testing.T) {
	r, st, gw := newHarness(t)
	ctx := context.Background()

	pos := seedPosition(t, st, store.StateClosing)
	// Remote still holds the full size, so the ambiguous close never ran.
	gw.snapshots["ETH/USDT"] = &exchange.PositionSnapshot{
		Symbol:     "ETH/USDT",
		Side:       signal.SideLong,
		Size:       decimal.RequireFromString("2.336449"),
		EntryPrice: decimal.RequireFromString("1966.3"),
		Open:       true,
		FetchedAt:  time.Now(),
	}

	require.NoError(t, r.Sweep(ctx))

	got, _, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatePartiallyClosed, got.State)
	assert.True(t, got.RemainingSize.Equal(decimal.RequireFromString("2.336449")))
}

func TestSweepRefreshesPnLOnly(t *testing.T) {
	r, st, gw := newHarness(t)
	ctx := context.Background()

	pos := seedPosition(t, st, store.StateOpen)
	gw.snapshots["ETH/USDT"] = &exchange.PositionSnapshot{
		Symbol:        "ETH/USDT",
		Side:          signal.SideLong,
		Size:          decimal.RequireFromString("2.336449"),
		EntryPrice:    decimal.RequireFromString("1966.3"),
		UnrealizedPnL: decimal.RequireFromString("-4.1"),
		Open:          true,
		FetchedAt:     time.Now(),
	}

	require.NoError(t, r.Sweep(ctx))

	got, _, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateOpen, got.State)
	assert.True(t, got.UnrealizedPnL.Equal(decimal.RequireFromString("-4.1")))

	// A later sweep with a moved mark price lands too, and neither refresh
	// leaves an applied-event row behind.
	gw.snapshots["ETH/USDT"].UnrealizedPnL = decimal.RequireFromString("7.9")
	require.NoError(t, r.Sweep(ctx))

	got, _, err = st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.UnrealizedPnL.Equal(decimal.RequireFromString("7.9")))

	events, err := st.ListAppliedEvents(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSweepErrorsOnRemoteGrowth(t *testing.T) {
	r, st, gw := newHarness(t)
	ctx := context.Background()

	pos := seedPosition(t, st, store.StateOpen)
	gw.snapshots["ETH/USDT"] = &exchange.PositionSnapshot{
		Symbol:     "ETH/USDT",
		Side:       signal.SideLong,
		Size:       decimal.RequireFromString("5"),
		EntryPrice: decimal.RequireFromString("1966.3"),
		Open:       true,
		FetchedAt:  time.Now(),
	}

	require.NoError(t, r.Sweep(ctx))

	got, _, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateErrored, got.State)
	assert.Contains(t, got.StateReason, "exceeds local remaining")
}

func TestSweepIgnoresFlatPendingEntry(t *testing.T) {
	r, st, _ := newHarness(t)
	ctx := context.Background()

	pos := seedPosition(t, st, store.StatePendingEntry)

	require.NoError(t, r.Sweep(ctx))

	got, _, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatePendingEntry, got.State)
	assert.Equal(t, pos.Version, got.Version)
}
