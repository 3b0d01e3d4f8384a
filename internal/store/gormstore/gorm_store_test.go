package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigflow/internal/gateway/exchange"
	"sigflow/internal/signal"
	"sigflow/internal/store"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func basePosition(sym string) *store.PositionRecord {
	return &store.PositionRecord{
		Symbol:        sym,
		Side:          signal.SideLong,
		State:         store.StatePendingEntry,
		EntryLow:      decimal.RequireFromString("1966.3"),
		EntryHigh:     decimal.RequireFromString("1986.4"),
		Size:          decimal.RequireFromString("2.336449"),
		RemainingSize: decimal.RequireFromString("2.336449"),
		Leverage:      8,
		MarginType:    "isolated",
		StopLoss:      decimal.RequireFromString("2009.1"),
		TakeProfits: []store.TPLevel{
			{Price: decimal.RequireFromString("1950"), Fraction: decimal.RequireFromString("0.5")},
			{Price: decimal.RequireFromString("1930"), Fraction: decimal.RequireFromString("1")},
		},
		LastMessageID: "msg-1",
	}
}

func TestCreateAssignsIDAndVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pos := basePosition("ETH/USDT")
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: pos}))
	assert.NotZero(t, pos.ID)
	assert.Equal(t, int64(1), pos.Version)

	got, ok, err := s.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ETH/USDT", got.Symbol)
	assert.Equal(t, store.StatePendingEntry, got.State)
	require.Len(t, got.TakeProfits, 2)
	assert.True(t, got.TakeProfits[0].Price.Equal(decimal.RequireFromString("1950")))
	assert.False(t, got.TakeProfits[0].Hit)
}

func TestUpdateBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pos := basePosition("ETH/USDT")
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: pos}))

	pos.State = store.StateOpen
	pos.EntryPrice = decimal.NullDecimal{Decimal: decimal.RequireFromString("1966.3"), Valid: true}
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: pos}))
	assert.Equal(t, int64(2), pos.Version)

	got, ok, err := s.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.StateOpen, got.State)
	assert.Equal(t, int64(2), got.Version)
	require.True(t, got.EntryPrice.Valid)
	assert.True(t, got.EntryPrice.Decimal.Equal(decimal.RequireFromString("1966.3")))
}

func TestStaleVersionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pos := basePosition("ETH/USDT")
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: pos}))

	stale := *pos
	pos.State = store.StateOpen
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: pos}))

	stale.State = store.StateClosed
	err := s.CommitEvent(ctx, store.Commit{Position: &stale})
	assert.ErrorIs(t, err, store.ErrStaleVersion)

	// The losing write must not leak through.
	got, _, err := s.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateOpen, got.State)
}

func TestStaleCommitRollsBackWholeTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pos := basePosition("ETH/USDT")
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: pos}))

	stale := *pos
	pos.State = store.StateOpen
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: pos}))

	stale.State = store.StateClosed
	err := s.CommitEvent(ctx, store.Commit{
		Position: &stale,
		Orders: []*store.OrderRecord{{
			ID:     "ord-lost",
			Symbol: "ETH/USDT",
			Kind:   store.OrderFullClose,
			Status: exchange.OrderPending,
		}},
		Event: &store.AppliedEventRecord{MessageID: "msg-lost", Outcome: store.OutcomeApplied},
	})
	require.ErrorIs(t, err, store.ErrStaleVersion)

	orders, err := s.ListOrders(ctx, pos.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
	_, ok, err := s.GetAppliedEvent(ctx, "msg-lost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOrderBackfillAndUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pos := basePosition("ETH/USDT")
	ord := &store.OrderRecord{
		ID:              "ord-1",
		Symbol:          "ETH/USDT",
		Kind:            store.OrderOpen,
		Side:            signal.SideLong,
		Size:            decimal.RequireFromString("2.336449"),
		Status:          exchange.OrderPending,
		SourceMessageID: "msg-1",
	}
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: pos, Orders: []*store.OrderRecord{ord}}))
	assert.Equal(t, pos.ID, ord.PositionID)

	ord.ExchangeOrderID = "ex-1"
	ord.Status = exchange.OrderSubmitted
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Orders: []*store.OrderRecord{ord}}))

	orders, err := s.ListOrders(ctx, pos.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "ex-1", orders[0].ExchangeOrderID)
	assert.Equal(t, exchange.OrderSubmitted, orders[0].Status)
	assert.Equal(t, store.OrderOpen, orders[0].Kind)
}

func TestLedgerFirstOutcomeWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CommitEvent(ctx, store.Commit{Event: &store.AppliedEventRecord{
		MessageID: "msg-1",
		Symbol:    "ETH/USDT",
		Kind:      "new",
		Outcome:   store.OutcomeApplied,
	}}))
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Event: &store.AppliedEventRecord{
		MessageID: "msg-1",
		Symbol:    "ETH/USDT",
		Kind:      "new",
		Outcome:   store.OutcomeRejected,
		Note:      "redelivery",
	}}))

	ev, ok, err := s.GetAppliedEvent(ctx, "msg-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.OutcomeApplied, ev.Outcome)
	assert.Empty(t, ev.Note)
}

func TestOpenPositionFiltering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	closed := basePosition("ETH/USDT")
	closed.State = store.StateClosed
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: closed}))

	open := basePosition("ETH/USDT")
	open.State = store.StateOpen
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: open}))

	other := basePosition("BTC/USDT")
	other.State = store.StateClosing
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: other}))

	rejected := basePosition("SOL/USDT")
	rejected.State = store.StateRejected
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: rejected}))

	got, ok, err := s.GetOpenPosition(ctx, "ETH/USDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, open.ID, got.ID)

	_, ok, err = s.GetOpenPosition(ctx, "SOL/USDT")
	require.NoError(t, err)
	assert.False(t, ok)

	latest, ok, err := s.LatestOpenPosition(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, other.ID, latest.ID)

	n, err := s.CountOpenPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := s.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListOrdersByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pos := basePosition("ETH/USDT")
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: pos, Orders: []*store.OrderRecord{
		{ID: "ord-1", Symbol: "ETH/USDT", Kind: store.OrderOpen, Status: exchange.OrderSubmitted, ExchangeOrderID: "ex-1"},
		{ID: "ord-2", Symbol: "ETH/USDT", Kind: store.OrderOpen, Status: exchange.OrderFilled, ExchangeOrderID: "ex-2"},
		{ID: "ord-3", Symbol: "ETH/USDT", Kind: store.OrderFullClose, Status: exchange.OrderPending},
	}}))

	got, err := s.ListOrdersByStatus(ctx, store.OrderOpen,
		[]exchange.OrderStatus{exchange.OrderPending, exchange.OrderSubmitted})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ord-1", got[0].ID)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	winner := basePosition("ETH/USDT")
	winner.State = store.StateClosed
	winner.RealizedPnL = decimal.RequireFromString("42.5")
	now := time.Now()
	winner.ClosedAt = &now
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: winner}))

	loser := basePosition("BTC/USDT")
	loser.State = store.StateClosed
	loser.RealizedPnL = decimal.RequireFromString("-10")
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: loser}))

	open := basePosition("SOL/USDT")
	open.State = store.StateOpen
	open.UnrealizedPnL = decimal.RequireFromString("7.25")
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: open}))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalPositions)
	assert.Equal(t, int64(1), st.OpenPositions)
	assert.Equal(t, int64(2), st.ClosedPositions)
	assert.Equal(t, int64(1), st.Winning)
	assert.True(t, st.RealizedPnL.Equal(decimal.RequireFromString("32.5")))
	assert.True(t, st.UnrealizedPnL.Equal(decimal.RequireFromString("7.25")))
}

func TestListPositionsPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p := basePosition("ETH/USDT")
		p.State = store.StateClosed
		require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: p}))
	}
	other := basePosition("BTC/USDT")
	other.State = store.StateClosed
	require.NoError(t, s.CommitEvent(ctx, store.Commit{Position: other}))

	page, err := s.ListPositions(ctx, "ETH/USDT", 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := s.ListPositions(ctx, "ETH/USDT", 2, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	n, err := s.CountPositions(ctx, "ETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	total, err := s.CountPositions(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 4, total)
}

func TestEmptyDBPathRejected(t *testing.T) {
	_, err := NewGormStore("  ")
	assert.Error(t, err)
}
