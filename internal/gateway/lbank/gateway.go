package lbank

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"sigflow/internal/gateway/exchange"
	"sigflow/internal/instrument"
	"sigflow/internal/logger"
	"sigflow/internal/pkg/symbol"
	"sigflow/internal/signal"
)

// Gateway implements exchange.Gateway against the LBank contract API.
type Gateway struct {
	c     *client
	rules *instrument.Table
}

var _ exchange.Gateway = (*Gateway)(nil)

func New(cfg Config, rules *instrument.Table) *Gateway {
	if rules == nil {
		rules, _ = instrument.Load("")
	}
	return &Gateway{c: newClient(cfg), rules: rules}
}

func (g *Gateway) Name() string { return "lbank" }

// Ping hits the public server-time endpoint. Used at startup to verify the
// exchange is reachable before the feed starts producing orders.
func (g *Gateway) Ping(ctx context.Context) error {
	body, err := g.c.get(ctx, "/cfd/openApi/v1/pub/getTime", nil)
	if err != nil {
		return fmtErr("ping", err)
	}
	if ts := gjson.GetBytes(body, "data").Int(); ts > 0 {
		drift := time.Since(time.UnixMilli(ts))
		if drift.Abs() > 5*time.Second {
			logger.Warnf("lbank: server clock drift %s, signatures may be rejected", drift)
		}
	}
	return nil
}

// OpenPosition configures leverage and margin mode, places the limit entry
// order, then attaches the protective stop. Leverage and margin calls run
// before the order: failing them is safe, failing after the order placed is
// not.
func (g *Gateway) OpenPosition(ctx context.Context, req exchange.OpenRequest) (*exchange.Ack, error) {
	sym := symbol.ToExchange(req.Symbol)
	if sym == "" {
		return nil, &exchange.Failure{Kind: exchange.Rejected, Message: "unmappable symbol " + req.Symbol}
	}

	if req.Leverage > 0 {
		p := baseParams()
		p["symbol"] = sym
		p["leverage"] = fmt.Sprintf("%d", req.Leverage)
		if _, err := g.c.post(ctx, "/cfd/openApi/v1/prv/setLeverage", p, true); err != nil {
			return nil, fmtErr("set leverage", err)
		}
	}
	if req.MarginType != "" {
		p := baseParams()
		p["symbol"] = sym
		p["positionType"] = "2"
		if req.MarginType == "isolated" {
			p["positionType"] = "1"
		}
		if _, err := g.c.post(ctx, "/cfd/openApi/v1/prv/setMarginType", p, true); err != nil {
			return nil, fmtErr("set margin type", err)
		}
	}

	volume := g.rules.RoundQty(req.Symbol, req.Size)
	if volume.Sign() <= 0 {
		return nil, &exchange.Failure{Kind: exchange.Rejected, Message: "size below instrument minimum"}
	}
	p := baseParams()
	p["symbol"] = sym
	p["side"] = openSide(req.Side)
	p["volume"] = volume.String()
	p["type"] = "limit"
	p["price"] = g.rules.RoundPrice(req.Symbol, req.Price).String()
	body, err := g.c.post(ctx, "/cfd/openApi/v1/prv/order", p, false)
	if err != nil {
		return nil, fmtErr("place order", err)
	}
	ack := ackFromOrder(body)

	if req.StopLoss.Sign() > 0 {
		sp := baseParams()
		sp["symbol"] = sym
		sp["side"] = string(req.Side)
		sp["stopPrice"] = g.rules.RoundPrice(req.Symbol, req.StopLoss).String()
		sp["triggerType"] = "mark_price"
		sp["orderType"] = "stop_loss"
		if _, err := g.c.post(ctx, "/cfd/openApi/v1/prv/setStopOrder", sp, true); err != nil {
			// The entry order is live either way; the caller keeps the
			// position and the reconciler watches it. Surface loudly.
			logger.Errorf("lbank: stop loss attach failed for %s after order %s: %v", sym, ack.OrderID, err)
		}
	}
	return ack, nil
}

func (g *Gateway) PartialClose(ctx context.Context, req exchange.CloseRequest) (*exchange.Ack, error) {
	return g.closeOrder(ctx, req)
}

func (g *Gateway) FullClose(ctx context.Context, req exchange.CloseRequest) (*exchange.Ack, error) {
	return g.closeOrder(ctx, req)
}

// closeOrder places a market order on the closing side of the position for
// the requested size.
func (g *Gateway) closeOrder(ctx context.Context, req exchange.CloseRequest) (*exchange.Ack, error) {
	sym := symbol.ToExchange(req.Symbol)
	if sym == "" {
		return nil, &exchange.Failure{Kind: exchange.Rejected, Message: "unmappable symbol " + req.Symbol}
	}
	volume := g.rules.RoundQty(req.Symbol, req.Size)
	if volume.Sign() <= 0 {
		return nil, &exchange.Failure{Kind: exchange.Rejected, Message: "size below instrument minimum"}
	}
	p := baseParams()
	p["symbol"] = sym
	p["side"] = closeSide(req.Side)
	p["volume"] = volume.String()
	p["type"] = "market"
	body, err := g.c.post(ctx, "/cfd/openApi/v1/prv/order", p, false)
	if err != nil {
		return nil, fmtErr("close order", err)
	}
	return ackFromOrder(body), nil
}

func (g *Gateway) AmendStop(ctx context.Context, req exchange.AmendStopRequest) (*exchange.Ack, error) {
	sym := symbol.ToExchange(req.Symbol)
	if sym == "" {
		return nil, &exchange.Failure{Kind: exchange.Rejected, Message: "unmappable symbol " + req.Symbol}
	}
	p := baseParams()
	p["symbol"] = sym
	p["side"] = string(req.Side)
	p["stopPrice"] = g.rules.RoundPrice(req.Symbol, req.StopLoss).String()
	p["triggerType"] = "mark_price"
	p["orderType"] = "stop_loss"
	body, err := g.c.post(ctx, "/cfd/openApi/v1/prv/setStopOrder", p, true)
	if err != nil {
		return nil, fmtErr("set stop", err)
	}
	return ackFromOrder(body), nil
}

// FetchSnapshot reads the exchange's live view of one instrument. No
// position rows for the symbol means flat.
func (g *Gateway) FetchSnapshot(ctx context.Context, symIn string) (*exchange.PositionSnapshot, error) {
	sym := symbol.ToExchange(symIn)
	if sym == "" {
		return nil, &exchange.Failure{Kind: exchange.Rejected, Message: "unmappable symbol " + symIn}
	}
	p := baseParams()
	p["symbol"] = sym
	body, err := g.c.post(ctx, "/cfd/openApi/v1/prv/position", p, true)
	if err != nil {
		return nil, fmtErr("fetch position", err)
	}

	snap := &exchange.PositionSnapshot{Symbol: symIn, FetchedAt: time.Now()}
	rows := gjson.GetBytes(body, "data")
	rows.ForEach(func(_, row gjson.Result) bool {
		size := firstDecimal(row, "volume", "amount", "positionVolume")
		if size.Sign() == 0 {
			return true
		}
		snap.Open = true
		snap.Size = size
		snap.EntryPrice = firstDecimal(row, "avgOpenPrice", "openPrice", "avgPrice")
		snap.UnrealizedPnL = firstDecimal(row, "unrealizedPnl", "unrealisedPnl")
		snap.Side = sideFromPosition(row)
		return false
	})
	return snap, nil
}

func (g *Gateway) FetchOrder(ctx context.Context, symIn, orderID string) (*exchange.OrderState, error) {
	sym := symbol.ToExchange(symIn)
	if sym == "" {
		return nil, &exchange.Failure{Kind: exchange.Rejected, Message: "unmappable symbol " + symIn}
	}
	p := baseParams()
	p["symbol"] = sym
	p["orderId"] = orderID
	body, err := g.c.post(ctx, "/cfd/openApi/v1/prv/orderDetail", p, true)
	if err != nil {
		return nil, fmtErr("fetch order", err)
	}
	data := gjson.GetBytes(body, "data")
	st := &exchange.OrderState{
		OrderID:   orderID,
		Status:    orderStatus(data.Get("status").String()),
		FilledQty: firstDecimal(data, "dealVolume", "filledVolume"),
	}
	if avg := firstDecimal(data, "avgPrice", "dealPrice"); avg.Sign() > 0 {
		st.AvgPrice = decimal.NullDecimal{Decimal: avg, Valid: true}
	}
	return st, nil
}

// Equity returns the available USDT balance.
func (g *Gateway) Equity(ctx context.Context) (decimal.Decimal, error) {
	p := baseParams()
	p["asset"] = "USDT"
	body, err := g.c.post(ctx, "/cfd/openApi/v1/prv/account", p, true)
	if err != nil {
		return decimal.Zero, fmtErr("fetch account", err)
	}
	bal := gjson.GetBytes(body, "data.availableBalance").String()
	if bal == "" {
		return decimal.Zero, &exchange.Failure{Kind: exchange.Unknown, Message: "account response missing availableBalance"}
	}
	d, err := decimal.NewFromString(bal)
	if err != nil {
		return decimal.Zero, &exchange.Failure{Kind: exchange.Unknown, Message: "unparseable balance " + bal, Err: err}
	}
	return d, nil
}

func openSide(s signal.Side) string {
	if s == signal.SideShort {
		return "open_short"
	}
	return "open_long"
}

func closeSide(s signal.Side) string {
	if s == signal.SideShort {
		return "close_short"
	}
	return "close_long"
}

func sideFromPosition(row gjson.Result) signal.Side {
	side := row.Get("side").String()
	if side == "" {
		side = row.Get("positionSide").String()
	}
	switch side {
	case "short", "sell", "2":
		return signal.SideShort
	default:
		return signal.SideLong
	}
}

func orderStatus(raw string) exchange.OrderStatus {
	switch raw {
	case "filled", "completed":
		return exchange.OrderFilled
	case "cancelled", "canceled":
		return exchange.OrderCancelled
	case "", "pending", "new":
		return exchange.OrderPending
	default:
		return exchange.OrderSubmitted
	}
}

func ackFromOrder(body []byte) *exchange.Ack {
	data := gjson.GetBytes(body, "data")
	ack := &exchange.Ack{
		OrderID: data.Get("orderId").String(),
		Status:  exchange.OrderSubmitted,
	}
	if fill := firstDecimal(data, "dealVolume", "filledVolume"); fill.Sign() > 0 {
		ack.FillSize = decimal.NullDecimal{Decimal: fill, Valid: true}
		ack.Status = exchange.OrderFilled
	}
	if avg := firstDecimal(data, "avgPrice", "dealPrice"); avg.Sign() > 0 {
		ack.FillPrice = decimal.NullDecimal{Decimal: avg, Valid: true}
	}
	return ack
}

// firstDecimal returns the first present, parseable field from the
// candidates. The contract API spells some fields differently across
// endpoints.
func firstDecimal(v gjson.Result, keys ...string) decimal.Decimal {
	for _, k := range keys {
		f := v.Get(k)
		if !f.Exists() {
			continue
		}
		d, err := decimal.NewFromString(f.String())
		if err == nil {
			return d
		}
	}
	return decimal.Zero
}
