package model

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PositionModel struct {
	ID            int64               `gorm:"column:id;primaryKey"`
	Symbol        string              `gorm:"column:symbol;index"`
	Side          string              `gorm:"column:side"`
	State         string              `gorm:"column:state;index"`
	StateReason   string              `gorm:"column:state_reason"`
	EntryLow      decimal.Decimal     `gorm:"column:entry_low;type:numeric"`
	EntryHigh     decimal.Decimal     `gorm:"column:entry_high;type:numeric"`
	EntryPrice    decimal.NullDecimal `gorm:"column:entry_price;type:numeric"`
	Size          decimal.Decimal     `gorm:"column:size;type:numeric"`
	RemainingSize decimal.Decimal     `gorm:"column:remaining_size;type:numeric"`
	Leverage      int                 `gorm:"column:leverage"`
	MarginType    string              `gorm:"column:margin_type"`
	StopLoss      decimal.Decimal     `gorm:"column:stop_loss;type:numeric"`
	TakeProfits   datatypes.JSON      `gorm:"column:take_profits;type:TEXT"`
	RealizedPnL   decimal.Decimal     `gorm:"column:realized_pnl;type:numeric"`
	UnrealizedPnL decimal.Decimal     `gorm:"column:unrealized_pnl;type:numeric"`
	LastMessageID string              `gorm:"column:last_message_id"`
	Version       int64               `gorm:"column:version"`
	OpenedAtUnix  *int64              `gorm:"column:opened_at"`
	ClosedAtUnix  *int64              `gorm:"column:closed_at"`
	CreatedAtUnix int64               `gorm:"column:created_at"`
	UpdatedAtUnix int64               `gorm:"column:updated_at"`
}

func (PositionModel) TableName() string { return "positions" }

type OrderModel struct {
	ID              string              `gorm:"column:id;primaryKey"`
	PositionID      int64               `gorm:"column:position_id;index"`
	Symbol          string              `gorm:"column:symbol"`
	Kind            string              `gorm:"column:kind"`
	Side            string              `gorm:"column:side"`
	Size            decimal.Decimal     `gorm:"column:size;type:numeric"`
	Price           decimal.NullDecimal `gorm:"column:price;type:numeric"`
	ExchangeOrderID string              `gorm:"column:exchange_order_id;index"`
	Status          string              `gorm:"column:status;index"`
	Error           string              `gorm:"column:error"`
	SourceMessageID string              `gorm:"column:source_message_id"`
	CreatedAtUnix   int64               `gorm:"column:created_at"`
	UpdatedAtUnix   int64               `gorm:"column:updated_at"`
}

func (OrderModel) TableName() string { return "orders" }

type AppliedEventModel struct {
	ID            int64  `gorm:"column:id;primaryKey"`
	MessageID     string `gorm:"column:message_id;uniqueIndex"`
	Symbol        string `gorm:"column:symbol;index"`
	Kind          string `gorm:"column:kind"`
	Outcome       string `gorm:"column:outcome"`
	Note          string `gorm:"column:note"`
	CreatedAtUnix int64  `gorm:"column:created_at"`
}

func (AppliedEventModel) TableName() string { return "applied_events" }
