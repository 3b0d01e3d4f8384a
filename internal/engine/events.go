package engine

import (
	"sigflow/internal/gateway/exchange"
	"sigflow/internal/signal"
)

type EventKind string

const (
	EvtNewIntent  EventKind = "NEW_INTENT"
	EvtFollowUp   EventKind = "FOLLOW_UP"
	EvtDivergence EventKind = "DIVERGENCE"
)

// Event is anything the engine applies: a new trade intent from the feed, a
// follow-up instruction, or a divergence detected by the reconciler. All
// three carry a source message id for the idempotence ledger. The method is
// EventKind, not Kind, so it never shadows the promoted Kind field of an
// embedded signal.FollowUp.
type Event interface {
	EventKind() EventKind
	MessageID() string
	Instrument() string
}

type NewIntent struct {
	Signal signal.Signal
}

func (e NewIntent) EventKind() EventKind { return EvtNewIntent }
func (e NewIntent) MessageID() string    { return e.Signal.SourceMessageID }
func (e NewIntent) Instrument() string   { return e.Signal.Symbol }

type FollowUp struct {
	signal.FollowUp
}

func (e FollowUp) EventKind() EventKind { return EvtFollowUp }
func (e FollowUp) MessageID() string    { return e.SourceMessageID }
func (e FollowUp) Instrument() string   { return e.Symbol }

// Divergence reports that the exchange's view of an instrument disagrees
// with the local record beyond tolerance. PnLOnly marks a pure unrealized
// PnL refresh that never questions size or state.
type Divergence struct {
	ID      string
	Symbol  string
	Remote  exchange.PositionSnapshot
	PnLOnly bool
	Note    string
}

func (e Divergence) EventKind() EventKind { return EvtDivergence }
func (e Divergence) MessageID() string    { return e.ID }
func (e Divergence) Instrument() string   { return e.Symbol }

// Outcome is the engine's verdict on one event application.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeIgnored   Outcome = "ignored"
)
