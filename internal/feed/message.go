// Package feed receives raw signal messages over a websocket, has them
// classified by the external parser, and dispatches the normalized result
// into the engine.
package feed

import "time"

// RawMessage is one feed message as received, before any interpretation.
// ID is the source's stable message id and carries through to the
// idempotence ledger.
type RawMessage struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}
