package feed

import (
	"context"

	"sigflow/internal/engine"
	"sigflow/internal/logger"
	"sigflow/internal/signal"
)

// Dispatcher is the pipeline from a raw message to an applied engine event:
// parse, normalize, apply. Parse failures and unrecognized messages are
// logged and dropped; the ledger only ever sees actionable events.
type Dispatcher struct {
	parser   Parser
	eng      *engine.Engine
	defaults signal.Defaults
}

func NewDispatcher(parser Parser, eng *engine.Engine, defaults signal.Defaults) *Dispatcher {
	return &Dispatcher{parser: parser, eng: eng, defaults: defaults}
}

// Handle processes one raw message end to end. Errors are terminal for the
// message, not the process.
func (d *Dispatcher) Handle(ctx context.Context, msg RawMessage) {
	res, err := d.parser.Parse(ctx, msg)
	if err != nil {
		logger.Errorf("feed: parse %s failed: %v", msg.ID, err)
		return
	}

	norm := signal.Normalize(res, msg.ID, msg.ReceivedAt, d.defaults)
	switch {
	case norm.Intent != nil:
		out, err := d.eng.Apply(ctx, engine.NewIntent{Signal: *norm.Intent})
		if err == nil {
			logger.Infof("feed: intent %s (%s %s) %s", msg.ID, norm.Intent.Symbol, norm.Intent.Side, out)
		}
	case norm.FollowUp != nil:
		out, err := d.eng.Apply(ctx, engine.FollowUp{FollowUp: *norm.FollowUp})
		if err == nil {
			logger.Infof("feed: follow-up %s (%s) %s", msg.ID, norm.FollowUp.Kind, out)
		}
	case norm.Unrecognized != nil:
		logger.Debugf("feed: message %s not actionable: %s", msg.ID, norm.Unrecognized.Reason)
	}
}
