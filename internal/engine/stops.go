package engine

import (
	"context"

	"github.com/crossex/cross/internal/models"
)

// submitStop either fills the stop immediately as a market-style order when
// its trigger already holds, or queues it in the stop pool.
func (e *Engine) submitStop(ctx context.Context, req Request) Outcome {
	if e.triggered(req.Side, req.Price) {
		incoming := e.newOrder(req)
		if out, ok := e.fill(ctx, incoming, func(int64) bool { return true }); ok {
			return out
		}
		e.log.Info().
			Str("side", string(req.Side)).
			Int64("stop_price", req.Price).
			Int64("size", req.Size).
			Msg("triggered stop order rejected: insufficient liquidity")
		return Outcome{Status: StatusRejected}
	}

	order := e.newOrder(req)
	e.stopMu.Lock()
	e.stops[order.ID] = order
	e.stopMu.Unlock()
	e.log.Info().
		Int64("order_id", order.ID).
		Str("side", string(req.Side)).
		Int64("stop_price", req.Price).
		Int64("size", req.Size).
		Msg("stop order queued")
	return Outcome{Status: StatusQueued, OrderID: order.ID}
}

// triggered reports whether a stop order's trigger condition holds: an ask
// stop fires once the best bid reaches its stop price, a bid stop once the
// best ask falls to it.
func (e *Engine) triggered(side models.Side, stopPrice int64) bool {
	best, ok := e.side(side.Opposite()).Best()
	if !ok {
		return false
	}
	if side == models.Ask {
		return best >= stopPrice
	}
	return best <= stopPrice
}

// reevaluateStops walks the stop pool and fills every triggered stop whose
// opposite side can fully satisfy it. Each fill is itself a book mutation that
// may arm further stops, so passes repeat until one completes without a fill.
// A triggered stop that cannot be fully filled stays pending untouched.
func (e *Engine) reevaluateStops(ctx context.Context) {
	for e.stopPass(ctx) {
	}
}

// stopPass runs one pass over the pool under the pool lock; individual match
// attempts acquire the opposite book side's lock nested inside it. Lock order
// is always pool then book side, matching direct submissions which take book
// locks only. Ledger and notification side effects happen after the pool lock
// is released, so a slow store or a stalled client cannot hold up the pool.
func (e *Engine) stopPass(ctx context.Context) bool {
	type stopFill struct {
		stop  *models.Order
		frags []models.Fragment
	}

	e.stopMu.Lock()
	var filled []stopFill
	for id, stop := range e.stops {
		if !e.triggered(stop.Side, stop.Price) {
			continue
		}
		// Trigger holds: attempt the stop as a market-style fill of the same
		// side and size.
		if frags, ok := e.match(stop, func(int64) bool { return true }); ok {
			delete(e.stops, id)
			filled = append(filled, stopFill{stop: stop, frags: frags})
		}
	}
	e.stopMu.Unlock()

	for _, f := range filled {
		e.record(ctx, f.stop, f.frags)
	}
	return len(filled) > 0
}

// PendingStops returns a snapshot of the stop orders awaiting their trigger.
func (e *Engine) PendingStops() []models.Order {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	pending := make([]models.Order, 0, len(e.stops))
	for _, o := range e.stops {
		pending = append(pending, *o)
	}
	return pending
}
