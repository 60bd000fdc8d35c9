// Package engine implements the matching engine: order submission against the
// two book sides under price-time priority, all-or-nothing fills, cancellation,
// and the stop-order pool re-evaluated after every book mutation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/crossex/cross/internal/book"
	"github.com/crossex/cross/internal/ledger"
	"github.com/crossex/cross/internal/models"
)

// ErrNotFound is returned by Cancel when the order is not resting in either
// book side, belongs to a different user, or has already been filled.
var ErrNotFound = errors.New("order not found")

// Status is the terminal state of a submission.
type Status string

const (
	// StatusFilled: the order was fully satisfied; Outcome.OrderID is the id
	// of the last execution fragment generated by the match.
	StatusFilled Status = "filled"
	// StatusParked: a limit order with no full match now rests in its own side
	// at its original size; Outcome.OrderID is the resting order's id.
	StatusParked Status = "parked"
	// StatusQueued: a stop order whose trigger has not been met is held in the
	// stop pool; Outcome.OrderID is the stop order's id.
	StatusQueued Status = "queued"
	// StatusRejected: a market order, or a stop order at trigger time, could
	// not be fully satisfied; nothing was mutated.
	StatusRejected Status = "rejected"
)

// Outcome is the result of submitting an order.
type Outcome struct {
	Status  Status `json:"status"`
	OrderID int64  `json:"order_id,omitempty"`
}

// Notifier pushes executed fragments to the affected users. Delivery failures
// are the notifier's problem; the engine never sees them.
type Notifier interface {
	Notify(fragments []models.Fragment)
}

// Request is a normalized, session-validated order descriptor.
type Request struct {
	UserID int64
	Side   models.Side
	Kind   models.Kind
	Size   int64
	Price  int64 // limit price, or stop price for stop orders; ignored for market
}

// Engine matches incoming orders against resting liquidity and records the
// executed fragments in the trade ledger.
type Engine struct {
	asks   *book.Side
	bids   *book.Side
	ledger *ledger.Ledger
	notif  Notifier
	log    zerolog.Logger

	// nextID holds the last id handed out. Seeded from the maximum id found in
	// the loaded trade history so restarted processes never reuse an id.
	nextID atomic.Int64

	stopMu sync.Mutex
	stops  map[int64]*models.Order
}

// New creates an engine over empty book sides. The id counter resumes one past
// the highest fragment id already in the ledger.
func New(led *ledger.Ledger, notif Notifier, logger zerolog.Logger) *Engine {
	e := &Engine{
		asks:   book.New(models.Ask),
		bids:   book.New(models.Bid),
		ledger: led,
		notif:  notif,
		log:    logger,
		stops:  make(map[int64]*models.Order),
	}
	e.nextID.Store(led.MaxID())
	return e
}

func (e *Engine) allocID() int64 { return e.nextID.Add(1) }

func (e *Engine) side(s models.Side) *book.Side {
	if s == models.Ask {
		return e.asks
	}
	return e.bids
}

// Books returns snapshots of both sides in priority order.
func (e *Engine) Books() (asks, bids []models.Order) {
	return e.asks.Orders(), e.bids.Orders()
}

// Submit runs an incoming order through the fill algorithm. The returned
// Outcome is always meaningful on a nil error; a non-nil error means the
// request was malformed, which the session layer should have caught.
func (e *Engine) Submit(ctx context.Context, req Request) (Outcome, error) {
	probe := models.Order{Side: req.Side, Kind: req.Kind, Price: req.Price, Size: req.Size}
	if err := probe.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("invalid order: %w", err)
	}

	var out Outcome
	switch req.Kind {
	case models.Limit:
		out = e.submitLimit(ctx, req)
	case models.Market:
		out = e.submitMarket(ctx, req)
	case models.Stop:
		out = e.submitStop(ctx, req)
	}

	// Any committed fill or park can move the best prices, which may arm
	// previously dormant stop orders.
	e.reevaluateStops(ctx)
	return out, nil
}

func (e *Engine) submitLimit(ctx context.Context, req Request) Outcome {
	incoming := e.newOrder(req)
	crosses := func(restingPrice int64) bool {
		if req.Side == models.Ask {
			return restingPrice >= req.Price
		}
		return restingPrice <= req.Price
	}
	if out, ok := e.fill(ctx, incoming, crosses); ok {
		return out
	}

	// No full match: rest on our own side with the original, unreduced size.
	e.side(req.Side).Insert(incoming)
	e.log.Info().
		Int64("order_id", incoming.ID).
		Str("side", string(req.Side)).
		Int64("price", req.Price).
		Int64("size", req.Size).
		Msg("limit order parked")
	return Outcome{Status: StatusParked, OrderID: incoming.ID}
}

func (e *Engine) submitMarket(ctx context.Context, req Request) Outcome {
	incoming := e.newOrder(req)
	if out, ok := e.fill(ctx, incoming, func(int64) bool { return true }); ok {
		return out
	}
	e.log.Info().
		Str("side", string(req.Side)).
		Int64("size", req.Size).
		Msg("market order rejected: insufficient liquidity")
	return Outcome{Status: StatusRejected}
}

// newOrder materializes a request into an order with a fresh id and timestamp.
func (e *Engine) newOrder(req Request) *models.Order {
	return &models.Order{
		ID:           e.allocID(),
		UserID:       req.UserID,
		Side:         req.Side,
		Kind:         req.Kind,
		Price:        req.Price,
		Size:         req.Size,
		OriginalSize: req.Size,
		CreatedAt:    time.Now(),
	}
}

// fill attempts to fully satisfy incoming against the opposite side. On
// success it generates two fragments per consumed slice (one for the resting
// leg, one for the incoming leg, both at the resting price), appends them to
// the ledger, and fans out notifications. On failure nothing is mutated.
func (e *Engine) fill(ctx context.Context, incoming *models.Order, crosses func(price int64) bool) (Outcome, bool) {
	frags, ok := e.match(incoming, crosses)
	if !ok {
		return Outcome{}, false
	}
	return e.record(ctx, incoming, frags), true
}

// match runs the book commit: consume slices from the opposite side and build
// the fragments of the match. It mutates nothing on failure. The book side's
// lock is the only lock it takes, so callers may hold the stop pool lock.
func (e *Engine) match(incoming *models.Order, crosses func(price int64) bool) ([]models.Fragment, bool) {
	fills, ok := e.side(incoming.Side.Opposite()).Fill(incoming.Size, crosses)
	if !ok {
		return nil, false
	}

	now := time.Now()
	frags := make([]models.Fragment, 0, 2*len(fills))
	for _, f := range fills {
		frags = append(frags,
			models.Fragment{
				ID:         e.allocID(),
				OrderID:    f.OrderID,
				UserID:     f.UserID,
				Side:       incoming.Side.Opposite(),
				Kind:       models.Limit, // resting orders are always limit
				Price:      f.Price,
				Size:       f.Size,
				ExecutedAt: now,
			},
			models.Fragment{
				ID:         e.allocID(),
				OrderID:    incoming.ID,
				UserID:     incoming.UserID,
				Side:       incoming.Side,
				Kind:       incoming.Kind,
				Price:      f.Price,
				Size:       f.Size,
				ExecutedAt: now,
			},
		)
	}
	return frags, true
}

// record runs a committed match's side effects: ledger append (a store write)
// and notification fan-out. Both can block on the network, so record must
// never be called with a book or stop pool lock held.
func (e *Engine) record(ctx context.Context, incoming *models.Order, frags []models.Fragment) Outcome {
	if err := e.ledger.Append(ctx, frags); err != nil {
		// The in-memory match is already committed; the gap is logged, not
		// rolled back.
		e.log.Error().Err(err).Int64("order_id", incoming.ID).Msg("failed to persist trade fragments")
	}
	if e.notif != nil {
		e.notif.Notify(frags)
	}

	last := frags[len(frags)-1]
	e.log.Info().
		Int64("order_id", incoming.ID).
		Int64("trade_id", last.ID).
		Str("side", string(incoming.Side)).
		Str("kind", string(incoming.Kind)).
		Int64("size", incoming.Size).
		Int("slices", len(frags)/2).
		Msg("order filled")
	return Outcome{Status: StatusFilled, OrderID: last.ID}
}

// Cancel removes a resting order owned by userID from whichever side holds it.
// Stop orders waiting in the pool are not cancellable. Returns ErrNotFound for
// an unknown id, a different owner, or an order that has already been filled.
func (e *Engine) Cancel(ctx context.Context, orderID, userID int64) error {
	found := e.asks.RemoveOwned(orderID, userID)
	if !found {
		found = e.bids.RemoveOwned(orderID, userID)
	}
	if !found {
		return ErrNotFound
	}
	e.log.Info().Int64("order_id", orderID).Int64("user_id", userID).Msg("order cancelled")
	e.reevaluateStops(ctx)
	return nil
}
