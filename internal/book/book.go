// Package book implements one side of the order book: a mutex-guarded
// collection of resting limit orders kept in price-time priority order.
package book

import (
	"sort"
	"sync"

	"github.com/crossex/cross/internal/models"
)

// Side holds the resting orders of one book side. All exported methods are
// safe for concurrent use; the side's own mutex is held for the full duration
// of every scan-and-commit sequence, so a match can never interleave with a
// conflicting insert or cancel on the same side.
type Side struct {
	side models.Side

	mu     sync.Mutex
	orders []*models.Order // sorted best-first: asks by price asc, bids by price desc, ties by arrival
}

// Fill is one consumed slice of a resting order.
type Fill struct {
	OrderID int64
	UserID  int64
	Price   int64
	Size    int64
}

// New creates an empty book side.
func New(side models.Side) *Side {
	return &Side{side: side}
}

// Name returns which side this is.
func (s *Side) Name() models.Side { return s.side }

// less orders o1 before o2 in scan precedence: better price first, earlier
// arrival among equal prices.
func (s *Side) less(o1, o2 *models.Order) bool {
	if o1.Price == o2.Price {
		return o1.CreatedAt.Before(o2.CreatedAt)
	}
	if s.side == models.Ask {
		return o1.Price < o2.Price
	}
	return o1.Price > o2.Price
}

// Insert adds a resting order to the side.
func (s *Side) Insert(order *models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, order)
	sort.SliceStable(s.orders, func(i, j int) bool {
		return s.less(s.orders[i], s.orders[j])
	})
}

// Remove removes the order with the given id. Removing an order that is not
// resting is a no-op; the return value reports whether anything was removed.
func (s *Side) Remove(orderID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(orderID)
}

// RemoveOwned removes the order only if it is resting and belongs to userID.
// Used by cancellation so one user cannot pull another user's order.
func (s *Side) RemoveOwned(orderID, userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.ID == orderID {
			if o.UserID != userID {
				return false
			}
			return s.removeLocked(orderID)
		}
	}
	return false
}

func (s *Side) removeLocked(orderID int64) bool {
	for i, o := range s.orders {
		if o.ID == orderID {
			s.orders = append(s.orders[:i], s.orders[i+1:]...)
			return true
		}
	}
	return false
}

// Best returns the price at the head of the priority order: the lowest ask or
// the highest bid. ok is false when the side is empty.
func (s *Side) Best() (price int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.orders) == 0 {
		return 0, false
	}
	return s.orders[0].Price, true
}

// Len returns the number of resting orders.
func (s *Side) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// Orders returns a snapshot of the resting orders in priority order.
func (s *Side) Orders() []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]models.Order, len(s.orders))
	for i, o := range s.orders {
		snapshot[i] = *o
	}
	return snapshot
}

// Fill attempts to consume demand units from the side, walking resting orders
// in priority order and counting only those for which crosses(price) holds.
// The whole scan-and-commit runs under the side lock and is all-or-nothing.
// When the full demand is satisfiable, resting orders are reduced, fully
// consumed ones removed, and the consumed slices returned in scan order.
// Otherwise the side is left unchanged and ok is false.
func (s *Side) Fill(demand int64, crosses func(price int64) bool) (fills []Fill, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass: find out whether the demand is fully satisfiable.
	var candidates []*models.Order
	outstanding := demand
	for _, o := range s.orders {
		if outstanding == 0 {
			break
		}
		if !crosses(o.Price) {
			// Orders are price-sorted, so no later order can cross either.
			break
		}
		take := min(outstanding, o.Size)
		outstanding -= take
		candidates = append(candidates, o)
	}
	if outstanding > 0 {
		return nil, false
	}

	// Second pass: commit. Consume each candidate in scan order.
	outstanding = demand
	for _, o := range candidates {
		take := min(outstanding, o.Size)
		outstanding -= take
		o.Size -= take
		fills = append(fills, Fill{
			OrderID: o.ID,
			UserID:  o.UserID,
			Price:   o.Price,
			Size:    take,
		})
		if o.Size == 0 {
			s.removeLocked(o.ID)
		}
	}
	return fills, true
}

func min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
