package models

import (
	"fmt"
	"time"
)

// Side is the side of the book an order belongs to.
type Side string

const (
	Ask Side = "ask" // sell
	Bid Side = "bid" // buy
)

// Opposite returns the side an incoming order matches against.
func (s Side) Opposite() Side {
	if s == Ask {
		return Bid
	}
	return Ask
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == Ask || s == Bid
}

// Kind is the order type.
type Kind string

const (
	Limit  Kind = "limit"
	Market Kind = "market"
	Stop   Kind = "stop"
)

// Valid reports whether k is a known order kind.
func (k Kind) Valid() bool {
	return k == Limit || k == Market || k == Stop
}

// Order represents a buy or sell order. Price and Size are integral ticks/units.
// Size is the remaining unfilled size; OriginalSize never changes after creation.
type Order struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id,omitempty"` // 0 for orders loaded from history
	Side         Side      `json:"side"`
	Kind         Kind      `json:"kind"`
	Price        int64     `json:"price"` // limit or stop price; 0 for market
	Size         int64     `json:"size"`
	OriginalSize int64     `json:"original_size"`
	CreatedAt    time.Time `json:"created_at"` // used for time priority
}

// Validate checks the fields the matching engine relies on. A failure here is a
// programming error in the caller: the session layer validates raw input first.
func (o Order) Validate() error {
	if !o.Side.Valid() {
		return fmt.Errorf("invalid side %q", o.Side)
	}
	if !o.Kind.Valid() {
		return fmt.Errorf("invalid kind %q", o.Kind)
	}
	if o.Size <= 0 {
		return fmt.Errorf("size must be positive, got %d", o.Size)
	}
	if o.Kind != Market && o.Price <= 0 {
		return fmt.Errorf("price must be positive for %s orders, got %d", o.Kind, o.Price)
	}
	return nil
}

// Fragment is one executed leg of a matched pair: the price and size actually
// exchanged, attributed to the owner of that leg. Fragments are immutable once
// appended to the ledger.
type Fragment struct {
	ID         int64     `json:"id"`
	OrderID    int64     `json:"order_id"` // the order this leg belongs to
	UserID     int64     `json:"user_id,omitempty"`
	Side       Side      `json:"side"`
	Kind       Kind      `json:"kind"`
	Price      int64     `json:"price"`
	Size       int64     `json:"size"`
	ExecutedAt time.Time `json:"executed_at"`
}

// User represents a registered user.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// DayStats aggregates executed prices over one calendar day. Empty marks a day
// with no executions; the API renders its fields as the "none" sentinel.
type DayStats struct {
	Day   int
	Open  int64
	Close int64
	Min   int64
	Max   int64
	Empty bool
}
