package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/crossex/cross/internal/ledger"
	"github.com/crossex/cross/internal/models"
)

// memStore records the fragment sets handed to it.
type memStore struct {
	mu     sync.Mutex
	stored []models.Fragment
	calls  int
	fail   bool
}

func (m *memStore) StoreTrades(ctx context.Context, fragments []models.Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return errors.New("store unavailable")
	}
	m.stored = append([]models.Fragment(nil), fragments...)
	return nil
}

// memNotifier records each notification batch.
type memNotifier struct {
	mu      sync.Mutex
	batches [][]models.Fragment
}

func (m *memNotifier) Notify(fragments []models.Fragment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]models.Fragment(nil), fragments...))
}

func newTestEngine(initial []models.Fragment) (*Engine, *ledger.Ledger, *memStore, *memNotifier) {
	store := &memStore{}
	notif := &memNotifier{}
	led := ledger.New(store, initial, zerolog.Nop())
	eng := New(led, notif, zerolog.Nop())
	return eng, led, store, notif
}

func submit(t *testing.T, e *Engine, userID int64, side models.Side, kind models.Kind, size, price int64) Outcome {
	t.Helper()
	out, err := e.Submit(context.Background(), Request{
		UserID: userID, Side: side, Kind: kind, Size: size, Price: price,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return out
}

func TestEngine_LimitParkThenPartialMatch(t *testing.T) {
	eng, led, _, _ := newTestEngine(nil)

	// Empty books: an ask limit cannot match and parks at its original size.
	out := submit(t, eng, 1, models.Ask, models.Limit, 10, 100)
	if out.Status != StatusParked {
		t.Fatalf("expected parked, got %s", out.Status)
	}
	askID := out.OrderID

	// A bid limit for 4 at the same price matches fully.
	out = submit(t, eng, 2, models.Bid, models.Limit, 4, 100)
	if out.Status != StatusFilled {
		t.Fatalf("expected filled, got %s", out.Status)
	}

	asks, bids := eng.Books()
	if len(bids) != 0 {
		t.Errorf("expected empty bid side, got %d orders", len(bids))
	}
	if len(asks) != 1 || asks[0].ID != askID || asks[0].Size != 6 {
		t.Errorf("expected resting ask %d reduced to 6, got %+v", askID, asks)
	}

	frags := led.Fragments()
	if len(frags) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(frags))
	}
	for _, f := range frags {
		if f.Size != 4 || f.Price != 100 {
			t.Errorf("expected fragment of 4@100, got %d@%d", f.Size, f.Price)
		}
	}
	if frags[0].OrderID != askID {
		t.Errorf("expected resting leg attributed to order %d, got %d", askID, frags[0].OrderID)
	}
	if frags[1].ID != out.OrderID {
		t.Errorf("expected outcome to carry last fragment id %d, got %d", frags[1].ID, out.OrderID)
	}
}

func TestEngine_LimitAllOrNothing(t *testing.T) {
	eng, led, _, _ := newTestEngine(nil)

	submit(t, eng, 1, models.Ask, models.Limit, 5, 100)
	asksBefore, _ := eng.Books()

	// A bid for 10 can only be half satisfied: it parks untouched, the ask
	// side is exactly as before, and nothing was recorded.
	out := submit(t, eng, 2, models.Bid, models.Limit, 10, 100)
	if out.Status != StatusParked {
		t.Fatalf("expected parked, got %s", out.Status)
	}

	asks, bids := eng.Books()
	if len(asks) != len(asksBefore) || asks[0] != asksBefore[0] {
		t.Errorf("ask side changed by a failed match: %+v", asks)
	}
	if len(bids) != 1 || bids[0].Size != 10 || bids[0].OriginalSize != 10 {
		t.Errorf("expected bid parked at original size 10, got %+v", bids)
	}
	if led.Len() != 0 {
		t.Errorf("expected no fragments, got %d", led.Len())
	}
}

func TestEngine_LimitCrossesOnlyAtPrice(t *testing.T) {
	eng, _, _, _ := newTestEngine(nil)

	submit(t, eng, 1, models.Ask, models.Limit, 5, 110)

	// A bid at 105 does not cross the 110 ask.
	out := submit(t, eng, 2, models.Bid, models.Limit, 5, 105)
	if out.Status != StatusParked {
		t.Fatalf("expected parked, got %s", out.Status)
	}

	// A bid at 110 crosses and pays the resting price.
	out = submit(t, eng, 3, models.Bid, models.Limit, 5, 115)
	if out.Status != StatusFilled {
		t.Fatalf("expected filled, got %s", out.Status)
	}
}

func TestEngine_MarketOrder(t *testing.T) {
	tests := []struct {
		name       string
		liquidity  []int64 // resting ask sizes at increasing prices
		demand     int64
		wantStatus Status
	}{
		{"FullFill", []int64{4, 6}, 10, StatusFilled},
		{"ExactSingleOrder", []int64{10}, 10, StatusFilled},
		{"InsufficientLiquidity", []int64{4}, 10, StatusRejected},
		{"EmptyBook", nil, 1, StatusRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, led, _, _ := newTestEngine(nil)
			for i, size := range tt.liquidity {
				submit(t, eng, 1, models.Ask, models.Limit, size, 100+int64(i))
			}
			asksBefore, _ := eng.Books()

			out := submit(t, eng, 2, models.Bid, models.Market, tt.demand, 0)
			if out.Status != tt.wantStatus {
				t.Fatalf("expected %s, got %s", tt.wantStatus, out.Status)
			}

			if tt.wantStatus == StatusRejected {
				asks, bids := eng.Books()
				if len(asks) != len(asksBefore) {
					t.Error("ask side changed by a rejected market order")
				}
				for i := range asks {
					if asks[i] != asksBefore[i] {
						t.Errorf("ask %d changed: %+v != %+v", i, asks[i], asksBefore[i])
					}
				}
				if len(bids) != 0 {
					t.Error("rejected market order must not rest")
				}
				if led.Len() != 0 {
					t.Errorf("expected no fragments, got %d", led.Len())
				}
			} else {
				asks, _ := eng.Books()
				if len(asks) != 0 {
					t.Errorf("expected ask side drained, got %+v", asks)
				}
			}
		})
	}
}

func TestEngine_FragmentConservation(t *testing.T) {
	eng, led, _, _ := newTestEngine(nil)

	submit(t, eng, 1, models.Ask, models.Limit, 4, 100)
	submit(t, eng, 1, models.Ask, models.Limit, 4, 101)
	submit(t, eng, 1, models.Ask, models.Limit, 9, 102)

	submit(t, eng, 2, models.Bid, models.Market, 10, 0)

	var incoming, resting int64
	for _, f := range led.Fragments() {
		switch f.Side {
		case models.Bid:
			incoming += f.Size
		case models.Ask:
			resting += f.Size
		}
	}
	if incoming != 10 {
		t.Errorf("incoming legs sum to %d, want 10", incoming)
	}
	if resting != 10 {
		t.Errorf("resting legs sum to %d, want 10", resting)
	}

	// The partially consumed 9-lot must still rest with the remainder.
	asks, _ := eng.Books()
	if len(asks) != 1 || asks[0].Size != 2 || asks[0].Price != 102 {
		t.Errorf("expected one resting ask of 2@102, got %+v", asks)
	}
}

func TestEngine_PriceImprovementToResting(t *testing.T) {
	eng, led, _, _ := newTestEngine(nil)

	submit(t, eng, 1, models.Ask, models.Limit, 5, 100)

	// Incoming bid limit at 120 pays the book price, not its own.
	out := submit(t, eng, 2, models.Bid, models.Limit, 5, 120)
	if out.Status != StatusFilled {
		t.Fatalf("expected filled, got %s", out.Status)
	}
	for _, f := range led.Fragments() {
		if f.Price != 100 {
			t.Errorf("expected execution at resting price 100, got %d", f.Price)
		}
	}
}

func TestEngine_Cancel(t *testing.T) {
	eng, _, _, _ := newTestEngine(nil)
	ctx := context.Background()

	out := submit(t, eng, 1, models.Bid, models.Limit, 5, 90)
	orderID := out.OrderID

	if err := eng.Cancel(ctx, orderID, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for wrong owner, got %v", err)
	}
	if err := eng.Cancel(ctx, 9999, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
	if err := eng.Cancel(ctx, orderID, 1); err != nil {
		t.Errorf("expected cancel to succeed, got %v", err)
	}
	// Cancelling again: the order is gone.
	if err := eng.Cancel(ctx, orderID, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after removal, got %v", err)
	}

	_, bids := eng.Books()
	if len(bids) != 0 {
		t.Errorf("expected empty bid side after cancel, got %+v", bids)
	}
}

func TestEngine_IDsSeededFromHistory(t *testing.T) {
	initial := []models.Fragment{{ID: 41, OrderID: 40, Price: 100, Size: 1}}
	eng, _, _, _ := newTestEngine(initial)

	out := submit(t, eng, 1, models.Ask, models.Limit, 5, 100)
	if out.OrderID != 42 {
		t.Errorf("expected first id after history to be 42, got %d", out.OrderID)
	}
}

func TestEngine_DurableRecordBeforeReturn(t *testing.T) {
	eng, _, store, notif := newTestEngine(nil)

	submit(t, eng, 1, models.Ask, models.Limit, 5, 100)
	submit(t, eng, 2, models.Bid, models.Limit, 5, 100)

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.calls != 1 {
		t.Errorf("expected exactly one store call per committed match, got %d", store.calls)
	}
	if len(store.stored) != 2 {
		t.Errorf("expected the full fragment set stored, got %d", len(store.stored))
	}

	notif.mu.Lock()
	defer notif.mu.Unlock()
	if len(notif.batches) != 1 || len(notif.batches[0]) != 2 {
		t.Errorf("expected one notification with 2 fragments, got %+v", notif.batches)
	}
}

func TestEngine_StoreFailureDoesNotRollBack(t *testing.T) {
	eng, led, store, _ := newTestEngine(nil)
	store.fail = true

	submit(t, eng, 1, models.Ask, models.Limit, 5, 100)
	out := submit(t, eng, 2, models.Bid, models.Limit, 5, 100)
	if out.Status != StatusFilled {
		t.Fatalf("expected filled despite store failure, got %s", out.Status)
	}
	if led.Len() != 2 {
		t.Errorf("in-memory ledger must keep the fragments, got %d", led.Len())
	}
}

func TestEngine_RejectsMalformedRequests(t *testing.T) {
	eng, _, _, _ := newTestEngine(nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{"UnknownSide", Request{Side: "buy", Kind: models.Limit, Size: 1, Price: 1}},
		{"UnknownKind", Request{Side: models.Ask, Kind: "iceberg", Size: 1, Price: 1}},
		{"ZeroSize", Request{Side: models.Ask, Kind: models.Limit, Size: 0, Price: 1}},
		{"NegativePrice", Request{Side: models.Ask, Kind: models.Limit, Size: 1, Price: -5}},
		{"ZeroPriceStop", Request{Side: models.Bid, Kind: models.Stop, Size: 1, Price: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eng.Submit(ctx, tt.req); err == nil {
				t.Error("expected error for malformed request")
			}
		})
	}
}
