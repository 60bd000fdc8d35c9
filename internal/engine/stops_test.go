package engine

import (
	"context"
	"testing"
	"time"

	"github.com/crossex/cross/internal/models"
)

func TestStop_QueuedUntilTriggered(t *testing.T) {
	eng, led, _, _ := newTestEngine(nil)

	// Best bid is 80, below the ask stop's trigger of 90: the stop queues.
	submit(t, eng, 1, models.Bid, models.Limit, 10, 80)
	out := submit(t, eng, 2, models.Ask, models.Stop, 5, 90)
	if out.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", out.Status)
	}
	if pending := eng.PendingStops(); len(pending) != 1 {
		t.Fatalf("expected 1 pending stop, got %d", len(pending))
	}

	// A bid limit pushes the best bid to 95 with enough liquidity: the next
	// re-evaluation fires and fully fills the stop.
	submit(t, eng, 3, models.Bid, models.Limit, 5, 95)

	if pending := eng.PendingStops(); len(pending) != 0 {
		t.Errorf("expected stop removed from pool after fill, got %+v", pending)
	}
	// One slice from the 95 bid: 2 fragments at the resting price.
	frags := led.Fragments()
	if len(frags) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(frags))
	}
	for _, f := range frags {
		if f.Price != 95 || f.Size != 5 {
			t.Errorf("expected fragment of 5@95, got %d@%d", f.Size, f.Price)
		}
	}
	for _, f := range frags {
		if f.Side == models.Ask && f.Kind != models.Stop {
			t.Errorf("expected stop leg to keep its kind, got %s", f.Kind)
		}
	}
}

func TestStop_TriggeredAtSubmission(t *testing.T) {
	eng, _, _, _ := newTestEngine(nil)

	// Best bid 95 >= stop 90: the stop fills immediately, market-style.
	submit(t, eng, 1, models.Bid, models.Limit, 10, 95)
	out := submit(t, eng, 2, models.Ask, models.Stop, 5, 90)
	if out.Status != StatusFilled {
		t.Fatalf("expected filled, got %s", out.Status)
	}
	if pending := eng.PendingStops(); len(pending) != 0 {
		t.Errorf("expected no pending stops, got %+v", pending)
	}

	_, bids := eng.Books()
	if len(bids) != 1 || bids[0].Size != 5 {
		t.Errorf("expected resting bid reduced to 5, got %+v", bids)
	}
}

func TestStop_TriggeredButUnfillableRejectsAtSubmission(t *testing.T) {
	eng, led, _, _ := newTestEngine(nil)

	// Trigger holds but the bid side only has 3 of the 5 demanded.
	submit(t, eng, 1, models.Bid, models.Limit, 3, 95)
	out := submit(t, eng, 2, models.Ask, models.Stop, 5, 90)
	if out.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", out.Status)
	}
	if led.Len() != 0 {
		t.Errorf("expected no fragments, got %d", led.Len())
	}

	_, bids := eng.Books()
	if len(bids) != 1 || bids[0].Size != 3 {
		t.Errorf("expected bid side unchanged, got %+v", bids)
	}
}

func TestStop_TriggeredButUnfillableStaysPending(t *testing.T) {
	eng, _, _, _ := newTestEngine(nil)

	// Queue a bid stop at 110 while the best ask is above it.
	submit(t, eng, 1, models.Ask, models.Limit, 2, 120)
	out := submit(t, eng, 2, models.Bid, models.Stop, 5, 110)
	if out.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", out.Status)
	}

	// An ask at 105 arms the trigger, but total ask liquidity is 4 < 5, so
	// the stop stays pending.
	submit(t, eng, 3, models.Ask, models.Limit, 2, 105)

	if pending := eng.PendingStops(); len(pending) != 1 {
		t.Fatalf("expected stop still pending, got %d", len(pending))
	}

	// More liquidity arrives; the re-evaluation now fully fills the stop.
	submit(t, eng, 4, models.Ask, models.Limit, 3, 106)

	if pending := eng.PendingStops(); len(pending) != 0 {
		t.Errorf("expected stop filled and removed, got %+v", pending)
	}
}

func TestStop_CascadingTriggers(t *testing.T) {
	eng, _, _, _ := newTestEngine(nil)

	// Two ask stops with increasing trigger prices.
	out1 := submit(t, eng, 1, models.Ask, models.Stop, 2, 90)
	out2 := submit(t, eng, 2, models.Ask, models.Stop, 2, 90)
	if out1.Status != StatusQueued || out2.Status != StatusQueued {
		t.Fatalf("expected both stops queued, got %s, %s", out1.Status, out2.Status)
	}

	// One bid parks with enough size for both stops; the re-evaluation pass
	// fills the first stop, and the repeated pass picks up the second while
	// the trigger still holds.
	submit(t, eng, 3, models.Bid, models.Limit, 4, 95)

	if pending := eng.PendingStops(); len(pending) != 0 {
		t.Errorf("expected both stops filled, got %+v", pending)
	}
	_, bids := eng.Books()
	if len(bids) != 0 {
		t.Errorf("expected bid fully consumed, got %+v", bids)
	}
}

// poolReadingNotifier reads the stop pool from inside Notify. If the engine
// still held the pool lock during notification fan-out, the read would never
// complete.
type poolReadingNotifier struct {
	e       *Engine
	results chan int
}

func (n *poolReadingNotifier) Notify(fragments []models.Fragment) {
	done := make(chan int, 1)
	go func() { done <- len(n.e.PendingStops()) }()
	select {
	case v := <-done:
		n.results <- v
	case <-time.After(500 * time.Millisecond):
		n.results <- -1
	}
}

func TestStop_FillNotifiesOutsidePoolLock(t *testing.T) {
	eng, _, _, _ := newTestEngine(nil)
	notif := &poolReadingNotifier{e: eng, results: make(chan int, 4)}
	eng.notif = notif

	submit(t, eng, 1, models.Bid, models.Limit, 10, 80)
	out := submit(t, eng, 2, models.Ask, models.Stop, 5, 90)
	if out.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", out.Status)
	}

	// Parking the 95 bid arms and fills the stop; its notification is the only
	// one this sequence produces.
	submit(t, eng, 3, models.Bid, models.Limit, 5, 95)

	select {
	case pending := <-notif.results:
		if pending < 0 {
			t.Fatal("stop pool lock held during notification fan-out")
		}
		if pending != 0 {
			t.Errorf("expected empty pool at notification time, got %d pending", pending)
		}
	default:
		t.Fatal("expected a notification from the triggered stop fill")
	}
}

func TestStop_NotCancellable(t *testing.T) {
	eng, _, _, _ := newTestEngine(nil)

	out := submit(t, eng, 1, models.Bid, models.Stop, 5, 50)
	if out.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", out.Status)
	}

	// Cancel only reaches resting book orders; the stop pool is untouched.
	if err := eng.Cancel(context.Background(), out.OrderID, 1); err == nil {
		t.Error("expected cancel of a pending stop to fail")
	}
	if pending := eng.PendingStops(); len(pending) != 1 {
		t.Errorf("expected stop still pending, got %d", len(pending))
	}
}
