package orderbook

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helix-lab/helix/bookfeed/pkg/transport"
)

func entry(id string, side transport.Side, price, qty string) transport.OrderEntry {
	q := decimal.RequireFromString(qty)
	return transport.OrderEntry{
		ID:        id,
		Side:      side,
		Quantity:  q,
		Remaining: q,
		Price:     decimal.NewNullDecimal(decimal.RequireFromString(price)),
		Kind:      transport.KindLimit,
		Status:    transport.StatusPending,
	}
}

func ids(entries []ViewEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func sameIDs(got []ViewEntry, want ...string) bool {
	g := ids(got)
	if len(g) != len(want) {
		return false
	}
	for i := range g {
		if g[i] != want[i] {
			return false
		}
	}
	return true
}

func TestUpdateBeforeSnapshotIsDropped(t *testing.T) {
	r := NewReconciler()
	if r.State() != AwaitingSnapshot {
		t.Fatalf("expected AWAITING_SNAPSHOT, got %s", r.State())
	}
	if r.ApplyUpdate(entry("a", transport.SideBuy, "100", "1")) {
		t.Fatal("update accepted before snapshot")
	}
	v := r.View()
	if len(v.Buys) != 0 || len(v.Sells) != 0 || v.Version != 0 {
		t.Fatalf("view changed: %+v", v)
	}
}

func TestCompactSnapshotMakesReady(t *testing.T) {
	r := NewReconciler()
	r.ApplyBatch(transport.Batch{
		Buys:      []transport.OrderEntry{entry("bid@100", transport.SideBuy, "100", "5")},
		Sells:     []transport.OrderEntry{entry("ask@101", transport.SideSell, "101", "3")},
		TotalBids: decimal.NewNullDecimal(decimal.NewFromInt(5)),
		TotalAsks: decimal.NewNullDecimal(decimal.NewFromInt(3)),
		LastPrice: decimal.NewNullDecimal(decimal.RequireFromString("100.5")),
		Compact:   true,
	})

	v := r.View()
	if v.State != Ready || v.Version != 1 {
		t.Fatalf("expected READY v1, got %s v%d", v.State, v.Version)
	}
	if !sameIDs(v.Buys, "bid@100") || !sameIDs(v.Sells, "ask@101") {
		t.Fatalf("wrong view %v %v", ids(v.Buys), ids(v.Sells))
	}
	if !v.TotalBids.Equal(decimal.NewFromInt(5)) || !v.TotalAsks.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("wrong totals %s %s", v.TotalBids, v.TotalAsks)
	}
	if !v.LastPrice.Valid || v.LastPrice.Decimal.String() != "100.5" {
		t.Fatalf("wrong last price %+v", v.LastPrice)
	}
}

func TestTotalsDerivedWhenAbsent(t *testing.T) {
	r := NewReconciler(WithLimit(1))
	r.ApplyBatch(transport.Batch{
		Buys: []transport.OrderEntry{
			entry("a", transport.SideBuy, "100", "2"),
			entry("b", transport.SideBuy, "99", "3"),
		},
	})
	v := r.View()
	if len(v.Buys) != 1 {
		t.Fatalf("limit not applied: %v", ids(v.Buys))
	}
	if !v.TotalBids.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("totals should cover the untrimmed batch, got %s", v.TotalBids)
	}
	if !v.TotalAsks.IsZero() {
		t.Fatalf("expected zero ask total, got %s", v.TotalAsks)
	}
}

func TestLegacySnapshotOrderedRecentFirst(t *testing.T) {
	base := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	old := entry("old", transport.SideBuy, "100", "1")
	old.CreatedAt = base
	mid := entry("mid", transport.SideBuy, "100", "1")
	mid.CreatedAt = base.Add(time.Minute)
	fresh := entry("new", transport.SideBuy, "100", "1")
	fresh.CreatedAt = base.Add(2 * time.Minute)
	unstamped := entry("nots", transport.SideBuy, "100", "1")

	r := NewReconciler()
	r.ApplyBatch(transport.Batch{Buys: []transport.OrderEntry{old, unstamped, fresh, mid}})
	if v := r.View(); !sameIDs(v.Buys, "new", "mid", "old", "nots") {
		t.Fatalf("unexpected order %v", ids(v.Buys))
	}
}

func TestUpdateReplacesAndPrepends(t *testing.T) {
	r := NewReconciler()
	r.ApplyBatch(transport.Batch{
		Buys: []transport.OrderEntry{
			entry("a", transport.SideBuy, "100", "1"),
			entry("b", transport.SideBuy, "99", "1"),
		},
	})

	upd := entry("b", transport.SideBuy, "99", "4")
	upd.Remaining = decimal.NewFromInt(2)
	upd.Status = transport.StatusPartiallyFilled
	if !r.ApplyUpdate(upd) {
		t.Fatal("update dropped")
	}
	if !r.ApplyUpdate(entry("s", transport.SideSell, "105", "1")) {
		t.Fatal("update dropped")
	}

	v := r.View()
	if !sameIDs(v.Buys, "b", "a") || !sameIDs(v.Sells, "s") {
		t.Fatalf("unexpected view %v %v", ids(v.Buys), ids(v.Sells))
	}
	if !v.Buys[0].Remaining.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("update not applied: %+v", v.Buys[0])
	}
	if v.Version != 1 {
		t.Fatalf("updates must not bump the snapshot version, got %d", v.Version)
	}
}

func TestUpdateRespectsLimit(t *testing.T) {
	r := NewReconciler()
	batch := transport.Batch{}
	for i := 0; i < DefaultLimit; i++ {
		batch.Buys = append(batch.Buys, entry(fmt.Sprintf("old-%d", i), transport.SideBuy, "100", "1"))
	}
	r.ApplyBatch(batch)

	for i := 0; i < 5; i++ {
		r.ApplyUpdate(entry(fmt.Sprintf("new-%d", i), transport.SideBuy, "101", "1"))
	}

	v := r.View()
	if len(v.Buys) != DefaultLimit {
		t.Fatalf("expected %d buys, got %d", DefaultLimit, len(v.Buys))
	}
	if v.Buys[0].ID != "new-4" || v.Buys[4].ID != "new-0" {
		t.Fatalf("most recent updates should lead, got %v", ids(v.Buys[:6]))
	}
	if last := v.Buys[len(v.Buys)-1].ID; last != "old-44" {
		t.Fatalf("oldest entries should be evicted, last is %s", last)
	}
}

func TestTerminalUpdateRemovesAndNeverResurrects(t *testing.T) {
	r := NewReconciler()
	r.ApplyBatch(transport.Batch{Buys: []transport.OrderEntry{entry("X", transport.SideBuy, "100", "1")}})

	done := entry("X", transport.SideBuy, "100", "1")
	done.Status = transport.StatusFilled
	done.Remaining = decimal.Zero
	if !r.ApplyUpdate(done) {
		t.Fatal("terminal update dropped")
	}
	if _, ok := r.Entry("X"); ok {
		t.Fatal("filled order still in book")
	}

	if r.ApplyUpdate(entry("X", transport.SideBuy, "100", "1")) {
		t.Fatal("finished order came back")
	}
	if _, ok := r.Entry("X"); ok {
		t.Fatal("finished order resurrected")
	}

	r.ApplyBatch(transport.Batch{Buys: []transport.OrderEntry{entry("X", transport.SideBuy, "100", "1")}})
	if _, ok := r.Entry("X"); !ok {
		t.Fatal("snapshot is authoritative and should restore X")
	}
}

func TestOptimisticCancel(t *testing.T) {
	r := NewReconciler()
	r.ApplyBatch(transport.Batch{Buys: []transport.OrderEntry{
		entry("X", transport.SideBuy, "100", "1"),
		entry("Y", transport.SideBuy, "99", "1"),
	}})

	if !r.MarkPendingCancel("X") {
		t.Fatal("first mark should set the marker")
	}
	if r.MarkPendingCancel("X") {
		t.Fatal("second mark should find the marker already set")
	}
	if v := r.View(); !sameIDs(v.Buys, "Y") {
		t.Fatalf("X should be hidden, got %v", ids(v.Buys))
	}
	if _, ok := r.Entry("X"); !ok {
		t.Fatal("hidden entry should still be retrievable")
	}

	cancelled := entry("X", transport.SideBuy, "100", "1")
	cancelled.Status = transport.StatusCancelled
	r.ApplyUpdate(cancelled)
	if r.PendingCancel("X") {
		t.Fatal("confirmed cancel should clear the marker")
	}
	if r.ClearPendingCancel("X") {
		t.Fatal("marker already cleared")
	}
	if v := r.View(); !sameIDs(v.Buys, "Y") {
		t.Fatalf("cancelled order came back: %v", ids(v.Buys))
	}
}

func TestClearPendingCancelRestores(t *testing.T) {
	r := NewReconciler()
	r.ApplyBatch(transport.Batch{Buys: []transport.OrderEntry{entry("X", transport.SideBuy, "100", "1")}})
	r.MarkPendingCancel("X")
	if !r.ClearPendingCancel("X") {
		t.Fatal("expected a marker to clear")
	}
	if v := r.View(); !sameIDs(v.Buys, "X") {
		t.Fatalf("X should be visible again, got %v", ids(v.Buys))
	}
}

func TestPendingCancelSurvivesSnapshotOnlyWhilePresent(t *testing.T) {
	r := NewReconciler()
	x := entry("X", transport.SideBuy, "100", "1")
	r.ApplyBatch(transport.Batch{Buys: []transport.OrderEntry{x}})
	r.MarkPendingCancel("X")

	r.ApplyBatch(transport.Batch{Buys: []transport.OrderEntry{x}})
	if !r.PendingCancel("X") {
		t.Fatal("marker should survive while X is still listed")
	}
	if v := r.View(); len(v.Buys) != 0 {
		t.Fatalf("X should stay hidden, got %v", ids(v.Buys))
	}

	r.ApplyBatch(transport.Batch{})
	if r.PendingCancel("X") {
		t.Fatal("marker should be dropped once X is gone")
	}
}

func TestResetWaitsForNextSnapshot(t *testing.T) {
	r := NewReconciler()
	r.ApplyBatch(transport.Batch{Buys: []transport.OrderEntry{entry("a", transport.SideBuy, "100", "1")}})
	r.Reset()

	if r.State() != AwaitingSnapshot {
		t.Fatalf("expected AWAITING_SNAPSHOT, got %s", r.State())
	}
	if r.ApplyUpdate(entry("b", transport.SideBuy, "100", "1")) {
		t.Fatal("update accepted after reset")
	}
	if v := r.View(); !sameIDs(v.Buys, "a") {
		t.Fatalf("stale data should stay visible, got %v", ids(v.Buys))
	}

	r.ApplyBatch(transport.Batch{Sells: []transport.OrderEntry{entry("c", transport.SideSell, "101", "1")}})
	v := r.View()
	if v.State != Ready || v.Version != 2 || len(v.Buys) != 0 || !sameIDs(v.Sells, "c") {
		t.Fatalf("unexpected view after resync: %+v", v)
	}
}

func TestHighlightExpires(t *testing.T) {
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	r := NewReconciler(WithHighlight(time.Second), WithClock(func() time.Time { return now }))
	r.ApplyBatch(transport.Batch{Buys: []transport.OrderEntry{entry("a", transport.SideBuy, "100", "1")}})
	if v := r.View(); v.Buys[0].Highlighted {
		t.Fatal("snapshot entries should not be highlighted")
	}

	r.ApplyUpdate(entry("b", transport.SideBuy, "100", "1"))
	if v := r.View(); !v.Buys[0].Highlighted || v.Buys[1].Highlighted {
		t.Fatalf("only the updated entry should be highlighted: %+v", v.Buys)
	}

	now = now.Add(2 * time.Second)
	if v := r.View(); v.Buys[0].Highlighted {
		t.Fatal("highlight should expire")
	}
}

func TestCompactSnapshotKeepsPriceOrder(t *testing.T) {
	ev, err := transport.NewCodec("QNTX").Decode([]byte(`{"type":"batch",
		"bids":[[99,1],[101,2],[100,3]],
		"asks":[[104,1],[102,2],[103,3]]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r := NewReconciler()
	r.ApplyBatch(ev.(transport.Batch))

	v := r.View()
	for i := 1; i < len(v.Buys); i++ {
		if !v.Buys[i-1].Price.Decimal.GreaterThan(v.Buys[i].Price.Decimal) {
			t.Fatalf("bids not descending: %v", ids(v.Buys))
		}
	}
	for i := 1; i < len(v.Sells); i++ {
		if !v.Sells[i-1].Price.Decimal.LessThan(v.Sells[i].Price.Decimal) {
			t.Fatalf("asks not ascending: %v", ids(v.Sells))
		}
	}
	if !v.TotalBids.Equal(decimal.NewFromInt(6)) || !v.TotalAsks.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("derived totals wrong: %s %s", v.TotalBids, v.TotalAsks)
	}
}
