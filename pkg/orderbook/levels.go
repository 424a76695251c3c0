package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/helix-lab/helix/bookfeed/pkg/transport"
)

// Top is the best bid and ask of a view, with the size resting at each.
type Top struct {
	BestBid decimal.NullDecimal
	BidSize decimal.Decimal
	BestAsk decimal.NullDecimal
	AskSize decimal.Decimal
}

// TopOfBook consolidates a view into its best levels. Entries sharing the
// best price are summed; market orders carry no price and are skipped.
func TopOfBook(v View) Top {
	var top Top
	top.BestBid, top.BidSize = best(v.Buys, func(a, b decimal.Decimal) bool { return a.GreaterThan(b) })
	top.BestAsk, top.AskSize = best(v.Sells, func(a, b decimal.Decimal) bool { return a.LessThan(b) })
	return top
}

func best(entries []ViewEntry, better func(a, b decimal.Decimal) bool) (decimal.NullDecimal, decimal.Decimal) {
	var price decimal.NullDecimal
	size := decimal.Zero
	for _, e := range entries {
		if !e.Price.Valid {
			continue
		}
		switch {
		case !price.Valid || better(e.Price.Decimal, price.Decimal):
			price = e.Price
			size = e.Remaining
		case e.Price.Decimal.Equal(price.Decimal):
			size = size.Add(e.Remaining)
		}
	}
	return price, size
}

// Spread is ask minus bid, when both sides are priced.
func (t Top) Spread() decimal.NullDecimal {
	if !t.BestBid.Valid || !t.BestAsk.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(t.BestAsk.Decimal.Sub(t.BestBid.Decimal))
}

// sortRecentFirst orders entries newest first; entries without a timestamp
// keep their relative order after the stamped ones.
func sortRecentFirst(entries []transport.OrderEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].CreatedAt, entries[j].CreatedAt
		if a.IsZero() || b.IsZero() {
			return !a.IsZero() && b.IsZero()
		}
		return a.After(b)
	})
}

func sumRemaining(entries []transport.OrderEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Remaining)
	}
	return total
}

func trim(entries []transport.OrderEntry, limit int) []transport.OrderEntry {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}

func prepend(entries []transport.OrderEntry, e transport.OrderEntry) []transport.OrderEntry {
	out := make([]transport.OrderEntry, 0, len(entries)+1)
	out = append(out, e)
	return append(out, entries...)
}

func removeID(entries []transport.OrderEntry, id string) []transport.OrderEntry {
	i := indexOf(entries, id)
	if i < 0 {
		return entries
	}
	out := make([]transport.OrderEntry, 0, len(entries)-1)
	out = append(out, entries[:i]...)
	return append(out, entries[i+1:]...)
}

func indexOf(entries []transport.OrderEntry, id string) int {
	for i := range entries {
		if entries[i].ID == id {
			return i
		}
	}
	return -1
}
