package venuesim

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/helix-lab/helix/bookfeed/pkg/transport"
)

type snapshotFrame struct {
	Type      string          `json:"type"`
	Bids      [][]json.Number `json:"bids"`
	Asks      [][]json.Number `json:"asks"`
	TotalBids json.Number     `json:"total_bids"`
	TotalAsks json.Number     `json:"total_asks"`
	Price     *json.Number    `json:"price"`
}

type orderBody struct {
	ID        string       `json:"id"`
	Side      string       `json:"side"`
	Kind      string       `json:"kind"`
	Quantity  json.Number  `json:"quantity"`
	Remaining json.Number  `json:"remaining_quantity"`
	Price     *json.Number `json:"price"`
	Status    string       `json:"status"`
	CreatedAt string       `json:"created_at"`
}

func num(d decimal.Decimal) json.Number { return json.Number(d.String()) }

// snapshotLocked aggregates seeded levels and resting limit orders of a
// ticker into a compact batch frame. Callers hold s.mu.
func (s *Server) snapshotLocked(ticker string) []byte {
	b := s.bookFor(ticker)
	bids := make(map[string]transport.Level, len(b.bids))
	asks := make(map[string]transport.Level, len(b.asks))
	for k, v := range b.bids {
		bids[k] = v
	}
	for k, v := range b.asks {
		asks[k] = v
	}
	for _, o := range b.orders {
		if o.status.Terminal() || !o.price.Valid {
			continue
		}
		levels := asks
		if o.side == transport.SideBuy {
			levels = bids
		}
		key := o.price.Decimal.String()
		lvl, ok := levels[key]
		if !ok {
			lvl = transport.Level{Price: o.price.Decimal, Quantity: decimal.Zero}
		}
		lvl.Quantity = lvl.Quantity.Add(o.remaining)
		levels[key] = lvl
	}

	f := snapshotFrame{Type: transport.FrameBatch, Bids: [][]json.Number{}, Asks: [][]json.Number{}}
	totalBids, totalAsks := decimal.Zero, decimal.Zero
	for _, lvl := range bids {
		f.Bids = append(f.Bids, []json.Number{num(lvl.Price), num(lvl.Quantity)})
		totalBids = totalBids.Add(lvl.Quantity)
	}
	for _, lvl := range asks {
		f.Asks = append(f.Asks, []json.Number{num(lvl.Price), num(lvl.Quantity)})
		totalAsks = totalAsks.Add(lvl.Quantity)
	}
	f.TotalBids, f.TotalAsks = num(totalBids), num(totalAsks)
	if b.lastPrice.Valid {
		p := num(b.lastPrice.Decimal)
		f.Price = &p
	}
	data, _ := json.Marshal(f)
	return data
}

func updateFrame(o *order) []byte {
	body := orderBody{
		ID:        o.id,
		Side:      string(o.side),
		Kind:      string(o.kind),
		Quantity:  num(o.quantity),
		Remaining: num(o.remaining),
		Status:    string(o.status),
		CreatedAt: o.created.Format(time.RFC3339Nano),
	}
	if o.price.Valid {
		p := num(o.price.Decimal)
		body.Price = &p
	}
	data, _ := json.Marshal(struct {
		Type  string    `json:"type"`
		Order orderBody `json:"order"`
	}{Type: transport.FrameUpdate, Order: body})
	return data
}

func errorFrame(code, msg string) []byte {
	data, _ := json.Marshal(map[string]string{
		"type":          transport.FrameError,
		"error":         code,
		"error_message": msg,
	})
	return data
}

func ackFrame(kind, msg string) []byte {
	data, _ := json.Marshal(map[string]string{"type": kind, "message": msg})
	return data
}
