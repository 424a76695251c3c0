package transport

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownFrame   = errors.New("unknown frame type")
)

// Inbound frame types.
const (
	FrameBatch         = "batch"
	FrameUpdate        = "update"
	FrameError         = "error"
	FrameOrderSuccess  = "order_success"
	FrameCancelSuccess = "order_cancel_success"
)

// Outbound frame types.
const (
	FrameOrder  = "order"
	FrameCancel = "cancel"
)

type frameHeader struct {
	Type string `json:"type"`
}

// wireOrder accepts both the legacy book entry (side carried in "type")
// and the account order DTO (side in "side", kind in "type").
type wireOrder struct {
	ID        string              `json:"id"`
	Side      string              `json:"side"`
	Type      string              `json:"type"`
	Kind      string              `json:"kind"`
	OrderType string              `json:"order_type"`
	Quantity  decimal.Decimal     `json:"quantity"`
	Remaining decimal.NullDecimal `json:"remaining_quantity"`
	Price     decimal.NullDecimal `json:"price"`
	Status    string              `json:"status"`
	CreatedAt string              `json:"created_at"`
	Timestamp string              `json:"timestamp"`
}

type batchFrame struct {
	Orders    []wireOrder         `json:"orders"`
	Bids      [][]decimal.Decimal `json:"bids"`
	Asks      [][]decimal.Decimal `json:"asks"`
	TotalBids decimal.NullDecimal `json:"total_bids"`
	TotalAsks decimal.NullDecimal `json:"total_asks"`
	Price     decimal.NullDecimal `json:"price"`
}

type updateFrame struct {
	Order *wireOrder `json:"order"`
}

type errorFrame struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

type ackFrame struct {
	Message string `json:"message"`
}

type placeFrame struct {
	Type  string         `json:"type"`
	Order placeFrameBody `json:"order"`
	Token string         `json:"token"`
}

type placeFrameBody struct {
	Side          Side         `json:"side"`
	Quantity      json.Number  `json:"quantity"`
	Price         *json.Number `json:"price"`
	Kind          OrderKind    `json:"kind"`
	Ticker        string       `json:"ticker"`
	ClientOrderID string       `json:"client_order_id,omitempty"`
}

type cancelFrame struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
	Token   string `json:"token"`
}

// Codec translates between stream frames and typed events/actions for one
// ticker.
type Codec struct {
	ticker string
}

func NewCodec(ticker string) *Codec {
	return &Codec{ticker: ticker}
}

func (c *Codec) Ticker() string { return c.ticker }

// Decode turns one raw frame into exactly one Event. Errors wrap
// ErrMalformedFrame or ErrUnknownFrame.
func (c *Codec) Decode(frame []byte) (Event, error) {
	var hdr frameHeader
	if err := json.Unmarshal(frame, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch hdr.Type {
	case FrameBatch:
		var f batchFrame
		if err := json.Unmarshal(frame, &f); err != nil {
			return nil, fmt.Errorf("%w: batch: %v", ErrMalformedFrame, err)
		}
		return decodeBatch(f)
	case FrameUpdate:
		var f updateFrame
		if err := json.Unmarshal(frame, &f); err != nil {
			return nil, fmt.Errorf("%w: update: %v", ErrMalformedFrame, err)
		}
		if f.Order == nil {
			return nil, fmt.Errorf("%w: update without order", ErrMalformedFrame)
		}
		entry, err := f.Order.entry()
		if err != nil {
			return nil, err
		}
		if entry.ID == "" {
			return nil, fmt.Errorf("%w: update without order id", ErrMalformedFrame)
		}
		return Update{Entry: entry}, nil
	case FrameError:
		var f errorFrame
		if err := json.Unmarshal(frame, &f); err != nil {
			return nil, fmt.Errorf("%w: error: %v", ErrMalformedFrame, err)
		}
		return ErrorFrame{Code: f.Error, Message: f.ErrorMessage}, nil
	case FrameOrderSuccess, FrameCancelSuccess:
		var f ackFrame
		if err := json.Unmarshal(frame, &f); err != nil {
			return nil, fmt.Errorf("%w: ack: %v", ErrMalformedFrame, err)
		}
		return Ack{Kind: hdr.Type, Message: f.Message}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, hdr.Type)
	}
}

func decodeBatch(f batchFrame) (Batch, error) {
	b := Batch{
		TotalBids: f.TotalBids,
		TotalAsks: f.TotalAsks,
		LastPrice: f.Price,
	}

	if f.Orders != nil {
		for i := range f.Orders {
			entry, err := f.Orders[i].entry()
			if err != nil {
				return Batch{}, err
			}
			if entry.Side == SideBuy {
				b.Buys = append(b.Buys, entry)
			} else {
				b.Sells = append(b.Sells, entry)
			}
		}
		return b, nil
	}

	b.Compact = true
	bids, err := normalizeLevels(f.Bids, SideBuy)
	if err != nil {
		return Batch{}, err
	}
	asks, err := normalizeLevels(f.Asks, SideSell)
	if err != nil {
		return Batch{}, err
	}
	b.Buys = levelEntries(bids, SideBuy)
	b.Sells = levelEntries(asks, SideSell)
	return b, nil
}

// normalizeLevels merges duplicate prices, drops empty levels and sorts
// bids descending, asks ascending.
func normalizeLevels(rows [][]decimal.Decimal, side Side) ([]Level, error) {
	levels := make([]Level, 0, len(rows))
	index := make(map[string]int, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("%w: level needs [price, quantity]", ErrMalformedFrame)
		}
		price, qty := row[0], row[1]
		if price.IsNegative() || qty.IsNegative() {
			return nil, fmt.Errorf("%w: negative level %s/%s", ErrMalformedFrame, price, qty)
		}
		if qty.IsZero() {
			continue
		}
		key := price.String()
		if i, ok := index[key]; ok {
			levels[i].Quantity = levels[i].Quantity.Add(qty)
			continue
		}
		index[key] = len(levels)
		levels = append(levels, Level{Price: price, Quantity: qty})
	}

	sort.SliceStable(levels, func(i, j int) bool {
		if side == SideBuy {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels, nil
}

func levelEntries(levels []Level, side Side) []OrderEntry {
	prefix := "ask@"
	if side == SideBuy {
		prefix = "bid@"
	}
	out := make([]OrderEntry, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, OrderEntry{
			ID:        prefix + lvl.Price.String(),
			Side:      side,
			Quantity:  lvl.Quantity,
			Remaining: lvl.Quantity,
			Price:     decimal.NewNullDecimal(lvl.Price),
			Kind:      KindLimit,
			Status:    StatusPending,
		})
	}
	return out
}

func (w *wireOrder) entry() (OrderEntry, error) {
	sideText, kindText := w.Side, w.Kind
	if kindText == "" {
		kindText = w.OrderType
	}
	if sideText == "" {
		sideText = w.Type
	} else if kindText == "" {
		kindText = w.Type
	}

	side, ok := ParseSide(sideText)
	if !ok {
		return OrderEntry{}, fmt.Errorf("%w: order %q has side %q", ErrMalformedFrame, w.ID, sideText)
	}
	kind, ok := ParseKind(kindText)
	if !ok {
		return OrderEntry{}, fmt.Errorf("%w: order %q has kind %q", ErrMalformedFrame, w.ID, kindText)
	}
	status, ok := ParseStatus(w.Status)
	if !ok {
		return OrderEntry{}, fmt.Errorf("%w: order %q has status %q", ErrMalformedFrame, w.ID, w.Status)
	}
	if w.Quantity.IsNegative() {
		return OrderEntry{}, fmt.Errorf("%w: order %q has negative quantity", ErrMalformedFrame, w.ID)
	}

	remaining := w.Quantity
	if w.Remaining.Valid {
		remaining = decimal.Max(decimal.Zero, decimal.Min(w.Remaining.Decimal, w.Quantity))
	}

	created := w.CreatedAt
	if created == "" {
		created = w.Timestamp
	}

	return OrderEntry{
		ID:        w.ID,
		Side:      side,
		Quantity:  w.Quantity,
		Remaining: remaining,
		Price:     w.Price,
		Kind:      kind,
		Status:    status,
		CreatedAt: parseTime(created),
	}, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// EncodePlace renders a place-order action for this codec's ticker. Market
// orders always carry a null price.
func (c *Codec) EncodePlace(order PlaceOrder, token string) ([]byte, error) {
	body := placeFrameBody{
		Side:          order.Side,
		Quantity:      json.Number(order.Quantity.String()),
		Kind:          order.Kind,
		Ticker:        c.ticker,
		ClientOrderID: order.ClientID,
	}
	if order.Kind != KindMarket && order.Price.Valid {
		p := json.Number(order.Price.Decimal.String())
		body.Price = &p
	}
	return json.Marshal(placeFrame{Type: FrameOrder, Order: body, Token: token})
}

func (c *Codec) EncodeCancel(cancel CancelOrder, token string) ([]byte, error) {
	return json.Marshal(cancelFrame{Type: FrameCancel, OrderID: cancel.OrderID, Token: token})
}

// Outgoing is an action frame as the venue sees it.
type Outgoing struct {
	Type   string
	Ticker string
	Token  string
	Place  *PlaceOrder
	Cancel *CancelOrder
}

type outgoingFrame struct {
	Type    string `json:"type"`
	Token   string `json:"token"`
	OrderID string `json:"order_id"`
	Order   *struct {
		Side          string              `json:"side"`
		Quantity      decimal.Decimal     `json:"quantity"`
		Price         decimal.NullDecimal `json:"price"`
		Kind          string              `json:"kind"`
		Ticker        string              `json:"ticker"`
		ClientOrderID string              `json:"client_order_id"`
	} `json:"order"`
}

// DecodeOutgoing parses a frame produced by EncodePlace or EncodeCancel.
func DecodeOutgoing(frame []byte) (Outgoing, error) {
	var f outgoingFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return Outgoing{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	out := Outgoing{Type: f.Type, Token: f.Token}
	switch f.Type {
	case FrameOrder:
		if f.Order == nil {
			return Outgoing{}, fmt.Errorf("%w: order frame without order", ErrMalformedFrame)
		}
		side, ok := ParseSide(f.Order.Side)
		if !ok {
			return Outgoing{}, fmt.Errorf("%w: side %q", ErrMalformedFrame, f.Order.Side)
		}
		kind, ok := ParseKind(f.Order.Kind)
		if !ok {
			return Outgoing{}, fmt.Errorf("%w: kind %q", ErrMalformedFrame, f.Order.Kind)
		}
		out.Ticker = f.Order.Ticker
		out.Place = &PlaceOrder{
			Side:     side,
			Quantity: f.Order.Quantity,
			Price:    f.Order.Price,
			Kind:     kind,
			ClientID: f.Order.ClientOrderID,
		}
	case FrameCancel:
		if strings.TrimSpace(f.OrderID) == "" {
			return Outgoing{}, fmt.Errorf("%w: cancel without order_id", ErrMalformedFrame)
		}
		out.Cancel = &CancelOrder{OrderID: f.OrderID}
	default:
		return Outgoing{}, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
	return out, nil
}
