package transport

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDecodeCompactBatch(t *testing.T) {
	c := NewCodec("QNTX")
	ev, err := c.Decode([]byte(`{"type":"batch","bids":[[100,5]],"asks":[[101,3]],"total_bids":5,"total_asks":3,"price":100.5}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b, ok := ev.(Batch)
	if !ok {
		t.Fatalf("expected Batch, got %T", ev)
	}
	if !b.Compact || !b.HasTotals() {
		t.Fatalf("expected compact batch with totals, got %+v", b)
	}
	if len(b.Buys) != 1 || len(b.Sells) != 1 {
		t.Fatalf("wrong sides: %d buys %d sells", len(b.Buys), len(b.Sells))
	}
	if !b.Buys[0].Price.Decimal.Equal(dec("100")) || !b.Buys[0].Remaining.Equal(dec("5")) {
		t.Fatalf("wrong bid: %+v", b.Buys[0])
	}
	if b.Buys[0].Side != SideBuy || b.Sells[0].Side != SideSell {
		t.Fatalf("wrong sides: %s %s", b.Buys[0].Side, b.Sells[0].Side)
	}
	if !b.Sells[0].Price.Decimal.Equal(dec("101")) || !b.Sells[0].Quantity.Equal(dec("3")) {
		t.Fatalf("wrong ask: %+v", b.Sells[0])
	}
	if !b.TotalBids.Decimal.Equal(dec("5")) || !b.TotalAsks.Decimal.Equal(dec("3")) {
		t.Fatalf("wrong totals: %s %s", b.TotalBids.Decimal, b.TotalAsks.Decimal)
	}
	if !b.LastPrice.Valid || !b.LastPrice.Decimal.Equal(dec("100.5")) {
		t.Fatalf("wrong last price: %+v", b.LastPrice)
	}
}

func TestDecodeCompactBatchSortsAndMergesLevels(t *testing.T) {
	c := NewCodec("QNTX")
	ev, err := c.Decode([]byte(`{"type":"batch",
		"bids":[[99,1],[101,2],[100,3],[101,1],[98,0]],
		"asks":[["103.5","1"],[102,4],[102.25,2]]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b := ev.(Batch)
	if b.HasTotals() {
		t.Fatal("totals were not sent")
	}

	wantBids := []struct{ price, qty string }{{"101", "3"}, {"100", "3"}, {"99", "1"}}
	if len(b.Buys) != len(wantBids) {
		t.Fatalf("expected %d bids, got %d", len(wantBids), len(b.Buys))
	}
	for i, w := range wantBids {
		if !b.Buys[i].Price.Decimal.Equal(dec(w.price)) || !b.Buys[i].Quantity.Equal(dec(w.qty)) {
			t.Errorf("bid %d = %s/%s, want %s/%s", i, b.Buys[i].Price.Decimal, b.Buys[i].Quantity, w.price, w.qty)
		}
	}

	wantAsks := []string{"102", "102.25", "103.5"}
	for i, w := range wantAsks {
		if !b.Sells[i].Price.Decimal.Equal(dec(w)) {
			t.Errorf("ask %d = %s, want %s", i, b.Sells[i].Price.Decimal, w)
		}
	}
	if b.Buys[0].ID != "bid@101" || b.Sells[0].ID != "ask@102" {
		t.Errorf("unexpected level ids %q %q", b.Buys[0].ID, b.Sells[0].ID)
	}
}

func TestDecodeLegacyBatch(t *testing.T) {
	c := NewCodec("QNTX")
	ev, err := c.Decode([]byte(`{"type":"batch","timestamp":"2025-01-02T10:00:00Z","orders":[
		{"id":"a","price":100,"quantity":5,"total":500,"type":"buy","timestamp":"2025-01-02T09:59:00Z"},
		{"id":"b","price":101,"quantity":2,"total":202,"type":"sell","timestamp":"2025-01-02T09:58:00Z"},
		{"id":"c","price":99.5,"quantity":1,"total":99.5,"type":"BUY"}
	]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b := ev.(Batch)
	if b.Compact {
		t.Fatal("legacy batch marked compact")
	}
	if len(b.Buys) != 2 || len(b.Sells) != 1 {
		t.Fatalf("wrong split: %d buys %d sells", len(b.Buys), len(b.Sells))
	}
	if b.Buys[0].ID != "a" || b.Buys[1].ID != "c" || b.Sells[0].ID != "b" {
		t.Fatalf("wrong ids: %+v %+v", b.Buys, b.Sells)
	}
	if b.Buys[0].CreatedAt.IsZero() {
		t.Error("timestamp not parsed")
	}
	if b.Buys[0].Status != StatusPending || b.Buys[0].Kind != KindLimit {
		t.Errorf("defaults not applied: %+v", b.Buys[0])
	}
}

func TestDecodeUpdateAccountShape(t *testing.T) {
	c := NewCodec("QNTX")
	ev, err := c.Decode([]byte(`{"type":"update","order":{"id":"X","symbol":"QNTX","side":"BUY","type":"LIMIT",
		"quantity":10,"remaining_quantity":4,"price":"100.25","status":"PARTIALLY_FILLED","created_at":"2025-01-02T10:00:00.5Z"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	u, ok := ev.(Update)
	if !ok {
		t.Fatalf("expected Update, got %T", ev)
	}
	e := u.Entry
	if e.ID != "X" || e.Side != SideBuy || e.Kind != KindLimit || e.Status != StatusPartiallyFilled {
		t.Fatalf("unexpected entry %+v", e)
	}
	if !e.Remaining.Equal(dec("4")) || !e.Filled().Equal(dec("6")) {
		t.Fatalf("remaining %s filled %s", e.Remaining, e.Filled())
	}
	if !e.Price.Valid || !e.Price.Decimal.Equal(dec("100.25")) {
		t.Fatalf("price %+v", e.Price)
	}
}

func TestDecodeUpdateClampsRemainingAndKeepsMarketPriceNull(t *testing.T) {
	c := NewCodec("QNTX")
	ev, err := c.Decode([]byte(`{"type":"update","order":{"id":"M","side":"sell","kind":"market","quantity":2,"remaining_quantity":7,"price":null,"status":"canceled"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	e := ev.(Update).Entry
	if e.Price.Valid {
		t.Errorf("market order should have no price, got %s", e.Price.Decimal)
	}
	if !e.Remaining.Equal(dec("2")) {
		t.Errorf("remaining not clamped: %s", e.Remaining)
	}
	if e.Status != StatusCancelled || !e.Status.Terminal() {
		t.Errorf("status %s", e.Status)
	}
}

func TestDecodeErrorAndAck(t *testing.T) {
	c := NewCodec("QNTX")

	ev, err := c.Decode([]byte(`{"type":"error","error":"insufficient_funds","error_message":"not enough cash"}`))
	if err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if ef, ok := ev.(ErrorFrame); !ok || ef.Code != "insufficient_funds" || ef.Message != "not enough cash" {
		t.Fatalf("unexpected %#v", ev)
	}

	ev, err = c.Decode([]byte(`{"type":"order_success","message":"order placed"}`))
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack, ok := ev.(Ack); !ok || ack.Message != "order placed" || ack.Kind != FrameOrderSuccess {
		t.Fatalf("unexpected %#v", ev)
	}

	ev, err = c.Decode([]byte(`{"type":"order_cancel_success","message":"gone"}`))
	if err != nil {
		t.Fatalf("decode cancel ack: %v", err)
	}
	if ack, ok := ev.(Ack); !ok || ack.Kind != FrameCancelSuccess {
		t.Fatalf("unexpected %#v", ev)
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	c := NewCodec("QNTX")
	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"not json", `not json`, ErrMalformedFrame},
		{"missing type", `{"orders":[]}`, ErrMalformedFrame},
		{"unknown type", `{"type":"heartbeat"}`, ErrUnknownFrame},
		{"update without order", `{"type":"update"}`, ErrMalformedFrame},
		{"update without id", `{"type":"update","order":{"side":"buy","quantity":1}}`, ErrMalformedFrame},
		{"bad side", `{"type":"update","order":{"id":"x","side":"hold","quantity":1}}`, ErrMalformedFrame},
		{"bad status", `{"type":"update","order":{"id":"x","side":"buy","quantity":1,"status":"lost"}}`, ErrMalformedFrame},
		{"short level", `{"type":"batch","bids":[[100]],"asks":[]}`, ErrMalformedFrame},
		{"negative level", `{"type":"batch","bids":[[100,-1]],"asks":[]}`, ErrMalformedFrame},
		{"bad number", `{"type":"batch","bids":[["abc",1]],"asks":[]}`, ErrMalformedFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := c.Decode([]byte(tt.frame))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got event %#v err %v", tt.want, ev, err)
			}
		})
	}
}

func TestPlaceOrderRoundTrip(t *testing.T) {
	c := NewCodec("QNTX")
	tests := []PlaceOrder{
		{Side: SideBuy, Quantity: dec("5"), Price: decimal.NewNullDecimal(dec("100.5")), Kind: KindLimit, ClientID: "c-1"},
		{Side: SideSell, Quantity: dec("0.25"), Kind: KindMarket},
	}
	for _, in := range tests {
		frame, err := c.EncodePlace(in, "tok")
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		out, err := DecodeOutgoing(frame)
		if err != nil {
			t.Fatalf("decode %s: %v", frame, err)
		}
		if out.Type != FrameOrder || out.Token != "tok" || out.Ticker != "QNTX" || out.Place == nil {
			t.Fatalf("unexpected outgoing %+v from %s", out, frame)
		}
		got := *out.Place
		if got.Side != in.Side || got.Kind != in.Kind || !got.Quantity.Equal(in.Quantity) || got.ClientID != in.ClientID {
			t.Errorf("round trip changed order: in %+v out %+v", in, got)
		}
		if got.Price.Valid != in.Price.Valid || (in.Price.Valid && !got.Price.Decimal.Equal(in.Price.Decimal)) {
			t.Errorf("price changed: in %+v out %+v", in.Price, got.Price)
		}
	}
}

func TestEncodePlaceWireShape(t *testing.T) {
	c := NewCodec("QNTX")
	frame, err := c.EncodePlace(PlaceOrder{
		Side:     SideBuy,
		Quantity: dec("3"),
		Price:    decimal.NewNullDecimal(dec("99")),
		Kind:     KindMarket,
	}, "tok")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s := string(frame)
	for _, want := range []string{`"type":"order"`, `"quantity":3`, `"price":null`, `"kind":"market"`, `"ticker":"QNTX"`, `"token":"tok"`} {
		if !strings.Contains(s, want) {
			t.Errorf("frame %s missing %s", s, want)
		}
	}
}

func TestEncodeCancel(t *testing.T) {
	c := NewCodec("QNTX")
	frame, err := c.EncodeCancel(CancelOrder{OrderID: "X"}, "tok")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeOutgoing(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != FrameCancel || out.Cancel == nil || out.Cancel.OrderID != "X" || out.Token != "tok" {
		t.Fatalf("unexpected %+v from %s", out, frame)
	}
}

func TestParseStatusSpellings(t *testing.T) {
	tests := map[string]OrderStatus{
		"":                 StatusPending,
		"PENDING":          StatusPending,
		"partial":          StatusPartiallyFilled,
		"PARTIALLY_FILLED": StatusPartiallyFilled,
		"FILLED":           StatusFilled,
		"CANCELED":         StatusCancelled,
		"cancelled":        StatusCancelled,
		"rejected":         StatusRejected,
	}
	for in, want := range tests {
		got, ok := ParseStatus(in)
		if !ok || got != want {
			t.Errorf("ParseStatus(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := ParseStatus("expired-ish"); ok {
		t.Error("unknown status accepted")
	}
}
