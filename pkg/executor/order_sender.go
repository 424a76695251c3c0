package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helix-lab/helix/bookfeed/pkg/auth"
	"github.com/helix-lab/helix/bookfeed/pkg/transport"
)

var (
	ErrInvalidSide     = errors.New("executor: side must be buy or sell")
	ErrInvalidKind     = errors.New("executor: kind must be limit or market")
	ErrInvalidQuantity = errors.New("executor: quantity must be greater than 0")
	ErrInvalidPrice    = errors.New("executor: limit price must be greater than 0")
	ErrInvalidOrderID  = errors.New("executor: order id required")
	ErrNotConnected    = errors.New("executor: not connected to trading server")
	ErrNoCredential    = errors.New("executor: no credential")
)

// Sender is the part of the stream transport the gateway writes to.
type Sender interface {
	IsOpen() bool
	Send(ctx context.Context, frame []byte) error
}

// PendingBook tracks optimistic cancels. MarkPendingCancel reports whether
// it set a new marker.
type PendingBook interface {
	MarkPendingCancel(id string) bool
	ClearPendingCancel(id string) bool
	PendingCancel(id string) bool
}

type Options struct {
	// CancelTimeout restores an optimistically hidden order when no
	// confirmation arrived in time. Zero waits forever.
	CancelTimeout time.Duration
	Logger        *slog.Logger
	NewID         func() string
}

// Gateway turns place/cancel intents into frames. It does not wait for the
// venue: acceptance and rejection come back on the stream.
type Gateway struct {
	sender Sender
	codec  *transport.Codec
	book   PendingBook
	creds  auth.Provider

	cancelTimeout time.Duration
	logger        *slog.Logger
	newID         func() string

	mu      sync.Mutex
	timers  map[string]*time.Timer
	cancels map[string]*cancelState
	closed  bool
}

// cancelState tracks the cancels of one order id: how many are still being
// sent and whether one already went out.
type cancelState struct {
	inflight int
	sent     bool
}

func NewGateway(sender Sender, codec *transport.Codec, book PendingBook, creds auth.Provider, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Gateway{
		sender:        sender,
		codec:         codec,
		book:          book,
		creds:         creds,
		cancelTimeout: opts.CancelTimeout,
		logger:        opts.Logger,
		newID:         opts.NewID,
		timers:        make(map[string]*time.Timer),
		cancels:       make(map[string]*cancelState),
	}
}

// Validate checks an order locally, without a round trip.
func Validate(order transport.PlaceOrder) error {
	if order.Side != transport.SideBuy && order.Side != transport.SideSell {
		return ErrInvalidSide
	}
	if order.Kind != transport.KindLimit && order.Kind != transport.KindMarket {
		return ErrInvalidKind
	}
	if !order.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if order.Kind != transport.KindMarket && (!order.Price.Valid || !order.Price.Decimal.IsPositive()) {
		return ErrInvalidPrice
	}
	return nil
}

// PlaceOrder validates, fetches a credential and hands the frame to the
// transport. It returns the client order id attached to the frame.
func (g *Gateway) PlaceOrder(ctx context.Context, order transport.PlaceOrder) (string, error) {
	if order.Kind == "" {
		order.Kind = transport.KindLimit
	}
	if err := Validate(order); err != nil {
		return "", err
	}
	if order.ClientID == "" {
		order.ClientID = g.newID()
	}

	token, err := g.credential(ctx)
	if err != nil {
		return "", err
	}
	frame, err := g.codec.EncodePlace(order, token)
	if err != nil {
		return "", fmt.Errorf("encode order: %w", err)
	}
	if err := g.send(ctx, frame); err != nil {
		return "", err
	}
	g.logger.Info("order sent", "ticker", g.codec.Ticker(), "side", order.Side, "kind", order.Kind,
		"quantity", order.Quantity.String(), "client_order_id", order.ClientID)
	return order.ClientID, nil
}

// CancelOrder hides the order right away and sends the cancel. A failed
// cancel makes the order visible again, unless another cancel for it is
// still being sent or already went out.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return ErrInvalidOrderID
	}
	if g.sender == nil || !g.sender.IsOpen() {
		return ErrNotConnected
	}

	g.beginCancel(orderID, g.book.MarkPendingCancel(orderID))

	token, err := g.credential(ctx)
	if err != nil {
		g.endCancel(orderID, false)
		return err
	}
	frame, err := g.codec.EncodeCancel(transport.CancelOrder{OrderID: orderID}, token)
	if err != nil {
		g.endCancel(orderID, false)
		return fmt.Errorf("encode cancel: %w", err)
	}
	if err := g.send(ctx, frame); err != nil {
		g.endCancel(orderID, false)
		return err
	}

	g.endCancel(orderID, true)
	g.armCancelTimeout(orderID)
	g.logger.Info("cancel sent", "ticker", g.codec.Ticker(), "order_id", orderID)
	return nil
}

// beginCancel registers a cancel attempt. A fresh marker means earlier
// cancels of the id were settled, so their record is dropped.
func (g *Gateway) beginCancel(orderID string, fresh bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, st := range g.cancels {
		if id != orderID && st.inflight == 0 && !g.book.PendingCancel(id) {
			delete(g.cancels, id)
		}
	}
	st, ok := g.cancels[orderID]
	if !ok {
		st = &cancelState{}
		g.cancels[orderID] = st
	} else if fresh {
		st.sent = false
	}
	st.inflight++
}

// endCancel settles a cancel attempt and restores the order when nothing
// else is cancelling it.
func (g *Gateway) endCancel(orderID string, sent bool) {
	g.mu.Lock()
	st := g.cancels[orderID]
	st.inflight--
	if sent {
		st.sent = true
	}
	restore := !sent && st.inflight == 0 && !st.sent
	if restore {
		delete(g.cancels, orderID)
	}
	g.mu.Unlock()

	if restore {
		g.book.ClearPendingCancel(orderID)
	}
}

func (g *Gateway) credential(ctx context.Context) (string, error) {
	if g.creds == nil {
		return "", ErrNoCredential
	}
	token, err := g.creds.Credential(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoCredential, err)
	}
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

func (g *Gateway) send(ctx context.Context, frame []byte) error {
	if g.sender == nil {
		return ErrNotConnected
	}
	if err := g.sender.Send(ctx, frame); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

func (g *Gateway) armCancelTimeout(orderID string) {
	if g.cancelTimeout <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if t, ok := g.timers[orderID]; ok {
		t.Stop()
	}
	g.timers[orderID] = time.AfterFunc(g.cancelTimeout, func() {
		g.mu.Lock()
		delete(g.timers, orderID)
		if st, ok := g.cancels[orderID]; ok && st.inflight == 0 {
			delete(g.cancels, orderID)
		}
		g.mu.Unlock()
		if g.book.ClearPendingCancel(orderID) {
			g.logger.Warn("cancel not confirmed, order restored", "ticker", g.codec.Ticker(), "order_id", orderID)
		}
	})
}

// Stop disarms pending cancel timeouts.
func (g *Gateway) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
}
