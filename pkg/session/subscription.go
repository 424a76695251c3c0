package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/helix-lab/helix/bookfeed/pkg/executor"
	"github.com/helix-lab/helix/bookfeed/pkg/latency"
	"github.com/helix-lab/helix/bookfeed/pkg/orderbook"
	"github.com/helix-lab/helix/bookfeed/pkg/transport"
	"github.com/helix-lab/helix/bookfeed/pkg/ws"
)

type State int

const (
	Connecting State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Subscription is one ticker stream: transport, reconciler and gateway.
// Once DISCONNECTED it stays that way; remounting creates a new one.
type Subscription struct {
	id       string
	surface  string
	ticker   string
	gen      uint64
	endpoint string

	transport *ws.Transport
	router    *ws.Router
	book      *orderbook.Reconciler
	gateway   *executor.Gateway
	acks      executor.AckHandler
	fills     executor.FillHandler
	logger    *slog.Logger

	// live reports whether gen is still the surface's current generation.
	live func(gen uint64) bool
	torn atomic.Bool

	mu    sync.Mutex
	state State
	done  chan struct{}
}

func (s *Subscription) ID() string         { return s.id }
func (s *Subscription) Surface() string    { return s.surface }
func (s *Subscription) Ticker() string     { return s.ticker }
func (s *Subscription) Generation() uint64 { return s.gen }
func (s *Subscription) Endpoint() string   { return s.endpoint }

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the subscription becomes DISCONNECTED.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) View() orderbook.View { return s.book.View() }

// Version is the number of snapshots applied so far.
func (s *Subscription) Version() uint64 { return s.book.Version() }

// DroppedFrames counts frames that failed to decode.
func (s *Subscription) DroppedFrames() uint64 { return s.router.Dropped() }

func (s *Subscription) PlaceOrder(ctx context.Context, order transport.PlaceOrder) (string, error) {
	return s.gateway.PlaceOrder(ctx, order)
}

func (s *Subscription) CancelOrder(ctx context.Context, orderID string) error {
	return s.gateway.CancelOrder(ctx, orderID)
}

func (s *Subscription) open(ctx context.Context) {
	s.transport.Open(ctx, s.endpoint)
}

// teardown closes the transport; callbacks already in flight are ignored.
func (s *Subscription) teardown() {
	if !s.torn.CompareAndSwap(false, true) {
		return
	}
	s.transport.Close()
	s.gateway.Stop()
	s.markDisconnected("unmounted")
}

func (s *Subscription) accepting() bool {
	return !s.torn.Load() && (s.live == nil || s.live(s.gen))
}

func (s *Subscription) markDisconnected(reason string) {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	s.state = Disconnected
	close(s.done)
	s.mu.Unlock()
	s.logger.Info("subscription disconnected", "reason", reason)
}

// sink is the subscription as seen by its own transport generation.
type sink struct{ s *Subscription }

func (k sink) HandleOpen() {
	if !k.s.accepting() {
		return
	}
	k.s.mu.Lock()
	if k.s.state == Connecting {
		k.s.state = Connected
	}
	k.s.mu.Unlock()
	k.s.logger.Info("subscription connected")
}

func (k sink) HandleEvent(ev transport.Event) {
	s := k.s
	if !s.accepting() {
		s.logger.Debug("ignoring event from superseded transport")
		return
	}
	switch e := ev.(type) {
	case transport.Batch:
		prof := latency.StartWith(s.logger, "apply_batch")
		s.book.ApplyBatch(e)
		prof.Stop("buys", len(e.Buys), "sells", len(e.Sells), "version", s.book.Version())
	case transport.Update:
		prev, had := s.book.Entry(e.Entry.ID)
		if !s.book.ApplyUpdate(e.Entry) {
			s.logger.Debug("update dropped", "order_id", e.Entry.ID, "state", s.book.State())
			return
		}
		s.fills.Handle(prev, had, e.Entry)
	case transport.ErrorFrame:
		s.acks.HandleError(e)
	case transport.Ack:
		s.acks.HandleAck(e)
	}
}

func (k sink) HandleClose() {
	if !k.s.accepting() {
		return
	}
	k.s.book.Reset()
	k.s.transport.Close()
	k.s.markDisconnected("closed")
}

func (k sink) HandleError(err error) {
	if !k.s.accepting() {
		return
	}
	k.s.logger.Warn("stream error", "err", err)
	k.s.book.Reset()
	k.s.transport.Close()
	k.s.markDisconnected("error")
}
