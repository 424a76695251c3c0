package session

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/helix-lab/helix/bookfeed/pkg/auth"
	"github.com/helix-lab/helix/bookfeed/pkg/config"
	"github.com/helix-lab/helix/bookfeed/pkg/executor"
	"github.com/helix-lab/helix/bookfeed/pkg/orderbook"
	"github.com/helix-lab/helix/bookfeed/pkg/transport"
	"github.com/helix-lab/helix/bookfeed/pkg/ws"
)

var (
	ErrEmptyTicker = errors.New("session: ticker required")
	ErrClosed      = errors.New("session: supervisor closed")
	ErrUnmounted   = errors.New("session: surface unmounted")
)

// Supervisor owns one Subscription per surface. It never retries; a
// surface that sees DISCONNECTED decides whether to mount again.
type Supervisor struct {
	cfg    config.Config
	creds  auth.Provider
	pub    *transport.Publisher
	logger *slog.Logger

	mu       sync.Mutex
	surfaces map[string]*Subscription
	nextGen  uint64
	closed   bool
}

func NewSupervisor(cfg config.Config, creds auth.Provider, pub *transport.Publisher, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = transport.NewPublisher(0, logger)
	}
	return &Supervisor{
		cfg:      cfg,
		creds:    creds,
		pub:      pub,
		logger:   logger,
		surfaces: make(map[string]*Subscription),
	}
}

// Notices returns the publisher carrying ack, error and fill notices.
func (s *Supervisor) Notices() *transport.Publisher { return s.pub }

// Endpoint joins the stream base URL and a ticker.
func Endpoint(base, ticker string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(ticker)
}

// Mount makes surface show ticker. A live subscription for the same ticker
// is returned as is; anything else is torn down and replaced. ctx bounds
// the life of the connection.
func (s *Supervisor) Mount(ctx context.Context, surface, ticker string) (*Subscription, error) {
	return s.mount(ctx, surface, ticker, nil)
}

// Remount replaces prev with a fresh subscription for ticker, but only
// while prev is still the surface's subscription. A surface that moved on
// returns its current subscription; an unmounted one returns ErrUnmounted.
func (s *Supervisor) Remount(ctx context.Context, surface, ticker string, prev *Subscription) (*Subscription, error) {
	return s.mount(ctx, surface, ticker, prev)
}

func (s *Supervisor) mount(ctx context.Context, surface, ticker string, prev *Subscription) (*Subscription, error) {
	ticker = strings.TrimSpace(ticker)
	if ticker == "" {
		return nil, ErrEmptyTicker
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	old, ok := s.surfaces[surface]
	if prev != nil {
		if !ok {
			s.mu.Unlock()
			return nil, ErrUnmounted
		}
		if old != prev {
			s.mu.Unlock()
			return old, nil
		}
	} else if old != nil && old.ticker == ticker && old.State() != Disconnected {
		s.mu.Unlock()
		return old, nil
	}
	s.nextGen++
	sub := s.build(surface, ticker, s.nextGen)
	s.surfaces[surface] = sub
	s.mu.Unlock()

	if old != nil {
		old.teardown()
	}
	sub.logger.Info("subscription created", "endpoint", sub.endpoint)
	sub.open(ctx)
	return sub, nil
}

// SwitchTicker replaces the surface's subscription with one for ticker.
func (s *Supervisor) SwitchTicker(ctx context.Context, surface, ticker string) (*Subscription, error) {
	return s.Mount(ctx, surface, ticker)
}

// Unmount tears down the surface's subscription before returning.
func (s *Supervisor) Unmount(surface string) {
	s.mu.Lock()
	sub := s.surfaces[surface]
	delete(s.surfaces, surface)
	s.mu.Unlock()
	if sub != nil {
		sub.teardown()
	}
}

func (s *Supervisor) Subscription(surface string) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.surfaces[surface]
	return sub, ok
}

// Close unmounts every surface. Further mounts fail with ErrClosed.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	subs := make([]*Subscription, 0, len(s.surfaces))
	for surface, sub := range s.surfaces {
		subs = append(subs, sub)
		delete(s.surfaces, surface)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.teardown()
	}
}

func (s *Supervisor) current(surface string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.surfaces[surface]
	return ok && sub.gen == gen
}

func (s *Supervisor) build(surface, ticker string, gen uint64) *Subscription {
	id := uuid.NewString()
	logger := s.logger.With("surface", surface, "ticker", ticker, "subscription", id, "gen", gen)

	sub := &Subscription{
		id:       id,
		surface:  surface,
		ticker:   ticker,
		gen:      gen,
		endpoint: Endpoint(s.cfg.Stream.URL, ticker),
		logger:   logger,
		state:    Connecting,
		done:     make(chan struct{}),
		live:     func(g uint64) bool { return s.current(surface, g) },
	}

	codec := transport.NewCodec(ticker)
	sub.book = orderbook.NewReconciler(
		orderbook.WithLimit(s.cfg.Book.Limit),
		orderbook.WithHighlight(s.cfg.Book.Highlight),
	)
	sub.router = ws.NewRouter(codec, sink{s: sub}, logger)
	sub.transport = ws.NewTransport(sub.router, ws.Options{
		DialTimeout:  s.cfg.Stream.DialTimeout,
		WriteTimeout: s.cfg.Stream.WriteTimeout,
		PingInterval: s.cfg.Stream.PingInterval,
		ReadLimit:    s.cfg.Stream.ReadLimit,
		Logger:       logger,
	})
	sub.gateway = executor.NewGateway(sub.transport, codec, sub.book, s.creds, executor.Options{
		CancelTimeout: s.cfg.Orders.CancelTimeout,
		Logger:        logger,
	})
	sub.acks = executor.AckHandler{Ticker: ticker, Publisher: s.pub, Logger: logger}
	sub.fills = executor.FillHandler{Ticker: ticker, Publisher: s.pub}
	return sub
}
