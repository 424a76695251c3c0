// Package venuesim is a small in-process trading venue that speaks the
// order stream protocol. It rests orders without matching them.
package venuesim

import (
	"log/slog"
	"net/http"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/helix-lab/helix/bookfeed/pkg/transport"
)

type Options struct {
	// Tokens lists accepted credentials. Empty accepts any non-empty token.
	Tokens []string
	Logger *slog.Logger
}

type order struct {
	id        string
	side      transport.Side
	kind      transport.OrderKind
	quantity  decimal.Decimal
	remaining decimal.Decimal
	price     decimal.NullDecimal
	status    transport.OrderStatus
	created   time.Time
}

type book struct {
	bids      map[string]transport.Level
	asks      map[string]transport.Level
	lastPrice decimal.NullDecimal
	orders    map[string]*order
}

type client struct {
	ticker string
	conn   *websocket.Conn
	wmu    sync.Mutex
}

func (c *client) write(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Server serves one stream per ticker at any path ending in /{ticker}.
type Server struct {
	upgrader websocket.Upgrader
	tokens   map[string]struct{}
	logger   *slog.Logger

	mu       sync.Mutex
	books    map[string]*book
	clients  map[*client]struct{}
	received [][]byte
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		tokens:  make(map[string]struct{}, len(opts.Tokens)),
		logger:  opts.Logger,
		books:   make(map[string]*book),
		clients: make(map[*client]struct{}),
	}
	for _, t := range opts.Tokens {
		s.tokens[t] = struct{}{}
	}
	return s
}

func (s *Server) bookFor(ticker string) *book {
	b, ok := s.books[ticker]
	if !ok {
		b = &book{
			bids:   make(map[string]transport.Level),
			asks:   make(map[string]transport.Level),
			orders: make(map[string]*order),
		}
		s.books[ticker] = b
	}
	return b
}

// Seed sets a resting level. A zero quantity removes it.
func (s *Server) Seed(ticker string, side transport.Side, price, qty decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bookFor(ticker)
	levels := b.asks
	if side == transport.SideBuy {
		levels = b.bids
	}
	if qty.IsZero() {
		delete(levels, price.String())
		return
	}
	levels[price.String()] = transport.Level{Price: price, Quantity: qty}
}

func (s *Server) SetLastPrice(ticker string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookFor(ticker).lastPrice = decimal.NewNullDecimal(price)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ticker := path.Base(r.URL.Path)
	if ticker == "" || ticker == "/" || ticker == "." {
		http.Error(w, "ticker required", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "err", err)
		return
	}
	c := &client{ticker: ticker, conn: conn}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	snapshot := s.snapshotLocked(ticker)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
	}()

	if err := c.write(snapshot); err != nil {
		return
	}
	s.logger.Info("client subscribed", "ticker", ticker)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handle(c, data)
	}
}

func (s *Server) handle(c *client, data []byte) {
	s.mu.Lock()
	s.received = append(s.received, append([]byte(nil), data...))
	s.mu.Unlock()

	out, err := transport.DecodeOutgoing(data)
	if err != nil {
		_ = c.write(errorFrame("bad_request", err.Error()))
		return
	}
	if !s.authorized(out.Token) {
		_ = c.write(errorFrame("unauthorized", "invalid or missing token"))
		return
	}

	switch {
	case out.Place != nil:
		s.place(c, *out.Place)
	case out.Cancel != nil:
		s.cancel(c, out.Cancel.OrderID)
	}
}

func (s *Server) authorized(token string) bool {
	if token == "" {
		return false
	}
	if len(s.tokens) == 0 {
		return true
	}
	_, ok := s.tokens[token]
	return ok
}

func (s *Server) place(c *client, p transport.PlaceOrder) {
	if !p.Quantity.IsPositive() {
		_ = c.write(errorFrame("invalid_order", "quantity must be greater than 0"))
		return
	}
	if p.Kind == transport.KindLimit && (!p.Price.Valid || !p.Price.Decimal.IsPositive()) {
		_ = c.write(errorFrame("invalid_order", "limit price must be greater than 0"))
		return
	}

	o := &order{
		id:        uuid.NewString(),
		side:      p.Side,
		kind:      p.Kind,
		quantity:  p.Quantity,
		remaining: p.Quantity,
		price:     p.Price,
		status:    transport.StatusPending,
		created:   time.Now().UTC(),
	}
	if o.kind == transport.KindMarket {
		o.price = decimal.NullDecimal{}
	}

	s.mu.Lock()
	s.bookFor(c.ticker).orders[o.id] = o
	update := updateFrame(o)
	s.mu.Unlock()

	_ = c.write(ackFrame(transport.FrameOrderSuccess, "order accepted: "+o.id))
	s.Broadcast(c.ticker, update)
}

func (s *Server) cancel(c *client, id string) {
	s.mu.Lock()
	o, ok := s.bookFor(c.ticker).orders[id]
	if !ok || o.status.Terminal() {
		s.mu.Unlock()
		_ = c.write(errorFrame("order_not_found", "no open order "+id))
		return
	}
	o.status = transport.StatusCancelled
	update := updateFrame(o)
	s.mu.Unlock()

	_ = c.write(ackFrame(transport.FrameCancelSuccess, "order cancelled: "+id))
	s.Broadcast(c.ticker, update)
}

// Fill executes qty of a resting order and broadcasts the update.
func (s *Server) Fill(ticker, id string, qty decimal.Decimal) bool {
	s.mu.Lock()
	o, ok := s.bookFor(ticker).orders[id]
	if !ok || o.status.Terminal() {
		s.mu.Unlock()
		return false
	}
	o.remaining = decimal.Max(decimal.Zero, o.remaining.Sub(qty))
	o.status = transport.StatusPartiallyFilled
	if o.remaining.IsZero() {
		o.status = transport.StatusFilled
	}
	update := updateFrame(o)
	s.mu.Unlock()
	s.Broadcast(ticker, update)
	return true
}

// Broadcast sends a raw frame to every client of ticker.
func (s *Server) Broadcast(ticker string, frame []byte) {
	for _, c := range s.clientsOf(ticker) {
		if err := c.write(frame); err != nil {
			s.logger.Warn("broadcast failed", "ticker", ticker, "err", err)
		}
	}
}

// PushSnapshot rebroadcasts the current book of ticker.
func (s *Server) PushSnapshot(ticker string) {
	s.mu.Lock()
	frame := s.snapshotLocked(ticker)
	s.mu.Unlock()
	s.Broadcast(ticker, frame)
}

// Disconnect drops every client of ticker without a close handshake.
func (s *Server) Disconnect(ticker string) {
	for _, c := range s.clientsOf(ticker) {
		c.conn.Close()
	}
}

// Clients counts connected clients of ticker.
func (s *Server) Clients(ticker string) int {
	return len(s.clientsOf(ticker))
}

// Received returns every action frame read so far.
func (s *Server) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.received))
	copy(out, s.received)
	return out
}

// OpenOrders lists the ids of live orders on ticker.
func (s *Server) OpenOrders(ticker string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, o := range s.bookFor(ticker).orders {
		if !o.status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) clientsOf(ticker string) []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*client
	for c := range s.clients {
		if c.ticker == ticker {
			out = append(out, c)
		}
	}
	return out
}
