package orderbook

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helix-lab/helix/bookfeed/pkg/transport"
)

const (
	DefaultLimit     = 50
	DefaultHighlight = 3 * time.Second
)

type State int

const (
	AwaitingSnapshot State = iota
	Ready
)

func (s State) String() string {
	switch s {
	case AwaitingSnapshot:
		return "AWAITING_SNAPSHOT"
	case Ready:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// ViewEntry is an entry as rendered. Highlighted is a UI hint for entries
// changed by a recent update.
type ViewEntry struct {
	transport.OrderEntry
	Highlighted bool
}

// View is the read model handed to renderers. It is a copy.
type View struct {
	State     State
	Version   uint64
	Buys      []ViewEntry
	Sells     []ViewEntry
	TotalBids decimal.Decimal
	TotalAsks decimal.Decimal
	LastPrice decimal.NullDecimal
}

type Option func(*Reconciler)

func WithLimit(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.limit = n
		}
	}
}

func WithHighlight(d time.Duration) Option {
	return func(r *Reconciler) { r.highlight = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler merges a snapshot and the updates that follow it into one
// read model. Updates are only trusted after a snapshot.
type Reconciler struct {
	mu        sync.RWMutex
	limit     int
	highlight time.Duration
	now       func() time.Time

	state     State
	version   uint64
	buys      []transport.OrderEntry
	sells     []transport.OrderEntry
	totalBids decimal.Decimal
	totalAsks decimal.Decimal
	lastPrice decimal.NullDecimal

	changed  map[string]time.Time // id -> highlight expiry
	pending  map[string]struct{}  // optimistic cancels
	terminal map[string]struct{}  // ids finished since the last snapshot
}

func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{
		limit:     DefaultLimit,
		highlight: DefaultHighlight,
		now:       time.Now,
		changed:   make(map[string]time.Time),
		pending:   make(map[string]struct{}),
		terminal:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ApplyBatch replaces the whole view and marks the reconciler ready.
func (r *Reconciler) ApplyBatch(b transport.Batch) {
	buys := append([]transport.OrderEntry(nil), b.Buys...)
	sells := append([]transport.OrderEntry(nil), b.Sells...)
	if !b.Compact {
		sortRecentFirst(buys)
		sortRecentFirst(sells)
	}

	totalBids, totalAsks := sumRemaining(buys), sumRemaining(sells)
	if b.HasTotals() {
		totalBids, totalAsks = b.TotalBids.Decimal, b.TotalAsks.Decimal
	}

	present := make(map[string]struct{}, len(buys)+len(sells))
	for _, e := range buys {
		present[e.ID] = struct{}{}
	}
	for _, e := range sells {
		present[e.ID] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.buys = trim(buys, r.limit)
	r.sells = trim(sells, r.limit)
	r.totalBids, r.totalAsks = totalBids, totalAsks
	r.lastPrice = b.LastPrice
	r.version++
	r.state = Ready
	r.changed = make(map[string]time.Time)
	r.terminal = make(map[string]struct{})
	for id := range r.pending {
		if _, ok := present[id]; !ok {
			delete(r.pending, id)
		}
	}
}

// ApplyUpdate applies one incremental change. It returns false when the
// update was dropped: no snapshot yet, or a finished order coming back.
func (r *Reconciler) ApplyUpdate(e transport.OrderEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Ready {
		return false
	}
	if _, done := r.terminal[e.ID]; done {
		return false
	}

	r.buys = removeID(r.buys, e.ID)
	r.sells = removeID(r.sells, e.ID)

	if e.Status.Terminal() {
		r.terminal[e.ID] = struct{}{}
		delete(r.pending, e.ID)
		delete(r.changed, e.ID)
		return true
	}

	if e.Side == transport.SideBuy {
		r.buys = trim(prepend(r.buys, e), r.limit)
	} else {
		r.sells = trim(prepend(r.sells, e), r.limit)
	}
	r.changed[e.ID] = r.now().Add(r.highlight)
	return true
}

// Reset is called when the stream is lost. Stale data stays visible but no
// update is accepted until the next snapshot.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = AwaitingSnapshot
	r.changed = make(map[string]time.Time)
}

// MarkPendingCancel hides id from the view until the server confirms or the
// marker is cleared. It reports whether this call set the marker.
func (r *Reconciler) MarkPendingCancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; ok {
		return false
	}
	r.pending[id] = struct{}{}
	return true
}

// ClearPendingCancel makes id visible again. It reports whether a marker
// was set.
func (r *Reconciler) ClearPendingCancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	delete(r.pending, id)
	return ok
}

func (r *Reconciler) PendingCancel(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pending[id]
	return ok
}

// Entry looks id up, including entries hidden by a pending cancel.
func (r *Reconciler) Entry(id string) (transport.OrderEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := indexOf(r.buys, id); i >= 0 {
		return r.buys[i], true
	}
	if i := indexOf(r.sells, id); i >= 0 {
		return r.sells[i], true
	}
	return transport.OrderEntry{}, false
}

func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Version counts applied snapshots.
func (r *Reconciler) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *Reconciler) View() View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	return View{
		State:     r.state,
		Version:   r.version,
		Buys:      r.viewEntries(r.buys, now),
		Sells:     r.viewEntries(r.sells, now),
		TotalBids: r.totalBids,
		TotalAsks: r.totalAsks,
		LastPrice: r.lastPrice,
	}
}

func (r *Reconciler) viewEntries(entries []transport.OrderEntry, now time.Time) []ViewEntry {
	out := make([]ViewEntry, 0, len(entries))
	for _, e := range entries {
		if _, hidden := r.pending[e.ID]; hidden {
			continue
		}
		until, ok := r.changed[e.ID]
		out = append(out, ViewEntry{OrderEntry: e, Highlighted: ok && now.Before(until)})
	}
	return out
}
