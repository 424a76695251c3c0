package transport

import (
	"log/slog"
	"sync"
	"time"
)

type NoticeKind string

const (
	NoticeAck   NoticeKind = "ack"
	NoticeError NoticeKind = "error"
	NoticeFill  NoticeKind = "fill"
)

// Notice is a user-facing notification (the toast of a UI surface).
type Notice struct {
	Kind    NoticeKind
	Ticker  string
	Code    string
	Message string
	OrderID string
	Time    time.Time
}

// Publisher fans notices out to subscribers. Slow subscribers lose notices
// rather than stalling the stream.
type Publisher struct {
	mu     sync.Mutex
	subs   map[int]chan Notice
	next   int
	buffer int
	logger *slog.Logger
}

func NewPublisher(buffer int, logger *slog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{subs: make(map[int]chan Notice), buffer: buffer, logger: logger}
}

// Subscribe returns a notice channel and a function that unsubscribes and
// closes it.
func (p *Publisher) Subscribe() (<-chan Notice, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.next
	p.next++
	ch := make(chan Notice, p.buffer)
	p.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if c, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(c)
			}
		})
	}
}

func (p *Publisher) Publish(n Notice) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- n:
		default:
			p.logger.Warn("notice dropped", "subscriber", id, "kind", n.Kind, "ticker", n.Ticker)
		}
	}
}
