package ws

import (
	"log/slog"
	"sync/atomic"

	"github.com/helix-lab/helix/bookfeed/pkg/transport"
)

// Sink consumes decoded stream events.
type Sink interface {
	HandleOpen()
	HandleEvent(ev transport.Event)
	HandleClose()
	HandleError(err error)
}

// Router is a Handler that decodes raw frames with a Codec and forwards
// typed events to a Sink. Frames the codec rejects are logged and dropped.
type Router struct {
	codec   *transport.Codec
	sink    Sink
	logger  *slog.Logger
	dropped atomic.Uint64
}

func NewRouter(codec *transport.Codec, sink Sink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{codec: codec, sink: sink, logger: logger}
}

func (r *Router) OnOpen() { r.sink.HandleOpen() }

func (r *Router) OnMessage(frame []byte) {
	ev, err := r.codec.Decode(frame)
	if err != nil {
		r.dropped.Add(1)
		r.logger.Warn("dropping frame", "ticker", r.codec.Ticker(), "err", err, "bytes", len(frame))
		return
	}
	r.sink.HandleEvent(ev)
}

func (r *Router) OnClose() { r.sink.HandleClose() }

func (r *Router) OnError(err error) { r.sink.HandleError(err) }

// Dropped returns how many frames failed to decode.
func (r *Router) Dropped() uint64 { return r.dropped.Load() }
