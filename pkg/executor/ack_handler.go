package executor

import (
	"log/slog"

	"github.com/helix-lab/helix/bookfeed/pkg/transport"
)

// AckHandler surfaces venue confirmations and rejections as notices. It
// never touches book state.
type AckHandler struct {
	Ticker    string
	Publisher *transport.Publisher
	Logger    *slog.Logger
}

func (h AckHandler) HandleAck(ack transport.Ack) {
	h.logger().Info("venue ack", "ticker", h.Ticker, "kind", ack.Kind, "message", ack.Message)
	h.publish(transport.Notice{Kind: transport.NoticeAck, Ticker: h.Ticker, Code: ack.Kind, Message: ack.Message})
}

func (h AckHandler) HandleError(ef transport.ErrorFrame) {
	h.logger().Warn("venue error", "ticker", h.Ticker, "code", ef.Code, "message", ef.Message)
	h.publish(transport.Notice{Kind: transport.NoticeError, Ticker: h.Ticker, Code: ef.Code, Message: ef.Message})
}

func (h AckHandler) publish(n transport.Notice) {
	if h.Publisher != nil {
		h.Publisher.Publish(n)
	}
}

func (h AckHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
