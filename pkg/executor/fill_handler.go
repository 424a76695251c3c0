package executor

import (
	"fmt"

	"github.com/helix-lab/helix/bookfeed/pkg/transport"
)

type FillHandler struct {
	Ticker    string
	Publisher *transport.Publisher
}

// Handle publishes a fill notice when next executed more than prev. had is
// false when the order was not in the view before.
func (h FillHandler) Handle(prev transport.OrderEntry, had bool, next transport.OrderEntry) bool {
	if next.Status != transport.StatusFilled && next.Status != transport.StatusPartiallyFilled {
		return false
	}
	if had && !next.Remaining.LessThan(prev.Remaining) {
		return false
	}

	msg := fmt.Sprintf("%s %s/%s filled", next.Side, next.Filled(), next.Quantity)
	if next.Price.Valid {
		msg += " @ " + next.Price.Decimal.String()
	}
	if h.Publisher != nil {
		h.Publisher.Publish(transport.Notice{
			Kind:    transport.NoticeFill,
			Ticker:  h.Ticker,
			Code:    string(next.Status),
			Message: msg,
			OrderID: next.ID,
		})
	}
	return true
}
