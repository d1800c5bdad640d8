package auction

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a state-affecting action in the auction lifecycle.
type EventType string

const (
	EventAuctionStarted      EventType = "auction_started"
	EventBidAccepted         EventType = "bid_accepted"
	EventEndTimeExtended     EventType = "end_time_extended"
	EventExcessWithdrawn     EventType = "excess_withdrawn"
	EventAuctionEnded        EventType = "auction_ended"
	EventAuctionForceEnded   EventType = "auction_force_ended"
	EventRefundIssued        EventType = "refund_issued"
	EventFundsDistributed    EventType = "funds_distributed"
	EventCommissionWithdrawn EventType = "commission_withdrawn"
	EventWinningBidWithdrawn EventType = "winning_bid_withdrawn"
	EventEmergencyWithdrawal EventType = "emergency_withdrawal"
)

// Event is the observability record emitted once per state-affecting action.
// Events are strictly informational; control logic never reads them back.
type Event struct {
	ID     string    `json:"id"`
	Type   EventType `json:"type"`
	Actor  string    `json:"actor"`
	Amount uint64    `json:"amount"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Sink receives domain events. Implementations must not block the caller for
// long and must never fail the operation that produced the event; delivery is
// best effort.
type Sink interface {
	Publish(evt Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(evt Event)

func (f SinkFunc) Publish(evt Event) { f(evt) }

// MultiSink fans an event out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Publish(evt Event) {
	for _, s := range m {
		s.Publish(evt)
	}
}

func (a *Auction) emit(eventType EventType, actor string, amount uint64, reason string) {
	if a.sink == nil {
		return
	}
	a.sink.Publish(Event{
		ID:     uuid.New().String(),
		Type:   eventType,
		Actor:  actor,
		Amount: amount,
		Reason: reason,
		At:     a.clock(),
	})
}
