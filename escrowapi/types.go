// Package escrowapi defines the JSON wire format of the escrow auction
// service. Monetary amounts travel as decimal strings and are converted to
// integer base units at the boundary, so no amount ever passes through a
// float64.
package escrowapi

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a decimal string into integer base units. The value
// must be a non-negative integer that fits in uint64; fractional base units
// do not exist.
func ParseAmount(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.Sign() < 0 {
		return 0, fmt.Errorf("invalid amount %q: must not be negative", s)
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("invalid amount %q: fractional base units are not allowed", s)
	}
	bi := d.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("invalid amount %q: exceeds the representable range", s)
	}
	return bi.Uint64(), nil
}

// FormatAmount renders base units as a decimal string.
func FormatAmount(v uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0).String()
}

// BidRequest places a bid. Deposit defaults to Amount when omitted.
type BidRequest struct {
	Bidder  string `json:"bidder"`
	Amount  string `json:"amount"`
	Deposit string `json:"deposit,omitempty"`
}

// WithdrawRequest identifies the caller of a withdrawal operation. Amount is
// used only by the partial excess withdrawal.
type WithdrawRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount,omitempty"`
}

// OperatorRequest identifies the caller of an operator lifecycle operation.
type OperatorRequest struct {
	Caller string `json:"caller"`
}

// BidResponse acknowledges an accepted bid.
type BidResponse struct {
	Accepted       bool   `json:"accepted"`
	HighBid        string `json:"high_bid"`
	NextMinimumBid string `json:"next_minimum_bid"`
	EndTime        string `json:"end_time"`
}

// WithdrawResponse reports the amount paid out by a withdrawal.
type WithdrawResponse struct {
	Amount string `json:"amount"`
}

// StateResponse is the wire form of the auction snapshot.
type StateResponse struct {
	Phase          string `json:"phase"`
	StartTime      string `json:"start_time,omitempty"`
	EndTime        string `json:"end_time,omitempty"`
	HighBid        string `json:"high_bid"`
	HighBidder     string `json:"high_bidder,omitempty"`
	NextMinimumBid string `json:"next_minimum_bid"`
	WinnerPaid     bool   `json:"winner_paid"`
	CommissionPool string `json:"commission_pool"`
	VaultBalance   string `json:"vault_balance"`
	Participants   int    `json:"participants"`
	Bids           int    `json:"bids"`
}

// WinnerResponse reports the frozen winner after the auction has ended.
// Bidder is empty when no bid was accepted.
type WinnerResponse struct {
	Bidder string `json:"bidder,omitempty"`
	Amount string `json:"amount"`
}

// BidHistoryEntry is one audit record of the append-only bid history.
type BidHistoryEntry struct {
	ID     string    `json:"id"`
	Bidder string    `json:"bidder"`
	Amount string    `json:"amount"`
	At     time.Time `json:"at"`
}

// DistributionResponse summarizes one distribution batch.
type DistributionResponse struct {
	Settled    int      `json:"settled"`
	TotalPaid  string   `json:"total_paid"`
	Commission string   `json:"commission"`
	Failed     []string `json:"failed,omitempty"`
}

// EventMessage is the wire form of a domain event, used by the websocket
// stream and the broadcast channel.
type EventMessage struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	Actor  string    `json:"actor,omitempty"`
	Amount string    `json:"amount"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// ErrorResponse carries a rejected call's failure reason.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}
