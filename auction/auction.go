// Package auction implements a single-asset ascending auction with escrowed
// funds. The controller owns the lifecycle state machine and orchestrates the
// ledger; every public operation runs under one mutex, derives the effective
// phase from the clock, validates caller and phase, mutates the ledger, and
// only then performs the external transfer. A failed transfer rolls the
// ledger mutation back so no partial state is ever visible.
package auction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudx-io/openescrow/ledger"
)

// Phase is the auction's lifecycle stage. Transitions are strictly forward:
// Pending -> Active -> Ended -> Finalized.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseActive    Phase = "active"
	PhaseEnded     Phase = "ended"
	PhaseFinalized Phase = "finalized"
)

// Sentinel errors surfaced by controller operations. The ledger's own
// sentinels (ledger.ErrAlreadySettled, ledger.ErrNothingToWithdraw,
// ledger.ErrLimitExceeded) pass through unwrapped.
var (
	ErrUnauthorized        = errors.New("caller not authorized")
	ErrInvalidPhase        = errors.New("operation not valid in current phase")
	ErrBidTooLow           = errors.New("bid below required minimum")
	ErrInsufficientDeposit = errors.New("deposited value below declared bid")
	ErrNoExcessAvailable   = errors.New("no withdrawable excess")
	ErrTransferFailed      = errors.New("external transfer failed")
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultDuration        = 7 * 24 * time.Hour
	DefaultExtensionWindow = 600 * time.Second
	DefaultIncrementPct    = 5
	DefaultCommissionPct   = 2
)

// BidRecord is one entry of the append-only bid history. The history exists
// for audit and observability only; control logic never reads it.
type BidRecord struct {
	ID     string    `json:"id"`
	Bidder string    `json:"bidder"`
	Amount uint64    `json:"amount"`
	At     time.Time `json:"at"`
}

// Snapshot is a read-only view of the auction state.
type Snapshot struct {
	Phase          Phase     `json:"phase"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	HighBid        uint64    `json:"high_bid"`
	HighBidder     string    `json:"high_bidder,omitempty"`
	NextMinimumBid uint64    `json:"next_minimum_bid"`
	WinnerPaid     bool      `json:"winner_paid"`
	CommissionPool uint64    `json:"commission_pool"`
	VaultBalance   uint64    `json:"vault_balance"`
	Participants   int       `json:"participants"`
	Bids           int       `json:"bids"`
}

// DistributionReport summarizes one DistributeRemainingFunds call.
type DistributionReport struct {
	// Settled is the number of participants paid out during this call.
	Settled int `json:"settled"`

	// TotalPaid is the sum of payouts transferred during this call.
	TotalPaid uint64 `json:"total_paid"`

	// Commission is the commission accrued to the pool during this call.
	Commission uint64 `json:"commission"`

	// Failed lists participants whose payout transfer failed. Their ledger
	// balances were restored; a retried call settles them again.
	Failed []string `json:"failed,omitempty"`
}

// Config parameterizes a new auction. Operator, StartingPrice, and Bank are
// required; zero-valued tuning fields take the package defaults.
type Config struct {
	// Operator is the privileged identity controlling lifecycle transitions
	// and fund sweeps. The operator can never bid.
	Operator string

	// StartingPrice seeds the high bid. The first accepted bid must meet it.
	StartingPrice uint64

	// Duration is the bidding window opened by Start.
	Duration time.Duration

	// ExtensionWindow is the anti-sniping window: a bid accepted with no more
	// than this much time left pushes the end time out by the same amount.
	ExtensionWindow time.Duration

	// IncrementPct is the minimum increment over the current high bid, in
	// whole percent, computed with truncating division.
	IncrementPct uint64

	// CommissionPct is the settlement commission in whole percent.
	CommissionPct uint64

	// AllowForceFinalize enables the operator override that finalizes without
	// waiting for the bidding window. Intended for test deployments only.
	AllowForceFinalize bool

	// Bank moves funds out of escrow.
	Bank Bank

	// Sink receives domain events. Optional.
	Sink Sink

	// Clock overrides time.Now. Optional, for deterministic tests.
	Clock func() time.Time
}

// Auction is the lifecycle controller. All exported methods are safe for
// concurrent use; a single mutex serializes every operation so each one sees
// a fully consistent prior state.
type Auction struct {
	mu sync.Mutex

	operator        string
	incrementPct    uint64
	duration        time.Duration
	extensionWindow time.Duration
	allowForce      bool

	bank  Bank
	sink  Sink
	clock func() time.Time

	phase      Phase
	startTime  time.Time
	endTime    time.Time
	highBid    uint64
	highBidder string

	book *ledger.Ledger

	// registrationOrder holds distinct bidder identities in first-bid order;
	// it drives the distribution batch.
	registrationOrder []string
	registered        map[string]bool

	history []BidRecord
}

// New builds an auction in the Pending phase.
func New(cfg Config) (*Auction, error) {
	if cfg.Operator == "" {
		return nil, fmt.Errorf("operator identity is required")
	}
	if cfg.Bank == nil {
		return nil, fmt.Errorf("bank is required")
	}
	if cfg.Duration == 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.ExtensionWindow == 0 {
		cfg.ExtensionWindow = DefaultExtensionWindow
	}
	if cfg.IncrementPct == 0 {
		cfg.IncrementPct = DefaultIncrementPct
	}
	if cfg.CommissionPct == 0 {
		cfg.CommissionPct = DefaultCommissionPct
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	book, err := ledger.New(cfg.CommissionPct)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}

	return &Auction{
		operator:        cfg.Operator,
		incrementPct:    cfg.IncrementPct,
		duration:        cfg.Duration,
		extensionWindow: cfg.ExtensionWindow,
		allowForce:      cfg.AllowForceFinalize,
		bank:            cfg.Bank,
		sink:            cfg.Sink,
		clock:           cfg.Clock,
		phase:           PhasePending,
		highBid:         cfg.StartingPrice,
		book:            book,
		registered:      make(map[string]bool),
	}, nil
}

// maybeEnd applies the lazy, observation-driven Active -> Ended transition.
// Every public operation calls it first; no background timer exists.
func (a *Auction) maybeEnd(now time.Time) {
	if a.phase == PhaseActive && !now.Before(a.endTime) {
		a.phase = PhaseEnded
	}
}

// Start opens the bidding window. Operator-only, Pending-only.
func (a *Auction) Start(caller string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if caller != a.operator {
		return fmt.Errorf("start: %w", ErrUnauthorized)
	}
	if a.phase != PhasePending {
		return fmt.Errorf("start in phase %s: %w", a.phase, ErrInvalidPhase)
	}

	now := a.clock()
	a.startTime = now
	a.endTime = now.Add(a.duration)
	a.phase = PhaseActive

	a.emit(EventAuctionStarted, caller, a.highBid,
		fmt.Sprintf("auction started, bidding closes at %s", a.endTime.UTC().Format(time.RFC3339)))
	return nil
}

// PlaceBid validates and accepts a bid. The deposited value is escrowed in
// full; any amount beyond the declared bid becomes withdrawable excess.
//
// Preconditions are checked in order, each with a distinct failure:
// caller is not the operator, phase is Active, the declared amount meets the
// minimum increment, and the deposit covers the declared amount.
func (a *Auction) PlaceBid(bidder string, declaredAmount, depositedValue uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	a.maybeEnd(now)

	if bidder == a.operator {
		return fmt.Errorf("operator may not bid: %w", ErrUnauthorized)
	}
	if a.phase != PhaseActive {
		return fmt.Errorf("bid in phase %s: %w", a.phase, ErrInvalidPhase)
	}
	minimum := a.nextMinimumBidLocked()
	if declaredAmount < minimum {
		return fmt.Errorf("bid of %d below minimum %d: %w", declaredAmount, minimum, ErrBidTooLow)
	}
	if depositedValue < declaredAmount {
		return fmt.Errorf("deposit of %d below bid of %d: %w", depositedValue, declaredAmount, ErrInsufficientDeposit)
	}

	if err := a.book.RecordBid(bidder, declaredAmount, depositedValue); err != nil {
		return err
	}
	if !a.registered[bidder] {
		a.registered[bidder] = true
		a.registrationOrder = append(a.registrationOrder, bidder)
	}

	// Anti-sniping: a bid landing inside the closing window pushes the end
	// time out, measured against the pre-extension end time.
	extended := a.endTime.Sub(now) <= a.extensionWindow
	if extended {
		a.endTime = a.endTime.Add(a.extensionWindow)
	}

	a.highBid = declaredAmount
	a.highBidder = bidder
	a.history = append(a.history, BidRecord{
		ID:     uuid.New().String(),
		Bidder: bidder,
		Amount: declaredAmount,
		At:     now,
	})

	if extended {
		a.emit(EventEndTimeExtended, bidder, declaredAmount,
			fmt.Sprintf("closing-window bid, end time extended to %s", a.endTime.UTC().Format(time.RFC3339)))
	}
	a.emit(EventBidAccepted, bidder, declaredAmount, "bid accepted")
	return nil
}

// WithdrawExcess pays the caller their full withdrawable excess. Valid only
// while the auction is Active.
func (a *Auction) WithdrawExcess(ctx context.Context, caller string) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.maybeEnd(a.clock())
	if a.phase != PhaseActive {
		return 0, fmt.Errorf("excess withdrawal in phase %s: %w", a.phase, ErrInvalidPhase)
	}
	excess := a.book.WithdrawableExcess(caller)
	if excess == 0 {
		return 0, fmt.Errorf("excess withdrawal for %s: %w", caller, ErrNoExcessAvailable)
	}
	if err := a.payExcessLocked(ctx, caller, excess); err != nil {
		return 0, err
	}
	return excess, nil
}

// WithdrawPartialExcess pays the caller part of their withdrawable excess.
// Requires 0 < amount <= excess.
func (a *Auction) WithdrawPartialExcess(ctx context.Context, caller string, amount uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.maybeEnd(a.clock())
	if a.phase != PhaseActive {
		return fmt.Errorf("excess withdrawal in phase %s: %w", a.phase, ErrInvalidPhase)
	}
	excess := a.book.WithdrawableExcess(caller)
	if excess == 0 {
		return fmt.Errorf("excess withdrawal for %s: %w", caller, ErrNoExcessAvailable)
	}
	if amount == 0 || amount > excess {
		return fmt.Errorf("partial withdrawal of %d with excess %d: %w", amount, excess, ledger.ErrLimitExceeded)
	}
	return a.payExcessLocked(ctx, caller, amount)
}

// payExcessLocked applies the ledger debit, performs the transfer, and rolls
// the debit back if the transfer fails. Caller holds the mutex.
func (a *Auction) payExcessLocked(ctx context.Context, caller string, amount uint64) error {
	if err := a.book.ApplyExcessWithdrawal(caller, amount); err != nil {
		return err
	}
	if err := a.bank.Transfer(ctx, caller, amount); err != nil {
		a.book.RestoreExcess(caller, amount)
		return transferError(caller, amount, err)
	}
	a.emit(EventExcessWithdrawn, caller, amount, "excess deposit withdrawn")
	return nil
}

// Finalize moves the auction from Ended to Finalized and emits the audit
// event carrying the frozen winner and high bid. Operator-only.
func (a *Auction) Finalize(caller string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.maybeEnd(a.clock())
	if caller != a.operator {
		return fmt.Errorf("finalize: %w", ErrUnauthorized)
	}
	if a.phase != PhaseEnded {
		return fmt.Errorf("finalize in phase %s: %w", a.phase, ErrInvalidPhase)
	}

	a.phase = PhaseFinalized
	reason := "auction finalized with no accepted bids"
	if a.highBidder != "" {
		reason = fmt.Sprintf("auction finalized, winner %s at %d", a.highBidder, a.highBid)
	}
	a.emit(EventAuctionEnded, caller, a.highBid, reason)
	return nil
}

// ForceFinalize jumps to Finalized from Active or Ended, bypassing the time
// check. Available only when the operator-override capability was enabled at
// construction; production deployments leave it off.
func (a *Auction) ForceFinalize(caller string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.maybeEnd(a.clock())
	if caller != a.operator {
		return fmt.Errorf("force finalize: %w", ErrUnauthorized)
	}
	if !a.allowForce {
		return fmt.Errorf("force finalize capability disabled: %w", ErrUnauthorized)
	}
	if a.phase != PhaseActive && a.phase != PhaseEnded {
		return fmt.Errorf("force finalize in phase %s: %w", a.phase, ErrInvalidPhase)
	}

	a.phase = PhaseFinalized
	a.emit(EventAuctionForceEnded, caller, a.highBid, "auction force-finalized by operator override")
	return nil
}

// DistributeRemainingFunds settles every registered participant in
// registration order: each non-zero balance is zeroed, the commission share
// retained, and the payout transferred. The winner is skipped while their
// winning bid has not been withdrawn yet, so operator steps compose in any
// order. Each participant's settle-and-pay step is independently atomic; a
// failed transfer restores that participant and the batch continues, so one
// bad identity cannot strand later participants' funds. Calling again retries
// only the failed and skipped ones.
func (a *Auction) DistributeRemainingFunds(ctx context.Context, caller string) (DistributionReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.maybeEnd(a.clock())
	if caller != a.operator {
		return DistributionReport{}, fmt.Errorf("distribution: %w", ErrUnauthorized)
	}
	if a.phase != PhaseFinalized {
		return DistributionReport{}, fmt.Errorf("distribution in phase %s: %w", a.phase, ErrInvalidPhase)
	}

	var report DistributionReport
	for _, identity := range a.registrationOrder {
		// Until the winning bid is withdrawn the winner's deposit still
		// contains it; settling them now would refund the seller's proceeds
		// as a payout. They keep their balance for a later batch.
		if identity == a.highBidder && !a.book.WinnerPaid() {
			continue
		}
		settlement, settled := a.book.SettleParticipant(identity)
		if !settled {
			continue
		}
		if settlement.Payout > 0 {
			if err := a.bank.Transfer(ctx, identity, settlement.Payout); err != nil {
				a.book.RestoreSettlement(identity, settlement)
				report.Failed = append(report.Failed, identity)
				continue
			}
		}
		report.Settled++
		report.TotalPaid += settlement.Payout
		report.Commission += settlement.Commission
		a.emit(EventRefundIssued, identity, settlement.Payout,
			fmt.Sprintf("settled balance of %d, commission %d", settlement.Total(), settlement.Commission))
	}

	// Single aggregated pool update for the whole batch.
	if report.Commission > 0 {
		if err := a.book.AddCommission(report.Commission); err != nil {
			return report, err
		}
	}

	a.emit(EventFundsDistributed, caller, report.TotalPaid,
		fmt.Sprintf("distribution complete: %d settled, %d failed, commission %d",
			report.Settled, len(report.Failed), report.Commission))
	return report, nil
}

// WithdrawWinningBid pays the winning amount to the operator, leaving only
// the winner's excess for the settlement batch. One-shot per auction.
func (a *Auction) WithdrawWinningBid(ctx context.Context, caller string) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.maybeEnd(a.clock())
	if caller != a.operator {
		return 0, fmt.Errorf("winning bid withdrawal: %w", ErrUnauthorized)
	}
	if a.phase != PhaseFinalized {
		return 0, fmt.Errorf("winning bid withdrawal in phase %s: %w", a.phase, ErrInvalidPhase)
	}
	if a.highBidder == "" {
		return 0, fmt.Errorf("winning bid withdrawal with no accepted bids: %w", ledger.ErrNothingToWithdraw)
	}

	winner, _ := a.book.Participant(a.highBidder)
	priorLastBid := winner.LastBidAmount

	amount, err := a.book.WithdrawWinningBid(a.highBidder, a.highBid)
	if err != nil {
		return 0, err
	}
	if err := a.bank.Transfer(ctx, a.operator, amount); err != nil {
		a.book.RestoreWinningBid(a.highBidder, amount, priorLastBid)
		return 0, transferError(a.operator, amount, err)
	}

	a.emit(EventWinningBidWithdrawn, caller, amount,
		fmt.Sprintf("winning bid of %s withdrawn", a.highBidder))
	return amount, nil
}

// WithdrawCommissionPool pays the accumulated commission to the operator and
// resets the pool. An empty pool is a reported error.
func (a *Auction) WithdrawCommissionPool(ctx context.Context, caller string) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.maybeEnd(a.clock())
	if caller != a.operator {
		return 0, fmt.Errorf("commission withdrawal: %w", ErrUnauthorized)
	}

	amount, err := a.book.WithdrawCommissionPool()
	if err != nil {
		return 0, err
	}
	if err := a.bank.Transfer(ctx, a.operator, amount); err != nil {
		a.book.RestoreCommissionPool(amount)
		return 0, transferError(a.operator, amount, err)
	}

	a.emit(EventCommissionWithdrawn, caller, amount, "commission pool withdrawn")
	return amount, nil
}

// WithdrawAllFunds sweeps any vault balance not accounted for by participant
// deposits or the commission pool. A safety valve usable in any phase; under
// normal accounting there is nothing to sweep.
func (a *Auction) WithdrawAllFunds(ctx context.Context, caller string) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.maybeEnd(a.clock())
	if caller != a.operator {
		return 0, fmt.Errorf("emergency withdrawal: %w", ErrUnauthorized)
	}

	amount, err := a.book.SweepResidual()
	if err != nil {
		return 0, err
	}
	if err := a.bank.Transfer(ctx, a.operator, amount); err != nil {
		a.book.RestoreResidual(amount)
		return 0, transferError(a.operator, amount, err)
	}

	a.emit(EventEmergencyWithdrawal, caller, amount, "residual escrow balance swept")
	return amount, nil
}

// Winner returns the winning bidder and amount. Valid once the effective
// phase is Ended or Finalized; the bidder is empty if no bid was accepted.
func (a *Auction) Winner() (string, uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.maybeEnd(a.clock())
	if a.phase != PhaseEnded && a.phase != PhaseFinalized {
		return "", 0, fmt.Errorf("winner query in phase %s: %w", a.phase, ErrInvalidPhase)
	}
	if a.highBidder == "" {
		return "", 0, nil
	}
	return a.highBidder, a.highBid, nil
}

// NextMinimumBid returns the smallest declared amount the next bid must meet.
func (a *Auction) NextMinimumBid() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.maybeEnd(a.clock())
	return a.nextMinimumBidLocked()
}

// nextMinimumBidLocked computes the minimum bid: before the first bid it is
// the starting price, afterwards it is
// highBid + highBid*incrementPct/100 with integer division. The truncation
// makes the required minimum slightly lenient at the boundary; callers that
// want round-up semantics need a revised policy, not a local fix.
func (a *Auction) nextMinimumBidLocked() uint64 {
	if a.highBidder == "" {
		return a.highBid
	}
	hi, lo := bits.Mul64(a.highBid, a.incrementPct)
	increment, _ := bits.Div64(hi, lo, 100)
	sum, carry := bits.Add64(a.highBid, increment, 0)
	if carry != 0 {
		// Saturate: no representable bid can outbid the current high bid.
		return math.MaxUint64
	}
	return sum
}

// State returns a consistent snapshot of the auction.
func (a *Auction) State() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.maybeEnd(a.clock())
	return Snapshot{
		Phase:          a.phase,
		StartTime:      a.startTime,
		EndTime:        a.endTime,
		HighBid:        a.highBid,
		HighBidder:     a.highBidder,
		NextMinimumBid: a.nextMinimumBidLocked(),
		WinnerPaid:     a.book.WinnerPaid(),
		CommissionPool: a.book.CommissionPool(),
		VaultBalance:   a.book.VaultBalance(),
		Participants:   len(a.registrationOrder),
		Bids:           len(a.history),
	}
}

// BidHistory returns a copy of the append-only bid history.
func (a *Auction) BidHistory() []BidRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.maybeEnd(a.clock())
	out := make([]BidRecord, len(a.history))
	copy(out, a.history)
	return out
}

// Excess returns the caller's current withdrawable excess.
func (a *Auction) Excess(identity string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.maybeEnd(a.clock())
	return a.book.WithdrawableExcess(identity)
}

func transferError(to string, amount uint64, err error) error {
	return fmt.Errorf("transfer of %d to %s: %v: %w", amount, to, err, ErrTransferFailed)
}
