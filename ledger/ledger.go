package ledger

import (
	"errors"
	"fmt"
	"math/bits"
)

// Sentinel errors for invariant and guard violations. Callers match with errors.Is.
var (
	// ErrOverflow indicates a checked arithmetic operation would overflow uint64.
	ErrOverflow = errors.New("amount overflow")

	// ErrLimitExceeded indicates a withdrawal amount outside the legal range.
	ErrLimitExceeded = errors.New("amount exceeds withdrawable limit")

	// ErrAlreadySettled indicates a one-shot withdrawal was attempted twice.
	ErrAlreadySettled = errors.New("already settled")

	// ErrNothingToWithdraw indicates a zero-balance withdrawal attempt.
	ErrNothingToWithdraw = errors.New("nothing to withdraw")

	// ErrUnknownParticipant indicates an identity the ledger has no record for.
	ErrUnknownParticipant = errors.New("unknown participant")
)

// Participant holds the escrowed balances for a single bidder identity.
//
// Invariant: TotalDeposited >= LastBidAmount at all times. The difference is
// the participant's withdrawable excess.
type Participant struct {
	// TotalDeposited is the cumulative value this participant has sent in,
	// reduced only by withdrawals and settlement.
	TotalDeposited uint64

	// LastBidAmount is the amount of the participant's most recently accepted
	// bid. It stays set even after the participant is outbid.
	LastBidAmount uint64
}

// Settlement is the result of settling one participant during distribution.
// It carries enough information to restore the participant if the payout
// transfer fails after the ledger mutation.
type Settlement struct {
	Payout     uint64
	Commission uint64

	// priorLastBid is the LastBidAmount that was zeroed by the settlement,
	// kept so Restore can reinstate the exact pre-settlement record.
	priorLastBid uint64
}

// Total returns the balance that was settled (payout plus commission).
func (s Settlement) Total() uint64 {
	return s.Payout + s.Commission
}

// Ledger owns all monetary state of the escrow: per-participant balances, the
// commission pool, the winner-paid guard, and the vault total used for
// residual accounting. It performs no I/O and knows nothing about the auction
// lifecycle; the controller guarantees auction semantics before calling in.
//
// The Ledger is not safe for concurrent use; the controller serializes access.
type Ledger struct {
	commissionPct uint64

	participants map[string]*Participant

	// vault is the total value currently held in escrow: every deposit adds
	// to it, every successful outbound transfer subtracts from it.
	vault uint64

	commissionPool uint64
	winnerPaid     bool
}

// New creates an empty ledger. commissionPct is the settlement commission in
// whole percent and must be at most 100.
func New(commissionPct uint64) (*Ledger, error) {
	if commissionPct > 100 {
		return nil, fmt.Errorf("commission percentage %d exceeds 100", commissionPct)
	}
	return &Ledger{
		commissionPct: commissionPct,
		participants:  make(map[string]*Participant),
	}, nil
}

// RecordBid credits depositedValue to the participant's cumulative deposit and
// marks declaredAmount as their standing bid. The caller guarantees the
// auction semantics (minimum increment, deposit covers the bid); the ledger
// only guards arithmetic. On error no state is changed.
func (l *Ledger) RecordBid(identity string, declaredAmount, depositedValue uint64) error {
	p := l.participants[identity]
	if p == nil {
		p = &Participant{}
	}

	newTotal, err := checkedAdd(p.TotalDeposited, depositedValue)
	if err != nil {
		return fmt.Errorf("deposit for %s: %w", identity, err)
	}
	newVault, err := checkedAdd(l.vault, depositedValue)
	if err != nil {
		return fmt.Errorf("vault credit for %s: %w", identity, err)
	}

	l.participants[identity] = p
	p.TotalDeposited = newTotal
	p.LastBidAmount = declaredAmount
	l.vault = newVault
	return nil
}

// WithdrawableExcess returns the portion of the participant's deposit beyond
// their standing bid. Unknown identities have zero excess.
func (l *Ledger) WithdrawableExcess(identity string) uint64 {
	p := l.participants[identity]
	if p == nil {
		return 0
	}
	// Never negative given the TotalDeposited >= LastBidAmount invariant.
	return p.TotalDeposited - p.LastBidAmount
}

// ApplyExcessWithdrawal debits amount from the participant's deposit and the
// vault. Requires 0 < amount <= WithdrawableExcess(identity).
func (l *Ledger) ApplyExcessWithdrawal(identity string, amount uint64) error {
	p := l.participants[identity]
	if p == nil {
		return fmt.Errorf("excess withdrawal for %s: %w", identity, ErrUnknownParticipant)
	}
	if amount == 0 {
		return fmt.Errorf("excess withdrawal for %s: %w", identity, ErrNothingToWithdraw)
	}
	if amount > p.TotalDeposited-p.LastBidAmount {
		return fmt.Errorf("excess withdrawal of %d for %s: %w", amount, identity, ErrLimitExceeded)
	}

	p.TotalDeposited -= amount
	l.vault -= amount
	return nil
}

// RestoreExcess re-credits a previously applied excess withdrawal. Used to
// roll the ledger back when the external transfer step fails.
func (l *Ledger) RestoreExcess(identity string, amount uint64) {
	p := l.participants[identity]
	if p == nil {
		// Withdrawals are only applied to known participants, so a missing
		// record here is a programming error.
		panic(fmt.Sprintf("ledger: restore excess for unknown participant %s", identity))
	}
	p.TotalDeposited += amount
	l.vault += amount
}

// SettleParticipant computes the participant's final payout and commission,
// zeroes their balances, and debits the payout from the vault. The commission
// share stays in the vault until the operator withdraws the pool.
//
// A participant with a zero balance settles to (0,0) with no state change, so
// calling this twice is safe.
func (l *Ledger) SettleParticipant(identity string) (Settlement, bool) {
	p := l.participants[identity]
	if p == nil || p.TotalDeposited == 0 {
		return Settlement{}, false
	}

	commission := truncatingPct(p.TotalDeposited, l.commissionPct)
	settlement := Settlement{
		Payout:       p.TotalDeposited - commission,
		Commission:   commission,
		priorLastBid: p.LastBidAmount,
	}

	l.vault -= settlement.Payout
	p.TotalDeposited = 0
	p.LastBidAmount = 0
	return settlement, true
}

// RestoreSettlement reinstates a participant settled by SettleParticipant.
// Used when the payout transfer fails: the participant's balances return to
// their pre-settlement values so a retried distribution can settle them again.
func (l *Ledger) RestoreSettlement(identity string, s Settlement) {
	p := l.participants[identity]
	if p == nil {
		panic(fmt.Sprintf("ledger: restore settlement for unknown participant %s", identity))
	}
	p.TotalDeposited = s.Total()
	p.LastBidAmount = s.priorLastBid
	l.vault += s.Payout
}

// AddCommission credits the commission pool. Called once per distribution
// batch with the aggregate commission of that batch.
func (l *Ledger) AddCommission(amount uint64) error {
	pool, err := checkedAdd(l.commissionPool, amount)
	if err != nil {
		return fmt.Errorf("commission pool credit: %w", err)
	}
	l.commissionPool = pool
	return nil
}

// WithdrawWinningBid debits the winning amount from the winner's deposit and
// the vault, consuming their standing bid so only the excess remains for the
// settlement batch. One-shot: a second call fails with ErrAlreadySettled.
func (l *Ledger) WithdrawWinningBid(winner string, amount uint64) (uint64, error) {
	if l.winnerPaid {
		return 0, fmt.Errorf("winning bid: %w", ErrAlreadySettled)
	}
	p := l.participants[winner]
	if p == nil {
		return 0, fmt.Errorf("winning bid for %s: %w", winner, ErrUnknownParticipant)
	}
	if amount > p.TotalDeposited {
		return 0, fmt.Errorf("winning bid %d exceeds deposit of %s: %w", amount, winner, ErrLimitExceeded)
	}

	p.TotalDeposited -= amount
	p.LastBidAmount = 0
	l.vault -= amount
	l.winnerPaid = true
	return amount, nil
}

// RestoreWinningBid rolls back WithdrawWinningBid after a failed transfer,
// re-arming the one-shot guard.
func (l *Ledger) RestoreWinningBid(winner string, amount, priorLastBid uint64) {
	p := l.participants[winner]
	if p == nil {
		panic(fmt.Sprintf("ledger: restore winning bid for unknown participant %s", winner))
	}
	p.TotalDeposited += amount
	p.LastBidAmount = priorLastBid
	l.vault += amount
	l.winnerPaid = false
}

// WithdrawCommissionPool empties the commission pool and debits it from the
// vault, returning the withdrawn amount. An empty pool is a reported error.
func (l *Ledger) WithdrawCommissionPool() (uint64, error) {
	if l.commissionPool == 0 {
		return 0, fmt.Errorf("commission pool: %w", ErrNothingToWithdraw)
	}
	amount := l.commissionPool
	l.commissionPool = 0
	l.vault -= amount
	return amount, nil
}

// RestoreCommissionPool rolls back WithdrawCommissionPool after a failed
// transfer.
func (l *Ledger) RestoreCommissionPool(amount uint64) {
	l.commissionPool += amount
	l.vault += amount
}

// SweepResidual withdraws the vault balance not accounted for by participant
// deposits or the commission pool. A safety valve, not part of normal
// accounting: under normal operation the residual is zero.
func (l *Ledger) SweepResidual() (uint64, error) {
	residual := l.ResidualBalance()
	if residual == 0 {
		return 0, fmt.Errorf("residual sweep: %w", ErrNothingToWithdraw)
	}
	l.vault -= residual
	return residual, nil
}

// RestoreResidual re-credits a swept residual after a failed transfer.
func (l *Ledger) RestoreResidual(amount uint64) {
	l.vault += amount
}

// Participant returns a copy of the participant's record. The second return
// is false for identities that have never bid.
func (l *Ledger) Participant(identity string) (Participant, bool) {
	p := l.participants[identity]
	if p == nil {
		return Participant{}, false
	}
	return *p, true
}

// WinnerPaid reports whether the winning amount has been withdrawn.
func (l *Ledger) WinnerPaid() bool {
	return l.winnerPaid
}

// CommissionPool returns the commission currently owed to the operator.
func (l *Ledger) CommissionPool() uint64 {
	return l.commissionPool
}

// VaultBalance returns the total value currently held in escrow.
func (l *Ledger) VaultBalance() uint64 {
	return l.vault
}

// AccountedBalance returns the portion of the vault attributed to participant
// deposits and the commission pool.
func (l *Ledger) AccountedBalance() uint64 {
	total := l.commissionPool
	for _, p := range l.participants {
		total += p.TotalDeposited
	}
	return total
}

// ResidualBalance returns vault value not attributed to any ledger account.
func (l *Ledger) ResidualBalance() uint64 {
	return l.vault - l.AccountedBalance()
}

// checkedAdd returns a+b or ErrOverflow.
func checkedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// truncatingPct computes total*pct/100 with truncating division, exact for
// the full uint64 range.
func truncatingPct(total, pct uint64) uint64 {
	hi, lo := bits.Mul64(total, pct)
	// hi < 100 always holds because pct <= 100, so Div64 cannot panic.
	q, _ := bits.Div64(hi, lo, 100)
	return q
}
