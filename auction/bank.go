package auction

import (
	"context"
	"sync"
)

// Bank moves funds out of escrow to a recipient identity. Implementations
// talk to whatever payment rail holds the actual value; the controller only
// requires that a nil error means the funds irrevocably left the escrow.
type Bank interface {
	Transfer(ctx context.Context, to string, amount uint64) error
}

// MemoryBank is an in-process Bank that credits recipients in a map. It backs
// local runs and tests; a deployment wires a real payment integration.
type MemoryBank struct {
	mu       sync.Mutex
	balances map[string]uint64
}

// NewMemoryBank returns an empty in-memory bank.
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{balances: make(map[string]uint64)}
}

// Transfer credits amount to the recipient.
func (b *MemoryBank) Transfer(_ context.Context, to string, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[to] += amount
	return nil
}

// Balance returns the total credited to an identity.
func (b *MemoryBank) Balance(identity string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[identity]
}
