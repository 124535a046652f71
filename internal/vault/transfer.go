package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/coverpool/pkg/errs"
)

// Transferer moves fungible value between accounts. The vault requires the
// transfer to commit together with its own bookkeeping: a transfer error
// aborts the operation with no state change.
type Transferer interface {
	Transfer(ctx context.Context, token, from, to string, amount decimal.Decimal) error
}

// MemoryBank is an in-process Transferer keeping per-account token balances.
// Used by tests and single-process deployments; production wires a custody
// adapter behind the same interface.
type MemoryBank struct {
	mu       sync.Mutex
	balances map[string]map[string]decimal.Decimal // token -> account -> balance
}

// NewMemoryBank creates an empty bank.
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{balances: make(map[string]map[string]decimal.Decimal)}
}

// Mint credits an account out of thin air. Test and bootstrap helper.
func (b *MemoryBank) Mint(token, account string, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(token, account, amount)
}

// Balance returns an account's balance for a token.
func (b *MemoryBank) Balance(token, account string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	if accts, ok := b.balances[token]; ok {
		return accts[account]
	}
	return decimal.Zero
}

// Transfer moves amount from one account to another atomically.
func (b *MemoryBank) Transfer(ctx context.Context, token, from, to string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: transfer amount must be positive", errs.ErrInvalidAmount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	accts := b.balances[token]
	if accts == nil || accts[from].LessThan(amount) {
		return fmt.Errorf("%w: %s has insufficient %s", errs.ErrTransferFailed, from, token)
	}

	accts[from] = accts[from].Sub(amount)
	b.credit(token, to, amount)
	return nil
}

// credit must be called with b.mu held.
func (b *MemoryBank) credit(token, account string, amount decimal.Decimal) {
	if b.balances[token] == nil {
		b.balances[token] = make(map[string]decimal.Decimal)
	}
	b.balances[token][account] = b.balances[token][account].Add(amount)
}
