package vault_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/coverpool/internal/vault"
	"github.com/terminal-bench/coverpool/pkg/errs"
)

type capturingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *capturingPublisher) Publish(ctx context.Context, subject string, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

type failingTransferer struct{}

func (failingTransferer) Transfer(ctx context.Context, token, from, to string, amount decimal.Decimal) error {
	return errors.New("connector down")
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestVault(t *testing.T) (*vault.Vault, *vault.MemoryBank) {
	t.Helper()
	bank := vault.NewMemoryBank()
	bank.Mint("atom", "alice", dec("1000"))
	bank.Mint("atom", "bob", dec("1000"))
	bank.Mint("atom", "treasury", dec("1000"))

	v := vault.New(vault.Config{Transferer: bank})
	v.Grant("engine", vault.CapIssuer, vault.CapOperator)
	return v, bank
}

func TestDeposit(t *testing.T) {
	t.Run("should credit pool total and move funds", func(t *testing.T) {
		v, bank := newTestVault(t)

		err := v.Deposit(context.Background(), "alice", "atom", dec("100"))
		require.NoError(t, err)

		balance, err := v.Balance("atom")
		require.NoError(t, err)
		assert.True(t, balance.Total.Equal(dec("100")))
		assert.True(t, balance.Locked.IsZero())
		assert.True(t, bank.Balance("atom", "alice").Equal(dec("900")))
		assert.True(t, bank.Balance("atom", "vault").Equal(dec("100")))
	})

	t.Run("should reject non-positive amounts", func(t *testing.T) {
		v, _ := newTestVault(t)

		err := v.Deposit(context.Background(), "alice", "atom", dec("0"))
		assert.ErrorIs(t, err, errs.ErrInvalidAmount)

		err = v.Deposit(context.Background(), "alice", "atom", dec("-5"))
		assert.ErrorIs(t, err, errs.ErrInvalidAmount)
	})

	t.Run("should not change state when the transfer fails", func(t *testing.T) {
		v := vault.New(vault.Config{Transferer: failingTransferer{}})

		err := v.Deposit(context.Background(), "alice", "atom", dec("100"))
		assert.ErrorIs(t, err, errs.ErrTransferFailed)

		balance, err := v.Balance("atom")
		require.NoError(t, err)
		assert.True(t, balance.Total.IsZero())
	})
}

func TestWithdraw(t *testing.T) {
	t.Run("should let a depositor withdraw available funds", func(t *testing.T) {
		v, bank := newTestVault(t)
		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))

		err := v.Withdraw(context.Background(), "alice", "atom", dec("40"), "alice")
		require.NoError(t, err)

		balance, err := v.Balance("atom")
		require.NoError(t, err)
		assert.True(t, balance.Total.Equal(dec("60")))
		assert.True(t, bank.Balance("atom", "alice").Equal(dec("940")))
	})

	t.Run("should reject a caller who never deposited", func(t *testing.T) {
		v, _ := newTestVault(t)
		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))

		err := v.Withdraw(context.Background(), "mallory", "atom", dec("10"), "mallory")
		assert.ErrorIs(t, err, errs.ErrUnauthorized)
	})

	t.Run("should allow the operator to withdraw on behalf of others", func(t *testing.T) {
		v, bank := newTestVault(t)
		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))

		err := v.Withdraw(context.Background(), "engine", "atom", dec("25"), "bob")
		require.NoError(t, err)
		assert.True(t, bank.Balance("atom", "bob").Equal(dec("1025")))
	})

	t.Run("should never touch locked collateral", func(t *testing.T) {
		v, _ := newTestVault(t)
		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))
		require.NoError(t, v.LockCollateral(context.Background(), "engine", "atom", dec("80"), 1))

		err := v.Withdraw(context.Background(), "alice", "atom", dec("30"), "alice")
		assert.ErrorIs(t, err, errs.ErrInsufficientLiquidity)

		err = v.Withdraw(context.Background(), "alice", "atom", dec("20"), "alice")
		assert.NoError(t, err)
	})

	t.Run("should reject withdrawals from an unknown token", func(t *testing.T) {
		v, _ := newTestVault(t)

		err := v.Withdraw(context.Background(), "alice", "osmo", dec("10"), "alice")
		assert.ErrorIs(t, err, errs.ErrUnknownToken)
	})
}

func TestLockCollateral(t *testing.T) {
	t.Run("should reserve liquidity against a policy", func(t *testing.T) {
		v, _ := newTestVault(t)
		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))

		err := v.LockCollateral(context.Background(), "engine", "atom", dec("60"), 7)
		require.NoError(t, err)

		balance, err := v.Balance("atom")
		require.NoError(t, err)
		assert.True(t, balance.Locked.Equal(dec("60")))
		assert.True(t, balance.Available.Equal(dec("40")))
	})

	t.Run("should reject locks beyond available liquidity", func(t *testing.T) {
		v, _ := newTestVault(t)
		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))
		require.NoError(t, v.LockCollateral(context.Background(), "engine", "atom", dec("70"), 1))

		err := v.LockCollateral(context.Background(), "engine", "atom", dec("40"), 2)
		assert.ErrorIs(t, err, errs.ErrInsufficientLiquidity)
	})

	t.Run("should require the issuer capability", func(t *testing.T) {
		v, _ := newTestVault(t)
		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))

		err := v.LockCollateral(context.Background(), "alice", "atom", dec("10"), 1)
		assert.ErrorIs(t, err, errs.ErrUnauthorized)
	})
}

func TestReleaseCollateral(t *testing.T) {
	t.Run("should free locked capacity without moving funds", func(t *testing.T) {
		v, bank := newTestVault(t)
		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))
		require.NoError(t, v.LockCollateral(context.Background(), "engine", "atom", dec("60"), 1))

		err := v.ReleaseCollateral(context.Background(), "engine", "atom", dec("60"), 1)
		require.NoError(t, err)

		balance, err := v.Balance("atom")
		require.NoError(t, err)
		assert.True(t, balance.Total.Equal(dec("100")))
		assert.True(t, balance.Locked.IsZero())
		assert.True(t, bank.Balance("atom", "vault").Equal(dec("100")))
	})

	t.Run("should reject releases beyond the locked amount", func(t *testing.T) {
		v, _ := newTestVault(t)
		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))
		require.NoError(t, v.LockCollateral(context.Background(), "engine", "atom", dec("30"), 1))

		err := v.ReleaseCollateral(context.Background(), "engine", "atom", dec("31"), 1)
		assert.ErrorIs(t, err, errs.ErrInsufficientLockedCollateral)
	})
}

func TestSettle(t *testing.T) {
	t.Run("should pay the beneficiary and reduce total and locked together", func(t *testing.T) {
		v, bank := newTestVault(t)
		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))
		require.NoError(t, v.LockCollateral(context.Background(), "engine", "atom", dec("60"), 1))

		err := v.Settle(context.Background(), "engine", "atom", dec("45"), "bob", 1)
		require.NoError(t, err)

		balance, err := v.Balance("atom")
		require.NoError(t, err)
		assert.True(t, balance.Total.Equal(dec("55")))
		assert.True(t, balance.Locked.Equal(dec("15")))
		assert.True(t, bank.Balance("atom", "bob").Equal(dec("1045")))
	})

	t.Run("should reject settlement beyond locked collateral", func(t *testing.T) {
		v, _ := newTestVault(t)
		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))
		require.NoError(t, v.LockCollateral(context.Background(), "engine", "atom", dec("30"), 1))

		err := v.Settle(context.Background(), "engine", "atom", dec("31"), "bob", 1)
		assert.ErrorIs(t, err, errs.ErrInsufficientLockedCollateral)
	})

	t.Run("should leave state untouched when the payout transfer fails", func(t *testing.T) {
		bank := vault.NewMemoryBank()
		bank.Mint("atom", "alice", dec("100"))
		v := vault.New(vault.Config{Transferer: bank})
		v.Grant("engine", vault.CapIssuer)
		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))
		require.NoError(t, v.LockCollateral(context.Background(), "engine", "atom", dec("60"), 1))

		// Drain the custody account behind the vault's back so the transfer
		// cannot be funded.
		require.NoError(t, bank.Transfer(context.Background(), "atom", "vault", "elsewhere", dec("100")))

		err := v.Settle(context.Background(), "engine", "atom", dec("45"), "bob", 1)
		assert.ErrorIs(t, err, errs.ErrTransferFailed)

		balance, err := v.Balance("atom")
		require.NoError(t, err)
		assert.True(t, balance.Total.Equal(dec("100")))
		assert.True(t, balance.Locked.Equal(dec("60")))
	})
}

func TestPremiumPool(t *testing.T) {
	t.Run("should accumulate recorded premiums without moving funds", func(t *testing.T) {
		v, _ := newTestVault(t)
		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))

		require.NoError(t, v.RecordPremium(context.Background(), "engine", "atom", dec("10"), 1, "bob"))
		require.NoError(t, v.RecordPremium(context.Background(), "engine", "atom", dec("5"), 2, "bob"))

		pool, err := v.PremiumPool("atom")
		require.NoError(t, err)
		assert.True(t, pool.Total.Equal(dec("15")))
		assert.True(t, pool.Distributed.IsZero())
	})

	t.Run("should pay distribution out of custody and debit the pool", func(t *testing.T) {
		v, bank := newTestVault(t)
		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))
		require.NoError(t, v.RecordPremium(context.Background(), "engine", "atom", dec("10"), 1, "bob"))

		err := v.DistributePremium(context.Background(), "engine", "atom", dec("10"), "bob", 1)
		require.NoError(t, err)

		pool, err := v.PremiumPool("atom")
		require.NoError(t, err)
		assert.True(t, pool.Distributed.Equal(dec("10")))

		balance, err := v.Balance("atom")
		require.NoError(t, err)
		assert.True(t, balance.Total.Equal(dec("90")))
		assert.True(t, bank.Balance("atom", "bob").Equal(dec("1010")))
	})

	t.Run("should make double distribution structurally impossible", func(t *testing.T) {
		v, _ := newTestVault(t)
		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))
		require.NoError(t, v.RecordPremium(context.Background(), "engine", "atom", dec("10"), 1, "bob"))
		require.NoError(t, v.DistributePremium(context.Background(), "engine", "atom", dec("10"), "bob", 1))

		err := v.DistributePremium(context.Background(), "engine", "atom", dec("10"), "bob", 1)
		assert.ErrorIs(t, err, errs.ErrInsufficientLiquidity)
	})

	t.Run("should reject distribution beyond undistributed premium", func(t *testing.T) {
		v, _ := newTestVault(t)
		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))
		require.NoError(t, v.RecordPremium(context.Background(), "engine", "atom", dec("10"), 1, "bob"))

		err := v.DistributePremium(context.Background(), "engine", "atom", dec("11"), "bob", 1)
		assert.ErrorIs(t, err, errs.ErrInsufficientLiquidity)
	})
}

func TestProviderAllocations(t *testing.T) {
	t.Run("should record and re-record before distribution", func(t *testing.T) {
		v, _ := newTestVault(t)

		require.NoError(t, v.RecordProviderAllocation(context.Background(), "engine", "carol", 1, "atom", dec("40"), dec("4")))
		require.NoError(t, v.RecordProviderAllocation(context.Background(), "engine", "carol", 1, "atom", dec("50"), dec("5")))

		alloc, ok := v.Allocation("carol", 1)
		require.True(t, ok)
		assert.True(t, alloc.AllocatedAmount.Equal(dec("50")))
		assert.True(t, alloc.PremiumShare.Equal(dec("5")))
		assert.False(t, alloc.PremiumDistributed)
	})

	t.Run("should pay a provider its premium share exactly once", func(t *testing.T) {
		v, bank := newTestVault(t)
		require.NoError(t, v.RecordProviderAllocation(context.Background(), "engine", "carol", 1, "atom", dec("40"), dec("4")))

		err := v.DistributeProviderPremium(context.Background(), "engine", "carol", 1, dec("4"))
		require.NoError(t, err)
		assert.True(t, bank.Balance("atom", "carol").Equal(dec("4")))
		assert.True(t, bank.Balance("atom", "treasury").Equal(dec("996")))

		err = v.DistributeProviderPremium(context.Background(), "engine", "carol", 1, dec("4"))
		assert.ErrorIs(t, err, errs.ErrAlreadyDistributed)
	})

	t.Run("should reject overwriting a distributed allocation", func(t *testing.T) {
		v, _ := newTestVault(t)
		require.NoError(t, v.RecordProviderAllocation(context.Background(), "engine", "carol", 1, "atom", dec("40"), dec("4")))
		require.NoError(t, v.DistributeProviderPremium(context.Background(), "engine", "carol", 1, dec("4")))

		err := v.RecordProviderAllocation(context.Background(), "engine", "carol", 1, "atom", dec("60"), dec("6"))
		assert.ErrorIs(t, err, errs.ErrAlreadyDistributed)
	})

	t.Run("should reject payouts above the recorded share", func(t *testing.T) {
		v, _ := newTestVault(t)
		require.NoError(t, v.RecordProviderAllocation(context.Background(), "engine", "carol", 1, "atom", dec("40"), dec("4")))

		err := v.DistributeProviderPremium(context.Background(), "engine", "carol", 1, dec("5"))
		assert.ErrorIs(t, err, errs.ErrInvalidAmount)
	})

	t.Run("should reject payouts for unknown allocations", func(t *testing.T) {
		v, _ := newTestVault(t)

		err := v.DistributeProviderPremium(context.Background(), "engine", "dave", 9, dec("1"))
		assert.ErrorIs(t, err, errs.ErrPolicyNotFound)
	})
}

func TestEventSequencing(t *testing.T) {
	t.Run("should assign strictly increasing sequence numbers", func(t *testing.T) {
		bank := vault.NewMemoryBank()
		bank.Mint("atom", "alice", dec("1000"))
		pub := &capturingPublisher{}
		v := vault.New(vault.Config{Transferer: bank, Publisher: pub})
		v.Grant("engine", vault.CapIssuer)

		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))
		require.NoError(t, v.LockCollateral(context.Background(), "engine", "atom", dec("50"), 1))
		require.NoError(t, v.ReleaseCollateral(context.Background(), "engine", "atom", dec("50"), 1))

		pub.mu.Lock()
		defer pub.mu.Unlock()
		assert.Len(t, pub.subjects, 3)
	})
}

func TestSnapshot(t *testing.T) {
	t.Run("should expose per-token aggregates", func(t *testing.T) {
		v, _ := newTestVault(t)
		require.NoError(t, v.Deposit(context.Background(), "alice", "atom", dec("100")))
		require.NoError(t, v.LockCollateral(context.Background(), "engine", "atom", dec("60"), 1))
		require.NoError(t, v.RecordPremium(context.Background(), "engine", "atom", dec("10"), 1, "bob"))

		snap := v.Snapshot()
		agg, ok := snap["atom"]
		require.True(t, ok)
		assert.True(t, agg.Total.Equal(dec("100")))
		assert.True(t, agg.Locked.Equal(dec("60")))
		assert.True(t, agg.Premiums.Equal(dec("10")))
		assert.True(t, agg.DistributedPremium.IsZero())
	})
}
