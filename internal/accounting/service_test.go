package accounting_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/coverpool/internal/accounting"
	"github.com/terminal-bench/coverpool/internal/oracle"
	"github.com/terminal-bench/coverpool/internal/tracker"
	"github.com/terminal-bench/coverpool/pkg/errs"
	"github.com/terminal-bench/coverpool/pkg/messaging"
)

type nopSubmitter struct{}

func (nopSubmitter) Submit(ctx context.Context, op *tracker.Operation) error { return nil }

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func event(t *testing.T, eventType string, seq int64, data interface{}) *messaging.Event {
	t.Helper()
	ev, err := messaging.NewEvent(eventType, seq, data)
	require.NoError(t, err)
	return ev
}

func newService(t *testing.T) (*accounting.Service, *oracle.Static) {
	t.Helper()
	static := oracle.NewStatic()
	static.Set("atom", dec("10"))

	svc := accounting.NewService(accounting.Config{
		Tracker:      tracker.New(tracker.Config{}, nopSubmitter{}),
		Oracle:       static,
		SafetyBuffer: func() decimal.Decimal { return dec("0.05") },
	})
	return svc, static
}

func TestApplyEvent(t *testing.T) {
	t.Run("should fold deposits into aggregates and provider capital", func(t *testing.T) {
		svc, _ := newService(t)
		svc.RegisterProvider("carol", "conservative")

		err := svc.ApplyEvent(event(t, messaging.EventTypeFundsDeposited, 1,
			messaging.FundsDepositedEvent{Depositor: "carol", Amount: "100", Token: "atom"}))
		require.NoError(t, err)

		aggs := svc.Aggregates()
		assert.True(t, aggs["atom"].Total.Equal(dec("100")))

		rec, err := svc.Provider("carol")
		require.NoError(t, err)
		assert.True(t, rec.Positions["atom"].CapitalDeposited.Equal(dec("100")))
	})

	t.Run("should apply each sequence exactly once", func(t *testing.T) {
		svc, _ := newService(t)

		ev := event(t, messaging.EventTypeFundsDeposited, 7,
			messaging.FundsDepositedEvent{Depositor: "carol", Amount: "100", Token: "atom"})
		require.NoError(t, svc.ApplyEvent(ev))
		require.NoError(t, svc.ApplyEvent(ev))

		aggs := svc.Aggregates()
		assert.True(t, aggs["atom"].Total.Equal(dec("100")))
		assert.Equal(t, int64(7), svc.LastSequence())
	})

	t.Run("should not credit capital to unregistered depositors", func(t *testing.T) {
		svc, _ := newService(t)

		// A policy buyer's premium deposit moves pool totals but creates no
		// provider capital.
		require.NoError(t, svc.ApplyEvent(event(t, messaging.EventTypeFundsDeposited, 1,
			messaging.FundsDepositedEvent{Depositor: "alice", Amount: "5", Token: "atom"})))

		aggs := svc.Aggregates()
		assert.True(t, aggs["atom"].Total.Equal(dec("5")))
		_, err := svc.Provider("alice")
		assert.Error(t, err)
	})

	t.Run("should track locked collateral and settlements", func(t *testing.T) {
		svc, _ := newService(t)

		require.NoError(t, svc.ApplyEvent(event(t, messaging.EventTypeFundsDeposited, 1,
			messaging.FundsDepositedEvent{Depositor: "carol", Amount: "100", Token: "atom"})))
		require.NoError(t, svc.ApplyEvent(event(t, messaging.EventTypeCollateralLocked, 2,
			messaging.CollateralLockedEvent{PolicyID: 1, Amount: "50", Token: "atom"})))
		require.NoError(t, svc.ApplyEvent(event(t, messaging.EventTypeSettlementPaid, 3,
			messaging.SettlementPaidEvent{PolicyID: 1, Recipient: "alice", Amount: "30", Token: "atom"})))

		aggs := svc.Aggregates()
		assert.True(t, aggs["atom"].Total.Equal(dec("70")))
		assert.True(t, aggs["atom"].Locked.Equal(dec("20")))
	})

	t.Run("should track premium pool movements", func(t *testing.T) {
		svc, _ := newService(t)

		require.NoError(t, svc.ApplyEvent(event(t, messaging.EventTypeFundsDeposited, 1,
			messaging.FundsDepositedEvent{Depositor: "alice", Amount: "10", Token: "atom"})))
		require.NoError(t, svc.ApplyEvent(event(t, messaging.EventTypePremiumRecorded, 2,
			messaging.PremiumRecordedEvent{PolicyID: 1, Counterparty: "bob", Amount: "10", Token: "atom"})))
		require.NoError(t, svc.ApplyEvent(event(t, messaging.EventTypePremiumDistributed, 3,
			messaging.PremiumDistributedEvent{PolicyID: 1, Counterparty: "bob", Amount: "10", Token: "atom"})))

		aggs := svc.Aggregates()
		assert.True(t, aggs["atom"].Premiums.Equal(dec("10")))
		assert.True(t, aggs["atom"].DistributedPremium.Equal(dec("10")))
		assert.True(t, aggs["atom"].Total.IsZero())
	})

	t.Run("should accrue provider yield on premium payouts", func(t *testing.T) {
		svc, _ := newService(t)
		svc.RegisterProvider("carol", "conservative")

		require.NoError(t, svc.ApplyEvent(event(t, messaging.EventTypeProviderPremiumDistributed, 1,
			messaging.ProviderPremiumDistributedEvent{Provider: "carol", PolicyID: 1, Amount: "2", Token: "atom"})))

		rec, err := svc.Provider("carol")
		require.NoError(t, err)
		assert.True(t, rec.Positions["atom"].AccruedYield.Equal(dec("2")))
	})

	t.Run("should skip unknown event types", func(t *testing.T) {
		svc, _ := newService(t)

		err := svc.ApplyEvent(event(t, "vault.something_new", 1, map[string]string{"x": "y"}))
		assert.NoError(t, err)
		assert.Equal(t, int64(1), svc.LastSequence())
	})
}

func seedProvider(t *testing.T, svc *accounting.Service) {
	t.Helper()
	svc.RegisterProvider("carol", "conservative")
	require.NoError(t, svc.ApplyEvent(event(t, messaging.EventTypeFundsDeposited, 1,
		messaging.FundsDepositedEvent{Depositor: "carol", Amount: "100", Token: "atom"})))
	require.NoError(t, svc.ApplyEvent(event(t, messaging.EventTypeCollateralLocked, 2,
		messaging.CollateralLockedEvent{PolicyID: 1, Amount: "60", Token: "atom"})))
	require.NoError(t, svc.ApplyEvent(event(t, messaging.EventTypeAllocationRecorded, 3,
		messaging.AllocationRecordedEvent{Provider: "carol", PolicyID: 1, AllocatedAmount: "60", PremiumShare: "3", Token: "atom"})))
}

func TestMaxWithdrawable(t *testing.T) {
	t.Run("should subtract buffered required collateral from capital", func(t *testing.T) {
		svc, _ := newService(t)
		seedProvider(t, svc)

		max, err := svc.MaxWithdrawable(context.Background(), "carol", "atom")
		require.NoError(t, err)
		// 100 - 60 * 1.05 = 37
		assert.True(t, max.Equal(dec("37")))
	})

	t.Run("should free collateral once the policy is terminal", func(t *testing.T) {
		svc, _ := newService(t)
		seedProvider(t, svc)

		require.NoError(t, svc.ApplyEvent(event(t, messaging.EventTypePolicyStatusUpdated, 4,
			messaging.PolicyStatusUpdatedEvent{PolicyID: 1, PreviousStatus: "active", NewStatus: "expired"})))

		max, err := svc.MaxWithdrawable(context.Background(), "carol", "atom")
		require.NoError(t, err)
		assert.True(t, max.Equal(dec("100")))
	})

	t.Run("should floor at zero when obligations exceed capital", func(t *testing.T) {
		svc, _ := newService(t)
		seedProvider(t, svc)

		require.NoError(t, svc.ApplyEvent(event(t, messaging.EventTypeAllocationRecorded, 4,
			messaging.AllocationRecordedEvent{Provider: "carol", PolicyID: 2, AllocatedAmount: "50", PremiumShare: "2", Token: "atom"})))
		require.NoError(t, svc.ApplyEvent(event(t, messaging.EventTypeCollateralLocked, 5,
			messaging.CollateralLockedEvent{PolicyID: 2, Amount: "50", Token: "atom"})))

		max, err := svc.MaxWithdrawable(context.Background(), "carol", "atom")
		require.NoError(t, err)
		assert.True(t, max.IsZero())
	})

	t.Run("should fail closed when the oracle is unavailable", func(t *testing.T) {
		svc, _ := newService(t)
		seedProvider(t, svc)

		_, err := svc.MaxWithdrawable(context.Background(), "carol", "osmo")
		assert.ErrorIs(t, err, errs.ErrOracleUnavailable)
	})

	t.Run("should reject unregistered providers", func(t *testing.T) {
		svc, _ := newService(t)

		_, err := svc.MaxWithdrawable(context.Background(), "mallory", "atom")
		assert.Error(t, err)
	})
}

func TestRequestWithdrawal(t *testing.T) {
	t.Run("should prepare an instruction within the limit", func(t *testing.T) {
		svc, _ := newService(t)
		seedProvider(t, svc)

		op, err := svc.RequestWithdrawal(context.Background(), "carol", "atom", dec("30"))
		require.NoError(t, err)
		assert.Equal(t, tracker.StatusPrepared, op.Status)
		assert.Equal(t, tracker.KindWithdrawal, op.Kind)
	})

	t.Run("should reject requests beyond the limit", func(t *testing.T) {
		svc, _ := newService(t)
		seedProvider(t, svc)

		_, err := svc.RequestWithdrawal(context.Background(), "carol", "atom", dec("38"))
		assert.ErrorIs(t, err, errs.ErrInsufficientLiquidity)
	})

	t.Run("should reject non-positive amounts", func(t *testing.T) {
		svc, _ := newService(t)
		seedProvider(t, svc)

		_, err := svc.RequestWithdrawal(context.Background(), "carol", "atom", dec("0"))
		assert.ErrorIs(t, err, errs.ErrInvalidAmount)
	})
}

func TestCorrectField(t *testing.T) {
	t.Run("should overwrite one field and keep provider metadata", func(t *testing.T) {
		svc, _ := newService(t)
		seedProvider(t, svc)

		require.NoError(t, svc.CorrectField("atom", accounting.FieldTotal, dec("99")))

		aggs := svc.Aggregates()
		assert.True(t, aggs["atom"].Total.Equal(dec("99")))

		rec, err := svc.Provider("carol")
		require.NoError(t, err)
		assert.True(t, rec.Positions["atom"].CapitalDeposited.Equal(dec("100")))
	})

	t.Run("should leave sibling fields to the event stream", func(t *testing.T) {
		svc, _ := newService(t)
		seedProvider(t, svc)

		before := svc.Aggregates()["atom"].Locked
		require.NoError(t, svc.CorrectField("atom", accounting.FieldTotal, dec("99")))

		// A correction scoped to total must never carry a stale locked value
		// over a mutation applied between snapshot and repair.
		assert.True(t, svc.Aggregates()["atom"].Locked.Equal(before))
	})

	t.Run("should reject unknown fields", func(t *testing.T) {
		svc, _ := newService(t)

		assert.Error(t, svc.CorrectField("atom", "available", dec("1")))
	})
}

func TestPortfolio(t *testing.T) {
	t.Run("should build the provider view without a cache", func(t *testing.T) {
		svc, _ := newService(t)
		seedProvider(t, svc)

		portfolio, err := svc.Portfolio(context.Background(), "carol")
		require.NoError(t, err)
		assert.Equal(t, "carol", portfolio.Provider)
		assert.Equal(t, "conservative", portfolio.RiskTier)

		tp, ok := portfolio.Tokens["atom"]
		require.True(t, ok)
		assert.Equal(t, "100", tp.Capital)
		assert.Equal(t, "60", tp.RequiredCollateral)
		assert.Equal(t, "37", tp.MaxWithdrawable)
		assert.Equal(t, "0.6", tp.Utilization)
	})
}
