package reconcile_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/coverpool/internal/accounting"
	"github.com/terminal-bench/coverpool/internal/reconcile"
	"github.com/terminal-bench/coverpool/internal/vault"
)

type fakeLedger struct {
	aggs map[string]vault.Aggregates
}

func (f fakeLedger) Aggregates(ctx context.Context) (map[string]vault.Aggregates, error) {
	return f.aggs, nil
}

type fakeReplica struct {
	mu        sync.Mutex
	aggs      map[string]accounting.Aggregates
	corrected map[string][]string
}

func (f *fakeReplica) Aggregates() map[string]accounting.Aggregates {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]accounting.Aggregates, len(f.aggs))
	for k, v := range f.aggs {
		out[k] = v
	}
	return out
}

func (f *fakeReplica) CorrectField(token, field string, value decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	agg := f.aggs[token]
	switch field {
	case accounting.FieldTotal:
		agg.Total = value
	case accounting.FieldLocked:
		agg.Locked = value
	case accounting.FieldPremiums:
		agg.Premiums = value
	case accounting.FieldDistributedPremiums:
		agg.DistributedPremium = value
	}
	f.aggs[token] = agg

	if f.corrected == nil {
		f.corrected = make(map[string][]string)
	}
	f.corrected[token] = append(f.corrected[token], field)
	return nil
}

type recordedDrift struct {
	token, field string
	escalated    bool
}

type fakeRecorder struct {
	mu     sync.Mutex
	drifts []recordedDrift
}

func (f *fakeRecorder) RecordDrift(ctx context.Context, token, field string, replica, ledger decimal.Decimal, escalated bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drifts = append(f.drifts, recordedDrift{token: token, field: field, escalated: escalated})
	return nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestRun(t *testing.T) {
	t.Run("should report clean when replica matches ledger", func(t *testing.T) {
		ledger := fakeLedger{aggs: map[string]vault.Aggregates{
			"atom": {Total: dec("100"), Locked: dec("40")},
		}}
		replica := &fakeReplica{aggs: map[string]accounting.Aggregates{
			"atom": {Total: dec("100"), Locked: dec("40")},
		}}

		engine := reconcile.NewEngine(reconcile.Config{
			Ledger:    ledger,
			Replica:   replica,
			Tolerance: dec("0.01"),
		})

		report, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Tokens)
		assert.Empty(t, report.Corrections)
		assert.Empty(t, report.Escalations)
		assert.Empty(t, replica.corrected)
	})

	t.Run("should correct drift within tolerance from ledger truth", func(t *testing.T) {
		ledger := fakeLedger{aggs: map[string]vault.Aggregates{
			"atom": {Total: dec("100"), Locked: dec("40")},
		}}
		replica := &fakeReplica{aggs: map[string]accounting.Aggregates{
			"atom": {Total: dec("100.005"), Locked: dec("40")},
		}}
		recorder := &fakeRecorder{}

		engine := reconcile.NewEngine(reconcile.Config{
			Ledger:    ledger,
			Replica:   replica,
			Recorder:  recorder,
			Tolerance: dec("0.01"),
		})

		report, err := engine.Run(context.Background())
		require.NoError(t, err)
		require.Len(t, report.Corrections, 1)
		assert.Equal(t, "total", report.Corrections[0].Field)
		assert.True(t, report.Corrections[0].Before.Equal(dec("100.005")))
		assert.True(t, report.Corrections[0].After.Equal(dec("100")))

		assert.True(t, replica.aggs["atom"].Total.Equal(dec("100")))
		require.Len(t, recorder.drifts, 1)
		assert.False(t, recorder.drifts[0].escalated)
	})

	t.Run("should escalate drift beyond tolerance without correcting", func(t *testing.T) {
		ledger := fakeLedger{aggs: map[string]vault.Aggregates{
			"atom": {Total: dec("100")},
		}}
		replica := &fakeReplica{aggs: map[string]accounting.Aggregates{
			"atom": {Total: dec("150")},
		}}
		recorder := &fakeRecorder{}

		engine := reconcile.NewEngine(reconcile.Config{
			Ledger:    ledger,
			Replica:   replica,
			Recorder:  recorder,
			Tolerance: dec("0.01"),
		})

		report, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Empty(t, report.Corrections)
		require.Len(t, report.Escalations, 1)
		assert.Equal(t, "total", report.Escalations[0].Field)

		// Escalation never mutates the replica.
		assert.True(t, replica.aggs["atom"].Total.Equal(dec("150")))
		require.Len(t, recorder.drifts, 1)
		assert.True(t, recorder.drifts[0].escalated)
	})

	t.Run("should handle mixed fields per token independently", func(t *testing.T) {
		ledger := fakeLedger{aggs: map[string]vault.Aggregates{
			"atom": {Total: dec("100"), Locked: dec("40"), Premiums: dec("10")},
		}}
		replica := &fakeReplica{aggs: map[string]accounting.Aggregates{
			"atom": {Total: dec("100.001"), Locked: dec("90"), Premiums: dec("10")},
		}}

		engine := reconcile.NewEngine(reconcile.Config{
			Ledger:    ledger,
			Replica:   replica,
			Tolerance: dec("0.01"),
		})

		report, err := engine.Run(context.Background())
		require.NoError(t, err)
		require.Len(t, report.Corrections, 1)
		require.Len(t, report.Escalations, 1)

		// The in-tolerance field is repaired even though a sibling escalated.
		assert.True(t, replica.aggs["atom"].Total.Equal(dec("100")))
		assert.True(t, replica.aggs["atom"].Locked.Equal(dec("90")))
	})

	t.Run("should treat a ledger token missing from the replica as drift", func(t *testing.T) {
		ledger := fakeLedger{aggs: map[string]vault.Aggregates{
			"osmo": {Total: dec("0.004")},
		}}
		replica := &fakeReplica{aggs: map[string]accounting.Aggregates{}}

		engine := reconcile.NewEngine(reconcile.Config{
			Ledger:    ledger,
			Replica:   replica,
			Tolerance: dec("0.01"),
		})

		report, err := engine.Run(context.Background())
		require.NoError(t, err)
		require.Len(t, report.Corrections, 1)
		assert.True(t, replica.aggs["osmo"].Total.Equal(dec("0.004")))
	})
}

func TestVaultSource(t *testing.T) {
	t.Run("should read aggregates straight from an in-process vault", func(t *testing.T) {
		bank := vault.NewMemoryBank()
		bank.Mint("atom", "carol", dec("100"))
		v := vault.New(vault.Config{Transferer: bank})
		require.NoError(t, v.Deposit(context.Background(), "carol", "atom", dec("100")))

		source := reconcile.VaultSource{Vault: v}
		aggs, err := source.Aggregates(context.Background())
		require.NoError(t, err)
		assert.True(t, aggs["atom"].Total.Equal(dec("100")))
	})
}
