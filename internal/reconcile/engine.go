package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/coverpool/internal/accounting"
	"github.com/terminal-bench/coverpool/internal/vault"
	"github.com/terminal-bench/coverpool/pkg/messaging"
)

// LedgerSource supplies the authoritative per-token aggregates from one
// consistent snapshot.
type LedgerSource interface {
	Aggregates(ctx context.Context) (map[string]vault.Aggregates, error)
}

// Replica is the reconcilable side of the accounting service. Corrections
// are field-scoped so the replica can apply them under its own lock without
// losing concurrently applied event mutations.
type Replica interface {
	Aggregates() map[string]accounting.Aggregates
	CorrectField(token, field string, value decimal.Decimal) error
}

// DriftRecorder persists observed drift for dashboards and alerting.
type DriftRecorder interface {
	RecordDrift(ctx context.Context, token, field string, replica, ledger decimal.Decimal, escalated bool) error
}

// Correction is one applied replica repair, logged with before and after.
type Correction struct {
	Token  string
	Field  string
	Before decimal.Decimal
	After  decimal.Decimal
}

// Escalation is drift beyond tolerance: flagged, never auto-corrected.
// Large mismatches indicate a missed event rather than normal drift.
type Escalation struct {
	Token   string
	Field   string
	Replica decimal.Decimal
	Ledger  decimal.Decimal
}

// Report summarizes one reconciliation pass.
type Report struct {
	Tokens      int
	Corrections []Correction
	Escalations []Escalation
}

// Config wires the engine.
type Config struct {
	Ledger    LedgerSource
	Replica   Replica
	Recorder  DriftRecorder
	Publisher messaging.Publisher

	// Tolerance is the largest absolute drift the engine repairs silently.
	Tolerance decimal.Decimal
}

// Engine compares replica-derived aggregates against ledger truth and
// repairs drift. The ledger always wins; replica-only metadata is never
// touched.
type Engine struct {
	cfg Config
}

// NewEngine creates a reconciliation engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Run executes one reconciliation pass over every token the ledger knows.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	ledger, err := e.cfg.Ledger.Aggregates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ledger snapshot: %w", err)
	}
	replica := e.cfg.Replica.Aggregates()

	report := &Report{Tokens: len(ledger)}

	for token, truth := range ledger {
		observed := replica[token]

		fields := []struct {
			name    string
			replica decimal.Decimal
			ledger  decimal.Decimal
		}{
			{accounting.FieldTotal, observed.Total, truth.Total},
			{accounting.FieldLocked, observed.Locked, truth.Locked},
			{accounting.FieldPremiums, observed.Premiums, truth.Premiums},
			{accounting.FieldDistributedPremiums, observed.DistributedPremium, truth.DistributedPremium},
		}

		for _, f := range fields {
			if f.replica.Equal(f.ledger) {
				continue
			}
			drift := f.replica.Sub(f.ledger).Abs()

			if drift.GreaterThan(e.cfg.Tolerance) {
				e.escalate(ctx, report, token, f.name, f.replica, f.ledger)
				continue
			}

			if err := e.cfg.Replica.CorrectField(token, f.name, f.ledger); err != nil {
				log.Printf("reconcile: failed to correct %s.%s: %v", token, f.name, err)
				continue
			}
			report.Corrections = append(report.Corrections, Correction{
				Token:  token,
				Field:  f.name,
				Before: f.replica,
				After:  f.ledger,
			})
			log.Printf("reconcile: corrected %s.%s: %s -> %s", token, f.name, f.replica, f.ledger)
			e.record(ctx, token, f.name, f.replica, f.ledger, false)
			e.publishCorrection(ctx, token, f.name, f.replica, f.ledger)
		}
	}

	return report, nil
}

// RunLoop runs passes on a fixed interval until the context ends.
func (e *Engine) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Run(ctx); err != nil {
				log.Printf("reconcile: pass failed: %v", err)
			}
		}
	}
}

func (e *Engine) escalate(ctx context.Context, report *Report, token, field string, replica, ledger decimal.Decimal) {
	report.Escalations = append(report.Escalations, Escalation{
		Token:   token,
		Field:   field,
		Replica: replica,
		Ledger:  ledger,
	})
	log.Printf("reconcile: ESCALATION %s.%s replica=%s ledger=%s tolerance=%s",
		token, field, replica, ledger, e.cfg.Tolerance)
	e.record(ctx, token, field, replica, ledger, true)

	if e.cfg.Publisher == nil {
		return
	}
	event, err := messaging.NewEvent(messaging.EventTypeReconcileEscalation, 0, messaging.ReconcileEscalationEvent{
		Field:     field,
		Token:     token,
		Replica:   replica.String(),
		Ledger:    ledger.String(),
		Tolerance: e.cfg.Tolerance.String(),
	})
	if err != nil {
		return
	}
	if err := e.cfg.Publisher.Publish(ctx, messaging.EventTypeReconcileEscalation, event); err != nil {
		log.Printf("reconcile: failed to publish escalation: %v", err)
	}
}

func (e *Engine) publishCorrection(ctx context.Context, token, field string, before, after decimal.Decimal) {
	if e.cfg.Publisher == nil {
		return
	}
	event, err := messaging.NewEvent(messaging.EventTypeReconcileCorrection, 0, messaging.ReconcileCorrectionEvent{
		Field:  field,
		Token:  token,
		Before: before.String(),
		After:  after.String(),
	})
	if err != nil {
		return
	}
	if err := e.cfg.Publisher.Publish(ctx, messaging.EventTypeReconcileCorrection, event); err != nil {
		log.Printf("reconcile: failed to publish correction: %v", err)
	}
}

func (e *Engine) record(ctx context.Context, token, field string, replica, ledger decimal.Decimal, escalated bool) {
	if e.cfg.Recorder == nil {
		return
	}
	if err := e.cfg.Recorder.RecordDrift(ctx, token, field, replica, ledger, escalated); err != nil {
		log.Printf("reconcile: failed to record drift metric: %v", err)
	}
}
