package settlement

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/coverpool/internal/oracle"
	"github.com/terminal-bench/coverpool/internal/policy"
	"github.com/terminal-bench/coverpool/internal/pricing"
	"github.com/terminal-bench/coverpool/internal/vault"
	"github.com/terminal-bench/coverpool/pkg/errs"
	"github.com/terminal-bench/coverpool/pkg/messaging"
)

// Engine drives the collateral and settlement protocol on top of the vault
// and the policy store. It holds the issuer and operator capabilities under
// a single service identity.
type Engine struct {
	vault    *vault.Vault
	policies *policy.Store
	oracle   oracle.PriceOracle
	pricer   pricing.Pricer
	pub      messaging.Publisher

	identity string
	height   func() uint64

	mu          sync.RWMutex
	maxDuration uint64

	lockMu      sync.Mutex
	policyLocks map[uint64]*sync.Mutex
}

// Config wires the engine's collaborators.
type Config struct {
	Vault    *vault.Vault
	Policies *policy.Store
	Oracle   oracle.PriceOracle
	Pricer   pricing.Pricer
	Publisher messaging.Publisher

	// Identity is the service identity holding issuer and operator grants.
	Identity string
	// Height returns the current chain height used for expiration checks.
	Height func() uint64
	// MaxDuration bounds a policy's lifetime in heights.
	MaxDuration uint64
}

// NewEngine creates a settlement engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		vault:       cfg.Vault,
		policies:    cfg.Policies,
		oracle:      cfg.Oracle,
		pricer:      cfg.Pricer,
		pub:         cfg.Publisher,
		identity:    cfg.Identity,
		height:      cfg.Height,
		maxDuration: cfg.MaxDuration,
		policyLocks: make(map[uint64]*sync.Mutex),
	}
}

// policyLock serializes terminal dispositions of a single policy. Exercise
// and expiry both settle collateral out of a per-token aggregate, so letting
// them interleave on one policy would double-dispose it and drain collateral
// backing other policies.
func (e *Engine) policyLock(id uint64) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	l, ok := e.policyLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.policyLocks[id] = l
	}
	return l
}

// SetMaxDuration updates the policy duration bound at runtime.
func (e *Engine) SetMaxDuration(heights uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxDuration = heights
}

// IssuePolicy executes issuance as one logical transaction: the premium
// lands in the pool first, then collateral is locked against the
// post-premium available balance, then the record is created and the
// premium recorded. A failed collateral lock refunds the premium so no
// partial issuance is observable.
func (e *Engine) IssuePolicy(ctx context.Context, terms policy.Terms) (*policy.Policy, error) {
	now := e.height()
	if terms.ExpirationHeight <= now {
		return nil, fmt.Errorf("%w: expiration %d not after current height %d",
			errs.ErrInvalidAmount, terms.ExpirationHeight, now)
	}
	e.mu.RLock()
	maxDuration := e.maxDuration
	e.mu.RUnlock()
	if maxDuration > 0 && terms.ExpirationHeight-now > maxDuration {
		return nil, fmt.Errorf("%w: duration %d exceeds maximum %d",
			errs.ErrInvalidAmount, terms.ExpirationHeight-now, maxDuration)
	}

	quote, err := e.oracle.ReferencePrice(ctx, terms.TokenCollateral)
	if err != nil {
		return nil, err
	}

	premium, err := e.pricer.PricePolicy(ctx,
		pricing.Terms{
			TokenCollateral: terms.TokenCollateral,
			TokenSettlement: terms.TokenSettlement,
			ProtectedValue:  terms.ProtectedValue,
			ProtectedAmount: terms.ProtectedAmount,
			Duration:        terms.ExpirationHeight - now,
		},
		pricing.MarketData{SpotPrice: quote.Price, Volatility: quote.Confidence},
	)
	if err != nil {
		return nil, err
	}
	if premium.Sign() <= 0 {
		return nil, fmt.Errorf("%w: quoted premium %s", errs.ErrInvalidAmount, premium)
	}
	terms.Premium = premium

	// Premium first: it strictly increases available liquidity, so the
	// admission check below observes the post-premium balance.
	if err := e.vault.Deposit(ctx, terms.Owner, terms.TokenCollateral, premium); err != nil {
		return nil, fmt.Errorf("premium transfer: %w", err)
	}

	required := terms.ProtectedValue.Mul(terms.ProtectedAmount)
	p, err := e.policies.Create(terms)
	if err != nil {
		e.refundPremium(ctx, terms, premium)
		return nil, err
	}

	if err := e.vault.LockCollateral(ctx, e.identity, terms.TokenCollateral, required, p.ID); err != nil {
		e.discard(p.ID)
		e.refundPremium(ctx, terms, premium)
		return nil, err
	}

	if err := e.vault.RecordPremium(ctx, e.identity, terms.TokenCollateral, premium, p.ID, terms.Counterparty); err != nil {
		// Collateral checks passed above; only capability misconfiguration
		// gets here. Unwind both prior steps.
		if relErr := e.vault.ReleaseCollateral(ctx, e.identity, terms.TokenCollateral, required, p.ID); relErr != nil {
			log.Printf("settlement: failed to unwind collateral for policy %d: %v", p.ID, relErr)
		}
		e.discard(p.ID)
		e.refundPremium(ctx, terms, premium)
		return nil, err
	}

	return p, nil
}

func (e *Engine) discard(policyID uint64) {
	if err := e.policies.Discard(policyID); err != nil {
		log.Printf("settlement: failed to discard unissued policy %d: %v", policyID, err)
	}
}

func (e *Engine) refundPremium(ctx context.Context, terms policy.Terms, premium decimal.Decimal) {
	if err := e.vault.Withdraw(ctx, e.identity, terms.TokenCollateral, premium, terms.Owner); err != nil {
		log.Printf("settlement: failed to refund premium %s to %s: %v", premium, terms.Owner, err)
	}
}

// Exercise settles an active policy when the reference price condition
// holds. Settlement pays the computed amount; collateral locked beyond it is
// released in a separate, explicit step.
func (e *Engine) Exercise(ctx context.Context, caller string, policyID uint64) (*policy.Policy, error) {
	p, err := e.policies.Get(policyID)
	if err != nil {
		return nil, err
	}
	if p.Status != policy.StatusActive {
		return nil, fmt.Errorf("%w: policy %d is %s", errs.ErrNotExercisable, policyID, p.Status)
	}
	if caller != p.Owner {
		return nil, fmt.Errorf("%w: %s does not hold exercise authority for policy %d",
			errs.ErrUnauthorized, caller, policyID)
	}

	quote, err := e.oracle.ReferencePrice(ctx, p.TokenCollateral)
	if err != nil {
		return nil, err
	}
	if quote.Price.GreaterThanOrEqual(p.ProtectedValue) {
		return nil, fmt.Errorf("%w: reference price %s at or above protected value %s",
			errs.ErrNotExercisable, quote.Price, p.ProtectedValue)
	}

	settlementAmount := p.ProtectedValue.Sub(quote.Price).Mul(p.ProtectedAmount)
	required := p.RequiredCollateral()
	if settlementAmount.GreaterThan(required) {
		settlementAmount = required
	}

	lock := e.policyLock(p.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the policy lock: an expiry sweep may have claimed the
	// policy while the quote was fetched. Paying a settlement on an expired
	// policy would drain collateral belonging to other active policies.
	p, err = e.policies.Get(policyID)
	if err != nil {
		return nil, err
	}
	if p.Status != policy.StatusActive {
		return nil, fmt.Errorf("%w: policy %d is %s", errs.ErrNotExercisable, policyID, p.Status)
	}

	if err := e.vault.Settle(ctx, e.identity, p.TokenCollateral, settlementAmount, p.Owner, p.ID); err != nil {
		return nil, err
	}

	remaining := required.Sub(settlementAmount)
	if remaining.Sign() > 0 {
		if err := e.vault.ReleaseCollateral(ctx, e.identity, p.TokenCollateral, remaining, p.ID); err != nil {
			log.Printf("settlement: failed to release remaining collateral %s for policy %d: %v",
				remaining, p.ID, err)
		}
	}

	updated, err := e.policies.MarkExercised(p.ID, settlementAmount)
	if err != nil {
		return nil, err
	}
	e.publishStatus(ctx, p.ID, policy.StatusActive, policy.StatusExercised)

	return updated, nil
}

// SweepReport summarizes one expiry sweep.
type SweepReport struct {
	Expired []uint64
	Failed  map[uint64]error
}

// ExpireSweep transitions every active policy past its expiration height to
// expired, releasing its collateral and leaving its premium distributable.
// Each policy is an independent sub-transaction: one failure never blocks or
// rolls back the others.
func (e *Engine) ExpireSweep(ctx context.Context, height uint64, workers int) (SweepReport, error) {
	due := e.policies.ActivePastExpiration(height)
	report := SweepReport{Failed: make(map[uint64]error)}
	if len(due) == 0 {
		return report, nil
	}
	if workers <= 0 {
		workers = 4
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, p := range due {
		p := p
		g.Go(func() error {
			if err := e.expireOne(gctx, p); err != nil {
				mu.Lock()
				report.Failed[p.ID] = err
				mu.Unlock()
				return nil // per-item atomicity: record, keep sweeping
			}
			mu.Lock()
			report.Expired = append(report.Expired, p.ID)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

// expireOne claims the terminal transition under the policy lock so a
// concurrent exercise cannot interleave, then releases the collateral.
func (e *Engine) expireOne(ctx context.Context, p *policy.Policy) error {
	lock := e.policyLock(p.ID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := e.policies.MarkExpired(p.ID); err != nil {
		return err
	}
	e.publishStatus(ctx, p.ID, policy.StatusActive, policy.StatusExpired)

	if err := e.vault.ReleaseCollateral(ctx, e.identity, p.TokenCollateral, p.RequiredCollateral(), p.ID); err != nil {
		return fmt.Errorf("release after expiry: %w", err)
	}
	return nil
}

// DistributePolicyPremium is tier one: pays the expired policy's premium to
// its counterparty, gated by the vault's pool accounting, and flips the
// policy's premium flag.
func (e *Engine) DistributePolicyPremium(ctx context.Context, policyID uint64) error {
	p, err := e.policies.Get(policyID)
	if err != nil {
		return err
	}
	if p.Status != policy.StatusExpired {
		return fmt.Errorf("%w: premium of policy %d distributable only after expiry (status %s)",
			errs.ErrStateConflict, policyID, p.Status)
	}
	if p.PremiumDistributed {
		return fmt.Errorf("%w: policy %d premium", errs.ErrAlreadyDistributed, policyID)
	}

	if err := e.vault.DistributePremium(ctx, e.identity, p.TokenCollateral, p.Premium, p.Counterparty, p.ID); err != nil {
		return err
	}

	if _, err := e.policies.MarkPremiumDistributed(p.ID); err != nil {
		return err
	}
	return nil
}

// RecordProviderShares is the authorized tier-two bookkeeping step: each
// provider's premium share is proportional to its part of the policy's
// collateral.
func (e *Engine) RecordProviderShares(ctx context.Context, policyID uint64, contributions map[string]decimal.Decimal) error {
	p, err := e.policies.Get(policyID)
	if err != nil {
		return err
	}
	// Tier two pays out of the treasury, so the premium must land there at
	// tier one. A policy whose premium is payable elsewhere has no funded
	// provider shares to record.
	if p.Counterparty != e.vault.Treasury() {
		return fmt.Errorf("%w: policy %d premium is payable to %s, not the treasury",
			errs.ErrStateConflict, policyID, p.Counterparty)
	}

	totalCollateral := decimal.Zero
	for _, amount := range contributions {
		totalCollateral = totalCollateral.Add(amount)
	}
	if totalCollateral.Sign() <= 0 {
		return fmt.Errorf("%w: no collateral contributions", errs.ErrInvalidAmount)
	}

	for provider, amount := range contributions {
		share := p.Premium.Mul(amount).Div(totalCollateral)
		if err := e.vault.RecordProviderAllocation(ctx, e.identity, provider, p.ID,
			p.TokenCollateral, amount, share); err != nil {
			return fmt.Errorf("record allocation for %s: %w", provider, err)
		}
	}
	return nil
}

// DistributeProviderPremiums is tier two: pays each backing provider its
// recorded share. Per-provider atomicity; failures are reported per item.
func (e *Engine) DistributeProviderPremiums(ctx context.Context, policyID uint64) map[string]error {
	failures := make(map[string]error)
	for _, alloc := range e.vault.AllocationsForPolicy(policyID) {
		if alloc.PremiumDistributed {
			continue
		}
		if err := e.vault.DistributeProviderPremium(ctx, e.identity, alloc.Provider,
			policyID, alloc.PremiumShare); err != nil {
			failures[alloc.Provider] = err
		}
	}
	return failures
}

func (e *Engine) publishStatus(ctx context.Context, policyID uint64, from, to policy.Status) {
	if e.pub == nil {
		return
	}
	event, err := messaging.NewEvent(messaging.EventTypePolicyStatusUpdated, 0, messaging.PolicyStatusUpdatedEvent{
		PolicyID:       policyID,
		PreviousStatus: string(from),
		NewStatus:      string(to),
	})
	if err != nil {
		return
	}
	if err := e.pub.Publish(ctx, messaging.EventTypePolicyStatusUpdated, event); err != nil {
		log.Printf("settlement: failed to publish status update for policy %d: %v", policyID, err)
	}
}
