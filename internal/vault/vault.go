package vault

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/coverpool/pkg/errs"
	"github.com/terminal-bench/coverpool/pkg/messaging"
)

// Capability gates the privileged vault operations. End-user identity and
// backend service identity are never conflated: a capability is granted to a
// named identity and checked per call.
type Capability string

const (
	// CapOperator allows provider allocation bookkeeping and operator
	// withdrawals.
	CapOperator Capability = "operator"
	// CapIssuer allows collateral locking, release, settlement and premium
	// recording. Held by the policy-issuing service identity.
	CapIssuer Capability = "issuer"
)

// Balance is the aggregate token balance of the pool.
type Balance struct {
	Token     string          `json:"token"`
	Total     decimal.Decimal `json:"total"`
	Locked    decimal.Decimal `json:"locked"`
	Available decimal.Decimal `json:"available"`
}

// PremiumPool is the aggregate premium accounting for a token.
type PremiumPool struct {
	Token       string          `json:"token"`
	Total       decimal.Decimal `json:"total"`
	Distributed decimal.Decimal `json:"distributed"`
}

// Allocation is a provider's share of a policy's collateral and premium.
type Allocation struct {
	Provider           string          `json:"provider"`
	PolicyID           uint64          `json:"policy_id"`
	Token              string          `json:"token"`
	AllocatedAmount    decimal.Decimal `json:"allocated_amount"`
	PremiumShare       decimal.Decimal `json:"premium_share"`
	PremiumDistributed bool            `json:"premium_distributed"`
}

// Aggregates is a consistent per-token snapshot used by reconciliation.
type Aggregates struct {
	Total              decimal.Decimal
	Locked             decimal.Decimal
	Premiums           decimal.Decimal
	DistributedPremium decimal.Decimal
}

// Record is one applied mutation appended to the journal.
type Record struct {
	Sequence  int64
	Kind      string
	Caller    string
	Token     string
	Amount    decimal.Decimal
	PolicyID  uint64
	Account   string
	Total     decimal.Decimal
	Locked    decimal.Decimal
	Premiums  decimal.Decimal
	Timestamp time.Time
}

// Journal is the append-only audit log of applied mutations.
type Journal interface {
	Append(ctx context.Context, rec Record) error
}

// Config wires the vault's collaborators.
type Config struct {
	// Account is the vault's custody account with the transfer capability.
	Account string
	// Treasury receives tier-one premium distributions and funds tier-two
	// provider payouts.
	Treasury string

	Transferer Transferer
	Publisher  messaging.Publisher
	Journal    Journal
}

type tokenState struct {
	mu          sync.Mutex
	total       decimal.Decimal
	locked      decimal.Decimal
	premiums    decimal.Decimal
	distributed decimal.Decimal
	depositors  map[string]bool
}

// Vault is the authoritative settlement ledger. Mutations serialize per
// token; reads serve the latest committed state. Every mutating operation
// is all-or-nothing: the value transfer and the bookkeeping update commit
// together or not at all.
type Vault struct {
	cfg Config

	mu     sync.RWMutex
	tokens map[string]*tokenState

	allocMu     sync.RWMutex
	allocations map[string]*Allocation

	capMu sync.RWMutex
	caps  map[string]map[Capability]bool

	seq int64
}

// New creates a vault with no balances and no grants.
func New(cfg Config) *Vault {
	if cfg.Account == "" {
		cfg.Account = "vault"
	}
	if cfg.Treasury == "" {
		cfg.Treasury = "treasury"
	}
	return &Vault{
		cfg:         cfg,
		tokens:      make(map[string]*tokenState),
		allocations: make(map[string]*Allocation),
		caps:        make(map[string]map[Capability]bool),
	}
}

// Treasury returns the account that receives tier-one premium distributions
// destined for provider payouts and that funds tier-two transfers.
func (v *Vault) Treasury() string {
	return v.cfg.Treasury
}

// Grant gives an identity one or more capabilities.
func (v *Vault) Grant(identity string, caps ...Capability) {
	v.capMu.Lock()
	defer v.capMu.Unlock()

	if v.caps[identity] == nil {
		v.caps[identity] = make(map[Capability]bool)
	}
	for _, c := range caps {
		v.caps[identity][c] = true
	}
}

func (v *Vault) hasCap(identity string, cap Capability) bool {
	v.capMu.RLock()
	defer v.capMu.RUnlock()
	return v.caps[identity][cap]
}

func (v *Vault) requireCap(identity string, cap Capability) error {
	if !v.hasCap(identity, cap) {
		return fmt.Errorf("%w: %s lacks %s capability", errs.ErrUnauthorized, identity, cap)
	}
	return nil
}

// token returns the state for a token, creating it when create is set.
func (v *Vault) token(name string, create bool) (*tokenState, error) {
	v.mu.RLock()
	ts, ok := v.tokens[name]
	v.mu.RUnlock()
	if ok {
		return ts, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownToken, name)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if ts, ok = v.tokens[name]; ok {
		return ts, nil
	}
	ts = &tokenState{
		total:       decimal.Zero,
		locked:      decimal.Zero,
		premiums:    decimal.Zero,
		distributed: decimal.Zero,
		depositors:  make(map[string]bool),
	}
	v.tokens[name] = ts
	return ts, nil
}

func positive(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", errs.ErrInvalidAmount)
	}
	return nil
}

// Deposit moves amount from the depositor into the pool. Unrestricted.
func (v *Vault) Deposit(ctx context.Context, depositor, token string, amount decimal.Decimal) error {
	if err := positive(amount); err != nil {
		return err
	}

	ts, err := v.token(token, true)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if err := v.cfg.Transferer.Transfer(ctx, token, depositor, v.cfg.Account, amount); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransferFailed, err)
	}

	ts.total = ts.total.Add(amount)
	ts.depositors[depositor] = true

	v.commit(ctx, ts, Record{Kind: "deposit", Caller: depositor, Token: token, Amount: amount, Account: depositor},
		messaging.EventTypeFundsDeposited,
		messaging.FundsDepositedEvent{Depositor: depositor, Amount: amount.String(), Token: token})
	return nil
}

// Withdraw moves amount out of the pool to recipient. The caller must have
// deposited into this token or hold the operator capability.
func (v *Vault) Withdraw(ctx context.Context, caller, token string, amount decimal.Decimal, recipient string) error {
	if err := positive(amount); err != nil {
		return err
	}

	ts, err := v.token(token, false)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !ts.depositors[caller] && !v.hasCap(caller, CapOperator) {
		return fmt.Errorf("%w: %s may not withdraw %s", errs.ErrUnauthorized, caller, token)
	}
	if amount.GreaterThan(ts.total.Sub(ts.locked)) {
		return fmt.Errorf("%w: withdraw %s exceeds available %s", errs.ErrInsufficientLiquidity,
			amount, ts.total.Sub(ts.locked))
	}

	if err := v.cfg.Transferer.Transfer(ctx, token, v.cfg.Account, recipient, amount); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransferFailed, err)
	}

	ts.total = ts.total.Sub(amount)

	v.commit(ctx, ts, Record{Kind: "withdraw", Caller: caller, Token: token, Amount: amount, Account: recipient},
		messaging.EventTypeFundsWithdrawn,
		messaging.FundsWithdrawnEvent{Withdrawer: caller, Amount: amount.String(), Token: token})
	return nil
}

// LockCollateral reserves pool liquidity against a policy. This is the
// admission-control check that prevents over-selling protection.
func (v *Vault) LockCollateral(ctx context.Context, caller, token string, amount decimal.Decimal, policyID uint64) error {
	if err := v.requireCap(caller, CapIssuer); err != nil {
		return err
	}
	if err := positive(amount); err != nil {
		return err
	}

	ts, err := v.token(token, false)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if amount.GreaterThan(ts.total.Sub(ts.locked)) {
		return fmt.Errorf("%w: lock %s exceeds available %s", errs.ErrInsufficientLiquidity,
			amount, ts.total.Sub(ts.locked))
	}

	ts.locked = ts.locked.Add(amount)

	v.commit(ctx, ts, Record{Kind: "lock_collateral", Caller: caller, Token: token, Amount: amount, PolicyID: policyID},
		messaging.EventTypeCollateralLocked,
		messaging.CollateralLockedEvent{PolicyID: policyID, Amount: amount.String(), Token: token})
	return nil
}

// ReleaseCollateral frees locked capacity. Never moves funds.
func (v *Vault) ReleaseCollateral(ctx context.Context, caller, token string, amount decimal.Decimal, policyID uint64) error {
	if err := v.requireCap(caller, CapIssuer); err != nil {
		return err
	}
	if err := positive(amount); err != nil {
		return err
	}

	ts, err := v.token(token, false)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if amount.GreaterThan(ts.locked) {
		return fmt.Errorf("%w: release %s exceeds locked %s", errs.ErrInsufficientLockedCollateral,
			amount, ts.locked)
	}

	ts.locked = ts.locked.Sub(amount)

	v.commit(ctx, ts, Record{Kind: "release_collateral", Caller: caller, Token: token, Amount: amount, PolicyID: policyID},
		messaging.EventTypeCollateralReleased,
		messaging.CollateralReleasedEvent{PolicyID: policyID, Amount: amount.String(), Token: token})
	return nil
}

// Settle pays a policy's beneficiary, reducing total and locked in one
// state transition. The only operation that both frees collateral and moves
// funds; there is no window where one happened without the other.
func (v *Vault) Settle(ctx context.Context, caller, token string, amount decimal.Decimal, recipient string, policyID uint64) error {
	if err := v.requireCap(caller, CapIssuer); err != nil {
		return err
	}
	if err := positive(amount); err != nil {
		return err
	}

	ts, err := v.token(token, false)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if amount.GreaterThan(ts.total) {
		return fmt.Errorf("%w: settle %s exceeds total %s", errs.ErrInsufficientLiquidity, amount, ts.total)
	}
	if amount.GreaterThan(ts.locked) {
		return fmt.Errorf("%w: settle %s exceeds locked %s", errs.ErrInsufficientLockedCollateral, amount, ts.locked)
	}

	if err := v.cfg.Transferer.Transfer(ctx, token, v.cfg.Account, recipient, amount); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransferFailed, err)
	}

	ts.total = ts.total.Sub(amount)
	ts.locked = ts.locked.Sub(amount)

	v.commit(ctx, ts, Record{Kind: "settle", Caller: caller, Token: token, Amount: amount, PolicyID: policyID, Account: recipient},
		messaging.EventTypeSettlementPaid,
		messaging.SettlementPaidEvent{PolicyID: policyID, Recipient: recipient, Amount: amount.String(), Token: token})
	return nil
}

// RecordPremium credits the premium pool. The premium value itself arrived
// in total via a prior deposit-equivalent transfer; no funds move here.
func (v *Vault) RecordPremium(ctx context.Context, caller, token string, amount decimal.Decimal, policyID uint64, counterparty string) error {
	if err := v.requireCap(caller, CapIssuer); err != nil {
		return err
	}
	if err := positive(amount); err != nil {
		return err
	}

	ts, err := v.token(token, false)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.premiums = ts.premiums.Add(amount)

	v.commit(ctx, ts, Record{Kind: "record_premium", Caller: caller, Token: token, Amount: amount, PolicyID: policyID, Account: counterparty},
		messaging.EventTypePremiumRecorded,
		messaging.PremiumRecordedEvent{PolicyID: policyID, Counterparty: counterparty, Amount: amount.String(), Token: token})
	return nil
}

// DistributePremium pays undistributed premium to the counterparty. Gated by
// the pool accounting so double distribution is structurally impossible.
// Funds leave custody, so total decreases alongside the pool update.
func (v *Vault) DistributePremium(ctx context.Context, caller, token string, amount decimal.Decimal, counterparty string, policyID uint64) error {
	if err := v.requireCap(caller, CapIssuer); err != nil {
		return err
	}
	if err := positive(amount); err != nil {
		return err
	}

	ts, err := v.token(token, false)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	undistributed := ts.premiums.Sub(ts.distributed)
	if amount.GreaterThan(undistributed) {
		return fmt.Errorf("%w: distribute %s exceeds undistributed premium %s",
			errs.ErrInsufficientLiquidity, amount, undistributed)
	}
	if amount.GreaterThan(ts.total.Sub(ts.locked)) {
		return fmt.Errorf("%w: distribute %s exceeds available %s", errs.ErrInsufficientLiquidity,
			amount, ts.total.Sub(ts.locked))
	}

	if err := v.cfg.Transferer.Transfer(ctx, token, v.cfg.Account, counterparty, amount); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransferFailed, err)
	}

	ts.distributed = ts.distributed.Add(amount)
	ts.total = ts.total.Sub(amount)

	v.commit(ctx, ts, Record{Kind: "distribute_premium", Caller: caller, Token: token, Amount: amount, PolicyID: policyID, Account: counterparty},
		messaging.EventTypePremiumDistributed,
		messaging.PremiumDistributedEvent{PolicyID: policyID, Counterparty: counterparty, Amount: amount.String(), Token: token})
	return nil
}

func allocKey(provider string, policyID uint64) string {
	return fmt.Sprintf("%s|%d", provider, policyID)
}

// RecordProviderAllocation records a provider's share of a policy's
// collateral. Idempotent on (provider, policy); overwrites are rejected once
// the allocation's premium has been paid out.
func (v *Vault) RecordProviderAllocation(ctx context.Context, caller, provider string, policyID uint64, token string, allocated, premiumShare decimal.Decimal) error {
	if err := v.requireCap(caller, CapOperator); err != nil {
		return err
	}
	if allocated.Sign() <= 0 || premiumShare.Sign() < 0 {
		return fmt.Errorf("%w: allocation must be positive", errs.ErrInvalidAmount)
	}

	v.allocMu.Lock()
	defer v.allocMu.Unlock()

	key := allocKey(provider, policyID)
	if existing, ok := v.allocations[key]; ok && existing.PremiumDistributed {
		return fmt.Errorf("%w: allocation %s", errs.ErrAlreadyDistributed, key)
	}

	v.allocations[key] = &Allocation{
		Provider:        provider,
		PolicyID:        policyID,
		Token:           token,
		AllocatedAmount: allocated,
		PremiumShare:    premiumShare,
	}

	v.publish(ctx, messaging.EventTypeAllocationRecorded, messaging.AllocationRecordedEvent{
		Provider:        provider,
		PolicyID:        policyID,
		AllocatedAmount: allocated.String(),
		PremiumShare:    premiumShare.String(),
		Token:           token,
	})
	return nil
}

// DistributeProviderPremium pays a provider its premium share exactly once.
// The allocation flag is the sole replay guard: a second attempt fails with
// AlreadyDistributed so duplicate submissions surface instead of being
// silently ignored. Funds come out of the treasury, where tier-one
// distribution parked them.
func (v *Vault) DistributeProviderPremium(ctx context.Context, caller, provider string, policyID uint64, amount decimal.Decimal) error {
	if err := v.requireCap(caller, CapOperator); err != nil {
		return err
	}
	if err := positive(amount); err != nil {
		return err
	}

	v.allocMu.Lock()
	defer v.allocMu.Unlock()

	key := allocKey(provider, policyID)
	alloc, ok := v.allocations[key]
	if !ok {
		return fmt.Errorf("%w: allocation %s", errs.ErrPolicyNotFound, key)
	}
	if alloc.PremiumDistributed {
		return fmt.Errorf("%w: allocation %s", errs.ErrAlreadyDistributed, key)
	}
	if amount.GreaterThan(alloc.PremiumShare) {
		return fmt.Errorf("%w: %s exceeds premium share %s", errs.ErrInvalidAmount, amount, alloc.PremiumShare)
	}

	if err := v.cfg.Transferer.Transfer(ctx, alloc.Token, v.cfg.Treasury, provider, amount); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransferFailed, err)
	}

	alloc.PremiumDistributed = true

	v.publish(ctx, messaging.EventTypeProviderPremiumDistributed, messaging.ProviderPremiumDistributedEvent{
		Provider: provider,
		PolicyID: policyID,
		Amount:   amount.String(),
		Token:    alloc.Token,
	})
	return nil
}

// Balance returns the aggregate balance for a token.
func (v *Vault) Balance(token string) (Balance, error) {
	ts, err := v.token(token, false)
	if err != nil {
		return Balance{}, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	return Balance{
		Token:     token,
		Total:     ts.total,
		Locked:    ts.locked,
		Available: ts.total.Sub(ts.locked),
	}, nil
}

// PremiumPool returns the aggregate premium pool for a token.
func (v *Vault) PremiumPool(token string) (PremiumPool, error) {
	ts, err := v.token(token, false)
	if err != nil {
		return PremiumPool{}, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	return PremiumPool{Token: token, Total: ts.premiums, Distributed: ts.distributed}, nil
}

// Allocation returns a provider's allocation for a policy.
func (v *Vault) Allocation(provider string, policyID uint64) (Allocation, bool) {
	v.allocMu.RLock()
	defer v.allocMu.RUnlock()

	alloc, ok := v.allocations[allocKey(provider, policyID)]
	if !ok {
		return Allocation{}, false
	}
	return *alloc, true
}

// AllocationsForPolicy returns all provider allocations backing a policy.
func (v *Vault) AllocationsForPolicy(policyID uint64) []Allocation {
	v.allocMu.RLock()
	defer v.allocMu.RUnlock()

	var out []Allocation
	for _, alloc := range v.allocations {
		if alloc.PolicyID == policyID {
			out = append(out, *alloc)
		}
	}
	return out
}

// Snapshot returns per-token aggregates, each read under that token's lock.
func (v *Vault) Snapshot() map[string]Aggregates {
	v.mu.RLock()
	names := make([]string, 0, len(v.tokens))
	for name := range v.tokens {
		names = append(names, name)
	}
	v.mu.RUnlock()

	out := make(map[string]Aggregates, len(names))
	for _, name := range names {
		ts, err := v.token(name, false)
		if err != nil {
			continue
		}
		ts.mu.Lock()
		out[name] = Aggregates{
			Total:              ts.total,
			Locked:             ts.locked,
			Premiums:           ts.premiums,
			DistributedPremium: ts.distributed,
		}
		ts.mu.Unlock()
	}
	return out
}

// commit finalizes a mutation: assigns the sequence, appends to the journal
// and publishes the event. Must be called with the token lock held so the
// recorded aggregates match the committed state.
func (v *Vault) commit(ctx context.Context, ts *tokenState, rec Record, eventType string, data interface{}) {
	rec.Sequence = atomic.AddInt64(&v.seq, 1)
	rec.Timestamp = time.Now()
	rec.Total = ts.total
	rec.Locked = ts.locked
	rec.Premiums = ts.premiums

	if v.cfg.Journal != nil {
		if err := v.cfg.Journal.Append(ctx, rec); err != nil {
			log.Printf("vault: journal append failed for %s seq %d: %v", rec.Kind, rec.Sequence, err)
		}
	}

	v.publishSeq(ctx, eventType, rec.Sequence, data)
}

func (v *Vault) publish(ctx context.Context, eventType string, data interface{}) {
	v.publishSeq(ctx, eventType, atomic.AddInt64(&v.seq, 1), data)
}

func (v *Vault) publishSeq(ctx context.Context, eventType string, seq int64, data interface{}) {
	if v.cfg.Publisher == nil {
		return
	}

	event, err := messaging.NewEvent(eventType, seq, data)
	if err != nil {
		log.Printf("vault: failed to build %s event: %v", eventType, err)
		return
	}
	if err := v.cfg.Publisher.Publish(ctx, eventType, event); err != nil {
		log.Printf("vault: failed to publish %s: %v", eventType, err)
	}
}
