package accounting

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/coverpool/internal/oracle"
	"github.com/terminal-bench/coverpool/internal/policy"
	"github.com/terminal-bench/coverpool/internal/tracker"
	"github.com/terminal-bench/coverpool/pkg/errs"
	"github.com/terminal-bench/coverpool/pkg/messaging"
)

// TokenPosition is a provider's replica-side accounting for one token.
type TokenPosition struct {
	CapitalDeposited decimal.Decimal `json:"capital_deposited"`
	CapitalWithdrawn decimal.Decimal `json:"capital_withdrawn"`
	AccruedYield     decimal.Decimal `json:"accrued_yield"`
}

// Capital is the provider's live capital in the pool.
func (p TokenPosition) Capital() decimal.Decimal {
	return p.CapitalDeposited.Sub(p.CapitalWithdrawn).Add(p.AccruedYield)
}

// ProviderRecord is replica-only state spanning many policies.
type ProviderRecord struct {
	Provider  string                   `json:"provider"`
	RiskTier  string                   `json:"risk_tier"`
	Positions map[string]TokenPosition `json:"positions"` // token -> position
}

// allocationMirror is the replica's view of an on-ledger allocation.
type allocationMirror struct {
	provider        string
	policyID        uint64
	token           string
	allocatedAmount decimal.Decimal
	premiumShare    decimal.Decimal
	distributed     bool
}

// Aggregates is the replica's derived per-token view of the ledger.
type Aggregates struct {
	Total              decimal.Decimal
	Locked             decimal.Decimal
	Premiums           decimal.Decimal
	DistributedPremium decimal.Decimal
}

// Aggregate field names carried by reconciliation corrections.
const (
	FieldTotal               = "total"
	FieldLocked              = "locked"
	FieldPremiums            = "premiums"
	FieldDistributedPremiums = "distributed_premiums"
)

// Config wires the service.
type Config struct {
	Tracker *tracker.Tracker
	Oracle  oracle.PriceOracle

	// SafetyBuffer returns the configured withdrawal safety fraction.
	SafetyBuffer func() decimal.Decimal
}

// Service is the replica accounting service. It never moves funds: it
// decides how much may move and prepares instructions for the ledger. State
// mutates only on confirmed ledger events, applied idempotently by sequence
// number, so the replica never gets ahead of the ledger.
type Service struct {
	mu sync.RWMutex

	providers   map[string]*ProviderRecord
	allocations map[string]*allocationMirror // provider|policy
	policyState map[uint64]policy.Status
	aggregates  map[string]*Aggregates

	applied map[int64]struct{}
	lastSeq int64

	tracker *tracker.Tracker
	oracle  oracle.PriceOracle
	buffer  func() decimal.Decimal

	cache *PortfolioCache
}

// NewService creates an empty replica.
func NewService(cfg Config) *Service {
	buffer := cfg.SafetyBuffer
	if buffer == nil {
		buffer = func() decimal.Decimal { return decimal.NewFromFloat(0.05) }
	}
	return &Service{
		providers:   make(map[string]*ProviderRecord),
		allocations: make(map[string]*allocationMirror),
		policyState: make(map[uint64]policy.Status),
		aggregates:  make(map[string]*Aggregates),
		applied:     make(map[int64]struct{}),
		tracker:     cfg.Tracker,
		oracle:      cfg.Oracle,
		buffer:      buffer,
	}
}

// SetCache attaches a portfolio read cache, invalidated on applied events.
func (s *Service) SetCache(cache *PortfolioCache) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = cache
}

// RegisterProvider makes a depositor identity known as a liquidity provider.
// Deposits by unregistered identities (policy buyers paying premiums) do not
// create provider capital.
func (s *Service) RegisterProvider(provider, riskTier string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.providers[provider]; ok {
		return
	}
	s.providers[provider] = &ProviderRecord{
		Provider:  provider,
		RiskTier:  riskTier,
		Positions: make(map[string]TokenPosition),
	}
}

// HandleMessage is the NATS ingestion entrypoint.
func (s *Service) HandleMessage(msg *nats.Msg) {
	var event messaging.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		log.Printf("accounting: failed to decode event: %v", err)
		return
	}
	if err := s.ApplyEvent(&event); err != nil {
		log.Printf("accounting: failed to apply %s (seq %d): %v", event.Type, event.Sequence, err)
	}
}

// ApplyEvent folds one confirmed ledger event into replica state. Applying
// the same sequence twice is a no-op.
func (s *Service) ApplyEvent(event *messaging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Sequence > 0 {
		if _, seen := s.applied[event.Sequence]; seen {
			return nil
		}
	}

	if err := s.apply(event); err != nil {
		return err
	}

	if event.Sequence > 0 {
		s.applied[event.Sequence] = struct{}{}
		if event.Sequence > s.lastSeq {
			s.lastSeq = event.Sequence
		}
	}
	return nil
}

// apply must be called with s.mu held.
func (s *Service) apply(event *messaging.Event) error {
	switch event.Type {
	case messaging.EventTypeFundsDeposited:
		data, err := messaging.ParseEventData[messaging.FundsDepositedEvent](event)
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(data.Amount)
		if err != nil {
			return err
		}
		s.agg(data.Token).Total = s.agg(data.Token).Total.Add(amount)
		if rec, ok := s.providers[data.Depositor]; ok {
			pos := rec.Positions[data.Token]
			pos.CapitalDeposited = pos.CapitalDeposited.Add(amount)
			rec.Positions[data.Token] = pos
			s.invalidate(data.Depositor)
		}

	case messaging.EventTypeFundsWithdrawn:
		data, err := messaging.ParseEventData[messaging.FundsWithdrawnEvent](event)
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(data.Amount)
		if err != nil {
			return err
		}
		s.agg(data.Token).Total = s.agg(data.Token).Total.Sub(amount)
		if rec, ok := s.providers[data.Withdrawer]; ok {
			pos := rec.Positions[data.Token]
			pos.CapitalWithdrawn = pos.CapitalWithdrawn.Add(amount)
			rec.Positions[data.Token] = pos
			s.invalidate(data.Withdrawer)
		}

	case messaging.EventTypeCollateralLocked:
		data, err := messaging.ParseEventData[messaging.CollateralLockedEvent](event)
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(data.Amount)
		if err != nil {
			return err
		}
		s.agg(data.Token).Locked = s.agg(data.Token).Locked.Add(amount)
		if _, ok := s.policyState[data.PolicyID]; !ok {
			s.policyState[data.PolicyID] = policy.StatusActive
		}

	case messaging.EventTypeCollateralReleased:
		data, err := messaging.ParseEventData[messaging.CollateralReleasedEvent](event)
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(data.Amount)
		if err != nil {
			return err
		}
		s.agg(data.Token).Locked = s.agg(data.Token).Locked.Sub(amount)

	case messaging.EventTypeSettlementPaid:
		data, err := messaging.ParseEventData[messaging.SettlementPaidEvent](event)
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(data.Amount)
		if err != nil {
			return err
		}
		agg := s.agg(data.Token)
		agg.Total = agg.Total.Sub(amount)
		agg.Locked = agg.Locked.Sub(amount)

	case messaging.EventTypePremiumRecorded:
		data, err := messaging.ParseEventData[messaging.PremiumRecordedEvent](event)
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(data.Amount)
		if err != nil {
			return err
		}
		s.agg(data.Token).Premiums = s.agg(data.Token).Premiums.Add(amount)

	case messaging.EventTypePremiumDistributed:
		data, err := messaging.ParseEventData[messaging.PremiumDistributedEvent](event)
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(data.Amount)
		if err != nil {
			return err
		}
		agg := s.agg(data.Token)
		agg.DistributedPremium = agg.DistributedPremium.Add(amount)
		agg.Total = agg.Total.Sub(amount)

	case messaging.EventTypeAllocationRecorded:
		data, err := messaging.ParseEventData[messaging.AllocationRecordedEvent](event)
		if err != nil {
			return err
		}
		allocated, err := decimal.NewFromString(data.AllocatedAmount)
		if err != nil {
			return err
		}
		share, err := decimal.NewFromString(data.PremiumShare)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s|%d", data.Provider, data.PolicyID)
		s.allocations[key] = &allocationMirror{
			provider:        data.Provider,
			policyID:        data.PolicyID,
			token:           data.Token,
			allocatedAmount: allocated,
			premiumShare:    share,
		}
		s.invalidate(data.Provider)

	case messaging.EventTypeProviderPremiumDistributed:
		data, err := messaging.ParseEventData[messaging.ProviderPremiumDistributedEvent](event)
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(data.Amount)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s|%d", data.Provider, data.PolicyID)
		if alloc, ok := s.allocations[key]; ok {
			alloc.distributed = true
		}
		if rec, ok := s.providers[data.Provider]; ok {
			pos := rec.Positions[data.Token]
			pos.AccruedYield = pos.AccruedYield.Add(amount)
			rec.Positions[data.Token] = pos
			s.invalidate(data.Provider)
		}

	case messaging.EventTypePolicyStatusUpdated:
		data, err := messaging.ParseEventData[messaging.PolicyStatusUpdatedEvent](event)
		if err != nil {
			return err
		}
		s.policyState[data.PolicyID] = policy.Status(data.NewStatus)

	default:
		// Unknown event types are skipped, not errors: the ledger may add
		// event types ahead of the replica.
	}
	return nil
}

func (s *Service) agg(token string) *Aggregates {
	a, ok := s.aggregates[token]
	if !ok {
		a = &Aggregates{}
		s.aggregates[token] = a
	}
	return a
}

func (s *Service) invalidate(provider string) {
	if s.cache != nil {
		s.cache.Invalidate(provider)
	}
}

// LastSequence returns the highest applied event sequence.
func (s *Service) LastSequence() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq
}

// Aggregates returns a copy of the replica's derived per-token aggregates.
func (s *Service) Aggregates() map[string]Aggregates {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Aggregates, len(s.aggregates))
	for token, agg := range s.aggregates {
		out[token] = *agg
	}
	return out
}

// CorrectField overwrites one aggregate field with ledger truth. The write
// happens under the service lock so an event applied concurrently never has
// its sibling fields clobbered by a stale snapshot. Provider records and
// other replica-only metadata are untouched.
func (s *Service) CorrectField(token, field string, value decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.agg(token)
	switch field {
	case FieldTotal:
		a.Total = value
	case FieldLocked:
		a.Locked = value
	case FieldPremiums:
		a.Premiums = value
	case FieldDistributedPremiums:
		a.DistributedPremium = value
	default:
		return fmt.Errorf("unknown aggregate field %q", field)
	}
	return nil
}

// Provider returns a copy of a provider record.
func (s *Service) Provider(provider string) (*ProviderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not registered", provider)
	}

	cp := &ProviderRecord{
		Provider:  rec.Provider,
		RiskTier:  rec.RiskTier,
		Positions: make(map[string]TokenPosition, len(rec.Positions)),
	}
	for token, pos := range rec.Positions {
		cp.Positions[token] = pos
	}
	return cp, nil
}

// requiredCollateral sums the provider's allocations backing policies that
// are not yet terminal, in token units. Must be called with s.mu held.
func (s *Service) requiredCollateral(provider, token string) decimal.Decimal {
	required := decimal.Zero
	for _, alloc := range s.allocations {
		if alloc.provider != provider || alloc.token != token {
			continue
		}
		if status, ok := s.policyState[alloc.policyID]; ok && status != policy.StatusActive {
			continue
		}
		required = required.Add(alloc.allocatedAmount)
	}
	return required
}

// MaxWithdrawable computes how much the provider may withdraw:
// capital − required_collateral × (1 + safety_buffer). A fresh oracle quote
// is a precondition: with no trustworthy valuation, nothing is withdrawable.
func (s *Service) MaxWithdrawable(ctx context.Context, provider, token string) (decimal.Decimal, error) {
	if _, err := s.oracle.ReferencePrice(ctx, token); err != nil {
		return decimal.Zero, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.providers[provider]
	if !ok {
		return decimal.Zero, fmt.Errorf("provider %s not registered", provider)
	}

	capital := rec.Positions[token].Capital()
	required := s.requiredCollateral(provider, token)
	buffered := required.Mul(decimal.NewFromInt(1).Add(s.buffer()))

	max := capital.Sub(buffered)
	if max.Sign() < 0 {
		return decimal.Zero, nil
	}
	return max, nil
}

// RequestWithdrawal checks eligibility and prepares a withdrawal instruction
// for the ledger. The response is immediate; confirmation arrives later via
// the event channel.
func (s *Service) RequestWithdrawal(ctx context.Context, provider, token string, amount decimal.Decimal) (*tracker.Operation, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: withdrawal must be positive", errs.ErrInvalidAmount)
	}

	max, err := s.MaxWithdrawable(ctx, provider, token)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(max) {
		return nil, fmt.Errorf("%w: %s exceeds withdrawable %s", errs.ErrInsufficientLiquidity, amount, max)
	}

	return s.tracker.Prepare(tracker.KindWithdrawal, WithdrawalInstruction{
		Provider: provider,
		Token:    token,
		Amount:   amount.String(),
	})
}

// WithdrawalInstruction is the payload of a prepared withdrawal.
type WithdrawalInstruction struct {
	Provider string `json:"provider"`
	Token    string `json:"token"`
	Amount   string `json:"amount"`
}
