package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/coverpool/pkg/errs"
)

// Store is the policy record store. IDs are assigned monotonically and
// records are retained after termination for audit.
type Store struct {
	mu       sync.RWMutex
	policies map[uint64]*Policy
	nextID   uint64
}

// NewStore creates an empty policy store.
func NewStore() *Store {
	return &Store{
		policies: make(map[uint64]*Policy),
		nextID:   1,
	}
}

// Create records a new active policy and assigns its ID.
func (s *Store) Create(terms Terms) (*Policy, error) {
	if terms.ProtectedAmount.Sign() <= 0 || terms.ProtectedValue.Sign() <= 0 {
		return nil, fmt.Errorf("%w: protected value and amount must be positive", errs.ErrInvalidAmount)
	}
	if terms.Premium.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative premium", errs.ErrInvalidAmount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := &Policy{
		ID:               s.nextID,
		Owner:            terms.Owner,
		Counterparty:     terms.Counterparty,
		TokenCollateral:  terms.TokenCollateral,
		TokenSettlement:  terms.TokenSettlement,
		ProtectedValue:   terms.ProtectedValue,
		ProtectedAmount:  terms.ProtectedAmount,
		Premium:          terms.Premium,
		PositionType:     terms.PositionType,
		ExpirationHeight: terms.ExpirationHeight,
		Status:           StatusActive,
		CreatedAt:        time.Now(),
		SettlementAmount: decimal.Zero,
	}
	s.nextID++
	s.policies[p.ID] = p

	return s.clone(p), nil
}

// Get returns a copy of the policy.
func (s *Store) Get(id uint64) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errs.ErrPolicyNotFound, id)
	}
	return s.clone(p), nil
}

// MarkExercised transitions an active policy to exercised and records the
// settlement amount.
func (s *Store) MarkExercised(id uint64, settlement decimal.Decimal) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errs.ErrPolicyNotFound, id)
	}
	if p.Status != StatusActive {
		return nil, fmt.Errorf("%w: policy %d is %s", errs.ErrStateConflict, id, p.Status)
	}

	now := time.Now()
	p.Status = StatusExercised
	p.SettledAt = &now
	p.SettlementAmount = settlement

	return s.clone(p), nil
}

// MarkExpired transitions an active policy to expired.
func (s *Store) MarkExpired(id uint64) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errs.ErrPolicyNotFound, id)
	}
	if p.Status != StatusActive {
		return nil, fmt.Errorf("%w: policy %d is %s", errs.ErrStateConflict, id, p.Status)
	}

	p.Status = StatusExpired
	return s.clone(p), nil
}

// MarkPremiumDistributed flips the premium flag exactly once.
func (s *Store) MarkPremiumDistributed(id uint64) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errs.ErrPolicyNotFound, id)
	}
	if p.PremiumDistributed {
		return nil, fmt.Errorf("%w: policy %d premium", errs.ErrAlreadyDistributed, id)
	}

	p.PremiumDistributed = true
	return s.clone(p), nil
}

// Discard removes a policy that never finished issuance. Only active,
// never-observed records may be discarded; terminal records are audit state.
func (s *Store) Discard(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("%w: %d", errs.ErrPolicyNotFound, id)
	}
	if p.Status != StatusActive {
		return fmt.Errorf("%w: policy %d is %s", errs.ErrStateConflict, id, p.Status)
	}

	delete(s.policies, id)
	return nil
}

// ActivePastExpiration returns copies of active policies whose expiration
// height is at or below the given height. Input to the expiry sweep.
func (s *Store) ActivePastExpiration(height uint64) []*Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Policy
	for _, p := range s.policies {
		if p.Status == StatusActive && p.ExpirationHeight <= height {
			out = append(out, s.clone(p))
		}
	}
	return out
}

// ActiveByOwner returns copies of the owner's active policies.
func (s *Store) ActiveByOwner(owner string) []*Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Policy
	for _, p := range s.policies {
		if p.Status == StatusActive && p.Owner == owner {
			out = append(out, s.clone(p))
		}
	}
	return out
}

func (s *Store) clone(p *Policy) *Policy {
	cp := *p
	if p.SettledAt != nil {
		t := *p.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}
