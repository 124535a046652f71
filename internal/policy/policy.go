package policy

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is a policy lifecycle state. Transitions are one-directional:
// Active -> Exercised or Active -> Expired, both terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusExercised Status = "exercised"
	StatusExpired   Status = "expired"
)

// PositionType distinguishes the direction of protection.
type PositionType string

const (
	PositionLongPut  PositionType = "long_put"
	PositionShortPut PositionType = "short_put"
)

// Policy holds a protection policy's immutable terms and lifecycle state.
// Only Status and PremiumDistributed may change after issuance.
type Policy struct {
	ID               uint64          `json:"id"`
	Owner            string          `json:"owner"`
	Counterparty     string          `json:"counterparty"`
	TokenCollateral  string          `json:"token_collateral"`
	TokenSettlement  string          `json:"token_settlement"`
	ProtectedValue   decimal.Decimal `json:"protected_value"`
	ProtectedAmount  decimal.Decimal `json:"protected_amount"`
	Premium          decimal.Decimal `json:"premium"`
	PositionType     PositionType    `json:"position_type"`
	ExpirationHeight uint64          `json:"expiration_height"`
	Status           Status          `json:"status"`
	PremiumDistributed bool          `json:"premium_distributed"`
	CreatedAt        time.Time       `json:"created_at"`
	SettledAt        *time.Time      `json:"settled_at,omitempty"`
	SettlementAmount decimal.Decimal `json:"settlement_amount"`
}

// Terms are the caller-supplied fields of a new policy.
type Terms struct {
	Owner            string
	Counterparty     string
	TokenCollateral  string
	TokenSettlement  string
	ProtectedValue   decimal.Decimal
	ProtectedAmount  decimal.Decimal
	Premium          decimal.Decimal
	PositionType     PositionType
	ExpirationHeight uint64
}

// Terminal reports whether the policy is in a terminal state.
func (p *Policy) Terminal() bool {
	return p.Status == StatusExercised || p.Status == StatusExpired
}

// RequiredCollateral is the pool capacity a policy reserves at issuance:
// the protected value across the protected amount.
func (p *Policy) RequiredCollateral() decimal.Decimal {
	return p.ProtectedValue.Mul(p.ProtectedAmount)
}
