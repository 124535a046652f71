package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	EventTypeFundsDeposited     = "vault.funds_deposited"
	EventTypeFundsWithdrawn     = "vault.funds_withdrawn"
	EventTypeCollateralLocked   = "vault.collateral_locked"
	EventTypeCollateralReleased = "vault.collateral_released"
	EventTypeSettlementPaid     = "vault.settlement_paid"
	EventTypePremiumRecorded    = "vault.premium_recorded"
	EventTypePremiumDistributed = "vault.premium_distributed"

	EventTypeAllocationRecorded         = "vault.provider_allocation_recorded"
	EventTypeProviderPremiumDistributed = "vault.provider_premium_distributed"

	EventTypePolicyStatusUpdated = "policy.status_updated"

	EventTypeReconcileCorrection = "reconcile.correction"
	EventTypeReconcileEscalation = "reconcile.escalation"

	EventTypeOracleQuote = "oracle.quote"

	SubjectPricingRequest = "pricing.quote_request"
)

// Event is the envelope every published event travels in. Sequence numbers
// are assigned by the ledger and drive idempotent replica apply.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent wraps data in an envelope.
func NewEvent(eventType string, sequence int64, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Sequence:  sequence,
		Timestamp: time.Now(),
		Data:      dataBytes,
	}, nil
}

// ParseEventData parses event data into the specified type.
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Amounts travel as strings to keep decimal precision across the wire.

// FundsDepositedEvent records a deposit into the pool.
type FundsDepositedEvent struct {
	Depositor string `json:"depositor"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
}

// FundsWithdrawnEvent records a withdrawal from the pool.
type FundsWithdrawnEvent struct {
	Withdrawer string `json:"withdrawer"`
	Amount     string `json:"amount"`
	Token      string `json:"token"`
}

// CollateralLockedEvent records a collateral reservation for a policy.
type CollateralLockedEvent struct {
	PolicyID uint64 `json:"policy_id"`
	Amount   string `json:"amount"`
	Token    string `json:"token"`
}

// CollateralReleasedEvent records freed collateral capacity.
type CollateralReleasedEvent struct {
	PolicyID uint64 `json:"policy_id"`
	Amount   string `json:"amount"`
	Token    string `json:"token"`
}

// SettlementPaidEvent records a settlement payout.
type SettlementPaidEvent struct {
	PolicyID  uint64 `json:"policy_id"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
}

// PremiumRecordedEvent records a premium credited to the pool.
type PremiumRecordedEvent struct {
	PolicyID     uint64 `json:"policy_id"`
	Counterparty string `json:"counterparty"`
	Amount       string `json:"amount"`
	Token        string `json:"token"`
}

// PremiumDistributedEvent records a counterparty premium payout.
type PremiumDistributedEvent struct {
	PolicyID     uint64 `json:"policy_id"`
	Counterparty string `json:"counterparty"`
	Amount       string `json:"amount"`
	Token        string `json:"token"`
}

// AllocationRecordedEvent records a provider's share of a policy's collateral.
type AllocationRecordedEvent struct {
	Provider        string `json:"provider"`
	PolicyID        uint64 `json:"policy_id"`
	AllocatedAmount string `json:"allocated_amount"`
	PremiumShare    string `json:"premium_share"`
	Token           string `json:"token"`
}

// ProviderPremiumDistributedEvent records a provider premium payout.
type ProviderPremiumDistributedEvent struct {
	Provider string `json:"provider"`
	PolicyID uint64 `json:"policy_id"`
	Amount   string `json:"amount"`
	Token    string `json:"token"`
}

// PolicyStatusUpdatedEvent records a lifecycle transition.
type PolicyStatusUpdatedEvent struct {
	PolicyID       uint64 `json:"policy_id"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
}

// OracleQuoteEvent carries a reference price observation.
type OracleQuoteEvent struct {
	Asset      string    `json:"asset"`
	Price      string    `json:"price"`
	Confidence string    `json:"confidence"`
	AsOfHeight uint64    `json:"as_of_height"`
	Timestamp  time.Time `json:"timestamp"`
}

// ReconcileCorrectionEvent records an applied replica correction.
type ReconcileCorrectionEvent struct {
	Field    string `json:"field"`
	Token    string `json:"token"`
	Before   string `json:"before"`
	After    string `json:"after"`
	Observed string `json:"observed"`
}

// ReconcileEscalationEvent flags drift beyond the configured tolerance.
type ReconcileEscalationEvent struct {
	Field     string `json:"field"`
	Token     string `json:"token"`
	Replica   string `json:"replica"`
	Ledger    string `json:"ledger"`
	Tolerance string `json:"tolerance"`
}

// PricingRequest asks the pricing collaborator for a premium quote.
type PricingRequest struct {
	TokenCollateral string `json:"token_collateral"`
	TokenSettlement string `json:"token_settlement"`
	ProtectedValue  string `json:"protected_value"`
	ProtectedAmount string `json:"protected_amount"`
	Duration        uint64 `json:"duration"`
	SpotPrice       string `json:"spot_price"`
	Volatility      string `json:"volatility"`
}

// PricingResponse carries the quoted premium.
type PricingResponse struct {
	Premium string `json:"premium"`
	Error   string `json:"error,omitempty"`
}
