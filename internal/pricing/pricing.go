package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/coverpool/pkg/errs"
	"github.com/terminal-bench/coverpool/pkg/messaging"
)

// Terms are the policy parameters the pricer quotes against.
type Terms struct {
	TokenCollateral string
	TokenSettlement string
	ProtectedValue  decimal.Decimal
	ProtectedAmount decimal.Decimal
	Duration        uint64
}

// MarketData is the oracle-sourced input to pricing.
type MarketData struct {
	SpotPrice  decimal.Decimal
	Volatility decimal.Decimal
}

// Pricer quotes a premium for policy terms. Treated as a pure function;
// failures surface as PricingUnavailable.
type Pricer interface {
	PricePolicy(ctx context.Context, terms Terms, market MarketData) (decimal.Decimal, error)
}

// NATSClient asks an external pricing service over request/reply.
type NATSClient struct {
	client  *messaging.Client
	timeout time.Duration
}

// NewNATSClient wraps a messaging client.
func NewNATSClient(client *messaging.Client, timeout time.Duration) *NATSClient {
	return &NATSClient{client: client, timeout: timeout}
}

// PricePolicy requests a quote from the pricing service.
func (c *NATSClient) PricePolicy(ctx context.Context, terms Terms, market MarketData) (decimal.Decimal, error) {
	req := messaging.PricingRequest{
		TokenCollateral: terms.TokenCollateral,
		TokenSettlement: terms.TokenSettlement,
		ProtectedValue:  terms.ProtectedValue.String(),
		ProtectedAmount: terms.ProtectedAmount.String(),
		Duration:        terms.Duration,
		SpotPrice:       market.SpotPrice.String(),
		Volatility:      market.Volatility.String(),
	}

	msg, err := c.client.Request(ctx, messaging.SubjectPricingRequest, req, c.timeout)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", errs.ErrPricingUnavailable, err)
	}

	var resp messaging.PricingResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("%w: bad response: %v", errs.ErrPricingUnavailable, err)
	}
	if resp.Error != "" {
		return decimal.Zero, fmt.Errorf("%w: %s", errs.ErrPricingUnavailable, resp.Error)
	}

	premium, err := decimal.NewFromString(resp.Premium)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: bad premium %q", errs.ErrPricingUnavailable, resp.Premium)
	}
	return premium, nil
}

// Flat quotes a fixed fraction of the protected notional. Test and local-run
// implementation.
type Flat struct {
	Rate decimal.Decimal
}

// PricePolicy returns protected_value * protected_amount * rate.
func (f Flat) PricePolicy(ctx context.Context, terms Terms, market MarketData) (decimal.Decimal, error) {
	return terms.ProtectedValue.Mul(terms.ProtectedAmount).Mul(f.Rate), nil
}
