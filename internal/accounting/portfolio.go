package accounting

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Portfolio is the provider-facing view of replica state.
type Portfolio struct {
	Provider  string                    `json:"provider"`
	RiskTier  string                    `json:"risk_tier"`
	Tokens    map[string]TokenPortfolio `json:"tokens"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// TokenPortfolio summarizes one token position.
type TokenPortfolio struct {
	Capital            string `json:"capital"`
	AccruedYield       string `json:"accrued_yield"`
	RequiredCollateral string `json:"required_collateral"`
	MaxWithdrawable    string `json:"max_withdrawable"`
	Utilization        string `json:"utilization"`
}

// PortfolioCache caches portfolio views in redis, invalidated whenever an
// applied event touches the provider.
type PortfolioCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPortfolioCache wraps a redis client.
func NewPortfolioCache(rdb *redis.Client, ttl time.Duration) *PortfolioCache {
	return &PortfolioCache{rdb: rdb, ttl: ttl}
}

func cacheKey(provider string) string {
	return "portfolio:" + provider
}

// Get returns a cached portfolio, or nil on miss.
func (c *PortfolioCache) Get(ctx context.Context, provider string) *Portfolio {
	raw, err := c.rdb.Get(ctx, cacheKey(provider)).Result()
	if err != nil {
		return nil
	}
	var portfolio Portfolio
	if json.Unmarshal([]byte(raw), &portfolio) != nil {
		return nil
	}
	return &portfolio
}

// Put stores a portfolio view.
func (c *PortfolioCache) Put(ctx context.Context, portfolio *Portfolio) {
	raw, err := json.Marshal(portfolio)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, cacheKey(portfolio.Provider), raw, c.ttl)
}

// Invalidate drops the cached view for a provider.
func (c *PortfolioCache) Invalidate(provider string) {
	c.rdb.Del(context.Background(), cacheKey(provider))
}

// Portfolio builds the provider view, consulting the cache first.
func (s *Service) Portfolio(ctx context.Context, provider string) (*Portfolio, error) {
	s.mu.RLock()
	cache := s.cache
	s.mu.RUnlock()

	if cache != nil {
		if cached := cache.Get(ctx, provider); cached != nil {
			return cached, nil
		}
	}

	rec, err := s.Provider(provider)
	if err != nil {
		return nil, err
	}

	portfolio := &Portfolio{
		Provider:  rec.Provider,
		RiskTier:  rec.RiskTier,
		Tokens:    make(map[string]TokenPortfolio, len(rec.Positions)),
		UpdatedAt: time.Now(),
	}

	s.mu.RLock()
	buffer := s.buffer()
	for token, pos := range rec.Positions {
		capital := pos.Capital()
		required := s.requiredCollateral(provider, token)

		withdrawable := capital.Sub(required.Mul(decimal.NewFromInt(1).Add(buffer)))
		if withdrawable.Sign() < 0 {
			withdrawable = decimal.Zero
		}

		utilization := decimal.Zero
		if capital.Sign() > 0 {
			utilization = required.Div(capital)
		}

		portfolio.Tokens[token] = TokenPortfolio{
			Capital:            capital.String(),
			AccruedYield:       pos.AccruedYield.String(),
			RequiredCollateral: required.String(),
			MaxWithdrawable:    withdrawable.String(),
			Utilization:        utilization.String(),
		}
	}
	s.mu.RUnlock()

	if cache != nil {
		cache.Put(ctx, portfolio)
	}
	return portfolio, nil
}
