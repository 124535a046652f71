package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/coverpool/pkg/circuit"
	"github.com/terminal-bench/coverpool/pkg/errs"
	"github.com/terminal-bench/coverpool/pkg/messaging"
)

// Quote is a reference price observation.
type Quote struct {
	Asset      string
	Price      decimal.Decimal
	Confidence decimal.Decimal
	AsOfHeight uint64
	Timestamp  time.Time
}

// PriceOracle supplies reference prices. Stale or out-of-tolerance responses
// surface as OracleUnavailable; price-dependent decisions must not proceed.
type PriceOracle interface {
	ReferencePrice(ctx context.Context, asset string) (Quote, error)
}

// FeedClient consumes quote events off the oracle feed and serves the most
// recent one per asset, rejecting anything older than the staleness
// tolerance.
type FeedClient struct {
	mu        sync.RWMutex
	quotes    map[string]Quote
	staleness time.Duration
	breaker   *circuit.Breaker
	now       func() time.Time
}

// NewFeedClient creates a feed client with the given staleness tolerance.
func NewFeedClient(staleness time.Duration) *FeedClient {
	return &FeedClient{
		quotes:    make(map[string]Quote),
		staleness: staleness,
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "oracle",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 2,
		}),
		now: time.Now,
	}
}

// Start subscribes the client to the oracle feed.
func (f *FeedClient) Start(client *messaging.Client) error {
	return client.Subscribe(messaging.EventTypeOracleQuote, f.handleQuote)
}

func (f *FeedClient) handleQuote(msg *nats.Msg) {
	var event messaging.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return
	}
	data, err := messaging.ParseEventData[messaging.OracleQuoteEvent](&event)
	if err != nil {
		return
	}

	price, err := decimal.NewFromString(data.Price)
	if err != nil {
		return
	}
	confidence, err := decimal.NewFromString(data.Confidence)
	if err != nil {
		confidence = decimal.Zero
	}

	f.Observe(Quote{
		Asset:      data.Asset,
		Price:      price,
		Confidence: confidence,
		AsOfHeight: data.AsOfHeight,
		Timestamp:  data.Timestamp,
	})
}

// Observe records a quote. Older observations never replace newer ones.
func (f *FeedClient) Observe(q Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if current, ok := f.quotes[q.Asset]; ok && current.Timestamp.After(q.Timestamp) {
		return
	}
	f.quotes[q.Asset] = q
}

// SetStaleness updates the staleness tolerance at runtime.
func (f *FeedClient) SetStaleness(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleness = d
}

// ReferencePrice returns the latest fresh quote for asset.
func (f *FeedClient) ReferencePrice(ctx context.Context, asset string) (Quote, error) {
	var quote Quote
	err := f.breaker.Execute(ctx, func() error {
		f.mu.RLock()
		q, ok := f.quotes[asset]
		staleness := f.staleness
		f.mu.RUnlock()

		if !ok {
			return fmt.Errorf("%w: no quote for %s", errs.ErrOracleUnavailable, asset)
		}
		if f.now().Sub(q.Timestamp) > staleness {
			return fmt.Errorf("%w: quote for %s is stale (as of %s)", errs.ErrOracleUnavailable,
				asset, q.Timestamp.Format(time.RFC3339))
		}
		quote = q
		return nil
	})
	if err != nil {
		if err == circuit.ErrCircuitOpen || err == circuit.ErrTooManyRequests {
			return Quote{}, fmt.Errorf("%w: %v", errs.ErrOracleUnavailable, err)
		}
		return Quote{}, err
	}
	return quote, nil
}

// Static is a fixed-price oracle for tests and local runs.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStatic creates an empty static oracle.
func NewStatic() *Static {
	return &Static{quotes: make(map[string]Quote)}
}

// Set pins a price for an asset.
func (s *Static) Set(asset string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[asset] = Quote{
		Asset:      asset,
		Price:      price,
		Confidence: decimal.NewFromInt(1),
		Timestamp:  time.Now(),
	}
}

// ReferencePrice returns the pinned price.
func (s *Static) ReferencePrice(ctx context.Context, asset string) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[asset]
	if !ok {
		return Quote{}, fmt.Errorf("%w: no quote for %s", errs.ErrOracleUnavailable, asset)
	}
	return q, nil
}
