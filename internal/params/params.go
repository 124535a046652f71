package params

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Parameter keys under the etcd prefix.
const (
	KeySafetyBuffer      = "safety_buffer"
	KeyMaxPolicyDuration = "max_policy_duration"
	KeyOracleStaleness   = "oracle_staleness"
)

// Defaults applied until an administrator overrides them.
var defaults = map[string]string{
	KeySafetyBuffer:      "0.05",
	KeyMaxPolicyDuration: "100000",
	KeyOracleStaleness:   "60s",
}

// Store holds the administrative parameter set. Values live in etcd so every
// service instance observes the same configuration; a watch keeps the local
// copy current between polls.
type Store struct {
	mu     sync.RWMutex
	values map[string]string

	client *clientv3.Client
	prefix string
}

// NewStore creates a store with defaults. client may be nil for tests and
// single-process runs; Set then only mutates the local copy.
func NewStore(client *clientv3.Client, prefix string) *Store {
	values := make(map[string]string, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	return &Store{
		values: values,
		client: client,
		prefix: prefix,
	}
}

// Load pulls current values from etcd, falling back to defaults for unset
// keys.
func (s *Store) Load(ctx context.Context) error {
	if s.client == nil {
		return nil
	}

	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to load parameters: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kv := range resp.Kvs {
		key := string(kv.Key[len(s.prefix):])
		s.values[key] = string(kv.Value)
	}
	return nil
}

// Watch follows etcd updates until the context ends.
func (s *Store) Watch(ctx context.Context) {
	if s.client == nil {
		return
	}

	ch := s.client.Watch(ctx, s.prefix, clientv3.WithPrefix())
	for resp := range ch {
		if err := resp.Err(); err != nil {
			log.Printf("params: watch error: %v", err)
			continue
		}
		s.mu.Lock()
		for _, ev := range resp.Events {
			key := string(ev.Kv.Key[len(s.prefix):])
			if ev.Type == clientv3.EventTypeDelete {
				if def, ok := defaults[key]; ok {
					s.values[key] = def
				} else {
					delete(s.values, key)
				}
				continue
			}
			s.values[key] = string(ev.Kv.Value)
		}
		s.mu.Unlock()
	}
}

// Set validates and persists a parameter.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := validate(key, value); err != nil {
		return err
	}

	if s.client != nil {
		if _, err := s.client.Put(ctx, s.prefix+key, value); err != nil {
			return fmt.Errorf("failed to store parameter %s: %w", key, err)
		}
	}

	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}

// Get returns the raw value for a key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// All returns a copy of the parameter set.
func (s *Store) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// SafetyBuffer returns the withdrawal safety fraction.
func (s *Store) SafetyBuffer() decimal.Decimal {
	raw, _ := s.Get(KeySafetyBuffer)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		d, _ = decimal.NewFromString(defaults[KeySafetyBuffer])
	}
	return d
}

// MaxPolicyDuration returns the maximum policy lifetime in heights.
func (s *Store) MaxPolicyDuration() uint64 {
	raw, _ := s.Get(KeyMaxPolicyDuration)
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		n, _ = strconv.ParseUint(defaults[KeyMaxPolicyDuration], 10, 64)
	}
	return n
}

// OracleStaleness returns the oracle staleness tolerance.
func (s *Store) OracleStaleness() time.Duration {
	raw, _ := s.Get(KeyOracleStaleness)
	d, err := time.ParseDuration(raw)
	if err != nil {
		d, _ = time.ParseDuration(defaults[KeyOracleStaleness])
	}
	return d
}

func validate(key, value string) error {
	switch key {
	case KeySafetyBuffer:
		d, err := decimal.NewFromString(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if d.Sign() < 0 || d.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("invalid %s: must be within [0, 1]", key)
		}
	case KeyMaxPolicyDuration:
		if _, err := strconv.ParseUint(value, 10, 64); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	case KeyOracleStaleness:
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	default:
		return fmt.Errorf("unknown parameter %q", key)
	}
	return nil
}
