package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/terminal-bench/coverpool/pkg/errs"
)

// Kind identifies the ledger operation a pending entry drives.
type Kind string

const (
	KindDeposit           Kind = "deposit"
	KindWithdrawal        Kind = "withdrawal"
	KindLockCollateral    Kind = "lock_collateral"
	KindReleaseCollateral Kind = "release_collateral"
	KindSettle            Kind = "settle"
	KindDistributePremium Kind = "distribute_premium"
	KindProviderPremium   Kind = "provider_premium"
)

// Status is a pending operation's state. Transitions are driven only by
// confirmed observation of the underlying operation's outcome, never by
// optimistic assumption.
type Status string

const (
	StatusPrepared  Status = "prepared"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Operation is one prepared ledger mutation and its tracking state.
type Operation struct {
	ID          uuid.UUID       `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	Permanent   bool            `json:"permanent,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	NextAttempt time.Time       `json:"next_attempt"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Submitter hands an operation to the external commit path.
type Submitter interface {
	Submit(ctx context.Context, op *Operation) error
}

// Config tunes retry behavior.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Tracker owns the pending-operation state machine:
// Prepared -> Submitted -> {Confirmed, Failed}, with Failed -> Prepared for
// transient failures up to the retry cap. Ledger-invariant rejections are
// permanent and never re-enter the machine.
type Tracker struct {
	mu  sync.RWMutex
	ops map[uuid.UUID]*Operation

	cfg       Config
	submitter Submitter

	onConfirmed func(op Operation)
	now         func() time.Time
}

// New creates a tracker.
func New(cfg Config, submitter Submitter) *Tracker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Minute
	}
	return &Tracker{
		ops:       make(map[uuid.UUID]*Operation),
		cfg:       cfg,
		submitter: submitter,
		now:       time.Now,
	}
}

// OnConfirmed registers the callback invoked once per confirmed operation.
// The replica applies its mutation here and nowhere else.
func (t *Tracker) OnConfirmed(fn func(op Operation)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConfirmed = fn
}

// Prepare records a new pending operation.
func (t *Tracker) Prepare(kind Kind, payload interface{}) (*Operation, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	op := &Operation{
		ID:        uuid.New(),
		Kind:      kind,
		Payload:   data,
		Status:    StatusPrepared,
		CreatedAt: t.now(),
		UpdatedAt: t.now(),
	}

	t.mu.Lock()
	t.ops[op.ID] = op
	t.mu.Unlock()

	return t.snapshot(op.ID)
}

// Submit moves a prepared operation to submitted and hands it to the commit
// path. A submission error marks the operation failed; whether it may retry
// depends on the error class.
func (t *Tracker) Submit(ctx context.Context, id uuid.UUID) error {
	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("operation %s not found", id)
	}
	if op.Status != StatusPrepared {
		t.mu.Unlock()
		return fmt.Errorf("%w: operation %s is %s, not prepared", errs.ErrStateConflict, id, op.Status)
	}
	if t.now().Before(op.NextAttempt) {
		t.mu.Unlock()
		return fmt.Errorf("operation %s backing off until %s", id, op.NextAttempt.Format(time.RFC3339))
	}
	op.Status = StatusSubmitted
	op.UpdatedAt = t.now()
	opCopy := *op
	t.mu.Unlock()

	if err := t.submitter.Submit(ctx, &opCopy); err != nil {
		t.fail(id, err, errs.Terminal(err))
		return err
	}
	return nil
}

// Confirm marks a submitted operation confirmed and fires the replica
// callback. Only observation of the committed outcome should call this.
func (t *Tracker) Confirm(id uuid.UUID) error {
	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("operation %s not found", id)
	}
	if op.Status == StatusConfirmed {
		t.mu.Unlock()
		return nil // idempotent: double confirmation is a no-op
	}
	if op.Status != StatusSubmitted {
		t.mu.Unlock()
		return fmt.Errorf("%w: operation %s is %s, not submitted", errs.ErrStateConflict, id, op.Status)
	}
	op.Status = StatusConfirmed
	op.UpdatedAt = t.now()
	opCopy := *op
	fn := t.onConfirmed
	t.mu.Unlock()

	if fn != nil {
		fn(opCopy)
	}
	return nil
}

// Fail marks a submitted operation failed. Permanent failures (the ledger's
// own invariant rejections) never re-enter the retry loop.
func (t *Tracker) Fail(id uuid.UUID, cause error, permanent bool) error {
	return t.fail(id, cause, permanent)
}

func (t *Tracker) fail(id uuid.UUID, cause error, permanent bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[id]
	if !ok {
		return fmt.Errorf("operation %s not found", id)
	}
	if op.Status == StatusConfirmed {
		return fmt.Errorf("%w: operation %s already confirmed", errs.ErrStateConflict, id)
	}

	op.Status = StatusFailed
	op.Permanent = op.Permanent || permanent
	if cause != nil {
		op.LastError = cause.Error()
	}
	op.UpdatedAt = t.now()
	return nil
}

// Retry moves a transiently failed operation back to prepared with
// exponential backoff, up to the retry cap. Permanent failures are rejected:
// retrying a ledger-rejected operation indicates a logic bug upstream.
func (t *Tracker) Retry(id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[id]
	if !ok {
		return fmt.Errorf("operation %s not found", id)
	}
	if op.Status != StatusFailed {
		return fmt.Errorf("%w: operation %s is %s, not failed", errs.ErrStateConflict, id, op.Status)
	}
	if op.Permanent {
		return fmt.Errorf("%w: operation %s failed permanently: %s", errs.ErrStateConflict, id, op.LastError)
	}
	if op.RetryCount >= t.cfg.MaxRetries {
		return fmt.Errorf("operation %s exhausted %d retries: %s", id, op.RetryCount, op.LastError)
	}

	op.RetryCount++
	backoff := t.cfg.BackoffBase << uint(op.RetryCount-1)
	if backoff > t.cfg.BackoffCap {
		backoff = t.cfg.BackoffCap
	}
	op.NextAttempt = t.now().Add(backoff)
	op.Status = StatusPrepared
	op.UpdatedAt = t.now()
	return nil
}

// Due returns copies of backed-off operations whose retry window has
// opened. Freshly prepared operations (never failed, zero NextAttempt) are
// the caller's to submit and are not included.
func (t *Tracker) Due() []Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	var out []Operation
	for _, op := range t.ops {
		if op.Status == StatusPrepared && !op.NextAttempt.IsZero() && !now.Before(op.NextAttempt) {
			out = append(out, *op)
		}
	}
	return out
}

// Run drives resubmission of backed-off operations until the context ends.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.resubmitDue(ctx)
		}
	}
}

func (t *Tracker) resubmitDue(ctx context.Context) {
	for _, op := range t.Due() {
		if err := t.Submit(ctx, op.ID); err != nil {
			if retryErr := t.Retry(op.ID); retryErr != nil {
				log.Printf("tracker: operation %s will not retry: %v", op.ID, retryErr)
			}
			continue
		}
		if err := t.Confirm(op.ID); err != nil {
			log.Printf("tracker: failed to confirm operation %s: %v", op.ID, err)
		}
	}
}

// Get returns a copy of an operation.
func (t *Tracker) Get(id uuid.UUID) (*Operation, error) {
	return t.snapshot(id)
}

// Pending returns copies of operations not yet terminal.
func (t *Tracker) Pending() []Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Operation
	for _, op := range t.ops {
		if op.Status == StatusPrepared || op.Status == StatusSubmitted {
			out = append(out, *op)
		}
	}
	return out
}

// Stuck returns failed operations needing manual intervention: permanent
// failures and transient ones past the retry cap.
func (t *Tracker) Stuck() []Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Operation
	for _, op := range t.ops {
		if op.Status == StatusFailed && (op.Permanent || op.RetryCount >= t.cfg.MaxRetries) {
			out = append(out, *op)
		}
	}
	return out
}

func (t *Tracker) snapshot(id uuid.UUID) (*Operation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	op, ok := t.ops[id]
	if !ok {
		return nil, fmt.Errorf("operation %s not found", id)
	}
	cp := *op
	return &cp, nil
}
