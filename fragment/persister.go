package fragment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/sravan-iaisolution/codebox/metrics"
)

// RetryPolicy bounds the persister's exponential backoff.
type RetryPolicy struct {
	MaxRetries          int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	RandomizationFactor float64
}

// DefaultRetryPolicy retries up to five times starting at 200ms with ±50% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          5,
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		RandomizationFactor: 0.5,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.RandomizationFactor > 0 {
		b.RandomizationFactor = p.RandomizationFactor
	}
	b.Multiplier = 2
	// The attempt count is the bound, not elapsed time.
	b.MaxElapsedTime = 0
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)
}

// Persister commits run results to a Store, retrying transient failures.
type Persister struct {
	store   Store
	policy  RetryPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) PersisterOption {
	return func(ps *Persister) { ps.policy = p }
}

// WithLogger sets the persister's logger.
func WithLogger(logger *slog.Logger) PersisterOption {
	return func(ps *Persister) {
		if logger != nil {
			ps.logger = logger
		}
	}
}

// WithMetrics records attempts on m.
func WithMetrics(m *metrics.Metrics) PersisterOption {
	return func(ps *Persister) { ps.metrics = m }
}

// NewPersister creates a Persister over store.
func NewPersister(store Store, opts ...PersisterOption) *Persister {
	p := &Persister{
		store:  store,
		policy: DefaultRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SaveResult writes the run's result message and fragment. Transient errors
// are retried with jittered exponential backoff up to the policy's bound;
// anything else is returned at once. The store's per-run idempotency keeps a
// retried write from producing a second record.
func (p *Persister) SaveResult(ctx context.Context, res Result) (*Fragment, error) {
	if res.ProjectID == "" {
		return nil, ErrProjectIDRequired
	}
	if res.RunID == "" {
		return nil, errors.New("run id is required")
	}

	attempt := 0
	op := func() (*Fragment, error) {
		attempt++
		frag, err := p.store.SaveResult(ctx, res)
		switch {
		case err == nil:
			p.metrics.PersistAttempt("success")
			return frag, nil
		case IsTransient(err):
			p.metrics.PersistAttempt("transient")
			return nil, err
		default:
			p.metrics.PersistAttempt("fatal")
			return nil, backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		p.logger.WarnContext(ctx, "transient persistence failure, retrying",
			"run_id", res.RunID, "attempt", attempt, "wait", wait, "error", err)
	}

	frag, err := backoff.RetryNotifyWithData(op, p.policy.backOff(ctx), notify)
	if err != nil {
		p.logger.ErrorContext(ctx, "persist result failed", "run_id", res.RunID, "attempts", attempt, "error", err)
		return nil, err
	}
	p.logger.InfoContext(ctx, "result persisted",
		"run_id", res.RunID, "fragment_id", frag.ID, "files", len(frag.Files), "attempts", attempt)
	return frag, nil
}

// RecordFailure appends the assistant error message for a failed run.
func (p *Persister) RecordFailure(ctx context.Context, projectID string) error {
	_, err := p.store.CreateMessage(ctx, NewErrorMessage(projectID))
	return err
}
