package tickets

import (
	"context"
	"fmt"
	"time"

	"opsagent/internal/logging"
)

// Adapter persists tickets. Implementations assign ids from a sequence that
// Reset rewinds, and report missing tickets with ErrNotFound.
type Adapter interface {
	// Create stores a new ticket and returns it with ID set.
	Create(ctx context.Context, t Ticket) (Ticket, error)
	Get(ctx context.Context, id string) (Ticket, error)
	// Update replaces an existing ticket.
	Update(ctx context.Context, t Ticket) error
	List(ctx context.Context) ([]Ticket, error)
	// Reset clears all tickets and rewinds the id sequence. Idempotent.
	Reset(ctx context.Context) error
	Close() error
}

// RetryPolicy bounds adapter retries. Backoff grows linearly per attempt.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy makes three attempts, 100ms apart then 200ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 100 * time.Millisecond}

type retryingAdapter struct {
	inner  Adapter
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps an adapter so transient I/O failures are retried. Domain
// errors (not found, invalid input) are returned immediately.
func WithRetry(a Adapter, p RetryPolicy) Adapter {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	return &retryingAdapter{inner: a, policy: p, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *retryingAdapter) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		err = fn()
		if !retryable(err) {
			return err
		}
		if attempt == r.policy.Attempts {
			break
		}
		logging.TicketsWarn("%s failed (attempt %d/%d): %v", op, attempt, r.policy.Attempts, err)
		if serr := r.sleep(ctx, r.policy.Backoff*time.Duration(attempt)); serr != nil {
			return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, serr)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func (r *retryingAdapter) Create(ctx context.Context, t Ticket) (Ticket, error) {
	var out Ticket
	err := r.do(ctx, "create", func() error {
		var err error
		out, err = r.inner.Create(ctx, t)
		return err
	})
	return out, err
}

func (r *retryingAdapter) Get(ctx context.Context, id string) (Ticket, error) {
	var out Ticket
	err := r.do(ctx, "get", func() error {
		var err error
		out, err = r.inner.Get(ctx, id)
		return err
	})
	return out, err
}

func (r *retryingAdapter) Update(ctx context.Context, t Ticket) error {
	return r.do(ctx, "update", func() error { return r.inner.Update(ctx, t) })
}

func (r *retryingAdapter) List(ctx context.Context) ([]Ticket, error) {
	var out []Ticket
	err := r.do(ctx, "list", func() error {
		var err error
		out, err = r.inner.List(ctx)
		return err
	})
	return out, err
}

func (r *retryingAdapter) Reset(ctx context.Context) error {
	return r.do(ctx, "reset", func() error { return r.inner.Reset(ctx) })
}

func (r *retryingAdapter) Close() error { return r.inner.Close() }
