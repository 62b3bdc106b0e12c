package model

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy configures retries of failed Chat calls.
type RetryPolicy struct {
	// MaxAttempts counts the first call. 1 means no retries.
	MaxAttempts int

	// BaseDelay is doubled on every retry and capped at MaxDelay. A random
	// jitter in [0, BaseDelay) is added. MaxDelay zero means no cap.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Retryable classifies errors. When nil, errors with a
	// Retryable() bool method that returns true are retried.
	Retryable func(error) bool
}

// Validate checks the policy's constraints.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return ErrInvalidRetryPolicy
	}
	if p.MaxDelay > 0 && p.BaseDelay > 0 && p.MaxDelay < p.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

func (p RetryPolicy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

// backoff returns the delay before retry number attempt (zero based).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay << attempt
	if delay <= 0 || (p.MaxDelay > 0 && delay > p.MaxDelay) {
		delay = p.MaxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(p.BaseDelay))) // #nosec G404 -- retry jitter
}

// RetryingChatModel retries a ChatModel's transient failures.
type RetryingChatModel struct {
	inner  ChatModel
	policy RetryPolicy
}

// WithRetry wraps m so that failures the policy classifies as retryable are
// retried with exponential backoff.
func WithRetry(m ChatModel, policy RetryPolicy) (*RetryingChatModel, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &RetryingChatModel{inner: m, policy: policy}, nil
}

// Chat implements ChatModel. The last error is returned once attempts run
// out.
func (r *RetryingChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(r.policy.backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ChatOut{}, ctx.Err()
			case <-timer.C:
			}
		}
		out, err := r.inner.Chat(ctx, messages, tools)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !r.policy.retryable(err) {
			break
		}
	}
	return ChatOut{}, lastErr
}
