package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"policyrag/internal/governor"
	"policyrag/internal/logging"
)

// =============================================================================
// GOVERNED CLIENT
// =============================================================================

// Governed wraps a Client with the Resource Governor's LLM permit and
// the dependency's circuit breaker. The breaker is consulted before
// the permit so a known-bad dependency never consumes concurrency
// capacity on doomed calls.
type Governed struct {
	client Client
	gov    *governor.Governor
	dep    governor.Dependency
}

var _ Client = (*Governed)(nil)

// NewGoverned wraps client with permit and breaker enforcement.
func NewGoverned(client Client, gov *governor.Governor, dep governor.Dependency) *Governed {
	return &Governed{client: client, gov: gov, dep: dep}
}

// Complete makes a permit-bounded, breaker-guarded call.
func (c *Governed) Complete(ctx context.Context, prompt string) (string, error) {
	return c.do(ctx, func(ctx context.Context) (string, error) {
		return c.client.Complete(ctx, prompt)
	})
}

// CompleteWithSystem makes a permit-bounded, breaker-guarded call with
// a system prompt.
func (c *Governed) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.do(ctx, func(ctx context.Context) (string, error) {
		return c.client.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	})
}

func (c *Governed) do(ctx context.Context, call func(context.Context) (string, error)) (string, error) {
	br := c.gov.Breaker(c.dep)
	if !br.Allow() {
		return "", fmt.Errorf("%s: %w", c.dep, governor.ErrCircuitOpen)
	}

	release, err := c.gov.AcquireLLM(ctx)
	if err != nil {
		// Local saturation says nothing about dependency health.
		br.RecordNeutral()
		return "", err
	}
	defer release()

	out, err := call(ctx)
	switch {
	case err == nil:
		br.RecordSuccess()
	case errors.Is(err, context.Canceled):
		br.RecordNeutral()
	default:
		br.RecordFailure()
	}
	return out, err
}

// CompleteWithRetry retries transient failures with exponential
// backoff. Fail-fast conditions (open circuit, backpressure) are not
// retried: the caller is expected to degrade instead.
func (c *Governed) CompleteWithRetry(ctx context.Context, systemPrompt, userPrompt string, maxRetries int) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := c.CompleteWithSystem(ctx, systemPrompt, userPrompt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, governor.ErrCircuitOpen) ||
			errors.Is(err, governor.ErrBackpressure) ||
			errors.Is(err, context.Canceled) {
			return "", err
		}

		if attempt < maxRetries {
			backoff := time.Duration(1<<attempt) * 100 * time.Millisecond
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
				logging.APIDebug("%s: retrying after error (attempt %d/%d): %v",
					c.dep, attempt+1, maxRetries, err)
			}
		}
	}

	return "", fmt.Errorf("all %d attempts failed, last error: %w", maxRetries+1, lastErr)
}
