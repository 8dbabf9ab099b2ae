package provision

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/wphive/backend/internal/core/ports"
	"github.com/wphive/backend/internal/domain"
	"github.com/wphive/backend/internal/infrastructure/logger"
)

// RetryPolicy bounds the attempt loop of one installation run.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	JitterMax   time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.JitterMax < 0 {
		p.JitterMax = 0
	}
	return p
}

// Delay returns the backoff before the given attempt (1-based): exponential
// on the base delay plus uniform jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay * (1 << (attempt - 1))
	if p.JitterMax > 0 {
		delay += time.Duration(rand.Int63n(int64(p.JitterMax)))
	}
	return delay
}

// CancelledFunc reports whether a cancellation request has been recorded for
// the installation. It is consulted before every attempt.
type CancelledFunc func(ctx context.Context) (bool, error)

// Controller wraps one full run (fresh channel connect + all steps) as an
// attempt, retrying whole attempts with backoff. Steps are not resumable;
// every attempt restarts from the first step with a brand-new channel.
type Controller struct {
	policy   RetryPolicy
	runner   *Runner
	registry *Registry
	log      *logger.Logger

	// sleep is replaceable in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func NewController(policy RetryPolicy, runner *Runner, registry *Registry, log *logger.Logger) *Controller {
	return &Controller{
		policy:   policy.withDefaults(),
		runner:   runner,
		registry: registry,
		log:      log,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ErrCancelled is returned when a cancellation request prevented the next
// attempt from starting.
var ErrCancelled = fmt.Errorf("provision: run cancelled")

// Run drives up to MaxAttempts full attempts for the installation. The
// terminal outcome is the returned error: nil on success, ErrCancelled on a
// cancel request observed between attempts, otherwise the last attempt error.
func (c *Controller) Run(ctx context.Context, installation *domain.Installation, factory ports.ChannelFactory, steps []Step, sink EventSink, cancelled CancelledFunc) error {
	var lastErr error

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if cancelled != nil {
			stop, err := cancelled(ctx)
			if err != nil {
				c.log.Warnw("cancel_check_failed", "installation_id", installation.ID, "error", err)
			} else if stop {
				c.log.Infow("run_cancelled", "installation_id", installation.ID, "attempt", attempt)
				return ErrCancelled
			}
		}

		lastErr = c.attempt(ctx, installation, factory, steps, sink, attempt)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}

		c.log.Warnw("attempt_failed",
			"installation_id", installation.ID,
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"error", lastErr,
		)

		if attempt < c.policy.MaxAttempts {
			delay := c.policy.Delay(attempt)
			sink.Emit(domain.NewOutputEvent(installation.ID, "",
				fmt.Sprintf("Attempt %d failed, retrying in %s...", attempt, delay.Round(time.Millisecond))))
			if err := c.sleep(ctx, delay); err != nil {
				return lastErr
			}
		}
	}

	return lastErr
}

// attempt runs one connect-and-all-steps cycle on a brand-new channel.
func (c *Controller) attempt(ctx context.Context, installation *domain.Installation, factory ports.ChannelFactory, steps []Step, sink EventSink, attempt int) error {
	channel := factory()
	c.registry.Put(installation.ID, channel)
	defer func() {
		_ = channel.Disconnect()
		c.registry.Remove(installation.ID)
	}()

	c.log.Infow("attempt_connect", "installation_id", installation.ID, "attempt", attempt, "host", installation.Host)
	if err := channel.Connect(ctx); err != nil {
		return err
	}

	return c.runner.Run(ctx, installation.ID, channel, steps, sink)
}
