package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// ErrEventPublishFailed marks events that could not be delivered after
// retries. The commit they belong to is still durable.
var ErrEventPublishFailed = errors.New("event publish failed")

// PublishError reports which events of a commit were not delivered.
type PublishError struct {
	TransactionID string
	Failed        int
	Total         int
	Err           error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("event publish failed: %d of %d events for transaction %s: %v",
		e.Failed, e.Total, e.TransactionID, e.Err)
}

func (e *PublishError) Is(target error) bool { return target == ErrEventPublishFailed }

func (e *PublishError) Unwrap() error { return e.Err }

// RetryConfig holds exponential backoff settings.
type RetryConfig struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelay:      50 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// BreakerConfig configures the circuit breaker in front of the publisher.
type BreakerConfig struct {
	Disabled bool
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears closed-state counts. Zero never clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// MinRequests before the failure ratio is considered.
	MinRequests uint32
	// FailureRatio at or above which the breaker opens.
	FailureRatio float64
}

// DefaultBreakerConfig returns sensible breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// DefaultPublishTimeout bounds a single publish attempt.
const DefaultPublishTimeout = 5 * time.Second

// PipelineOptions configures a Pipeline. Zero values take defaults.
type PipelineOptions struct {
	Retry   *RetryConfig
	Breaker *BreakerConfig
	// PublishTimeout bounds each attempt. A publisher that has not returned
	// by then counts as failed. Negative disables the bound.
	PublishTimeout time.Duration
	// Source is stamped into every envelope header.
	Source string
	Logger *slog.Logger
}

// Stats counts pipeline activity since creation.
type Stats struct {
	Published uint64
	Failed    uint64
	Retries   uint64
	Breaker   string
}

// Pipeline publishes change events with retry and a circuit breaker.
// It is safe for concurrent use.
type Pipeline struct {
	publisher Publisher
	retry     RetryConfig
	timeout   time.Duration
	breaker   *gobreaker.CircuitBreaker
	source    string
	logger    *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
	retries   atomic.Uint64
}

// NewPipeline creates a pipeline over pub. A nil pub drops all events.
func NewPipeline(pub Publisher, opts PipelineOptions) *Pipeline {
	if pub == nil {
		pub = NopPublisher{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	if retry.BackoffMultiplier <= 0 {
		retry.BackoffMultiplier = 1
	}

	timeout := opts.PublishTimeout
	if timeout == 0 {
		timeout = DefaultPublishTimeout
	}

	p := &Pipeline{
		publisher: pub,
		retry:     retry,
		timeout:   timeout,
		source:    opts.Source,
		logger:    logger,
	}

	bc := DefaultBreakerConfig()
	if opts.Breaker != nil {
		bc = *opts.Breaker
	}
	if !bc.Disabled {
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "event-publisher",
			MaxRequests: bc.MaxRequests,
			Interval:    bc.Interval,
			Timeout:     bc.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < bc.MinRequests {
					return false
				}
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= bc.FailureRatio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("event publisher circuit breaker changed state",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return p
}

// Emit publishes one envelope per event. Every event is attempted even if
// an earlier one fails. The returned error, if any, is a *PublishError.
func (p *Pipeline) Emit(ctx context.Context, txID string, evs []ChangeEvent) error {
	if len(evs) == 0 {
		return nil
	}
	requestID, ok := RequestIDFrom(ctx)
	if !ok {
		requestID = txID
	}

	var failed int
	var lastErr error
	for _, ev := range evs {
		env := NewEnvelope(ev, requestID, p.source)
		if err := p.publishWithRetry(ctx, env); err != nil {
			failed++
			lastErr = err
			p.failed.Add(1)
			p.logger.Error("failed to publish change event",
				"tx", txID, "operation", ev.Operation, "kind", ev.EntityKind,
				"key", ev.Key(), "error", err)
			continue
		}
		p.published.Add(1)
	}
	if failed > 0 {
		return &PublishError{TransactionID: txID, Failed: failed, Total: len(evs), Err: lastErr}
	}
	return nil
}

func (p *Pipeline) publishWithRetry(ctx context.Context, env Envelope) error {
	var lastErr error
	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(p.retry.delay(attempt - 1)):
			}
		}

		err := p.publishOnce(ctx, env)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		p.logger.Debug("publish attempt failed",
			"attempt", attempt+1, "key", env.Body.EntityKey, "error", err)
	}
	return fmt.Errorf("giving up after %d attempts: %w", p.retry.MaxRetries+1, lastErr)
}

func (p *Pipeline) publishOnce(ctx context.Context, env Envelope) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if p.breaker == nil {
		return p.publisher.Publish(ctx, env)
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publisher.Publish(ctx, env)
	})
	return err
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Retries:   p.retries.Load(),
		Breaker:   "disabled",
	}
	if p.breaker != nil {
		s.Breaker = p.breaker.State().String()
	}
	return s
}
