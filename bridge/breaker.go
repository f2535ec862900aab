package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/GoCodeAlone/dungeonmaster/comms"
	"github.com/GoCodeAlone/dungeonmaster/orchestrator"
)

// Default circuit breaker settings.
const (
	defaultMaxFailures uint32        = 5
	defaultOpenTimeout time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before a trial request is let through.
	OpenTimeout time.Duration
	// Interval clears failure counts periodically while closed.
	Interval time.Duration
}

// Breaker wraps a bridge so that a failing service is skipped quickly and the
// orchestrator falls back to local routing without waiting on it.
type Breaker struct {
	name    string
	inner   orchestrator.Bridge
	breaker *gobreaker.CircuitBreaker[comms.Payload]
}

// NewBreaker wraps inner. Zero config fields use defaults.
func NewBreaker(name string, inner orchestrator.Bridge, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.OpenTimeout
	if timeout == 0 {
		timeout = defaultOpenTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}

	cb := gobreaker.NewCircuitBreaker[comms.Payload](gobreaker.Settings{
		Name:        "bridge:" + name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about the service.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &Breaker{name: name, inner: inner, breaker: cb}
}

// HandleCommand implements orchestrator.Bridge through the breaker.
func (b *Breaker) HandleCommand(ctx context.Context, env orchestrator.Envelope) (comms.Payload, error) {
	res, err := b.breaker.Execute(func() (comms.Payload, error) {
		return b.inner.HandleCommand(ctx, env)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("bridge %q circuit open: %w: %w", b.name, ErrUnavailable, err)
		}
		return nil, err
	}
	return res, nil
}

// State returns the current circuit breaker state for monitoring.
func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.breaker.Counts()
}

var _ orchestrator.Bridge = (*Breaker)(nil)
