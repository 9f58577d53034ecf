package parselog

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned by Breaker while writes are being shed.
var ErrCircuitOpen = errors.New("parselog: circuit open, entry dropped")

// BreakerConfig controls when the parse log stops writing to a failing
// database and how long it waits before probing again.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed writes that
	// opens the circuit.
	FailureThreshold uint32
	// Timeout is how long the circuit stays open before one trial write.
	Timeout time.Duration
}

// DefaultBreakerConfig opens after 5 consecutive failures and retries every 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Timeout: 30 * time.Second}
}

// Breaker wraps a Recorder with a circuit breaker so an unavailable database
// costs one fast failure per entry instead of a connect timeout.
type Breaker struct {
	rec Recorder
	cb  *gobreaker.CircuitBreaker
}

// NewBreaker wraps rec. State transitions are logged at warn level.
func NewBreaker(rec Recorder, cfg BreakerConfig, logger zerolog.Logger) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	settings := gobreaker.Settings{
		Name:        "parse_log",
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("parse log circuit breaker state changed")
		},
		// A cancelled request says nothing about database health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	return &Breaker{rec: rec, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Record implements Recorder.
func (b *Breaker) Record(ctx context.Context, e Entry) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.rec.Record(ctx, e)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}
