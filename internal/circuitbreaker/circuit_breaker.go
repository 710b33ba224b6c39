// Package circuitbreaker guards outbound calls with sony/gobreaker.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/campaign-sendqueue/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is testing if the service has recovered
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when too many requests are made in half-open state
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	Name             string
	MaxFailures      int           // minimum requests in the interval before tripping is considered
	FailureThreshold float64       // failure ratio that trips the breaker (0.0-1.0)
	Timeout          time.Duration // open period before half-open
	Interval         time.Duration // closed-state counter reset period, 0 never resets
	HalfOpenMaxCalls int

	// Ignore reports errors that are returned to the caller but not counted as failures,
	// such as a recipient rejected by the server.
	Ignore func(error) bool
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      10,
		FailureThreshold: 0.5,
		Timeout:          30 * time.Second,
		Interval:         time.Minute,
		HalfOpenMaxCalls: 3,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	ignore func(error) bool
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	minRequests := uint32(config.MaxFailures) // #nosec G115 - small positive config value
	threshold := config.FailureThreshold

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: uint32(config.HalfOpenMaxCalls), // #nosec G115 - small positive config value
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			if counts.ConsecutiveFailures >= minRequests {
				return true
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logging.WithFields(map[string]interface{}{
				"circuitBreaker": name,
				"from":           convertState(from),
				"to":             convertState(to),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings), ignore: config.Ignore}
}

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Execute executes a function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	var ignored error
	_, err := cb.cb.Execute(func() (interface{}, error) {
		err := fn()
		if err != nil && cb.ignore != nil && cb.ignore(err) {
			ignored = err
			return nil, nil
		}
		return nil, err
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return ErrCircuitOpen
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return ErrTooManyRequests
	case err != nil:
		return err
	}
	return ignored
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	return convertState(cb.cb.State())
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name             string  `json:"name"`
	State            State   `json:"state"`
	Failures         uint32  `json:"failures"`
	Successes        uint32  `json:"successes"`
	TotalCalls       uint32  `json:"totalCalls"`
	ConsecutiveFails uint32  `json:"consecutiveFails"`
	FailureRate      float64 `json:"failureRate"`
}

// GetStats returns statistics about the current counting window
func (cb *CircuitBreaker) GetStats() *Stats {
	counts := cb.cb.Counts()
	rate := 0.0
	if counts.Requests > 0 {
		rate = float64(counts.TotalFailures) / float64(counts.Requests)
	}
	return &Stats{
		Name:             cb.cb.Name(),
		State:            cb.GetState(),
		Failures:         counts.TotalFailures,
		Successes:        counts.TotalSuccesses,
		TotalCalls:       counts.Requests,
		ConsecutiveFails: counts.ConsecutiveFailures,
		FailureRate:      rate,
	}
}
