// Package circuitbreaker protects outbound calls to the AI verification
// services and the credential vault from cascading a downstream outage
// into every in-flight node execution.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/finaceverse/orchestrator/pkg/logging"
)

// ErrOpen is returned immediately by Execute/ExecuteWithTimeout when the
// circuit is open and the cooldown has not yet elapsed.
var ErrOpen = errors.New("circuit breaker is open")

type state int

const (
	closed state = iota
	open
	halfOpen
)

func (s state) String() string {
	switch s {
	case open:
		return "open"
	case halfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config sets the failure threshold that trips the breaker, a cooldown
// before a half-open probe, and a count of consecutive probe successes
// required to close again.
type Config struct {
	Threshold        int
	Timeout          time.Duration
	HalfOpenRequests int
}

func DefaultConfig() Config {
	return Config{Threshold: 5, Timeout: 30 * time.Second, HalfOpenRequests: 3}
}

// CircuitBreaker is the contract every outbound-call site in this module
// depends on. Execute/ExecuteWithTimeout's fn returns only an error because
// callers capture their own result in a closed-over variable, matching the
// teacher's own core.CircuitBreaker shape.
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error
	GetState() string
	GetMetrics() map[string]interface{}
	Reset()
	CanExecute() bool
}

// Breaker is the in-memory CircuitBreaker implementation used by this
// service; a single instance guards one downstream dependency (VAMN, Luca,
// or the vault).
type Breaker struct {
	mu sync.Mutex

	name   string
	cfg    Config
	logger logging.Logger

	st              state
	consecutiveFail int
	halfOpenSuccess int
	openedAt        time.Time

	successCount int64
	failureCount int64
	rejectCount  int64
}

func New(name string, cfg Config, logger logging.Logger) *Breaker {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = DefaultConfig().HalfOpenRequests
	}
	return &Breaker{name: name, cfg: cfg, logger: logger, st: closed}
}

func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if !b.CanExecute() {
		b.mu.Lock()
		b.rejectCount++
		b.mu.Unlock()
		return ErrOpen
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	if !b.CanExecute() {
		b.mu.Lock()
		b.rejectCount++
		b.mu.Unlock()
		return ErrOpen
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		b.record(err)
		return err
	case <-time.After(timeout):
		b.record(context.DeadlineExceeded)
		return context.DeadlineExceeded
	case <-ctx.Done():
		b.record(ctx.Err())
		return ctx.Err()
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.successCount++
		switch b.st {
		case halfOpen:
			b.halfOpenSuccess++
			if b.halfOpenSuccess >= b.cfg.HalfOpenRequests {
				b.st = closed
				b.consecutiveFail = 0
				b.halfOpenSuccess = 0
				b.logger.Info("circuit breaker closed after successful probes", map[string]interface{}{"breaker": b.name})
			}
		case closed:
			b.consecutiveFail = 0
		}
		return
	}

	b.failureCount++
	switch b.st {
	case halfOpen:
		b.trip()
	case closed:
		b.consecutiveFail++
		if b.consecutiveFail >= b.cfg.Threshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.st = open
	b.openedAt = time.Now()
	b.halfOpenSuccess = 0
	b.logger.Warn("circuit breaker opened", map[string]interface{}{"breaker": b.name})
}

func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.st {
	case closed:
		return true
	case open:
		if time.Since(b.openedAt) >= b.cfg.Timeout {
			b.st = halfOpen
			b.halfOpenSuccess = 0
			return true
		}
		return false
	case halfOpen:
		return true
	}
	return false
}

func (b *Breaker) GetState() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.String()
}

func (b *Breaker) GetMetrics() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"state":            b.st.String(),
		"success_count":    b.successCount,
		"failure_count":    b.failureCount,
		"reject_count":     b.rejectCount,
		"consecutive_fail": b.consecutiveFail,
	}
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st = closed
	b.consecutiveFail = 0
	b.halfOpenSuccess = 0
	b.successCount, b.failureCount, b.rejectCount = 0, 0, 0
}
