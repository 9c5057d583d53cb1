// ABOUTME: Reconnection supervisor scheduling bounded automatic reconnects.
// ABOUTME: Fixed-delay by default with a pluggable retry policy; guarded against stale timers.

package session

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultReconnectDelay is the fixed delay before a reconnection attempt.
const DefaultReconnectDelay = 2 * time.Second

// RetryPolicy decides the delay before reconnection attempt number
// `attempt` (1-based). Returning ok=false stops retrying, leaving the
// session in its terminal disconnected/error state. Plugging a backoff or
// cap policy here never changes the state machine's transition contract.
type RetryPolicy func(attempt int) (delay time.Duration, ok bool)

// FixedDelay returns a policy with a constant delay and no retry cap.
func FixedDelay(delay time.Duration) RetryPolicy {
	return func(int) (time.Duration, bool) {
		return delay, true
	}
}

// Supervisor schedules reconnection attempts after non-terminal
// disconnects. A scheduled attempt fires at most once and is dropped
// silently when the tenant was stopped, reset or already reconnected in
// the meantime (the registry's generation guard).
type Supervisor struct {
	mu       sync.Mutex
	timers   map[string]*time.Timer
	attempts map[string]int
	registry *Registry
	policy   RetryPolicy
	logger   *slog.Logger
	closed   bool
}

func newSupervisor(r *Registry, policy RetryPolicy, logger *slog.Logger) *Supervisor {
	if policy == nil {
		policy = FixedDelay(DefaultReconnectDelay)
	}
	return &Supervisor{
		timers:   make(map[string]*time.Timer),
		attempts: make(map[string]int),
		registry: r,
		policy:   policy,
		logger:   logger.With("component", "supervisor"),
	}
}

// schedule arms a reconnection timer for the tenant. The generation is
// captured now; when the timer fires, the registry drops the attempt if
// the generation moved on. At most one timer per tenant is armed.
func (s *Supervisor) schedule(tenantID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if timer, ok := s.timers[tenantID]; ok {
		timer.Stop()
	}

	s.attempts[tenantID]++
	attempt := s.attempts[tenantID]
	delay, ok := s.policy(attempt)
	if !ok {
		s.logger.Warn("retry policy exhausted", "tenant", tenantID, "attempts", attempt)
		delete(s.timers, tenantID)
		return
	}

	s.logger.Info("reconnection scheduled", "tenant", tenantID, "delay", delay, "attempt", attempt)
	s.timers[tenantID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, tenantID)
		s.mu.Unlock()
		s.registry.retry(tenantID, gen)
	})
}

// cancel disarms any pending timer for the tenant and resets its attempt
// count. Called on explicit stop/reset.
func (s *Supervisor) cancel(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[tenantID]; ok {
		timer.Stop()
		delete(s.timers, tenantID)
	}
	delete(s.attempts, tenantID)
}

// resetAttempts clears the attempt count after a successful connection.
func (s *Supervisor) resetAttempts(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, tenantID)
}

// close disarms every timer.
func (s *Supervisor) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.closed = true
}
