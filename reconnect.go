package relaypool

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// RetryPredicate lets callers veto retries based on the attempt number and
	// the error that caused the last failure.
	RetryPredicate func(attempt int, err error) bool

	// ReconnectionConfig tunes backoff and circuit breaking for one connection.
	ReconnectionConfig struct {
		InitialDelay  time.Duration
		MaxDelay      time.Duration
		MaxRetries    int
		BackoffFactor float64
		// JitterFactor perturbs each delay uniformly within
		// [-JitterFactor, +JitterFactor] of its value.
		JitterFactor float64
		Retryable    RetryPredicate

		CircuitBreakerThreshold int
		CircuitBreakerDuration  time.Duration
	}

	ReconnectEventType byte

	// ReconnectEvent is emitted for every scheduling decision and attempt
	// outcome of a strategy.
	ReconnectEvent struct {
		Type    ReconnectEventType
		Attempt int
		Delay   time.Duration
		Err     error
		At      time.Time
	}

	// ReconnectionStats aggregates a strategy's lifetime outcomes.
	ReconnectionStats struct {
		Attempts             int
		Successes            int
		Failures             int
		SuccessRate          float64
		AverageReconnectTime time.Duration
		LastAttemptAt        time.Time
	}

	// ScheduleHandle cancels a pending reconnection. Cancel before the timer
	// fires guarantees the callback never runs.
	ScheduleHandle struct {
		id     uuid.UUID
		cancel func()
	}

	// ReconnectionStrategy computes retry delays, decides retry eligibility and
	// runs a circuit breaker. One instance serves exactly one connection.
	ReconnectionStrategy struct {
		cfg     ReconnectionConfig
		logger  logger
		emitter *EventEmitter[ReconnectEventType, ReconnectEvent]

		mu                  sync.Mutex
		attempt             int
		consecutiveFailures int
		openUntil           time.Time
		lastError           error
		lastAttemptAt       time.Time
		successes           int
		failures            int
		totalReconnectTime  time.Duration
		timers              map[uuid.UUID]*time.Timer
	}
)

const (
	ReconnectScheduled ReconnectEventType = iota + 1
	ReconnectAttemptStarted
	ReconnectSucceeded
	ReconnectFailed
)

func (c ReconnectionConfig) withDefaults() ReconnectionConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 2
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor >= 1 {
		c.JitterFactor = 0.9
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitBreakerDuration <= 0 {
		c.CircuitBreakerDuration = 30 * time.Second
	}
	return c
}

// NewReconnectionStrategy builds a strategy from cfg, filling defaults for
// unset fields. log may be nil.
func NewReconnectionStrategy(cfg ReconnectionConfig, log Logger) *ReconnectionStrategy {
	if log == nil {
		log = nopLogger{}
	}
	return &ReconnectionStrategy{
		cfg:     cfg.withDefaults(),
		logger:  log.WithField("component", "reconnection_strategy"),
		emitter: NewEventEmitter[ReconnectEventType, ReconnectEvent](),
		timers:  make(map[uuid.UUID]*time.Timer),
	}
}

// GetNextDelay computes the backoff delay for the given attempt: the initial
// delay grown by backoffFactor^attempt, clamped to the max delay, then
// perturbed by uniform jitter.
func (s *ReconnectionStrategy) GetNextDelay(attempt int) time.Duration {
	base := float64(s.cfg.InitialDelay) * math.Pow(s.cfg.BackoffFactor, float64(attempt))
	if base > float64(s.cfg.MaxDelay) {
		base = float64(s.cfg.MaxDelay)
	}

	jitter := (rand.Float64()*2 - 1) * s.cfg.JitterFactor
	delay := time.Duration(base * (1 + jitter))
	if delay < 0 {
		delay = 0
	}
	return delay
}

// ShouldRetry reports whether another attempt may run: the retry budget is not
// exhausted, the circuit is closed, and the retry predicate (when present)
// accepts the last error.
func (s *ReconnectionStrategy) ShouldRetry() bool {
	s.mu.Lock()
	attempt := s.attempt
	lastErr := s.lastError
	s.mu.Unlock()

	if attempt >= s.cfg.MaxRetries {
		return false
	}
	if s.IsCircuitOpen() {
		return false
	}
	if s.cfg.Retryable != nil && !s.cfg.Retryable(attempt, lastErr) {
		return false
	}
	return true
}

// RecordFailure counts one failed attempt. Reaching the consecutive-failure
// threshold opens the circuit for the configured duration.
func (s *ReconnectionStrategy) RecordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	s.lastError = err
	s.consecutiveFailures++
	if s.consecutiveFailures >= s.cfg.CircuitBreakerThreshold && s.openUntil.IsZero() {
		s.openUntil = time.Now().Add(s.cfg.CircuitBreakerDuration)
		s.logger.Warnf("circuit opened after %d consecutive failures, until %s",
			s.consecutiveFailures, s.openUntil.Format(time.RFC3339))
	}
}

// RecordSuccess counts one successful reconnection, resets the attempt counter
// and closes the circuit.
func (s *ReconnectionStrategy) RecordSuccess(duration time.Duration) {
	s.mu.Lock()
	s.successes++
	s.totalReconnectTime += duration
	s.attempt = 0
	s.consecutiveFailures = 0
	s.openUntil = time.Time{}
	s.mu.Unlock()

	s.emitter.Emit(ReconnectSucceeded, ReconnectEvent{
		Type: ReconnectSucceeded,
		At:   time.Now(),
	})
}

// IsCircuitOpen reports the breaker state, evaluated lazily on each query. No
// background timer is armed: once the cooldown elapses the first read observes
// a closed circuit and clears the open record.
func (s *ReconnectionStrategy) IsCircuitOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openUntil.IsZero() {
		return false
	}
	if time.Now().Before(s.openUntil) {
		return true
	}

	s.openUntil = time.Time{}
	s.consecutiveFailures = 0
	return false
}

// ScheduleReconnection arms a timer for the next attempt's backoff delay and
// runs callback when it fires. The attempt counter advances on scheduling.
func (s *ReconnectionStrategy) ScheduleReconnection(callback func()) ScheduleHandle {
	s.mu.Lock()
	delay := s.GetNextDelay(s.attempt)
	attempt := s.attempt
	s.attempt++
	s.mu.Unlock()

	return s.schedule(attempt, delay, callback)
}

// ScheduleImmediateReconnection runs callback with zero delay, still through a
// cancellable handle.
func (s *ReconnectionStrategy) ScheduleImmediateReconnection(callback func()) ScheduleHandle {
	s.mu.Lock()
	attempt := s.attempt
	s.attempt++
	s.mu.Unlock()

	return s.schedule(attempt, 0, callback)
}

func (s *ReconnectionStrategy) schedule(attempt int, delay time.Duration, callback func()) ScheduleHandle {
	id := uuid.New()

	s.mu.Lock()
	s.lastAttemptAt = time.Now()
	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()

		s.emitter.Emit(ReconnectAttemptStarted, ReconnectEvent{
			Type:    ReconnectAttemptStarted,
			Attempt: attempt,
			Delay:   delay,
			At:      time.Now(),
		})

		callback()
	})
	s.timers[id] = timer
	s.mu.Unlock()

	s.emitter.Emit(ReconnectScheduled, ReconnectEvent{
		Type:    ReconnectScheduled,
		Attempt: attempt,
		Delay:   delay,
		At:      time.Now(),
	})

	s.logger.Debugf("reconnection attempt %d scheduled in %s", attempt, delay)

	return ScheduleHandle{
		id: id,
		cancel: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if t, ok := s.timers[id]; ok {
				t.Stop()
				delete(s.timers, id)
			}
		},
	}
}

// Cancel stops the pending reconnection, guaranteeing the callback does not
// run if the timer had not fired yet.
func (h ScheduleHandle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// CancelAll stops every pending reconnection timer. Used on disconnect and
// dispose.
func (s *ReconnectionStrategy) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// NotifyFailure emits a typed failure event for observers. Separated from
// RecordFailure so attempt bookkeeping and observability stay independent.
func (s *ReconnectionStrategy) NotifyFailure(attempt int, err error) {
	s.emitter.Emit(ReconnectFailed, ReconnectEvent{
		Type:    ReconnectFailed,
		Attempt: attempt,
		Err:     err,
		At:      time.Now(),
	})
}

// Attempt returns the current attempt counter.
func (s *ReconnectionStrategy) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// On registers an observer for reconnection events.
func (s *ReconnectionStrategy) On(event ReconnectEventType, fn func(ReconnectEvent)) (off func()) {
	return s.emitter.On(event, fn)
}

// Stats snapshots the aggregate reconnection statistics.
func (s *ReconnectionStrategy) Stats() ReconnectionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := ReconnectionStats{
		Attempts:      s.successes + s.failures,
		Successes:     s.successes,
		Failures:      s.failures,
		LastAttemptAt: s.lastAttemptAt,
	}
	if stats.Attempts > 0 {
		stats.SuccessRate = float64(s.successes) / float64(stats.Attempts)
	}
	if s.successes > 0 {
		stats.AverageReconnectTime = s.totalReconnectTime / time.Duration(s.successes)
	}
	return stats
}

// Dispose cancels pending timers and drops all observers.
func (s *ReconnectionStrategy) Dispose() {
	s.CancelAll()
	s.emitter.Close()
}
