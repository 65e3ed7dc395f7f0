// ABOUTME: Circuit breaker for the remote backend with cooldown-gated probing.
// ABOUTME: Counts consecutive failures and decides whether remote dispatch is eligible.

package health

import (
	"log/slog"
	"sync"
	"time"
)

// Status describes the breaker state for the remote backend.
type Status string

const (
	// StatusHealthy means remote dispatch is eligible.
	StatusHealthy Status = "healthy"
	// StatusDegraded is the transitional state after the failure threshold
	// trips; the tracker moves to cooling down in the same step.
	StatusDegraded Status = "degraded"
	// StatusCoolingDown means remote is not attempted until the cooldown
	// interval elapses, after which the next attempt is a probe.
	StatusCoolingDown Status = "cooling_down"
)

const (
	// DefaultFailureThreshold is the consecutive-failure count that trips
	// the breaker.
	DefaultFailureThreshold = 3
	// DefaultCooldown is how long remote stays ineligible after tripping.
	DefaultCooldown = 60 * time.Second
)

// Tracker records remote-backend outcomes and gates dispatch eligibility.
// It performs no network calls itself: the executor feeds it outcomes and
// asks AllowRemote before every dispatch. The breaker is global: once it
// trips, every session falls back to local until a probe succeeds.
type Tracker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration

	status      Status
	failures    int
	rateLimits  int
	lastFailure time.Time
	lastProbe   time.Time

	logger *slog.Logger
	now    func() time.Time
}

// Snapshot is a read-only view of the tracker state for health endpoints.
type Snapshot struct {
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RateLimits          int       `json:"rate_limits"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	LastProbe           time.Time `json:"last_probe,omitzero"`
}

// NewTracker creates a tracker. Zero threshold or cooldown select the
// defaults. Pass nil logger for default.
func NewTracker(threshold int, cooldown time.Duration, logger *slog.Logger) *Tracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		threshold: threshold,
		cooldown:  cooldown,
		status:    StatusHealthy,
		logger:    logger.With("component", "health"),
		now:       time.Now,
	}
}

// AllowRemote reports whether the remote backend may be attempted now.
// While cooling down it returns false until the cooldown has elapsed; the
// first attempt after expiry is a probe, recorded via lastProbe.
func (t *Tracker) AllowRemote() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusCoolingDown {
		return true
	}
	if t.now().Sub(t.lastFailure) < t.cooldown {
		return false
	}
	t.lastProbe = t.now()
	t.logger.Info("cooldown elapsed, probing remote backend")
	return true
}

// RecordSuccess records a successful remote outcome. While healthy it
// resets the failure counter; while cooling down it means the probe
// succeeded and the breaker closes for all sessions.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == StatusCoolingDown {
		t.logger.Info("remote probe succeeded, breaker closed")
	}
	t.status = StatusHealthy
	t.failures = 0
}

// RecordFailure records a remote failure. Reaching the threshold trips the
// breaker through degraded into cooling down; a failure during cooldown
// (a failed probe) re-arms the full cooldown window.
func (t *Tracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastFailure = t.now()

	if t.status == StatusCoolingDown {
		// Failed probe: re-arm without shortening the window.
		t.logger.Warn("remote probe failed, cooldown re-armed",
			"cooldown", t.cooldown)
		return
	}

	t.failures++
	if t.failures >= t.threshold {
		// Degraded is transitional: the breaker opens in the same step.
		t.status = StatusCoolingDown
		t.logger.Warn("remote backend degraded, breaker open",
			"consecutive_failures", t.failures,
			"cooldown", t.cooldown)
	}
}

// RecordRateLimited records a throttling signal. Rate limits are tracked
// on their own counter and never advance the consecutive-failure count.
func (t *Tracker) RecordRateLimited() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rateLimits++
	t.logger.Debug("remote rate limited", "total", t.rateLimits)
}

// Status returns the current breaker status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// GetSnapshot returns a read-only view of the tracker state.
func (t *Tracker) GetSnapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Snapshot{
		Status:              t.status,
		ConsecutiveFailures: t.failures,
		RateLimits:          t.rateLimits,
		LastFailure:         t.lastFailure,
		LastProbe:           t.lastProbe,
	}
}
