package bridge

import "time"

// ReconnectPolicy bounds speech channel reconnection
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// A channel that stayed up this long restores the full attempt budget
	StableAfter time.Duration
}

// DefaultReconnectPolicy retries 3 times after 1s, 2s and 4s
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    4 * time.Second,
		StableAfter: 30 * time.Second,
	}
}

// Reconnector is the explicit retry state driven by the session loop
type Reconnector struct {
	policy      ReconnectPolicy
	attempts    int
	connectedAt time.Time
	now         func() time.Time
}

// NewReconnector creates a reconnector with a fresh budget
func NewReconnector(policy ReconnectPolicy) *Reconnector {
	if policy.MaxAttempts < 0 {
		policy.MaxAttempts = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	return &Reconnector{policy: policy, now: time.Now}
}

// Connected records a successful handshake
func (r *Reconnector) Connected() {
	r.connectedAt = r.now()
}

// Next consumes one attempt and returns the delay before it.
// ok is false once the budget is exhausted.
func (r *Reconnector) Next() (delay time.Duration, ok bool) {
	if !r.consume() {
		return 0, false
	}
	delay = r.policy.BaseDelay << (r.attempts - 1)
	if delay > r.policy.MaxDelay || delay <= 0 {
		delay = r.policy.MaxDelay
	}
	return delay, true
}

// NextImmediate consumes one attempt without any delay
func (r *Reconnector) NextImmediate() bool {
	return r.consume()
}

func (r *Reconnector) consume() bool {
	if !r.connectedAt.IsZero() && r.policy.StableAfter > 0 && r.now().Sub(r.connectedAt) >= r.policy.StableAfter {
		r.attempts = 0
	}
	r.connectedAt = time.Time{}
	if r.attempts >= r.policy.MaxAttempts {
		return false
	}
	r.attempts++
	return true
}

// Attempts returns how many attempts the current budget has used
func (r *Reconnector) Attempts() int { return r.attempts }
