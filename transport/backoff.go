package transport

import "time"

// Defaults for the reconnect policy shared by both transports.
const (
	DefaultMaxRetries = 10
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second
)

// ReconnectPolicy tracks retry attempts and computes exponential backoff:
// delay = min(baseDelay * 2^(retryCount-1), maxDelay). The count resets on
// any successful connection; once it exceeds MaxRetries no further automatic
// retries occur until an external trigger reconnects.
type ReconnectPolicy struct {
	retryCount int

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// NewReconnectPolicy returns a policy with the default caps.
func NewReconnectPolicy() *ReconnectPolicy {
	return &ReconnectPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Next consumes one retry attempt. It returns the delay before that attempt
// and false once the retry budget is exhausted.
func (p *ReconnectPolicy) Next() (time.Duration, bool) {
	p.retryCount++
	if p.retryCount > p.MaxRetries {
		return 0, false
	}
	return p.Delay(p.retryCount), true
}

// Delay computes the backoff delay for a given retry count without mutating
// the policy.
func (p *ReconnectPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := p.BaseDelay
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Reset zeroes the retry count after a successful connection.
func (p *ReconnectPolicy) Reset() {
	p.retryCount = 0
}

// RetryCount returns the consumed attempt count.
func (p *ReconnectPolicy) RetryCount() int {
	return p.retryCount
}
