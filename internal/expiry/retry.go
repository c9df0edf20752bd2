package expiry

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig configures how failed expiries are retried.
// RetryConfig 配置失败的过期操作如何重试。
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig returns the defaults used by the daemon.
// DefaultRetryConfig 返回守护进程使用的默认值。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// withDefaults fills zero fields from DefaultRetryConfig.
func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = def.BackoffFactor
	}
	return c
}

// Backoff returns the delay before retry number attempt (0-based):
// InitialDelay * BackoffFactor^attempt, capped at MaxDelay, plus up to 25%
// jitter when enabled.
// Backoff 返回第 attempt 次重试（从 0 开始）前的延迟。
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	if delay > float64(c.MaxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		delay = float64(c.MaxDelay)
	}

	if c.Jitter {
		delay += delay * 0.25 * rand.Float64() // #nosec G404 // jitter does not need crypto randomness
	}
	return time.Duration(delay)
}
