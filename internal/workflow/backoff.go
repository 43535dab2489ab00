package workflow

import (
	"time"

	"github.com/jmehdipour/outboxflow/internal/model"
)

// Backoff returns min(max, max(base, base*2^(attempts-1))).
func Backoff(attempts int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	return d
}

// retryPolicy overlays the failing spec's retry fields on the pass options.
func retryPolicy(opts Options, p *model.RetryPolicy) (maxAttempts int, base, ceiling time.Duration) {
	maxAttempts, base, ceiling = opts.MaxAttempts, opts.BaseDelay, opts.MaxDelay
	if p == nil {
		return
	}
	if p.MaxAttempts > 0 {
		maxAttempts = p.MaxAttempts
	}
	if p.BaseDelay > 0 {
		base = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		ceiling = p.MaxDelay
	}
	return
}
