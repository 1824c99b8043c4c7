package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

type options struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
}

// Option configures Do.
type Option func(*options)

// WithMaxRetries sets how many times a failed attempt is repeated. The
// function is always attempted at least once.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n < 0 {
			n = 0
		}
		o.maxRetries = n
	}
}

// WithBaseWait sets the delay before the first retry. Later delays double.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) { o.baseWait = d }
}

// WithMaxWait caps the delay between attempts.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// Do calls fn until it succeeds, returns an error that is not recoverable,
// the retries are exhausted, or ctx is done. Delays grow exponentially with
// up to 50% jitter. The last error is returned with any recoverable marker
// removed.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{
		maxRetries: 3,
		baseWait:   100 * time.Millisecond,
		maxWait:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsRecoverable(err) || attempt >= o.maxRetries {
			return Unwrap(err)
		}
		timer := time.NewTimer(backoff(o, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Unwrap(err)
		case <-timer.C:
		}
	}
}

func backoff(o options, attempt int) time.Duration {
	if o.baseWait <= 0 {
		return 0
	}
	wait := o.baseWait << uint(min(attempt, 30))
	if o.maxWait > 0 && (wait > o.maxWait || wait <= 0) {
		wait = o.maxWait
	}
	return wait/2 + time.Duration(rand.Int64N(int64(wait)/2+1))
}
