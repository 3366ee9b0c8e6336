package retry

import (
	"math/rand/v2"
	"time"
)

const DefaultJitter = 1000 * time.Millisecond

// Backoff computes reconnect delays: min(Base*2^attempt, Cap) plus a random
// jitter in [0, Jitter]. It holds no attempt state; the caller owns the counter.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	Jitter      time.Duration
	MaxAttempts int

	// Rand returns a value in [0, n]. Nil means math/rand/v2.
	Rand func(n int64) int64
}

func (b Backoff) Delay(attempt int) time.Duration {
	return b.exponential(attempt) + b.jitter()
}

// Exhausted reports whether attempt has reached the retry ceiling.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt >= b.MaxAttempts
}

func (b Backoff) exponential(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := b.Base
	for i := 0; i < attempt; i++ {
		if (b.Cap > 0 && d >= b.Cap) || d > (1<<62)/2 {
			break
		}
		d *= 2
	}

	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

func (b Backoff) jitter() time.Duration {
	if b.Jitter <= 0 {
		return 0
	}
	n := int64(b.Jitter)
	if b.Rand != nil {
		return time.Duration(b.Rand(n))
	}
	return time.Duration(rand.Int64N(n + 1))
}
