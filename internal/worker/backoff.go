package worker

import "time"

// Backoff 空轮询退避：每次 Next 返回当前延迟，然后乘以 multiplier，直到上限
type Backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	current    time.Duration
}

func NewBackoff(initial, max time.Duration, multiplier float64) *Backoff {
	if multiplier < 1 {
		multiplier = 1
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, multiplier: multiplier, current: initial}
}

// Next returns the delay to sleep now and advances to the following one.
func (b *Backoff) Next() time.Duration {
	d := b.current
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next
	return d
}

func (b *Backoff) Reset() {
	b.current = b.initial
}
