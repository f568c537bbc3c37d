package polling

import "time"

// Options control pacing of the whole fleet. Zero values fall back to the
// defaults below.
type Options struct {
	Workers         int
	Tick            time.Duration
	DefaultInterval time.Duration

	MaxRetries int
	RetryBase  time.Duration
	RetryMax   time.Duration

	// BreakerThreshold is the failure streak at which the interval starts
	// backing off. Zero means MaxRetries.
	BreakerThreshold   int
	BreakerMultiplier  float64
	BreakerMaxInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 10
	}
	if o.Tick <= 0 {
		o.Tick = 250 * time.Millisecond
	}
	if o.DefaultInterval <= 0 {
		o.DefaultInterval = 10 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 8 * time.Second
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = o.MaxRetries
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = 1
	}
	if o.BreakerMultiplier <= 1 {
		o.BreakerMultiplier = 2
	}
	if o.BreakerMaxInterval <= 0 {
		o.BreakerMaxInterval = 5 * time.Minute
	}
	return o
}

// retryDelay is the pause before retry number attempt+1 within a cycle.
func (o Options) retryDelay(attempt int) time.Duration {
	d := o.RetryBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= o.RetryMax {
			return o.RetryMax
		}
	}
	if d > o.RetryMax {
		return o.RetryMax
	}
	return d
}

// effectiveInterval applies the circuit breaker to a device's base interval.
func (o Options) effectiveInterval(base time.Duration, streak int) time.Duration {
	if streak < o.BreakerThreshold {
		return base
	}
	if base >= o.BreakerMaxInterval {
		return base
	}
	d := float64(base)
	for i := 0; i <= streak-o.BreakerThreshold; i++ {
		d *= o.BreakerMultiplier
		if d >= float64(o.BreakerMaxInterval) {
			return o.BreakerMaxInterval
		}
	}
	return time.Duration(d)
}
