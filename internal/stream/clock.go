package stream

import (
	"math"
	"time"
)

// Clock is the session clock shared by every producer
type Clock interface {
	Now() time.Time
}

// SystemClock reads wall-clock time in UTC
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// clockSync maps device timestamps onto the session clock.
//
// The offset is the smallest (arrival - device time of the newest sample) seen so far,
// which tracks the lowest transport latency observed. Output never goes backwards.
type clockSync struct {
	rate      float64
	offset    int64 // Nanoseconds
	hasOffset bool
	last      time.Time
}

func newClockSync(rate float64) *clockSync {
	return &clockSync{rate: rate}
}

// translate returns one session timestamp per sample
func (c *clockSync) translate(arrival time.Time, device []float64, n int) []time.Time {
	out := make([]time.Time, n)
	if n == 0 {
		return out
	}

	if len(device) != n {
		c.spread(arrival, out)
		return out
	}

	newest := secondsToNanos(device[n-1])
	candidate := arrival.UnixNano() - newest
	if !c.hasOffset || candidate < c.offset {
		c.offset = candidate
		c.hasOffset = true
	}

	for i, ts := range device {
		out[i] = c.clamp(time.Unix(0, secondsToNanos(ts)+c.offset).UTC())
	}
	return out
}

// spread stamps samples without device time evenly at the nominal rate, ending at arrival
func (c *clockSync) spread(arrival time.Time, out []time.Time) {
	var step time.Duration
	if c.rate > 0 {
		step = time.Duration(float64(time.Second) / c.rate)
	}
	n := len(out)
	for i := range out {
		out[i] = c.clamp(arrival.Add(-time.Duration(n-1-i) * step).UTC())
	}
}

func (c *clockSync) clamp(t time.Time) time.Time {
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}

func secondsToNanos(s float64) int64 {
	return int64(math.Round(s * float64(time.Second)))
}
