package smtp

import (
	"math"

	"golang.org/x/time/rate"
)

// connLimiter caps concurrent sessions and the rate of new ones.
type connLimiter struct {
	slots chan struct{}
	rate  *rate.Limiter
}

// newConnLimiter creates a limiter. maxConns <= 0 means no concurrency cap;
// perSecond <= 0 means no rate cap. The burst equals one second's worth of
// connections.
func newConnLimiter(maxConns int, perSecond float64) *connLimiter {
	l := &connLimiter{}
	if maxConns > 0 {
		l.slots = make(chan struct{}, maxConns)
	}
	if perSecond > 0 {
		burst := int(math.Ceil(perSecond))
		l.rate = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return l
}

// acquire reports whether a new connection may be served. Every successful
// acquire must be paired with release.
func (l *connLimiter) acquire() bool {
	if l.rate != nil && !l.rate.Allow() {
		return false
	}
	if l.slots == nil {
		return true
	}
	select {
	case l.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *connLimiter) release() {
	if l.slots == nil {
		return
	}
	select {
	case <-l.slots:
	default:
	}
}
