package ratelimit

import (
	"context"
	"sync"
	"time"
)

const paceWindow = time.Minute

// Pacer caps campaign throughput at N messages per sliding minute. The pace
// may change while sends are in flight; the new value applies to the next
// Acquire.
type Pacer struct {
	clock Clock

	mu        sync.Mutex
	perMinute int
	sent      []time.Time
}

func NewPacer(perMinute int, clock Clock) *Pacer {
	if clock == nil {
		clock = SystemClock
	}
	if perMinute <= 0 {
		perMinute = 10
	}
	return &Pacer{clock: clock, perMinute: perMinute}
}

// Acquire blocks until another send fits in the window, then records it.
func (p *Pacer) Acquire(ctx context.Context) error {
	for {
		p.mu.Lock()
		now := p.clock.Now()
		p.trim(now)

		if len(p.sent) < p.perMinute {
			p.sent = append(p.sent, now)
			p.mu.Unlock()
			return nil
		}
		// Window full: wait until the oldest send ages out.
		wait := paceWindow - now.Sub(p.sent[0])
		p.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if err := p.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// trim drops window entries older than one minute. Caller holds mu.
func (p *Pacer) trim(now time.Time) {
	cutoff := now.Add(-paceWindow)
	i := 0
	for i < len(p.sent) && !p.sent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		p.sent = append(p.sent[:0], p.sent[i:]...)
	}
}

// SetPace changes the per-minute cap.
func (p *Pacer) SetPace(perMinute int) {
	if perMinute <= 0 {
		return
	}
	p.mu.Lock()
	p.perMinute = perMinute
	p.mu.Unlock()
}

// Interval returns the spacing between sends at the current pace, the
// per-dispatch sleep that spreads sends evenly across the window.
func (p *Pacer) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return paceWindow / time.Duration(p.perMinute)
}

// InWindow reports how many sends currently count against the window.
func (p *Pacer) InWindow() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trim(p.clock.Now())
	return len(p.sent)
}
