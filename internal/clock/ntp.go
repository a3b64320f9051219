package clock

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

const (
	defaultNTPPool      = "pool.ntp.org"
	defaultNTPInterval  = 15 * time.Minute
	defaultNTPThreshold = 2 * time.Second
)

// NTPStatus is the last observed wall-clock drift. Increments are stamped
// with wall time, so a drifting clock skews fingerprints and MES reporting;
// the gateway surfaces that to the operator rather than correcting it.
type NTPStatus struct {
	Offset    time.Duration
	Healthy   bool
	Error     string
	CheckedAt time.Time
}

// NTPChecker periodically measures the offset against an NTP pool.
type NTPChecker struct {
	mu        sync.RWMutex
	status    NTPStatus
	pool      string
	interval  time.Duration
	threshold time.Duration
	clock     Clock

	// CheckFunc overrides the NTP query in tests.
	CheckFunc func() NTPStatus
}

func NewNTPChecker(clk Clock) *NTPChecker {
	if clk == nil {
		clk = Real{}
	}
	return &NTPChecker{
		pool:      defaultNTPPool,
		interval:  defaultNTPInterval,
		threshold: defaultNTPThreshold,
		clock:     clk,
	}
}

// Run checks once immediately and then on every interval tick until ctx is
// cancelled.
func (n *NTPChecker) Run(ctx context.Context) {
	n.check()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.check()
		}
	}
}

func (n *NTPChecker) check() {
	if n.CheckFunc != nil {
		s := n.CheckFunc()
		n.mu.Lock()
		n.status = s
		n.mu.Unlock()
		return
	}

	resp, err := ntp.Query(n.pool)

	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Now()
	if err != nil {
		n.status = NTPStatus{
			Error:     err.Error(),
			Healthy:   false,
			CheckedAt: now,
		}
		return
	}

	offset := resp.ClockOffset
	if offset < 0 {
		offset = -offset
	}
	n.status = NTPStatus{
		Offset:    resp.ClockOffset,
		Healthy:   offset < n.threshold,
		CheckedAt: now,
	}
}

// Status returns the last check result.
func (n *NTPChecker) Status() NTPStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}
