package services

import "sync/atomic"

// NavigationTracker counts page loads in flight. Pending invalidations wait
// until it drains.
type NavigationTracker struct {
	inFlight atomic.Int64
}

func NewNavigationTracker() *NavigationTracker {
	return &NavigationTracker{}
}

func (n *NavigationTracker) Begin() {
	n.inFlight.Add(1)
}

func (n *NavigationTracker) End() {
	if n.inFlight.Add(-1) < 0 {
		n.inFlight.Store(0)
	}
}

func (n *NavigationTracker) InFlight() bool {
	return n.inFlight.Load() > 0
}
