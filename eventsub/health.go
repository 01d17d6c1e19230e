package eventsub

import (
	"sync"
	"time"
)

// healthTimer is a resettable deadline used as the per-session keepalive
// watchdog. Every inbound frame resets it; if it ever fires, the session is
// considered dead and onFire is invoked on the timer goroutine.
type healthTimer struct {
	onFire func()

	mu    sync.Mutex
	timer *time.Timer
}

func newHealthTimer(onFire func()) *healthTimer {
	return &healthTimer{onFire: onFire}
}

func (h *healthTimer) Start(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = time.AfterFunc(d, h.onFire)
}

// Reset pushes the deadline out again. No-op if the timer was stopped.
func (h *healthTimer) Reset(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer == nil {
		return
	}
	h.timer.Reset(d)
}

func (h *healthTimer) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
