package exchange

import (
	"context"
	"sync"
	"time"
)

// Heartbeat sends a ping every interval and expects some sign of life before
// the next tick. After maxMisses silent intervals in a row it calls onExpire
// once and stops.
type Heartbeat struct {
	interval  time.Duration
	maxMisses int
	ping      func() error
	onExpire  func()

	mu     sync.Mutex
	misses int
	alive  bool
}

func NewHeartbeat(interval time.Duration, maxMisses int, ping func() error, onExpire func()) *Heartbeat {
	if maxMisses <= 0 {
		maxMisses = 3
	}
	return &Heartbeat{
		interval:  interval,
		maxMisses: maxMisses,
		ping:      ping,
		onExpire:  onExpire,
		alive:     true,
	}
}

// Beat records a pong or any other inbound message.
func (h *Heartbeat) Beat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.misses = 0
	h.alive = true
}

func (h *Heartbeat) Misses() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.misses
}

// Run blocks until ctx is done or the heartbeat expires.
func (h *Heartbeat) Run(ctx context.Context) {
	if h.interval <= 0 {
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.tick() {
				h.onExpire()
				return
			}
		}
	}
}

// tick reports whether the miss budget is exhausted. An interval with no
// Beat since the previous tick counts as one miss.
func (h *Heartbeat) tick() bool {
	h.mu.Lock()
	if !h.alive {
		h.misses++
	}
	h.alive = false
	expired := h.misses >= h.maxMisses
	h.mu.Unlock()

	if expired {
		return true
	}
	// A failed ping is caught by the next tick, since no Beat will arrive.
	_ = h.ping()
	return false
}
