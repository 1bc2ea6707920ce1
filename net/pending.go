package net

import (
	"sync"
	"time"
)

// pendingBroadcasts is a bounded FIFO of outbound announcements. A content
// id is queued at most once per coalescing window, whether it is still
// waiting or was already sent.
type pendingBroadcasts struct {
	queue chan Announce

	mu     sync.Mutex
	recent map[string]time.Time
}

func newPendingBroadcasts(capacity int) *pendingBroadcasts {
	return &pendingBroadcasts{
		queue:  make(chan Announce, capacity),
		recent: make(map[string]time.Time),
	}
}

// push queues a unless it was queued within window. When the queue is full
// the oldest entry is dropped and returned.
func (p *pendingBroadcasts) push(a Announce, now time.Time, window time.Duration) (queued bool, dropped *Announce) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if at, ok := p.recent[a.ContentID]; ok && now.Sub(at) < window {
		return false, nil
	}
	p.recent[a.ContentID] = now
	for {
		select {
		case p.queue <- a:
			return true, dropped
		default:
		}
		select {
		case old := <-p.queue:
			dropped = &old
		default:
		}
	}
}

// pop takes up to max entries in FIFO order.
func (p *pendingBroadcasts) pop(max int) []Announce {
	var out []Announce
	for len(out) < max {
		select {
		case a := <-p.queue:
			out = append(out, a)
		default:
			return out
		}
	}
	return out
}

// prune forgets content ids queued before now-window.
func (p *pendingBroadcasts) prune(now time.Time, window time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, at := range p.recent {
		if now.Sub(at) >= window {
			delete(p.recent, id)
			n++
		}
	}
	return n
}

func (p *pendingBroadcasts) len() int { return len(p.queue) }
