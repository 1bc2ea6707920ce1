package core

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/raulk/clock"

	"pouw/core/header"
)

// orphan is a structurally valid submission waiting for its parent.
type orphan struct {
	hdr       header.Header
	payload   []byte
	contentID string
	added     time.Time
}

func (o *orphan) hash() header.Hash256 { return o.hdr.BlockHash }

// orphanPool holds orphans keyed by missing parent. It is bounded by count
// (oldest evicted first) and by age.
type orphanPool struct {
	mu       sync.Mutex
	clock    clock.Clock
	ttl      time.Duration
	byHash   *simplelru.LRU[header.Hash256, *orphan]
	byParent map[header.Hash256][]*orphan
	evicted  []*orphan
}

func newOrphanPool(capacity int, ttl time.Duration, clk clock.Clock) *orphanPool {
	p := &orphanPool{
		clock:    clk,
		ttl:      ttl,
		byParent: make(map[header.Hash256][]*orphan),
	}
	// simplelru only fails on a non-positive size, which config validation rules out
	p.byHash, _ = simplelru.NewLRU[header.Hash256, *orphan](capacity, func(_ header.Hash256, o *orphan) {
		p.unlinkParent(o)
		p.evicted = append(p.evicted, o)
	})
	return p
}

func (p *orphanPool) unlinkParent(o *orphan) {
	parent := o.hdr.PreviousHash
	kids := p.byParent[parent]
	for i, k := range kids {
		if k == o {
			kids = append(kids[:i], kids[i+1:]...)
			break
		}
	}
	if len(kids) == 0 {
		delete(p.byParent, parent)
	} else {
		p.byParent[parent] = kids
	}
}

// add stores o and returns any orphans evicted to make room. Re-adding a
// known hash is a no-op.
func (p *orphanPool) add(o *orphan) (evicted []*orphan, added bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.byHash.Contains(o.hash()) {
		return nil, false
	}
	o.added = p.clock.Now()
	p.byParent[o.hdr.PreviousHash] = append(p.byParent[o.hdr.PreviousHash], o)
	p.byHash.Add(o.hash(), o)
	evicted, p.evicted = p.evicted, nil
	return evicted, true
}

// take removes and returns the children waiting on parent.
func (p *orphanPool) take(parent header.Hash256) []*orphan {
	p.mu.Lock()
	defer p.mu.Unlock()
	kids := p.byParent[parent]
	delete(p.byParent, parent)
	for _, k := range kids {
		p.byHash.Remove(k.hash())
	}
	// Remove fires the eviction callback; those are not evictions
	p.evicted = nil
	return kids
}

// expire drops orphans older than the TTL.
func (p *orphanPool) expire() []*orphan {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.clock.Now().Add(-p.ttl)
	for {
		_, oldest, ok := p.byHash.GetOldest()
		if !ok || oldest.added.After(cutoff) {
			break
		}
		p.byHash.RemoveOldest()
	}
	expired := p.evicted
	p.evicted = nil
	return expired
}

func (p *orphanPool) has(hash header.Hash256) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byHash.Contains(hash)
}

func (p *orphanPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byHash.Len()
}

// missingParents lists the parents orphans are waiting on.
func (p *orphanPool) missingParents() []header.Hash256 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]header.Hash256, 0, len(p.byParent))
	for parent := range p.byParent {
		out = append(out, parent)
	}
	return out
}
