package net

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/xerrors"
)

const loopbackDepth = 256

// Hub connects Loopback transports inside one process.
type Hub struct {
	mu    sync.RWMutex
	nodes map[PeerID]*Loopback
}

func NewHub() *Hub {
	return &Hub{nodes: make(map[PeerID]*Loopback)}
}

// Join registers a new transport under id.
func (h *Hub) Join(id PeerID) *Loopback {
	l := &Loopback{
		hub:     h,
		id:      id,
		inbound: make(chan Envelope, loopbackDepth),
		links:   make(map[PeerID]Role),
		closed:  make(chan struct{}),
	}
	h.mu.Lock()
	h.nodes[id] = l
	h.mu.Unlock()
	return l
}

func (h *Hub) node(id PeerID) (*Loopback, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	l, ok := h.nodes[id]
	return l, ok
}

// Loopback is an in-memory Transport. A delivery blocks while the
// receiver's inbound queue is full, like a slow peer would.
type Loopback struct {
	hub     *Hub
	id      PeerID
	inbound chan Envelope

	mu    sync.RWMutex
	links map[PeerID]Role

	// unresponsive peers accept sends but never acknowledge them
	unresponsive atomic.Bool
	closeOnce    sync.Once
	closed       chan struct{}
}

// Connect links l to other in both directions.
func (l *Loopback) Connect(other PeerID) error {
	peer, ok := l.hub.node(other)
	if !ok {
		return xerrors.Errorf("connect %s: %w", other, ErrUnknownPeer)
	}
	l.mu.Lock()
	l.links[other] = RoleOutbound
	l.mu.Unlock()
	peer.mu.Lock()
	peer.links[l.id] = RoleInbound
	peer.mu.Unlock()
	return nil
}

// SetUnresponsive makes every send to l hang until the sender gives up.
func (l *Loopback) SetUnresponsive(v bool) { l.unresponsive.Store(v) }

func (l *Loopback) Self() PeerID { return l.id }

func (l *Loopback) Peers() []PeerInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PeerInfo, 0, len(l.links))
	for id, role := range l.links {
		out = append(out, PeerInfo{ID: id, Role: role})
	}
	return out
}

func (l *Loopback) Inbound() <-chan Envelope { return l.inbound }

func (l *Loopback) Send(ctx context.Context, to PeerID, msg Message) error {
	l.mu.RLock()
	_, linked := l.links[to]
	l.mu.RUnlock()
	if !linked {
		return xerrors.Errorf("send to %s: %w", to, ErrUnknownPeer)
	}
	if _, err := encodeMessage(msg); err != nil {
		return err
	}
	peer, ok := l.hub.node(to)
	if !ok {
		return xerrors.Errorf("send to %s: %w", to, ErrUnknownPeer)
	}
	if peer.unresponsive.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	select {
	case <-peer.closed:
		return xerrors.Errorf("send to %s: %w", to, ErrClosed)
	default:
	}
	select {
	case peer.inbound <- Envelope{From: l.id, Msg: msg}:
		return nil
	case <-peer.closed:
		return xerrors.Errorf("send to %s: %w", to, ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loopback) Broadcast(ctx context.Context, msg Message) error {
	var err error
	for _, p := range l.Peers() {
		err = multierr.Append(err, l.Send(ctx, p.ID, msg))
	}
	return err
}

func (l *Loopback) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.hub.mu.Lock()
		delete(l.hub.nodes, l.id)
		l.hub.mu.Unlock()
	})
	return nil
}
