// Package net propagates blocks between pouw nodes. Gossip paces its
// broadcast, listen and cleanup tasks with a two-variable pressure law and
// hands received blocks to the consensus engine.
package net

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/golang-lru/v2/expirable"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"pouw/blobstore"
	"pouw/core"
	"pouw/core/config"
	"pouw/core/header"
)

var log = logging.Logger("pouw/net")

const (
	maxBatch       = 64
	maxDrain       = 256
	maxRangeBlocks = 256
	statsDepth     = 1024
)

// Chain is the part of the consensus engine gossip talks to.
type Chain interface {
	Submit(ctx context.Context, hdr *header.Header, payload []byte, contentID string) (core.Result, error)
	Has(hash header.Hash256) bool
	BlockByHash(hash header.Hash256) (*core.Block, error)
	GetHeader(hash header.Hash256) (*header.Header, error)
	Tip() core.Tip
	RangeByWork(minWork, maxWork float64, limit int) ([]core.WorkIndexEntry, error)
	Subscribe() <-chan core.Event
}

// Peer is what gossip knows about a connected peer.
type Peer struct {
	ID         PeerID
	LastSeenAt time.Time
	Role       Role
	Stale      bool
	staleSince time.Time
}

type Option func(*Gossip)

func WithClock(clk clock.Clock) Option {
	return func(g *Gossip) { g.clock = clk }
}

func WithBeaconInterval(d time.Duration) Option {
	return func(g *Gossip) { g.beaconInterval = d }
}

type Gossip struct {
	cfg            config.GossipConfig
	beaconInterval time.Duration
	transport      Transport
	chain          Chain
	blobs          blobstore.Store
	clock          clock.Clock
	events         <-chan core.Event

	ctrl    *Controller
	state   atomic.Pointer[State]
	pending *pendingBroadcasts
	seen    *expirable.LRU[string, struct{}]

	// inflight holds content ids with an outstanding BlockRequest
	inflight *expirable.LRU[string, struct{}]

	ctx     context.Context
	cancel  context.CancelFunc
	pool    *workerpool.WorkerPool
	poolMu  sync.RWMutex
	stopped bool

	mu    sync.RWMutex
	peers map[PeerID]*Peer

	stats          chan Observation
	broadcastEvery chan time.Duration
	listenEvery    chan time.Duration
	cleanupEvery   chan time.Duration
}

func NewGossip(cfg config.GossipConfig, transport Transport, chain Chain, blobs blobstore.Store, opts ...Option) *Gossip {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gossip{
		cfg:            cfg,
		beaconInterval: 5 * time.Second,
		transport:      transport,
		chain:          chain,
		blobs:          blobs,
		clock:          clock.New(),
		events:         chain.Subscribe(),
		ctrl:           NewController(cfg),
		pending:        newPendingBroadcasts(cfg.PendingCapacity),
		seen:           expirable.NewLRU[string, struct{}](cfg.DedupCapacity, nil, cfg.DedupWindow.Std()),
		inflight:       expirable.NewLRU[string, struct{}](cfg.DedupCapacity, nil, cfg.PeerTimeout.Std()),
		ctx:            ctx,
		cancel:         cancel,
		pool:           workerpool.New(workers),
		peers:          make(map[PeerID]*Peer),
		stats:          make(chan Observation, statsDepth),
		broadcastEvery: make(chan time.Duration, 1),
		listenEvery:    make(chan time.Duration, 1),
		cleanupEvery:   make(chan time.Duration, 1),
	}
	for _, opt := range opts {
		opt(g)
	}
	st := g.ctrl.Current()
	g.state.Store(&st)
	return g
}

// Run drives the periodic tasks until ctx is cancelled. A Gossip cannot be
// restarted.
func (g *Gossip) Run(ctx context.Context) error {
	defer g.stop()
	st := g.State()
	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return g.controlLoop(ctx) })
	grp.Go(func() error { return g.every(ctx, st.Intervals.Broadcast, g.broadcastEvery, g.flush) })
	grp.Go(func() error { return g.every(ctx, st.Intervals.Listen, g.listenEvery, g.listen) })
	grp.Go(func() error { return g.every(ctx, st.Intervals.Cleanup, g.cleanupEvery, g.cleanup) })
	grp.Go(func() error { return g.every(ctx, g.beaconInterval, nil, g.beacon) })
	grp.Go(func() error { return g.forwardEvents(ctx) })
	return grp.Wait()
}

func (g *Gossip) stop() {
	g.cancel()
	g.poolMu.Lock()
	g.stopped = true
	g.poolMu.Unlock()
	g.pool.StopWait()
}

// submit runs task on the worker pool unless gossip has stopped.
func (g *Gossip) submit(task func()) {
	g.poolMu.RLock()
	defer g.poolMu.RUnlock()
	if g.stopped {
		return
	}
	g.pool.Submit(task)
}

// every calls fn once per interval. A new interval from updates applies
// from the next period on, so frequent updates cannot starve the task.
func (g *Gossip) every(ctx context.Context, interval time.Duration, updates <-chan time.Duration, fn func(context.Context)) error {
	for {
		t := g.clock.Timer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		fn(ctx)
		select {
		case d := <-updates:
			interval = d
		default:
		}
	}
}

// offer replaces any unread value in ch with d.
func offer(ch chan time.Duration, d time.Duration) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- d:
	default:
	}
}

// State is the latest control state.
func (g *Gossip) State() State {
	return *g.state.Load()
}

func (g *Gossip) controlLoop(ctx context.Context) error {
	ticker := g.clock.Ticker(g.cfg.ControlInterval.Std())
	defer ticker.Stop()
	var obs Observation
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-g.stats:
			obs.add(o)
		case <-ticker.C:
			g.tick(obs)
			obs = Observation{}
		}
	}
}

func (g *Gossip) tick(obs Observation) State {
	prev := g.State()
	st := g.ctrl.Step(obs.SuccessRatio(g.cfg.TargetSuccess), obs.DuplicateRatio(g.cfg.TargetDuplication))
	g.state.Store(&st)

	if st.Intervals.Broadcast != prev.Intervals.Broadcast {
		offer(g.broadcastEvery, st.Intervals.Broadcast)
	}
	if st.Intervals.Listen != prev.Intervals.Listen {
		offer(g.listenEvery, st.Intervals.Listen)
	}
	if st.Intervals.Cleanup != prev.Intervals.Cleanup {
		offer(g.cleanupEvery, st.Intervals.Cleanup)
	}

	pressure.WithLabelValues("lambda").Set(st.Lambda)
	pressure.WithLabelValues("eta").Set(st.Eta)
	stability.Set(st.Stability)
	windowScale.Set(st.Window)
	if st.Adjustment != Hold {
		log.Infow("tolerance window adjusted", "adjustment", st.Adjustment, "window", st.Window, "stability", st.Stability)
	}
	return st
}

// report hands counters to the control task. Samples are dropped rather
// than block a sender when the control task is behind.
func (g *Gossip) report(o Observation) {
	select {
	case g.stats <- o:
	default:
		log.Debugw("stats channel full, sample dropped")
	}
}

func (g *Gossip) window() time.Duration {
	return time.Duration(float64(g.cfg.DedupWindow.Std()) * g.State().Window)
}

// Announce queues a block announcement for the next broadcast tick.
func (g *Gossip) Announce(a Announce) {
	queued, dropped := g.pending.push(a, g.clock.Now(), g.window())
	if dropped != nil {
		log.Warnw("pending broadcasts full, oldest dropped", "contentId", dropped.ContentID)
	}
	if queued {
		pendingGauge.Set(float64(g.pending.len()))
	}
}

func (g *Gossip) forwardEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-g.events:
			g.seen.Add(ev.ContentID, struct{}{})
			g.Announce(Announce{ContentID: ev.ContentID, BlockHash: ev.Hash})
		}
	}
}

// flush sends the next batch of pending announcements to every live peer.
// With no live peer the batch stays queued for a later tick.
func (g *Gossip) flush(ctx context.Context) {
	peers := g.livePeers()
	if len(peers) == 0 {
		return
	}
	batch := g.pending.pop(maxBatch)
	pendingGauge.Set(float64(g.pending.len()))
	if len(batch) == 0 {
		return
	}
	msgs := make([]Message, 0, len(batch))
	for _, a := range batch {
		msg, err := NewMessage(KindAnnounce, a)
		if err != nil {
			log.Errorw("encoding announcement", "err", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	for _, p := range peers {
		to := p
		g.submit(func() { g.sendAll(ctx, to, msgs) })
	}
}

// sendAll delivers msgs to one peer in order, giving up on the first
// failure.
func (g *Gossip) sendAll(ctx context.Context, to PeerID, msgs []Message) {
	obs := Observation{Attempts: len(msgs)}
	for _, m := range msgs {
		if err := g.send(ctx, to, m); err != nil {
			log.Debugw("broadcast failed", "peer", to, "err", err)
			break
		}
		obs.Delivered++
	}
	g.report(obs)
}

func (g *Gossip) send(ctx context.Context, to PeerID, m Message) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.PeerTimeout.Std())
	defer cancel()
	if err := g.transport.Send(ctx, to, m); err != nil {
		sends.WithLabelValues("failed").Inc()
		g.markStale(to)
		return xerrors.Errorf("%s to %s: %v: %w", m.Kind, to, err, ErrPeer)
	}
	sends.WithLabelValues("ok").Inc()
	return nil
}

// sendAsync sends body to one peer from the worker pool.
func (g *Gossip) sendAsync(ctx context.Context, to PeerID, kind Kind, body any) {
	msg, err := NewMessage(kind, body)
	if err != nil {
		log.Errorw("encoding message", "kind", kind, "err", err)
		return
	}
	g.submit(func() {
		if err := g.send(ctx, to, msg); err != nil {
			log.Debugw("send failed", "err", err)
		}
	})
}

// RequestBlock asks live peers for a block. The engine calls it for missing
// orphan parents.
func (g *Gossip) RequestBlock(hash header.Hash256) {
	for _, p := range g.livePeers() {
		g.sendAsync(g.ctx, p, KindBlockRequest, BlockRequest{BlockHash: hash})
	}
}

func (g *Gossip) listen(ctx context.Context) {
	for i := 0; i < maxDrain; i++ {
		select {
		case env := <-g.transport.Inbound():
			g.handle(ctx, env)
		default:
			return
		}
	}
}

func (g *Gossip) handle(ctx context.Context, env Envelope) {
	g.touch(env.From)
	inbound.WithLabelValues(string(env.Msg.Kind)).Inc()
	var err error
	switch env.Msg.Kind {
	case KindAnnounce:
		err = g.onAnnounce(ctx, env.From, env.Msg)
	case KindBlockRequest:
		err = g.onBlockRequest(ctx, env.From, env.Msg)
	case KindBlockResponse:
		err = g.onBlockResponse(ctx, env.From, env.Msg)
	case KindTipBeacon:
		err = g.onTipBeacon(ctx, env.From, env.Msg)
	case KindRangeRequest:
		err = g.onRangeRequest(ctx, env.From, env.Msg)
	default:
		err = xerrors.Errorf("unknown message kind %q", env.Msg.Kind)
	}
	if err != nil {
		log.Debugw("inbound message dropped", "from", env.From, "kind", env.Msg.Kind, "err", err)
	}
}

func (g *Gossip) onAnnounce(ctx context.Context, from PeerID, m Message) error {
	var a Announce
	if err := m.Decode(&a); err != nil {
		return err
	}
	obs := Observation{Received: 1}
	switch {
	case g.seen.Contains(a.ContentID) || g.chain.Has(a.BlockHash):
		obs.Duplicates = 1
	case g.inflight.Contains(a.ContentID):
		// already asked someone; the entry expires after PeerTimeout
		obs.Duplicates = 1
	default:
		g.fetch(ctx, from, a)
	}
	g.report(obs)
	return nil
}

// fetch requests an announced block from the peer that announced it. A
// failed request frees the block for the next announcer.
func (g *Gossip) fetch(ctx context.Context, from PeerID, a Announce) {
	msg, err := NewMessage(KindBlockRequest, BlockRequest{BlockHash: a.BlockHash})
	if err != nil {
		log.Errorw("encoding block request", "err", err)
		return
	}
	g.inflight.Add(a.ContentID, struct{}{})
	g.submit(func() {
		if err := g.send(ctx, from, msg); err != nil {
			g.inflight.Remove(a.ContentID)
			log.Debugw("block request failed", "hash", a.BlockHash.Short(), "err", err)
		}
	})
}

func (g *Gossip) blockResponse(ctx context.Context, hash header.Hash256) (BlockResponse, error) {
	blk, err := g.chain.BlockByHash(hash)
	if err != nil {
		return BlockResponse{}, err
	}
	hdr, err := g.chain.GetHeader(hash)
	if err != nil {
		return BlockResponse{}, err
	}
	resp := BlockResponse{Header: *hdr, Payload: blk.Payload, ContentID: blk.OffchainContentID}
	if blk.OffchainContentID != "" {
		if resp.Bundle, err = g.blobs.Get(ctx, blk.OffchainContentID); err != nil {
			return BlockResponse{}, xerrors.Errorf("bundle of %s: %w", hash.Short(), err)
		}
	}
	return resp, nil
}

func (g *Gossip) onBlockRequest(ctx context.Context, from PeerID, m Message) error {
	var r BlockRequest
	if err := m.Decode(&r); err != nil {
		return err
	}
	resp, err := g.blockResponse(ctx, r.BlockHash)
	if err != nil {
		return err
	}
	g.sendAsync(ctx, from, KindBlockResponse, resp)
	return nil
}

func (g *Gossip) onBlockResponse(ctx context.Context, from PeerID, m Message) error {
	var r BlockResponse
	if err := m.Decode(&r); err != nil {
		return err
	}
	if len(r.Bundle) > 0 {
		id, err := g.blobs.Put(ctx, r.Bundle)
		if err != nil {
			return xerrors.Errorf("storing bundle: %w", err)
		}
		if id != r.ContentID {
			return xerrors.Errorf("bundle hashes to %s, response claims %s", id, r.ContentID)
		}
	}
	res, err := g.chain.Submit(ctx, &r.Header, r.Payload, r.ContentID)
	g.inflight.Remove(r.ContentID)
	if err != nil {
		return err
	}
	g.seen.Add(r.ContentID, struct{}{})
	log.Debugw("block from peer", "peer", from, "hash", r.Header.BlockHash.Short(), "status", res.Status, "reason", res.Reason)
	return nil
}

func (g *Gossip) onTipBeacon(ctx context.Context, from PeerID, m Message) error {
	var b TipBeacon
	if err := m.Decode(&b); err != nil {
		return err
	}
	tip := g.chain.Tip()
	if b.CumulativeWork <= tip.CumulativeWork || g.chain.Has(b.Hash) {
		return nil
	}
	log.Infow("peer is ahead, requesting range", "peer", from, "height", b.Height, "work", b.CumulativeWork, "local", tip.CumulativeWork)
	g.sendAsync(ctx, from, KindRangeRequest, RangeRequest{MinWork: tip.CumulativeWork, MaxWork: b.CumulativeWork})
	return nil
}

func (g *Gossip) onRangeRequest(ctx context.Context, from PeerID, m Message) error {
	var r RangeRequest
	if err := m.Decode(&r); err != nil {
		return err
	}
	entries, err := g.chain.RangeByWork(r.MinWork, r.MaxWork, maxRangeBlocks)
	if err != nil {
		return err
	}
	g.submit(func() {
		for _, e := range entries {
			resp, err := g.blockResponse(ctx, e.BlockHash)
			if err != nil {
				log.Warnw("serving range", "hash", e.BlockHash.Short(), "err", err)
				return
			}
			msg, err := NewMessage(KindBlockResponse, resp)
			if err != nil {
				return
			}
			if err := g.send(ctx, from, msg); err != nil {
				return
			}
		}
	})
	return nil
}

func (g *Gossip) beacon(ctx context.Context) {
	tip := g.chain.Tip()
	msg, err := NewMessage(KindTipBeacon, TipBeacon{Hash: tip.Hash, Height: tip.Height, CumulativeWork: tip.CumulativeWork})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.PeerTimeout.Std())
	defer cancel()
	if err := g.transport.Broadcast(ctx, msg); err != nil {
		log.Debugw("tip beacon", "err", err)
	}
}

// cleanup forgets expired coalescing entries and refreshes the peer set.
func (g *Gossip) cleanup(context.Context) {
	now := g.clock.Now()
	g.pending.prune(now, g.window())
	g.syncPeers(now)

	live, stale := 0, 0
	for _, p := range g.Peers() {
		if p.Stale {
			stale++
		} else {
			live++
		}
	}
	peersGauge.WithLabelValues("live").Set(float64(live))
	peersGauge.WithLabelValues("stale").Set(float64(stale))
}

// syncPeers mirrors the transport's peer list and gives stale peers another
// chance once PeerStaleAfter has passed.
func (g *Gossip) syncPeers(now time.Time) {
	current := g.transport.Peers()
	g.mu.Lock()
	defer g.mu.Unlock()
	present := make(map[PeerID]struct{}, len(current))
	for _, info := range current {
		present[info.ID] = struct{}{}
		if _, ok := g.peers[info.ID]; !ok {
			g.peers[info.ID] = &Peer{ID: info.ID, Role: info.Role, LastSeenAt: now}
		}
	}
	for id, p := range g.peers {
		if _, ok := present[id]; !ok {
			delete(g.peers, id)
			continue
		}
		if p.Stale && now.Sub(p.staleSince) >= g.cfg.PeerStaleAfter.Std() {
			p.Stale = false
		}
	}
}

func (g *Gossip) touch(id PeerID) {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.peers[id]
	if !ok {
		p = &Peer{ID: id, Role: RoleInbound}
		g.peers[id] = p
	}
	p.LastSeenAt = now
	p.Stale = false
}

func (g *Gossip) markStale(id PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.peers[id]; ok && !p.Stale {
		p.Stale = true
		p.staleSince = g.clock.Now()
		log.Infow("peer marked stale", "peer", id)
	}
}

// livePeers lists peers that are not stale.
func (g *Gossip) livePeers() []PeerID {
	g.syncPeers(g.clock.Now())
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]PeerID, 0, len(g.peers))
	for id, p := range g.peers {
		if !p.Stale {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Peers returns a snapshot of the peer set.
func (g *Gossip) Peers() []Peer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Peer, 0, len(g.peers))
	for _, p := range g.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
