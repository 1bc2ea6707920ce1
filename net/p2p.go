package net

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
)

const (
	ProtocolID  protocol.ID = "/pouw/gossip/1.0.0"
	BeaconTopic             = "pouw/tip/1"

	p2pInboundDepth = 1024
	streamTimeout   = 30 * time.Second
	ack             = byte(1)
)

// P2POption configures a Libp2pTransport.
type P2POption func(*p2pOptions)

type p2pOptions struct {
	listen   []string
	identity crypto.PrivKey
}

func WithListenAddrs(addrs ...string) P2POption {
	return func(o *p2pOptions) { o.listen = addrs }
}

func WithIdentity(key crypto.PrivKey) P2POption {
	return func(o *p2pOptions) { o.identity = key }
}

// Libp2pTransport sends point-to-point messages over a dedicated stream
// protocol, one message per stream followed by a one byte ack from the
// receiver. Broadcast goes over a pubsub topic.
type Libp2pTransport struct {
	host    host.Host
	ps      *pubsub.PubSub
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	inbound chan Envelope

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ Transport = (*Libp2pTransport)(nil)

func NewLibp2pTransport(ctx context.Context, opts ...P2POption) (*Libp2pTransport, error) {
	o := p2pOptions{listen: []string{"/ip4/127.0.0.1/tcp/0"}}
	for _, opt := range opts {
		opt(&o)
	}
	hopts := []libp2p.Option{libp2p.ListenAddrStrings(o.listen...)}
	if o.identity != nil {
		hopts = append(hopts, libp2p.Identity(o.identity))
	}
	h, err := libp2p.New(hopts...)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Libp2pTransport{
		host:    h,
		inbound: make(chan Envelope, p2pInboundDepth),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	fail := func(err error) (*Libp2pTransport, error) {
		cancel()
		return nil, multierr.Append(err, h.Close())
	}

	if t.ps, err = pubsub.NewGossipSub(ctx, h); err != nil {
		return fail(fmt.Errorf("gossipsub: %w", err))
	}
	if t.topic, err = t.ps.Join(BeaconTopic); err != nil {
		return fail(fmt.Errorf("join %s: %w", BeaconTopic, err))
	}
	if t.sub, err = t.topic.Subscribe(); err != nil {
		return fail(fmt.Errorf("subscribe %s: %w", BeaconTopic, err))
	}
	h.SetStreamHandler(ProtocolID, t.handleStream)

	go t.readTopic(ctx)
	return t, nil
}

// LoadOrCreateIdentity reads a libp2p private key from path, generating and
// saving a new Ed25519 key when the file does not exist.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return crypto.UnmarshalPrivateKey(raw)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	raw, err = crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func (t *Libp2pTransport) Self() PeerID { return PeerID(t.host.ID().String()) }

// Addrs returns the full multiaddrs, including /p2p/<id>, other nodes can
// dial.
func (t *Libp2pTransport) Addrs() ([]multiaddr.Multiaddr, error) {
	return peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: t.host.ID(), Addrs: t.host.Addrs()})
}

// Connect dials every address, retrying each with exponential backoff.
func (t *Libp2pTransport) Connect(ctx context.Context, addrs ...string) error {
	var errs error
	for _, s := range addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("parse %q: %w", s, err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("peer info %q: %w", s, err))
			continue
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
		err = backoff.Retry(func() error {
			return t.host.Connect(ctx, *info)
		}, policy)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("connect %s: %w", info.ID, err))
			continue
		}
		log.Infow("connected to peer", "peer", info.ID)
	}
	return errs
}

func (t *Libp2pTransport) Peers() []PeerInfo {
	ids := t.host.Network().Peers()
	out := make([]PeerInfo, 0, len(ids))
	for _, id := range ids {
		role := RoleOutbound
		if conns := t.host.Network().ConnsToPeer(id); len(conns) > 0 && conns[0].Stat().Direction == network.DirInbound {
			role = RoleInbound
		}
		out = append(out, PeerInfo{ID: PeerID(id.String()), Role: role})
	}
	return out
}

func (t *Libp2pTransport) Inbound() <-chan Envelope { return t.inbound }

func (t *Libp2pTransport) Send(ctx context.Context, to PeerID, msg Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	id, err := peer.Decode(string(to))
	if err != nil {
		return fmt.Errorf("send to %s: %w", to, ErrUnknownPeer)
	}
	s, err := t.host.NewStream(ctx, id, ProtocolID)
	if err != nil {
		return fmt.Errorf("open stream to %s: %w", to, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}
	// A cancelled ctx must unblock the read of the ack.
	stop := context.AfterFunc(ctx, func() { _ = s.Reset() })
	defer stop()

	if _, err := s.Write(data); err != nil {
		_ = s.Reset()
		return fmt.Errorf("write to %s: %w", to, err)
	}
	if err := s.CloseWrite(); err != nil {
		_ = s.Reset()
		return fmt.Errorf("close write to %s: %w", to, err)
	}
	var buf [1]byte
	if _, err := io.ReadFull(s, buf[:]); err != nil {
		_ = s.Reset()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ack from %s: %w", to, err)
	}
	return s.Close()
}

func (t *Libp2pTransport) handleStream(s network.Stream) {
	_ = s.SetDeadline(time.Now().Add(streamTimeout))
	from := PeerID(s.Conn().RemotePeer().String())
	data, err := io.ReadAll(io.LimitReader(s, maxWireMessage+1))
	if err != nil {
		_ = s.Reset()
		return
	}
	if len(data) > maxWireMessage {
		log.Warnw("oversized message", "peer", from, "err", ErrMessageTooLarge)
		_ = s.Reset()
		return
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debugw("undecodable message", "peer", from, "err", err)
		_ = s.Reset()
		return
	}
	select {
	case t.inbound <- Envelope{From: from, Msg: msg}:
	case <-t.done:
		_ = s.Reset()
		return
	}
	if _, err := s.Write([]byte{ack}); err != nil {
		_ = s.Reset()
		return
	}
	_ = s.Close()
}

// Broadcast publishes msg on the beacon topic.
func (t *Libp2pTransport) Broadcast(ctx context.Context, msg Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return t.topic.Publish(ctx, data)
}

func (t *Libp2pTransport) readTopic(ctx context.Context) {
	for {
		m, err := t.sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == t.host.ID() {
			continue
		}
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.Debugw("undecodable broadcast", "peer", m.ReceivedFrom, "err", err)
			continue
		}
		select {
		case t.inbound <- Envelope{From: PeerID(m.GetFrom().String()), Msg: msg}:
		default:
			log.Debugw("inbound queue full, broadcast dropped", "peer", m.ReceivedFrom)
		}
	}
}

func (t *Libp2pTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.cancel()
		t.sub.Cancel()
		t.closeErr = multierr.Append(t.closeErr, t.host.Close())
	})
	return t.closeErr
}
