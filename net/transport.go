package net

import "context"

// Role tells who opened the connection to a peer.
type Role int

const (
	RoleOutbound Role = iota
	RoleInbound
)

func (r Role) String() string {
	if r == RoleInbound {
		return "inbound"
	}
	return "outbound"
}

type PeerInfo struct {
	ID   PeerID
	Role Role
}

// Transport moves messages between peers. Send is point to point and
// returns once the peer acknowledged the message; Broadcast reaches every
// connected peer on a best-effort basis.
type Transport interface {
	Self() PeerID
	Peers() []PeerInfo
	Send(ctx context.Context, to PeerID, msg Message) error
	Broadcast(ctx context.Context, msg Message) error
	Inbound() <-chan Envelope
	Close() error
}
