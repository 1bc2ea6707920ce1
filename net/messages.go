package net

import (
	"encoding/json"
	"errors"
	"fmt"

	"pouw/core/header"
)

var (
	// ErrPeer marks a failed interaction with one peer. It never reaches the
	// consensus engine.
	ErrPeer            = errors.New("peer error")
	ErrUnknownPeer     = errors.New("unknown peer")
	ErrMessageTooLarge = errors.New("message too large")
	ErrClosed          = errors.New("transport closed")
)

const maxWireMessage = 4 << 20

// PeerID names a peer on a transport.
type PeerID string

type Kind string

const (
	KindAnnounce      Kind = "announce"
	KindBlockRequest  Kind = "block_request"
	KindBlockResponse Kind = "block_response"
	KindTipBeacon     Kind = "tip_beacon"
	KindRangeRequest  Kind = "range_request"
)

// Message is the wire envelope: a kind tag and its JSON body.
type Message struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Envelope is an inbound message with its sender.
type Envelope struct {
	From PeerID
	Msg  Message
}

// Announce advertises a newly connected block.
type Announce struct {
	ContentID string         `json:"contentId"`
	BlockHash header.Hash256 `json:"blockHash"`
}

type BlockRequest struct {
	BlockHash header.Hash256 `json:"blockHash"`
}

// BlockResponse carries a block and its proof bundle so the receiver can
// store the bundle before submitting.
type BlockResponse struct {
	Header    header.Header `json:"header"`
	Payload   []byte        `json:"payload"`
	ContentID string        `json:"contentId"`
	Bundle    []byte        `json:"bundle"`
}

// TipBeacon is published periodically so lagging peers notice they are
// behind.
type TipBeacon struct {
	Hash           header.Hash256 `json:"hash"`
	Height         uint64         `json:"height"`
	CumulativeWork float64        `json:"cumulativeWork"`
}

// RangeRequest asks for the blocks with cumulative work in
// [MinWork, MaxWork], answered as BlockResponses in ascending work order.
type RangeRequest struct {
	MinWork float64 `json:"minWork"`
	MaxWork float64 `json:"maxWork"`
}

func NewMessage(kind Kind, body any) (Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	return Message{Kind: kind, Body: raw}, nil
}

func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Kind, err)
	}
	return nil
}

func encodeMessage(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(data) > maxWireMessage {
		return nil, fmt.Errorf("%s of %d bytes: %w", m.Kind, len(data), ErrMessageTooLarge)
	}
	return data, nil
}
