// Package transport implements C4: mutually-authenticated encrypted peer
// links, a topic broadcast channel ("/votes"), and a per-peer
// request/response channel. Framing, handshake, and rate-limiting are
// grounded on p2p/server.go, p2p/peer.go, p2p/handshake.go,
// p2p/ratelimit.go, p2p/nonce_guard.go, and p2p/reputation.go; the
// request/response query set and the QoS-only greylist tier are this
// domain's additions over the teacher's gossip-only model.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// MessageType discriminates frames on the wire.
type MessageType string

const (
	MsgHandshake    MessageType = "handshake"
	MsgHandshakeAck MessageType = "handshake_ack"
	MsgBroadcast    MessageType = "broadcast"
	MsgRequest      MessageType = "request"
	MsgResponse     MessageType = "response"
	MsgPing         MessageType = "ping"
	MsgPong         MessageType = "pong"
)

// RequestKind enumerates the recognized per-peer queries (spec.md §4.4/§6).
type RequestKind string

const (
	ReqGetVoteStatus RequestKind = "GetVoteStatus"
	ReqGetPublicKey  RequestKind = "GetPublicKey"
	ReqGetReputation RequestKind = "GetReputation"
	ReqPing          RequestKind = "Ping"
)

// Message is the single envelope type carried over a peer link.
type Message struct {
	Type      MessageType     `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Kind      RequestKind     `json:"kind,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	From      int             `json:"from"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Err       string          `json:"err,omitempty"`
}

// VoteStatusResponse answers GetVoteStatus(tx_id) (spec.md §6).
type VoteStatusResponse struct {
	HasVoted     bool             `json:"has_voted"`
	ValueIfVoted uint64           `json:"value_if_voted,omitempty"`
	CurrentTally map[uint64]uint64 `json:"current_tally"`
}

// writeFrame newline-delimits a JSON-encoded message, matching
// p2p/handshake.go's writeFrame/readFrame convention.
func writeFrame(ctx context.Context, conn net.Conn, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

func readFrame(ctx context.Context, conn net.Conn, reader *bufio.Reader, maxBytes int) (*Message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(line)
	if maxBytes > 0 && len(trimmed) > maxBytes {
		return nil, fmt.Errorf("transport: frame exceeds max size (%d bytes)", len(trimmed))
	}
	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("transport: malformed frame: %w", err)
	}
	return &msg, nil
}
