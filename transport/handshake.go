package transport

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"bftquorum/identity"
)

const (
	protocolVersion        uint32        = 1
	handshakeNonceSize                   = 32
	handshakeSkewAllowance time.Duration = 5 * time.Minute
)

// handshakePayload is the signed portion of a handshake frame, grounded on
// p2p/handshake.go's handshakeMessage: everything the peer must commit to
// before the signature is computed.
type handshakePayload struct {
	ProtocolVersion uint32 `json:"proto_version"`
	ClusterID       string `json:"cluster_id"`
	NodeID          int    `json:"node_id"`
	PublicKeyHex    string `json:"public_key"`
	Nonce           string `json:"nonce"`
	Timestamp       int64  `json:"ts"`
}

type handshakePacket struct {
	handshakePayload
	Signature string `json:"sig"`
}

// buildHandshake constructs and signs this node's half of the handshake.
func (s *Server) buildHandshake() (*handshakePacket, error) {
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("transport: generate handshake nonce: %w", err)
	}
	payload := handshakePayload{
		ProtocolVersion: protocolVersion,
		ClusterID:       s.clusterID,
		NodeID:          s.identity.NodeID,
		PublicKeyHex:    hex.EncodeToString(s.identity.PublicKey().Bytes()),
		Nonce:           hex.EncodeToString(nonce),
		Timestamp:       time.Now().Unix(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	sig, err := s.identity.Sign(handshakeDigest(body))
	if err != nil {
		return nil, err
	}
	if !s.nonces.Remember(strconv.Itoa(payload.NodeID), payload.Nonce) {
		return nil, fmt.Errorf("transport: local nonce collision")
	}
	return &handshakePacket{handshakePayload: payload, Signature: hex.EncodeToString(sig)}, nil
}

// verifyHandshake authenticates a remote packet against the trust-anchor
// roster: protocol/cluster match, timestamp skew, nonce freshness, and a
// signature that recovers to the claimed node_id's registered public key.
// A session cannot be established to a peer whose presented identity does
// not match its roster-declared public key (spec.md §4.4).
func (s *Server) verifyHandshake(pkt *handshakePacket) (*RosterEntry, error) {
	if pkt.ProtocolVersion != protocolVersion {
		return nil, fmt.Errorf("transport: unsupported protocol version %d", pkt.ProtocolVersion)
	}
	if pkt.ClusterID != s.clusterID {
		return nil, fmt.Errorf("transport: cluster id mismatch")
	}
	entry, ok := s.roster.ByNodeID(pkt.NodeID)
	if !ok {
		return nil, fmt.Errorf("transport: node_id %d not in roster", pkt.NodeID)
	}
	now := time.Now()
	ts := time.Unix(pkt.Timestamp, 0)
	if now.Sub(ts) > handshakeSkewAllowance || ts.Sub(now) > handshakeSkewAllowance {
		return nil, fmt.Errorf("transport: handshake timestamp skew too large")
	}
	sigBytes, err := hex.DecodeString(pkt.Signature)
	if err != nil || len(sigBytes) != 65 {
		return nil, fmt.Errorf("transport: invalid handshake signature")
	}
	pubBytes, err := hex.DecodeString(pkt.PublicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid public key encoding: %w", err)
	}
	if hex.EncodeToString(entry.PublicKey.Bytes()) != hex.EncodeToString(pubBytes) {
		return nil, fmt.Errorf("transport: presented public key does not match roster")
	}
	body, err := json.Marshal(pkt.handshakePayload)
	if err != nil {
		return nil, err
	}
	if !identity.Verify(entry.PublicKey, handshakeDigest(body), sigBytes) {
		return nil, fmt.Errorf("transport: handshake signature does not verify")
	}
	if !s.nonces.Remember(strconv.Itoa(pkt.NodeID), pkt.Nonce) {
		return nil, fmt.Errorf("transport: handshake nonce replay detected")
	}
	return &entry, nil
}

func handshakeDigest(body []byte) []byte {
	return append([]byte("bftquorum-handshake|"), body...)
}

// performHandshake drives both sides of the mutual-authentication exchange
// over a freshly-dialed or freshly-accepted connection.
func (s *Server) performHandshake(ctx context.Context, conn net.Conn, reader *bufio.Reader) (*RosterEntry, error) {
	local, err := s.buildHandshake()
	if err != nil {
		return nil, err
	}
	localMsg := &Message{Type: MsgHandshake, From: s.identity.NodeID}
	localMsg.Payload, _ = json.Marshal(local)
	if err := writeFrame(ctx, conn, localMsg); err != nil {
		return nil, fmt.Errorf("transport: send handshake: %w", err)
	}

	remoteMsg, err := readFrame(ctx, conn, reader, s.maxFrameBytes)
	if err != nil {
		return nil, fmt.Errorf("transport: read handshake: %w", err)
	}
	if remoteMsg.Type != MsgHandshake {
		return nil, fmt.Errorf("transport: expected handshake, got %s", remoteMsg.Type)
	}
	var remote handshakePacket
	if err := json.Unmarshal(remoteMsg.Payload, &remote); err != nil {
		return nil, fmt.Errorf("transport: decode handshake: %w", err)
	}
	entry, err := s.verifyHandshake(&remote)
	if err != nil {
		return nil, err
	}
	ack := &Message{Type: MsgHandshakeAck, From: s.identity.NodeID}
	if err := writeFrame(ctx, conn, ack); err != nil {
		return nil, fmt.Errorf("transport: send handshake ack: %w", err)
	}
	return entry, nil
}
