package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

var errQueueFull = errors.New("transport: outbound queue full")

const outboundQueueSize = 256

// peer is one mutually-authenticated, always-on link to another cluster
// node. Read/write/keepalive loops and the per-peer token bucket are
// adapted from p2p/peer.go.
type peer struct {
	nodeID     int
	conn       net.Conn
	reader     *bufio.Reader
	outbound   chan *Message
	server     *Server
	remoteAddr string
	inbound    bool

	limiter *tokenBucket

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(nodeID int, conn net.Conn, reader *bufio.Reader, server *Server, inbound bool) *peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &peer{
		nodeID:     nodeID,
		conn:       conn,
		reader:     reader,
		outbound:   make(chan *Message, outboundQueueSize),
		server:     server,
		remoteAddr: conn.RemoteAddr().String(),
		inbound:    inbound,
		limiter:    newTokenBucket(server.ratePerPeer, server.rateBurst),
		ctx:        ctx,
		cancel:     cancel,
		closed:     make(chan struct{}),
	}
}

func (p *peer) start() {
	go p.readLoop()
	go p.writeLoop()
	go p.keepaliveLoop()
}

// enqueue queues msg for delivery; it never blocks the caller.
func (p *peer) enqueue(msg *Message) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("transport: peer %d shutting down", p.nodeID)
	default:
	}
	select {
	case p.outbound <- msg:
		return nil
	default:
		return errQueueFull
	}
}

func (p *peer) keepaliveLoop() {
	ticker := time.NewTicker(p.server.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			_ = p.enqueue(&Message{Type: MsgPing, From: p.server.identity.NodeID})
		}
	}
}

func (p *peer) readLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		if err := p.conn.SetReadDeadline(time.Now().Add(p.server.readTimeout)); err != nil {
			p.terminate(fmt.Errorf("set read deadline: %w", err))
			return
		}
		line, err := p.reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.terminate(io.EOF)
				return
			}
			p.terminate(fmt.Errorf("read error: %w", err))
			return
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		if len(trimmed) > p.server.maxFrameBytes {
			p.server.recordProtocolViolation(p.nodeID)
			p.terminate(fmt.Errorf("frame exceeds max size"))
			return
		}
		now := time.Now()
		rate := p.limiter
		if p.server.qos.greylisted(p.nodeID) {
			rate.setRate(p.server.ratePerPeer*greylistRateMultiplier, p.server.rateBurst*greylistRateMultiplier)
		}
		if !rate.allow(now) {
			p.server.recordRateLimited(p.nodeID)
			continue
		}

		var msg Message
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			p.server.qos.adjust(p.nodeID, malformedPenalty)
			continue
		}
		p.server.metrics.observeFrame("in", string(msg.Type))
		p.server.qos.adjust(p.nodeID, goodMessageReward)

		if p.handleControlMessage(&msg) {
			continue
		}
		p.server.dispatch(p.nodeID, &msg)
	}
}

func (p *peer) handleControlMessage(msg *Message) bool {
	switch msg.Type {
	case MsgPing:
		_ = p.enqueue(&Message{Type: MsgPong, From: p.server.identity.NodeID})
		return true
	case MsgPong:
		return true
	case MsgHandshake, MsgHandshakeAck:
		return true
	default:
		return false
	}
}

func (p *peer) writeLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-p.outbound:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(p.ctx, p.server.writeTimeout)
			err := writeFrame(ctx, p.conn, msg)
			cancel()
			if err != nil {
				p.server.qos.adjust(p.nodeID, slowWritePenalty)
				p.terminate(fmt.Errorf("write error: %w", err))
				return
			}
			p.server.metrics.observeFrame("out", string(msg.Type))
		}
	}
}

func (p *peer) terminate(reason error) {
	p.closeOnce.Do(func() {
		p.cancel()
		_ = p.conn.Close()
		close(p.outbound)
		close(p.closed)
		p.server.removePeer(p.nodeID, reason)
	})
}
