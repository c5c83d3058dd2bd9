package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"bftquorum/identity"
)

// RosterEntry is one trust-anchor entry: the expected identity and dial
// address of a cluster peer (spec.md §6).
type RosterEntry struct {
	NodeID    int
	PublicKey *identity.PublicKey
	Address   string
}

// Roster is the trust anchor's peer table; connections from identities not
// present here are rejected (spec.md §4.4).
type Roster struct {
	entries map[int]RosterEntry
}

func NewRoster(entries []RosterEntry) *Roster {
	r := &Roster{entries: make(map[int]RosterEntry, len(entries))}
	for _, e := range entries {
		r.entries[e.NodeID] = e
	}
	return r
}

func (r *Roster) ByNodeID(id int) (RosterEntry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

func (r *Roster) All() []RosterEntry {
	out := make([]RosterEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// BroadcastHandler processes an inbound broadcast payload from a peer.
type BroadcastHandler func(fromNodeID int, payload []byte)

// RequestHandler answers an inbound request, returning the response
// payload or an error that is relayed back to the caller.
type RequestHandler func(fromNodeID int, payload []byte) ([]byte, error)

// BanChecker reports whether a node_id is currently banned; the transport
// consults it on every inbound message and handshake so a banned peer's
// messages are dropped at the earliest point (spec.md §7, P7).
type BanChecker func(nodeID int) bool

// Server is one node's C4 transport: it maintains a peer link to every
// other roster entry, a topic broadcast channel, and a per-peer
// request/response channel. Structurally adapted from p2p/server.go's
// listen/dial/peer-registry shape, generalized from a blockchain gossip
// network to this domain's vote broadcast + query set.
type Server struct {
	identity  *identity.Identity
	clusterID string
	roster    *Roster
	log       *slog.Logger
	metrics   *transportMetrics

	listenAddr    string
	readTimeout   time.Duration
	writeTimeout  time.Duration
	requestTTL    time.Duration
	pingInterval  time.Duration
	maxFrameBytes int
	ratePerPeer   float64
	rateBurst     float64

	nonces *nonceGuard
	qos    *qosScore
	banned BanChecker

	mu            sync.RWMutex
	peers         map[int]*peer
	broadcastHdl  map[string]BroadcastHandler
	requestHdl    map[RequestKind]RequestHandler
	pendingReqs   map[string]chan *Message

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Config bundles the tunables spec.md §5 calls out as transport timeouts.
type Config struct {
	ListenAddr    string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	RequestTTL    time.Duration // default 10s per-call timeout
	PingInterval  time.Duration
	MaxFrameBytes int
	RatePerPeer   float64
	RateBurst     float64
}

func defaultConfig(cfg Config) Config {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.RequestTTL == 0 {
		cfg.RequestTTL = 10 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	if cfg.RatePerPeer == 0 {
		cfg.RatePerPeer = 200
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 400
	}
	return cfg
}

// NewServer constructs a transport bound to id, authenticating peers
// against roster.
func NewServer(id *identity.Identity, clusterID string, roster *Roster, cfg Config, banned BanChecker, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	cfg = defaultConfig(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		identity:      id,
		clusterID:     clusterID,
		roster:        roster,
		log:           log.With(slog.String("component", "transport")),
		metrics:       newTransportMetrics(),
		listenAddr:    cfg.ListenAddr,
		readTimeout:   cfg.ReadTimeout,
		writeTimeout:  cfg.WriteTimeout,
		requestTTL:    cfg.RequestTTL,
		pingInterval:  cfg.PingInterval,
		maxFrameBytes: cfg.MaxFrameBytes,
		ratePerPeer:   cfg.RatePerPeer,
		rateBurst:     cfg.RateBurst,
		nonces:        newNonceGuard(15 * time.Minute),
		qos:           newQosScore(),
		banned:        banned,
		peers:         make(map[int]*peer),
		broadcastHdl:  make(map[string]BroadcastHandler),
		requestHdl:    make(map[RequestKind]RequestHandler),
		pendingReqs:   make(map[string]chan *Message),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// OnBroadcast registers the handler invoked for every inbound broadcast on
// topic. Only one handler per topic is supported.
func (s *Server) OnBroadcast(topic string, h BroadcastHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastHdl[topic] = h
}

// OnRequest registers the handler that answers a given request kind.
func (s *Server) OnRequest(kind RequestKind, h RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestHdl[kind] = h
}

// Start begins accepting inbound connections and dialing every roster peer
// this node doesn't already have a link to. Reconnection on link loss is
// automatic with bounded backoff (spec.md §4.4).
func (s *Server) Start(ctx context.Context) error {
	tlsCfg, err := ephemeralTLSConfig()
	if err != nil {
		return fmt.Errorf("transport: build tls config: %w", err)
	}
	ln, err := tls.Listen("tcp", s.listenAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", s.listenAddr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	for _, entry := range s.roster.All() {
		if entry.NodeID == s.identity.NodeID {
			continue
		}
		entry := entry
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.maintainConnection(entry)
		}()
	}
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Warn("accept failed", slog.String("error", err.Error()))
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleInbound(conn)
		}()
	}
}

func (s *Server) handleInbound(conn net.Conn) {
	reader := bufio.NewReader(conn)
	ctx, cancel := context.WithTimeout(s.ctx, s.readTimeout)
	defer cancel()
	entry, err := s.performHandshake(ctx, conn, reader)
	if err != nil {
		s.log.Warn("inbound handshake failed", slog.String("error", err.Error()))
		_ = conn.Close()
		return
	}
	if s.banned != nil && s.banned(entry.NodeID) {
		_ = conn.Close()
		return
	}
	s.registerPeer(entry.NodeID, conn, reader, true)
}

// maintainConnection keeps a dial loop against one roster peer alive,
// redialing with exponential backoff (capped at 30s) after any link loss.
func (s *Server) maintainConnection(entry RosterEntry) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		if s.hasPeer(entry.NodeID) {
			time.Sleep(time.Second)
			continue
		}
		tlsCfg, err := ephemeralTLSConfig()
		if err == nil {
			tlsCfg.InsecureSkipVerify = true
			dialer := &net.Dialer{Timeout: 10 * time.Second}
			conn, dialErr := tls.DialWithDialer(dialer, "tcp", entry.Address, tlsCfg)
			if dialErr == nil {
				reader := bufio.NewReader(conn)
				ctx, cancel := context.WithTimeout(s.ctx, s.readTimeout)
				remote, hsErr := s.performHandshake(ctx, conn, reader)
				cancel()
				if hsErr == nil && remote.NodeID == entry.NodeID {
					s.registerPeer(entry.NodeID, conn, reader, false)
					backoff = time.Second
					select {
					case <-s.ctx.Done():
						return
					case <-s.waitPeerGone(entry.NodeID):
					}
					continue
				}
				_ = conn.Close()
			}
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Server) waitPeerGone(nodeID int) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for s.hasPeer(nodeID) {
			time.Sleep(500 * time.Millisecond)
		}
		close(ch)
	}()
	return ch
}

func (s *Server) registerPeer(nodeID int, conn net.Conn, reader *bufio.Reader, inbound bool) {
	p := newPeer(nodeID, conn, reader, s, inbound)
	s.mu.Lock()
	if existing, ok := s.peers[nodeID]; ok {
		s.mu.Unlock()
		existing.terminate(fmt.Errorf("superseded by new connection"))
		s.mu.Lock()
	}
	s.peers[nodeID] = p
	s.mu.Unlock()
	p.start()
}

func (s *Server) removePeer(nodeID int, reason error) {
	s.mu.Lock()
	if s.peers[nodeID] != nil {
		delete(s.peers, nodeID)
	}
	s.mu.Unlock()
	s.log.Info("peer link closed", slog.Int("node_id", nodeID), slog.String("reason", reason.Error()))
}

func (s *Server) hasPeer(nodeID int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[nodeID]
	return ok
}

// Peers returns the node_ids currently connected.
func (s *Server) Peers() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	return out
}

func (s *Server) recordProtocolViolation(nodeID int) {
	s.qos.adjust(nodeID, malformedPenalty)
	s.metrics.observeViolation()
}

func (s *Server) recordRateLimited(nodeID int) {
	s.metrics.observeRateLimited()
}

// dispatch routes an inbound non-control message to a broadcast or
// request/response handler.
func (s *Server) dispatch(fromNodeID int, msg *Message) {
	if s.banned != nil && s.banned(fromNodeID) {
		return
	}
	switch msg.Type {
	case MsgBroadcast:
		s.mu.RLock()
		h := s.broadcastHdl[msg.Topic]
		s.mu.RUnlock()
		if h != nil {
			h(fromNodeID, msg.Payload)
		}
	case MsgRequest:
		s.mu.RLock()
		h := s.requestHdl[msg.Kind]
		s.mu.RUnlock()
		resp := &Message{Type: MsgResponse, Kind: msg.Kind, RequestID: msg.RequestID, From: s.identity.NodeID}
		if h == nil {
			resp.Err = "unrecognized request kind"
		} else if payload, err := h(fromNodeID, msg.Payload); err != nil {
			resp.Err = err.Error()
		} else {
			resp.Payload = payload
		}
		s.mu.RLock()
		p := s.peers[fromNodeID]
		s.mu.RUnlock()
		if p != nil {
			_ = p.enqueue(resp)
		}
	case MsgResponse:
		s.mu.Lock()
		ch := s.pendingReqs[msg.RequestID]
		s.mu.Unlock()
		if ch != nil {
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

// Broadcast publishes payload on topic to every currently-connected peer at
// least once (spec.md §4.4); duplicate delivery is tolerated by design.
func (s *Server) Broadcast(ctx context.Context, topic string, payload []byte) error {
	msg := &Message{Type: MsgBroadcast, Topic: topic, From: s.identity.NodeID, Payload: payload}
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	var firstErr error
	for _, p := range peers {
		if err := p.enqueue(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ErrTransportUnavailable is returned by Request when no peer link to the
// target node_id exists.
var ErrTransportUnavailable = fmt.Errorf("transport: no link to peer")

// ErrRequestTimeout is returned by Request on a per-call timeout, never a
// fabricated value (spec.md §4.4).
var ErrRequestTimeout = fmt.Errorf("transport: request timed out")

// Request sends a query to nodeID and blocks for its response or timeout.
func (s *Server) Request(ctx context.Context, nodeID int, kind RequestKind, payload []byte) ([]byte, error) {
	s.mu.RLock()
	p := s.peers[nodeID]
	s.mu.RUnlock()
	if p == nil {
		return nil, ErrTransportUnavailable
	}

	reqID := uuid.NewString()
	respCh := make(chan *Message, 1)
	s.mu.Lock()
	s.pendingReqs[reqID] = respCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pendingReqs, reqID)
		s.mu.Unlock()
	}()

	msg := &Message{Type: MsgRequest, Kind: kind, RequestID: reqID, From: s.identity.NodeID, Payload: payload}
	if err := p.enqueue(msg); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.requestTTL)
	defer cancel()
	select {
	case resp := <-respCh:
		if resp.Err != "" {
			return nil, fmt.Errorf("transport: remote error: %s", resp.Err)
		}
		return resp.Payload, nil
	case <-callCtx.Done():
		return nil, ErrRequestTimeout
	}
}

// RequestVoteStatus issues GetVoteStatus(tx_id) to nodeID.
func (s *Server) RequestVoteStatus(ctx context.Context, nodeID int, txID []byte) (*VoteStatusResponse, error) {
	raw, err := s.Request(ctx, nodeID, ReqGetVoteStatus, txID)
	if err != nil {
		return nil, err
	}
	var resp VoteStatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close tears down every peer link and the listener.
func (s *Server) Close() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.terminate(fmt.Errorf("transport shutting down"))
	}
	s.nonces.Close()
	s.wg.Wait()
	return nil
}
