// Package voteengine implements C5: the per-transaction vote-coordination
// state machine of spec.md §4.5. It is the one package that wires together
// the coordination store, audit store, detector, and an outbound broadcast
// collaborator; its locking and option-construction style is grounded on
// consensus/bft/bft.go's Engine, generalized from block consensus to
// arbitrary tx_id agreement and sharded per spec.md §5 instead of held under
// one process-wide mutex.
package voteengine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"bftquorum/auditstore"
	"bftquorum/coordstore"
	"bftquorum/detector"
	"bftquorum/identity"
	"bftquorum/model"
)

// Broadcaster decouples the engine from transport.Server so it can be
// exercised against an in-process fake in tests (spec.md §9: "the transport
// [could be replaced] by a locally-instantiated channel pair").
type Broadcaster interface {
	Broadcast(ctx context.Context, topic string, payload []byte) error
}

// Submitter is the external downstream collaborator of spec.md §6. It must
// be idempotent on tx_id (P10).
type Submitter interface {
	Submit(ctx context.Context, txID []byte, value uint64, participants []int) (model.SubmissionResult, error)
}

// Sentinel errors surfaced by on_vote, matching the taxonomy of spec.md §7.
var (
	ErrBanned        = errors.New("voteengine: node is banned")
	ErrEquivocation  = errors.New("voteengine: equivocating vote")
	ErrMalformed     = errors.New("voteengine: malformed vote")
	ErrCsUnavailable = errors.New("voteengine: coordination store unavailable")
)

const (
	shardCount           = 64
	defaultThreshold     = 0 // must be set via Config; zero is invalid and checked at construction
	submissionLeaseTTL   = 300 * time.Second
	collectionDeadline   = 300 * time.Second
	submissionRetryDelay = 2 * time.Second
	submissionRetryCap   = 30 * time.Second
	stateConflictRetries = 3
)

// Config holds the per-cluster parameters the engine needs: N, t, and this
// node's id. Trust-anchor loading itself lives
// in the config package; Engine only consumes the resolved values.
type Config struct {
	N         int
	Threshold int
	NodeID    int
}

func (c Config) validate() error {
	if c.Threshold < (c.N+1)/2 || c.Threshold > c.N {
		return fmt.Errorf("voteengine: threshold %d out of range for N=%d (spec.md §9 constraint)", c.Threshold, c.N)
	}
	return nil
}

// Engine is the vote-coordination engine (C5). All mutating operations on a
// given tx_id are serialized through a per-shard mutex (spec.md §5); unrelated
// tx_ids may proceed in parallel.
type Engine struct {
	cfg    Config
	id     *identity.Identity
	cs     coordstore.Store
	audit  *auditstore.Store
	det    *detector.Detector
	bcast  Broadcaster
	sub    Submitter
	log    *slog.Logger
	shards [shardCount]sync.Mutex

	now           func() time.Time
	rosterNodeIDs []int
}

// New constructs an Engine. Any nil dependency is a programmer error and
// panics at construction, never on the request path (matching
// crypto.MustNewAddress's constructor-only panic convention).
func New(cfg Config, id *identity.Identity, cs coordstore.Store, audit *auditstore.Store, det *detector.Detector, bcast Broadcaster, sub Submitter, log *slog.Logger) *Engine {
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	if id == nil || cs == nil || audit == nil || det == nil || bcast == nil || sub == nil {
		panic("voteengine: nil dependency passed to New")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, id: id, cs: cs, audit: audit, det: det, bcast: bcast, sub: sub, log: log, now: time.Now}
}

func (e *Engine) shardFor(txID []byte) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write(txID)
	return &e.shards[h.Sum32()%shardCount]
}

// wireVote is the broadcast envelope: the Vote plus a Format label. The
// envelope is always JSON-encoded. SubmitLocalVote sets Format to
// wireFormatBinary, OnReceiveBroadcast does not inspect it, and no
// positional binary encoding of the Vote is implemented. Signatures cover
// model.Vote.SigningPayload, which does not depend on the envelope encoding.
type wireVote struct {
	Format string     `json:"format"`
	Vote   model.Vote `json:"vote"`
}

const (
	wireFormatBinary = "binary"
	wireFormatText   = "text"
)

// SubmitLocalVote is the origination entry point (spec.md §4.5.1):
// constructs, signs, records locally via OnVote, and broadcasts.
func (e *Engine) SubmitLocalVote(ctx context.Context, txID []byte, value uint64) (*model.Vote, model.VoteOutcome, error) {
	v := &model.Vote{TxID: txID, NodeID: e.cfg.NodeID, Value: value, Timestamp: e.now()}
	sig, err := e.id.Sign(v.SigningPayload())
	if err != nil {
		return nil, model.VoteOutcome{}, fmt.Errorf("voteengine: signing local vote: %w", err)
	}
	v.Signature = sig

	outcome := e.OnVote(ctx, v)
	if outcome.Err != nil {
		return v, outcome, outcome.Err
	}

	encoded, err := json.Marshal(wireVote{Format: wireFormatBinary, Vote: *v})
	if err != nil {
		return v, outcome, fmt.Errorf("voteengine: encoding vote for broadcast: %w", err)
	}
	if err := e.bcast.Broadcast(ctx, "/votes", encoded); err != nil {
		e.log.Warn("broadcast failed after local vote accepted", "tx_id", string(txID), "error", err)
	}
	return v, outcome, nil
}

// OnReceiveBroadcast decodes a wire-form vote payload and feeds it through
// OnVote; this is the handler transport.Server.OnBroadcast("/votes", ...)
// should be wired to.
func (e *Engine) OnReceiveBroadcast(ctx context.Context, fromNodeID int, payload []byte) {
	var w wireVote
	if err := json.Unmarshal(payload, &w); err != nil {
		e.log.Warn("malformed vote broadcast, dropping", "from", fromNodeID, "error", err)
		return
	}
	v := w.Vote
	if v.NodeID != fromNodeID {
		e.log.Warn("vote node_id does not match sender, dropping", "claimed", v.NodeID, "from", fromNodeID)
		return
	}
	outcome := e.OnVote(ctx, &v)
	if outcome.Err != nil {
		e.log.Debug("vote rejected", "tx_id", string(v.TxID), "node_id", v.NodeID, "outcome", outcome.Kind.String(), "error", outcome.Err)
	}
}

// OnVote is the public contract of spec.md §4.5.1.
func (e *Engine) OnVote(ctx context.Context, v *model.Vote) model.VoteOutcome {
	if len(v.TxID) == 0 {
		return model.VoteOutcome{Kind: model.OutcomeRejected, Err: ErrMalformed}
	}

	banned, err := e.det.IsBanned(ctx, v.NodeID)
	if err != nil {
		return model.VoteOutcome{Kind: model.OutcomeRejected, Err: fmt.Errorf("%w: %v", ErrCsUnavailable, err)}
	}
	if banned {
		return model.VoteOutcome{Kind: model.OutcomeRejected, Err: ErrBanned}
	}

	if !e.det.VerifySignature(v) {
		e.recordAndSanction(ctx, v.NodeID, model.ViolationInvalidSignature, detector.SingleVoteEvidence(v))
		return model.VoteOutcome{Kind: model.OutcomeRejected, Err: detector.ErrInvalidSignature}
	}

	mu := e.shardFor(v.TxID)
	mu.Lock()
	defer mu.Unlock()

	state, existed, err := e.readTxState(ctx, v.TxID)
	if err != nil {
		return model.VoteOutcome{Kind: model.OutcomeRejected, Err: fmt.Errorf("%w: %v", ErrCsUnavailable, err)}
	}
	if state.Terminal() {
		return model.VoteOutcome{Kind: model.OutcomeTooLate}
	}
	if !existed {
		// Materialize the Collecting state explicitly so later CAS
		// transitions (ThresholdReached, AbortedByzantine, ...) have an
		// existing value to compare against; absence and "Collecting" are
		// semantically equivalent (spec.md §4.5) but coordstore.CASPut
		// requires a present value to CAS away from.
		_, _, _ = e.cs.CASPut(ctx, coordstore.TxStateKey(v.TxID), nil, []byte(model.StateCollecting))
		e.noteFirstVote(ctx, v.TxID, e.now())
	}

	return e.admitVote(ctx, v, state)
}

// admitVote runs the threshold-detection algorithm of spec.md §4.5.2 while
// holding this tx_id's shard lock. Classification happens before the vote is
// ever persisted: a MinorityAfterConsensus verdict must leave no trace in
// /votes or /vote_counts (spec.md §4.6, P1).
func (e *Engine) admitVote(ctx context.Context, v *model.Vote, state model.TxState) model.VoteOutcome {
	voteKey := coordstore.VoteKey(v.TxID, v.NodeID)

	existingRaw, existed, err := e.cs.Get(ctx, voteKey)
	if err != nil {
		return model.VoteOutcome{Kind: model.OutcomeRejected, Err: fmt.Errorf("%w: %v", ErrCsUnavailable, err)}
	}
	if existed {
		return e.resolveAgainstPriorVote(ctx, v, existingRaw)
	}

	winningValue, _ := e.winningValueIfAny(ctx, v.TxID)
	class := detector.Classify(v, detector.ClusterView{TxState: state, WinningValue: winningValue})
	if class.Kind == model.ClassMinorityAfterConsensus {
		e.recordAndSanction(ctx, v.NodeID, model.ViolationMinorityAfterConsensus, detector.SingleVoteEvidence(v))
		return model.VoteOutcome{Kind: model.OutcomeRejected, Err: detector.ErrMinorityAfterConsensus}
	}

	serialized, err := json.Marshal(v)
	if err != nil {
		return model.VoteOutcome{Kind: model.OutcomeRejected, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	ok, current, err := e.cs.CASPut(ctx, voteKey, nil, serialized)
	if err != nil {
		return model.VoteOutcome{Kind: model.OutcomeRejected, Err: fmt.Errorf("%w: %v", ErrCsUnavailable, err)}
	}
	if !ok {
		// Lost a race with a concurrent write for this (tx_id, node_id)
		// since the Get above; resolve it the same way the up-front check
		// would have.
		return e.resolveAgainstPriorVote(ctx, v, current)
	}

	newCount, err := e.cs.Increment(ctx, coordstore.VoteCountKey(v.TxID, v.Value))
	if err != nil {
		return model.VoteOutcome{Kind: model.OutcomeRejected, Err: fmt.Errorf("%w: %v", ErrCsUnavailable, err)}
	}

	if err := e.audit.RecordVote(v, e.registeredPublicKeyBytes(v.NodeID), e.now()); err != nil && !errors.Is(err, auditstore.ErrDuplicateVote) {
		e.log.Error("audit write failed for accepted vote", "tx_id", string(v.TxID), "error", err)
	}

	if newCount < uint64(e.cfg.Threshold) {
		return model.VoteOutcome{Kind: model.OutcomeAccepted, Count: newCount}
	}

	discoverer, err := e.cs.CASPut(ctx, coordstore.TxStateKey(v.TxID), []byte(model.StateCollecting), []byte(model.StateThresholdReached))
	if err != nil {
		return model.VoteOutcome{Kind: model.OutcomeThresholdReached, Count: newCount, Value: v.Value}
	}
	if discoverer {
		go e.attemptSubmission(context.Background(), v.TxID, v.Value)
	}
	return model.VoteOutcome{Kind: model.OutcomeThresholdReached, Count: newCount, Value: v.Value}
}

// resolveAgainstPriorVote decides Duplicate vs. equivocation for a vote
// whose (tx_id, node_id) slot is already occupied.
func (e *Engine) resolveAgainstPriorVote(ctx context.Context, v *model.Vote, priorRaw []byte) model.VoteOutcome {
	var prior model.Vote
	if err := json.Unmarshal(priorRaw, &prior); err != nil {
		return model.VoteOutcome{Kind: model.OutcomeRejected, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if prior.SameContent(v) {
		return model.VoteOutcome{Kind: model.OutcomeDuplicate}
	}
	return e.handleEquivocation(ctx, v, &prior)
}

// handleEquivocation implements the DoubleVote branch of spec.md §4.5.2/§4.6:
// a differing vote from a node that already has an entry is evidence of
// equivocation, regardless of transaction state.
func (e *Engine) handleEquivocation(ctx context.Context, v, prior *model.Vote) model.VoteOutcome {
	e.recordAndSanction(ctx, v.NodeID, model.ViolationDoubleVote, detector.EvidencePayload(prior, v))
	_, _, _ = e.cs.CASPut(ctx, coordstore.TxStateKey(v.TxID), []byte(model.StateCollecting), []byte(model.StateAbortedByzantine))
	_, _, _ = e.cs.CASPut(ctx, coordstore.TxStateKey(v.TxID), []byte(model.StateThresholdReached), []byte(model.StateAbortedByzantine))
	return model.VoteOutcome{Kind: model.OutcomeRejected, Err: ErrEquivocation}
}

// recordAndSanction persists the violation then applies the escalating ban,
// in that order (spec.md §7: byzantine findings are always persisted before
// any state transition they drive).
func (e *Engine) recordAndSanction(ctx context.Context, nodeID int, kind model.ViolationKind, evidence []byte) {
	now := e.now()
	violation := model.Violation{NodeID: nodeID, Kind: kind, DetectedAt: now, Evidence: evidence}
	if err := e.det.RecordViolation(ctx, violation); err != nil {
		e.log.Error("failed to record violation", "node_id", nodeID, "kind", kind, "error", err)
		return
	}
	if kind == model.ViolationSilentTimeout {
		if err := e.det.DegradeReputation(nodeID, now); err != nil {
			e.log.Error("failed to degrade reputation", "node_id", nodeID, "error", err)
		}
		prior, err := e.det.PriorOffenceCountByKind(ctx, nodeID, model.ViolationSilentTimeout, now)
		if err != nil {
			e.log.Error("failed to count prior silent-timeout offences", "node_id", nodeID, "error", err)
			return
		}
		// Do not ban on the first occurrence (spec.md §4.6: the distinction
		// between malice and genuine network loss is itself soft); repeat
		// offences escalate through the same ban ladder as other kinds.
		if prior == 0 {
			return
		}
		if _, err := e.det.ApplySanction(ctx, nodeID, now); err != nil {
			e.log.Error("failed to apply sanction", "node_id", nodeID, "error", err)
		}
		return
	}
	if _, err := e.det.ApplySanction(ctx, nodeID, now); err != nil {
		e.log.Error("failed to apply sanction", "node_id", nodeID, "error", err)
	}
}

func (e *Engine) readTxState(ctx context.Context, txID []byte) (model.TxState, bool, error) {
	raw, ok, err := e.cs.Get(ctx, coordstore.TxStateKey(txID))
	if err != nil {
		return "", false, err
	}
	if !ok {
		return model.StateCollecting, false, nil
	}
	return model.TxState(raw), true, nil
}

// winningValueIfAny returns the value with the highest recorded count for
// txID, used only to feed the detector's MinorityAfterConsensus check once a
// transaction has left Collecting.
func (e *Engine) winningValueIfAny(ctx context.Context, txID []byte) (uint64, error) {
	entries, err := e.cs.ListPrefix(ctx, coordstore.VoteCountPrefix(txID))
	if err != nil {
		return 0, err
	}
	var best uint64
	var bestCount uint64
	for _, kv := range entries {
		value, nodeErr := coordstore.NodeIDFromVoteKey(kv.Key)
		if nodeErr != nil {
			continue
		}
		count := decodeUint64(kv.Value)
		if count > bestCount {
			bestCount = count
			best = uint64(value)
		}
	}
	return best, nil
}

// decodeUint64 decodes a coordstore.Increment counter value, which
// coordstore.Store always writes as 8-byte big-endian (coordstore/mem.go,
// coordstore/bolt.go), never ASCII decimal.
func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// registeredPublicKeyBytes is a placeholder until the trust-anchor roster is
// wired through; the audit row's public_key column is advisory (P2 is
// enforced by signature verification at admission, not by this column).
func (e *Engine) registeredPublicKeyBytes(nodeID int) []byte {
	return nil
}

// Status answers status(tx_id) (spec.md §4.5.1): best-effort, reads from the
// coordination store only.
func (e *Engine) Status(ctx context.Context, txID []byte) (model.StatusReport, error) {
	state, _, err := e.readTxState(ctx, txID)
	if err != nil {
		return model.StatusReport{}, fmt.Errorf("%w: %v", ErrCsUnavailable, err)
	}
	counts, err := e.cs.ListPrefix(ctx, coordstore.VoteCountPrefix(txID))
	if err != nil {
		return model.StatusReport{}, fmt.Errorf("%w: %v", ErrCsUnavailable, err)
	}
	tallies := make(map[uint64]uint64, len(counts))
	for _, kv := range counts {
		value, err := coordstore.NodeIDFromVoteKey(kv.Key)
		if err != nil {
			continue
		}
		tallies[uint64(value)] = decodeUint64(kv.Value)
	}
	voted, votedFor := false, uint64(0)
	raw, ok, err := e.cs.Get(ctx, coordstore.VoteKey(txID, e.cfg.NodeID))
	if err == nil && ok {
		var v model.Vote
		if json.Unmarshal(raw, &v) == nil {
			voted, votedFor = true, v.Value
		}
	}
	return model.StatusReport{TxID: txID, State: state, Tallies: tallies, Voted: voted, VotedFor: votedFor}, nil
}
