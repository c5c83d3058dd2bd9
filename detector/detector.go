// Package detector implements C6: the stateless Byzantine classifier and
// its ban-policy side effects. Per spec.md §9's note on breaking the
// engine/detector cycle, Classify is a pure function — the detector holds
// no reference to the engine and never transitions transaction state
// itself. Ban escalation is adapted from p2p/reputation.go's repeat-offence
// tiers, applied here to the coordination store's /banned/{node_id} lease
// instead of an in-memory score.
package detector

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bftquorum/auditstore"
	"bftquorum/coordstore"
	"bftquorum/identity"
	"bftquorum/model"
)

// Sentinel errors the engine branches on when rejecting a vote the
// classifier flagged (spec.md §7).
var (
	ErrInvalidSignature       = errors.New("detector: invalid signature")
	ErrMinorityAfterConsensus = errors.New("detector: minority vote after consensus")
)

// PublicKeyResolver looks up the registered public key for a node_id, as
// published via the trust anchor.
type PublicKeyResolver interface {
	PublicKey(nodeID int) (*identity.PublicKey, bool)
}

// ClusterView is the minimal state Classify needs: whether the voting node
// already has a recorded vote for this tx_id, and the transaction's current
// state/winning value.
type ClusterView struct {
	PriorVote    *model.Vote
	TxState      model.TxState
	WinningValue uint64
}

// Ban durations for first/second/third-and-later offences within a rolling
// window (spec.md §4.6).
const (
	FirstOffenceBan  = 24 * time.Hour
	SecondOffenceBan = 7 * 24 * time.Hour
	RollingWindow    = 30 * 24 * time.Hour
)

// Detector drives classification and executes its own record/sanction side
// effects once the engine has decided to act on a Classification.
type Detector struct {
	cs       coordstore.Store
	audit    *auditstore.Store
	resolver PublicKeyResolver
}

func New(cs coordstore.Store, audit *auditstore.Store, resolver PublicKeyResolver) *Detector {
	return &Detector{cs: cs, audit: audit, resolver: resolver}
}

// VerifySignature checks a vote's signature against the node's registered
// public key. A resolver miss (unknown node_id) is treated as invalid.
func (d *Detector) VerifySignature(v *model.Vote) bool {
	pub, ok := d.resolver.PublicKey(v.NodeID)
	if !ok {
		return false
	}
	return identity.Verify(pub, v.SigningPayload(), v.Signature)
}

// Classify is the pure C6 decision function (spec.md §4.6).
func Classify(v *model.Vote, view ClusterView) model.Classification {
	if view.PriorVote != nil {
		if view.PriorVote.SameContent(v) {
			return model.Classification{Kind: model.ClassOk}
		}
		return model.Classification{Kind: model.ClassDoubleVote, PriorVote: view.PriorVote}
	}
	if (view.TxState == model.StateThresholdReached || view.TxState == model.StateSubmitting ||
		view.TxState == model.StateConfirmed) && v.Value != view.WinningValue {
		return model.Classification{Kind: model.ClassMinorityAfterConsensus, WinningValue: view.WinningValue}
	}
	return model.Classification{Kind: model.ClassOk}
}

// RecordViolation persists a violation to the audit store. Byzantine
// findings are always persisted before any state transition they drive
// (spec.md §7).
func (d *Detector) RecordViolation(ctx context.Context, v model.Violation) error {
	return d.audit.RecordViolation(v)
}

// ApplySanction bans nodeID, escalating the ban duration by offence count
// within RollingWindow. It does not touch the node's reputation record. It
// returns the sanction actually applied ("24h", "7d", "indefinite") for the
// violation record.
func (d *Detector) ApplySanction(ctx context.Context, nodeID int, now time.Time) (sanction string, err error) {
	// recentOffenceCount includes the violation the caller just recorded
	// (RecordViolation is always called before ApplySanction, spec.md §7),
	// so the count of *prior* offences is one less than the total.
	total, err := d.recentOffenceCount(ctx, nodeID, now)
	if err != nil {
		return "", err
	}
	offences := total - 1
	if offences < 0 {
		offences = 0
	}
	var ttl time.Duration
	switch {
	case offences == 0:
		sanction, ttl = "24h", FirstOffenceBan
	case offences == 1:
		sanction, ttl = "7d", SecondOffenceBan
	default:
		sanction, ttl = "indefinite", 100 * 365 * 24 * time.Hour
	}
	key := coordstore.BannedKey(nodeID)
	// Replace any live ban so the new, escalated TTL takes effect.
	if err := d.cs.Delete(ctx, key); err != nil {
		return sanction, err
	}
	if _, err := d.cs.PutWithLease(ctx, key, []byte(sanction), ttl); err != nil {
		return sanction, err
	}
	return sanction, nil
}

// recentOffenceCount counts violations for nodeID recorded within
// RollingWindow of now, driving the 24h/7d/indefinite escalation.
func (d *Detector) recentOffenceCount(ctx context.Context, nodeID int, now time.Time) (int, error) {
	count, err := d.audit.CountViolationsSince(nodeID, now.Add(-RollingWindow))
	if err != nil {
		return 0, err
	}
	return count, nil
}

// PriorOffenceCountByKind counts nodeID's violations of the given kind
// detected within RollingWindow of now, excluding the one the caller just
// recorded (RecordViolation always precedes this call, spec.md §7). Used to
// decide whether a repeat-offence-only violation kind (SilentTimeout) has
// escalated past its non-banning first occurrence.
func (d *Detector) PriorOffenceCountByKind(ctx context.Context, nodeID int, kind model.ViolationKind, now time.Time) (int, error) {
	total, err := d.audit.CountViolationsByKindSince(nodeID, string(kind), now.Add(-RollingWindow))
	if err != nil {
		return 0, err
	}
	if total > 0 {
		total--
	}
	return total, nil
}

// IsBanned reports whether nodeID currently has a live ban entry.
func (d *Detector) IsBanned(ctx context.Context, nodeID int) (bool, error) {
	_, ok, err := d.cs.Get(ctx, coordstore.BannedKey(nodeID))
	return ok, err
}

// DegradeReputation records a non-ban reputation penalty for SilentTimeout,
// the one violation kind that does not ban on first occurrence (spec.md
// §4.6: "the distinction between malice and genuine network loss is itself
// soft").
func (d *Detector) DegradeReputation(nodeID int, at time.Time) error {
	rep, _, err := d.audit.GetReputation(nodeID)
	if err != nil {
		return err
	}
	rep.Score -= 0.1
	return d.audit.UpsertReputation(nodeID, rep.Score, rep.TotalVotes, rep.Violations+1, at)
}

// EvidencePayload packages both signed votes for an equivocation violation
// as a single evidence blob.
func EvidencePayload(v1, v2 *model.Vote) []byte {
	out, _ := json.Marshal([2]*model.Vote{v1, v2})
	return out
}

// SingleVoteEvidence packages a single vote (InvalidSignature, MinorityAfterConsensus).
func SingleVoteEvidence(v *model.Vote) []byte {
	out, _ := json.Marshal(v)
	return out
}
