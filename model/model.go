// Package model defines the shared data types that flow between the
// coordination store, audit store, transport, vote engine, and detector:
// votes, transaction state, outcomes, and violations.
package model

import (
	"encoding/binary"
	"fmt"
	"time"
)

// TxState is the finite set of states a transaction moves through.
type TxState string

const (
	StateCollecting       TxState = "Collecting"
	StateThresholdReached TxState = "ThresholdReached"
	StateSubmitting       TxState = "Submitting"
	StateConfirmed        TxState = "Confirmed"
	StateAbortedByzantine TxState = "AbortedByzantine"
	StateAbortedTimeout   TxState = "AbortedTimeout"
)

// Terminal reports whether the state admits no further transition.
func (s TxState) Terminal() bool {
	switch s {
	case StateConfirmed, StateAbortedByzantine, StateAbortedTimeout:
		return true
	default:
		return false
	}
}

// Vote is a signed declaration by one node that it commits to value for tx_id.
type Vote struct {
	TxID      []byte    `json:"tx_id"`
	NodeID    int       `json:"node_id"`
	Value     uint64    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Signature []byte    `json:"signature"`
}

// SigningPayload returns the canonical byte encoding over which Signature is
// computed: tx_id, node_id, value, and timestamp (unix nanos), in that fixed
// order. The payload does not depend on how the vote is encoded on the wire
// (spec P9).
func (v *Vote) SigningPayload() []byte {
	buf := make([]byte, 0, len(v.TxID)+8+8+8)
	var nodeID, value, ts [8]byte
	binary.BigEndian.PutUint64(nodeID[:], uint64(v.NodeID))
	binary.BigEndian.PutUint64(value[:], v.Value)
	binary.BigEndian.PutUint64(ts[:], uint64(v.Timestamp.UTC().UnixNano()))
	buf = append(buf, byte(len(v.TxID)>>24), byte(len(v.TxID)>>16), byte(len(v.TxID)>>8), byte(len(v.TxID)))
	buf = append(buf, v.TxID...)
	buf = append(buf, nodeID[:]...)
	buf = append(buf, value[:]...)
	buf = append(buf, ts[:]...)
	return buf
}

// SameContent reports whether two votes agree on tx_id, node_id and value,
// used to distinguish a rebroadcast duplicate from equivocation. Timestamp
// and signature are not compared.
func (v *Vote) SameContent(other *Vote) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.NodeID == other.NodeID && v.Value == other.Value && string(v.TxID) == string(other.TxID)
}

// VoteOutcome is the result returned from OnVote.
type VoteOutcome struct {
	Kind  VoteOutcomeKind
	Count uint64
	Value uint64
	Err   error
}

type VoteOutcomeKind int

const (
	OutcomeAccepted VoteOutcomeKind = iota
	OutcomeDuplicate
	OutcomeThresholdReached
	OutcomeRejected
	OutcomeTooLate
)

func (k VoteOutcomeKind) String() string {
	switch k {
	case OutcomeAccepted:
		return "Accepted"
	case OutcomeDuplicate:
		return "Duplicate"
	case OutcomeThresholdReached:
		return "ThresholdReached"
	case OutcomeRejected:
		return "Rejected"
	case OutcomeTooLate:
		return "TooLate"
	default:
		return "Unknown"
	}
}

// StatusReport answers status(tx_id).
type StatusReport struct {
	TxID     []byte
	State    TxState
	Tallies  map[uint64]uint64
	Voted    bool
	VotedFor uint64
}

// ViolationKind enumerates the recognized Byzantine misbehaviors.
type ViolationKind string

const (
	ViolationDoubleVote               ViolationKind = "DoubleVote"
	ViolationInvalidSignature         ViolationKind = "InvalidSignature"
	ViolationMinorityAfterConsensus   ViolationKind = "MinorityAfterConsensus"
	ViolationSilentTimeout            ViolationKind = "SilentTimeout"
)

// Violation is an append-only record of detected misbehavior.
type Violation struct {
	NodeID     int
	Kind       ViolationKind
	TxID       []byte
	Evidence   []byte
	DetectedAt time.Time
	Sanction   string
}

// ClassificationKind is the detector's verdict on an incoming vote.
type ClassificationKind int

const (
	ClassOk ClassificationKind = iota
	ClassDoubleVote
	ClassInvalidSignature
	ClassMinorityAfterConsensus
)

// Classification is the detector's pure verdict; it never mutates state
// itself (spec.md §9's cyclic-reference note).
type Classification struct {
	Kind         ClassificationKind
	PriorVote    *Vote
	WinningValue uint64
}

func (c Classification) String() string {
	switch c.Kind {
	case ClassOk:
		return "Ok"
	case ClassDoubleVote:
		return fmt.Sprintf("DoubleVote(prior=%d)", c.PriorVote.Value)
	case ClassInvalidSignature:
		return "InvalidSignature"
	case ClassMinorityAfterConsensus:
		return fmt.Sprintf("MinorityAfterConsensus(winning=%d)", c.WinningValue)
	default:
		return "Unknown"
	}
}

// SubmissionResult is returned by the downstream submitter collaborator.
type SubmissionResult struct {
	Kind   SubmissionResultKind
	Reason string
}

type SubmissionResultKind int

const (
	SubmissionConfirmed SubmissionResultKind = iota
	SubmissionPermanentError
	SubmissionTransientError
)

// RejectReason enumerates why on_vote rejected a vote.
type RejectReason string

const (
	RejectInvalidSignature RejectReason = "InvalidSignature"
	RejectBanned           RejectReason = "Banned"
	RejectEquivocation     RejectReason = "Equivocation"
	RejectMalformed        RejectReason = "Malformed"
)
