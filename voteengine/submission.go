package voteengine

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"bftquorum/coordstore"
	"bftquorum/model"
)

// attemptSubmission drives spec.md §4.5.3. It is launched by the discoverer
// (the node whose CAS moved the transaction to ThresholdReached) in its own
// goroutine so that OnVote's caller is never blocked on the downstream
// collaborator.
func (e *Engine) attemptSubmission(ctx context.Context, txID []byte, value uint64) {
	holder := e.holderID()
	lockKey := coordstore.SubmissionLockKey(txID)

	ok, _, err := e.cs.AcquireLease(ctx, lockKey, holder, submissionLeaseTTL)
	if err != nil {
		e.log.Error("submission lease acquisition failed", "tx_id", string(txID), "error", err)
		return
	}
	if !ok {
		// Another node is already submitting; abandonment is correct here.
		return
	}
	defer func() {
		_ = e.cs.ReleaseLease(context.Background(), lockKey, holder)
	}()

	ok, _, err = e.cs.CASPut(ctx, coordstore.TxStateKey(txID), []byte(model.StateThresholdReached), []byte(model.StateSubmitting))
	if err != nil {
		e.log.Error("submission state transition failed", "tx_id", string(txID), "error", err)
		return
	}
	if !ok {
		// A late loser of the lease race; someone else already moved the
		// state (or it regressed past ThresholdReached). Abandon.
		return
	}

	participants, err := e.participantNodeIDs(ctx, txID)
	if err != nil {
		e.log.Error("failed to collect participants for submission", "tx_id", string(txID), "error", err)
	}
	if err := e.recordSubmissionAttempt(txID, value, participants, model.StateSubmitting); err != nil {
		e.log.Error("failed to record submission attempt", "tx_id", string(txID), "error", err)
	}

	e.driveSubmission(ctx, txID, value, participants, lockKey, holder)
}

// driveSubmission retries the downstream submitter with capped exponential
// backoff until success, a permanent error, or the submission lease expires
// (spec.md §4.5.3 step 5). Lease expiry without resolution lets another
// node observe ThresholdReached again and retry the whole attempt.
func (e *Engine) driveSubmission(ctx context.Context, txID []byte, value uint64, participants []int, lockKey, holder string) {
	deadline := e.now().Add(submissionLeaseTTL)
	delay := submissionRetryDelay

	for {
		result, err := e.sub.Submit(ctx, txID, value, participants)
		if err != nil {
			e.log.Error("submitter call failed", "tx_id", string(txID), "error", err)
		} else {
			switch result.Kind {
			case model.SubmissionConfirmed:
				e.finalizeConfirmed(txID, value)
				return
			case model.SubmissionPermanentError:
				e.abortPermanent(txID, result.Reason)
				return
			case model.SubmissionTransientError:
				// fall through to retry below
			}
		}

		if e.now().After(deadline) {
			e.log.Warn("submission lease expired without resolution, returning to ThresholdReached", "tx_id", string(txID))
			if _, _, err := e.cs.CASPut(context.Background(), coordstore.TxStateKey(txID), []byte(model.StateSubmitting), []byte(model.StateThresholdReached)); err != nil {
				e.log.Error("failed to return transaction to ThresholdReached", "tx_id", string(txID), "error", err)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > submissionRetryCap {
			delay = submissionRetryCap
		}
	}
}

func (e *Engine) finalizeConfirmed(txID []byte, value uint64) {
	ctx := context.Background()
	ok, _, err := e.cs.CASPut(ctx, coordstore.TxStateKey(txID), []byte(model.StateSubmitting), []byte(model.StateConfirmed))
	if err != nil || !ok {
		e.log.Error("failed to transition to Confirmed after downstream success", "tx_id", string(txID), "error", err)
		return
	}
	if err := e.audit.MarkConfirmed(txID, e.now()); err != nil {
		e.log.Error("failed to mark submission confirmed in audit store", "tx_id", string(txID), "error", err)
	}
}

func (e *Engine) abortPermanent(txID []byte, reason string) {
	ctx := context.Background()
	ok, _, err := e.cs.CASPut(ctx, coordstore.TxStateKey(txID), []byte(model.StateSubmitting), []byte(model.StateAbortedByzantine))
	if err != nil || !ok {
		e.log.Error("failed to transition to AbortedByzantine after permanent submission error", "tx_id", string(txID), "error", err, "reason", reason)
		return
	}
	e.log.Warn("transaction aborted: permanent downstream error", "tx_id", string(txID), "reason", reason)
}

// participantNodeIDs lists the node_ids that have a recorded vote for txID,
// passed to the submitter as the agreeing participant set.
func (e *Engine) participantNodeIDs(ctx context.Context, txID []byte) ([]int, error) {
	entries, err := e.cs.ListPrefix(ctx, coordstore.VotePrefix(txID))
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(entries))
	for _, kv := range entries {
		var v model.Vote
		if jsonErr := json.Unmarshal(kv.Value, &v); jsonErr != nil {
			continue
		}
		ids = append(ids, v.NodeID)
	}
	return ids, nil
}

func (e *Engine) recordSubmissionAttempt(txID []byte, value uint64, participants []int, state model.TxState) error {
	return e.audit.RecordSubmissionAttempt(txID, value, participants, state, e.now())
}

// holderID is this node's lease-holder identity, derived from its node_id.
func (e *Engine) holderID() string {
	return holderIDFor(e.cfg.NodeID)
}

func holderIDFor(nodeID int) string {
	return "node-" + strconv.Itoa(nodeID)
}
