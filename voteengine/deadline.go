package voteengine

import (
	"context"
	"encoding/json"
	"time"

	"bftquorum/coordstore"
	"bftquorum/model"
)

// firstVoteAtKey stores the observed-at timestamp of the first vote seen for
// a tx_id, used to compute the collection deadline (spec.md §4.5.4). It
// piggybacks on the tx_state value by recording a companion key rather than
// widening tx_state's encoding, keeping TxStateKey's value a bare state
// string as coordstore.Store's contract assumes.
func firstVoteAtKey(txID []byte) string {
	return coordstore.ConfigKey("first_vote_at/" + string(txID))
}

// noteFirstVote records the first-seen timestamp for txID if one is not
// already present. Called once per newly observed tx_id in admitVote.
func (e *Engine) noteFirstVote(ctx context.Context, txID []byte, at time.Time) {
	encoded, _ := at.UTC().MarshalBinary()
	_, _, _ = e.cs.CASPut(ctx, firstVoteAtKey(txID), nil, encoded)
}

// RunDeadlineSweep scans in-flight transactions (those with a recorded
// first-vote timestamp but no terminal state) and CASes any whose collection
// deadline has elapsed to AbortedTimeout (spec.md §4.5.4). It is intended to
// be invoked periodically by a single dedicated task, per spec.md §5's
// "one deadline-sweep task".
func (e *Engine) RunDeadlineSweep(ctx context.Context) error {
	prefix := coordstore.ConfigKey("first_vote_at/")
	entries, err := e.cs.ListPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	now := e.now()
	for _, kv := range entries {
		txID := []byte(kv.Key[len(prefix):])
		var firstVote time.Time
		if err := firstVote.UnmarshalBinary(kv.Value); err != nil {
			continue
		}
		if now.Sub(firstVote) < collectionDeadline {
			continue
		}
		state, _, err := e.readTxState(ctx, txID)
		if err != nil {
			continue
		}

		switch state {
		case model.StateConfirmed:
			// S4: consensus was reached but a roster member's vote was
			// never observed — still a SilentTimeout even though the
			// transaction itself succeeded.
			e.markSilentNonVoters(ctx, txID)
		case model.StateAbortedByzantine, model.StateAbortedTimeout:
			// already terminal for another reason; nothing left to do.
		default:
			ok, _, err := e.cs.CASPut(ctx, coordstore.TxStateKey(txID), []byte(state), []byte(model.StateAbortedTimeout))
			if err != nil || !ok {
				continue
			}
			e.markSilentNonVoters(ctx, txID)
		}

		// Once a terminal disposition has been reached and acted on, stop
		// rescanning this tx_id on every future sweep tick.
		_ = e.cs.Delete(ctx, kv.Key)
	}
	return nil
}

// markSilentNonVoters implements the SilentTimeout half of spec.md §4.5.4:
// any node the engine doesn't have a roster-membership hook for is skipped
// here — the roster membership check lives in the trust-anchor config, so
// callers that want SilentTimeout enforcement supply the cluster roster via
// SetRosterNodeIDs.
func (e *Engine) markSilentNonVoters(ctx context.Context, txID []byte) {
	if len(e.rosterNodeIDs) == 0 {
		return
	}
	voted := make(map[int]bool)
	entries, err := e.cs.ListPrefix(ctx, coordstore.VotePrefix(txID))
	if err != nil {
		return
	}
	for _, kv := range entries {
		var v model.Vote
		if json.Unmarshal(kv.Value, &v) == nil {
			voted[v.NodeID] = true
		}
	}
	for _, nodeID := range e.rosterNodeIDs {
		if voted[nodeID] {
			continue
		}
		e.recordAndSanction(ctx, nodeID, model.ViolationSilentTimeout, nil)
	}
}

// SetRosterNodeIDs configures the full cluster membership used by the
// deadline sweep's SilentTimeout detection. Optional: without it, the sweep
// still aborts timed-out transactions but skips non-voter marking.
func (e *Engine) SetRosterNodeIDs(nodeIDs []int) {
	e.rosterNodeIDs = append([]int(nil), nodeIDs...)
}
