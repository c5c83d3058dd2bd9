package voteengine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bftquorum/auditstore"
	"bftquorum/coordstore"
	"bftquorum/detector"
	"bftquorum/identity"
	"bftquorum/model"
)

type fakeBroadcaster struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return nil
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls int
	fn    func(callIndex int, txID []byte, value uint64, participants []int) (model.SubmissionResult, error)
}

func (f *fakeSubmitter) Submit(ctx context.Context, txID []byte, value uint64, participants []int) (model.SubmissionResult, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(idx, txID, value, participants)
	}
	return model.SubmissionResult{Kind: model.SubmissionConfirmed}, nil
}

type resolverFunc func(nodeID int) (*identity.PublicKey, bool)

func (f resolverFunc) PublicKey(nodeID int) (*identity.PublicKey, bool) { return f(nodeID) }

type testCluster struct {
	cs      coordstore.Store
	audit   *auditstore.Store
	det     *detector.Detector
	ids     map[int]*identity.Identity
	bcast   *fakeBroadcaster
	sub     *fakeSubmitter
	engines map[int]*Engine
}

func newTestCluster(t *testing.T, n, threshold int) *testCluster {
	t.Helper()
	cs := coordstore.NewMemStore()
	audit, err := auditstore.Open(filepath.Join(t.TempDir(), "audit.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	ids := make(map[int]*identity.Identity, n)
	for i := 0; i < n; i++ {
		priv, err := identity.GeneratePrivateKey()
		require.NoError(t, err)
		ids[i] = identity.New(i, priv)
	}
	resolver := resolverFunc(func(nodeID int) (*identity.PublicKey, bool) {
		id, ok := ids[nodeID]
		if !ok {
			return nil, false
		}
		return id.PublicKey(), true
	})
	det := detector.New(cs, audit, resolver)
	bcast := &fakeBroadcaster{}
	sub := &fakeSubmitter{}

	engines := make(map[int]*Engine, n)
	for i := 0; i < n; i++ {
		engines[i] = New(Config{N: n, Threshold: threshold, NodeID: i}, ids[i], cs, audit, det, bcast, sub, nil)
	}
	return &testCluster{cs: cs, audit: audit, det: det, ids: ids, bcast: bcast, sub: sub, engines: engines}
}

func signedVote(t *testing.T, id *identity.Identity, txID []byte, value uint64, at time.Time) *model.Vote {
	t.Helper()
	v := &model.Vote{TxID: txID, NodeID: id.NodeID, Value: value, Timestamp: at}
	sig, err := id.Sign(v.SigningPayload())
	require.NoError(t, err)
	v.Signature = sig
	return v
}

func TestOnVoteHappyPathReachesThreshold(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	txID := []byte("alpha")
	ctx := context.Background()
	e0 := c.engines[0]

	var last model.VoteOutcome
	for i := 0; i < 4; i++ {
		v := signedVote(t, c.ids[i], txID, 42, time.Now())
		last = e0.OnVote(ctx, v)
		require.NoError(t, last.Err)
	}
	require.Equal(t, model.OutcomeThresholdReached, last.Kind)
	require.Eventually(t, func() bool {
		state, _, err := e0.readTxState(ctx, txID)
		require.NoError(t, err)
		return state == model.StateConfirmed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnVoteDuplicateIsIdempotent(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	txID := []byte("dup")
	ctx := context.Background()
	e0 := c.engines[0]

	at := time.Now()
	v := signedVote(t, c.ids[1], txID, 7, at)
	out := e0.OnVote(ctx, v)
	require.Equal(t, model.OutcomeAccepted, out.Kind)

	v2 := signedVote(t, c.ids[1], txID, 7, at)
	v2.Signature = v.Signature
	out2 := e0.OnVote(ctx, v2)
	require.Equal(t, model.OutcomeDuplicate, out2.Kind)
}

func TestOnVoteEquivocationAbortsTransaction(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	txID := []byte("equiv")
	ctx := context.Background()
	e0 := c.engines[0]

	v1 := signedVote(t, c.ids[2], txID, 1, time.Now())
	out1 := e0.OnVote(ctx, v1)
	require.Equal(t, model.OutcomeAccepted, out1.Kind)

	v2 := signedVote(t, c.ids[2], txID, 2, time.Now())
	out2 := e0.OnVote(ctx, v2)
	require.ErrorIs(t, out2.Err, ErrEquivocation)

	state, _, err := e0.readTxState(ctx, txID)
	require.NoError(t, err)
	require.Equal(t, model.StateAbortedByzantine, state)

	banned, err := c.det.IsBanned(ctx, 2)
	require.NoError(t, err)
	require.True(t, banned)
}

func TestOnVoteInvalidSignatureRejectedAndBanned(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	txID := []byte("forged")
	ctx := context.Background()
	e0 := c.engines[0]

	v := &model.Vote{TxID: txID, NodeID: 3, Value: 5, Timestamp: time.Now(), Signature: make([]byte, 65)}
	out := e0.OnVote(ctx, v)
	require.ErrorIs(t, out.Err, detector.ErrInvalidSignature)

	banned, err := c.det.IsBanned(ctx, 3)
	require.NoError(t, err)
	require.True(t, banned)
}

func TestOnVoteBannedNodeRejected(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	ctx := context.Background()
	_, err := c.det.ApplySanction(ctx, 4, time.Now())
	require.NoError(t, err)

	v := signedVote(t, c.ids[4], []byte("tx"), 1, time.Now())
	out := c.engines[0].OnVote(ctx, v)
	require.ErrorIs(t, out.Err, ErrBanned)
}

func TestSubmitLocalVoteBroadcasts(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	ctx := context.Background()
	_, out, err := c.engines[0].SubmitLocalVote(ctx, []byte("local"), 9)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAccepted, out.Kind)

	c.bcast.mu.Lock()
	defer c.bcast.mu.Unlock()
	require.Len(t, c.bcast.payloads, 1)
}

func TestStatusReportsTallyAndVoted(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	ctx := context.Background()
	txID := []byte("status-tx")

	v := signedVote(t, c.ids[0], txID, 11, time.Now())
	_ = c.engines[0].OnVote(ctx, v)

	report, err := c.engines[0].Status(ctx, txID)
	require.NoError(t, err)
	require.True(t, report.Voted)
	require.Equal(t, uint64(11), report.VotedFor)
	require.Equal(t, uint64(1), report.Tallies[11])
}

func TestSubmissionLeaseRecoveryAfterCrash(t *testing.T) {
	c := newTestCluster(t, 5, 4)
	ctx := context.Background()
	txID := []byte("gamma")

	// Simulate the discoverer crashing right after acquiring the lease:
	// acquire it directly and never release, then let a short TTL expire.
	holder := "crashed-node"
	ok, _, err := c.cs.AcquireLease(ctx, coordstore.SubmissionLockKey(txID), holder, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	_, _, err = c.cs.CASPut(ctx, coordstore.TxStateKey(txID), nil, []byte(model.StateThresholdReached))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	e1 := c.engines[1]
	e1.attemptSubmission(ctx, txID, 11)

	require.Eventually(t, func() bool {
		state, _, err := e1.readTxState(ctx, txID)
		require.NoError(t, err)
		return state == model.StateConfirmed
	}, 2*time.Second, 10*time.Millisecond)
}
