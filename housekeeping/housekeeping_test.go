package housekeeping

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bftquorum/auditstore"
	"bftquorum/coordstore"
	"bftquorum/model"
)

func newTestRunner(t *testing.T) (*Runner, coordstore.Store, *auditstore.Store) {
	t.Helper()
	cs := coordstore.NewMemStore()
	audit, err := auditstore.Open(filepath.Join(t.TempDir(), "audit.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })
	r := New(cs, audit, Config{}, nil)
	return r, cs, audit
}

func putVote(t *testing.T, cs coordstore.Store, txID []byte, nodeID int, value uint64, at time.Time) {
	t.Helper()
	v := model.Vote{TxID: txID, NodeID: nodeID, Value: value, Timestamp: at}
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	ok, _, err := cs.CASPut(context.Background(), coordstore.VoteKey(txID, nodeID), nil, raw)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweepCoordinationStoreRemovesOldTerminalTransactions(t *testing.T) {
	r, cs, _ := newTestRunner(t)
	ctx := context.Background()
	txID := []byte("old-tx")

	old := time.Now().Add(-48 * time.Hour)
	putVote(t, cs, txID, 0, 42, old)
	ok, _, err := cs.CASPut(ctx, coordstore.TxStateKey(txID), nil, []byte(model.StateConfirmed))
	require.NoError(t, err)
	require.True(t, ok)

	r.now = func() time.Time { return time.Now() }
	require.NoError(t, r.SweepCoordinationStore(ctx))

	_, ok, err = cs.Get(ctx, coordstore.TxStateKey(txID))
	require.NoError(t, err)
	require.False(t, ok)

	votes, err := cs.ListPrefix(ctx, coordstore.VotePrefix(txID))
	require.NoError(t, err)
	require.Empty(t, votes)
}

func TestSweepCoordinationStoreKeepsRecentTerminalTransactions(t *testing.T) {
	r, cs, _ := newTestRunner(t)
	ctx := context.Background()
	txID := []byte("recent-tx")

	putVote(t, cs, txID, 0, 42, time.Now())
	ok, _, err := cs.CASPut(ctx, coordstore.TxStateKey(txID), nil, []byte(model.StateConfirmed))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.SweepCoordinationStore(ctx))

	_, ok, err = cs.Get(ctx, coordstore.TxStateKey(txID))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweepCoordinationStoreIgnoresNonTerminal(t *testing.T) {
	r, cs, _ := newTestRunner(t)
	ctx := context.Background()
	txID := []byte("collecting-tx")

	putVote(t, cs, txID, 0, 42, time.Now().Add(-72*time.Hour))
	ok, _, err := cs.CASPut(ctx, coordstore.TxStateKey(txID), nil, []byte(model.StateCollecting))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.SweepCoordinationStore(ctx))

	_, ok, err = cs.Get(ctx, coordstore.TxStateKey(txID))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAsArchivalMovesOldSubmissions(t *testing.T) {
	r, _, audit := newTestRunner(t)
	old := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, audit.RecordSubmissionAttempt([]byte("archival-tx"), 1, []int{0, 1}, model.StateConfirmed, old))
	require.NoError(t, audit.MarkConfirmed([]byte("archival-tx"), old.Add(time.Minute)))

	archived, err := audit.ArchiveOlderThan(r.now().Add(-r.cfg.AsHorizon))
	require.NoError(t, err)
	require.Equal(t, 1, archived)
}
