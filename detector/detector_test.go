package detector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bftquorum/auditstore"
	"bftquorum/coordstore"
	"bftquorum/identity"
	"bftquorum/model"
)

type fakeResolver struct {
	keys map[int]*identity.PublicKey
}

func (f *fakeResolver) PublicKey(nodeID int) (*identity.PublicKey, bool) {
	k, ok := f.keys[nodeID]
	return k, ok
}

func newTestDetector(t *testing.T) (*Detector, *fakeResolver, coordstore.Store) {
	t.Helper()
	cs := coordstore.NewMemStore()
	audit, err := auditstore.Open(filepath.Join(t.TempDir(), "audit.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })
	resolver := &fakeResolver{keys: make(map[int]*identity.PublicKey)}
	return New(cs, audit, resolver), resolver, cs
}

func signVote(t *testing.T, nodeID int, txID string, value uint64) (*model.Vote, *identity.PublicKey) {
	priv, err := identity.GeneratePrivateKey()
	require.NoError(t, err)
	id := identity.New(nodeID, priv)
	v := &model.Vote{TxID: []byte(txID), NodeID: nodeID, Value: value, Timestamp: time.Now()}
	sig, err := id.Sign(v.SigningPayload())
	require.NoError(t, err)
	v.Signature = sig
	return v, id.PublicKey()
}

func TestVerifySignatureAcceptsValid(t *testing.T) {
	d, resolver, _ := newTestDetector(t)
	v, pub := signVote(t, 3, "tx1", 42)
	resolver.keys[3] = pub
	require.True(t, d.VerifySignature(v))
}

func TestVerifySignatureRejectsUnknownNode(t *testing.T) {
	d, _, _ := newTestDetector(t)
	v, _ := signVote(t, 3, "tx1", 42)
	require.False(t, d.VerifySignature(v))
}

func TestClassifyDoubleVote(t *testing.T) {
	prior := &model.Vote{TxID: []byte("tx"), NodeID: 2, Value: 42}
	incoming := &model.Vote{TxID: []byte("tx"), NodeID: 2, Value: 99}
	c := Classify(incoming, ClusterView{PriorVote: prior})
	require.Equal(t, model.ClassDoubleVote, c.Kind)
}

func TestClassifyOkOnDuplicateContent(t *testing.T) {
	prior := &model.Vote{TxID: []byte("tx"), NodeID: 2, Value: 42}
	incoming := &model.Vote{TxID: []byte("tx"), NodeID: 2, Value: 42}
	c := Classify(incoming, ClusterView{PriorVote: prior})
	require.Equal(t, model.ClassOk, c.Kind)
}

func TestClassifyMinorityAfterConsensus(t *testing.T) {
	v := &model.Vote{TxID: []byte("tx"), NodeID: 5, Value: 99}
	c := Classify(v, ClusterView{TxState: model.StateThresholdReached, WinningValue: 42})
	require.Equal(t, model.ClassMinorityAfterConsensus, c.Kind)
	require.Equal(t, uint64(42), c.WinningValue)
}

func TestClassifyTooLateToleratesMatchingValue(t *testing.T) {
	v := &model.Vote{TxID: []byte("tx"), NodeID: 5, Value: 42}
	c := Classify(v, ClusterView{TxState: model.StateThresholdReached, WinningValue: 42})
	require.Equal(t, model.ClassOk, c.Kind)
}

func TestApplySanctionEscalates(t *testing.T) {
	d, _, cs := newTestDetector(t)
	ctx := context.Background()
	now := time.Now()

	// Mirrors the real call order (engine.recordAndSanction): the
	// violation is always persisted before the sanction it drives.
	require.NoError(t, d.RecordViolation(ctx, model.Violation{NodeID: 7, Kind: model.ViolationDoubleVote, DetectedAt: now}))
	sanction, err := d.ApplySanction(ctx, 7, now)
	require.NoError(t, err)
	require.Equal(t, "24h", sanction)

	require.NoError(t, d.RecordViolation(ctx, model.Violation{NodeID: 7, Kind: model.ViolationDoubleVote, DetectedAt: now.Add(time.Minute)}))
	sanction, err = d.ApplySanction(ctx, 7, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "7d", sanction)

	banned, err := d.IsBanned(ctx, 7)
	require.NoError(t, err)
	require.True(t, banned)
	_ = cs
}
