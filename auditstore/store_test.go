package auditstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bftquorum/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordVoteUniquePerTxNode(t *testing.T) {
	s := newTestStore(t)
	v := &model.Vote{TxID: []byte("alpha"), NodeID: 1, Value: 42, Timestamp: time.Now(), Signature: []byte("sig")}
	require.NoError(t, s.RecordVote(v, []byte("pub"), time.Now()))
	err := s.RecordVote(v, []byte("pub"), time.Now())
	require.ErrorIs(t, err, ErrDuplicateVote)
}

func TestRecordViolationAndReputation(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordViolation(model.Violation{
		NodeID: 2, Kind: model.ViolationDoubleVote, TxID: []byte("alpha"),
		Evidence: []byte("v1||v2"), DetectedAt: time.Now(), Sanction: "24h",
	}))

	require.NoError(t, s.UpsertReputation(2, 0.5, 10, 1, time.Now()))
	rep, ok, err := s.GetReputation(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), rep.Violations)

	_, ok, err = s.GetReputation(99)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSubmissionLifecycleAndArchival(t *testing.T) {
	s := newTestStore(t)
	txID := []byte("gamma")
	createdAt := time.Now().Add(-40 * 24 * time.Hour)

	require.NoError(t, s.RecordSubmissionAttempt(txID, 11, []int{0, 1, 2, 3}, model.StateSubmitting, createdAt))
	require.NoError(t, s.MarkConfirmed(txID, time.Now()))

	n, err := s.ArchiveOlderThan(time.Now().Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var remaining []Submission
	require.NoError(t, s.db.Find(&remaining).Error)
	require.Empty(t, remaining)

	var archived []SubmissionArchive
	require.NoError(t, s.db.Find(&archived).Error)
	require.Len(t, archived, 1)
	require.Equal(t, "gamma", archived[0].TxID)
}
