package coordstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "cs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })
	return map[string]Store{
		"mem":  NewMemStore(),
		"bolt": bolt,
	}
}

func TestCASPutSemantics(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, cur, err := s.CASPut(ctx, "/k", nil, []byte("v1"))
			require.NoError(t, err)
			require.True(t, ok)
			require.Nil(t, cur)

			ok, cur, err = s.CASPut(ctx, "/k", nil, []byte("v2"))
			require.NoError(t, err)
			require.False(t, ok)
			require.Equal(t, []byte("v1"), cur)

			ok, _, err = s.CASPut(ctx, "/k", []byte("v1"), []byte("v2"))
			require.NoError(t, err)
			require.True(t, ok)

			v, found, err := s.Get(ctx, "/k")
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, []byte("v2"), v)
		})
	}
}

func TestIncrementIsAtomicPerKey(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 1; i <= 5; i++ {
				v, err := s.Increment(ctx, "/counter")
				require.NoError(t, err)
				require.EqualValues(t, i, v)
			}
		})
	}
}

func TestAcquireLeaseMutualExclusion(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, holder, err := s.AcquireLease(ctx, "/locks/submission/tx1", "node-0", 50*time.Millisecond)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "node-0", holder)

			ok, holder, err = s.AcquireLease(ctx, "/locks/submission/tx1", "node-1", 50*time.Millisecond)
			require.NoError(t, err)
			require.False(t, ok)
			require.Equal(t, "node-0", holder)

			time.Sleep(75 * time.Millisecond)
			ok, holder, err = s.AcquireLease(ctx, "/locks/submission/tx1", "node-1", time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "node-1", holder)
		})
	}
}

func TestReleaseLeaseOnlyByHolder(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := s.AcquireLease(ctx, "/l", "node-0", time.Second)
			require.NoError(t, err)
			require.NoError(t, s.ReleaseLease(ctx, "/l", "node-1"))

			ok, holder, err := s.AcquireLease(ctx, "/l", "node-1", time.Second)
			require.NoError(t, err)
			require.False(t, ok)
			require.Equal(t, "node-0", holder)

			require.NoError(t, s.ReleaseLease(ctx, "/l", "node-0"))
			ok, _, err = s.AcquireLease(ctx, "/l", "node-1", time.Second)
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestPutWithLeaseExpires(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := s.PutWithLease(ctx, "/banned/3", []byte{1}, 30*time.Millisecond)
			require.NoError(t, err)
			require.True(t, ok)

			_, found, err := s.Get(ctx, "/banned/3")
			require.NoError(t, err)
			require.True(t, found)

			time.Sleep(60 * time.Millisecond)
			_, found, err = s.Get(ctx, "/banned/3")
			require.NoError(t, err)
			require.False(t, found)
		})
	}
}

func TestListPrefixOrdering(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, k := range []string{"/votes/tx/2", "/votes/tx/0", "/votes/tx/1"} {
				_, _, err := s.CASPut(ctx, k, nil, []byte("v"))
				require.NoError(t, err)
			}
			kvs, err := s.ListPrefix(ctx, "/votes/tx/")
			require.NoError(t, err)
			require.Len(t, kvs, 3)
			require.Equal(t, "/votes/tx/0", kvs[0].Key)
			require.Equal(t, "/votes/tx/1", kvs[1].Key)
			require.Equal(t, "/votes/tx/2", kvs[2].Key)
		})
	}
}

func TestWatchDeliversPuts(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancelCtx := context.WithCancel(context.Background())
			defer cancelCtx()
			events, cancel, err := s.Watch(ctx, "/tx_state/")
			require.NoError(t, err)
			defer cancel()

			_, _, err = s.CASPut(ctx, "/tx_state/tx1", nil, []byte("Collecting"))
			require.NoError(t, err)

			select {
			case ev := <-events:
				require.Equal(t, EventPut, ev.Type)
				require.Equal(t, "/tx_state/tx1", ev.Key)
			case <-time.After(2 * time.Second):
				t.Fatal("expected a watch event")
			}
		})
	}
}

func TestKeyLayoutHelpers(t *testing.T) {
	txID := []byte("alpha")
	require.Equal(t, "/votes/616c706861/3", VoteKey(txID, 3))
	nodeID, err := NodeIDFromVoteKey(VoteKey(txID, 3))
	require.NoError(t, err)
	require.Equal(t, 3, nodeID)
	require.Equal(t, "/tx_state/616c706861", TxStateKey(txID))
	require.Equal(t, "/banned/3", BannedKey(3))
}
