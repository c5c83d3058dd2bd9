package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bftquorum/identity"
)

func newTestNode(t *testing.T, nodeID int, addr string) (*identity.Identity, RosterEntry) {
	t.Helper()
	priv, err := identity.GeneratePrivateKey()
	require.NoError(t, err)
	id := identity.New(nodeID, priv)
	return id, RosterEntry{NodeID: nodeID, PublicKey: id.PublicKey(), Address: addr}
}

func TestHandshakeAndBroadcastOverLoopback(t *testing.T) {
	idA, entryA := newTestNode(t, 0, "127.0.0.1:18801")
	idB, entryB := newTestNode(t, 1, "127.0.0.1:18802")
	entryA.Address = "127.0.0.1:18801"
	entryB.Address = "127.0.0.1:18802"

	roster := NewRoster([]RosterEntry{entryA, entryB})

	serverA := NewServer(idA, "cluster-1", roster, Config{ListenAddr: entryA.Address}, nil, nil)
	serverB := NewServer(idB, "cluster-1", roster, Config{ListenAddr: entryB.Address}, nil, nil)
	defer serverA.Close()
	defer serverB.Close()

	received := make(chan string, 1)
	serverB.OnBroadcast("/votes", func(from int, payload []byte) {
		received <- string(payload)
	})

	ctx := context.Background()
	require.NoError(t, serverA.Start(ctx))
	require.NoError(t, serverB.Start(ctx))

	require.Eventually(t, func() bool {
		return serverA.hasPeer(1) && serverB.hasPeer(0)
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, serverA.Broadcast(ctx, "/votes", []byte("hello")))

	select {
	case msg := <-received:
		require.Equal(t, "hello", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("expected broadcast delivery")
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	idA, entryA := newTestNode(t, 0, "127.0.0.1:18811")
	idB, entryB := newTestNode(t, 1, "127.0.0.1:18812")
	roster := NewRoster([]RosterEntry{entryA, entryB})

	serverA := NewServer(idA, "cluster-2", roster, Config{ListenAddr: entryA.Address}, nil, nil)
	serverB := NewServer(idB, "cluster-2", roster, Config{ListenAddr: entryB.Address}, nil, nil)
	defer serverA.Close()
	defer serverB.Close()

	serverB.OnRequest(ReqGetReputation, func(from int, payload []byte) ([]byte, error) {
		return json.Marshal(0.75)
	})

	ctx := context.Background()
	require.NoError(t, serverA.Start(ctx))
	require.NoError(t, serverB.Start(ctx))

	require.Eventually(t, func() bool {
		return serverA.hasPeer(1)
	}, 5*time.Second, 50*time.Millisecond)

	raw, err := serverA.Request(ctx, 1, ReqGetReputation, nil)
	require.NoError(t, err)
	var score float64
	require.NoError(t, json.Unmarshal(raw, &score))
	require.Equal(t, 0.75, score)
}

func TestRequestWithoutPeerReturnsTransportUnavailable(t *testing.T) {
	idA, entryA := newTestNode(t, 0, "127.0.0.1:18821")
	roster := NewRoster([]RosterEntry{entryA})
	serverA := NewServer(idA, "cluster-3", roster, Config{ListenAddr: entryA.Address}, nil, nil)
	defer serverA.Close()
	require.NoError(t, serverA.Start(context.Background()))

	_, err := serverA.Request(context.Background(), 99, ReqPing, nil)
	require.ErrorIs(t, err, ErrTransportUnavailable)
}
