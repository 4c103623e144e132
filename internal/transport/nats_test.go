package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/container"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func connect(t *testing.T, url, peerID string) *NATSTransport {
	t.Helper()
	tr, err := Connect(Config{URL: url, PeerID: peerID}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestBroadcastCollectsVotes(t *testing.T) {
	srv := startTestNATSServer(t)
	origin := connect(t, srv.ClientURL(), "origin")
	peerA := connect(t, srv.ClientURL(), "peer-a")
	peerB := connect(t, srv.ClientURL(), "peer-b")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	verdicts := map[string]bool{"peer-a": true, "peer-b": false}
	for _, peer := range []*NATSTransport{peerA, peerB} {
		accept := verdicts[peer.PeerID()]
		require.NoError(t, peer.ServeVerification(ctx, func(_ context.Context, cand CandidateMsg) Vote {
			assert.Equal(t, "cand-1", cand.CandidateID)
			return Vote{Accept: accept, Diagnostic: "checked"}
		}))
	}

	// Subscription interest propagation.
	time.Sleep(50 * time.Millisecond)

	votes, err := origin.Broadcast(ctx, CandidateMsg{
		CandidateID: "cand-1",
		Kind:        container.KindBlueprint,
		Payload:     json.RawMessage(`{"name":"bp"}`),
		Deadline:    time.Now().Add(2 * time.Second),
	})
	require.NoError(t, err)

	got := make(map[string]bool)
	for v := range votes {
		got[v.PeerID] = v.Accept
		assert.Equal(t, "cand-1", v.CandidateID)
		if len(got) == 2 {
			cancel()
		}
	}
	assert.Equal(t, verdicts, got)
}

func TestBroadcastClosesAtDeadline(t *testing.T) {
	srv := startTestNATSServer(t)
	origin := connect(t, srv.ClientURL(), "origin")

	votes, err := origin.Broadcast(context.Background(), CandidateMsg{
		CandidateID: "cand-quiet",
		Deadline:    time.Now().Add(100 * time.Millisecond),
	})
	require.NoError(t, err)

	select {
	case _, open := <-votes:
		assert.False(t, open, "vote channel should close at the deadline")
	case <-time.After(5 * time.Second):
		t.Fatal("vote channel never closed")
	}
}

func TestOwnBroadcastIsIgnored(t *testing.T) {
	srv := startTestNATSServer(t)
	origin := connect(t, srv.ClientURL(), "origin")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// The broadcaster also subscribes to verification; it must not vote
	// on its own candidate.
	require.NoError(t, origin.ServeVerification(ctx, func(_ context.Context, _ CandidateMsg) Vote {
		t.Error("verified own candidate")
		return Vote{}
	}))

	votes, err := origin.Broadcast(ctx, CandidateMsg{
		CandidateID: "cand-self",
		Deadline:    time.Now().Add(300 * time.Millisecond),
	})
	require.NoError(t, err)
	for range votes {
		t.Fatal("received a vote for own candidate")
	}
}

func TestAnnounceReachesSubscribers(t *testing.T) {
	srv := startTestNATSServer(t)
	origin := connect(t, srv.ClientURL(), "origin")
	peer := connect(t, srv.ClientURL(), "peer")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan *container.Container, 1)
	require.NoError(t, peer.SubscribeAnnouncements(ctx, func(_ context.Context, c *container.Container) error {
		received <- c
		return nil
	}))

	// Subscription interest propagation.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, origin.Announce(ctx, &container.Container{
		ID:      "bp-1",
		Kind:    container.KindBlueprint,
		Scope:   container.ScopeGlobal,
		Payload: json.RawMessage(`{"name":"bp"}`),
	}))

	select {
	case c := <-received:
		assert.Equal(t, "bp-1", c.ID)
		assert.Equal(t, container.ScopeGlobal, c.Scope)
	case <-time.After(5 * time.Second):
		t.Fatal("announcement never arrived")
	}
}
