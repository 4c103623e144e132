package contribution

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/capability"
	"github.com/fyrsmithlabs/knowd/internal/container"
	"github.com/fyrsmithlabs/knowd/internal/runtime"
	"github.com/fyrsmithlabs/knowd/internal/store"
	"github.com/fyrsmithlabs/knowd/internal/transport"
)

const waitFor = 10 * time.Second

// fakeTransport counts broadcasts and plays back canned votes.
type fakeTransport struct {
	mu         sync.Mutex
	broadcasts int
	announced  []*container.Container
	votes      []transport.Vote
}

func (f *fakeTransport) Broadcast(_ context.Context, _ transport.CandidateMsg) (<-chan transport.Vote, error) {
	f.mu.Lock()
	f.broadcasts++
	votes := f.votes
	f.mu.Unlock()

	ch := make(chan transport.Vote, len(votes))
	for _, v := range votes {
		ch <- v
	}
	close(ch)
	return ch, nil
}

func (f *fakeTransport) Announce(_ context.Context, c *container.Container) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, c)
	return nil
}

func (f *fakeTransport) ServeVerification(context.Context, transport.VerifyFunc) error { return nil }
func (f *fakeTransport) SubscribeAnnouncements(context.Context, transport.MergeFunc) error {
	return nil
}
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcasts
}

type fixture struct {
	store    *store.Store
	registry *capability.Registry
	runtime  *runtime.Runtime
	pipeline *Pipeline
	parent   string
}

func newFixture(t *testing.T, tr transport.Transport, cfg Config) *fixture {
	t.Helper()

	idx, err := store.NewChromemIndex(store.ChromemConfig{Path: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	s, err := store.Open(store.Config{Path: t.TempDir()}, idx, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	put := func(id, parent string, kind container.Kind) string {
		raw, err := json.Marshal(container.TaxonomyPayload{Name: id})
		require.NoError(t, err)
		got, err := s.Put(context.Background(), &container.Container{
			ID: id, Kind: kind, ParentID: parent, Payload: raw, Scope: container.ScopeLocal,
		})
		require.NoError(t, err)
		return got
	}
	put("mod", "", container.KindTaxonomyModality)
	put("cat", "mod", container.KindTaxonomyCategory)
	parent := put("sub", "cat", container.KindTaxonomySubcategory)

	reg := capability.NewRegistry(zap.NewNop())
	rt := runtime.New(s, reg, runtime.Config{}, zap.NewNop())

	if cfg.Path == "" {
		cfg.Path = t.TempDir()
	}
	p, err := NewPipeline(cfg, s, rt, reg, tr, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.Start(context.Background()))

	return &fixture{store: s, registry: reg, runtime: rt, pipeline: p, parent: parent}
}

func (f *fixture) register(t *testing.T, id string, schema capability.Schema, fn capability.InvokerFunc) {
	t.Helper()
	require.NoError(t, f.registry.Register(id, schema, fn))
}

func (f *fixture) putMethodology(t *testing.T, m container.MethodologyPayload) string {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	id, err := f.store.Put(context.Background(), &container.Container{
		Kind:     container.KindMethodology,
		ParentID: f.parent,
		Payload:  raw,
		Scope:    container.ScopeLocal,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) await(t *testing.T, id string, status Status) *Candidate {
	t.Helper()
	var got *Candidate
	require.Eventually(t, func() bool {
		c, err := f.pipeline.Get(id)
		if err != nil {
			return false
		}
		got = c
		return c.Status == status
	}, waitFor, 10*time.Millisecond, "candidate never reached %s", status)
	return got
}

func constantMethodology(t *testing.T, f *fixture) string {
	t.Helper()
	f.register(t, "analyze", capability.Schema{Category: "test"}, func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"finding": "stable"}, nil
	})
	return f.putMethodology(t, container.MethodologyPayload{
		Name: "analysis",
		Root: &container.Node{
			Type:         container.NodeInvoke,
			CapabilityID: "analyze",
			OutputKey:    "finding",
		},
	})
}

func TestTally(t *testing.T) {
	now := time.Now()
	deadline := now.Add(time.Minute)
	votes := map[string]bool{"a": true, "b": false, "c": true}

	tests := []struct {
		name     string
		votes    map[string]bool
		quorum   int
		now      time.Time
		deadline time.Time
		want     Status
	}{
		{"quorum reached", votes, 2, now, deadline, StatusAccepted},
		{"quorum not yet reached", votes, 3, now, deadline, StatusPending},
		{"window expired without quorum", votes, 3, deadline.Add(time.Second), deadline, StatusRejected},
		{"rejections never count toward quorum", map[string]bool{"a": false, "b": false}, 1, now, deadline, StatusPending},
		{"no votes, open window", nil, 1, now, deadline, StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tally(tt.votes, tt.quorum, tt.now, tt.deadline))
		})
	}

	t.Run("replay is deterministic", func(t *testing.T) {
		first := Tally(votes, 2, now, deadline)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, Tally(votes, 2, now, deadline))
		}
	})
}

func TestAnonymizer(t *testing.T) {
	reg := capability.NewRegistry(zap.NewNop())
	require.NoError(t, reg.Register("report", capability.Schema{
		Category: "test",
		Parameters: []capability.Field{
			{Name: "author", Type: "string", Identifying: true},
			{Name: "source", Type: "string"},
		},
	}, capability.InvokerFunc(func(_ context.Context, p map[string]any) (map[string]any, error) {
		return p, nil
	})))

	a := NewAnonymizer(reg, []string{"report"})
	assert.Equal(t, []string{"author"}, a.IdentifyingKeys())

	payload := json.RawMessage(`{
		"name": "report_flow",
		"root": {
			"type": "invoke",
			"capability_id": "report",
			"output_key": "out",
			"parameters": {
				"author": "alice",
				"source": "/home/alice/projects/notes/draft.md",
				"count": 3
			}
		}
	}`)

	out, err := a.Apply(payload)
	require.NoError(t, err)

	var tree map[string]any
	require.NoError(t, json.Unmarshal(out, &tree))
	params := tree["root"].(map[string]any)["parameters"].(map[string]any)

	_, hasAuthor := params["author"]
	assert.False(t, hasAuthor, "identifying field must be stripped")
	assert.Equal(t, pathPlaceholder, params["source"], "path literal must be generalized")
	assert.Equal(t, float64(3), params["count"])

	// Deterministic: applying twice yields identical bytes.
	again, err := a.Apply(payload)
	require.NoError(t, err)
	assert.Equal(t, string(out), string(again))
}

func TestGeneralize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/home/alice/work/notes.txt", pathPlaceholder},
		{"/Users/bob/Documents/plan.md", pathPlaceholder},
		{"/home/carol/notes.md", pathPlaceholder},
		{"see /home/dave/a/b and /srv/data/x", "see " + pathPlaceholder + " and " + pathPlaceholder},
		{"check /etc/hosts/extra then continue", "check " + pathPlaceholder + " then continue"},
		{"no paths here", "no paths here"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, generalize(tt.in), "input %q", tt.in)
	}
}

func TestPipeline_LocalFailureShortCircuits(t *testing.T) {
	tr := &fakeTransport{}
	f := newFixture(t, tr, Config{Quorum: 1})

	f.register(t, "analyze", capability.Schema{Category: "test"}, func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"finding": "x"}, nil
	})
	f.register(t, "always_fail", capability.Schema{Category: "test"}, func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"pass": false, "reason": "not good enough"}, nil
	})

	id := f.putMethodology(t, container.MethodologyPayload{
		Name: "never_valid",
		Root: &container.Node{
			Type: container.NodeSequence,
			Nodes: []*container.Node{
				{Type: container.NodeInvoke, CapabilityID: "analyze", OutputKey: "finding"},
				{Type: container.NodeCheckpoint, ValidatorID: "always_fail", OnFail: container.OnFailAbort},
			},
		},
	})

	cand, err := f.pipeline.Submit(context.Background(), id, nil)
	require.NoError(t, err)

	rejected := f.await(t, cand.ID, StatusRejected)
	require.NotEmpty(t, rejected.Diagnostics)
	assert.Contains(t, rejected.Diagnostics[0], "local verification")

	// Stage-one failure means zero network round-trips.
	assert.Equal(t, 0, tr.broadcastCount())
}

func TestPipeline_NonDeterministicOutputRejected(t *testing.T) {
	tr := &fakeTransport{}
	f := newFixture(t, tr, Config{Quorum: 1})

	n := 0
	f.register(t, "flappy", capability.Schema{Category: "test"}, func(_ context.Context, _ map[string]any) (map[string]any, error) {
		n++
		return map[string]any{"finding": n}, nil
	})
	id := f.putMethodology(t, container.MethodologyPayload{
		Name: "unstable",
		Root: &container.Node{Type: container.NodeInvoke, CapabilityID: "flappy", OutputKey: "finding"},
	})

	cand, err := f.pipeline.Submit(context.Background(), id, nil)
	require.NoError(t, err)

	rejected := f.await(t, cand.ID, StatusRejected)
	assert.Contains(t, rejected.Diagnostics[0], "non-deterministic")
	assert.Equal(t, 0, tr.broadcastCount())
}

func TestPipeline_QuorumAccepts(t *testing.T) {
	tr := &fakeTransport{votes: []transport.Vote{
		{PeerID: "peer-a", Accept: true},
		{PeerID: "peer-b", Accept: true},
	}}
	f := newFixture(t, tr, Config{Quorum: 2})
	id := constantMethodology(t, f)

	cand, err := f.pipeline.Submit(context.Background(), id, nil)
	require.NoError(t, err)

	accepted := f.await(t, cand.ID, StatusAccepted)
	assert.Len(t, accepted.Votes, 2)
	require.NotEmpty(t, accepted.AnonymizedPayload)

	// The anonymized payload landed in the Global partition.
	globalID := container.ContentID(accepted.AnonymizedPayload)
	global, err := f.store.Get(context.Background(), globalID)
	require.NoError(t, err)
	assert.Equal(t, container.ScopeGlobal, global.Scope)

	// Adoption bookkeeping on the local contributor.
	src, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, src.Provenance.AdoptionCount)

	// Accepted artifacts are announced.
	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.announced, 1)
	assert.Equal(t, globalID, tr.announced[0].ID)
}

func TestPipeline_WindowExpiresWithoutQuorum(t *testing.T) {
	tr := &fakeTransport{votes: []transport.Vote{
		{PeerID: "peer-a", Accept: true},
		{PeerID: "peer-b", Accept: false, Diagnostic: "fixture 0: checkpoint"},
	}}
	f := newFixture(t, tr, Config{Quorum: 2, ValidityWindow: 50 * time.Millisecond})
	id := constantMethodology(t, f)

	cand, err := f.pipeline.Submit(context.Background(), id, nil)
	require.NoError(t, err)

	rejected := f.await(t, cand.ID, StatusRejected)
	assert.Len(t, rejected.Votes, 2)
	assert.Contains(t, rejected.Diagnostics, "peer peer-b: fixture 0: checkpoint")
	assert.Contains(t, rejected.Diagnostics, "validity window expired without quorum")
	assert.Equal(t, 1, tr.broadcastCount())
}

func TestPipeline_SubmitEligibility(t *testing.T) {
	tr := &fakeTransport{}
	f := newFixture(t, tr, Config{})

	// Taxonomy nodes are not contributable artifacts.
	_, err := f.pipeline.Submit(context.Background(), f.parent, nil)
	require.ErrorIs(t, err, ErrNotEligible)

	_, err = f.pipeline.Submit(context.Background(), "missing", nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPipeline_PeerQuorumOverNATS(t *testing.T) {
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second))
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	newPeer := func(peerID string) (*fixture, *transport.NATSTransport) {
		tr, err := transport.Connect(transport.Config{URL: srv.ClientURL(), PeerID: peerID}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = tr.Close() })
		f := newFixture(t, tr, Config{Quorum: 1, ValidityWindow: 5 * time.Second})
		f.register(t, "analyze", capability.Schema{Category: "test"}, func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{"finding": "stable"}, nil
		})
		return f, tr
	}

	origin, _ := newPeer("origin")
	peer, _ := newPeer("peer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, peer.pipeline.ServePeers(ctx))
	time.Sleep(100 * time.Millisecond)

	id := origin.putMethodology(t, container.MethodologyPayload{
		Name: "analysis",
		Root: &container.Node{Type: container.NodeInvoke, CapabilityID: "analyze", OutputKey: "finding"},
	})
	cand, err := origin.pipeline.Submit(context.Background(), id, nil)
	require.NoError(t, err)

	accepted := origin.await(t, cand.ID, StatusAccepted)
	assert.True(t, accepted.Votes["peer"])

	// The peer applied the announced artifact to its own Global
	// partition.
	globalID := container.ContentID(accepted.AnonymizedPayload)
	require.Eventually(t, func() bool {
		c, err := peer.store.Get(context.Background(), globalID)
		return err == nil && c.Scope == container.ScopeGlobal
	}, waitFor, 20*time.Millisecond)
}
