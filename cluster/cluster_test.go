package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domaincluster "github.com/cronicle-edge/corectl/domain/cluster"
	"github.com/cronicle-edge/corectl/domain/event"
	"github.com/cronicle-edge/corectl/pkg/clock"
	"github.com/cronicle-edge/corectl/storage"
	"github.com/cronicle-edge/corectl/storage/engine/localfs"
)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	eng, err := localfs.New(t.TempDir())
	require.NoError(t, err)
	return storage.New(eng, 4, t.TempDir(), nil)
}

func seedServers(t *testing.T, st *storage.Storage, hostnames ...string) {
	t.Helper()
	list := storage.NewList(st, st.Locks(), serversKey, 50)
	for _, h := range hostnames {
		require.NoError(t, list.Push(context.Background(), domaincluster.Server{Hostname: h, IP: "10.0.0.1"}))
	}
	groups := storage.NewList(st, st.Locks(), serverGroupsKey, 50)
	require.NoError(t, groups.Push(context.Background(), event.ServerGroup{
		ID: "all", HostnameRegexp: ".*", ManagerEligible: true,
	}))
}

func newCoordinator(t *testing.T, st *storage.Storage, hostname string, clk clock.Clock) *Coordinator {
	t.Helper()
	return New(st, Config{
		Self:           domaincluster.Server{Hostname: hostname, IP: "10.0.0.1"},
		PingFreq:       time.Second,
		PingTimeout:    10 * time.Second,
		DeadJobTimeout: 30 * time.Second,
	}, nil, nil, clk, nil)
}

func TestCoordinator_LexSmallestHostnameWins(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	seedServers(t, st, "b-host", "a-host", "c-host")
	clk := clock.NewFrozen(time.Unix(1_700_000_000, 0))

	a := newCoordinator(t, st, "a-host", clk)
	b := newCoordinator(t, st, "b-host", clk)
	c := newCoordinator(t, st, "c-host", clk)

	require.NoError(t, a.tryElection(ctx))
	require.NoError(t, b.tryElection(ctx))
	require.NoError(t, c.tryElection(ctx))

	assert.Equal(t, domaincluster.RoleManager, a.Role())
	assert.Equal(t, domaincluster.RoleWorker, b.Role())
	assert.Equal(t, domaincluster.RoleWorker, c.Role())

	raw, err := st.GetRaw(ctx, managerKey)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "a-host")
}

func TestCoordinator_FailoverToNextSmallestOnExpiry(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	seedServers(t, st, "a-host", "b-host", "c-host")
	clk := clock.NewFrozen(time.Unix(1_700_000_000, 0))

	a := newCoordinator(t, st, "a-host", clk)
	b := newCoordinator(t, st, "b-host", clk)
	c := newCoordinator(t, st, "c-host", clk)

	require.NoError(t, a.tryElection(ctx))
	assert.Equal(t, domaincluster.RoleManager, a.Role())

	// a-host "dies": its claim ages past PingTimeout with nobody renewing it.
	clk.Advance(11 * time.Second)

	require.NoError(t, b.tryElection(ctx))
	require.NoError(t, c.tryElection(ctx))

	assert.Equal(t, domaincluster.RoleManager, b.Role())
	assert.Equal(t, domaincluster.RoleWorker, c.Role())

	raw, err := st.GetRaw(ctx, managerKey)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "b-host")
}

func TestCoordinator_ReassertionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	seedServers(t, st, "a-host", "b-host")
	clk := clock.NewFrozen(time.Unix(1_700_000_000, 0))

	a := newCoordinator(t, st, "a-host", clk)
	require.NoError(t, a.tryElection(ctx))
	require.NoError(t, a.claimManager(ctx))
	require.NoError(t, a.claimManager(ctx))
	assert.Equal(t, domaincluster.RoleManager, a.Role())

	b := newCoordinator(t, st, "b-host", clk)
	require.NoError(t, b.tryElection(ctx))
	assert.Equal(t, domaincluster.RoleWorker, b.Role())
}

func TestCoordinator_RegisterWorkerAssignsFirstMatchingGroup(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	groups := storage.NewList(st, st.Locks(), serverGroupsKey, 50)
	require.NoError(t, groups.Push(ctx,
		event.ServerGroup{ID: "web", HostnameRegexp: "^web", ManagerEligible: false},
		event.ServerGroup{ID: "all", HostnameRegexp: ".*", ManagerEligible: true},
	))
	clk := clock.NewFrozen(time.Unix(1_700_000_000, 0))
	c := newCoordinator(t, st, "self", clk)

	require.NoError(t, c.RegisterWorker(ctx, "web-1", "10.0.0.5", 2.5, 1024))
	w, ok := c.WorkerByHostname("web-1")
	require.True(t, ok)
	assert.Equal(t, []string{"web"}, w.Groups)

	require.NoError(t, c.RegisterWorker(ctx, "db-1", "10.0.0.6", 1.0, 512))
	w2, ok := c.WorkerByHostname("db-1")
	require.True(t, ok)
	assert.Equal(t, []string{"all"}, w2.Groups)
}

func TestCoordinator_PruneDeadWorkers(t *testing.T) {
	st := newTestStorage(t)
	clk := clock.NewFrozen(time.Unix(1_700_000_000, 0))
	c := newCoordinator(t, st, "self", clk)

	require.NoError(t, c.RegisterWorker(context.Background(), "w1", "10.0.0.9", 0, 0))
	require.Len(t, c.Workers(), 1)

	clk.Advance(31 * time.Second)
	c.pruneDeadWorkers()
	assert.Empty(t, c.Workers())
}

type fakePeerSource struct {
	peers map[string]PeerInfo
}

func (f fakePeerSource) Peers() map[string]PeerInfo { return f.peers }

func TestCoordinator_DiscoverySilenceExcludesCandidate(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	seedServers(t, st, "a-host", "b-host", "c-host")
	clk := clock.NewFrozen(time.Unix(1_700_000_000, 0))

	// b-host has gone silent on discovery well past PingTimeout, even
	// though nothing has claimed global/manager yet.
	peers := fakePeerSource{peers: map[string]PeerInfo{
		"b-host": {IP: "10.0.0.2", LastSeenEpoch: clk.Now().Unix() - 100},
		"c-host": {IP: "10.0.0.3", LastSeenEpoch: clk.Now().Unix()},
	}}

	b := New(st, Config{
		Self:           domaincluster.Server{Hostname: "b-host", IP: "10.0.0.2"},
		PingFreq:       time.Second,
		PingTimeout:    10 * time.Second,
		DeadJobTimeout: 30 * time.Second,
		Peers:          peers,
	}, nil, nil, clk, nil)
	c := New(st, Config{
		Self:           domaincluster.Server{Hostname: "c-host", IP: "10.0.0.3"},
		PingFreq:       time.Second,
		PingTimeout:    10 * time.Second,
		DeadJobTimeout: 30 * time.Second,
		Peers:          peers,
	}, nil, nil, clk, nil)

	// b-host is lexicographically smaller than c-host and would normally
	// win, but discovery marks it stale so c-host's view of the eligible set
	// excludes it (b-host never filters out its own hostname); a-host is
	// absent from the peer map, which counts as "unknown" rather than dead,
	// so it remains eligible and sorts first in both views instead.
	require.NoError(t, b.tryElection(ctx))
	assert.Equal(t, domaincluster.RoleWorker, b.Role())

	require.NoError(t, c.tryElection(ctx))
	assert.Equal(t, domaincluster.RoleWorker, c.Role())

	_, err := st.GetRaw(ctx, managerKey)
	assert.True(t, storage.IsNoSuchKey(err), "no eligible node should have claimed manager yet")
}
