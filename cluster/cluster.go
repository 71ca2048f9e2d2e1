// Package cluster implements the manager election, heartbeating, worker
// registry, and broadcast coordinator of spec.md §4.4.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	domaincluster "github.com/cronicle-edge/corectl/domain/cluster"
	"github.com/cronicle-edge/corectl/domain/event"
	"github.com/cronicle-edge/corectl/pkg/clock"
	"github.com/cronicle-edge/corectl/pkg/logger"
	"github.com/cronicle-edge/corectl/storage"
)

const (
	serversKey      = "global/servers"
	serverGroupsKey = "global/server_groups"
	managerKey      = "global/manager"
)

// ManagerPinger is the authenticated manager↔worker HTTP contact of
// spec.md §4.4 "each worker contacts its known manager via authenticated
// HTTP"; transport wires the real implementation in once built.
type ManagerPinger interface {
	PingManager(ctx context.Context, hostname string) error
}

// PeerInfo is one entry of a PeerSource's nearby-peer map.
type PeerInfo struct {
	IP            string
	LastSeenEpoch int64
}

// PeerSource supplies the discovery layer's live nearby-peer map. The
// persisted server list (global/servers) remains authoritative for
// candidate *membership* (spec.md §9 Open Question 3); PeerSource only
// removes hosts that discovery has heard from but not within PingTimeout,
// so such a host is excluded from election even though it is still on the
// persisted list. A host absent from the peer map stays eligible, and a
// node never removes its own hostname.
type PeerSource interface {
	Peers() map[string]PeerInfo
}

// Config configures a Coordinator.
type Config struct {
	Self           domaincluster.Server
	PingFreq       time.Duration
	PingTimeout    time.Duration
	DeadJobTimeout time.Duration
	// Peers optionally supplies UDP discovery's nearby-peer map, used to
	// exclude election candidates discovery has marked stale. Nil skips
	// this layer of filtering entirely.
	Peers PeerSource
}

// Coordinator owns this node's Role, the live worker registry, and the
// manager-election/heartbeat loop.
type Coordinator struct {
	storage *storage.Storage
	clock   clock.Clock
	log     *logger.Logger
	hub     *Hub
	pinger  ManagerPinger
	peers   PeerSource
	cfg     Config

	mu            sync.Mutex
	role          domaincluster.Role
	manager       domaincluster.Manager
	lastManagerOK int64
	workers       map[string]*domaincluster.Worker
}

// New constructs a Coordinator in the initial worker role (spec.md §4.4
// "On startup → worker").
func New(st *storage.Storage, cfg Config, hub *Hub, pinger ManagerPinger, clk clock.Clock, log *logger.Logger) *Coordinator {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.PingFreq <= 0 {
		cfg.PingFreq = 20 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 60 * time.Second
	}
	if cfg.DeadJobTimeout <= 0 {
		cfg.DeadJobTimeout = 120 * time.Second
	}
	return &Coordinator{
		storage: st,
		clock:   clk,
		log:     log,
		hub:     hub,
		pinger:  pinger,
		peers:   cfg.Peers,
		cfg:     cfg,
		role:    domaincluster.RoleWorker,
		workers: make(map[string]*domaincluster.Worker),
	}
}

// Role returns this node's current role.
func (c *Coordinator) Role() domaincluster.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Coordinator) setRole(r domaincluster.Role) {
	c.mu.Lock()
	changed := c.role != r
	c.role = r
	c.mu.Unlock()
	if changed && c.log != nil {
		c.log.WithField("role", r).Info("cluster: role changed")
	}
}

// Run drives the heartbeat loop of spec.md §4.4 until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingFreq)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	switch c.Role() {
	case domaincluster.RoleManager:
		c.reassertManager(ctx)
		c.pruneDeadWorkers()
	default:
		c.contactManager(ctx)
	}
}

// contactManager implements "periodically each worker contacts its known
// manager; missing or failing for > manager_ping_timeout → candidate".
func (c *Coordinator) contactManager(ctx context.Context) {
	c.mu.Lock()
	manager := c.manager
	lastOK := c.lastManagerOK
	c.mu.Unlock()

	if manager.Hostname == "" {
		c.tryElection(ctx)
		return
	}
	if c.pinger == nil {
		return
	}
	if err := c.pinger.PingManager(ctx, manager.Hostname); err != nil {
		if c.clock.Now().Unix()-lastOK > int64(c.cfg.PingTimeout.Seconds()) {
			c.setRole(domaincluster.RoleManagerCandidate)
			c.tryElection(ctx)
		}
		return
	}
	c.mu.Lock()
	c.lastManagerOK = c.clock.Now().Unix()
	c.mu.Unlock()
}

// tryElection implements spec.md §4.4 "Candidacy": among live peers in a
// manager_eligible group, the lexicographically smallest hostname wins.
func (c *Coordinator) tryElection(ctx context.Context) error {
	servers, err := c.loadServers(ctx)
	if err != nil {
		return err
	}
	groups, err := c.loadServerGroups(ctx)
	if err != nil {
		return err
	}

	eligible := eligibleHostnames(servers, groups)
	eligible = c.filterLive(ctx, eligible)
	if len(eligible) == 0 {
		return nil
	}
	sort.Strings(eligible)
	winner := eligible[0]
	if winner != c.cfg.Self.Hostname {
		return nil
	}
	return c.claimManager(ctx)
}

// eligibleHostnames returns every server hostname that belongs to at least
// one manager_eligible group, matched by hostname regexp in declared order
// (first match wins, per spec.md §4.4 "worker registration"). Membership
// alone does not imply liveness; filterLive narrows this set further.
func eligibleHostnames(servers []domaincluster.Server, groups []event.ServerGroup) []string {
	var out []string
	for _, srv := range servers {
		group := matchGroup(srv.Hostname, groups)
		if group != nil && group.ManagerEligible {
			out = append(out, srv.Hostname)
		}
	}
	return out
}

// filterLive drops hostnames known to be dead from an eligible-candidate
// list, per spec.md invariant (v) and §4.4 Candidacy ("among live peers").
// Two independent signals can mark a hostname dead:
//
//   - the currently-persisted manager claim itself: once its epoch has aged
//     past PingTimeout with nobody renewing it, that hostname is the one
//     node we know for certain is unreachable (the same staleness test
//     claimManager uses to decide whether to yield).
//   - the UDP discovery layer, if wired via PeerSource: a hostname discovery
//     has positively seen go silent past PingTimeout is excluded even
//     though it remains on the persisted server list. A hostname discovery
//     has never heard from is left untouched — silence from an optional
//     signal is not evidence of death.
//
// Self is never filtered: a node always considers itself live.
func (c *Coordinator) filterLive(ctx context.Context, hostnames []string) []string {
	deadManager := c.staleManagerHostname(ctx)

	var peers map[string]PeerInfo
	if c.peers != nil {
		peers = c.peers.Peers()
	}
	cutoff := c.clock.Now().Unix() - int64(c.cfg.PingTimeout.Seconds())

	out := make([]string, 0, len(hostnames))
	for _, h := range hostnames {
		if h == c.cfg.Self.Hostname {
			out = append(out, h)
			continue
		}
		if h == deadManager {
			continue
		}
		if peers != nil {
			if p, seen := peers[h]; seen && p.LastSeenEpoch < cutoff {
				continue
			}
		}
		out = append(out, h)
	}
	return out
}

// staleManagerHostname returns the hostname holding the persisted
// global/manager claim if that claim's epoch has aged past PingTimeout, or
// "" if the key is absent, unparseable, or still fresh.
func (c *Coordinator) staleManagerHostname(ctx context.Context) string {
	raw, err := c.storage.GetRaw(ctx, managerKey)
	if err != nil {
		return ""
	}
	var m domaincluster.Manager
	if json.Unmarshal(raw, &m) != nil {
		return ""
	}
	if c.clock.Now().Unix()-m.Epoch >= int64(c.cfg.PingTimeout.Seconds()) {
		return m.Hostname
	}
	return ""
}

func matchGroup(hostname string, groups []event.ServerGroup) *event.ServerGroup {
	for i := range groups {
		re, err := regexp.Compile(groups[i].HostnameRegexp)
		if err != nil {
			continue
		}
		if re.MatchString(hostname) {
			return &groups[i]
		}
	}
	return nil
}

// claimManager implements spec.md §4.4 "claim exclusive advisory key
// global/manager": read-modify-write under one hoisted transaction; yields
// back to worker if a still-live manager already holds the key.
func (c *Coordinator) claimManager(ctx context.Context) error {
	now := c.clock.Now().Unix()
	var claimed bool
	var holder domaincluster.Manager
	err := c.storage.WithTransaction(ctx, managerKey, func(ctx context.Context, kv storage.RawKV) error {
		raw, err := kv.GetRaw(ctx, managerKey)
		if err != nil && !storage.IsNoSuchKey(err) {
			return err
		}
		if err == nil {
			var current domaincluster.Manager
			if jsonErr := json.Unmarshal(raw, &current); jsonErr == nil {
				stillLive := now-current.Epoch < int64(c.cfg.PingTimeout.Seconds())
				if stillLive && current.Hostname != c.cfg.Self.Hostname {
					holder = current
					return nil // a live manager holds the key; yield
				}
			}
		}
		next := domaincluster.Manager{Hostname: c.cfg.Self.Hostname, IP: c.cfg.Self.IP, Epoch: now}
		data, _ := json.Marshal(next)
		claimed = true
		return kv.PutRaw(ctx, managerKey, data)
	})
	if err != nil {
		return err
	}
	if !claimed && holder.Hostname != "" {
		c.mu.Lock()
		c.manager = holder
		c.mu.Unlock()
	}
	if claimed {
		c.mu.Lock()
		c.manager = domaincluster.Manager{Hostname: c.cfg.Self.Hostname, IP: c.cfg.Self.IP, Epoch: now}
		c.mu.Unlock()
		c.setRole(domaincluster.RoleManager)
		c.Broadcast("scheduler_status", map[string]string{"manager": c.cfg.Self.Hostname})
	}
	return nil
}

// reassertManager re-writes global/manager with a fresh epoch every
// heartbeat (spec.md §4.4 "re-assert every heartbeat"); if the key shows a
// different living manager it yields back to worker.
func (c *Coordinator) reassertManager(ctx context.Context) {
	if err := c.claimManager(ctx); err != nil && c.log != nil {
		c.log.WithField("error", err).Error("cluster: manager reassertion failed")
	}
	c.mu.Lock()
	self := c.manager.Hostname == c.cfg.Self.Hostname
	c.mu.Unlock()
	if !self {
		c.setRole(domaincluster.RoleWorker)
	}
}

func (c *Coordinator) loadServers(ctx context.Context) ([]domaincluster.Server, error) {
	list := storage.NewList(c.storage, c.storage.Locks(), serversKey, 50)
	raws, err := list.Get(ctx, 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]domaincluster.Server, 0, len(raws))
	for _, raw := range raws {
		var s domaincluster.Server
		if json.Unmarshal(raw, &s) == nil {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *Coordinator) loadServerGroups(ctx context.Context) ([]event.ServerGroup, error) {
	list := storage.NewList(c.storage, c.storage.Locks(), serverGroupsKey, 50)
	raws, err := list.Get(ctx, 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]event.ServerGroup, 0, len(raws))
	for _, raw := range raws {
		var g event.ServerGroup
		if json.Unmarshal(raw, &g) == nil {
			out = append(out, g)
		}
	}
	return out, nil
}

// RegisterWorker records/refreshes a connected worker, assigning it to the
// first server group whose hostname regexp matches, per spec.md §4.4
// "worker registration".
func (c *Coordinator) RegisterWorker(ctx context.Context, hostname, ip string, cpuTotal float64, memTotal uint64) error {
	groups, err := c.loadServerGroups(ctx)
	if err != nil {
		return err
	}
	group := matchGroup(hostname, groups)
	var groupIDs []string
	if group != nil {
		groupIDs = []string{group.ID}
	}

	c.mu.Lock()
	w, existed := c.workers[hostname]
	if !existed {
		w = &domaincluster.Worker{Hostname: hostname}
		c.workers[hostname] = w
	}
	w.IP = ip
	w.Groups = groupIDs
	w.LastSeenEpoch = c.clock.Now().Unix()
	w.CPUTotal = cpuTotal
	w.MemTotal = memTotal
	c.mu.Unlock()

	c.Broadcast("servers", c.Workers())
	return nil
}

// Workers returns a snapshot of the live worker registry.
func (c *Coordinator) Workers() []domaincluster.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domaincluster.Worker, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, *w)
	}
	return out
}

// LiveWorkersInGroup returns every worker currently assigned to groupID.
func (c *Coordinator) LiveWorkersInGroup(groupID string) []domaincluster.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domaincluster.Worker
	for _, w := range c.workers {
		for _, g := range w.Groups {
			if g == groupID {
				out = append(out, *w)
				break
			}
		}
	}
	return out
}

// WorkerByHostname returns one live worker by hostname.
func (c *Coordinator) WorkerByHostname(hostname string) (domaincluster.Worker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[hostname]
	if !ok {
		return domaincluster.Worker{}, false
	}
	return *w, true
}

// IncrementActiveJobs adjusts a worker's active-job count, used by the
// dispatcher's least_loaded policy and concurrency accounting.
func (c *Coordinator) IncrementActiveJobs(hostname string, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[hostname]; ok {
		w.ActiveJobs += delta
	}
}

// pruneDeadWorkers drops workers not heartbeated within DeadJobTimeout,
// per spec.md §4.4 "removes entries not seen for dead_job_timeout".
func (c *Coordinator) pruneDeadWorkers() {
	cutoff := c.clock.Now().Unix() - int64(c.cfg.DeadJobTimeout.Seconds())
	c.mu.Lock()
	var removed []string
	for h, w := range c.workers {
		if w.LastSeenEpoch < cutoff {
			delete(c.workers, h)
			removed = append(removed, h)
		}
	}
	c.mu.Unlock()
	if len(removed) > 0 {
		if c.log != nil {
			c.log.WithField("hosts", fmt.Sprint(removed)).Info("cluster: pruned dead workers")
		}
		c.Broadcast("servers", c.Workers())
	}
}

// Broadcast publishes an update to every WebSocket subscriber, if a Hub is
// wired.
func (c *Coordinator) Broadcast(topic string, data interface{}) {
	if c.hub != nil {
		c.hub.Broadcast(topic, data)
	}
}
