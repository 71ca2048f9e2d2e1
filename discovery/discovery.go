// Package discovery implements the UDP LAN heartbeat of spec.md §4.3: a
// broadcaster that announces this node while it isn't part of an
// established cluster, and a listener that maintains a map of nearby peers.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cronicle-edge/corectl/pkg/clock"
	"github.com/cronicle-edge/corectl/pkg/logger"
)

// Ping is the wire format of spec.md §6: `{"action":"heartbeat", ...}`.
type Ping struct {
	Action   string `json:"action"`
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
}

// Peer is one entry of the nearby-server map.
type Peer struct {
	IP       string
	LastSeen int64
}

// Config configures the broadcaster/listener pair.
type Config struct {
	Hostname        string
	IP              string
	BroadcastAddr   string // host:port; used as given, an empty value is not replaced by DefaultBroadcastAddr
	PingFreq        time.Duration
	PingTimeout     time.Duration
}

// Service owns the UDP socket, the nearby-peer map, and the
// currently-clustered flag that gates whether it broadcasts.
type Service struct {
	cfg   Config
	clock clock.Clock
	log   *logger.Logger

	mu         sync.Mutex
	peers      map[string]Peer
	inCluster  bool
	onChange   func(map[string]Peer)

	conn *net.UDPConn

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New binds a discovery Service; call Start to open the socket and begin
// the broadcast/listen/expire loops.
func New(cfg Config, clk clock.Clock, log *logger.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.PingFreq <= 0 {
		cfg.PingFreq = 10 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 30 * time.Second
	}
	return &Service{
		cfg:    cfg,
		clock:  clk,
		log:    log,
		peers:  make(map[string]Peer),
		stopCh: make(chan struct{}),
	}
}

// OnChange registers a callback invoked (with the lock released) whenever
// the peer map changes, for the manager to publish to WebSocket subscribers
// (spec.md §4.3 "publishes the map to WebSocket subscribers on each change").
func (s *Service) OnChange(fn func(map[string]Peer)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// SetInCluster toggles whether this node currently belongs to an
// established cluster; broadcasting only happens while it does not.
func (s *Service) SetInCluster(v bool) {
	s.mu.Lock()
	s.inCluster = v
	s.mu.Unlock()
}

// Start opens the UDP socket and runs the broadcast/listen/expire loops
// until ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", s.cfg.BroadcastAddr)
	if err != nil {
		return fmt.Errorf("resolve broadcast addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: addr.Port})
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	s.conn = conn

	go s.listenLoop(ctx)
	go s.broadcastLoop(ctx, addr)
	go s.expireLoop(ctx)
	return nil
}

// Stop closes the socket and halts all loops.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Service) broadcastLoop(ctx context.Context, addr *net.UDPAddr) {
	ticker := time.NewTicker(s.cfg.PingFreq)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			clustered := s.inCluster
			s.mu.Unlock()
			if clustered {
				continue
			}
			s.sendHeartbeat(addr)
		}
	}
}

func (s *Service) sendHeartbeat(addr *net.UDPAddr) {
	ping := Ping{Action: "heartbeat", Hostname: s.cfg.Hostname, IP: s.cfg.IP}
	data, _ := json.Marshal(ping)
	data = append(data, '\n')
	if _, err := s.conn.WriteToUDP(data, addr); err != nil && s.log != nil {
		s.log.WithField("error", err).Warn("discovery: broadcast failed")
	}
}

func (s *Service) listenLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			continue
		}
		var ping Ping
		if err := json.Unmarshal(buf[:n], &ping); err != nil || ping.Action != "heartbeat" {
			continue
		}
		if ping.Hostname == s.cfg.Hostname {
			continue
		}
		s.recordPeer(ping.Hostname, ping.IP)
	}
}

func (s *Service) recordPeer(hostname, ip string) {
	s.mu.Lock()
	s.peers[hostname] = Peer{IP: ip, LastSeen: s.clock.Now().Unix()}
	snapshot := s.snapshotLocked()
	onChange := s.onChange
	s.mu.Unlock()
	if onChange != nil {
		onChange(snapshot)
	}
}

func (s *Service) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.expireOnce()
		}
	}
}

func (s *Service) expireOnce() {
	cutoff := s.clock.Now().Unix() - int64(s.cfg.PingTimeout.Seconds())
	s.mu.Lock()
	changed := false
	for h, p := range s.peers {
		if p.LastSeen < cutoff {
			delete(s.peers, h)
			changed = true
		}
	}
	snapshot := s.snapshotLocked()
	onChange := s.onChange
	s.mu.Unlock()
	if changed && onChange != nil {
		onChange(snapshot)
	}
}

func (s *Service) snapshotLocked() map[string]Peer {
	out := make(map[string]Peer, len(s.peers))
	for k, v := range s.peers {
		out[k] = v
	}
	return out
}

// Peers returns a snapshot of the current nearby-server map.
func (s *Service) Peers() map[string]Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// DefaultBroadcastAddr derives a LAN broadcast address from the first
// non-internal IPv4 interface's netmask, per spec.md §4.3.
func DefaultBroadcastAddr(port int) (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		broadcast := make(net.IP, len(ip4))
		for i := range ip4 {
			broadcast[i] = ip4[i] | ^ipNet.Mask[i]
		}
		return fmt.Sprintf("%s:%d", broadcast.String(), port), nil
	}
	return "", fmt.Errorf("no non-internal IPv4 interface found")
}
