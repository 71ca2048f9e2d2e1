package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cronicle-edge/corectl/api"
	"github.com/cronicle-edge/corectl/cluster"
	"github.com/cronicle-edge/corectl/discovery"
	"github.com/cronicle-edge/corectl/dispatcher"
	domaincluster "github.com/cronicle-edge/corectl/domain/cluster"
	"github.com/cronicle-edge/corectl/domain/event"
	"github.com/cronicle-edge/corectl/infrastructure/metrics"
	"github.com/cronicle-edge/corectl/pkg/config"
	"github.com/cronicle-edge/corectl/pkg/logger"
	"github.com/cronicle-edge/corectl/scheduler"
	"github.com/cronicle-edge/corectl/storage"
	"github.com/cronicle-edge/corectl/storage/engine"
	"github.com/cronicle-edge/corectl/storage/engine/localfs"
	pgengine "github.com/cronicle-edge/corectl/storage/engine/postgres"
	redisengine "github.com/cronicle-edge/corectl/storage/engine/redis"
	"github.com/cronicle-edge/corectl/transport"
	"github.com/cronicle-edge/corectl/worker"
)

const pendingTxnLockFile = ".cronicled.lock"

// runServer wires every package built against SPEC_FULL.md into one running
// node: storage, discovery, cluster election, the scheduler (only active
// while this node is manager, per spec.md §4.4/§4.5), the dispatcher, the
// worker job-runner surface, and the HTTP transport, then blocks until a
// termination signal requests graceful shutdown.
func runServer(cfg *config.Config, nocolor bool, recoverFlag bool) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logCfg := logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output, FilePrefix: cfg.Logging.FilePrefix}
	if nocolor {
		logCfg.Format = "text"
	}
	log := logger.New(logCfg)

	if err := checkUncleanShutdown(cfg, recoverFlag); err != nil {
		return err
	}

	eng, err := openEngine(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage engine %q: %w", cfg.Storage.Engine, err)
	}
	st := storage.New(eng, cfg.Storage.Concurrency, cfg.Storage.TransactionDir, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.Recover(ctx); err != nil {
		log.WithField("error", err).Warn("cronicled: transaction log recovery reported an error")
	}

	hostname := cfg.Cluster.Hostname
	if hostname == "" {
		hostname, err = os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
	}
	ip := localIPv4()

	hub := cluster.NewHub(log)

	pinger := newHTTPManagerPinger(st, cfg.Server.SecretKey, cfg.WebServer.HTTPPort)

	disc := discovery.New(discovery.Config{
		Hostname:    hostname,
		IP:          ip,
		PingFreq:    10 * time.Second,
		PingTimeout: 60 * time.Second,
	}, nil, log)
	disc.OnChange(func(peers map[string]discovery.Peer) {
		log.WithField("peers", len(peers)).Info("cronicled: nearby-peer map changed")
	})

	coordinator := cluster.New(st, cluster.Config{
		Self:           domaincluster.Server{Hostname: hostname, IP: ip},
		PingFreq:       time.Duration(cfg.Cluster.ManagerPingFreqSec) * time.Second,
		PingTimeout:    time.Duration(cfg.Cluster.ManagerPingTimeoutSec) * time.Second,
		DeadJobTimeout: time.Duration(cfg.Jobs.DeadJobTimeoutSec) * time.Second,
		Peers:          discoveryPeerSource{disc},
	}, hub, pinger, nil, log)

	eventsByID := func(ctx context.Context, id string) (*event.Event, error) {
		list := storage.NewList(st, st.Locks(), "global/schedule", cfg.Storage.ListPageSize)
		_, raw, err := list.Find(ctx, func(item json.RawMessage) bool {
			var ev event.Event
			return json.Unmarshal(item, &ev) == nil && ev.ID == id
		})
		if err != nil {
			return nil, err
		}
		var ev event.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return &ev, nil
	}

	launcher := dispatcher.NewHTTPLauncher(cfg.Server.SecretKey, cfg.WebServer.HTTPPort)

	disp := dispatcher.New(st, coordinator, launcher, coordinator, eventsByID, dispatcher.Config{
		MaxJobs:          cfg.Jobs.MaxJobs,
		DeadJobTimeout:   time.Duration(cfg.Jobs.DeadJobTimeoutSec) * time.Second,
		ChildKillTimeout: time.Duration(cfg.Jobs.ChildKillTimeoutSec) * time.Second,
		ListRowMax:       cfg.Jobs.ListRowMax,
	}, nil, log)

	sched := scheduler.New(st, disp, scheduler.Config{
		StartupGrace: time.Duration(cfg.Cluster.SchedulerStartupGrace) * time.Second,
	}, nil, log)

	jobRunner := worker.New(st, cfg.Server.SecretKey, cfg.WebServer.HTTPPort, log)

	handler := api.New(st, sched, disp, cfg.Server.SecretKey, nil, log)

	var nodeMetrics *metrics.Metrics
	if metrics.Enabled() {
		nodeMetrics = metrics.New("cronicled")
	}

	addr := fmt.Sprintf("%s:%d", cfg.WebServer.Host, cfg.WebServer.HTTPPort)
	srv := transport.New(transport.Config{
		Addr:                  addr,
		MaxConcurrentRequests: cfg.WebServer.MaxConcurrentRequests,
		MaxQueueLength:        cfg.WebServer.MaxQueueLength,
		MaxQueueActive:        cfg.WebServer.MaxQueueActive,
		PrelimTimeout:         time.Duration(cfg.WebServer.PrelimTimeoutSec) * time.Second,
		HTTPTimeout:           time.Duration(cfg.WebServer.HTTPTimeoutSec) * time.Second,
		ServiceName:           "cronicled",
		Metrics:               nodeMetrics,
	}, st, hub, log)

	handler.RegisterRoutes(srv.Router())
	jobRunner.RegisterRoutes(srv.Router())
	srv.Router().HandleFunc("/healthz", healthzHandler(coordinator)).Methods(http.MethodGet)

	if err := disc.Start(ctx); err != nil {
		log.WithField("error", err).Warn("cronicled: UDP discovery failed to start")
	}
	defer disc.Stop()

	go coordinator.Run(ctx)
	go sched.Run(ctx)
	go deadJobSweepLoop(ctx, disp, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx)
	}()

	if err := writePIDFile(cfg.Server.PidFile); err != nil {
		log.WithField("error", err).Warn("cronicled: could not write pid file")
	}
	defer os.Remove(cfg.Server.PidFile)

	log.WithField("addr", addr).WithField("hostname", hostname).Info("cronicled: server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("cronicled: shutdown signal received")
		cancel()
		if err := <-errCh; err != nil {
			log.WithField("error", err).Warn("cronicled: transport shutdown reported an error")
		}
	case err := <-errCh:
		cancel()
		if err != nil {
			return fmt.Errorf("transport: %w", err)
		}
	}

	return clearLockFile(cfg)
}

// openEngine selects the pluggable KV backend named by cfg.Engine, per
// spec.md §4.1 "pluggable: local FS, S3, Redis, Couchbase" (Postgres
// substitutes for the pack's SQL-store precedent where S3/Couchbase have
// no example in the corpus).
func openEngine(cfg config.StorageConfig) (engine.Engine, error) {
	switch cfg.Engine {
	case "", "localfs":
		return localfs.New(cfg.BaseDir)
	case "redis":
		return redisengine.New(cfg.RedisURL, cfg.KeyPrefix)
	case "postgres":
		return pgengine.New(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Engine)
	}
}

func deadJobSweepLoop(ctx context.Context, disp *dispatcher.Dispatcher, log *logger.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			disp.SweepDeadJobs(ctx)
		}
	}
}

// discoveryPeerSource adapts discovery.Service's peer map to
// cluster.PeerSource at the composition root, so the cluster package never
// needs to import discovery's wire types.
type discoveryPeerSource struct {
	disc *discovery.Service
}

func (d discoveryPeerSource) Peers() map[string]cluster.PeerInfo {
	peers := d.disc.Peers()
	out := make(map[string]cluster.PeerInfo, len(peers))
	for hostname, p := range peers {
		out[hostname] = cluster.PeerInfo{IP: p.IP, LastSeenEpoch: p.LastSeen}
	}
	return out
}

func healthzHandler(c *cluster.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"role":   c.Role(),
		})
	}
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
}

func checkUncleanShutdown(cfg *config.Config, recoverFlag bool) error {
	lockPath := fmt.Sprintf("%s/%s", cfg.Storage.BaseDir, pendingTxnLockFile)
	if _, err := os.Stat(lockPath); err == nil && !recoverFlag {
		return fmt.Errorf("found %s from an unclean prior shutdown; restart with --recover", lockPath)
	}
	if err := os.MkdirAll(cfg.Storage.BaseDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(lockPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
}

func clearLockFile(cfg *config.Config) error {
	lockPath := fmt.Sprintf("%s/%s", cfg.Storage.BaseDir, pendingTxnLockFile)
	err := os.Remove(lockPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
