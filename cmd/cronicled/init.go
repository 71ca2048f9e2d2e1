package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cronicle-edge/corectl/domain/auth"
	domaincluster "github.com/cronicle-edge/corectl/domain/cluster"
	"github.com/cronicle-edge/corectl/pkg/config"
	"github.com/cronicle-edge/corectl/pkg/logger"
	"github.com/cronicle-edge/corectl/storage"
	"github.com/cronicle-edge/corectl/storage/engine/localfs"
)

// setupManifest is the shape of the --setup JSON file: spec.md §6 "sets up
// storage (seed users, admin account, primary server group) using a setup
// manifest where _HOSTNAME_ and _IP_ tokens are replaced with local values."
type setupManifest struct {
	AdminUsername string             `json:"admin_username"`
	AdminPassword string             `json:"admin_password"`
	PrimaryGroup  domaincluster.Server `json:"primary_server"`
	ServerGroups  []json.RawMessage  `json:"server_groups"`
}

// runInit seeds a fresh storage tree with the admin account and primary
// server group described by the setup manifest, substituting the local
// hostname/IP for the _HOSTNAME_/_IP_ tokens the manifest carries (the
// manifest is written once and reused across every node in a cluster).
func runInit(cfg *config.Config, setupPath string) error {
	if strings.TrimSpace(setupPath) == "" {
		return fmt.Errorf("init requires --setup <manifest.json>")
	}

	raw, err := os.ReadFile(setupPath)
	if err != nil {
		return fmt.Errorf("read setup manifest: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("resolve hostname: %w", err)
	}
	ip := localIPv4()

	substituted := strings.NewReplacer("_HOSTNAME_", hostname, "_IP_", ip).Replace(string(raw))

	var manifest setupManifest
	if err := json.Unmarshal([]byte(substituted), &manifest); err != nil {
		return fmt.Errorf("parse setup manifest: %w", err)
	}
	if manifest.AdminUsername == "" {
		return fmt.Errorf("setup manifest missing admin_username")
	}

	log := logger.New(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: "stdout", FilePrefix: cfg.Logging.FilePrefix})

	eng, err := localfs.New(cfg.Storage.BaseDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	st := storage.New(eng, cfg.Storage.Concurrency, cfg.Storage.TransactionDir, log)

	ctx := context.Background()

	salt := fmt.Sprintf("%d", time.Now().UnixNano())
	passHash, err := auth.HashPassword(manifest.AdminPassword, salt)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	admin := auth.User{
		Username:   manifest.AdminUsername,
		Salt:       salt,
		PassHash:   passHash,
		Privileges: map[string]bool{"admin": true},
		Active:     true,
	}
	users := storage.NewList(st, st.Locks(), "global/users", cfg.Storage.ListPageSize)
	if err := users.Push(ctx, admin); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}

	if manifest.PrimaryGroup.Hostname == "" {
		manifest.PrimaryGroup = domaincluster.Server{Hostname: hostname, IP: ip}
	}
	servers := storage.NewList(st, st.Locks(), "global/servers", cfg.Storage.ListPageSize)
	if err := servers.Push(ctx, manifest.PrimaryGroup); err != nil {
		return fmt.Errorf("seed primary server: %w", err)
	}

	if len(manifest.ServerGroups) > 0 {
		groups := storage.NewList(st, st.Locks(), "global/server_groups", cfg.Storage.ListPageSize)
		for _, g := range manifest.ServerGroups {
			if err := groups.Push(ctx, g); err != nil {
				return fmt.Errorf("seed server group: %w", err)
			}
		}
	}

	log.WithField("admin", admin.Username).WithField("hostname", hostname).Info("cronicled: storage initialized")
	return nil
}

func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
