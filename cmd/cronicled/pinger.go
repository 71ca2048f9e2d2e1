package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	domaincluster "github.com/cronicle-edge/corectl/domain/cluster"
	"github.com/cronicle-edge/corectl/dispatcher"
	"github.com/cronicle-edge/corectl/storage"
)

const managerKey = "global/manager"

// httpManagerPinger implements cluster.ManagerPinger: a worker's periodic
// authenticated contact with the elected manager, in the same
// do-one-POST-and-check-status idiom as dispatcher.HTTPLauncher. The
// coordinator only passes a hostname, so the IP to dial is read back out of
// the same global/manager record the coordinator itself maintains.
type httpManagerPinger struct {
	storage   *storage.Storage
	client    *http.Client
	secretKey string
	port      int
}

func newHTTPManagerPinger(st *storage.Storage, secretKey string, port int) *httpManagerPinger {
	return &httpManagerPinger{storage: st, client: &http.Client{Timeout: 10 * time.Second}, secretKey: secretKey, port: port}
}

func (p *httpManagerPinger) PingManager(ctx context.Context, hostname string) error {
	raw, err := p.storage.GetRaw(ctx, managerKey)
	if err != nil {
		return fmt.Errorf("no manager record: %w", err)
	}
	var m domaincluster.Manager
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	if m.Hostname != hostname {
		return fmt.Errorf("manager record hostname %q does not match %q", m.Hostname, hostname)
	}

	url := fmt.Sprintf("http://%s:%d/api/worker/ping", m.IP, p.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	key, salt, digest := dispatcher.WorkerSignature(p.secretKey)
	req.Header.Set("X-Cronicle-Key", key)
	req.Header.Set("X-Cronicle-Salt", salt)
	req.Header.Set("X-Cronicle-Auth", digest)
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("manager %s returned HTTP %d", hostname, resp.StatusCode)
	}
	return nil
}
