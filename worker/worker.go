// Package worker implements the job-runner side of spec.md §4.6 step 4:
// every cluster node exposes this small HMAC-authenticated HTTP surface so
// whichever node currently holds the manager role can launch and abort
// jobs on it, independent of this node's own election role.
package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cronicle-edge/corectl/dispatcher"
	domaincluster "github.com/cronicle-edge/corectl/domain/cluster"
	"github.com/cronicle-edge/corectl/domain/job"
	"github.com/cronicle-edge/corectl/pkg/logger"
	"github.com/cronicle-edge/corectl/storage"
)

const managerKey = "global/manager"

// Runner accepts launch/abort commands over HTTP and runs them locally via
// dispatcher.LocalLauncher, reporting progress and completion back to
// whichever node shared storage currently records as the manager (the
// elected manager can change mid-job, so the lookup happens per-callback
// rather than once at launch time).
type Runner struct {
	storage   *storage.Storage
	secretKey string
	port      int
	client    *http.Client
	log       *logger.Logger
	local     *dispatcher.LocalLauncher
}

// New wires a Runner. managerPort is the WebServer.HTTPPort every cluster
// node listens on, used to build the callback URL against whichever IP
// currentManager resolves.
func New(st *storage.Storage, secretKey string, managerPort int, log *logger.Logger) *Runner {
	r := &Runner{storage: st, secretKey: secretKey, port: managerPort, client: &http.Client{Timeout: 10 * time.Second}, log: log}
	r.local = dispatcher.NewLocalLauncher(log, r.reportSample, r.reportComplete)
	return r
}

// RegisterRoutes mounts /api/job/launch and /api/job/abort under the same
// HMAC scheme dispatcher.HTTPLauncher signs with.
func (r *Runner) RegisterRoutes(router *mux.Router) {
	jobs := router.PathPrefix("/api/job/").Subrouter()
	jobs.Use(r.hmacAuth)
	jobs.HandleFunc("/launch", r.handleLaunch).Methods(http.MethodPost)
	jobs.HandleFunc("/abort", r.handleAbort).Methods(http.MethodPost)
}

func (r *Runner) handleLaunch(w http.ResponseWriter, req *http.Request) {
	var launchReq dispatcher.LaunchRequest
	if err := json.NewDecoder(req.Body).Decode(&launchReq); err != nil {
		http.Error(w, "malformed launch request", http.StatusBadRequest)
		return
	}
	if err := r.local.Launch(req.Context(), domaincluster.Worker{}, launchReq); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (r *Runner) handleAbort(w http.ResponseWriter, req *http.Request) {
	var body struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "malformed abort request", http.StatusBadRequest)
		return
	}
	if err := r.local.Abort(req.Context(), domaincluster.Worker{}, body.JobID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// hmacAuth verifies the same HMAC-SHA1(key+salt, secret_key) scheme
// api.Handler's worker-subtree middleware enforces, so the manager's
// dispatcher.HTTPLauncher signature is accepted here unmodified.
func (r *Runner) hmacAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key := req.Header.Get("X-Cronicle-Key")
		salt := req.Header.Get("X-Cronicle-Salt")
		digest := req.Header.Get("X-Cronicle-Auth")
		if key == "" || salt == "" || digest == "" {
			http.Error(w, "missing worker signature", http.StatusUnauthorized)
			return
		}
		mac := hmac.New(sha1.New, []byte(r.secretKey))
		mac.Write([]byte(key + salt))
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(expected), []byte(digest)) {
			http.Error(w, "invalid worker signature", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Runner) currentManager(ctx context.Context) (domaincluster.Manager, error) {
	raw, err := r.storage.GetRaw(ctx, managerKey)
	if err != nil {
		return domaincluster.Manager{}, err
	}
	var m domaincluster.Manager
	if err := json.Unmarshal(raw, &m); err != nil {
		return domaincluster.Manager{}, err
	}
	return m, nil
}

func (r *Runner) callback(path string, body interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	manager, err := r.currentManager(ctx)
	if err != nil {
		if r.log != nil {
			r.log.WithField("error", err).Warn("worker: no manager on record, dropping job callback")
		}
		return
	}

	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	url := fmt.Sprintf("http://%s:%d%s", manager.IP, r.port, path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	key, salt, digest := dispatcher.WorkerSignature(r.secretKey)
	httpReq.Header.Set("X-Cronicle-Key", key)
	httpReq.Header.Set("X-Cronicle-Salt", salt)
	httpReq.Header.Set("X-Cronicle-Auth", digest)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if r.log != nil {
			r.log.WithField("error", err).Warn("worker: job callback to manager failed")
		}
		return
	}
	resp.Body.Close()
}

func (r *Runner) reportSample(jobID string, s job.Sample) {
	r.callback("/api/worker/job_sample", map[string]interface{}{"job_id": jobID, "sample": s})
}

func (r *Runner) reportComplete(jobID string, code int, description string) {
	r.callback("/api/worker/job_complete", map[string]interface{}{"job_id": jobID, "code": code, "description": description})
}
