package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	domaincluster "github.com/cronicle-edge/corectl/domain/cluster"
	"github.com/cronicle-edge/corectl/domain/event"
	"github.com/cronicle-edge/corectl/domain/job"
	"github.com/cronicle-edge/corectl/pkg/logger"
)

// WorkerSignature computes the three-header HMAC-SHA1 signature spec.md §6
// requires of every manager<->worker request ("authenticated by ...
// HMAC-SHA1(key+salt, secret_key)"): a fixed caller identifier, a
// per-request salt, and the resulting digest. Any caller on either side of
// the manager<->worker channel uses this to sign, and api.Handler's
// hmacAuth middleware to verify.
func WorkerSignature(secretKey string) (key, salt, digest string) {
	key = "cronicled"
	salt = strconv.FormatInt(time.Now().UnixNano(), 36)
	mac := hmac.New(sha1.New, []byte(secretKey))
	mac.Write([]byte(key + salt))
	digest = hex.EncodeToString(mac.Sum(nil))
	return key, salt, digest
}

// LaunchRequest is the {jobId, plugin, params, timeout, cpu/mem caps,
// logPath} envelope sent to a target worker, per spec.md §4.6 step 4.
type LaunchRequest struct {
	JobID      string                 `json:"job_id"`
	Plugin     event.Plugin           `json:"plugin"`
	Params     map[string]interface{} `json:"params"`
	TimeoutSec int                    `json:"timeout"`
	CPUMax     int                    `json:"cpu_max,omitempty"`
	MemoryMax  int                    `json:"memory_max,omitempty"`
	LogPath    string                 `json:"log_path"`
}

// Launcher starts a job on a target worker (local or remote). It does not
// report the job's terminal state itself: that reaches the Dispatcher
// through Dispatcher.Complete (LocalLauncher calls its onExit callback
// instead). Workers acknowledge launch within a configurable grace (spec.md §4.6 step 4);
// Launch itself only blocks for that acknowledgement, not for the job's
// full run.
type Launcher interface {
	Launch(ctx context.Context, target domaincluster.Worker, req LaunchRequest) error
	Abort(ctx context.Context, target domaincluster.Worker, jobID string) error
}

// HTTPLauncher sends launch/abort commands to remote workers via
// authenticated HTTP, per spec.md §4.6 "Send launch command to each target
// worker via authenticated HTTP".
type HTTPLauncher struct {
	Client    *http.Client
	SecretKey string
	Scheme    string // "http" or "https"; defaults to "http"
	Port      int    // target's HTTP port; NewHTTPLauncher defaults it to 3012
}

// NewHTTPLauncher returns an HTTPLauncher with a bounded-timeout client.
func NewHTTPLauncher(secretKey string, port int) *HTTPLauncher {
	if port <= 0 {
		port = 3012
	}
	return &HTTPLauncher{Client: &http.Client{Timeout: 10 * time.Second}, SecretKey: secretKey, Scheme: "http", Port: port}
}

func (l *HTTPLauncher) scheme() string {
	if l.Scheme == "" {
		return "http"
	}
	return l.Scheme
}

func (l *HTTPLauncher) do(ctx context.Context, target domaincluster.Worker, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s://%s:%d%s", l.scheme(), target.IP, l.Port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	key, salt, digest := WorkerSignature(l.SecretKey)
	req.Header.Set("X-Cronicle-Key", key)
	req.Header.Set("X-Cronicle-Salt", salt)
	req.Header.Set("X-Cronicle-Auth", digest)
	resp, err := l.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker %s returned HTTP %d", target.Hostname, resp.StatusCode)
	}
	return nil
}

// Launch POSTs the launch request to the target worker's job API.
func (l *HTTPLauncher) Launch(ctx context.Context, target domaincluster.Worker, req LaunchRequest) error {
	return l.do(ctx, target, "/api/job/launch", req)
}

// Abort POSTs an abort command for jobID to the target worker.
func (l *HTTPLauncher) Abort(ctx context.Context, target domaincluster.Worker, jobID string) error {
	return l.do(ctx, target, "/api/job/abort", map[string]string{"job_id": jobID})
}

// LocalLauncher runs a job's plugin command as a child process on this
// node. worker.Runner uses it to run the jobs that arrive on this node's
// /api/job/launch route, including on the manager's own node; the
// Dispatcher itself launches through HTTP. Sampling uses gopsutil
// against the real child PID; the plugin binary/script itself is an
// external collaborator (spec.md §1 Non-goals: "plugin subprocesses that
// actually execute jobs") — this launcher only starts and monitors it.
type LocalLauncher struct {
	log        *logger.Logger
	onSample   func(jobID string, s job.Sample)
	onExit     func(jobID string, code int, description string)
	sampleFreq time.Duration

	mu    sync.Mutex
	procs map[string]*os.Process
}

// NewLocalLauncher wires the callbacks that receive each job's samples and
// exit status; worker.Runner passes callbacks that forward them to the
// current manager.
func NewLocalLauncher(log *logger.Logger, onSample func(string, job.Sample), onExit func(string, int, string)) *LocalLauncher {
	return &LocalLauncher{log: log, onSample: onSample, onExit: onExit, sampleFreq: time.Second, procs: make(map[string]*os.Process)}
}

func (l *LocalLauncher) Launch(ctx context.Context, target domaincluster.Worker, req LaunchRequest) error {
	cmd := exec.Command(req.Plugin.Command)
	if req.Plugin.Script != "" {
		cmd.Args = append(cmd.Args, req.Plugin.Script)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	l.mu.Lock()
	l.procs[req.JobID] = cmd.Process
	l.mu.Unlock()

	paramsJSON, _ := json.Marshal(req.Params)
	go func() {
		defer stdin.Close()
		_, _ = stdin.Write(paramsJSON)
	}()

	go l.monitor(cmd, req.JobID)
	return nil
}

func (l *LocalLauncher) monitor(cmd *exec.Cmd, jobID string) {
	proc, err := process.NewProcess(int32(cmd.Process.Pid))
	if err == nil {
		ticker := time.NewTicker(l.sampleFreq)
		done := make(chan struct{})
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					cpuPct, _ := proc.CPUPercent()
					mem, merr := proc.MemoryInfo()
					var rss uint64
					if merr == nil && mem != nil {
						rss = mem.RSS
					}
					if l.onSample != nil {
						l.onSample(jobID, job.Sample{AtEpoch: time.Now().Unix(), CPUPct: cpuPct, MemRSS: rss})
					}
				}
			}
		}()
		defer close(done)
	}

	err = cmd.Wait()
	code := 0
	description := ""
	if err != nil {
		code = job.CodeWorkerLost
		description = err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
			description = "non-zero exit"
		}
	}
	if l.onExit != nil {
		l.onExit(jobID, code, description)
	}
	l.mu.Lock()
	delete(l.procs, jobID)
	l.mu.Unlock()
}

// Abort sends SIGTERM to the locally running process for jobID. It never
// escalates to SIGKILL: after ChildKillTimeout the Dispatcher's timeout
// goroutine marks the job worker-lost through Complete rather than calling
// Abort again.
func (l *LocalLauncher) Abort(ctx context.Context, target domaincluster.Worker, jobID string) error {
	l.mu.Lock()
	proc, ok := l.procs[jobID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no local process for job %s", jobID)
	}
	return proc.Signal(syscall.SIGTERM)
}
