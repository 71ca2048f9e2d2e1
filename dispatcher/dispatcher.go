// Package dispatcher implements spec.md §4.6: per-event queueing with
// backpressure, target selection, job launch/tracking, timeouts, retries,
// chain-reaction triggers, and dead-job detection.
package dispatcher

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	domaincluster "github.com/cronicle-edge/corectl/domain/cluster"
	"github.com/cronicle-edge/corectl/domain/event"
	"github.com/cronicle-edge/corectl/domain/job"
	"github.com/cronicle-edge/corectl/infrastructure/errors"
	"github.com/cronicle-edge/corectl/pkg/clock"
	"github.com/cronicle-edge/corectl/pkg/logger"
	"github.com/cronicle-edge/corectl/storage"
)

const (
	completedKey   = "logs/completed"
	jobsByEventFmt = "logs/jobs/%s"
	categoriesKey  = "global/categories"
)

// ClusterView is the subset of cluster.Coordinator the dispatcher needs to
// resolve targets and account for load; cluster.Coordinator satisfies it
// structurally.
type ClusterView interface {
	WorkerByHostname(hostname string) (domaincluster.Worker, bool)
	LiveWorkersInGroup(groupID string) []domaincluster.Worker
	Workers() []domaincluster.Worker
	IncrementActiveJobs(hostname string, delta int)
}

// Notifier publishes job lifecycle events to subscribers and webhook/email
// transports; spec.md §1 treats SMTP/webhook transport as an external
// collaborator, so Notifier is an interface the transport layer implements.
type Notifier interface {
	Broadcast(topic string, data interface{})
}

// Config bounds concurrency and timing, per spec.md §6 config keys.
type Config struct {
	MaxJobs          int
	QueueMax         int
	DeadJobTimeout   time.Duration
	ChildKillTimeout time.Duration
	ListRowMax       int
}

type pendingRequest struct {
	ev *event.Event
	at time.Time
}

// Dispatcher owns the per-event queues, the live active-job map, and the
// timeout/retry/chain-reaction machinery.
type Dispatcher struct {
	storage  *storage.Storage
	cluster  ClusterView
	launcher Launcher
	notifier Notifier
	clock    clock.Clock
	log      *logger.Logger
	cfg      Config

	// eventsByID resolves chain-reaction targets; injected rather than
	// re-read from storage on every completion.
	eventsByID func(ctx context.Context, id string) (*event.Event, error)

	mu             sync.Mutex
	queues         map[string][]pendingRequest // eventID -> queued requests
	activeCount    map[string]int              // eventID -> active job count
	categoryCount  map[string]int              // categoryID -> active job count
	active         map[string]*job.Job         // jobID -> job
	activeEvent    map[string]string           // jobID -> eventID
	activeCategory map[string]string           // jobID -> categoryID
	activeHost     map[string]string           // jobID -> hostname
	timers         map[string]*time.Timer      // jobID -> timeout timer
}

// New constructs a Dispatcher. clk defaults to the real wall clock if nil.
func New(st *storage.Storage, cv ClusterView, launcher Launcher, notifier Notifier, eventsByID func(ctx context.Context, id string) (*event.Event, error), cfg Config, clk clock.Clock, log *logger.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.DeadJobTimeout <= 0 {
		cfg.DeadJobTimeout = 120 * time.Second
	}
	if cfg.ListRowMax <= 0 {
		cfg.ListRowMax = 1000
	}
	return &Dispatcher{
		storage:     st,
		cluster:     cv,
		launcher:    launcher,
		notifier:    notifier,
		clock:       clk,
		log:         log,
		cfg:         cfg,
		eventsByID:  eventsByID,
		queues:         make(map[string][]pendingRequest),
		activeCount:    make(map[string]int),
		categoryCount:  make(map[string]int),
		active:         make(map[string]*job.Job),
		activeEvent:    make(map[string]string),
		activeCategory: make(map[string]string),
		activeHost:     make(map[string]string),
		timers:         make(map[string]*time.Timer),
	}
}

// Dispatch implements spec.md §4.6: enforce concurrency, enqueue on
// overflow (dropping if the event's queue is already full), resolve
// targets, and launch.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Event, at time.Time) error {
	if !ev.Enabled {
		return nil
	}

	d.mu.Lock()
	totalActive := len(d.active)
	eventActive := d.activeCount[ev.ID]
	d.mu.Unlock()

	if d.cfg.MaxJobs > 0 && totalActive >= d.cfg.MaxJobs {
		return errors.QueueOverflow(ev.ID)
	}

	maxChildren := ev.MaxChildren
	if maxChildren <= 0 {
		maxChildren = 1
	}
	if eventActive >= maxChildren {
		return d.enqueue(ev, at)
	}

	if catOverflow, err := d.categoryAtCapacity(ctx, ev); err != nil {
		return err
	} else if catOverflow {
		return d.enqueue(ev, at)
	}

	return d.launchNow(ctx, ev, at)
}

func (d *Dispatcher) enqueue(ev *event.Event, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	max := ev.QueueMax
	if max <= 0 {
		max = d.cfg.QueueMax
	}
	if max > 0 && len(d.queues[ev.ID]) >= max {
		if d.log != nil {
			d.log.WithField("event", ev.ID).Warn("dispatcher: queue overflow, dropping run request")
		}
		return errors.QueueOverflow(ev.ID)
	}
	d.queues[ev.ID] = append(d.queues[ev.ID], pendingRequest{ev: ev, at: at})
	return nil
}

func (d *Dispatcher) categoryAtCapacity(ctx context.Context, ev *event.Event) (bool, error) {
	if ev.Category == "" {
		return false, nil
	}
	cat, err := d.loadCategory(ctx, ev.Category)
	if err != nil || cat == nil || cat.MaxChildren <= 0 {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.categoryCount[ev.Category] >= cat.MaxChildren, nil
}

func (d *Dispatcher) loadCategory(ctx context.Context, id string) (*event.Category, error) {
	list := storage.NewList(d.storage, d.storage.Locks(), categoriesKey, 50)
	raws, err := list.Get(ctx, 0, -1)
	if err != nil {
		return nil, err
	}
	for _, raw := range raws {
		var c event.Category
		if json.Unmarshal(raw, &c) == nil && c.ID == id {
			return &c, nil
		}
	}
	return nil, nil
}

// resolveTargets implements spec.md §4.6 step 1.
func (d *Dispatcher) resolveTargets(ev *event.Event) ([]domaincluster.Worker, error) {
	switch {
	case ev.Target == "all":
		return d.cluster.Workers(), nil
	case strings.HasPrefix(ev.Target, "group:"):
		groupID := strings.TrimPrefix(ev.Target, "group:")
		workers := d.cluster.LiveWorkersInGroup(groupID)
		if ev.Multiplex {
			return workers, nil
		}
		one, err := d.pickOne(ev, workers)
		if err != nil {
			return nil, err
		}
		return []domaincluster.Worker{one}, nil
	default:
		w, ok := d.cluster.WorkerByHostname(ev.Target)
		if !ok {
			return nil, fmt.Errorf("target worker %q is not live", ev.Target)
		}
		return []domaincluster.Worker{w}, nil
	}
}

// pickOne narrows a group's live workers to one by the event's dispatch
// policy (spec.md §4.6 step 1).
func (d *Dispatcher) pickOne(ev *event.Event, workers []domaincluster.Worker) (domaincluster.Worker, error) {
	if len(workers) == 0 {
		return domaincluster.Worker{}, fmt.Errorf("no live workers for event %s target %s", ev.ID, ev.Target)
	}
	switch ev.Policy {
	case event.PolicyRoundRobin:
		sort.Slice(workers, func(i, j int) bool { return workers[i].Hostname < workers[j].Hostname })
		idx := ev.RoundRobinCursor % len(workers)
		ev.RoundRobinCursor = (ev.RoundRobinCursor + 1) % len(workers)
		return workers[idx], nil
	case event.PolicyLeastLoaded:
		sort.Slice(workers, func(i, j int) bool {
			if workers[i].ActiveJobs != workers[j].ActiveJobs {
				return workers[i].ActiveJobs < workers[j].ActiveJobs
			}
			return workers[i].Hostname < workers[j].Hostname
		})
		return workers[0], nil
	default: // PolicyRandom
		return workers[rand.IntN(len(workers))], nil
	}
}

// launchNow resolves targets, allocates job ids, and sends launch commands,
// per spec.md §4.6 steps 1-4.
func (d *Dispatcher) launchNow(ctx context.Context, ev *event.Event, at time.Time) error {
	targets, err := d.resolveTargets(ev)
	if err != nil {
		return d.recordLaunchFailure(ctx, ev, err)
	}

	var firstErr error
	for _, target := range targets {
		id := newJobID()
		j := &job.Job{
			ID:         id,
			EventID:    ev.ID,
			Hostname:   target.Hostname,
			StartEpoch: d.clock.Now().Unix(),
			Status:     job.StatusActive,
			Params:     ev.Params,
			LogPath:    fmt.Sprintf("jobs/%s/log.txt.gz", id),
			Retry:      retryAttempt(ctx),
		}

		d.mu.Lock()
		d.active[id] = j
		d.activeEvent[id] = ev.ID
		d.activeHost[id] = target.Hostname
		d.activeCount[ev.ID]++
		if ev.Category != "" {
			d.activeCategory[id] = ev.Category
			d.categoryCount[ev.Category]++
		}
		d.mu.Unlock()
		d.cluster.IncrementActiveJobs(target.Hostname, 1)

		req := LaunchRequest{
			JobID:      id,
			Plugin:     event.Plugin{ID: ev.PluginID},
			Params:     ev.Params,
			TimeoutSec: ev.TimeoutSec,
			CPUMax:     ev.CPUMax,
			MemoryMax:  ev.MemoryMax,
			LogPath:    j.LogPath,
		}
		if err := d.launcher.Launch(ctx, target, req); err != nil {
			d.releaseSlot(id)
			firstErr = d.recordLaunchFailure(ctx, ev, err)
			continue
		}

		d.scheduleTimeout(ev, id, target)
		d.broadcastActive()
	}
	return firstErr
}

func (d *Dispatcher) recordLaunchFailure(ctx context.Context, ev *event.Event, cause error) error {
	if d.log != nil {
		d.log.WithField("event", ev.ID).WithField("error", cause).Warn("dispatcher: job launch failure")
	}
	d.notify("job_launch_failure", map[string]string{"event_id": ev.ID, "reason": cause.Error()})
	return errors.LaunchFailure(ev.ID, cause)
}

// scheduleTimeout arms the per-job timeout of spec.md §4.6 step 6.
func (d *Dispatcher) scheduleTimeout(ev *event.Event, jobID string, target domaincluster.Worker) {
	if ev.TimeoutSec <= 0 {
		return
	}
	timer := time.AfterFunc(time.Duration(ev.TimeoutSec)*time.Second, func() {
		_ = d.launcher.Abort(context.Background(), target, jobID)
		time.AfterFunc(d.cfg.ChildKillTimeout, func() {
			d.Complete(context.Background(), jobID, job.CodeWorkerLost, job.DescriptionWorkerLost)
		})
	})
	d.mu.Lock()
	d.timers[jobID] = timer
	d.mu.Unlock()
}

// Complete implements spec.md §4.6 step 7: record history, release the
// slot, trigger the next queued run, schedule a retry on non-zero exit,
// and fire chain reactions / notifications on terminal status.
func (d *Dispatcher) Complete(ctx context.Context, jobID string, code int, description string) {
	d.mu.Lock()
	j, ok := d.active[jobID]
	if !ok {
		d.mu.Unlock()
		return
	}
	eventID := d.activeEvent[jobID]
	if timer, ok := d.timers[jobID]; ok {
		timer.Stop()
		delete(d.timers, jobID)
	}
	d.mu.Unlock()

	j.EndEpoch = d.clock.Now().Unix()
	j.Elapsed = j.EndEpoch - j.StartEpoch
	j.Code = code
	j.Description = description
	if code == 0 {
		j.Status = job.StatusSuccess
	} else {
		j.Status = job.StatusFailed
	}

	d.persistCompletion(ctx, j)
	d.releaseSlot(jobID)
	d.broadcastActive()
	d.drainQueue(ctx, eventID)

	ev, err := d.eventsByID(ctx, eventID)
	if err != nil || ev == nil {
		return
	}

	if !j.IsSuccess() && ev.Retries > 0 && j.Retry < ev.Retries {
		d.scheduleRetry(ctx, ev, j.Retry+1)
		return
	}

	if j.IsSuccess() {
		d.notify("job_success", j)
		if ev.ChainSuccess != "" {
			d.triggerChain(ctx, ev.ChainSuccess, j)
		}
		if ev.NotifySuccess != "" {
			d.notify("notify_success", map[string]interface{}{"to": ev.NotifySuccess, "job": j})
		}
	} else {
		d.notify("job_failure", j)
		if ev.ChainError != "" {
			d.triggerChain(ctx, ev.ChainError, j)
		}
		if ev.NotifyFail != "" {
			d.notify("notify_fail", map[string]interface{}{"to": ev.NotifyFail, "job": j})
		}
	}
}

type retryAttemptKey struct{}

// retryAttempt extracts the retry counter a scheduleRetry call stashed on
// ctx, defaulting to 0 for a fresh (non-retry) dispatch.
func retryAttempt(ctx context.Context) int {
	if n, ok := ctx.Value(retryAttemptKey{}).(int); ok {
		return n
	}
	return 0
}

func (d *Dispatcher) scheduleRetry(ctx context.Context, ev *event.Event, attempt int) {
	time.AfterFunc(time.Duration(ev.RetryDelay)*time.Second, func() {
		retryCtx := context.WithValue(context.Background(), retryAttemptKey{}, attempt)
		_ = d.Dispatch(retryCtx, ev.Clone(), d.clock.Now())
	})
}

func (d *Dispatcher) triggerChain(ctx context.Context, chainEventID string, src *job.Job) {
	chained, err := d.eventsByID(ctx, chainEventID)
	if err != nil || chained == nil {
		return
	}
	clone := chained.Clone()
	if clone.Params == nil {
		clone.Params = make(map[string]interface{})
	}
	clone.Params["_source_job"] = src.ID
	_ = d.Dispatch(ctx, clone, d.clock.Now())
}

func (d *Dispatcher) persistCompletion(ctx context.Context, j *job.Job) {
	data, _ := json.Marshal(j)
	completed := storage.NewList(d.storage, d.storage.Locks(), completedKey, 50)
	if err := completed.Push(ctx, json.RawMessage(data)); err != nil && d.log != nil {
		d.log.WithField("error", err).Error("dispatcher: failed to append completed log")
	}
	d.trimList(ctx, completed)

	perEvent := storage.NewList(d.storage, d.storage.Locks(), fmt.Sprintf(jobsByEventFmt, j.EventID), 50)
	if err := perEvent.Push(ctx, json.RawMessage(data)); err != nil && d.log != nil {
		d.log.WithField("error", err).Error("dispatcher: failed to append per-event log")
	}
	d.trimList(ctx, perEvent)
}

// trimList enforces list_row_max (spec.md §4.6 step 7 "bounded by list_row_max").
func (d *Dispatcher) trimList(ctx context.Context, list *storage.List) {
	length, err := list.Length(ctx)
	if err != nil || length <= d.cfg.ListRowMax {
		return
	}
	overflow := length - d.cfg.ListRowMax
	_, _ = list.Splice(ctx, 0, overflow)
}

func (d *Dispatcher) releaseSlot(jobID string) {
	d.mu.Lock()
	eventID := d.activeEvent[jobID]
	hostname := d.activeHost[jobID]
	category := d.activeCategory[jobID]
	delete(d.active, jobID)
	delete(d.activeEvent, jobID)
	delete(d.activeHost, jobID)
	delete(d.activeCategory, jobID)
	if eventID != "" && d.activeCount[eventID] > 0 {
		d.activeCount[eventID]--
	}
	if category != "" && d.categoryCount[category] > 0 {
		d.categoryCount[category]--
	}
	d.mu.Unlock()
	if hostname != "" {
		d.cluster.IncrementActiveJobs(hostname, -1)
	}
}

// drainQueue launches the next queued request for eventID if a slot is
// free, per spec.md §4.6 step 7 "release slot, trigger next queued run".
func (d *Dispatcher) drainQueue(ctx context.Context, eventID string) {
	d.mu.Lock()
	queue := d.queues[eventID]
	if len(queue) == 0 {
		d.mu.Unlock()
		return
	}
	next := queue[0]
	d.queues[eventID] = queue[1:]
	d.mu.Unlock()
	_ = d.Dispatch(ctx, next.ev, next.at)
}

// ReportProgress folds a worker-reported progress update into the active
// job record (spec.md §4.6 step 5).
func (d *Dispatcher) ReportProgress(jobID string, progress float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if j, ok := d.active[jobID]; ok {
		j.Progress = progress
	}
}

// ReportSample folds a CPU/mem sample into the active job record.
func (d *Dispatcher) ReportSample(jobID string, s job.Sample) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if j, ok := d.active[jobID]; ok {
		j.Samples = append(j.Samples, s)
	}
}

// ActiveJobs returns a snapshot of the in-flight job map.
func (d *Dispatcher) ActiveJobs() []*job.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*job.Job, 0, len(d.active))
	for _, j := range d.active {
		out = append(out, j.Clone())
	}
	return out
}

// Abort sends an abort signal for an active job to its owning worker
// (spec.md §5 Cancellation: "manager sends abort; worker signals child
// process"). The job stays active until the worker reports completion or
// SweepDeadJobs marks it worker-lost.
func (d *Dispatcher) Abort(ctx context.Context, jobID string) error {
	d.mu.Lock()
	hostname, ok := d.activeHost[jobID]
	d.mu.Unlock()
	if !ok {
		return errors.NoSuchKey(jobID)
	}
	target, ok := d.cluster.WorkerByHostname(hostname)
	if !ok {
		return errors.WorkerLost(jobID)
	}
	return d.launcher.Abort(ctx, target, jobID)
}

// JobByID returns a snapshot of one active job, if still in flight.
func (d *Dispatcher) JobByID(jobID string) (*job.Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.active[jobID]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// SweepDeadJobs implements spec.md §4.6 step 8: any active job whose
// owning worker has not heartbeated for dead_job_timeout is marked failed.
func (d *Dispatcher) SweepDeadJobs(ctx context.Context) {
	cutoff := d.clock.Now().Unix() - int64(d.cfg.DeadJobTimeout.Seconds())
	d.mu.Lock()
	var dead []string
	for id, hostname := range d.activeHost {
		w, ok := d.cluster.WorkerByHostname(hostname)
		if !ok || w.LastSeenEpoch < cutoff {
			dead = append(dead, id)
		}
	}
	d.mu.Unlock()
	for _, id := range dead {
		d.Complete(ctx, id, job.CodeWorkerLost, job.DescriptionWorkerLost)
	}
}

func (d *Dispatcher) broadcastActive() {
	if d.notifier != nil {
		d.notifier.Broadcast("active_jobs", d.ActiveJobs())
	}
}

func (d *Dispatcher) notify(topic string, data interface{}) {
	if d.notifier != nil {
		d.notifier.Broadcast(topic, data)
	}
}

func newJobID() string {
	buf := make([]byte, 8)
	_, _ = cryptorand.Read(buf)
	return hex.EncodeToString(buf)
}
