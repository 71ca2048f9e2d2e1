// Package scheduler implements the minute-tick cron matcher of spec.md
// §4.5: it runs exclusively on the manager, matches each enabled event's
// Timing against the prior wall-clock minute, catches up missed minutes
// when an event's cursor falls behind, and persists per-event cursors
// under a short transaction.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/cronicle-edge/corectl/domain/event"
	"github.com/cronicle-edge/corectl/pkg/clock"
	"github.com/cronicle-edge/corectl/pkg/logger"
	"github.com/cronicle-edge/corectl/storage"
)

const (
	scheduleKey = "global/schedule"
	cursorsKey  = "global/state.cursors"
)

// Dispatcher is the collaborator that actually enqueues a run request; the
// real implementation lives in the dispatcher package. A synthetic request
// carries {event, now} per spec.md §4.5 step 2.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *event.Event, at time.Time) error
}

// Config configures the Scheduler's catch-up and startup behavior.
type Config struct {
	// StartupGrace bounds how far a catch-up loop may run on boot, to
	// avoid a thundering herd of backlogged dispatches (spec.md §4.5 step 3).
	StartupGrace time.Duration
}

// Scheduler owns the minute-tick loop and per-event cursor persistence.
type Scheduler struct {
	storage    *storage.Storage
	dispatcher Dispatcher
	clock      clock.Clock
	log        *logger.Logger
	cfg        Config

	bootAt time.Time
}

// New constructs a Scheduler. clk defaults to the real wall clock if nil.
func New(st *storage.Storage, dispatcher Dispatcher, cfg Config, clk clock.Clock, log *logger.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = 300 * time.Second
	}
	return &Scheduler{storage: st, dispatcher: dispatcher, clock: clk, log: log, cfg: cfg, bootAt: clk.Now()}
}

// Run drives the once-per-minute tick loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && s.log != nil {
				s.log.WithField("error", err).Error("scheduler: tick failed")
			}
		}
	}
}

// cursorMinute truncates t to the minute boundary and returns it as a unix
// epoch, the unit cursors are persisted in.
func cursorMinute(t time.Time) int64 {
	return t.Truncate(time.Minute).Unix()
}

// Tick implements spec.md §4.5 steps 1-4: compute the prior minute, match
// every enabled event's Timing against it, catch up any event whose cursor
// has fallen behind (bounded by StartupGrace since this Scheduler started),
// and persist the updated cursors. Per-event dispatch failures are
// collected and returned as one aggregate error — the tick loop itself
// never aborts on a single event's failure (spec.md §7 "Scheduler never
// crashes").
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now()
	priorMinute := now.Truncate(time.Minute).Add(-time.Minute)

	events, err := s.loadSchedule(ctx)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	cursors, err := s.loadCursors(ctx)
	if err != nil {
		return fmt.Errorf("load cursors: %w", err)
	}

	var errs *multierror.Error
	grace := s.clock.Now().Sub(s.bootAt) < s.cfg.StartupGrace

	for _, ev := range events {
		if !ev.Enabled || ev.Timing.IsManualOnly() {
			continue
		}
		last := cursors[ev.ID]
		lastT := time.Unix(last, 0).In(priorMinute.Location())

		if ev.CatchUp && last > 0 && priorMinute.Sub(lastT) > time.Minute {
			cursors[ev.ID] = s.catchUp(ctx, ev, lastT, priorMinute, grace, &errs)
			continue
		}

		if priorMinute.Unix() <= last {
			continue
		}
		if ev.Timing.Matches(priorMinute) {
			if err := s.dispatcher.Dispatch(ctx, ev, priorMinute); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("event %s: %w", ev.ID, err))
			}
		}
		cursors[ev.ID] = priorMinute.Unix()
	}

	if err := s.saveCursors(ctx, cursors); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("save cursors: %w", err))
	}
	if errs != nil {
		return errs.ErrorOrNil()
	}
	return nil
}

// catchUp advances minute-by-minute from just after lastT through
// priorMinute, dispatching every matching slot (spec.md §4.5 step 3). It
// returns the new cursor value, which is priorMinute unless the startup
// grace window cut the loop short.
func (s *Scheduler) catchUp(ctx context.Context, ev *event.Event, lastT, priorMinute time.Time, grace bool, errs **multierror.Error) int64 {
	cursor := lastT
	deadline := s.clock.Now().Add(s.cfg.StartupGrace)
	for cursor.Before(priorMinute) {
		cursor = cursor.Add(time.Minute)
		if grace && s.clock.Now().After(deadline) {
			if s.log != nil {
				s.log.WithField("event", ev.ID).Warn("scheduler: catch-up truncated by startup grace")
			}
			return cursor.Add(-time.Minute).Unix()
		}
		if ev.Timing.Matches(cursor) {
			if err := s.dispatcher.Dispatch(ctx, ev, cursor); err != nil {
				*errs = multierror.Append(*errs, fmt.Errorf("event %s catch-up %s: %w", ev.ID, cursor, err))
			}
		}
	}
	return priorMinute.Unix()
}

// Trigger dispatches ev immediately, bypassing Timing matching entirely —
// spec.md §4.5 "Manual triggers and chain-reaction triggers bypass timing
// matching and go straight to the dispatcher."
func (s *Scheduler) Trigger(ctx context.Context, ev *event.Event, at time.Time) error {
	return s.dispatcher.Dispatch(ctx, ev, at)
}

func (s *Scheduler) loadSchedule(ctx context.Context) ([]*event.Event, error) {
	list := storage.NewList(s.storage, s.storage.Locks(), scheduleKey, 50)
	raws, err := list.Get(ctx, 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]*event.Event, 0, len(raws))
	for _, raw := range raws {
		var ev event.Event
		if json.Unmarshal(raw, &ev) == nil {
			out = append(out, &ev)
		}
	}
	return out, nil
}

func (s *Scheduler) loadCursors(ctx context.Context) (map[string]int64, error) {
	raw, err := s.storage.GetRaw(ctx, cursorsKey)
	if storage.IsNoSuchKey(err) {
		return make(map[string]int64), nil
	}
	if err != nil {
		return nil, err
	}
	cursors := make(map[string]int64)
	if err := json.Unmarshal(raw, &cursors); err != nil {
		return nil, err
	}
	return cursors, nil
}

func (s *Scheduler) saveCursors(ctx context.Context, cursors map[string]int64) error {
	return s.storage.WithTransaction(ctx, cursorsKey, func(ctx context.Context, kv storage.RawKV) error {
		data, err := json.Marshal(cursors)
		if err != nil {
			return err
		}
		return kv.PutRaw(ctx, cursorsKey, data)
	})
}
