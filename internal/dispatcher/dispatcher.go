// Package dispatcher runs the scheduling loop that drives workflows from
// ready project-tracker issues through agent turns to completion. It
// generalizes a coordinator's lifecycle (atomic status, context+cancel+
// WaitGroup shutdown) and a single-threaded command processor's tick idiom
// into one loop where launches run concurrently but settle back into a
// single mutation point.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"whs/internal/agent"
	"whs/internal/beads"
	"whs/internal/log"
	"whs/internal/metrics"
	"whs/internal/notifier"
	"whs/internal/state"
	"whs/internal/watch"
	"whs/internal/workflow"
	"whs/internal/worktree"
)

// Status is the dispatcher's current lifecycle state.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ProjectHandle binds a project's config to its tracker and worktree provider.
type ProjectHandle struct {
	Config   ProjectConfig
	Store    beads.Store
	Provider worktree.Provider
}

// Deps bundles everything the dispatcher reads and writes beyond its own config.
type Deps struct {
	Orchestrator beads.Store
	Projects     []ProjectHandle
	Runner       agent.Runner
	Metrics      metrics.Store
	Notifier     notifier.Notifier
	State        state.State
	// Tracer emits a span per launch when tracing is enabled. Nil falls back to a no-op tracer.
	Tracer trace.Tracer
}

// Dispatcher owns the tick loop: one goroutine ticks on an interval,
// dispatching ready steps and starting new work; each dispatched step runs
// as its own goroutine recorded in runningAgents, settling back through a
// single mutation point on the shared state.
type Dispatcher struct {
	cfg      Config
	orch     beads.Store
	engine   *workflow.Engine
	projects map[string]ProjectHandle
	runner   agent.Runner
	metrics  metrics.Store
	notify   notifier.Notifier
	tracer   trace.Tracer

	mu    sync.Mutex
	state state.State

	runMu         sync.Mutex
	runningAgents map[string]*launch

	status  atomic.Int32
	paused  atomic.Bool
	started atomic.Bool

	tickCount atomic.Int64

	watcher *watch.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce    sync.Once
	shutdownRequest atomic.Bool
	forceStopCh     chan struct{}
}

// New returns a Dispatcher ready to Start.
func New(cfg Config, deps Deps) *Dispatcher {
	cfg = cfg.withDefaults()

	projects := make(map[string]ProjectHandle, len(deps.Projects))
	for _, p := range deps.Projects {
		projects[p.Config.Name] = p
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("whs-dispatcher")
	}

	d := &Dispatcher{
		cfg:           cfg,
		orch:          deps.Orchestrator,
		engine:        workflow.NewEngine(deps.Orchestrator),
		projects:      projects,
		runner:        deps.Runner,
		metrics:       deps.Metrics,
		notify:        deps.Notifier,
		tracer:        tracer,
		state:         deps.State,
		runningAgents: make(map[string]*launch),
		forceStopCh:   make(chan struct{}),
	}
	d.status.Store(int32(StatusPending))
	d.paused.Store(deps.State.Paused)
	return d
}

// Status returns the dispatcher's current lifecycle status.
func (d *Dispatcher) Status() Status {
	return Status(d.status.Load())
}

// Paused reports whether the dispatcher is refusing new work.
func (d *Dispatcher) Paused() bool {
	return d.paused.Load()
}

// Start begins the tick loop. It can only be called once.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher already started")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.status.Store(int32(StatusRunning))
	log.Info(log.CatDispatcher, "dispatcher started", "tick_interval", d.cfg.TickInterval.String())

	changed := d.startWatcher()

	go d.streamLogsToTrace()
	go d.loop(changed)
	return nil
}

// streamLogsToTrace forwards every log entry emitted while the dispatcher
// runs onto a dispatcher-lifetime span, so a trace backend gets the log
// stream alongside per-launch spans instead of only the file on disk.
func (d *Dispatcher) streamLogsToTrace() {
	spanCtx, span := d.tracer.Start(d.ctx, "dispatcher.lifecycle")
	defer span.End()

	listener := log.NewListener(spanCtx)
	if listener == nil {
		return
	}
	for {
		entry, ok := listener.Next()
		if !ok {
			return
		}
		span.AddEvent("log", trace.WithAttributes(
			attribute.String("entry", entry.Payload),
		))
	}
}

// startWatcher watches every project's and the orchestrator's tracker
// database for writes made outside this dispatcher. Failing
// to watch is never fatal; the tick loop still runs on its interval.
func (d *Dispatcher) startWatcher() <-chan struct{} {
	w, err := watch.New(0)
	if err != nil {
		log.Warn(log.CatWatcher, "failed to create tracker watcher", "error", err.Error())
		return nil
	}

	paths := make([]string, 0, len(d.projects)+1)
	if d.cfg.OrchestratorPath != "" {
		paths = append(paths, d.cfg.OrchestratorPath)
	}
	for _, p := range d.projects {
		paths = append(paths, p.Config.RepoPath)
	}

	watched := 0
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := w.Watch(path); err != nil {
			log.Debug(log.CatWatcher, "not watching tracker path", "path", path, "error", err.Error())
			continue
		}
		watched++
	}

	if dir := d.cfg.answersDir(); dir != "" {
		if err := w.WatchDir(dir); err != nil {
			log.Debug(log.CatWatcher, "not watching answers directory", "dir", dir, "error", err.Error())
		} else {
			watched++
		}
	}

	if watched == 0 {
		_ = w.Stop()
		return nil
	}

	d.watcher = w
	return w.Start()
}

func (d *Dispatcher) loop(changed <-chan struct{}) {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	defer func() {
		if d.watcher != nil {
			_ = d.watcher.Stop()
		}
	}()

	runTick := func() {
		n := d.tickCount.Add(1)
		if err := d.tick(d.ctx, n); err != nil {
			log.Error(log.CatDispatcher, "tick failed", "error", err.Error())
		}
	}

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			runTick()
		case <-changed:
			log.Debug(log.CatDispatcher, "tracker change detected, ticking early")
			runTick()
			ticker.Reset(d.cfg.TickInterval)
		}
	}
}

// Pause stops new work from starting; in-flight launches continue.
func (d *Dispatcher) Pause(reason string) {
	if d.paused.CompareAndSwap(false, true) {
		log.Warn(log.CatDispatcher, "dispatcher paused", "reason", reason)
		d.mutateState(func(s state.State) state.State { return state.WithPaused(s, true) })
		if d.notify != nil {
			_ = d.notify.NotifyRateLimit(context.Background(), reason)
		}
	}
}

// Resume clears a pause set by Pause, letting new work start again.
func (d *Dispatcher) Resume() {
	if d.paused.CompareAndSwap(true, false) {
		log.Info(log.CatDispatcher, "dispatcher resumed")
		d.mutateState(func(s state.State) state.State { return state.WithPaused(s, false) })
	}
}

// RequestShutdown begins a graceful stop: no new work starts, and running
// launches are awaited up to Config.ShutdownTimeout. A second call forces
// an immediate stop.
func (d *Dispatcher) RequestShutdown() {
	if !d.shutdownRequest.CompareAndSwap(false, true) {
		d.shutdownOnce.Do(func() { close(d.forceStopCh) })
		return
	}

	d.status.Store(int32(StatusStopping))
	log.Info(log.CatDispatcher, "dispatcher shutting down")
	go d.awaitShutdown()
}

// Stop is an alias for RequestShutdown.
func (d *Dispatcher) Stop() {
	d.RequestShutdown()
}

func (d *Dispatcher) awaitShutdown() {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info(log.CatDispatcher, "all launches settled, stopping")
	case <-time.After(d.cfg.ShutdownTimeout):
		log.Warn(log.CatDispatcher, "shutdown timeout elapsed, forcing stop")
	case <-d.forceStopCh:
		log.Warn(log.CatDispatcher, "forced stop requested")
	}

	if d.cancel != nil {
		d.cancel()
	}
	d.status.Store(int32(StatusStopped))
}

// shuttingDown reports whether the dispatcher should skip starting new work.
func (d *Dispatcher) shuttingDown() bool {
	s := d.Status()
	return s == StatusStopping || s == StatusStopped
}

// snapshotState returns a copy of the dispatcher's current state.
func (d *Dispatcher) snapshotState() state.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// mutateState applies fn to the dispatcher's state under lock, the single
// mutation point every launch settles back through.
func (d *Dispatcher) mutateState(fn func(state.State) state.State) state.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = fn(d.state)
	if d.cfg.StatePath != "" {
		if err := state.Save(d.cfg.StatePath, d.state); err != nil {
			log.Error(log.CatDispatcher, "failed to persist state", "error", err.Error())
		}
	}
	return d.state
}

func (d *Dispatcher) trackLaunch(key string, l *launch) {
	d.runMu.Lock()
	d.runningAgents[key] = l
	d.runMu.Unlock()
}

// untrackLaunch removes key from runningAgents; idempotent, the only
// cross-task state write besides mutateState.
func (d *Dispatcher) untrackLaunch(key string) {
	d.runMu.Lock()
	delete(d.runningAgents, key)
	d.runMu.Unlock()
}

func (d *Dispatcher) isRunning(key string) bool {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	_, ok := d.runningAgents[key]
	return ok
}
