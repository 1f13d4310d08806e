// Package engine provides the top-level wiring point: an Engine owns
// one or more scans per process, connecting the Event Bus, Plug-in
// Runtime, Module Resolver, Scan Controller, Scan Queue, Worker Pool,
// Retry Layer, and Error Telemetry into one cooperative pipeline per
// spec.md §2's data-flow description.
package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/scanforge/engine/pkg/bus"
	"github.com/scanforge/engine/pkg/config"
	"github.com/scanforge/engine/pkg/engineerrors"
	"github.com/scanforge/engine/pkg/event"
	"github.com/scanforge/engine/pkg/log"
	"github.com/scanforge/engine/pkg/metrics"
	"github.com/scanforge/engine/pkg/plugin"
	"github.com/scanforge/engine/pkg/queue"
	"github.com/scanforge/engine/pkg/resolver"
	"github.com/scanforge/engine/pkg/retry"
	"github.com/scanforge/engine/pkg/scan"
	"github.com/scanforge/engine/pkg/storage"
	"github.com/scanforge/engine/pkg/telemetry"
	"github.com/scanforge/engine/pkg/workerpool"
)

// MaxDeliveryDepth bounds how deep a causal chain of derived events may
// go before the engine refuses to publish further descendants, per
// spec.md §4.1's guard against runaway module fan-out.
const MaxDeliveryDepth = 64

// Engine owns a process-wide Bus, plug-in Registry, storage Store, and
// error telemetry Store. Each concurrently running scan gets its own
// Queue, Controller, cancellation scope, and Worker Pool of poolSize
// workers (host CPU count times a configurable multiplier); pools are
// not shared between scans.
type Engine struct {
	Registry  plugin.Registry
	Store     storage.Store
	Bus       *bus.Bus
	Telemetry *telemetry.Store

	poolSize int

	mu    sync.Mutex
	scans map[string]*scanHandle
}

// Config configures an Engine.
type Config struct {
	Registry  plugin.Registry
	Store     storage.Store
	Bus       *bus.Bus
	Telemetry *telemetry.Store
	// WorkerMultiplier scales each scan's worker pool size relative to
	// runtime.NumCPU(), per spec.md §5. Defaults to 4.
	WorkerMultiplier int
}

type scanHandle struct {
	scan         *scan.Scan
	controller   *scan.Controller
	queue        *queue.Queue
	pool         *workerpool.Pool
	inFlight     *scan.InFlight
	cancel       context.CancelFunc
	retryer      *retry.Scheduler
	dlq          *dlqSink
	priorityLane queue.Lane
}

// New constructs an Engine from cfg, defaulting Bus/Telemetry if unset
// so tests and demos can build one with only a Registry.
func New(cfg Config) *Engine {
	if cfg.Bus == nil {
		cfg.Bus = bus.New(bus.NewMemoryBackend())
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.NewStore()
	}
	multiplier := cfg.WorkerMultiplier
	if multiplier <= 0 {
		multiplier = 4
	}

	metrics.RegisterComponent("bus", true, "")
	if cfg.Store != nil {
		metrics.RegisterComponent("storage", true, "")
	} else {
		metrics.RegisterComponent("storage", false, "no persistent store configured")
	}

	return &Engine{
		Registry:  cfg.Registry,
		Store:     cfg.Store,
		Bus:       cfg.Bus,
		Telemetry: cfg.Telemetry,
		poolSize:  runtime.NumCPU() * multiplier,
		scans:     make(map[string]*scanHandle),
	}
}

// dlqSink is the default dead-letter sink: it archives the terminal
// work item as a telemetry record (both in the in-memory Store and,
// when a Store is configured, durably) rather than discarding it, per
// spec.md §4.8's "terminal record carrying the last error fingerprint".
type dlqSink struct {
	telemetry *telemetry.Store
	store     storage.Store
}

func (d *dlqSink) DeadLetter(item queue.WorkItem, category string, cause error) {
	metrics.DLQDepth.WithLabelValues(item.ScanID).Inc()
	rec := d.telemetry.Record(telemetry.Category(category), item.ScanID, item.Module, item.Module, cause.Error(), "")
	if d.store != nil {
		if err := d.store.ArchiveErrorRecord(rec); err != nil {
			log.WithScanID(item.ScanID).Warn().Err(err).Msg("failed to archive dead-lettered work item")
		}
	}
}

// CreateScan validates cfg, resolves the module plan, and registers a
// new Scan in the CREATED state. Start must be called separately to
// seed the ROOT event and begin execution.
func (e *Engine) CreateScan(seedTypes, targetOutputs []event.Type, cfg *config.ScanConfig) (*scan.Scan, *resolver.Plan, error) {
	if err := config.Validate(cfg, e.Registry); err != nil {
		return nil, nil, err
	}

	res := resolver.New(e.Registry)
	plan, err := res.Resolve(seedTypes, targetOutputs)
	if err != nil {
		return nil, nil, err
	}
	// Unreachable requested outputs are non-fatal per spec.md §4.3:
	// record each as an UnsatisfiedOutput telemetry warning and still
	// proceed with whatever the plan did resolve.
	for _, w := range plan.Warnings {
		e.Telemetry.Record(telemetry.CategoryUnknown, "", "resolver", "resolver.Resolve", w, "")
	}

	name := fmt.Sprintf("%s:%s", cfg.TargetType, cfg.TargetValue)
	s := scan.New(name, cfg.TargetValue, cfg.TargetType, plan.Modules)
	if e.Store != nil {
		if err := e.Store.UpsertScan(s.Record()); err != nil {
			return nil, nil, fmt.Errorf("engine: persist scan: %w", err)
		}
	}
	return s, plan, nil
}

// Start transitions s through STARTING to RUNNING, wires its Queue,
// Controller, retry Scheduler, and Worker Pool, seeds a ROOT event
// onto the Bus, and blocks until the scan reaches a terminal state or
// ctx is canceled. Callers typically run it in its own goroutine.
func (e *Engine) Start(ctx context.Context, s *scan.Scan, plan *resolver.Plan, cfg *config.ScanConfig, rootData map[string]any) error {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg != nil {
		cfg = cfg.Freeze()
	}
	handle := e.registerScan(s, cfg)
	handle.cancel = cancel
	defer e.unregisterScan(s.ID)

	handlers, err := e.instantiate(scanCtx, s.ID, plan.Modules, handle)
	if err != nil {
		return err
	}
	defer e.teardownAll(handlers)

	handle.pool = workerpool.New(e.poolSize, handle.queue, e.makeHandler(s, handle, handlers))

	// Subscribe before the scan is observably RUNNING: the in-memory
	// Backend only fans out to subscribers registered at publish time,
	// so a caller that starts publishing events the instant it sees
	// RUNNING must never be able to race ahead of this registration.
	sub, err := e.Bus.Subscribe(s.ID, "*", bus.SubscribeOptions{})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	descriptors := make(map[string]plugin.Descriptor, len(handlers))
	for name, h := range handlers {
		descriptors[name] = h.Descriptor()
	}
	go e.dispatchLoop(scanCtx, s, handle, sub, descriptors)

	if err := handle.controller.Start(scanCtx, s); err != nil {
		return err
	}
	if e.Store != nil {
		e.Store.UpsertScan(s.Record())
	}

	handle.pool.Start(scanCtx)
	defer handle.pool.Drain()

	root := event.New(s.ID, "ROOT", "engine", rootData)
	if err := e.publish(scanCtx, s, root); err != nil {
		return err
	}

	handle.controller.Watch(scanCtx, s, handle.inFlight)
	if e.Store != nil {
		e.Store.UpsertScan(s.Record())
	}
	return nil
}

func (e *Engine) registerScan(s *scan.Scan, cfg *config.ScanConfig) *scanHandle {
	dlq := &dlqSink{telemetry: e.Telemetry, store: e.Store}

	qcfg := queue.DefaultConfig(dlq)
	priorityLane := queue.LaneNormal
	if cfg != nil {
		for lane, weight := range cfg.LaneWeights {
			lc := qcfg.Lanes[lane]
			lc.Weight = weight
			qcfg.Lanes[lane] = lc
		}
		for lane, policy := range cfg.LanePolicies {
			lc := qcfg.Lanes[lane]
			lc.Policy = queue.BackpressurePolicy(policy)
			qcfg.Lanes[lane] = lc
		}
		if cfg.PriorityLane != "" {
			priorityLane = cfg.PriorityLane
		}
	}
	q := queue.New(s.ID, qcfg)

	inFlight := scan.NewInFlight()
	controller := scan.NewController(e.Bus, scan.DefaultQuietWindow, scan.DefaultAbortGrace)

	handle := &scanHandle{
		scan:         s,
		controller:   controller,
		queue:        q,
		inFlight:     inFlight,
		dlq:          dlq,
		priorityLane: priorityLane,
	}

	enqueue := func(rctx context.Context, item queue.WorkItem) error {
		handle.inFlight.Inc()
		if err := q.Enqueue(rctx, item); err != nil {
			handle.inFlight.Dec()
			return err
		}
		return nil
	}
	handle.retryer = retry.NewScheduler(retry.DefaultPolicies(), enqueue, dlq)

	e.mu.Lock()
	e.scans[s.ID] = handle
	e.mu.Unlock()
	return handle
}

func (e *Engine) unregisterScan(scanID string) {
	e.mu.Lock()
	delete(e.scans, scanID)
	e.mu.Unlock()
	if mem, ok := e.Bus.Backend().(*bus.MemoryBackend); ok {
		mem.DropPartition(scanID)
	}
}

func (e *Engine) instantiate(ctx context.Context, scanID string, modules []string, handle *scanHandle) (map[string]plugin.Handler, error) {
	out := make(map[string]plugin.Handler, len(modules))
	for _, name := range modules {
		h, err := e.Registry.Instantiate(name)
		if err != nil {
			return nil, fmt.Errorf("engine: instantiate %q: %w", name, err)
		}
		pctx := &plugin.Context{
			Context: ctx,
			ScanID:  scanID,
			Emit: func(ev *event.Event) error {
				return e.publish(ctx, handle.scan, ev)
			},
		}
		if err := h.Setup(pctx, nil); err != nil {
			return nil, fmt.Errorf("engine: setup %q: %w", name, err)
		}
		out[name] = h
	}
	return out, nil
}

func (e *Engine) teardownAll(handlers map[string]plugin.Handler) {
	bg := context.Background()
	for name, h := range handlers {
		pctx := &plugin.Context{Context: bg, Emit: func(*event.Event) error { return nil }}
		if err := h.Teardown(pctx); err != nil {
			log.WithComponent("engine").Warn().Err(err).Str("module", name).Msg("teardown failed")
		}
	}
}

// Seed publishes a caller-supplied event onto a running scan, the
// exported counterpart to Start's internal ROOT seeding for callers
// outside pkg/engine (cmd/scanenginectl, a future API server) that
// need to feed the scan's actual target data once it has reached
// RUNNING and subscriptions are guaranteed to be in place.
func (e *Engine) Seed(ctx context.Context, scanID string, typ event.Type, module string, data map[string]any) error {
	e.mu.Lock()
	handle, ok := e.scans[scanID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: seed: unknown scan %q", scanID)
	}
	return e.publish(ctx, handle.scan, event.New(scanID, typ, module, data))
}

// publish enforces causal integrity and delivery-depth limits, then
// writes through storage before handing the event to the Bus, per
// spec.md §4.1's durable-write-before-fanout ordering: observers can
// never see an event that storage does not yet have.
func (e *Engine) publish(ctx context.Context, s *scan.Scan, ev *event.Event) error {
	if ev.Depth > MaxDeliveryDepth {
		return fmt.Errorf("engine: event %s: %w", ev.ID, engineerrors.ErrDeliveryDepthExceeded)
	}
	if ev.SourceEventID != "" && e.Store != nil {
		ok, err := e.Store.HasEvent(ev.ScanID, ev.SourceEventID)
		if err != nil {
			return fmt.Errorf("engine: causality check: %w", err)
		}
		if !ok {
			return fmt.Errorf("engine: event %s: %w", ev.ID, engineerrors.ErrInvalidCausality)
		}
	}
	if e.Store != nil {
		if err := e.Store.AppendEvent(ev); err != nil {
			metrics.UpdateComponent("storage", false, err.Error())
			return fmt.Errorf("engine: append event: %w", err)
		}
		metrics.UpdateComponent("storage", true, "")
	}
	s.IncEventsProduced()
	metrics.EventsPublishedTotal.WithLabelValues(string(ev.Type), string(ev.Kind)).Inc()
	return e.Bus.Publish(ctx, ev)
}

// makeHandler builds the workerpool.Handler that invokes the module
// named by a WorkItem, classifies and routes any error through the
// retry Scheduler, and keeps the scan's InFlight counter balanced with
// dispatchLoop's Inc on enqueue.
func (e *Engine) makeHandler(s *scan.Scan, handle *scanHandle, handlers map[string]plugin.Handler) workerpool.Handler {
	return func(ctx context.Context, item queue.WorkItem) error {
		defer handle.inFlight.Dec()

		h, ok := handlers[item.Module]
		if !ok {
			return fmt.Errorf("engine: no handler registered for module %q", item.Module)
		}

		pctx := &plugin.Context{
			Context: ctx,
			ScanID:  s.ID,
			Emit: func(ev *event.Event) error {
				return e.publish(ctx, s, ev)
			},
		}

		err := plugin.Invoke(pctx, h, item.Event)
		if err == nil {
			return nil
		}

		s.IncErrors()
		cat := telemetry.Classify(err)
		e.Telemetry.Record(cat, s.ID, item.Module, item.Module, err.Error(), "")
		s.IncRetries()
		metrics.HandlerInvocationsTotal.WithLabelValues(item.Module, "error").Inc()
		return handle.retryer.Handle(ctx, item, cat, err)
	}
}

// dispatchLoop reads events the scan's wildcard subscription receives
// and, for every module whose Descriptor.Consumes matches the event's
// Type, enqueues a WorkItem at the scan's configured priority lane.
// The Worker Pool's own goroutines (started in Start) drain the Queue
// and invoke each module in isolation, so one module's failure never
// blocks another's in-flight work, per spec.md §4.2.
func (e *Engine) dispatchLoop(ctx context.Context, s *scan.Scan, handle *scanHandle, sub bus.Subscription, descriptors map[string]plugin.Descriptor) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Kind != event.KindData {
				continue
			}
			for name, d := range descriptors {
				if !consumes(d, ev.Type) {
					continue
				}
				handle.inFlight.Inc()
				item := queue.WorkItem{ScanID: s.ID, Module: name, Event: ev, Attempt: 1, Lane: handle.priorityLane}
				if err := handle.queue.Enqueue(ctx, item); err != nil {
					handle.inFlight.Dec()
					log.WithScanID(s.ID).Warn().Err(err).Str("module", name).Msg("failed to enqueue work item")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func consumes(d plugin.Descriptor, t event.Type) bool {
	for _, c := range d.Consumes {
		if c == t {
			return true
		}
	}
	return false
}

// Stop aborts a running scan by canceling its context; the Controller
// observes the cancellation and drives ABORTING -> ABORTED within the
// configured abort grace, per spec.md §4.4.
func (e *Engine) Stop(scanID string) error {
	e.mu.Lock()
	handle, ok := e.scans[scanID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: stop: unknown scan %q", scanID)
	}
	if handle.cancel != nil {
		handle.cancel()
	}
	return nil
}
