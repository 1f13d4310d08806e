// Package bus implements the scan engine's Event Bus: an in-process
// publish/subscribe fabric partitioned by scan, with a pluggable
// Backend so a single process can run in-memory or, for durability
// across process restarts, backed by NATS JetStream.
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/scanforge/engine/pkg/engineerrors"
	"github.com/scanforge/engine/pkg/event"
	"github.com/scanforge/engine/pkg/log"
)

// Subscription is a live registration against the bus. Events matching
// the subscription's pattern arrive on Events() until Unsubscribe is
// called or the bus is closed. A SyncInline subscription's Events()
// channel is never written to — its deliveries arrive via its Inline
// handler instead, invoked synchronously from Publish.
type Subscription interface {
	ID() string
	Events() <-chan *event.Event
	Unsubscribe()
}

// DeliveryMode selects how a subscription receives matched events, per
// spec.md §4.1.
type DeliveryMode int

const (
	// AsyncPool queues matched events on the subscription's channel
	// for the consumer's own goroutine to drain — for engine-owned
	// dispatch subscriptions, that consumer feeds the Worker Pool.
	// This is the default when SubscribeOptions is the zero value.
	AsyncPool DeliveryMode = iota
	// SyncInline invokes the subscription's Inline handler directly,
	// on the publisher's own call stack, before Publish returns.
	SyncInline
)

// SubscribeOptions configures a Subscribe call beyond the topic
// pattern: an optional payload Predicate that drops non-matching
// events before delivery, and a DeliveryMode. Inline is required when
// Mode is SyncInline and ignored otherwise.
type SubscribeOptions struct {
	Predicate func(*event.Event) bool
	Mode      DeliveryMode
	Inline    func(*event.Event) error
}

// Backend is the pluggable transport the Bus delegates to. The default
// Backend is in-memory and per-process; MemoryBackend and the
// JetStream-backed Backend in nats.go both satisfy it.
type Backend interface {
	Publish(ctx context.Context, e *event.Event) error
	Subscribe(scanID string, pattern string, opts SubscribeOptions) (Subscription, error)
	SubscriberCount(scanID string) int
	Close() error
}

// Bus is the engine-facing handle: components never talk to a Backend
// directly, only to a Bus, so swapping the in-memory default for the
// NATS-backed implementation is a one-line change at wiring time.
type Bus struct {
	backend Backend
}

// New wraps a Backend. Callers that don't need durability should pass
// NewMemoryBackend(); callers that do should pass NewJetStreamBackend.
func New(backend Backend) *Bus {
	return &Bus{backend: backend}
}

func (b *Bus) Publish(ctx context.Context, e *event.Event) error {
	return b.backend.Publish(ctx, e)
}

// Subscribe registers interest in events on scanID whose Type matches
// pattern. A pattern of "*" subscribes to every type. On MemoryBackend
// a pattern ending in "*" (e.g. "IP_*") matches by prefix and any other
// pattern matches Type exactly; JetStreamBackend treats every pattern
// other than "*" as an exact subject token, so it does no prefix
// matching. opts selects the delivery mode and an optional payload
// predicate; the zero value is an unfiltered AsyncPool subscription.
func (b *Bus) Subscribe(scanID, pattern string, opts SubscribeOptions) (Subscription, error) {
	return b.backend.Subscribe(scanID, pattern, opts)
}

func (b *Bus) SubscriberCount(scanID string) int {
	return b.backend.SubscriberCount(scanID)
}

// Backend exposes the underlying Backend so callers that need
// backend-specific teardown (e.g. MemoryBackend.DropPartition once a
// scan reaches a terminal state) can type-assert to it without the
// Backend interface itself growing a method every implementation
// would need to support identically.
func (b *Bus) Backend() Backend {
	return b.backend
}

func (b *Bus) Close() error {
	return b.backend.Close()
}

func matches(pattern string, typ event.Type) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(string(typ), strings.TrimSuffix(pattern, "*"))
	}
	return pattern == string(typ)
}

// --- in-memory backend ---

type memSubscriber struct {
	id        string
	pattern   string
	ch        chan *event.Event
	scanID    string
	backend   *MemoryBackend
	predicate func(*event.Event) bool
	mode      DeliveryMode
	inline    func(*event.Event) error
}

func (s *memSubscriber) ID() string                  { return s.id }
func (s *memSubscriber) Events() <-chan *event.Event { return s.ch }
func (s *memSubscriber) Unsubscribe()                { s.backend.unsubscribe(s) }

func (s *memSubscriber) wants(e *event.Event) bool {
	return matches(s.pattern, e.Type) && (s.predicate == nil || s.predicate(e))
}

// scanPartition holds one dispatch goroutine and one subscriber set per
// scan, giving partitioning keyed on scan_id instead of one broadcast
// domain for the whole process. Partitions live in memory only and do
// not survive a process restart.
type scanPartition struct {
	mu          sync.RWMutex
	subscribers map[*memSubscriber]bool
	eventCh     chan *event.Event
	stopCh      chan struct{}

	seenMu sync.Mutex
	seen   map[string]bool
}

func newScanPartition() *scanPartition {
	p := &scanPartition{
		subscribers: make(map[*memSubscriber]bool),
		eventCh:     make(chan *event.Event, 256),
		stopCh:      make(chan struct{}),
		seen:        make(map[string]bool),
	}
	go p.run()
	return p
}

func (p *scanPartition) run() {
	for {
		select {
		case e := <-p.eventCh:
			p.broadcast(e)
		case <-p.stopCh:
			return
		}
	}
}

// markSeen reports whether event_id id has not been seen before on
// this partition, recording it either way. Publishing the same
// event_id twice must result in exactly one delivery per subscriber
// (spec.md §4.1, Testable Property #5); the second and later
// publications are dropped here before fanout.
func (p *scanPartition) markSeen(id string) bool {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	if p.seen == nil {
		p.seen = make(map[string]bool)
	}
	if p.seen[id] {
		return false
	}
	p.seen[id] = true
	return true
}

// deliverSyncInline invokes every SyncInline subscriber matching e
// directly, on the caller's goroutine (the publisher's own context,
// per spec.md §4.1), before Publish enqueues e for its AsyncPool
// subscribers.
func (p *scanPartition) deliverSyncInline(e *event.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var firstErr error
	for sub := range p.subscribers {
		if sub.mode != SyncInline || !sub.wants(e) {
			continue
		}
		if err := sub.inline(e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *scanPartition) broadcast(e *event.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for sub := range p.subscribers {
		if sub.mode == SyncInline || !sub.wants(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			log.WithComponent("bus").Warn().
				Str("scan_id", e.ScanID).Str("subscriber", sub.id).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

func (p *scanPartition) stop() {
	close(p.stopCh)
	p.mu.Lock()
	for sub := range p.subscribers {
		close(sub.ch)
	}
	p.subscribers = nil
	p.mu.Unlock()

	p.seenMu.Lock()
	p.seen = nil
	p.seenMu.Unlock()
}

// DefaultBackpressureTimeout bounds how long Publish will cooperatively
// block waiting for a scan partition's ring buffer to free up space
// before failing with engineerrors.ErrBackpressureTimeout, per
// spec.md §4.1 point 4. This is a bus-owned deadline independent of
// whatever context.Context the caller supplies.
const DefaultBackpressureTimeout = 5 * time.Second

// MemoryBackend is the default, non-durable Backend: one scanPartition
// per active scan, each running its own dispatch loop so a slow
// subscriber on one scan never backs up another scan's delivery.
type MemoryBackend struct {
	mu                  sync.Mutex
	partitions          map[string]*scanPartition
	nextID              int
	closed              bool
	backpressureTimeout time.Duration
}

// NewMemoryBackend returns a Backend with the DefaultBackpressureTimeout.
func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithTimeout(DefaultBackpressureTimeout)
}

// NewMemoryBackendWithTimeout returns a Backend whose Publish blocks for
// at most timeout once a partition's ring buffer is full. A
// non-positive timeout disables the bus-owned deadline (Publish then
// blocks until the caller's own context is done).
func NewMemoryBackendWithTimeout(timeout time.Duration) *MemoryBackend {
	return &MemoryBackend{partitions: make(map[string]*scanPartition), backpressureTimeout: timeout}
}

func (m *MemoryBackend) partition(scanID string) *scanPartition {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partitions[scanID]
	if !ok {
		p = newScanPartition()
		m.partitions[scanID] = p
	}
	return p
}

func (m *MemoryBackend) Publish(ctx context.Context, e *event.Event) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return fmt.Errorf("bus: publish on closed backend: %w", engineerrors.ErrScanTerminated)
	}
	p := m.partition(e.ScanID)

	// Idempotent by event_id: the second and later publish of the
	// same id is dropped here, before any fanout, so every subscriber
	// sees exactly one delivery regardless of how many times a
	// crash-and-redrive replays the same event (spec.md §4.1 edge
	// cases; §4.7's failover re-drive relies on this).
	if !p.markSeen(e.ID) {
		return nil
	}

	if err := p.deliverSyncInline(e); err != nil {
		log.WithComponent("bus").Warn().Err(err).
			Str("scan_id", e.ScanID).Str("event_id", e.ID).
			Msg("sync-inline subscriber returned error")
	}

	var deadline <-chan time.Time
	if m.backpressureTimeout > 0 {
		t := time.NewTimer(m.backpressureTimeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case p.eventCh <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return fmt.Errorf("bus: publish on closed scan partition: %w", engineerrors.ErrScanTerminated)
	case <-deadline:
		return fmt.Errorf("bus: publish %s: %w", e.ID, engineerrors.ErrBackpressureTimeout)
	}
}

func (m *MemoryBackend) Subscribe(scanID, pattern string, opts SubscribeOptions) (Subscription, error) {
	if opts.Mode == SyncInline && opts.Inline == nil {
		return nil, fmt.Errorf("bus: SyncInline subscription requires an Inline handler")
	}
	p := m.partition(scanID)
	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("sub-%d", m.nextID)
	m.mu.Unlock()

	sub := &memSubscriber{
		id:        id,
		pattern:   pattern,
		ch:        make(chan *event.Event, 64),
		scanID:    scanID,
		backend:   m,
		predicate: opts.Predicate,
		mode:      opts.Mode,
		inline:    opts.Inline,
	}
	p.mu.Lock()
	p.subscribers[sub] = true
	p.mu.Unlock()
	return sub, nil
}

func (m *MemoryBackend) unsubscribe(sub *memSubscriber) {
	p := m.partition(sub.scanID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subscribers[sub]; ok {
		delete(p.subscribers, sub)
		close(sub.ch)
	}
}

func (m *MemoryBackend) SubscriberCount(scanID string) int {
	m.mu.Lock()
	p, ok := m.partitions[scanID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers)
}

// Close stops every scan partition. Safe to call once; the bus owning
// this backend is expected to go out of scope afterwards.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, p := range m.partitions {
		p.stop()
	}
	return nil
}

// DropPartition tears down a finished scan's partition so its goroutine
// and subscriber channels are released; pkg/engine calls this when it
// unregisters a scan whose Start has returned.
func (m *MemoryBackend) DropPartition(scanID string) {
	m.mu.Lock()
	p, ok := m.partitions[scanID]
	if ok {
		delete(m.partitions, scanID)
	}
	m.mu.Unlock()
	if ok {
		p.stop()
	}
}
