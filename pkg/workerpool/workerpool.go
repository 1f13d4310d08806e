// Package workerpool implements the Worker Pool: a fixed-size set of
// workers that execute plug-in event handlers off the Scan Queue,
// bounded by the queue's own backpressure, and cancellation-aware via
// a context derived from the owning scan, per spec.md §4.5.
package workerpool

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/scanforge/engine/pkg/log"
	"github.com/scanforge/engine/pkg/metrics"
	"github.com/scanforge/engine/pkg/queue"
)

// Handler processes one dequeued WorkItem. It is the seam the owning
// pkg/engine wires to plugin.Invoke; kept as a plain function type here
// so this package has no import-time dependency on pkg/plugin.
type Handler func(ctx context.Context, item queue.WorkItem) error

// Pool is a fixed-size set of workers draining one Queue. pkg/engine
// builds one Pool per scan, sized to host-CPU-count * a configurable
// multiplier; each worker's invocation runs under the cancellation
// context the caller supplies to Start, typically derived from the
// owning scan.
type Pool struct {
	size   int
	q      *queue.Queue
	handle Handler

	acceptCtx    context.Context
	stopAccept   context.CancelFunc

	mu       sync.Mutex
	inFlight int
	wg       sync.WaitGroup
}

// New builds a Pool of size workers draining q, invoking handle for
// each WorkItem.
func New(size int, q *queue.Queue, handle Handler) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{size: size, q: q, handle: handle}
}

// Start launches the pool's workers. ctx governs per-invocation
// cancellation (passed through to Handler); Drain stops new
// dequeues independently of ctx so termination isn't at the mercy of
// the scan's own cancellation state.
func (p *Pool) Start(ctx context.Context) {
	p.acceptCtx, p.stopAccept = context.WithCancel(context.Background())
	logger := log.WithComponent("workerpool")
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.runWorker(ctx, id, logger)
		}(i)
	}
}

func (p *Pool) runWorker(ctx context.Context, id int, logger zerolog.Logger) {
	logger.Debug().Int("worker_id", id).Msg("worker started")
	for {
		item, err := p.dequeue()
		if err != nil {
			return
		}

		p.mu.Lock()
		p.inFlight++
		p.mu.Unlock()

		timer := metrics.NewTimer()
		herr := p.handle(ctx, item)
		timer.ObserveDurationVec(metrics.HandlerDuration, item.Module)
		outcome := "ok"
		if herr != nil {
			outcome = "error"
		}
		metrics.HandlerInvocationsTotal.WithLabelValues(item.Module, outcome).Inc()

		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}
}

// dequeue pulls the next WorkItem, racing the accept-cancellation
// context so Drain can unblock a worker parked waiting for work.
func (p *Pool) dequeue() (queue.WorkItem, error) {
	return p.q.Dequeue(p.acceptCtx)
}

// Submit is a convenience that Enqueues directly onto the pool's
// Queue; most callers should prefer enqueuing onto the Queue
// themselves since that is where the priority lane and backpressure
// policy live.
func (p *Pool) Submit(ctx context.Context, item queue.WorkItem) error {
	return p.q.Enqueue(ctx, item)
}

// InFlight returns the number of handler invocations currently
// executing across all workers in this pool.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Drain stops the pool from claiming new work and blocks until every
// in-flight invocation completes, used during scan termination per
// spec.md §4.5.
func (p *Pool) Drain() {
	if p.stopAccept != nil {
		p.stopAccept()
	}
	p.wg.Wait()
}
