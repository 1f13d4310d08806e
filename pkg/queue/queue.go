// Package queue implements the Scan Queue: a three-lane (HIGH/NORMAL/
// LOW) bounded priority queue with weighted fair-share dequeue and a
// per-lane backpressure policy, feeding WorkItems to the Worker Pool.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scanforge/engine/pkg/engineerrors"
	"github.com/scanforge/engine/pkg/event"
	"github.com/scanforge/engine/pkg/log"
	"github.com/scanforge/engine/pkg/metrics"
)

// Lane is one of the three fixed priority lanes.
type Lane string

const (
	LaneHigh   Lane = "HIGH"
	LaneNormal Lane = "NORMAL"
	LaneLow    Lane = "LOW"
)

// DefaultWeights is the fair-share dequeue ratio across HIGH:NORMAL:LOW,
// per spec.md §4.6.
var DefaultWeights = map[Lane]int{LaneHigh: 4, LaneNormal: 2, LaneLow: 1}

// BackpressurePolicy selects what happens when a lane is at capacity.
type BackpressurePolicy string

const (
	// PolicyBlock makes Enqueue block until space frees or ctx's
	// deadline elapses.
	PolicyBlock BackpressurePolicy = "BLOCK"
	// PolicyReject makes Enqueue fail immediately with ErrQueueFull.
	PolicyReject BackpressurePolicy = "REJECT"
	// PolicyDropOldest evicts the oldest item in the lane into the DLQ
	// and admits the new one.
	PolicyDropOldest BackpressurePolicy = "DROP_OLDEST"
)

// WorkItem is one queued handler invocation, per spec.md §3.
type WorkItem struct {
	ScanID  string
	Module  string
	Event   *event.Event
	Attempt int
	Lane    Lane

	enqueuedAt time.Time
}

// DeadLetterSink receives WorkItems evicted by DROP_OLDEST or that
// exceeded the retry ceiling. pkg/retry implements the ceiling side;
// this package only needs the DROP_OLDEST path.
type DeadLetterSink interface {
	DeadLetter(item WorkItem, category string, cause error)
}

// LaneConfig configures one lane's capacity and policy. Lane weights and
// policies come from the scan config (pkg/config); config.Validate does
// not check them.
type LaneConfig struct {
	Capacity int
	Policy   BackpressurePolicy
	Weight   int
}

// Config is the full per-scan queue configuration.
type Config struct {
	Lanes map[Lane]LaneConfig
	DLQ   DeadLetterSink
}

// DefaultConfig returns a Config with capacity 100 per lane, BLOCK
// policy, and the default 4:2:1 lane weights.
func DefaultConfig(dlq DeadLetterSink) Config {
	return Config{
		Lanes: map[Lane]LaneConfig{
			LaneHigh:   {Capacity: 100, Policy: PolicyBlock, Weight: DefaultWeights[LaneHigh]},
			LaneNormal: {Capacity: 100, Policy: PolicyBlock, Weight: DefaultWeights[LaneNormal]},
			LaneLow:    {Capacity: 100, Policy: PolicyBlock, Weight: DefaultWeights[LaneLow]},
		},
		DLQ: dlq,
	}
}

type ring struct {
	mu     sync.Mutex
	items  []WorkItem
	cap    int
	policy BackpressurePolicy
	weight int
	notEmpty chan struct{}
	notFull  chan struct{}
}

func newRing(cfg LaneConfig) *ring {
	return &ring{
		items:    make([]WorkItem, 0, cfg.Capacity),
		cap:      cfg.Capacity,
		policy:   cfg.Policy,
		weight:   cfg.Weight,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
}

func (r *ring) signalNotEmpty() {
	select {
	case r.notEmpty <- struct{}{}:
	default:
	}
}

func (r *ring) signalNotFull() {
	select {
	case r.notFull <- struct{}{}:
	default:
	}
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Queue is the three-lane bounded priority queue for one scan.
type Queue struct {
	scanID string
	lanes  map[Lane]*ring
	order  []Lane // deterministic iteration order for fairness bookkeeping
	dlq    DeadLetterSink

	mu      sync.Mutex
	credits map[Lane]int // remaining picks this weighted round before moving to next lane
}

// New constructs a Queue for one scan from cfg. Missing lanes fall
// back to the package defaults.
func New(scanID string, cfg Config) *Queue {
	q := &Queue{
		scanID:  scanID,
		lanes:   make(map[Lane]*ring),
		order:   []Lane{LaneHigh, LaneNormal, LaneLow},
		dlq:     cfg.DLQ,
		credits: make(map[Lane]int),
	}
	for _, lane := range q.order {
		lc, ok := cfg.Lanes[lane]
		if !ok {
			lc = LaneConfig{Capacity: 100, Policy: PolicyBlock, Weight: DefaultWeights[lane]}
		}
		if lc.Weight <= 0 {
			lc.Weight = DefaultWeights[lane]
		}
		q.lanes[lane] = newRing(lc)
		q.credits[lane] = lc.Weight
	}
	return q
}

// Enqueue admits item onto its Lane, applying that lane's backpressure
// policy if the lane is at capacity.
func (q *Queue) Enqueue(ctx context.Context, item WorkItem) error {
	r, ok := q.lanes[item.Lane]
	if !ok {
		return fmt.Errorf("queue: unknown lane %q", item.Lane)
	}
	item.enqueuedAt = time.Now()

	for {
		r.mu.Lock()
		if len(r.items) < r.cap {
			r.items = append(r.items, item)
			r.mu.Unlock()
			r.signalNotEmpty()
			metrics.QueueDepth.WithLabelValues(string(item.Lane)).Set(float64(r.len()))
			return nil
		}

		switch r.policy {
		case PolicyReject:
			r.mu.Unlock()
			metrics.QueueRejectionsTotal.WithLabelValues(string(item.Lane), string(PolicyReject)).Inc()
			return fmt.Errorf("queue: lane %s full: %w", item.Lane, engineerrors.ErrQueueFull)

		case PolicyDropOldest:
			oldest := r.items[0]
			r.items = append(r.items[1:], item)
			r.mu.Unlock()
			metrics.QueueRejectionsTotal.WithLabelValues(string(item.Lane), string(PolicyDropOldest)).Inc()
			if q.dlq != nil {
				q.dlq.DeadLetter(oldest, "QUEUE_EVICTED", fmt.Errorf("queue: evicted from lane %s at capacity", item.Lane))
			}
			r.signalNotEmpty()
			return nil

		default: // PolicyBlock
			r.mu.Unlock()
			select {
			case <-r.notFull:
				continue
			case <-ctx.Done():
				metrics.QueueRejectionsTotal.WithLabelValues(string(item.Lane), string(PolicyBlock)).Inc()
				return fmt.Errorf("queue: enqueue to lane %s: %w", item.Lane, engineerrors.ErrEnqueueTimeout)
			}
		}
	}
}

// Dequeue pulls the next WorkItem using weighted round-robin across
// lanes: HIGH:NORMAL:LOW 4:2:1 by default. If the chosen lane is empty
// it probes the next lane by weight order, so no lane can starve
// another; every non-empty lane is visited within one full cycle.
func (q *Queue) Dequeue(ctx context.Context) (WorkItem, error) {
	for {
		q.mu.Lock()
		lane, ok := q.pickLane()
		q.mu.Unlock()
		if ok {
			r := q.lanes[lane]
			r.mu.Lock()
			item := r.items[0]
			r.items = r.items[1:]
			depth := len(r.items)
			r.mu.Unlock()
			r.signalNotFull()
			metrics.QueueDepth.WithLabelValues(string(lane)).Set(float64(depth))
			return item, nil
		}

		select {
		case <-q.anyNotEmpty():
			continue
		case <-ctx.Done():
			return WorkItem{}, ctx.Err()
		}
	}
}

// pickLane finds the next lane to serve under weighted round-robin,
// decrementing its credit. When every non-empty lane's credits are
// exhausted the credits reset for a fresh cycle.
func (q *Queue) pickLane() (Lane, bool) {
	anyNonEmpty := false
	for _, lane := range q.order {
		if q.lanes[lane].len() > 0 {
			anyNonEmpty = true
			break
		}
	}
	if !anyNonEmpty {
		return "", false
	}

	for pass := 0; pass < 2; pass++ {
		for _, lane := range q.order {
			r := q.lanes[lane]
			if r.len() == 0 {
				continue
			}
			if q.credits[lane] > 0 {
				q.credits[lane]--
				return lane, true
			}
		}
		// Exhausted every lane's credit this cycle; reset and try once more.
		for lane, r := range q.lanes {
			q.credits[lane] = r.weight
		}
	}
	// Fallback: every credit reset but nothing matched (shouldn't
	// happen given anyNonEmpty); serve the first non-empty lane.
	for _, lane := range q.order {
		if q.lanes[lane].len() > 0 {
			return lane, true
		}
	}
	return "", false
}

func (q *Queue) anyNotEmpty() <-chan struct{} {
	ch := make(chan struct{}, len(q.order))
	for _, lane := range q.order {
		r := q.lanes[lane]
		select {
		case <-r.notEmpty:
			ch <- struct{}{}
		default:
		}
	}
	return ch
}

// Depth returns the current item count in lane.
func (q *Queue) Depth(lane Lane) int {
	r, ok := q.lanes[lane]
	if !ok {
		return 0
	}
	return r.len()
}

// Pressure returns total_used / total_capacity across all lanes, in
// [0, 1], per spec.md §4.6.
func (q *Queue) Pressure() float64 {
	var used, capTotal int
	for _, r := range q.lanes {
		r.mu.Lock()
		used += len(r.items)
		capTotal += r.cap
		r.mu.Unlock()
	}
	if capTotal == 0 {
		return 0
	}
	return float64(used) / float64(capTotal)
}

// PressureCallback is invoked when Pressure crosses a registered
// threshold, e.g. to switch admission to REJECT at high pressure.
type PressureCallback func(pressure float64)

// PressureMonitor polls a Queue's Pressure on an interval and invokes
// registered threshold callbacks at most once per crossing, not once
// per tick.
type PressureMonitor struct {
	q          *Queue
	thresholds []threshold
	interval   time.Duration
}

type threshold struct {
	level    float64
	cb       PressureCallback
	lastOver bool
}

func NewPressureMonitor(q *Queue, interval time.Duration) *PressureMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &PressureMonitor{q: q, interval: interval}
}

// OnThreshold registers cb to fire the first time Pressure crosses
// level from below, and again the next time it crosses back above
// level after having dropped under it.
func (m *PressureMonitor) OnThreshold(level float64, cb PressureCallback) {
	m.thresholds = append(m.thresholds, threshold{level: level, cb: cb})
}

// Run blocks until ctx is canceled.
func (m *PressureMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	logger := log.WithComponent("queue")

	for {
		select {
		case <-ticker.C:
			p := m.q.Pressure()
			for i := range m.thresholds {
				t := &m.thresholds[i]
				over := p >= t.level
				if over && !t.lastOver {
					logger.Warn().Float64("pressure", p).Float64("threshold", t.level).Msg("queue pressure crossed threshold")
					t.cb(p)
				}
				t.lastOver = over
			}
		case <-ctx.Done():
			return
		}
	}
}
