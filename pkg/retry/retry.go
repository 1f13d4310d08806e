// Package retry implements the Retry Layer: strategy-driven retries
// (fixed/linear/exponential with jitter) per error category, an
// attempt ceiling, and a dead-letter sink for work items that exceed
// it, per spec.md §4.8.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/scanforge/engine/pkg/metrics"
	"github.com/scanforge/engine/pkg/queue"
	"github.com/scanforge/engine/pkg/telemetry"
)

// Strategy computes the delay before re-enqueuing a WorkItem on its
// Nth attempt (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
	Name() string
}

// None never retries; the first failure goes straight to the DLQ.
type None struct{}

func (None) Delay(int) time.Duration { return 0 }
func (None) Name() string            { return "NONE" }

// Fixed retries after a constant gap.
type Fixed struct{ Gap time.Duration }

func (f Fixed) Delay(int) time.Duration { return f.Gap }
func (Fixed) Name() string              { return "FIXED" }

// Linear retries after base*attempt.
type Linear struct{ Base time.Duration }

func (l Linear) Delay(attempt int) time.Duration { return l.Base * time.Duration(attempt) }
func (Linear) Name() string                      { return "LINEAR" }

// Exponential retries after min(cap, base*factor^(attempt-1)) plus
// uniform jitter in [0, 0.25*delay], per spec.md §4.8.
type Exponential struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(e.Base) * math.Pow(e.Factor, float64(attempt-1))
	d := time.Duration(raw)
	if e.Cap > 0 && d > e.Cap {
		d = e.Cap
	}
	jitter := time.Duration(rand.Float64() * 0.25 * float64(d))
	return d + jitter
}

func (Exponential) Name() string { return "EXPONENTIAL" }

// DefaultCeiling is the global retry attempt ceiling before a work
// item is dead-lettered, overridable per error category.
const DefaultCeiling = 5

// CategoryPolicy binds a Strategy and an attempt ceiling to an error
// category.
type CategoryPolicy struct {
	Strategy Strategy
	Ceiling  int
}

// DefaultPolicies mirrors spec.md §4.8/§7's taxonomy: transient
// categories retry with EXPONENTIAL backoff, permanent categories
// never retry.
func DefaultPolicies() map[telemetry.Category]CategoryPolicy {
	exp := Exponential{Base: 100 * time.Millisecond, Factor: 2, Cap: 5 * time.Second}
	return map[telemetry.Category]CategoryPolicy{
		telemetry.CategoryTransientNetwork: {Strategy: exp, Ceiling: DefaultCeiling},
		telemetry.CategoryTimeout:          {Strategy: exp, Ceiling: DefaultCeiling},
		telemetry.CategoryResource:         {Strategy: Linear{Base: 200 * time.Millisecond}, Ceiling: DefaultCeiling},
		telemetry.CategoryAuth:             {Strategy: None{}, Ceiling: 0},
		telemetry.CategoryDataParse:        {Strategy: None{}, Ceiling: 0},
		telemetry.CategoryInternal:         {Strategy: None{}, Ceiling: 0},
		telemetry.CategoryUnknown:          {Strategy: Fixed{Gap: time.Second}, Ceiling: DefaultCeiling},
	}
}

// Scheduler applies the retry policy for a failed WorkItem: either
// re-enqueuing it onto the LOW lane after a delay, or handing it to
// the dead-letter sink once its attempt count meets or exceeds the
// category's ceiling.
type Scheduler struct {
	policies map[telemetry.Category]CategoryPolicy
	enqueue  func(ctx context.Context, item queue.WorkItem) error
	dlq      queue.DeadLetterSink
}

func NewScheduler(policies map[telemetry.Category]CategoryPolicy, enqueue func(ctx context.Context, item queue.WorkItem) error, dlq queue.DeadLetterSink) *Scheduler {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Scheduler{policies: policies, enqueue: enqueue, dlq: dlq}
}

// Handle is called once per failed handler invocation. item.Attempt is
// the attempt number that just failed (1-indexed). cat classifies the
// error; cause is the underlying error for the DLQ terminal record.
//
// A retry attempt re-enqueues the WorkItem at the LOW lane by default,
// per spec.md §4.8.
func (s *Scheduler) Handle(ctx context.Context, item queue.WorkItem, cat telemetry.Category, cause error) error {
	policy, ok := s.policies[cat]
	if !ok {
		policy = CategoryPolicy{Strategy: None{}, Ceiling: 0}
	}

	if item.Attempt >= policy.Ceiling {
		metrics.DLQDepth.WithLabelValues(item.ScanID).Inc()
		if s.dlq != nil {
			s.dlq.DeadLetter(item, string(cat), cause)
		}
		return nil
	}

	delay := policy.Strategy.Delay(item.Attempt)
	metrics.RetriesTotal.WithLabelValues(item.Module, policy.Strategy.Name()).Inc()

	next := item
	next.Attempt = item.Attempt + 1
	next.Lane = queue.LaneLow

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.enqueue(ctx, next)
}
