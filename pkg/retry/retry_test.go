package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/scanforge/engine/pkg/queue"
	"github.com/scanforge/engine/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialDelayCapsAndJitters(t *testing.T) {
	e := Exponential{Base: 100 * time.Millisecond, Factor: 2, Cap: 500 * time.Millisecond}
	d1 := e.Delay(1)
	d4 := e.Delay(4) // uncapped would be 800ms
	assert.GreaterOrEqual(t, d1, 100*time.Millisecond)
	assert.LessOrEqual(t, d1, 125*time.Millisecond)
	assert.LessOrEqual(t, d4, 625*time.Millisecond)
}

type recordingDLQ struct {
	mu    sync.Mutex
	items []queue.WorkItem
}

func (r *recordingDLQ) DeadLetter(item queue.WorkItem, category string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
}

func (r *recordingDLQ) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func TestSchedulerRetriesUnderCeiling(t *testing.T) {
	var mu sync.Mutex
	var enqueued []queue.WorkItem
	enqueue := func(ctx context.Context, item queue.WorkItem) error {
		mu.Lock()
		defer mu.Unlock()
		enqueued = append(enqueued, item)
		return nil
	}
	dlq := &recordingDLQ{}
	policies := map[telemetry.Category]CategoryPolicy{
		telemetry.CategoryTransientNetwork: {Strategy: Fixed{Gap: time.Millisecond}, Ceiling: 3},
	}
	s := NewScheduler(policies, enqueue, dlq)

	item := queue.WorkItem{ScanID: "scan-1", Module: "m", Attempt: 1}
	require.NoError(t, s.Handle(context.Background(), item, telemetry.CategoryTransientNetwork, errors.New("boom")))

	mu.Lock()
	require.Len(t, enqueued, 1)
	assert.Equal(t, 2, enqueued[0].Attempt)
	assert.Equal(t, queue.LaneLow, enqueued[0].Lane)
	mu.Unlock()
	assert.Equal(t, 0, dlq.count())
}

func TestSchedulerDeadLettersAtCeiling(t *testing.T) {
	enqueue := func(ctx context.Context, item queue.WorkItem) error { return nil }
	dlq := &recordingDLQ{}
	policies := map[telemetry.Category]CategoryPolicy{
		telemetry.CategoryTransientNetwork: {Strategy: Fixed{Gap: time.Millisecond}, Ceiling: 5},
	}
	s := NewScheduler(policies, enqueue, dlq)

	item := queue.WorkItem{ScanID: "scan-1", Module: "m", Attempt: 5}
	require.NoError(t, s.Handle(context.Background(), item, telemetry.CategoryTransientNetwork, errors.New("boom")))
	assert.Equal(t, 1, dlq.count())
}

func TestSchedulerNeverRetriesPermanentCategory(t *testing.T) {
	enqueue := func(ctx context.Context, item queue.WorkItem) error {
		t.Fatal("should not retry a permanent category")
		return nil
	}
	dlq := &recordingDLQ{}
	s := NewScheduler(DefaultPolicies(), enqueue, dlq)

	item := queue.WorkItem{ScanID: "scan-1", Module: "m", Attempt: 1}
	require.NoError(t, s.Handle(context.Background(), item, telemetry.CategoryAuth, errors.New("401")))
	assert.Equal(t, 1, dlq.count())
}
