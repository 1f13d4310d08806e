package queue

import (
	"context"
	"testing"
	"time"

	"github.com/scanforge/engine/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkItem(lane Lane, id string) WorkItem {
	return WorkItem{ScanID: "scan-1", Module: "m", Lane: lane, Event: &event.Event{ID: id}}
}

func TestFairShareDequeueRespectsWeights(t *testing.T) {
	cfg := DefaultConfig(nil)
	q := New("scan-1", cfg)

	for i := 0; i < 8; i++ {
		require.NoError(t, q.Enqueue(context.Background(), mkItem(LaneHigh, "h")))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(context.Background(), mkItem(LaneNormal, "n")))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, q.Enqueue(context.Background(), mkItem(LaneLow, "l")))
	}

	counts := map[Lane]int{}
	for i := 0; i < 14; i++ {
		item, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		counts[item.Lane]++
	}
	assert.Equal(t, 8, counts[LaneHigh])
	assert.Equal(t, 4, counts[LaneNormal])
	assert.Equal(t, 2, counts[LaneLow])
}

func TestNoStarvationWhenHighLaneAlwaysNonEmpty(t *testing.T) {
	cfg := DefaultConfig(nil)
	q := New("scan-1", cfg)

	require.NoError(t, q.Enqueue(context.Background(), mkItem(LaneLow, "l1")))

	// Keep HIGH continuously non-empty; LOW must still be served
	// within one full weighted cycle per spec.md §4.6.
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(context.Background(), mkItem(LaneHigh, "h")))
	}

	var sawLow bool
	for i := 0; i < 4; i++ {
		item, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		if item.Lane == LaneLow {
			sawLow = true
		}
	}
	assert.True(t, sawLow, "LOW lane was starved within one full cycle")
}

type fakeDLQ struct {
	items []WorkItem
}

func (f *fakeDLQ) DeadLetter(item WorkItem, category string, cause error) {
	f.items = append(f.items, item)
}

func TestDropOldestEvictsToDeadLetter(t *testing.T) {
	dlq := &fakeDLQ{}
	cfg := Config{Lanes: map[Lane]LaneConfig{
		LaneNormal: {Capacity: 3, Policy: PolicyDropOldest, Weight: 1},
	}, DLQ: dlq}
	q := New("scan-1", cfg)

	require.NoError(t, q.Enqueue(context.Background(), mkItem(LaneNormal, "w1")))
	require.NoError(t, q.Enqueue(context.Background(), mkItem(LaneNormal, "w2")))
	require.NoError(t, q.Enqueue(context.Background(), mkItem(LaneNormal, "w3")))
	require.NoError(t, q.Enqueue(context.Background(), mkItem(LaneNormal, "w4")))

	require.Len(t, dlq.items, 1)
	assert.Equal(t, "w1", dlq.items[0].Event.ID)
	assert.Equal(t, 3, q.Depth(LaneNormal))
}

func TestRejectPolicyFailsImmediately(t *testing.T) {
	cfg := Config{Lanes: map[Lane]LaneConfig{
		LaneNormal: {Capacity: 1, Policy: PolicyReject, Weight: 1},
	}}
	q := New("scan-1", cfg)

	require.NoError(t, q.Enqueue(context.Background(), mkItem(LaneNormal, "w1")))
	err := q.Enqueue(context.Background(), mkItem(LaneNormal, "w2"))
	require.Error(t, err)
}

func TestBlockPolicyTimesOut(t *testing.T) {
	cfg := Config{Lanes: map[Lane]LaneConfig{
		LaneNormal: {Capacity: 1, Policy: PolicyBlock, Weight: 1},
	}}
	q := New("scan-1", cfg)

	require.NoError(t, q.Enqueue(context.Background(), mkItem(LaneNormal, "w1")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, mkItem(LaneNormal, "w2"))
	require.Error(t, err)
}

func TestPressureReflectsUsage(t *testing.T) {
	cfg := Config{Lanes: map[Lane]LaneConfig{
		LaneHigh:   {Capacity: 2, Policy: PolicyReject, Weight: 4},
		LaneNormal: {Capacity: 2, Policy: PolicyReject, Weight: 2},
		LaneLow:    {Capacity: 2, Policy: PolicyReject, Weight: 1},
	}}
	q := New("scan-1", cfg)
	assert.Equal(t, 0.0, q.Pressure())

	require.NoError(t, q.Enqueue(context.Background(), mkItem(LaneHigh, "h1")))
	require.NoError(t, q.Enqueue(context.Background(), mkItem(LaneHigh, "h2")))
	require.NoError(t, q.Enqueue(context.Background(), mkItem(LaneNormal, "n1")))

	assert.InDelta(t, 0.5, q.Pressure(), 0.001)
}
