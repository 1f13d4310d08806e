package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scanforge/engine/pkg/engineerrors"
	"github.com/scanforge/engine/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToExactMatchSubscriber(t *testing.T) {
	b := New(NewMemoryBackend())
	defer b.Close()

	sub, err := b.Subscribe("scan-1", "IP_ADDRESS", SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	e := event.New("scan-1", "IP_ADDRESS", "seed", nil)
	require.NoError(t, b.Publish(context.Background(), e))

	select {
	case got := <-sub.Events():
		assert.Equal(t, e.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWildcardSubscriberReceivesAllTypes(t *testing.T) {
	b := New(NewMemoryBackend())
	defer b.Close()

	sub, err := b.Subscribe("scan-1", "*", SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), event.New("scan-1", "DNS_RESOLVE", "seed", nil)))
	require.NoError(t, b.Publish(context.Background(), event.New("scan-1", "IP_ADDRESS", "m", nil)))

	for i := 0; i < 2; i++ {
		select {
		case <-sub.Events():
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPrefixWildcardMatchesOnlyMatchingTypes(t *testing.T) {
	b := New(NewMemoryBackend())
	defer b.Close()

	sub, err := b.Subscribe("scan-1", "IP_*", SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), event.New("scan-1", "IP_ADDRESS", "m", nil)))
	require.NoError(t, b.Publish(context.Background(), event.New("scan-1", "DOMAIN_NAME", "m", nil)))

	select {
	case got := <-sub.Events():
		assert.Equal(t, event.Type("IP_ADDRESS"), got.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case got := <-sub.Events():
		t.Fatalf("unexpected second delivery: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriberCountAndUnsubscribe(t *testing.T) {
	b := New(NewMemoryBackend())
	defer b.Close()

	sub, err := b.Subscribe("scan-1", "*", SubscribeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriberCount("scan-1"))

	sub.Unsubscribe()
	assert.Equal(t, 0, b.SubscriberCount("scan-1"))
}

func TestPartitionsAreIsolatedPerScan(t *testing.T) {
	backend := NewMemoryBackend()
	b := New(backend)
	defer b.Close()

	subA, err := b.Subscribe("scan-a", "*", SubscribeOptions{})
	require.NoError(t, err)
	defer subA.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), event.New("scan-b", "IP_ADDRESS", "m", nil)))

	select {
	case got := <-subA.Events():
		t.Fatalf("cross-scan leak: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishSameEventIDIsDeliveredExactlyOnce(t *testing.T) {
	b := New(NewMemoryBackend())
	defer b.Close()

	sub, err := b.Subscribe("scan-1", "*", SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	e := event.New("scan-1", "IP_ADDRESS", "seed", nil)
	require.NoError(t, b.Publish(context.Background(), e))
	require.NoError(t, b.Publish(context.Background(), e))

	select {
	case got := <-sub.Events():
		assert.Equal(t, e.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case got := <-sub.Events():
		t.Fatalf("unexpected second delivery of duplicate event_id: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSyncInlineSubscriberRunsBeforePublishReturns(t *testing.T) {
	b := New(NewMemoryBackend())
	defer b.Close()

	var delivered int32
	sub, err := b.Subscribe("scan-1", "*", SubscribeOptions{
		Mode: SyncInline,
		Inline: func(e *event.Event) error {
			atomic.AddInt32(&delivered, 1)
			return nil
		},
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), event.New("scan-1", "IP_ADDRESS", "m", nil)))

	assert.EqualValues(t, 1, atomic.LoadInt32(&delivered), "Inline handler must have run by the time Publish returns")
}

func TestSyncInlineWithoutHandlerIsRejected(t *testing.T) {
	b := New(NewMemoryBackend())
	defer b.Close()

	_, err := b.Subscribe("scan-1", "*", SubscribeOptions{Mode: SyncInline})
	require.Error(t, err)
}

func TestPredicateFiltersPayloads(t *testing.T) {
	b := New(NewMemoryBackend())
	defer b.Close()

	sub, err := b.Subscribe("scan-1", "IP_ADDRESS", SubscribeOptions{
		Predicate: func(e *event.Event) bool {
			return e.Data["addr"] == "93.184.216.34"
		},
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), event.New("scan-1", "IP_ADDRESS", "m", map[string]any{"addr": "10.0.0.1"})))
	require.NoError(t, b.Publish(context.Background(), event.New("scan-1", "IP_ADDRESS", "m", map[string]any{"addr": "93.184.216.34"})))

	select {
	case got := <-sub.Events():
		assert.Equal(t, "93.184.216.34", got.Data["addr"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching event")
	}

	select {
	case got := <-sub.Events():
		t.Fatalf("predicate should have dropped this delivery: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishFailsWithBackpressureTimeoutWhenPartitionStaysFull(t *testing.T) {
	backend := NewMemoryBackendWithTimeout(50 * time.Millisecond)
	b := New(backend)
	defer b.Close()

	// The partition's dispatch goroutine drains its ring buffer
	// (capacity 256) even with no subscribers, so a subscriber whose
	// predicate blocks is used to hold that goroutine on the first
	// event. The next 256 publishes fill the ring, and the one after
	// must block on the bus-owned deadline and fail with
	// ErrBackpressureTimeout rather than hang forever on the caller's
	// own (never-cancelled) context.
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	_, err := b.Subscribe("scan-1", "*", SubscribeOptions{Predicate: func(*event.Event) bool {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return false
	}})
	require.NoError(t, err)
	defer close(release)

	require.NoError(t, b.Publish(context.Background(), event.New("scan-1", "IP_ADDRESS", "m", nil)))
	<-entered
	for i := 0; i < 256; i++ {
		require.NoError(t, b.Publish(context.Background(), event.New("scan-1", "IP_ADDRESS", "m", nil)))
	}

	err = b.Publish(context.Background(), event.New("scan-1", "IP_ADDRESS", "m", nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, engineerrors.ErrBackpressureTimeout))
}
