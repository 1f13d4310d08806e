package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/scanforge/engine/pkg/config"
	"github.com/scanforge/engine/pkg/event"
	"github.com/scanforge/engine/pkg/plugin"
	"github.com/scanforge/engine/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// expanderHandler consumes one Type and derives a fixed output event
// from each input it sees, recording every event it handles so tests
// can assert on transitive expansion.
type expanderHandler struct {
	desc plugin.Descriptor

	mu   sync.Mutex
	seen []*event.Event
}

func newExpanderHandler(name string, consumes, produces event.Type) *expanderHandler {
	return &expanderHandler{
		desc: plugin.Descriptor{
			Name:     name,
			Consumes: []event.Type{consumes},
			Produces: []event.Type{produces},
		},
	}
}

func (h *expanderHandler) Descriptor() plugin.Descriptor              { return h.desc }
func (h *expanderHandler) Setup(*plugin.Context, map[string]any) error { return nil }
func (h *expanderHandler) Teardown(*plugin.Context) error             { return nil }

func (h *expanderHandler) Handle(ctx *plugin.Context, in *event.Event) error {
	h.mu.Lock()
	h.seen = append(h.seen, in)
	h.mu.Unlock()

	out := in.Derive(h.desc.Produces[0], h.desc.Name, map[string]any{"from": in.ID})
	return ctx.Emit(out)
}

func (h *expanderHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func TestEngineExpandsTransitivelyFromSeedEvent(t *testing.T) {
	registry := plugin.NewStaticRegistry()

	subdomains := newExpanderHandler("subdomain_enum", "DOMAIN_NAME", "DNS_RECORD")
	ipResolve := newExpanderHandler("ip_resolver", "DNS_RECORD", "IP_ADDRESS")

	registry.Register(subdomains.desc, func() plugin.Handler { return subdomains })
	registry.Register(ipResolve.desc, func() plugin.Handler { return ipResolve })

	e := New(Config{Registry: registry})

	cfg := &config.ScanConfig{
		TargetValue: "example.com",
		TargetType:  "domain",
		Modules:     []string{"subdomain_enum", "ip_resolver"},
	}

	s, plan, err := e.CreateScan(
		[]event.Type{"ROOT", "DOMAIN_NAME"},
		[]event.Type{"IP_ADDRESS"},
		cfg,
	)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"subdomain_enum", "ip_resolver"}, plan.Modules)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.Start(ctx, s, plan, cfg, map[string]any{"domain_name": "example.com"})
	}()

	require.Eventually(t, func() bool {
		st := s.State()
		return st == "RUNNING" || st == "FINISHING" || st == "FINISHED"
	}, 2*time.Second, 10*time.Millisecond)

	seed := event.New(s.ID, "DOMAIN_NAME", "engine", map[string]any{"value": "example.com"})
	require.NoError(t, e.publish(ctx, s, seed))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not terminate in time")
	}

	assert.Equal(t, 1, subdomains.count())
	assert.Equal(t, 1, ipResolve.count())
	assert.Equal(t, "FINISHED", string(s.State()))
	// ROOT (from Start) + DOMAIN_NAME (seeded by the test) + DNS_RECORD + IP_ADDRESS
	assert.Equal(t, 4, s.Record().Metrics.EventsProduced)
}

func TestPublishRejectsInvalidCausality(t *testing.T) {
	registry := plugin.NewStaticRegistry()
	e := New(Config{Registry: registry})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	e.Store = store

	cfg := &config.ScanConfig{TargetValue: "example.com", TargetType: "domain"}
	s, _, err := e.CreateScan(nil, nil, cfg)
	require.NoError(t, err)

	orphan := &event.Event{
		ID:            "child-1",
		ScanID:        s.ID,
		Type:          "IP_ADDRESS",
		Kind:          event.KindData,
		SourceEventID: "does-not-exist",
	}
	require.Error(t, e.publish(context.Background(), s, orphan))
}

func TestPublishAcceptsEventWithResolvableSource(t *testing.T) {
	registry := plugin.NewStaticRegistry()
	e := New(Config{Registry: registry})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	e.Store = store

	cfg := &config.ScanConfig{TargetValue: "example.com", TargetType: "domain"}
	s, _, err := e.CreateScan(nil, nil, cfg)
	require.NoError(t, err)

	parent := event.New(s.ID, "DOMAIN_NAME", "seed", nil)
	require.NoError(t, e.publish(context.Background(), s, parent))

	child := parent.Derive("IP_ADDRESS", "resolver", nil)
	require.NoError(t, e.publish(context.Background(), s, child))
}

func TestPublishRejectsExcessiveDeliveryDepth(t *testing.T) {
	registry := plugin.NewStaticRegistry()
	e := New(Config{Registry: registry})

	cfg := &config.ScanConfig{TargetValue: "example.com", TargetType: "domain"}
	s, _, err := e.CreateScan(nil, nil, cfg)
	require.NoError(t, err)

	deep := &event.Event{
		ID:     "deep-1",
		ScanID: s.ID,
		Type:   "IP_ADDRESS",
		Kind:   event.KindData,
		Depth:  MaxDeliveryDepth + 1,
	}
	require.Error(t, e.publish(context.Background(), s, deep))
}
