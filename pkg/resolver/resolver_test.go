package resolver

import (
	"testing"

	"github.com/scanforge/engine/pkg/event"
	"github.com/scanforge/engine/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct{ d plugin.Descriptor }

func (f *fakeHandler) Descriptor() plugin.Descriptor                             { return f.d }
func (f *fakeHandler) Setup(ctx *plugin.Context, options map[string]any) error    { return nil }
func (f *fakeHandler) Handle(ctx *plugin.Context, in *event.Event) error          { return nil }
func (f *fakeHandler) Teardown(ctx *plugin.Context) error                        { return nil }

func registry(descs ...plugin.Descriptor) *plugin.StaticRegistry {
	r := plugin.NewStaticRegistry()
	for _, d := range descs {
		d := d
		r.Register(d, func() plugin.Handler { return &fakeHandler{d: d} })
	}
	return r
}

func TestResolveLinearChain(t *testing.T) {
	reg := registry(
		plugin.Descriptor{Name: "dns_resolve", Consumes: []event.Type{"DOMAIN_NAME"}, Produces: []event.Type{"IP_ADDRESS"}},
		plugin.Descriptor{Name: "geo_locate", Consumes: []event.Type{"IP_ADDRESS"}, Produces: []event.Type{"GEO_LOCATION"}},
	)
	plan, err := New(reg).Resolve([]event.Type{"DOMAIN_NAME"}, []event.Type{"GEO_LOCATION"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dns_resolve", "geo_locate"}, plan.Modules)
	assert.Equal(t, []string{"dns_resolve", "geo_locate"}, plan.Order)
}

func TestResolveUnsatisfiedOutputWarns(t *testing.T) {
	reg := registry(
		plugin.Descriptor{Name: "dns_resolve", Consumes: []event.Type{"DOMAIN_NAME"}, Produces: []event.Type{"IP_ADDRESS"}},
	)
	plan, err := New(reg).Resolve([]event.Type{"DOMAIN_NAME"}, []event.Type{"IP_ADDRESS", "GEO_LOCATION"})
	require.NoError(t, err)
	assert.Equal(t, []string{"dns_resolve"}, plan.Modules)
	require.Len(t, plan.Warnings, 1)
	assert.Contains(t, plan.Warnings[0], "GEO_LOCATION")
}

func TestResolveBreaksMutualCycle(t *testing.T) {
	// subdomain_enum and domain_from_sub mutually feed each other with
	// neither output reachable from any seed, forcing the backward
	// walk into a genuine 2-cycle that topoSort cannot order.
	reg := registry(
		plugin.Descriptor{Name: "subdomain_enum", Consumes: []event.Type{"DOMAIN_NAME"}, Produces: []event.Type{"SUBDOMAIN"}},
		plugin.Descriptor{Name: "domain_from_sub", Consumes: []event.Type{"SUBDOMAIN"}, Produces: []event.Type{"DOMAIN_NAME"}},
	)
	plan, err := New(reg).Resolve(nil, []event.Type{"SUBDOMAIN"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"subdomain_enum", "domain_from_sub"}, plan.Modules)
	assert.Len(t, plan.Order, 2)
}

func TestResolveIsDeterministicAcrossRuns(t *testing.T) {
	reg := registry(
		plugin.Descriptor{Name: "dns_resolve_a", Consumes: []event.Type{"DOMAIN_NAME"}, Produces: []event.Type{"IP_ADDRESS"}},
		plugin.Descriptor{Name: "dns_resolve_b", Consumes: []event.Type{"DOMAIN_NAME"}, Produces: []event.Type{"IP_ADDRESS"}},
	)
	r := New(reg)
	plan1, err := r.Resolve([]event.Type{"DOMAIN_NAME"}, []event.Type{"IP_ADDRESS"})
	require.NoError(t, err)
	plan2, err := r.Resolve([]event.Type{"DOMAIN_NAME"}, []event.Type{"IP_ADDRESS"})
	require.NoError(t, err)
	assert.Equal(t, plan1.Modules, plan2.Modules)
	assert.Equal(t, []string{"dns_resolve_a"}, plan1.Modules)
}
