package plugin

import (
	"context"
	"testing"
	"time"

	"github.com/scanforge/engine/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	descriptor Descriptor
	handle     func(ctx *Context, in *event.Event) error
}

func (f *fakeHandler) Descriptor() Descriptor { return f.descriptor }
func (f *fakeHandler) Setup(ctx *Context, options map[string]any) error { return nil }
func (f *fakeHandler) Handle(ctx *Context, in *event.Event) error       { return f.handle(ctx, in) }
func (f *fakeHandler) Teardown(ctx *Context) error                      { return nil }

func TestStaticRegistryRegisterAndInstantiate(t *testing.T) {
	r := NewStaticRegistry()
	d := Descriptor{Name: "dns_resolve", Consumes: []event.Type{"DOMAIN_NAME"}, Produces: []event.Type{"IP_ADDRESS"}}
	r.Register(d, func() Handler {
		return &fakeHandler{descriptor: d, handle: func(ctx *Context, in *event.Event) error { return nil }}
	})

	descs := r.ListDescriptors()
	require.Len(t, descs, 1)
	assert.Equal(t, "dns_resolve", descs[0].Name)

	h, err := r.Instantiate("dns_resolve")
	require.NoError(t, err)
	assert.Equal(t, "dns_resolve", h.Descriptor().Name)

	_, err = r.Instantiate("nope")
	assert.Error(t, err)
}

func TestInvokeRecoversPanic(t *testing.T) {
	h := &fakeHandler{
		descriptor: Descriptor{Name: "panicky"},
		handle: func(ctx *Context, in *event.Event) error {
			panic("boom")
		},
	}
	ctx := &Context{Context: context.Background(), ScanID: "scan-1"}
	err := Invoke(ctx, h, event.New("scan-1", "SEED", "seed", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestInvokeEnforcesHardTimeout(t *testing.T) {
	h := &fakeHandler{
		descriptor: Descriptor{Name: "slow", HardTimeout: 20 * time.Millisecond},
		handle: func(ctx *Context, in *event.Event) error {
			select {
			case <-time.After(time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	ctx := &Context{Context: context.Background(), ScanID: "scan-1"}
	err := Invoke(ctx, h, event.New("scan-1", "SEED", "seed", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hard timeout")
}

func TestInvokeReturnsHandlerError(t *testing.T) {
	h := &fakeHandler{
		descriptor: Descriptor{Name: "erroring"},
		handle: func(ctx *Context, in *event.Event) error {
			return assert.AnError
		},
	}
	ctx := &Context{Context: context.Background(), ScanID: "scan-1"}
	err := Invoke(ctx, h, event.New("scan-1", "SEED", "seed", nil))
	assert.ErrorIs(t, err, assert.AnError)
}
