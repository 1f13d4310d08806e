// Package plugin defines the module runtime contract: every data
// collection plug-in implements Descriptor/Setup/Handle/Teardown, and
// the engine drives that contract through a Registry.
package plugin

import (
	"context"
	"time"

	"github.com/scanforge/engine/pkg/event"
)

// Descriptor is the static metadata a module publishes about itself:
// what it consumes, what it can produce, and the budget the runtime
// should give each invocation. The Module Resolver walks the graph of
// Descriptors backward from a scan's requested outputs to its seed
// inputs.
type Descriptor struct {
	Name        string
	Consumes    []event.Type
	Produces    []event.Type
	RequireTags []string

	// SoftTimeout is advisory: the runtime logs a warning if Handle
	// hasn't returned after this long but lets it keep running.
	SoftTimeout time.Duration

	// HardTimeout cancels the handler's Context; Handle must return
	// promptly once ctx.Done() fires or the runtime treats it as a
	// module error.
	HardTimeout time.Duration
}

// Context is threaded through every plug-in invocation. It embeds
// context.Context for cancellation/deadline propagation and carries
// the scan-scoped handles a module needs to do its work without
// importing pkg/scan or pkg/bus directly.
type Context struct {
	context.Context
	ScanID string
	Emit   func(e *event.Event) error
}

// Handler is what a module instance actually is: Setup runs once per
// scan before any events are delivered, Handle runs once per matching
// input Event, Teardown runs once the scan reaches a terminal state or
// this module is removed from the resolved plan.
type Handler interface {
	Descriptor() Descriptor
	Setup(ctx *Context, options map[string]any) error
	Handle(ctx *Context, in *event.Event) error
	Teardown(ctx *Context) error
}

// Factory constructs a fresh Handler instance. Handlers are expected to
// carry per-scan state, so the Registry hands out a new instance per
// scan rather than sharing one across concurrent scans.
type Factory func() Handler

// Registry is how the engine discovers available modules. Production
// deployments supply a Registry backed by the real plug-in catalogue;
// StaticRegistry (runtime.go) is what this core ships for tests and demos.
type Registry interface {
	ListDescriptors() []Descriptor
	Instantiate(name string) (Handler, error)
}
