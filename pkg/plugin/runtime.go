package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scanforge/engine/pkg/event"
	"github.com/scanforge/engine/pkg/log"
)

// StaticRegistry is an in-memory Registry backed by a fixed map of
// factories, registered at construction time. It is what this core
// ships for tests and demo plug-ins; production registries (the real
// plug-in catalogue) are supplied by the caller and only need to
// satisfy Registry.
type StaticRegistry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	factories   map[string]Factory
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		descriptors: make(map[string]Descriptor),
		factories:   make(map[string]Factory),
	}
}

// Register adds a module to the registry. Calling Register twice for
// the same descriptor name replaces the prior registration, which is
// how pkg/config's fsnotify watcher hot-reloads a plug-in manifest
// directory without restarting the engine.
func (r *StaticRegistry) Register(d Descriptor, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[d.Name] = d
	r.factories[d.Name] = f
}

func (r *StaticRegistry) ListDescriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}

func (r *StaticRegistry) Instantiate(name string) (Handler, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin: unknown module %q", name)
	}
	return f(), nil
}

// Invoke runs one Handle call under the Descriptor's timeout budget,
// isolating the caller from a panicking or hanging module the way the
// engine must: one module's failure never brings down another's
// in-flight work. A recovered panic and a context deadline are both
// reported as a plain error rather than propagated, so the caller
// (the Worker Pool) can route it to pkg/telemetry uniformly.
func Invoke(parent *Context, h Handler, in *event.Event) (err error) {
	d := h.Descriptor()

	ctx := parent
	var cancel context.CancelFunc
	if d.HardTimeout > 0 {
		var cctx context.Context
		cctx, cancel = context.WithTimeout(parent.Context, d.HardTimeout)
		defer cancel()
		ctx = &Context{Context: cctx, ScanID: parent.ScanID, Emit: parent.Emit}
	}

	logger := log.WithModule(d.Name)

	var softTimer *time.Timer
	if d.SoftTimeout > 0 {
		softTimer = time.AfterFunc(d.SoftTimeout, func() {
			logger.Warn().Str("event_id", in.ID).Msg("module handler exceeded soft timeout")
		})
		defer softTimer.Stop()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("plugin: module %q panicked: %v", d.Name, r)
			}
		}()
		done <- h.Handle(ctx, in)
	}()

	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("plugin: module %q exceeded hard timeout: %w", d.Name, ctx.Err())
	}
}
