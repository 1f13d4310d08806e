// Package resolver computes, for a scan's configured seed inputs and
// requested outputs, the set of modules that must run and a valid
// execution order for them: a backward graph walk from the requested
// outputs down to the seeds, followed by a topological sort.
package resolver

import (
	"fmt"
	"sort"

	"github.com/scanforge/engine/pkg/engineerrors"
	"github.com/scanforge/engine/pkg/event"
	"github.com/scanforge/engine/pkg/log"
	"github.com/scanforge/engine/pkg/plugin"
)

// Plan is the resolved module set for one scan: which modules run, and
// an order in which they may be started that respects their
// producer/consumer edges.
type Plan struct {
	Modules []string
	// Order lists module names in a valid topological order; modules
	// with no dependency between them may run concurrently, and the
	// Worker Pool is free to start any module as soon as everything it
	// consumes has at least one producer already running.
	Order []string
	// Warnings lists requested outputs that no registered module
	// produces. These are diagnostics, not failures: scan creation
	// still succeeds for the other outputs. An output whose producer
	// exists is not listed, even when that producer's own inputs cannot
	// be reached from the seed types.
	Warnings []string
}

// Resolver walks a Registry's descriptors to build a Plan.
type Resolver struct {
	registry plugin.Registry
}

func New(registry plugin.Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve performs the backward walk described in spec.md §4.3: start
// from targetOutputs, pull in every module that Produces a needed
// type, and recurse on that module's Consumes, stopping at types
// already available from seedTypes. A requested output that no
// registered module produces is not a failure: it is recorded in the
// returned Plan's Warnings (wrapping engineerrors.ErrUnsatisfiedOutput)
// and the walk continues with the remaining outputs. Reachability from
// the seeds is not checked beyond that: a producing module is added to
// the plan even when nothing available feeds its own Consumes.
func (r *Resolver) Resolve(seedTypes []event.Type, targetOutputs []event.Type) (*Plan, error) {
	logger := log.WithComponent("resolver")

	descriptors := r.registry.ListDescriptors()
	producers := make(map[event.Type][]plugin.Descriptor)
	for _, d := range descriptors {
		for _, t := range d.Produces {
			producers[t] = append(producers[t], d)
		}
	}

	available := make(map[event.Type]bool, len(seedTypes))
	for _, t := range seedTypes {
		available[t] = true
	}

	needed := make(map[string]plugin.Descriptor)
	var walk func(t event.Type) bool
	walk = func(t event.Type) bool {
		if available[t] {
			return true
		}
		cands, ok := producers[t]
		if !ok || len(cands) == 0 {
			return false
		}
		// Deterministic choice when multiple modules produce the same
		// type: prefer the module whose name sorts first, so repeated
		// resolution of the same scan config always yields the same
		// plan.
		sort.Slice(cands, func(i, j int) bool { return cands[i].Name < cands[j].Name })
		chosen := cands[0]
		if _, already := needed[chosen.Name]; already {
			return true
		}
		needed[chosen.Name] = chosen
		for _, consumed := range chosen.Consumes {
			walk(consumed)
		}
		return true
	}

	var warnings []string
	for _, out := range targetOutputs {
		if !walk(out) {
			err := fmt.Errorf("resolver: output %q unreachable from seeds: %w", out, engineerrors.ErrUnsatisfiedOutput)
			logger.Warn().Err(err).Str("output", string(out)).Msg("requested output unsatisfied")
			warnings = append(warnings, err.Error())
		}
	}

	order, err := topoSort(needed)
	if err != nil {
		logger.Warn().Err(err).Msg("cycle detected in module graph, breaking deterministically")
		order = breakCyclesAndSort(needed)
	}

	names := make([]string, 0, len(needed))
	for name := range needed {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Plan{Modules: names, Order: order, Warnings: warnings}, nil
}

// edges builds module -> module dependency edges: an edge from A to B
// means A must run before B because A produces something B consumes.
func edges(needed map[string]plugin.Descriptor) map[string][]string {
	producedBy := make(map[event.Type]string)
	for name, d := range needed {
		for _, t := range d.Produces {
			producedBy[t] = name
		}
	}
	out := make(map[string][]string, len(needed))
	for name, d := range needed {
		for _, t := range d.Consumes {
			if producer, ok := producedBy[t]; ok && producer != name {
				out[producer] = append(out[producer], name)
			}
		}
	}
	return out
}

// topoSort runs Kahn's algorithm over the module dependency graph,
// returning engineerrors.ErrCycleDetected if it cannot fully order the
// graph.
func topoSort(needed map[string]plugin.Descriptor) ([]string, error) {
	adj := edges(needed)
	inDegree := make(map[string]int, len(needed))
	for name := range needed {
		inDegree[name] = 0
	}
	for _, tos := range adj {
		for _, to := range tos {
			inDegree[to]++
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		sort.Strings(queue)
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, to := range adj[n] {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if len(order) != len(needed) {
		return nil, fmt.Errorf("resolver: %w", engineerrors.ErrCycleDetected)
	}
	return order, nil
}

// breakCyclesAndSort handles the OSINT-realistic case where modules
// mutually feed each other (e.g. a subdomain module producing
// DOMAIN_NAME events that a domain module also consumes): rather than
// fail the whole scan, it repeatedly picks the node with the smallest
// remaining in-degree (ties broken by name) to force into the order,
// which deterministically breaks every remaining cycle at its weakest
// point instead of refusing to schedule mutually-dependent modules at
// all.
func breakCyclesAndSort(needed map[string]plugin.Descriptor) []string {
	adj := edges(needed)
	inDegree := make(map[string]int, len(needed))
	remaining := make(map[string]bool, len(needed))
	for name := range needed {
		inDegree[name] = 0
		remaining[name] = true
	}
	for _, tos := range adj {
		for _, to := range tos {
			inDegree[to]++
		}
	}

	var order []string
	for len(remaining) > 0 {
		var best string
		bestDeg := -1
		var names []string
		for name := range remaining {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if bestDeg == -1 || inDegree[name] < bestDeg {
				best = name
				bestDeg = inDegree[name]
			}
		}
		order = append(order, best)
		delete(remaining, best)
		for _, to := range adj[best] {
			if remaining[to] {
				inDegree[to]--
			}
		}
	}
	return order
}
