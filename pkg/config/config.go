// Package config implements the Configuration surface described in
// spec.md §6: scan-creation configuration (target, module set,
// per-module options, priority lane, required tags), validated and
// frozen at STARTING and immutable afterwards, plus YAML-templated
// scan definitions and a hot-reloading plug-in manifest watcher.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/scanforge/engine/pkg/event"
	"github.com/scanforge/engine/pkg/log"
	"github.com/scanforge/engine/pkg/plugin"
	"github.com/scanforge/engine/pkg/queue"
	"gopkg.in/yaml.v3"
)

// ModuleOptions is a per-module key/value option map. Validate does not
// check its keys: any key is accepted for a known module.
type ModuleOptions map[string]any

// ScanConfig is the frozen configuration snapshot a Scan carries from
// STARTING onward, per spec.md §3's Scan.config.
type ScanConfig struct {
	TargetValue   string                   `yaml:"target_value" json:"target_value"`
	TargetType    string                   `yaml:"target_type" json:"target_type"`
	Modules       []string                 `yaml:"modules" json:"modules"`
	ModuleOptions map[string]ModuleOptions `yaml:"module_options" json:"module_options"`
	PriorityLane  queue.Lane               `yaml:"priority_lane" json:"priority_lane"`
	RequiredTags  []string                 `yaml:"required_tags" json:"required_tags"`
	LaneWeights   map[queue.Lane]int       `yaml:"lane_weights" json:"lane_weights"`
	LanePolicies  map[queue.Lane]string    `yaml:"lane_policies" json:"lane_policies"`

	frozen bool
}

// Frozen reports whether this config has been locked by Freeze.
func (c *ScanConfig) Frozen() bool { return c.frozen }

// Freeze deep-copies c and marks the copy immutable, matching spec.md
// §3's invariant that a scan's config snapshot never changes after
// STARTING.
func (c *ScanConfig) Freeze() *ScanConfig {
	cp := *c
	cp.Modules = append([]string(nil), c.Modules...)
	cp.RequiredTags = append([]string(nil), c.RequiredTags...)
	cp.ModuleOptions = make(map[string]ModuleOptions, len(c.ModuleOptions))
	for k, v := range c.ModuleOptions {
		opts := make(ModuleOptions, len(v))
		for ok, ov := range v {
			opts[ok] = ov
		}
		cp.ModuleOptions[k] = opts
	}
	cp.LaneWeights = make(map[queue.Lane]int, len(c.LaneWeights))
	for k, v := range c.LaneWeights {
		cp.LaneWeights[k] = v
	}
	cp.LanePolicies = make(map[queue.Lane]string, len(c.LanePolicies))
	for k, v := range c.LanePolicies {
		cp.LanePolicies[k] = v
	}
	cp.frozen = true
	return &cp
}

// Validate checks a ScanConfig against the plug-in registry: target
// value/type must be set and every named module must exist. Per-module
// option keys are not checked, so unknown keys are accepted, and lane
// weights and policies are not checked either.
func Validate(cfg *ScanConfig, registry plugin.Registry) error {
	if cfg.TargetValue == "" {
		return fmt.Errorf("config: target_value is required")
	}
	if cfg.TargetType == "" {
		return fmt.Errorf("config: target_type is required")
	}

	descriptors := make(map[string]plugin.Descriptor)
	for _, d := range registry.ListDescriptors() {
		descriptors[d.Name] = d
	}

	for _, name := range cfg.Modules {
		d, ok := descriptors[name]
		if !ok {
			return fmt.Errorf("config: unknown module %q", name)
		}
		_ = cfg.ModuleOptions[name]
		_ = d
		// Descriptor declares no option keys, so this loop accepts
		// every option key given for a known module.
	}
	return nil
}

// LoadYAML reads a ScanConfig template from a YAML file, the format a
// scan-creation API or CLI (cmd/scanenginectl) hands to the engine.
func LoadYAML(path string) (*ScanConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg ScanConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ManifestWatcher watches a directory of plug-in descriptor manifests
// (YAML files, one module per file) and hot-registers them into a
// plugin.StaticRegistry without a process restart, using fsnotify.
type ManifestWatcher struct {
	dir      string
	registry *plugin.StaticRegistry
	factory  func(name string) plugin.Factory

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// descriptorManifest is the on-disk shape of one module's manifest.
type descriptorManifest struct {
	Name        string   `yaml:"name"`
	Consumes    []string `yaml:"consumes"`
	Produces    []string `yaml:"produces"`
	RequireTags []string `yaml:"require_tags"`
	SoftTimeout string   `yaml:"soft_timeout"`
	HardTimeout string   `yaml:"hard_timeout"`
}

// NewManifestWatcher builds a watcher over dir. factory maps a
// manifest's module name to the plugin.Factory that instantiates it;
// the manifest only supplies the static Descriptor, since Handler
// implementations aren't data.
func NewManifestWatcher(dir string, registry *plugin.StaticRegistry, factory func(name string) plugin.Factory) *ManifestWatcher {
	return &ManifestWatcher{dir: dir, registry: registry, factory: factory}
}

// LoadAll parses every manifest file in dir and registers it.
func (w *ManifestWatcher) LoadAll() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("config: read manifest dir %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := w.loadOne(w.dir + "/" + e.Name()); err != nil {
			log.WithComponent("config").Warn().Err(err).Str("file", e.Name()).Msg("skipping invalid plug-in manifest")
		}
	}
	return nil
}

func (w *ManifestWatcher) loadOne(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m descriptorManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return err
	}
	if m.Name == "" {
		return fmt.Errorf("manifest missing name field")
	}

	d := plugin.Descriptor{Name: m.Name, RequireTags: m.RequireTags}
	for _, t := range m.Consumes {
		d.Consumes = append(d.Consumes, event.Type(t))
	}
	for _, t := range m.Produces {
		d.Produces = append(d.Produces, event.Type(t))
	}
	if dur, err := time.ParseDuration(m.SoftTimeout); err == nil {
		d.SoftTimeout = dur
	}
	if dur, err := time.ParseDuration(m.HardTimeout); err == nil {
		d.HardTimeout = dur
	}

	f := w.factory(m.Name)
	if f == nil {
		return fmt.Errorf("no factory registered for module %q", m.Name)
	}
	w.registry.Register(d, f)
	log.WithComponent("config").Info().Str("module", m.Name).Msg("hot-registered plug-in manifest")
	return nil
}

// Watch blocks, re-loading a manifest file as fsnotify reports writes
// or creates, until stop receives a value or is closed, or fsnotify
// closes its channels.
func (w *ManifestWatcher) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create fsnotify watcher: %w", err)
	}
	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch manifest dir %s: %w", w.dir, err)
	}

	logger := log.WithComponent("config")
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.loadOne(ev.Name); err != nil {
				logger.Warn().Err(err).Str("file", ev.Name).Msg("failed to hot-reload plug-in manifest")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("manifest watcher error")
		case <-stop:
			watcher.Close()
			return nil
		}
	}
}
