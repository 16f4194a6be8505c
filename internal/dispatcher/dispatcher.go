// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package dispatcher

import (
	"context"
	"sync"

	"github.com/mia-platform/amux/internal/config"
	"github.com/mia-platform/amux/internal/destination"
	"github.com/mia-platform/amux/internal/logger"
	"github.com/mia-platform/amux/internal/metrics"
	"github.com/mia-platform/amux/internal/poll"
	"github.com/mia-platform/amux/internal/resource"
)

const loggerName = "amux:dispatcher"

// Options tunes a Dispatcher. The zero value is usable: a nil Registry is
// replaced with the builtin vendors, a nil Cache with the process wide one.
type Options struct {
	Logger   logger.Logger
	Registry *Registry
	Cache    *resource.Cache
	Metrics  *metrics.Recorder
	Budget   poll.Budget
}

// Dispatcher fans tracking calls out to the adapters built from the current
// configuration. Tracking methods never return an error: failing or even
// panicking adapters are isolated, logged and skipped so the remaining ones
// are still invoked.
type Dispatcher struct {
	log      logger.Logger
	registry *Registry
	cache    *resource.Cache
	metrics  *metrics.Recorder
	budget   poll.Budget

	mtx        sync.RWMutex
	cfg        config.Config
	properties destination.Properties
	adapters   []destination.Adapter
	byName     map[string]destination.Adapter
	cancel     context.CancelFunc
}

// New builds one adapter per eligible provider of cfg, in registry declaration
// order, and starts their lifecycles under ctx. Ineligible or unrecognized
// providers are skipped without error.
func New(ctx context.Context, cfg config.Config, options Options) *Dispatcher {
	log := options.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}

	registry := options.Registry
	if registry == nil {
		registry = Builtin()
	}

	cache := options.Cache
	if cache == nil {
		cache = resource.Default()
	}

	d := &Dispatcher{
		log:      log.WithName(loggerName),
		registry: registry,
		cache:    cache,
		metrics:  options.Metrics,
		budget:   options.Budget,
	}

	if cfg.EnableDebug {
		d.log.SetLevel(logger.DEBUG)
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.rebuild(ctx, cfg)
	return d
}

// rebuild replaces the adapter set with one built from cfg. The previous
// generation's lifecycles are cancelled so orphaned acquisitions and
// readiness polls stop instead of settling against discarded adapters.
// Callers must hold d.mtx.
func (d *Dispatcher) rebuild(ctx context.Context, cfg config.Config) {
	if d.cancel != nil {
		d.cancel()
	}
	for _, adapter := range d.adapters {
		d.metrics.ForgetProvider(adapter.Name())
	}

	generation, cancel := context.WithCancel(context.WithoutCancel(ctx))

	d.cfg = cfg.Snapshot()
	d.properties = destination.Properties(cfg.GlobalProperties).Merge(nil)
	d.cancel = cancel
	d.adapters = make([]destination.Adapter, 0, len(d.registry.builders))
	d.byName = make(map[string]destination.Adapter, len(d.registry.builders))

	for _, builder := range d.registry.builders {
		provider, found := cfg.Providers[builder.Name]
		if !found || !provider.Eligible() {
			d.log.Debug("provider not eligible, skipping", "provider", builder.Name)
			continue
		}

		adapter, err := builder.Build(provider.Clone(), destination.Options{
			Logger:     d.log,
			Cache:      d.cache,
			Metrics:    d.metrics,
			Budget:     d.budget,
			Properties: d.properties,
		})
		if err != nil {
			d.log.Warn("cannot build provider adapter, skipping", "provider", builder.Name, "error", err.Error())
			continue
		}

		d.adapters = append(d.adapters, adapter)
		d.byName[builder.Name] = adapter
		adapter.Start(generation)
	}
}

// TrackEvent forwards event to every enabled adapter in declaration order.
func (d *Dispatcher) TrackEvent(ctx context.Context, event destination.Event) {
	d.fanOut(ctx, "track", func(ctx context.Context, adapter destination.Adapter) {
		adapter.TrackEvent(ctx, event)
	})
}

// IdentifyUser forwards identity to every enabled adapter in declaration order.
func (d *Dispatcher) IdentifyUser(ctx context.Context, identity destination.Identity) {
	d.fanOut(ctx, "identify", func(ctx context.Context, adapter destination.Adapter) {
		adapter.IdentifyUser(ctx, identity)
	})
}

// TrackPageView forwards view to every enabled adapter in declaration order.
func (d *Dispatcher) TrackPageView(ctx context.Context, view destination.PageView) {
	d.fanOut(ctx, "page", func(ctx context.Context, adapter destination.Adapter) {
		adapter.TrackPageView(ctx, view)
	})
}

// fanOut invokes call on every currently enabled adapter, isolating each
// invocation so one misbehaving adapter cannot stop the remaining ones.
func (d *Dispatcher) fanOut(ctx context.Context, name string, call func(context.Context, destination.Adapter)) {
	for _, adapter := range d.currentAdapters() {
		if !adapter.Enabled() {
			d.log.Debug("provider disabled, skipping", "provider", adapter.Name(), "call", name)
			continue
		}

		d.isolate(ctx, name, adapter, call)
	}
}

func (d *Dispatcher) isolate(ctx context.Context, name string, adapter destination.Adapter, call func(context.Context, destination.Adapter)) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.metrics.RecordFailure(adapter.Name(), name)
			d.log.Error("provider adapter panicked", "provider", adapter.Name(), "call", name, "panic", recovered)
		}
	}()

	call(ctx, adapter)
}

// SetGlobalProperties merges properties into the dispatcher bag and forwards
// the merge to every adapter, enabled or not.
func (d *Dispatcher) SetGlobalProperties(properties destination.Properties) {
	d.mtx.Lock()
	d.properties = d.properties.Merge(properties)
	if len(properties) > 0 {
		if d.cfg.GlobalProperties == nil {
			d.cfg.GlobalProperties = make(map[string]any, len(properties))
		}
		for key, value := range properties {
			d.cfg.GlobalProperties[key] = value
		}
	}
	adapters := d.adapters
	d.mtx.Unlock()

	for _, adapter := range adapters {
		adapter.SetGlobalProperties(properties)
	}
}

// EnableProvider enables the named provider. An unknown name is logged and
// ignored.
func (d *Dispatcher) EnableProvider(ctx context.Context, name string) {
	adapter, found := d.adapter(name)
	if !found {
		d.log.Warn("cannot enable unknown provider", "provider", name)
		return
	}

	adapter.Enable(ctx)
}

// DisableProvider disables the named provider. An unknown name is logged and
// ignored.
func (d *Dispatcher) DisableProvider(ctx context.Context, name string) {
	adapter, found := d.adapter(name)
	if !found {
		d.log.Warn("cannot disable unknown provider", "provider", name)
		return
	}

	adapter.Disable(ctx)
}

// EnableAllProviders enables every registered adapter.
func (d *Dispatcher) EnableAllProviders(ctx context.Context) {
	for _, adapter := range d.currentAdapters() {
		adapter.Enable(ctx)
	}
}

// DisableAllProviders disables every registered adapter.
func (d *Dispatcher) DisableAllProviders(ctx context.Context) {
	for _, adapter := range d.currentAdapters() {
		adapter.Disable(ctx)
	}
}

// IsProviderEnabled reports the enabled flag of the named provider, false for
// unknown names.
func (d *Dispatcher) IsProviderEnabled(name string) bool {
	adapter, found := d.adapter(name)
	return found && adapter.Enabled()
}

// ProviderStatus returns the enabled flag of every registered provider.
func (d *Dispatcher) ProviderStatus() map[string]bool {
	adapters := d.currentAdapters()

	status := make(map[string]bool, len(adapters))
	for _, adapter := range adapters {
		status[adapter.Name()] = adapter.Enabled()
	}

	return status
}

// ProviderStates returns the lifecycle state of every registered provider.
func (d *Dispatcher) ProviderStates() map[string]destination.State {
	adapters := d.currentAdapters()

	states := make(map[string]destination.State, len(adapters))
	for _, adapter := range adapters {
		states[adapter.Name()] = adapter.State()
	}

	return states
}

// AvailableProviders returns the registered provider names in declaration
// order.
func (d *Dispatcher) AvailableProviders() []string {
	adapters := d.currentAdapters()

	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return names
}

// UpdateConfig merges partial over the current configuration. A partial
// naming providers tears the whole adapter set down and rebuilds it from the
// merged configuration, even for providers the partial did not touch. A
// partial carrying only global properties merges and propagates them without
// a rebuild.
func (d *Dispatcher) UpdateConfig(ctx context.Context, partial config.Partial) {
	d.mtx.Lock()
	merged := config.Merge(d.cfg, partial)

	if partial.EnableDebug != nil {
		level := logger.INFO
		if *partial.EnableDebug {
			level = logger.DEBUG
		}
		d.log.SetLevel(level)
	}

	if partial.RequiresRebuild() {
		d.log.Info("providers changed, rebuilding adapter set")
		d.rebuild(ctx, merged)
		d.mtx.Unlock()
		return
	}

	d.cfg = merged
	adapters := d.adapters
	if len(partial.GlobalProperties) > 0 {
		d.properties = d.properties.Merge(partial.GlobalProperties)
	}
	d.mtx.Unlock()

	if len(partial.GlobalProperties) > 0 {
		for _, adapter := range adapters {
			adapter.SetGlobalProperties(partial.GlobalProperties)
		}
	}
}

// Config returns a snapshot of the current configuration.
func (d *Dispatcher) Config() config.Config {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	return d.cfg.Snapshot()
}

// WaitSettled blocks until every adapter of the current generation reached a
// terminal lifecycle state or ctx is cancelled.
func (d *Dispatcher) WaitSettled(ctx context.Context) error {
	for _, adapter := range d.currentAdapters() {
		select {
		case <-adapter.Settled():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Settled reports whether every adapter of the current generation already
// reached a terminal lifecycle state.
func (d *Dispatcher) Settled() bool {
	for _, adapter := range d.currentAdapters() {
		select {
		case <-adapter.Settled():
		default:
			return false
		}
	}

	return true
}

// Close cancels the current generation, stopping in-flight acquisitions and
// readiness polls.
func (d *Dispatcher) Close() {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Dispatcher) currentAdapters() []destination.Adapter {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	return d.adapters
}

func (d *Dispatcher) adapter(name string) (destination.Adapter, bool) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	adapter, found := d.byName[name]
	return adapter, found
}
