// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package destination

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mia-platform/amux/internal/logger"
	"github.com/mia-platform/amux/internal/metrics"
	"github.com/mia-platform/amux/internal/poll"
	"github.com/mia-platform/amux/internal/resource"
)

var _ Adapter = &driver{}

// Options tunes the lifecycle of an Adapter built with NewAdapter. The zero
// value is usable: a nil Logger silences the adapter logs, a nil Cache is
// replaced with the process wide one and a zero Budget with the poll
// defaults.
type Options struct {
	Logger     logger.Logger
	Cache      *resource.Cache
	Metrics    *metrics.Recorder
	Budget     poll.Budget
	Properties Properties
}

// driver walks a Backend through the destination lifecycle and implements
// the Adapter contract on top of it.
type driver struct {
	name    string
	backend Backend

	log     logger.Logger
	cache   *resource.Cache
	metrics *metrics.Recorder
	budget  poll.Budget

	state   atomic.Int32
	enabled atomic.Bool

	mtx        sync.Mutex
	properties Properties

	startOnce sync.Once
	settled   chan struct{}
}

// NewAdapter returns an Adapter driving backend through the acquisition and
// readiness lifecycle. The adapter is idle and disabled until Start is
// called; it enables itself when the readiness probe succeeds.
func NewAdapter(name string, backend Backend, options Options) Adapter {
	cache := options.Cache
	if cache == nil {
		cache = resource.Default()
	}

	log := options.Logger
	if log == nil {
		log = logger.FromContext(context.Background())
	}

	return &driver{
		name:       name,
		backend:    backend,
		log:        log.With("destination", name),
		cache:      cache,
		metrics:    options.Metrics,
		budget:     options.Budget,
		properties: options.Properties.Merge(nil),
		settled:    make(chan struct{}),
	}
}

// Name implements Adapter.
func (d *driver) Name() string {
	return d.name
}

// Start implements Adapter.
func (d *driver) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		go d.run(ctx)
	})
}

func (d *driver) run(ctx context.Context) {
	defer close(d.settled)

	resourceID := d.backend.ResourceID()
	d.setState(Acquiring)

	start := time.Now()
	err := d.cache.Acquire(ctx, resourceID, d.backend.AcquireResource)
	for errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// the joined flight was cancelled by its initiator, not by this
		// lifecycle: start a fresh acquisition
		d.log.Debug("joined acquisition was cancelled, retrying", "resource", resourceID)
		err = d.cache.Acquire(ctx, resourceID, d.backend.AcquireResource)
	}
	d.metrics.RecordAcquisition(resourceID, err, time.Since(start))
	if err != nil {
		d.setState(Failed)
		if errors.Is(err, context.Canceled) {
			d.log.Debug("startup abandoned", "resource", resourceID)
			return
		}

		d.log.Error("resource acquisition failed", "resource", resourceID, "error", err.Error())
		return
	}

	d.setState(AwaitingReadiness)
	switch err := poll.Until(ctx, d.backend.Ready, d.budget); {
	case err == nil:
		d.setState(Ready)
		d.metrics.RecordReadiness(d.name, "ready")
		d.Enable(ctx)
		d.log.Debug("destination ready")
	case errors.Is(err, poll.ErrExhausted):
		d.setState(TimedOut)
		d.metrics.RecordReadiness(d.name, "timeout")
		d.log.Error("destination readiness timed out", "attempts", d.budget.Attempts)
	default:
		d.setState(Failed)
		d.log.Debug("startup abandoned", "error", err.Error())
	}
}

func (d *driver) setState(state State) {
	d.state.Store(int32(state))
	d.metrics.RecordProviderState(d.name, int(state))
}

// State implements Adapter.
func (d *driver) State() State {
	return State(d.state.Load())
}

// Settled implements Adapter.
func (d *driver) Settled() <-chan struct{} {
	return d.settled
}

// Enable implements Adapter.
func (d *driver) Enable(ctx context.Context) {
	d.enabled.Store(true)
	if opter, ok := d.backend.(Opter); ok {
		if err := opter.OptIn(ctx); err != nil {
			d.log.Warn("vendor opt-in failed", "error", err.Error())
		}
	}
}

// Disable implements Adapter.
func (d *driver) Disable(ctx context.Context) {
	d.enabled.Store(false)
	if opter, ok := d.backend.(Opter); ok {
		if err := opter.OptOut(ctx); err != nil {
			d.log.Warn("vendor opt-out failed", "error", err.Error())
		}
	}
}

// Enabled implements Adapter.
func (d *driver) Enabled() bool {
	return d.enabled.Load()
}

// SetGlobalProperties implements Adapter. The merge happens whatever the
// enabled flag or lifecycle state.
func (d *driver) SetGlobalProperties(properties Properties) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.properties = d.properties.Merge(properties)
}

// globalProperties returns the current bag. Merges replace the map instead
// of mutating it, so the returned reference is safe to read without the lock.
func (d *driver) globalProperties() Properties {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	return d.properties
}

// TrackEvent implements Adapter.
func (d *driver) TrackEvent(ctx context.Context, event Event) {
	if !d.deliverable("track") {
		return
	}

	event.Properties = d.globalProperties().Merge(event.Properties)
	if err := d.backend.Track(ctx, event); err != nil {
		d.callFailed("track", err, "event", event.Name)
		return
	}

	d.metrics.RecordDelivery(d.name, "track")
}

// IdentifyUser implements Adapter.
func (d *driver) IdentifyUser(ctx context.Context, identity Identity) {
	if !d.deliverable("identify") {
		return
	}

	identity.Traits = d.globalProperties().Merge(identity.Traits)
	if err := d.backend.Identify(ctx, identity); err != nil {
		d.callFailed("identify", err, "userId", identity.UserID)
		return
	}

	d.metrics.RecordDelivery(d.name, "identify")
}

// TrackPageView implements Adapter.
func (d *driver) TrackPageView(ctx context.Context, view PageView) {
	if !d.deliverable("page") {
		return
	}

	view.Properties = d.globalProperties().Merge(view.Properties)
	if err := d.backend.Page(ctx, view); err != nil {
		d.callFailed("page", err, "title", view.Title)
		return
	}

	d.metrics.RecordDelivery(d.name, "page")
}

// callFailed classifies a backend call error: a cancelled call drops
// silently, everything else is logged and counted as a failure.
func (d *driver) callFailed(call string, err error, logArgs ...interface{}) {
	if errors.Is(err, context.Canceled) {
		d.metrics.RecordDrop(d.name, call, "canceled")
		return
	}

	d.metrics.RecordFailure(d.name, call)
	d.log.Error(call+" call failed", append(logArgs, "error", err.Error())...)
}

// deliverable gates a tracking call: disabled adapters drop it with a log
// line, adapters that are enabled but not ready drop it silently because the
// backend is not callable yet.
func (d *driver) deliverable(call string) bool {
	if !d.enabled.Load() {
		d.metrics.RecordDrop(d.name, call, "disabled")
		d.log.Debug("tracking call dropped", "call", call, "reason", "disabled")
		return false
	}

	if d.State() != Ready {
		d.metrics.RecordDrop(d.name, call, "not_ready")
		return false
	}

	return true
}
