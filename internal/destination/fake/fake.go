// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package fake provides test doubles for the destination package: a scripted
// Adapter recording every call it receives and a Backend usable with the real
// lifecycle driver.
package fake

import (
	"context"
	"sync"
	"testing"

	"github.com/mia-platform/amux/internal/destination"
)

var _ destination.Adapter = &Adapter{}

// Adapter is a destination.Adapter double that records every call. Start
// moves it to StartState (Ready when unset) and enables it, so tests can
// exercise dispatching without vendors or timing.
type Adapter struct {
	tb testing.TB

	// StartState is the lifecycle state reached by Start. Leave zero for Ready.
	StartState destination.State
	// PanicOn makes the named tracking call panic, to exercise caller isolation.
	PanicOn string

	name    string
	settled chan struct{}

	mtx        sync.Mutex
	state      destination.State
	enabled    bool
	started    bool
	properties destination.Properties

	Events     []destination.Event
	Identities []destination.Identity
	Views      []destination.PageView
	Enables    int
	Disables   int
}

// NewAdapter returns a fake adapter registered under name.
func NewAdapter(tb testing.TB, name string) *Adapter {
	tb.Helper()
	return &Adapter{
		tb:      tb,
		name:    name,
		settled: make(chan struct{}),
	}
}

// Name implements destination.Adapter.
func (a *Adapter) Name() string {
	return a.name
}

// Start implements destination.Adapter. The lifecycle settles synchronously.
func (a *Adapter) Start(_ context.Context) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.started {
		return
	}
	a.started = true

	state := a.StartState
	if state == destination.Uninitialized {
		state = destination.Ready
	}

	a.state = state
	if state == destination.Ready {
		a.enabled = true
	}
	close(a.settled)
}

// State implements destination.Adapter.
func (a *Adapter) State() destination.State {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.state
}

// Settled implements destination.Adapter.
func (a *Adapter) Settled() <-chan struct{} {
	return a.settled
}

// Enable implements destination.Adapter.
func (a *Adapter) Enable(_ context.Context) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.enabled = true
	a.Enables++
}

// Disable implements destination.Adapter.
func (a *Adapter) Disable(_ context.Context) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.enabled = false
	a.Disables++
}

// Enabled implements destination.Adapter.
func (a *Adapter) Enabled() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.enabled
}

// SetGlobalProperties implements destination.Adapter.
func (a *Adapter) SetGlobalProperties(properties destination.Properties) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.properties = a.properties.Merge(properties)
}

// GlobalProperties returns the current accumulated property bag.
func (a *Adapter) GlobalProperties() destination.Properties {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.properties
}

// TrackEvent implements destination.Adapter recording the received event.
func (a *Adapter) TrackEvent(_ context.Context, event destination.Event) {
	a.tb.Helper()
	if a.PanicOn == "track" {
		panic("fake adapter track panic")
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.Events = append(a.Events, event)
}

// IdentifyUser implements destination.Adapter recording the received identity.
func (a *Adapter) IdentifyUser(_ context.Context, identity destination.Identity) {
	a.tb.Helper()
	if a.PanicOn == "identify" {
		panic("fake adapter identify panic")
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.Identities = append(a.Identities, identity)
}

// TrackPageView implements destination.Adapter recording the received view.
func (a *Adapter) TrackPageView(_ context.Context, view destination.PageView) {
	a.tb.Helper()
	if a.PanicOn == "page" {
		panic("fake adapter page panic")
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.Views = append(a.Views, view)
}

var _ destination.Backend = &Backend{}

// Backend is a destination.Backend double for driving the real lifecycle
// driver in tests.
type Backend struct {
	tb testing.TB

	// AcquireErr makes resource acquisition fail.
	AcquireErr error
	// AcquireFunc overrides the acquisition outcome entirely when set.
	AcquireFunc func(ctx context.Context) error
	// ReadyAfter is the number of probes answered false before readiness.
	// Negative values never become ready.
	ReadyAfter int
	// Resource overrides the resource identifier.
	Resource string

	mtx        sync.Mutex
	acquired   int
	readyCalls int

	Events     []destination.Event
	Identities []destination.Identity
	Views      []destination.PageView
}

// NewBackend returns a fake backend ready at the first probe.
func NewBackend(tb testing.TB) *Backend {
	tb.Helper()
	return &Backend{tb: tb}
}

// ResourceID implements destination.Backend.
func (b *Backend) ResourceID() string {
	if b.Resource == "" {
		return "fake/resource"
	}

	return b.Resource
}

// AcquireResource implements destination.Backend.
func (b *Backend) AcquireResource(ctx context.Context) error {
	b.mtx.Lock()
	b.acquired++
	fn := b.AcquireFunc
	err := b.AcquireErr
	b.mtx.Unlock()

	if fn != nil {
		return fn(ctx)
	}

	return err
}

// Acquired returns how many times AcquireResource was invoked.
func (b *Backend) Acquired() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	return b.acquired
}

// Ready implements destination.Backend.
func (b *Backend) Ready(_ context.Context) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.ReadyAfter < 0 {
		return false
	}

	b.readyCalls++
	return b.readyCalls > b.ReadyAfter
}

// Track implements destination.Backend.
func (b *Backend) Track(_ context.Context, event destination.Event) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.Events = append(b.Events, event)
	return nil
}

// Identify implements destination.Backend.
func (b *Backend) Identify(_ context.Context, identity destination.Identity) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.Identities = append(b.Identities, identity)
	return nil
}

// Page implements destination.Backend.
func (b *Backend) Page(_ context.Context, view destination.PageView) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.Views = append(b.Views, view)
	return nil
}
