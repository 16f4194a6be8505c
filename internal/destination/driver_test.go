// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package destination

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mia-platform/amux/internal/poll"
	"github.com/mia-platform/amux/internal/resource"
)

var (
	_ Backend = &scriptedBackend{}
	_ Opter   = &scriptedBackend{}
)

// scriptedBackend is a Backend whose lifecycle answers are scripted by the
// test and whose calls are recorded for inspection.
type scriptedBackend struct {
	resourceID string
	acquire    func(ctx context.Context) error
	readyAfter int // Ready answers false this many times, forever when negative
	trackErr   error

	mtx        sync.Mutex
	acquired   int
	readyCalls int
	optIns     int
	optOuts    int
	events     []Event
	identities []Identity
	views      []PageView
}

func (b *scriptedBackend) ResourceID() string {
	if b.resourceID == "" {
		return "scripted/resource"
	}

	return b.resourceID
}

func (b *scriptedBackend) AcquireResource(ctx context.Context) error {
	b.mtx.Lock()
	b.acquired++
	b.mtx.Unlock()

	if b.acquire != nil {
		return b.acquire(ctx)
	}

	return nil
}

func (b *scriptedBackend) Ready(_ context.Context) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.readyCalls++
	if b.readyAfter < 0 {
		return false
	}

	return b.readyCalls > b.readyAfter
}

func (b *scriptedBackend) Track(_ context.Context, event Event) error {
	if b.trackErr != nil {
		return b.trackErr
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *scriptedBackend) Identify(_ context.Context, identity Identity) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.identities = append(b.identities, identity)
	return nil
}

func (b *scriptedBackend) Page(_ context.Context, view PageView) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.views = append(b.views, view)
	return nil
}

func (b *scriptedBackend) OptIn(_ context.Context) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.optIns++
	return nil
}

func (b *scriptedBackend) OptOut(_ context.Context) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.optOuts++
	return nil
}

func (b *scriptedBackend) counters() (acquired, optIns, optOuts int) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.acquired, b.optIns, b.optOuts
}

func (b *scriptedBackend) recordedEvents() []Event {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return append([]Event{}, b.events...)
}

func testBudget() poll.Budget {
	return poll.Budget{Attempts: 3, Interval: time.Millisecond}
}

func waitSettled(t *testing.T, adapter Adapter) {
	t.Helper()

	select {
	case <-adapter.Settled():
	case <-time.After(5 * time.Second):
		t.Fatal("adapter never settled")
	}
}

func TestAdapterBecomesReady(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{readyAfter: 1}
	adapter := NewAdapter("scripted", backend, Options{
		Cache:  resource.NewCache(),
		Budget: testBudget(),
	})

	assert.Equal(t, "scripted", adapter.Name())
	assert.Equal(t, Uninitialized, adapter.State())
	assert.False(t, adapter.Enabled())

	adapter.Start(t.Context())
	waitSettled(t, adapter)

	assert.Equal(t, Ready, adapter.State())
	assert.True(t, adapter.Enabled())

	acquired, optIns, _ := backend.counters()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, optIns, "readiness must trigger the vendor opt-in")
}

func TestAdapterStartIsIdempotent(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	adapter := NewAdapter("scripted", backend, Options{
		Cache:  resource.NewCache(),
		Budget: testBudget(),
	})

	adapter.Start(t.Context())
	adapter.Start(t.Context())
	waitSettled(t, adapter)

	acquired, _, _ := backend.counters()
	assert.Equal(t, 1, acquired)
}

func TestAdapterReadinessTimeout(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{readyAfter: -1}
	adapter := NewAdapter("scripted", backend, Options{
		Cache:  resource.NewCache(),
		Budget: testBudget(),
	})

	adapter.Start(t.Context())
	waitSettled(t, adapter)

	assert.Equal(t, TimedOut, adapter.State())
	assert.False(t, adapter.Enabled())

	adapter.TrackEvent(t.Context(), Event{Name: "Signup"})
	assert.Empty(t, backend.recordedEvents())

	backend.mtx.Lock()
	readyCalls := backend.readyCalls
	backend.mtx.Unlock()
	assert.Equal(t, testBudget().Attempts, readyCalls)
}

func TestAdapterAcquisitionFailure(t *testing.T) {
	t.Parallel()

	cache := resource.NewCache()
	failing := &scriptedBackend{
		resourceID: "shared/resource",
		acquire:    func(_ context.Context) error { return assert.AnError },
	}
	adapter := NewAdapter("scripted", failing, Options{Cache: cache, Budget: testBudget()})

	adapter.Start(t.Context())
	waitSettled(t, adapter)

	assert.Equal(t, Failed, adapter.State())
	assert.False(t, adapter.Enabled())
	assert.False(t, cache.Loaded("shared/resource"))

	// the failure leaves no cache entry, a rebuilt adapter can try again
	working := &scriptedBackend{resourceID: "shared/resource"}
	rebuilt := NewAdapter("scripted", working, Options{Cache: cache, Budget: testBudget()})
	rebuilt.Start(t.Context())
	waitSettled(t, rebuilt)

	assert.Equal(t, Ready, rebuilt.State())
	assert.True(t, cache.Loaded("shared/resource"))
}

func TestAdaptersShareAcquisition(t *testing.T) {
	t.Parallel()

	cache := resource.NewCache()
	release := make(chan struct{})
	blocking := func(_ context.Context) error {
		<-release
		return nil
	}

	first := &scriptedBackend{resourceID: "shared/resource", acquire: blocking}
	second := &scriptedBackend{resourceID: "shared/resource", acquire: blocking}

	one := NewAdapter("one", first, Options{Cache: cache, Budget: testBudget()})
	two := NewAdapter("two", second, Options{Cache: cache, Budget: testBudget()})

	one.Start(t.Context())
	two.Start(t.Context())

	assert.Eventually(t, func() bool {
		return cache.Pending("shared/resource")
	}, 5*time.Second, time.Millisecond)
	close(release)

	waitSettled(t, one)
	waitSettled(t, two)

	firstAcquired, _, _ := first.counters()
	secondAcquired, _, _ := second.counters()
	assert.Equal(t, 1, firstAcquired+secondAcquired, "one fetch must serve both adapters")
	assert.Equal(t, Ready, one.State())
	assert.Equal(t, Ready, two.State())
}

func TestAdapterEnabledBeforeReadyDropsSilently(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{readyAfter: -1}
	adapter := NewAdapter("scripted", backend, Options{
		Cache:  resource.NewCache(),
		Budget: poll.Budget{Attempts: 3, Interval: 50 * time.Millisecond},
	})

	adapter.Start(t.Context())
	require.Eventually(t, func() bool {
		return adapter.State() == AwaitingReadiness
	}, 5*time.Second, time.Millisecond)

	adapter.Enable(t.Context())
	assert.True(t, adapter.Enabled())

	adapter.TrackEvent(t.Context(), Event{Name: "Signup"})
	assert.Empty(t, backend.recordedEvents(), "calls before readiness are accepted but dropped")

	waitSettled(t, adapter)
	assert.True(t, adapter.Enabled(), "the enabled flag is independent of readiness")
}

func TestAdapterMergesGlobalProperties(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	adapter := NewAdapter("scripted", backend, Options{
		Cache:      resource.NewCache(),
		Budget:     testBudget(),
		Properties: Properties{"platform": "web"},
	})

	adapter.Start(t.Context())
	waitSettled(t, adapter)

	adapter.SetGlobalProperties(Properties{"appVersion": "1.0.0", "tenant": "acme"})
	adapter.TrackEvent(t.Context(), Event{Name: "Signup", Properties: Properties{"tenant": "umbrella"}})

	events := backend.recordedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "Signup", events[0].Name)
	assert.Equal(t, Properties{
		"platform":   "web",
		"appVersion": "1.0.0",
		"tenant":     "umbrella",
	}, events[0].Properties, "call scoped properties win on collision")
}

func TestAdapterMergesTraitsAndViews(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	adapter := NewAdapter("scripted", backend, Options{
		Cache:  resource.NewCache(),
		Budget: testBudget(),
	})

	adapter.Start(t.Context())
	waitSettled(t, adapter)

	adapter.SetGlobalProperties(Properties{"tenant": "acme"})
	adapter.IdentifyUser(t.Context(), Identity{UserID: "u1", Traits: Properties{"email": "u@acme.com"}})
	adapter.TrackPageView(t.Context(), PageView{Title: "Pricing"})

	backend.mtx.Lock()
	defer backend.mtx.Unlock()
	require.Len(t, backend.identities, 1)
	assert.Equal(t, "u1", backend.identities[0].UserID)
	assert.Equal(t, Properties{"tenant": "acme", "email": "u@acme.com"}, backend.identities[0].Traits)
	require.Len(t, backend.views, 1)
	assert.Equal(t, Properties{"tenant": "acme"}, backend.views[0].Properties)
}

func TestAdapterDisabledDropsCalls(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	adapter := NewAdapter("scripted", backend, Options{
		Cache:  resource.NewCache(),
		Budget: testBudget(),
	})

	adapter.Start(t.Context())
	waitSettled(t, adapter)
	adapter.Disable(t.Context())

	adapter.TrackEvent(t.Context(), Event{Name: "Signup"})
	adapter.IdentifyUser(t.Context(), Identity{UserID: "u1"})
	adapter.TrackPageView(t.Context(), PageView{Title: "Pricing"})

	backend.mtx.Lock()
	defer backend.mtx.Unlock()
	assert.Empty(t, backend.events)
	assert.Empty(t, backend.identities)
	assert.Empty(t, backend.views)
}

func TestAdapterSwallowsBackendErrors(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{trackErr: assert.AnError}
	adapter := NewAdapter("scripted", backend, Options{
		Cache:  resource.NewCache(),
		Budget: testBudget(),
	})

	adapter.Start(t.Context())
	waitSettled(t, adapter)

	assert.NotPanics(t, func() {
		adapter.TrackEvent(t.Context(), Event{Name: "Signup"})
	})

	backend.trackErr = nil
	adapter.TrackEvent(t.Context(), Event{Name: "Login"})

	events := backend.recordedEvents()
	require.Len(t, events, 1, "the failed call must not reach the recorded list")
	assert.Equal(t, "Login", events[0].Name)
}

func TestAdapterOptInOut(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	adapter := NewAdapter("scripted", backend, Options{
		Cache:  resource.NewCache(),
		Budget: testBudget(),
	})

	adapter.Start(t.Context())
	waitSettled(t, adapter)

	adapter.Disable(t.Context())
	adapter.Enable(t.Context())

	_, optIns, optOuts := backend.counters()
	assert.Equal(t, 2, optIns, "one from readiness, one explicit")
	assert.Equal(t, 1, optOuts)
}

func TestAdapterRetriesCancelledJoinedFlight(t *testing.T) {
	t.Parallel()

	cache := resource.NewCache()
	doomed := &scriptedBackend{
		resourceID: "shared/resource",
		acquire: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	survivor := &scriptedBackend{resourceID: "shared/resource"}

	first := NewAdapter("first", doomed, Options{Cache: cache, Budget: testBudget()})
	second := NewAdapter("second", survivor, Options{Cache: cache, Budget: testBudget()})

	firstCtx, cancel := context.WithCancel(t.Context())
	first.Start(firstCtx)
	require.Eventually(t, func() bool {
		return cache.Pending("shared/resource")
	}, 5*time.Second, time.Millisecond)

	second.Start(t.Context())
	// give the second lifecycle time to join the in-flight acquisition
	time.Sleep(100 * time.Millisecond)
	cancel()

	waitSettled(t, first)
	waitSettled(t, second)

	assert.Equal(t, Failed, first.State())
	// the cancellation belonged to the first lifecycle only: the second one
	// must restart the acquisition instead of inheriting the failure
	assert.Equal(t, Ready, second.State())
	assert.True(t, cache.Loaded("shared/resource"))
}

func TestAdapterAbandonedByCancellation(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{
		acquire: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	adapter := NewAdapter("scripted", backend, Options{
		Cache:  resource.NewCache(),
		Budget: testBudget(),
	})

	ctx, cancel := context.WithCancel(t.Context())
	adapter.Start(ctx)
	cancel()
	waitSettled(t, adapter)

	assert.Equal(t, Failed, adapter.State())
	assert.False(t, adapter.Enabled())
}
