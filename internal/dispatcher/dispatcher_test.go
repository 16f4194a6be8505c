// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mia-platform/amux/internal/config"
	"github.com/mia-platform/amux/internal/destination"
	"github.com/mia-platform/amux/internal/destination/fake"
	"github.com/mia-platform/amux/internal/destination/segment"
	"github.com/mia-platform/amux/internal/poll"
	"github.com/mia-platform/amux/internal/resource"
)

// fakeRegistry returns a registry of fake adapters for the given names and a
// recorder giving access to every adapter instance it built.
func fakeRegistry(tb testing.TB, names ...string) (*Registry, *buildRecorder) {
	tb.Helper()

	recorder := &buildRecorder{adapters: make(map[string][]*fake.Adapter)}
	builders := make([]Builder, 0, len(names))
	for _, name := range names {
		builders = append(builders, Builder{Name: name, Build: recorder.build(tb, name)})
	}

	return NewRegistry(builders...), recorder
}

type buildRecorder struct {
	mtx      sync.Mutex
	adapters map[string][]*fake.Adapter
}

func (r *buildRecorder) build(tb testing.TB, name string) BuildFunc {
	return func(_ config.Provider, _ destination.Options) (destination.Adapter, error) {
		tb.Helper()

		adapter := fake.NewAdapter(tb, name)

		r.mtx.Lock()
		defer r.mtx.Unlock()
		r.adapters[name] = append(r.adapters[name], adapter)
		return adapter, nil
	}
}

func (r *buildRecorder) latest(name string) *fake.Adapter {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	built := r.adapters[name]
	if len(built) == 0 {
		return nil
	}

	return built[len(built)-1]
}

func (r *buildRecorder) builds(name string) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	return len(r.adapters[name])
}

func eligibleProvider(credential string) config.Provider {
	return config.Provider{Enabled: true, Credential: credential}
}

func TestEligibilityAndDeclarationOrder(t *testing.T) {
	t.Parallel()

	registry, _ := fakeRegistry(t, "segment", "mixpanel", "amplitude", "posthog")
	dispatcher := New(t.Context(), config.Config{
		Providers: map[string]config.Provider{
			"posthog":   eligibleProvider("ph"),
			"segment":   eligibleProvider("sk"),
			"mixpanel":  {Enabled: true}, // no credential
			"amplitude": {Credential: "amp"},
			"unknown":   eligibleProvider("whatever"),
		},
	}, Options{Registry: registry})
	defer dispatcher.Close()

	assert.Equal(t, []string{"segment", "posthog"}, dispatcher.AvailableProviders())
	assert.Equal(t, map[string]bool{"segment": true, "posthog": true}, dispatcher.ProviderStatus())
}

func TestFanOutSkipsDisabled(t *testing.T) {
	t.Parallel()

	registry, recorder := fakeRegistry(t, "segment", "posthog")
	dispatcher := New(t.Context(), config.Config{
		Providers: map[string]config.Provider{
			"segment": eligibleProvider("sk"),
			"posthog": eligibleProvider("ph"),
		},
	}, Options{Registry: registry})
	defer dispatcher.Close()

	dispatcher.DisableProvider(t.Context(), "segment")
	assert.False(t, dispatcher.IsProviderEnabled("segment"))
	assert.True(t, dispatcher.IsProviderEnabled("posthog"))

	dispatcher.TrackEvent(t.Context(), destination.Event{Name: "Signup"})
	dispatcher.IdentifyUser(t.Context(), destination.Identity{UserID: "u1"})
	dispatcher.TrackPageView(t.Context(), destination.PageView{Title: "Pricing"})

	disabled := recorder.latest("segment")
	assert.Empty(t, disabled.Events)
	assert.Empty(t, disabled.Identities)
	assert.Empty(t, disabled.Views)

	enabled := recorder.latest("posthog")
	assert.Len(t, enabled.Events, 1)
	assert.Len(t, enabled.Identities, 1)
	assert.Len(t, enabled.Views, 1)
}

func TestFanOutIsolatesPanics(t *testing.T) {
	t.Parallel()

	registry, recorder := fakeRegistry(t, "segment", "posthog")
	dispatcher := New(t.Context(), config.Config{
		Providers: map[string]config.Provider{
			"segment": eligibleProvider("sk"),
			"posthog": eligibleProvider("ph"),
		},
	}, Options{Registry: registry})
	defer dispatcher.Close()

	recorder.latest("segment").PanicOn = "track"

	assert.NotPanics(t, func() {
		dispatcher.TrackEvent(t.Context(), destination.Event{Name: "Signup"})
	})

	// the adapter after the panicking one is still invoked
	assert.Len(t, recorder.latest("posthog").Events, 1)
}

func TestEnableDisableProviders(t *testing.T) {
	t.Parallel()

	registry, _ := fakeRegistry(t, "segment", "posthog")
	dispatcher := New(t.Context(), config.Config{
		Providers: map[string]config.Provider{
			"segment": eligibleProvider("sk"),
			"posthog": eligibleProvider("ph"),
		},
	}, Options{Registry: registry})
	defer dispatcher.Close()

	dispatcher.DisableAllProviders(t.Context())
	assert.Equal(t, map[string]bool{"segment": false, "posthog": false}, dispatcher.ProviderStatus())

	dispatcher.EnableAllProviders(t.Context())
	assert.Equal(t, map[string]bool{"segment": true, "posthog": true}, dispatcher.ProviderStatus())

	dispatcher.DisableProvider(t.Context(), "posthog")
	assert.Equal(t, map[string]bool{"segment": true, "posthog": false}, dispatcher.ProviderStatus())
	dispatcher.EnableProvider(t.Context(), "posthog")
	assert.True(t, dispatcher.IsProviderEnabled("posthog"))

	// unknown names log a warning and return normally
	assert.NotPanics(t, func() {
		dispatcher.EnableProvider(t.Context(), "unknown")
		dispatcher.DisableProvider(t.Context(), "unknown")
	})
	assert.False(t, dispatcher.IsProviderEnabled("unknown"))
}

func TestGlobalPropertiesPropagation(t *testing.T) {
	t.Parallel()

	registry, recorder := fakeRegistry(t, "segment", "posthog")
	dispatcher := New(t.Context(), config.Config{
		Providers: map[string]config.Provider{
			"segment": eligibleProvider("sk"),
			"posthog": eligibleProvider("ph"),
		},
		GlobalProperties: map[string]any{"platform": "web"},
	}, Options{Registry: registry})
	defer dispatcher.Close()

	// disabled adapters still receive the property merge
	dispatcher.DisableProvider(t.Context(), "posthog")
	dispatcher.SetGlobalProperties(destination.Properties{"appVersion": "1.4.2"})

	expected := destination.Properties{"appVersion": "1.4.2"}
	assert.Equal(t, expected, recorder.latest("segment").GlobalProperties())
	assert.Equal(t, expected, recorder.latest("posthog").GlobalProperties())

	snapshot := dispatcher.Config()
	assert.Equal(t, map[string]any{"platform": "web", "appVersion": "1.4.2"}, snapshot.GlobalProperties)
}

func TestUpdateConfigRebuildsAdapterSet(t *testing.T) {
	t.Parallel()

	registry, recorder := fakeRegistry(t, "segment", "posthog")
	dispatcher := New(t.Context(), config.Config{
		Providers: map[string]config.Provider{
			"segment": eligibleProvider("sk"),
			"posthog": eligibleProvider("ph"),
		},
	}, Options{Registry: registry})
	defer dispatcher.Close()

	first := recorder.latest("posthog")

	// disabling one provider rebuilds every other one too
	dispatcher.UpdateConfig(t.Context(), config.Partial{
		Providers: map[string]config.Provider{"segment": {Enabled: false, Credential: "sk"}},
	})

	assert.Equal(t, []string{"posthog"}, dispatcher.AvailableProviders())
	assert.Equal(t, 2, recorder.builds("posthog"))
	assert.NotSame(t, first, recorder.latest("posthog"))

	snapshot := dispatcher.Config()
	assert.False(t, snapshot.Providers["segment"].Enabled)
	assert.True(t, snapshot.Providers["posthog"].Enabled)
}

func TestUpdateConfigPropertiesOnly(t *testing.T) {
	t.Parallel()

	registry, recorder := fakeRegistry(t, "segment")
	dispatcher := New(t.Context(), config.Config{
		Providers: map[string]config.Provider{"segment": eligibleProvider("sk")},
	}, Options{Registry: registry})
	defer dispatcher.Close()

	dispatcher.UpdateConfig(t.Context(), config.Partial{
		GlobalProperties: map[string]any{"platform": "web"},
	})

	// no rebuild happened, the properties reached the existing adapter
	assert.Equal(t, 1, recorder.builds("segment"))
	assert.Equal(t, destination.Properties{"platform": "web"}, recorder.latest("segment").GlobalProperties())
	assert.Equal(t, map[string]any{"platform": "web"}, dispatcher.Config().GlobalProperties)
}

func TestConfigSnapshotIndependence(t *testing.T) {
	t.Parallel()

	registry, _ := fakeRegistry(t, "segment")
	dispatcher := New(t.Context(), config.Config{
		Providers:        map[string]config.Provider{"segment": eligibleProvider("sk")},
		GlobalProperties: map[string]any{"platform": "web"},
	}, Options{Registry: registry})
	defer dispatcher.Close()

	snapshot := dispatcher.Config()
	snapshot.GlobalProperties["platform"] = "mutated"
	snapshot.Providers["segment"] = config.Provider{}

	fresh := dispatcher.Config()
	assert.Equal(t, "web", fresh.GlobalProperties["platform"])
	assert.True(t, fresh.Providers["segment"].Enabled)
}

// driverRegistry builds real lifecycle drivers over fake backends, to
// exercise the dispatcher together with acquisition and readiness.
func driverRegistry(tb testing.TB, backends map[string]*fake.Backend, names ...string) *Registry {
	tb.Helper()

	builders := make([]Builder, 0, len(names))
	for _, name := range names {
		builders = append(builders, Builder{Name: name, Build: func(_ config.Provider, options destination.Options) (destination.Adapter, error) {
			return destination.NewAdapter(name, backends[name], options), nil
		}})
	}

	return NewRegistry(builders...)
}

func TestEndToEndSingleDestination(t *testing.T) {
	t.Parallel()

	backend := fake.NewBackend(t)
	registry := driverRegistry(t, map[string]*fake.Backend{"segment": backend}, "segment")

	dispatcher := New(t.Context(), config.Config{
		Providers:        map[string]config.Provider{"segment": eligibleProvider("sk")},
		GlobalProperties: map[string]any{"platform": "web", "a": 1},
	}, Options{
		Registry: registry,
		Cache:    resource.NewCache(),
		Budget:   poll.Budget{Attempts: 2, Interval: time.Millisecond},
	})
	defer dispatcher.Close()

	waitCtx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	require.NoError(t, dispatcher.WaitSettled(waitCtx))
	assert.Equal(t, map[string]destination.State{"segment": destination.Ready}, dispatcher.ProviderStates())

	// call scoped properties win over global ones on collision
	dispatcher.TrackEvent(t.Context(), destination.Event{
		Name:       "Signup",
		Properties: destination.Properties{"a": 2},
	})
	dispatcher.IdentifyUser(t.Context(), destination.Identity{UserID: "u1"})

	require.Len(t, backend.Events, 1)
	assert.Equal(t, "Signup", backend.Events[0].Name)
	assert.Equal(t, destination.Properties{"platform": "web", "a": 2}, backend.Events[0].Properties)

	require.Len(t, backend.Identities, 1)
	assert.Equal(t, "u1", backend.Identities[0].UserID)
}

func TestEndToEndLiveVendor(t *testing.T) {
	t.Parallel()

	var (
		mtx    sync.Mutex
		tracks []map[string]any
	)
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/projects/sk-live/settings":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"integrations":{"Segment.io":{}}}`))
		case "/v1/track":
			username, _, _ := r.BasicAuth()
			assert.Equal(t, "sk-live", username)

			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

			mtx.Lock()
			tracks = append(tracks, payload)
			mtx.Unlock()
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(stub.Close)

	registry := NewRegistry(Builder{Name: segment.Name, Build: segment.NewFromProvider})
	dispatcher := New(t.Context(), config.Config{
		Providers: map[string]config.Provider{
			"segment": {
				Enabled:    true,
				Credential: "sk-live",
				Options:    map[string]any{"endpoint": stub.URL, "cdnURL": stub.URL},
			},
		},
		GlobalProperties: map[string]any{"platform": "web"},
	}, Options{
		Registry: registry,
		Cache:    resource.NewCache(),
		Budget:   poll.Budget{Attempts: 2, Interval: time.Millisecond},
	})
	defer dispatcher.Close()

	waitCtx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.WaitSettled(waitCtx))
	require.Equal(t, map[string]destination.State{"segment": destination.Ready}, dispatcher.ProviderStates())

	dispatcher.TrackEvent(t.Context(), destination.Event{
		Name:       "Signup",
		Properties: destination.Properties{"plan": "pro"},
	})

	mtx.Lock()
	defer mtx.Unlock()
	require.Len(t, tracks, 1)
	assert.Equal(t, "Signup", tracks[0]["event"])
	assert.Equal(t, map[string]any{"platform": "web", "plan": "pro"}, tracks[0]["properties"])
	assert.NotEmpty(t, tracks[0]["messageId"])
}

func TestRebuildKeepsLiveVendorReady(t *testing.T) {
	t.Parallel()

	var settingsHits atomic.Int32
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/projects/sk-live/settings", r.URL.Path)
		settingsHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"integrations":{"Segment.io":{}}}`))
	}))
	t.Cleanup(stub.Close)

	provider := config.Provider{
		Enabled:    true,
		Credential: "sk-live",
		Options:    map[string]any{"endpoint": stub.URL, "cdnURL": stub.URL},
	}
	registry := NewRegistry(Builder{Name: segment.Name, Build: segment.NewFromProvider})
	dispatcher := New(t.Context(), config.Config{
		Providers: map[string]config.Provider{"segment": provider},
	}, Options{
		Registry: registry,
		Cache:    resource.NewCache(),
		Budget:   poll.Budget{Attempts: 3, Interval: time.Millisecond},
	})
	defer dispatcher.Close()

	waitCtx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.WaitSettled(waitCtx))
	require.Equal(t, map[string]destination.State{"segment": destination.Ready}, dispatcher.ProviderStates())

	dispatcher.UpdateConfig(t.Context(), config.Partial{
		Providers: map[string]config.Provider{"segment": provider},
	})

	waitCtx, cancel = context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.WaitSettled(waitCtx))

	// the acquisition is served by the cache, the readiness probe refreshes
	// the settings document for the new instance
	assert.Equal(t, map[string]destination.State{"segment": destination.Ready}, dispatcher.ProviderStates())
	assert.Equal(t, int32(2), settingsHits.Load())
}

func TestRebuildDuringAcquisition(t *testing.T) {
	t.Parallel()

	backend := fake.NewBackend(t)
	var calls atomic.Int32
	backend.AcquireFunc = func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	cache := resource.NewCache()
	registry := driverRegistry(t, map[string]*fake.Backend{"segment": backend}, "segment")
	dispatcher := New(t.Context(), config.Config{
		Providers: map[string]config.Provider{"segment": eligibleProvider("sk")},
	}, Options{
		Registry: registry,
		Cache:    cache,
		Budget:   poll.Budget{Attempts: 2, Interval: time.Millisecond},
	})
	defer dispatcher.Close()

	require.Eventually(t, func() bool {
		return cache.Pending(backend.ResourceID())
	}, 5*time.Second, time.Millisecond)

	// rebuilding cancels the first generation while its acquisition is in
	// flight: the new generation must not inherit that cancellation
	dispatcher.UpdateConfig(t.Context(), config.Partial{
		Providers: map[string]config.Provider{"segment": eligibleProvider("sk")},
	})

	waitCtx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.WaitSettled(waitCtx))
	assert.Equal(t, map[string]destination.State{"segment": destination.Ready}, dispatcher.ProviderStates())
}

func TestRebuildReusesAcquiredResources(t *testing.T) {
	t.Parallel()

	backend := fake.NewBackend(t)
	registry := driverRegistry(t, map[string]*fake.Backend{"segment": backend}, "segment")

	dispatcher := New(t.Context(), config.Config{
		Providers: map[string]config.Provider{"segment": eligibleProvider("sk")},
	}, Options{
		Registry: registry,
		Cache:    resource.NewCache(),
		Budget:   poll.Budget{Attempts: 2, Interval: time.Millisecond},
	})
	defer dispatcher.Close()

	waitCtx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	require.NoError(t, dispatcher.WaitSettled(waitCtx))
	assert.Equal(t, 1, backend.Acquired())

	dispatcher.UpdateConfig(t.Context(), config.Partial{
		Providers: map[string]config.Provider{"segment": eligibleProvider("sk")},
	})

	waitCtx, cancel = context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	require.NoError(t, dispatcher.WaitSettled(waitCtx))

	// the rebuilt adapter walked the lifecycle again but the cached resource
	// acquisition was not repeated
	assert.Equal(t, map[string]destination.State{"segment": destination.Ready}, dispatcher.ProviderStates())
	assert.Equal(t, 1, backend.Acquired())
}
