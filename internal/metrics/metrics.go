// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder collects Prometheus metrics for the dispatching pipeline. All
// methods are safe to call on a nil receiver, so instrumentation points don't
// have to guard against a missing recorder. It is safe for concurrent use.
type Recorder struct {
	deliveriesTotal *prometheus.CounterVec
	dropsTotal      *prometheus.CounterVec
	failuresTotal   *prometheus.CounterVec

	acquisitionsTotal   *prometheus.CounterVec
	acquisitionDuration *prometheus.HistogramVec

	readinessTotal *prometheus.CounterVec

	providerState *prometheus.GaugeVec
}

// NewRecorder creates a Recorder registering its metrics on registry.
func NewRecorder(registry prometheus.Registerer) *Recorder {
	return &Recorder{
		deliveriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "amux_deliveries_total",
				Help: "Total number of calls delivered to a provider",
			},
			[]string{"provider", "call"},
		),
		dropsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "amux_drops_total",
				Help: "Total number of calls dropped before reaching a provider",
			},
			[]string{"provider", "call", "reason"},
		),
		failuresTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "amux_failures_total",
				Help: "Total number of provider calls that returned an error or panicked",
			},
			[]string{"provider", "call"},
		),
		acquisitionsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "amux_acquisitions_total",
				Help: "Total number of resource acquisitions by outcome",
			},
			[]string{"resource", "outcome"},
		),
		acquisitionDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "amux_acquisition_duration_seconds",
				Help:    "Duration of resource acquisitions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"resource"},
		),
		readinessTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "amux_readiness_total",
				Help: "Total number of provider readiness waits by outcome",
			},
			[]string{"provider", "outcome"},
		),
		providerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "amux_provider_state",
				Help: "Current lifecycle state of a provider adapter (0=uninitialized, 1=acquiring, 2=awaiting readiness, 3=ready, 4=timed out, 5=failed)",
			},
			[]string{"provider"},
		),
	}
}

// RecordDelivery increments the delivery counter for a provider call.
func (r *Recorder) RecordDelivery(provider, call string) {
	if r == nil {
		return
	}

	r.deliveriesTotal.WithLabelValues(provider, call).Inc()
}

// RecordDrop increments the drop counter for a provider call with the reason
// the call never reached the provider.
func (r *Recorder) RecordDrop(provider, call, reason string) {
	if r == nil {
		return
	}

	r.dropsTotal.WithLabelValues(provider, call, reason).Inc()
}

// RecordFailure increments the failure counter for a provider call.
func (r *Recorder) RecordFailure(provider, call string) {
	if r == nil {
		return
	}

	r.failuresTotal.WithLabelValues(provider, call).Inc()
}

// RecordAcquisition records outcome and duration of a resource acquisition.
func (r *Recorder) RecordAcquisition(resource string, err error, duration time.Duration) {
	if r == nil {
		return
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}

	r.acquisitionsTotal.WithLabelValues(resource, outcome).Inc()
	r.acquisitionDuration.WithLabelValues(resource).Observe(duration.Seconds())
}

// RecordReadiness records the outcome of a provider readiness wait.
func (r *Recorder) RecordReadiness(provider, outcome string) {
	if r == nil {
		return
	}

	r.readinessTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordProviderState sets the lifecycle state gauge for a provider.
func (r *Recorder) RecordProviderState(provider string, state int) {
	if r == nil {
		return
	}

	r.providerState.WithLabelValues(provider).Set(float64(state))
}

// ForgetProvider drops every provider labelled series for name, used when a
// configuration update rebuilds the provider set.
func (r *Recorder) ForgetProvider(name string) {
	if r == nil {
		return
	}

	labels := prometheus.Labels{"provider": name}
	r.providerState.DeletePartialMatch(labels)
	r.readinessTotal.DeletePartialMatch(labels)
}
