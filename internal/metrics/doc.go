// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package metrics exposes Prometheus instrumentation for the dispatching
// pipeline: per provider delivery, drop and failure counters, resource
// acquisition outcomes and readiness results.
package metrics
