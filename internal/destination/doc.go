// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package destination defines the adapter model for analytics destinations.
// An Adapter is the dispatching side of a destination: it walks the
// acquisition and readiness lifecycle, gates tracking calls on its enabled
// flag, enriches payloads with global properties and swallows backend
// failures. The vendor specific work lives behind the Backend interface, one
// implementation per supported destination.
package destination
