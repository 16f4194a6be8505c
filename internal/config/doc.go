// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package config defines the dispatching configuration: which analytics
// destinations exist, whether they are enabled, their credentials and
// options, plus the global properties attached to every call. It loads the
// configuration from YAML or JSON documents, overlays credentials from the
// process environment and merges partial updates over a running
// configuration.
package config
