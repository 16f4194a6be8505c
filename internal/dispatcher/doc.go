// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package dispatcher fans tracking calls out to every enabled destination
// adapter. It owns the adapter set built from the configuration, merges
// global properties into it, and rebuilds it wholesale when a configuration
// update touches the providers.
package dispatcher
