// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package poll implements a bounded fixed-interval retry loop used to wait for
// an external backend to become callable. Unlike a plain ticker the loop is
// cancellable through its context, so discarded callers reclaim the wait.
package poll
