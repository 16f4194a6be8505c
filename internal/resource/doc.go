// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package resource caches the one-time acquisition of named external
// resources. Concurrent acquisitions of the same identifier are coalesced
// into a single fetch, successful fetches are remembered for the life of the
// cache, and failed ones leave no trace so a later caller can try again.
package resource
