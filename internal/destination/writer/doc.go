// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package writer implements a destination that renders every tracking call to
// the given io.Writer instance instead of reaching a vendor.
// It is primarily useful for debugging purposes, or for tweaking and adjusting
// global properties and payloads before sending them to a real destination.
package writer
