// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package server exposes the HTTP ingestion and management API over a running
// dispatcher: tracking endpoints under /v1, provider and configuration
// management, and the status routes under /-/.
package server
