// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package logger wraps the underlying logging stack behind a consistent interface.
// Loggers travel through contexts so every component receives the log sink as an
// injected collaborator instead of reaching for a global.
package logger
