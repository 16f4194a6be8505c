// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package destination

import (
	"context"
)

// State is the lifecycle state of an Adapter.
type State int32

const (
	// Uninitialized means Start was not called yet.
	Uninitialized State = iota
	// Acquiring means the backend resource fetch is running.
	Acquiring
	// AwaitingReadiness means the resource is acquired and the readiness
	// probe is polling the backend.
	AwaitingReadiness
	// Ready means the backend is callable and the adapter enabled itself.
	Ready
	// TimedOut means the readiness probe exhausted its attempts. Terminal
	// until the adapter set is rebuilt.
	TimedOut
	// Failed means the resource acquisition failed or startup was abandoned.
	// Terminal until the adapter set is rebuilt.
	Failed
)

// String implements fmt.Stringer interface
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Acquiring:
		return "acquiring"
	case AwaitingReadiness:
		return "awaitingReadiness"
	case Ready:
		return "ready"
	case TimedOut:
		return "timedOut"
	case Failed:
		return "failed"
	}

	return "unknown"
}

// Adapter is a running connection to one analytics destination. Tracking
// calls never return an error: failures are logged and swallowed so callers
// can fire and forget.
type Adapter interface {
	// Name returns the destination name the adapter was registered under.
	Name() string
	// Start launches the acquisition and readiness lifecycle. It returns
	// immediately and is a no-op after the first call. Cancelling ctx
	// abandons a lifecycle still in progress.
	Start(ctx context.Context)
	// State returns the current lifecycle state.
	State() State
	// Settled returns a channel closed once the lifecycle reaches a terminal
	// outcome: Ready, TimedOut or Failed.
	Settled() <-chan struct{}

	// Enable sets the enabled flag, performing the vendor opt-in side effect
	// when the backend supports one. An adapter can be enabled before it is
	// ready, its calls are then accepted and dropped.
	Enable(ctx context.Context)
	// Disable clears the enabled flag, performing the vendor opt-out side
	// effect when the backend supports one.
	Disable(ctx context.Context)
	// Enabled reports the enabled flag alone, independent of readiness.
	Enabled() bool

	// SetGlobalProperties merges properties into the adapter local bag, even
	// while the adapter is disabled.
	SetGlobalProperties(properties Properties)

	TrackEvent(ctx context.Context, event Event)
	IdentifyUser(ctx context.Context, identity Identity)
	TrackPageView(ctx context.Context, view PageView)
}

// Backend is the vendor specific half of an Adapter: it names and fetches the
// vendor resource, answers the readiness probe and performs the actual calls.
// Errors returned by the tracking calls are logged by the driving Adapter and
// never surface further.
type Backend interface {
	ResourceID() string
	AcquireResource(ctx context.Context) error
	Ready(ctx context.Context) bool

	Track(ctx context.Context, event Event) error
	Identify(ctx context.Context, identity Identity) error
	Page(ctx context.Context, view PageView) error
}

// Opter is implemented by backends with a vendor side opt in and opt out
// call, invoked when the adapter is enabled or disabled.
type Opter interface {
	OptIn(ctx context.Context) error
	OptOut(ctx context.Context) error
}
