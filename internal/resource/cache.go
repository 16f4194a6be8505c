// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package resource

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// State is the acquisition state of an identifier inside a Cache.
type State int

const (
	// Unloaded means no fetch for the identifier ever succeeded and none is
	// running right now.
	Unloaded State = iota
	// Pending means a fetch for the identifier is currently in flight.
	Pending
	// Loaded means a fetch for the identifier completed successfully.
	Loaded
)

// String implements fmt.Stringer interface
func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Pending:
		return "pending"
	case Loaded:
		return "loaded"
	}

	return "unknown"
}

// FetchFunc performs the actual acquisition of a resource. It is invoked at
// most once per in-flight group of Acquire calls.
type FetchFunc func(ctx context.Context) error

// Cache coalesces concurrent acquisitions of the same identifier and caches
// the ones that succeed. The zero value is not usable, create instances with
// NewCache.
type Cache struct {
	group singleflight.Group

	mtx      sync.RWMutex
	loaded   map[string]struct{}
	inflight map[string]int
}

// NewCache return a new empty Cache ready for use.
func NewCache() *Cache {
	return &Cache{
		loaded:   make(map[string]struct{}),
		inflight: make(map[string]int),
	}
}

// Acquire ensures the resource named id has been fetched. If a previous call
// already succeeded it returns immediately. If a fetch for id is in flight
// the call blocks until that fetch settles and shares its outcome. Otherwise
// fetch is invoked exactly once on behalf of every concurrent caller.
//
// The shared fetch runs under the context of the caller that started it, so
// cancelling that context fails the flight for every waiter. A failed flight
// stores nothing: the next Acquire for the same id starts over.
func (c *Cache) Acquire(ctx context.Context, id string, fetch FetchFunc) error {
	if c.Loaded(id) {
		return nil
	}

	c.mtx.Lock()
	c.inflight[id]++
	c.mtx.Unlock()

	defer func() {
		c.mtx.Lock()
		if c.inflight[id]--; c.inflight[id] <= 0 {
			delete(c.inflight, id)
		}
		c.mtx.Unlock()
	}()

	_, err, _ := c.group.Do(id, func() (interface{}, error) {
		// recheck under the flight: another flight may have completed
		// between the fast path and joining this one
		if c.Loaded(id) {
			return nil, nil
		}

		if err := fetch(ctx); err != nil {
			return nil, err
		}

		c.mtx.Lock()
		c.loaded[id] = struct{}{}
		c.mtx.Unlock()
		return nil, nil
	})

	return err
}

// Loaded reports whether a fetch for id already completed successfully. The
// answer is an instantaneous snapshot, a concurrent Acquire or Clear can
// change it at any time.
func (c *Cache) Loaded(id string) bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	_, found := c.loaded[id]
	return found
}

// Pending reports whether a fetch for id is currently in flight.
func (c *Cache) Pending(id string) bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	_, done := c.loaded[id]
	return !done && c.inflight[id] > 0
}

// State returns the current acquisition state of id.
func (c *Cache) State(id string) State {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	if _, found := c.loaded[id]; found {
		return Loaded
	}
	if c.inflight[id] > 0 {
		return Pending
	}

	return Unloaded
}

// Keys returns the sorted identifiers of every successfully loaded resource.
func (c *Cache) Keys() []string {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	keys := make([]string, 0, len(c.loaded))
	for key := range c.loaded {
		keys = append(keys, key)
	}

	sort.Strings(keys)
	return keys
}

// Clear forgets every completed acquisition. In-flight fetches are not
// interrupted, their results are still stored when they land.
func (c *Cache) Clear() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	clear(c.loaded)
}

var defaultCache = NewCache()

// Default returns the process wide Cache shared by callers that don't carry
// their own.
func Default() *Cache {
	return defaultCache
}
