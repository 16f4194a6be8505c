// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package destination

import (
	"maps"
	"time"
)

// Properties is a free form property bag attached to tracking calls.
type Properties map[string]any

// Merge returns a bag holding p's entries with overlay applied on top,
// overlay wins on key collision. Neither input is modified. Merging two nil
// bags returns nil.
func (p Properties) Merge(overlay Properties) Properties {
	if p == nil && overlay == nil {
		return nil
	}

	merged := make(Properties, len(p)+len(overlay))
	maps.Copy(merged, p)
	maps.Copy(merged, overlay)
	return merged
}

// Event is a product event to deliver to every enabled destination. UserID
// and Timestamp are optional: vendors fall back to their own anonymous
// identifier and to the delivery time.
type Event struct {
	Name       string     `json:"name"`
	Properties Properties `json:"properties,omitempty"`
	UserID     string     `json:"userId,omitempty"`
	Timestamp  time.Time  `json:"timestamp,omitzero"`
}

// OccurredAt returns the event timestamp, or now when the event carries none.
func (e Event) OccurredAt() time.Time {
	if e.Timestamp.IsZero() {
		return time.Now()
	}

	return e.Timestamp
}

// Identity links the current user to an identifier and profile traits.
type Identity struct {
	UserID string     `json:"userId"`
	Traits Properties `json:"traits,omitempty"`
}

// PageView records the viewing of a page or screen.
type PageView struct {
	Title      string     `json:"title"`
	URL        string     `json:"url,omitempty"`
	Properties Properties `json:"properties,omitempty"`
}

// RemapTraits returns a copy of traits with the canonical profile keys
// renamed through table, leaving every other key as it is. Vendors use it to
// translate identify payloads to their reserved profile field names.
func RemapTraits(traits Properties, table map[string]string) Properties {
	if traits == nil {
		return nil
	}

	remapped := make(Properties, len(traits))
	for key, value := range traits {
		if mapped, found := table[key]; found {
			key = mapped
		}
		remapped[key] = value
	}

	return remapped
}
