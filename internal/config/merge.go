// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package config

import "maps"

// Partial is a configuration fragment applied over a running configuration.
// A nil section leaves the corresponding part of the current configuration
// untouched.
type Partial struct {
	Providers        map[string]Provider `json:"providers,omitempty" yaml:"providers,omitempty"`
	GlobalProperties map[string]any      `json:"globalProperties,omitempty" yaml:"globalProperties,omitempty"`
	EnableDebug      *bool               `json:"enableDebug,omitempty" yaml:"enableDebug,omitempty"`
}

// RequiresRebuild reports whether applying the partial invalidates an adapter
// set built from the previous configuration.
func (p Partial) RequiresRebuild() bool {
	return p.Providers != nil
}

// Merge applies partial over current and returns the resulting configuration.
// Provider entries named in the partial replace the current entry of the same
// name wholesale, entries the partial does not name are kept as they are.
// Global properties merge by key with the partial winning on collision,
// existing keys are never deleted. EnableDebug changes only when the partial
// carries a value for it.
func Merge(current Config, partial Partial) Config {
	merged := current.Snapshot()

	if partial.Providers != nil && merged.Providers == nil {
		merged.Providers = make(map[string]Provider, len(partial.Providers))
	}
	for name, provider := range partial.Providers {
		merged.Providers[name] = provider.Clone()
	}

	if len(partial.GlobalProperties) > 0 && merged.GlobalProperties == nil {
		merged.GlobalProperties = make(map[string]any, len(partial.GlobalProperties))
	}
	maps.Copy(merged.GlobalProperties, partial.GlobalProperties)

	if partial.EnableDebug != nil {
		merged.EnableDebug = *partial.EnableDebug
	}

	return merged
}

// Snapshot returns a copy of the configuration that shares no map with the
// original. Option and property values are copied by reference.
func (c Config) Snapshot() Config {
	snapshot := Config{EnableDebug: c.EnableDebug}

	if c.Providers != nil {
		snapshot.Providers = make(map[string]Provider, len(c.Providers))
		for name, provider := range c.Providers {
			snapshot.Providers[name] = provider.Clone()
		}
	}

	snapshot.GlobalProperties = maps.Clone(c.GlobalProperties)
	return snapshot
}

// Redacted returns a snapshot with every provider credential masked.
func (c Config) Redacted() Config {
	redacted := c.Snapshot()
	for name, provider := range redacted.Providers {
		if provider.Credential != "" {
			provider.Credential = Redacted
			redacted.Providers[name] = provider
		}
	}

	return redacted
}
