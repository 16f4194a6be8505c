// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package dispatcher

import (
	"github.com/mia-platform/amux/internal/config"
	"github.com/mia-platform/amux/internal/destination"
	"github.com/mia-platform/amux/internal/destination/amplitude"
	"github.com/mia-platform/amux/internal/destination/mixpanel"
	"github.com/mia-platform/amux/internal/destination/posthog"
	"github.com/mia-platform/amux/internal/destination/segment"
)

// BuildFunc creates the adapter of one destination from its provider entry.
type BuildFunc func(provider config.Provider, options destination.Options) (destination.Adapter, error)

// Builder pairs a destination name with its adapter constructor.
type Builder struct {
	Name  string
	Build BuildFunc
}

// Registry is the ordered set of destinations a dispatcher can build. The
// order of the builders is the declaration order every dispatcher listing and
// fan-out follows.
type Registry struct {
	builders []Builder
}

// NewRegistry returns a registry holding builders in the given order.
func NewRegistry(builders ...Builder) *Registry {
	return &Registry{builders: builders}
}

// Builtin returns the registry of the supported vendor destinations.
func Builtin() *Registry {
	return NewRegistry(
		Builder{Name: segment.Name, Build: segment.NewFromProvider},
		Builder{Name: mixpanel.Name, Build: mixpanel.NewFromProvider},
		Builder{Name: amplitude.Name, Build: amplitude.NewFromProvider},
		Builder{Name: posthog.Name, Build: posthog.NewFromProvider},
	)
}

// Names returns the destination names in declaration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.builders))
	for _, builder := range r.builders {
		names = append(names, builder.Name)
	}

	return names
}
