// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	EnabledField    = "enabled"
	CredentialField = "credential"

	// Redacted replaces credential values in configurations that leave the
	// process, for logs or the management API.
	Redacted = "***"
)

// CredentialKeys lists every accepted spelling for a provider credential: the
// generic one plus the vendor specific names used by the supported
// destinations. A provider block must carry at most one of them.
var CredentialKeys = []string{CredentialField, "writeKey", "token", "apiKey"}

var (
	// ErrParsing reports failures that occur while decoding configuration data.
	ErrParsing = errors.New("error parsing")
)

// Config is the full dispatching configuration.
type Config struct {
	Providers        map[string]Provider `json:"providers,omitempty" yaml:"providers,omitempty"`
	GlobalProperties map[string]any      `json:"globalProperties,omitempty" yaml:"globalProperties,omitempty"`
	EnableDebug      bool                `json:"enableDebug,omitempty" yaml:"enableDebug,omitempty"`
}

// Provider configures a single analytics destination. Credential carries the
// secret under whatever spelling the source document used, recorded in
// CredentialKey so the value round-trips under the same name. Every other
// key of the source block ends up in Options.
type Provider struct {
	Enabled       bool
	Credential    string
	CredentialKey string
	Options       map[string]any
}

// Eligible reports whether an adapter can be built for the provider: it must
// be enabled and carry a non empty credential.
func (p Provider) Eligible() bool {
	return p.Enabled && p.Credential != ""
}

// Clone returns a copy of the provider that shares no map with the original.
func (p Provider) Clone() Provider {
	clone := p
	clone.Options = maps.Clone(p.Options)
	return clone
}

func (p *Provider) fromMap(raw map[string]any) error {
	provider := Provider{}

	if rawEnabled, found := raw[EnabledField]; found {
		enabled, ok := rawEnabled.(bool)
		if !ok {
			return fmt.Errorf("%q field must be a boolean", EnabledField)
		}
		provider.Enabled = enabled
	}

	foundKeys := []string{}
	for _, key := range CredentialKeys {
		if _, found := raw[key]; found {
			foundKeys = append(foundKeys, key)
		}
	}

	switch len(foundKeys) {
	case 0:
	case 1:
		key := foundKeys[0]
		credential, ok := raw[key].(string)
		if !ok {
			return fmt.Errorf("%q field must be a string", key)
		}
		provider.Credential = credential
		provider.CredentialKey = key
	default:
		return fmt.Errorf("conflicting credential fields: %s", strings.Join(foundKeys, ", "))
	}

	for key, value := range raw {
		if key == EnabledField || slices.Contains(CredentialKeys, key) {
			continue
		}
		if provider.Options == nil {
			provider.Options = make(map[string]any)
		}
		provider.Options[key] = value
	}

	*p = provider
	return nil
}

func (p Provider) toMap() map[string]any {
	raw := map[string]any{EnabledField: p.Enabled}

	if p.Credential != "" || p.CredentialKey != "" {
		key := p.CredentialKey
		if key == "" {
			key = CredentialField
		}
		raw[key] = p.Credential
	}

	maps.Copy(raw, p.Options)
	return raw
}

// UnmarshalYAML decodes a provider block, recognizing every credential
// spelling in CredentialKeys and collecting unknown keys as options.
func (p *Provider) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return err
	}

	return p.fromMap(raw)
}

// UnmarshalJSON decodes a provider block with the same rules as UnmarshalYAML.
func (p *Provider) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	return p.fromMap(raw)
}

// MarshalYAML encodes the provider back into its document form, emitting the
// credential under the spelling it was read with.
func (p Provider) MarshalYAML() (interface{}, error) {
	return p.toMap(), nil
}

// MarshalJSON encodes the provider with the same rules as MarshalYAML.
func (p Provider) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.toMap())
}

// NewConfigFromPath parses the file at path and returns the configuration it
// contains. Both YAML and JSON documents are supported, an empty document
// yields an empty configuration.
func NewConfigFromPath(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	config := new(Config)
	if err := decoder.Decode(config); err != nil {
		if errors.Is(err, io.EOF) {
			return new(Config), nil
		}

		return nil, fmt.Errorf("%w %q: %w", ErrParsing, path, err)
	}

	return config, nil
}
