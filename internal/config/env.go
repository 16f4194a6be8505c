// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
)

var (
	ErrEnvVariablesNotValid = errors.New("environment variables not valid")
)

type envCredentials struct {
	SegmentWriteKey string `env:"AMUX_SEGMENT_WRITE_KEY"`
	MixpanelToken   string `env:"AMUX_MIXPANEL_TOKEN"`
	AmplitudeAPIKey string `env:"AMUX_AMPLITUDE_API_KEY"`
	PostHogAPIKey   string `env:"AMUX_POSTHOG_API_KEY"`
	PostHogHost     string `env:"AMUX_POSTHOG_HOST"`
	EnableDebug     *bool  `env:"AMUX_ENABLE_DEBUG"`
}

// ApplyEnv overlays credentials found in the process environment over config.
// A credential variable sets only the secret of its provider entry, creating
// the entry when the document never mentioned it: whether the provider is
// enabled still comes from the document or a later update.
func ApplyEnv(config *Config) error {
	var envVars envCredentials
	if err := env.Parse(&envVars); err != nil {
		return fmt.Errorf("%w: %s", ErrEnvVariablesNotValid, err.Error())
	}

	overlayCredential(config, "segment", "writeKey", envVars.SegmentWriteKey)
	overlayCredential(config, "mixpanel", "token", envVars.MixpanelToken)
	overlayCredential(config, "amplitude", "apiKey", envVars.AmplitudeAPIKey)
	overlayCredential(config, "posthog", "apiKey", envVars.PostHogAPIKey)

	if envVars.PostHogHost != "" {
		provider := config.Providers["posthog"]
		if provider.Options == nil {
			provider.Options = make(map[string]any)
		}
		provider.Options["host"] = envVars.PostHogHost
		ensureProviders(config)["posthog"] = provider
	}

	if envVars.EnableDebug != nil {
		config.EnableDebug = *envVars.EnableDebug
	}

	return nil
}

func overlayCredential(config *Config, name, key, credential string) {
	if credential == "" {
		return
	}

	provider := config.Providers[name]
	provider.Credential = credential
	provider.CredentialKey = key
	ensureProviders(config)[name] = provider
}

func ensureProviders(config *Config) map[string]Provider {
	if config.Providers == nil {
		config.Providers = make(map[string]Provider)
	}

	return config.Providers
}
