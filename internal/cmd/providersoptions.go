// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mia-platform/amux/internal/dispatcher"
)

const (
	configFlagName  = "config"
	configFlagShort = "c"
	configFlagUsage = "path to the configuration file"
)

// providersFlags collects the CLI options of the providers command.
type providersFlags struct {
	configPath string
}

// addFlags registers the CLI flags on cmd.
func (f *providersFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, configFlagName, configFlagShort, "", configFlagUsage)
}

// toOptions builds a providersOptions instance from the parsed flags.
func (f *providersFlags) toOptions(cmd *cobra.Command, _ []string) (*providersOptions, error) {
	return &providersOptions{
		configPath: f.configPath,
		out:        cmd.OutOrStdout(),
	}, nil
}

type providersOptions struct {
	configPath string
	out        io.Writer
}

// executeProviders prints the supported destinations in declaration order
// with the eligibility resulting from the configuration.
func (o *providersOptions) executeProviders(_ context.Context) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}

	for _, name := range dispatcher.Builtin().Names() {
		provider, found := cfg.Providers[name]

		status := "eligible"
		switch {
		case !found:
			status = "not configured"
		case !provider.Enabled:
			status = "disabled"
		case provider.Credential == "":
			status = "missing credential"
		}

		fmt.Fprintf(o.out, "%s: %s\n", name, status)
	}

	return nil
}
