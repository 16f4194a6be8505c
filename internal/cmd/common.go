// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mia-platform/amux/internal/config"
	"github.com/mia-platform/amux/internal/destination"
)

var (
	errNoArguments     = errors.New("no payload provided")
	errInvalidSendKind = errors.New("invalid payload kind provided")

	// availableSendKinds holds the payload kinds of the send command and their
	// description for command completion and help messages.
	availableSendKinds = map[string]string{
		"event":    "track a product event by name",
		"identify": "identify a user by id",
		"page":     "record a page view by url",
	}
)

// handleError will do custom print error handling based on the type of error received.
// it will return nil if the command must return 0 exit code, otherwise it will return
// the original error.
func handleError(cmd *cobra.Command, err error) error {
	switch {
	case errors.Is(err, errNoArguments):
		_ = cmd.Usage() // do not check error as we cannot do much about it
		return nil
	case errors.Is(err, errInvalidSendKind):
		cmd.PrintErrln(err)
		_ = cmd.Usage() // do not check error as we cannot do much about it
		return err
	default:
		cmd.PrintErrln(err)
		return err
	}
}

func validArgsFunc(kinds map[string]string) cobra.CompletionFunc {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		var comps []string
		if len(args) == 0 {
			for name, description := range kinds {
				if strings.HasPrefix(name, toComplete) {
					comps = append(comps, cobra.CompletionWithDesc(name, description))
				}
			}
		}

		return comps, cobra.ShellCompDirectiveNoFileComp
	}
}

// loadConfig reads the configuration at path, or starts from an empty one
// when no path is given, and overlays the process environment on it.
func loadConfig(path string) (*config.Config, error) {
	cfg := new(config.Config)
	if path != "" {
		var err error
		if cfg, err = config.NewConfigFromPath(path); err != nil {
			return nil, err
		}
	}

	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseProperties turns key=value pairs into a property bag.
func parseProperties(pairs []string) (destination.Properties, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	properties := make(destination.Properties, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("property %q is not in key=value form", pair)
		}

		properties[key] = value
	}

	return properties, nil
}
