// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package cmd

import (
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"
)

const (
	runCmdUsage = "run"
	runCmdShort = "start the analytics multiplexer"
	runCmdLong  = `Start the analytics multiplexer.
	The configured destinations are built and warmed up in the background while
	the HTTP API starts accepting tracking and management calls. The process
	runs until it receives an interrupt or termination signal.`

	runCmdExample = `# Run the multiplexer with a configuration file
	amux run --config amux.yaml`

	sendCmdUsage = "send event NAME|identify ID|page URL"
	sendCmdShort = "send a single tracking call to the configured destinations"
	sendCmdLong  = `Send a single tracking call to the configured destinations.
	The destinations are built from the configuration, awaited until they are
	ready or the timeout expires, and the call is dispatched once to all of
	them. With --dry-run the calls are rendered to standard output instead of
	reaching the vendors.`

	sendCmdExample = `# Track an event with properties
	amux send event Signup --prop plan=pro --config amux.yaml

	# Identify a user
	amux send identify u-123 --prop email=user@example.com

	# Record a page view without reaching the vendors
	amux send page https://example.com/pricing --title Pricing --dry-run`

	providersCmdUsage = "providers"
	providersCmdShort = "list the supported destinations and their eligibility"
	providersCmdLong  = `List the supported destinations in declaration order, reporting for each
	one whether the configuration enables it and carries its credential.`

	providersCmdExample = `# List the destinations configured in amux.yaml
	amux providers --config amux.yaml`
)

// RunCmd returns the Cobra command that runs the multiplexer service.
func RunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:     runCmdUsage,
		Short:   heredoc.Doc(runCmdShort),
		Long:    heredoc.Doc(runCmdLong),
		Example: heredoc.Doc(runCmdExample),

		SilenceErrors: true,
		SilenceUsage:  true,

		Args:              cobra.NoArgs,
		ValidArgsFunction: cobra.NoFileCompletions,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.toOptions(cmd, args)
			if err != nil {
				return handleError(cmd, err)
			}

			if err := opts.validate(); err != nil {
				return handleError(cmd, err)
			}

			if err := opts.executeRun(cmd.Context()); err != nil {
				return handleError(cmd, err)
			}

			return nil
		},
	}

	flags.addFlags(cmd)
	return cmd
}

// SendCmd returns the Cobra command that dispatches a one-shot tracking call.
func SendCmd() *cobra.Command {
	flags := &sendFlags{}
	cmd := &cobra.Command{
		Use:     sendCmdUsage,
		Short:   heredoc.Doc(sendCmdShort),
		Long:    heredoc.Doc(sendCmdLong),
		Example: heredoc.Doc(sendCmdExample),

		SilenceErrors: true,
		SilenceUsage:  true,

		ValidArgsFunction: validArgsFunc(availableSendKinds),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.toOptions(cmd, args)
			if err != nil {
				return handleError(cmd, err)
			}

			if err := opts.validate(); err != nil {
				return handleError(cmd, err)
			}

			if err := opts.executeSend(cmd.Context()); err != nil {
				return handleError(cmd, err)
			}

			return nil
		},
	}

	flags.addFlags(cmd)
	return cmd
}

// ProvidersCmd returns the Cobra command that lists destination eligibility.
func ProvidersCmd() *cobra.Command {
	flags := &providersFlags{}
	cmd := &cobra.Command{
		Use:     providersCmdUsage,
		Short:   heredoc.Doc(providersCmdShort),
		Long:    heredoc.Doc(providersCmdLong),
		Example: heredoc.Doc(providersCmdExample),

		SilenceErrors: true,
		SilenceUsage:  true,

		Args:              cobra.NoArgs,
		ValidArgsFunction: cobra.NoFileCompletions,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.toOptions(cmd, args)
			if err != nil {
				return handleError(cmd, err)
			}

			if err := opts.executeProviders(cmd.Context()); err != nil {
				return handleError(cmd, err)
			}

			return nil
		},
	}

	flags.addFlags(cmd)
	return cmd
}
