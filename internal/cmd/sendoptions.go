// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mia-platform/amux/internal/config"
	"github.com/mia-platform/amux/internal/destination"
	"github.com/mia-platform/amux/internal/destination/writer"
	"github.com/mia-platform/amux/internal/dispatcher"
	"github.com/mia-platform/amux/internal/logger"
	"github.com/mia-platform/amux/internal/resource"
)

const (
	sendLoggerName = "amux:send"

	propFlagName  = "prop"
	propFlagUsage = "add a key=value property to the payload. Can be specified multiple times."

	userFlagName  = "user"
	userFlagUsage = "attach a user id to the tracked event"

	titleFlagName  = "title"
	titleFlagUsage = "set the title of the page view"

	dryRunFlagName  = "dry-run"
	dryRunFlagUsage = "render the calls to stdout instead of sending them to the vendors"

	timeoutFlagName    = "timeout"
	timeoutFlagUsage   = "how long to wait for the destinations to become ready"
	timeoutFlagDefault = 5 * time.Second
)

// sendFlags collects the CLI options of the send command.
type sendFlags struct {
	configPath string
	properties []string
	user       string
	title      string
	dryRun     bool
	timeout    time.Duration
}

// addFlags registers the CLI flags on cmd.
func (f *sendFlags) addFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, configFlagName, configFlagShort, "", configFlagUsage)
	flags.StringArrayVar(&f.properties, propFlagName, nil, propFlagUsage)
	flags.StringVar(&f.user, userFlagName, "", userFlagUsage)
	flags.StringVar(&f.title, titleFlagName, "", titleFlagUsage)
	flags.BoolVar(&f.dryRun, dryRunFlagName, false, dryRunFlagUsage)
	flags.DurationVar(&f.timeout, timeoutFlagName, timeoutFlagDefault, timeoutFlagUsage)
}

// toOptions builds a sendOptions instance from the parsed flags and CLI
// arguments.
func (f *sendFlags) toOptions(cmd *cobra.Command, args []string) (*sendOptions, error) {
	kind, payload := "", ""
	if len(args) > 0 {
		kind = args[0]
	}
	if len(args) > 1 {
		payload = args[1]
	}

	properties, err := parseProperties(f.properties)
	if err != nil {
		return nil, err
	}

	return &sendOptions{
		kind:       kind,
		payload:    payload,
		properties: properties,
		user:       f.user,
		title:      f.title,
		dryRun:     f.dryRun,
		timeout:    f.timeout,
		configPath: f.configPath,
		out:        cmd.OutOrStdout(),
	}, nil
}

type sendOptions struct {
	kind       string
	payload    string
	properties destination.Properties
	user       string
	title      string
	dryRun     bool
	timeout    time.Duration
	configPath string
	out        io.Writer
}

func (o *sendOptions) validate() error {
	if o.kind == "" {
		return errNoArguments
	}
	if _, found := availableSendKinds[o.kind]; !found {
		return fmt.Errorf("%w: %s", errInvalidSendKind, o.kind)
	}
	if o.payload == "" {
		return errNoArguments
	}

	return nil
}

// executeSend builds the destinations, waits for them to settle and
// dispatches the requested call once.
func (o *sendOptions) executeSend(ctx context.Context) error {
	log := logger.FromContext(ctx).WithName(sendLoggerName)

	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}

	options := dispatcher.Options{Cache: resource.NewCache()}
	if o.dryRun {
		options.Registry = dryRunRegistry(o.out)
	}

	d := dispatcher.New(ctx, *cfg, options)
	defer d.Close()

	waitCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if err := d.WaitSettled(waitCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("some destinations are not settled yet, calls to them will be dropped")
	}

	switch o.kind {
	case "event":
		d.TrackEvent(ctx, destination.Event{
			Name:       o.payload,
			Properties: o.properties,
			UserID:     o.user,
		})
	case "identify":
		d.IdentifyUser(ctx, destination.Identity{
			UserID: o.payload,
			Traits: o.properties,
		})
	case "page":
		d.TrackPageView(ctx, destination.PageView{
			URL:        o.payload,
			Title:      o.title,
			Properties: o.properties,
		})
	}

	states := d.ProviderStates()
	for _, name := range d.AvailableProviders() {
		fmt.Fprintf(o.out, "%s: %s\n", name, states[name])
	}

	return nil
}

// dryRunRegistry replaces every supported destination with the writer one.
func dryRunRegistry(out io.Writer) *dispatcher.Registry {
	out = writer.Synchronized(out)

	builders := make([]dispatcher.Builder, 0)
	for _, name := range dispatcher.Builtin().Names() {
		builders = append(builders, dispatcher.Builder{
			Name: name,
			Build: func(_ config.Provider, options destination.Options) (destination.Adapter, error) {
				return writer.NewAdapter(name, out, options), nil
			},
		})
	}

	return dispatcher.NewRegistry(builders...)
}
