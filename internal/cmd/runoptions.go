// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mia-platform/amux/internal/dispatcher"
	"github.com/mia-platform/amux/internal/logger"
	"github.com/mia-platform/amux/internal/metrics"
	"github.com/mia-platform/amux/internal/server"
)

const runLoggerName = "amux:run"

// runFlags collects the CLI options of the run command.
type runFlags struct {
	configPath string
}

// addFlags registers the CLI flags on cmd.
func (f *runFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, configFlagName, configFlagShort, "", configFlagUsage)
}

// toOptions builds a runOptions instance from the parsed flags.
func (f *runFlags) toOptions(_ *cobra.Command, _ []string) (*runOptions, error) {
	return &runOptions{configPath: f.configPath}, nil
}

type runOptions struct {
	configPath string
}

func (o *runOptions) validate() error {
	return nil
}

// executeRun builds the dispatcher and the HTTP server and runs them until an
// interrupt or termination signal arrives.
func (o *runOptions) executeRun(ctx context.Context) error {
	log := logger.FromContext(ctx).WithName(runLoggerName)

	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)
	d := dispatcher.New(ctx, *cfg, dispatcher.Options{Metrics: recorder})
	defer d.Close()

	srv, err := server.NewServer(ctx, d, prometheus.DefaultGatherer)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting analytics multiplexer", "providers", d.AvailableProviders())

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(srv.Start)
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down")
		d.Close()
		return srv.Stop()
	})

	return group.Wait()
}
