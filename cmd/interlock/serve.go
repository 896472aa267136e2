package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/pkg/embedded"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		listen  string
		backend string
		noWatch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator server",
		Long: `Run the coordinator server.

The server reads its config from --config, $INTERLOCK_CONFIG or
./interlock.yaml (a missing file means defaults) and watches the file for
project changes while it runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath()
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if backend != "" {
				cfg.Backend = backend
			}
			if a.socket != "" {
				cfg.SocketPath = a.socket
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if a.logLevel == "" {
				setupLogging(cfg.LogLevel)
			}

			srv, err := embedded.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("init server: %w", err)
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return srv.Run(ctx) })
			if !noWatch {
				if _, err := os.Stat(path); err == nil {
					g.Go(func() error {
						return config.Watch(ctx, path, config.ReloadProjects(srv.Projects()))
					})
				} else {
					log.Debug().Str("path", path).Msg("no config file, not watching")
				}
			}
			if err := g.Wait(); err != nil && !errors.Is(err, cmd.Context().Err()) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	cmd.Flags().StringVar(&backend, "backend", "", "override the storage backend (yaml, sqlite, memory)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")
	return cmd
}
