package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/project"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init <project> [dir]",
		Short: "Register a project directory in the config file",
		Long: `Register a project directory in the config file, creating the file if
needed, and create the directory's .interlock/ state directory. The first
project becomes the default. dir defaults to the current directory.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 2 {
				dir = args[1]
			}
			path := a.configPath()
			cfg, err := config.InitProject(path, args[0], dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project %q -> %s/%s (config %s)\n", args[0], cfg.Projects[args[0]], project.StateDir, path)
			if cfg.DefaultProject == args[0] {
				fmt.Fprintln(cmd.OutOrStdout(), "default project:", args[0])
			}
			return nil
		},
	}
}
