package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/client"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/names"
)

func newRegisterCmd(a *app) *cobra.Command {
	var caps []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent (or refresh its registration)",
		Long: `Register an agent. Without --agent or $INTERLOCK_AGENT a readable id is
generated and printed; export it as INTERLOCK_AGENT for later commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.agentID()
			if err != nil {
				id = names.Generate()
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			res, err := c.Register(cmd.Context(), id, caps)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s", res.ID)
			if len(res.Capabilities) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), " %v", res.Capabilities)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&caps, "capability", nil, "capability tag (repeatable or comma separated)")
	return cmd
}

func newHeartbeatCmd(a *app) *cobra.Command {
	var (
		status string
		task   string
	)
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Report liveness and reclaim leases of stale agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.agentID()
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			opts := client.HeartbeatOptions{Status: core.AgentStatus(status)}
			if cmd.Flags().Changed("task") {
				opts.CurrentTask = &task
			}
			res, err := c.Heartbeat(cmd.Context(), id, opts)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s alive at %s\n", res.ID, res.LastSeen.Local().Format("15:04:05"))
			if len(res.StaleAgents) > 0 {
				fmt.Fprintf(out, "stale agents: %v\n", res.StaleAgents)
			}
			if len(res.ReleasedLocks) > 0 {
				fmt.Fprintf(out, "reclaimed locks: %v\n", res.ReleasedLocks)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "active, busy or idle")
	cmd.Flags().StringVar(&task, "task", "", "current task (empty clears it)")
	return cmd
}
