package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/client"
)

// errDenied makes `interlock lock` exit non-zero when the lease is held by
// someone else, so scripts can branch on it.
var errDenied = errors.New("lock denied")

func newLockCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "lock <resource>",
		Short: "Acquire (or refresh) a lease on a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.agentID()
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			res, err := c.Lock(cmd.Context(), id, args[0], reason)
			if err != nil {
				return err
			}
			if a.jsonOut {
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				printLock(cmd, res)
			}
			if !res.Acquired {
				return fmt.Errorf("%w: %s is held by %s", errDenied, res.Resource, res.Holder)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "why the lease is needed")
	return cmd
}

func printLock(cmd *cobra.Command, res client.LockResult) {
	out := cmd.OutOrStdout()
	if res.Acquired {
		fmt.Fprintf(out, "locked %s", res.Resource)
		if res.ExpiresAt != nil {
			fmt.Fprintf(out, " (expires %s)", humanize.Time(*res.ExpiresAt))
		}
		fmt.Fprintln(out)
		return
	}
	fmt.Fprintf(out, "denied %s: held by %s", res.Resource, res.Holder)
	if res.HeldSince != nil {
		fmt.Fprintf(out, " since %s", humanize.Time(*res.HeldSince))
	}
	fmt.Fprintln(out)
}

func newUnlockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <resource>",
		Short: "Release a lease you hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.agentID()
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			res, err := c.Unlock(cmd.Context(), id, args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			if res.WasHeldBy == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was not locked\n", res.Resource)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", res.Resource)
			return nil
		},
	}
}
