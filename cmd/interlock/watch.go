package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/client"
	"github.com/mistakeknot/interlock/internal/core"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		agent  string
		action string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream audit events as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.socket != "" {
				return fmt.Errorf("watch needs a TCP server URL, not a unix socket")
			}
			base, err := a.baseURL()
			if err != nil {
				return err
			}
			feed := client.NewWSClient(base,
				client.WithWSProject(a.project),
				client.WithWSAgentID(strings.TrimSpace(agent)),
				client.WithWSAction(core.Action(action)),
				client.WithAutoReconnect(true),
			)
			out := cmd.OutOrStdout()
			feed.OnEvent(func(msg client.FeedMessage) {
				if a.jsonOut {
					_ = printJSON(out, msg)
					return
				}
				fmt.Fprintf(out, "[%s] %s\n", msg.Project, strings.ReplaceAll(eventLine(msg.Event), "\t", "  "))
			})
			if err := feed.Connect(cmd.Context()); err != nil {
				return err
			}
			defer feed.Close()

			select {
			case <-cmd.Context().Done():
			case <-feed.Done():
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "filter-agent", "", "only events of this agent")
	cmd.Flags().StringVar(&action, "action", "", "only events of this action")
	return cmd
}
