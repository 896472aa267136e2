package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/client"
	"github.com/mistakeknot/interlock/internal/core"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agents and active leases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			res, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			renderStatus(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func renderStatus(out io.Writer, res client.StatusResult) {
	stale := make(map[string]bool, len(res.StaleAgents))
	for _, id := range res.StaleAgents {
		stale[id] = true
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "AGENT\tSTATUS\tLAST SEEN\tTASK\tCAPABILITIES\n")
	for _, ag := range res.Agents {
		st := string(ag.Status)
		if stale[ag.ID] {
			st += " (stale)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ag.ID, st, humanize.Time(ag.LastSeen), dash(ag.CurrentTask), dash(strings.Join(ag.Capabilities, ",")))
	}
	w.Flush()

	fmt.Fprintln(out)
	if len(res.Locks) == 0 {
		fmt.Fprintln(out, "no active locks")
		return
	}
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "RESOURCE\tOWNER\tHELD SINCE\tEXPIRES\tREASON\n")
	for _, l := range res.Locks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", l.Resource, l.Owner, humanize.Time(l.AcquiredAt), humanize.Time(l.ExpiresAt), dash(l.Reason))
	}
	w.Flush()
}

func newLogCmd(a *app) *cobra.Command {
	var (
		limit  int
		agent  string
		action string
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the audit log, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			res, err := c.Log(cmd.Context(), client.LogQuery{Limit: limit, AgentID: agent, Action: core.Action(action)})
			if err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, ev := range res.Events {
				fmt.Fprintln(w, eventLine(ev))
			}
			w.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %s events\n", len(res.Events), humanize.Comma(int64(res.TotalCount)))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum events to show (server default 50)")
	cmd.Flags().StringVar(&agent, "filter-agent", "", "only events of this agent")
	cmd.Flags().StringVar(&action, "action", "", "only events of this action")
	return cmd
}

// eventLine renders one event as tab-separated columns.
func eventLine(ev client.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\t%s\t%s\t%s", ev.TS.Local().Format(time.DateTime), ev.Agent, ev.Action, dash(ev.Resource))
	var extra []string
	if ev.Reason != "" {
		extra = append(extra, "reason="+ev.Reason)
	}
	if ev.Details != "" {
		extra = append(extra, ev.Details)
	}
	fmt.Fprintf(&b, "\t%s", strings.Join(extra, " "))
	return b.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
