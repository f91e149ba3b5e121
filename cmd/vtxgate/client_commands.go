package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loykin/vtxgate/pkg/client"
)

func newAPIClient(f *APIFlags) *client.Client {
	return client.New(client.Config{
		BaseURL:  f.APIUrl,
		Timeout:  f.APITimeout,
		Username: f.Username,
		Password: f.Password,
		Token:    f.Token,
	})
}

func createStreamsCommand(f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "streams",
		Aliases: []string{"status", "ls"},
		Short:   "List streams of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStreams(cmd.Context(), cmd.OutOrStdout(), newAPIClient(f), f.JSON)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func runStreams(ctx context.Context, out io.Writer, c *client.Client, asJSON bool) error {
	streams, err := c.Streams(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(out, streams)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATUS\tPID\tIDLE\tUPTIME\tCRASHES\tNEXT_RETRY")
	for _, s := range streams {
		status := s.Status
		if s.GivenUp {
			status += " (given up)"
		}
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		retry := "-"
		if s.NextRetryInSeconds > 0 {
			retry = fmt.Sprintf("%ds", s.NextRetryInSeconds)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%ds\t%ds\t%d\t%s\n",
			s.Name, status, pid, s.IdleSeconds, s.UptimeSeconds, s.CrashCount, retry)
	}
	return tw.Flush()
}

func createStartCommand(f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start a stream (or refresh it when running)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newAPIClient(f).Start(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createStopCommand(f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newAPIClient(f).Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createTickCommand(f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "tick",
		Short:  "Run one supervisor pass on a running server",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAPIClient(f).Tick(cmd.Context())
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
