package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loykin/vtxgate/internal/config"
)

func createCheckCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check [config]",
		Short: "Validate a config file and print its streams",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runCheck(cmd.OutOrStdout(), path)
		},
	}
}

func runCheck(out io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "config %s is valid: listen=%s hls_root=%s binary=%s interval=%s\n",
		path, cfg.Server.Listen, cfg.Server.HLSRoot, cfg.Server.FFmpegBinary, cfg.Server.SupervisorInterval)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tAUTO_START\tIDLE_TIMEOUT\tMAX_ATTEMPTS\tBACKOFF\tSOURCE")
	for _, d := range cfg.StreamDefinitions() {
		idle := "off"
		if d.IdleTimeout > 0 {
			idle = d.IdleTimeout.String()
		}
		attempts := "unlimited"
		if d.Retry.MaxAttempts > 0 {
			attempts = fmt.Sprint(d.Retry.MaxAttempts)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s..%s\t%s\n",
			d.Name, d.AutoStart, idle, attempts, d.Retry.InitialBackoff, d.Retry.MaxBackoff, redactSource(d.Source))
	}
	return tw.Flush()
}

// redactSource hides credentials embedded in source URLs.
func redactSource(src string) string {
	scheme, rest, ok := strings.Cut(src, "://")
	if !ok {
		return src
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok || strings.Contains(userinfo, "/") {
		return src
	}
	return scheme + "://***@" + host
}
