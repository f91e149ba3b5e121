package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags selects a running server for the client commands
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Username   string
	Password   string
	Token      string
	JSON       bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	apiFlags := &APIFlags{}

	root := &cobra.Command{
		Use:   "vtxgate",
		Short: "On-demand transcoder gateway",
		Long: `vtxgate starts transcoder workers when a player first asks for a stream,
reclaims them when nobody is watching and restarts crashed workers with backoff.

Examples:
  vtxgate serve --config vtxgate.yaml
  vtxgate check --config vtxgate.yaml
  vtxgate streams --api-url http://localhost:8080
  vtxgate start cam1`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "vtxgate.yaml", "path to config file (yaml, toml or json)")

	root.AddCommand(
		createServeCommand(globalFlags),
		createCheckCommand(globalFlags),
		createStreamsCommand(apiFlags),
		createStartCommand(apiFlags),
		createStopCommand(apiFlags),
		createTickCommand(apiFlags),
	)
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "http://localhost:8080", "server URL including base path")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&f.Username, "username", os.Getenv("VTXGATE_USERNAME"), "basic auth username")
	cmd.Flags().StringVar(&f.Password, "password", os.Getenv("VTXGATE_PASSWORD"), "basic auth password")
	cmd.Flags().StringVar(&f.Token, "token", os.Getenv("VTXGATE_TOKEN"), "bearer token")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print raw JSON")
}
