// Package main implements recallctl, a CLI for manual operations against the
// recalld HTTP API.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options are shared by every subcommand.
type options struct {
	serverURL string
	userID    string
	clientID  string
	jsonOut   bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "recallctl",
		Short: "CLI for recalld HTTP server operations",
		Long: `recallctl talks to a running recalld daemon. It can assemble context for a
turn, store memories and inspect or reset a user's cached narrative.`,
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.serverURL, "server", "http://127.0.0.1:9191", "recalld server URL")
	root.PersistentFlags().StringVar(&opts.userID, "user", "", "user id the request acts for")
	root.PersistentFlags().StringVar(&opts.clientID, "client", "recallctl", "client id reported to the server")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print raw JSON responses")

	root.AddCommand(
		newHealthCmd(opts),
		newContextCmd(opts),
		newRememberCmd(opts),
		newNarrativeCmd(opts),
	)
	return root
}
