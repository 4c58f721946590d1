// bundlectl inspects bundles offline and drives a running bundle proxy.
//
// Offline commands:
//
//	bundlectl resolve <pointer>            Show the root and entry of a pointer
//	bundlectl rewrite <entry-path> [file]  Rewrite an entry document
//	bundlectl archive ls|cat|upload        Inspect and upload zip archives
//
// Server commands:
//
//	bundlectl health | play | asset | members | status | ensure
//	bundlectl prewarm | invalidate | prune | stats | watch
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/bundleproxy/pkg/client"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app holds the global flags shared by every command.
type app struct {
	server    string
	outputFmt string
	noHeaders bool
	timeout   time.Duration

	formatter *Formatter
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "bundlectl",
		Short: "Inspect and manage game bundles",
		Long: `bundlectl resolves and rewrites bundles locally and manages the cache of a
running bundle proxy.

Environment:
  BUNDLECTL_SERVER   default for --server
  BUNDLE_PREFIX      default for resolve --prefix`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			format, err := ParseFormat(a.outputFmt)
			if err != nil {
				return err
			}
			a.formatter = &Formatter{Format: format, NoHeaders: a.noHeaders, Writer: cmd.OutOrStdout()}
			return nil
		},
	}

	server := os.Getenv("BUNDLECTL_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	root.PersistentFlags().StringVarP(&a.server, "server", "s", server, "bundle proxy URL")
	root.PersistentFlags().StringVarP(&a.outputFmt, "output", "o", "table", "output format: table, json, yaml")
	root.PersistentFlags().BoolVar(&a.noHeaders, "no-headers", false, "hide table headers")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 2*time.Minute, "request timeout")

	root.AddCommand(
		a.resolveCmd(),
		a.rewriteCmd(),
		a.archiveCmd(),
		a.healthCmd(),
		a.playCmd(),
		a.assetCmd(),
		a.membersCmd(),
		a.statusCmd(),
		a.ensureCmd(),
		a.prewarmCmd(),
		a.invalidateCmd(),
		a.pruneCmd(),
		a.statsCmd(),
		a.watchCmd(),
	)
	return root
}

func (a *app) client() *client.Client {
	return client.New(client.Config{BaseURL: a.server, Timeout: a.timeout})
}
