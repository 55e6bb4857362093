package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// newRootCmd builds the command tree. It is a constructor rather than a
// package variable so tests get fresh flag state.
func newRootCmd() *cobra.Command {
	o := &fetchOptions{}

	root := &cobra.Command{
		Use:   "netfetch [flags] URL",
		Short: "Fetch a URL through the netbridge engine",
		Long: `netfetch issues a single request through the netbridge engine and writes
the response body to stdout as it streams in. Engine settings come from the
same NETBRIDGE_* environment variables and config file as the server; flags
override them.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args[0], o)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	f := root.Flags()
	f.StringVarP(&o.method, "request", "X", "", "request method (default GET, or POST with a body)")
	f.StringArrayVarP(&o.headers, "header", "H", nil, `request header "Name: value", repeatable`)
	f.StringVarP(&o.data, "data", "d", "", "request body")
	f.StringVar(&o.dataFile, "data-file", "", "read the request body from a file")
	f.BoolVar(&o.noFollow, "no-follow", false, "do not follow redirects")
	f.BoolVarP(&o.include, "include", "i", false, "write the status line and response headers before the body")
	f.StringVarP(&o.output, "output", "o", "", "write the body to a file instead of stdout")
	f.StringVar(&o.backend, "backend", "", "engine backend: nethttp or fasthttp")
	f.StringVar(&o.proxy, "proxy", "", "proxy URL (http, https or socks5)")
	f.StringVarP(&o.userAgent, "user-agent", "A", "", "user agent")
	f.StringVar(&o.bufferSize, "buffer-size", "", "read buffer size, e.g. 16KiB")
	f.DurationVar(&o.timeout, "timeout", 0, "overall request timeout (default from config, 30s)")
	f.StringVar(&o.dbPath, "db", ":memory:", "SQLite database that records the request")

	root.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "print request progress to stderr")

	root.AddCommand(newBackendsCmd())
	return root
}
