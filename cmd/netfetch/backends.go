package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seantiz/netbridge/internal/backend"
	"github.com/seantiz/netbridge/internal/backend/httpengine"
)

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the available engine backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := backend.NewRegistry()
			httpengine.Register(reg)

			out := cmd.OutOrStdout()
			for _, info := range reg.List() {
				c := info.Capabilities
				fmt.Fprintf(out, "%-10s protocols=%s upload=%t proxy=%t streaming=%t\n",
					info.Name, strings.Join(c.Protocols, ","), c.SupportsUpload, c.SupportsProxy, c.Streaming)
			}
			return nil
		},
	}
}
