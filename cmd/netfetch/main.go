// netfetch issues one request through the netbridge engine and writes the
// response body to stdout, streaming it as it arrives.
// Usage: netfetch [flags] URL
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
