// Command childrend runs the milter multiplexer: it listens for MTA
// connections and fans every command out to a configured fleet of backend
// milter filters.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
