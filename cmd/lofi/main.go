// Command lofi is a local-first chat client and the reference sync
// authority it talks to.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/lofi/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
