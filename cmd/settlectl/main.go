// settlectl is the operator command line of the settlement engine.
package main

import (
	"fmt"
	"os"

	"github.com/warp/settlement-engine/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
