// Command pvm runs and administers the process virtual machine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/pvm/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
