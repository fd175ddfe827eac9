// Command loanflow runs and inspects durable loan application workflows.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/loanflow/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
