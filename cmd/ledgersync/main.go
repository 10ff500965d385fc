// Command ledgersync keeps a local ledger in step with the remote ledger
// service.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ledgersync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
