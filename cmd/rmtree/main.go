// Command rmtree removes directory trees, once from the command line or on a
// schedule as a daemon.
package main

import (
	"os"

	"rmtree/cmd/rmtree/cli"
)

func main() {
	os.Exit(cli.Execute())
}
