// gocyphal -- diagnostic and bench-testing CLI for the Cyphal protocol stack.
package main

import (
	"os"

	"github.com/dantte-lp/gocyphal/cmd/gocyphal/commands"
)

func main() {
	os.Exit(commands.Execute())
}
