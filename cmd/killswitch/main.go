// killswitch is the fleet-wide emergency stop for autonomous agents.
package main

import (
	"os"

	"github.com/steveyegge/killswitch/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
