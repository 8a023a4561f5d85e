// Command seminar serves and maintains learner progress for the ML seminar.
package main

import (
	"os"

	"github.com/livetemplate/seminar/cmd/seminar/commands"
)

const version = "0.1.0-dev"

func main() {
	if err := commands.NewRootCommand(version).Execute(); err != nil {
		os.Exit(1)
	}
}
