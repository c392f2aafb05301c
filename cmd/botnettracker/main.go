// The main package for the botnet-tracker executable.
package main

import (
	"github.com/JakeFAU/botnet-tracker/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
