// The main package for the pricescan executable.
package main

import (
	"github.com/JakeFAU/pricescan/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
