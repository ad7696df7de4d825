// The main package for the plugin-crawler executable.
package main

import (
	"github.com/JakeFAU/plugin-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
