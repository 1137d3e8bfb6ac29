// The main package for the crawlsup executable.
package main

import (
	"github.com/JakeFAU/crawl-supervisor/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
