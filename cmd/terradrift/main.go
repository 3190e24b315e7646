// terradrift - detect drift between Terraform state and real infrastructure.
// Plan every workspace. Stop at the first change. Report.
package main

import (
	"os"

	_ "github.com/yairfalse/terradrift/internal/source/azure"
	_ "github.com/yairfalse/terradrift/internal/source/gcs"
	_ "github.com/yairfalse/terradrift/internal/source/local"
	_ "github.com/yairfalse/terradrift/internal/source/s3"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
