// cmd/council/main.go
package main

import (
	"council/internal/cli"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	cli.SetVersionInfo(version, commit)
	cli.Execute()
}
