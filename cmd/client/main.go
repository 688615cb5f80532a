package main

import (
	"livebridge/internal/client/cli"
)

// Version is set via ldflags during build. e.g. -X main.Version=v1.2.0
var Version = "dev"

func main() {
	cli.Version = Version
	cli.Execute()
}
