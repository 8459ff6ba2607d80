package main

import (
	"context"
	"os"

	"github.com/cumulus13/ddf/cli"
)

// set by the release build
var version = "dev"

func main() {
	os.Exit(cli.Main(context.Background(), os.Args[1:], version))
}
