package main

import (
	"os"

	"github.com/sagaflow/sagaflow/cli"
)

func main() {
	os.Exit(cli.Execute())
}
