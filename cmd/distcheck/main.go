package main

import (
	"fmt"
	"os"

	"github.com/Mathew-Estafanous/distcheck/cmd/distcheck/command"
	"github.com/Mathew-Estafanous/distcheck/errdefs"
)

func main() {
	app := command.App()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "distcheck: %s\n", err)
		os.Exit(errdefs.ExitCode(err))
	}
}
