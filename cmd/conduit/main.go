package main

import (
	"fmt"
	"os"

	"github.com/conduitmcp/conduit/cmd"
)

func main() {
	c := cmd.NewCommand()
	if err := c.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
