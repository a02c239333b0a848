package main

import (
	"fmt"
	"os"

	"tangled.org/solarpunk.net/dtnbundle/cmd/dtnbundle/commands"
)

func main() {
	root := commands.NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
