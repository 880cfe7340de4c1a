package main

import (
	"os"

	"cipherlink/cmd/cipherlink/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
