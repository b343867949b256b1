package main

import (
	"os"

	"gitlab.com/secp/services/keysync/cmd/keysyncd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
