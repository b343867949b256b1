// Package commands wires the keysyncd CLI: serve runs the HTTP service,
// migrate applies the schema and exits.
package commands

import (
	"github.com/spf13/cobra"
)

var configPath string

func Execute() error {
	root := &cobra.Command{
		Use:   "keysyncd",
		Short: "Key rotation and re-encryption coordination service",
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "directory containing config.yaml")

	root.AddCommand(serveCmd(), migrateCmd())
	return root.Execute()
}
